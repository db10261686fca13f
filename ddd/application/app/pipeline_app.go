package app

import (
	"context"
	"errors"
	"time"

	"audio-pipeline/ddd/application/cqe"
	"audio-pipeline/ddd/application/dto"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/assert"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// PipelineApp 流水线入队门面，供 HTTP、消息消费者与命令行使用
type PipelineApp interface {
	// EnqueueTrackConversion 新上传音轨入队
	EnqueueTrackConversion(ctx context.Context, req *cqe.ConvertTrackReq) (*dto.JobDto, error)
	// RequestAudioFile 已生成时返回地址并刷新请求时间，否则按需入队
	RequestAudioFile(ctx context.Context, req *cqe.AudioFileReq) (*dto.AudioFileDto, error)
	// EnqueueStemProcessing 分轨文件替换入队
	EnqueueStemProcessing(ctx context.Context, req *cqe.ProcessStemReq) (*dto.JobDto, error)
	// EnqueueTrackRegeneration 重新混音入队
	EnqueueTrackRegeneration(ctx context.Context, req *cqe.RegenerateTrackReq) (*dto.JobDto, error)
	// DeleteTracks 标记待删除并入队
	DeleteTracks(ctx context.Context, req *cqe.DeleteTracksReq) (*dto.JobDto, error)
	// EnqueueCleanup 回收任务入队，jobID 非空时同一 ID 只入队一次
	EnqueueCleanup(ctx context.Context, jobID string) (*dto.JobDto, error)
	// QueueStats 各队列统计
	QueueStats(ctx context.Context) (*dto.QueueStatsDto, error)
}

type pipelineAppImpl struct {
	store repo.Store
	queue port.JobQueue
	now   func() time.Time
}

// NewPipelineApp 创建入队门面
func NewPipelineApp(store repo.Store, queue port.JobQueue) PipelineApp {
	assert.NotNil(store)
	assert.NotNil(queue)
	return &pipelineAppImpl{store: store, queue: queue, now: time.Now}
}

func (a *pipelineAppImpl) enqueue(ctx context.Context, queue vo.QueueName, payload interface{}, opts *vo.JobOptions) (*dto.JobDto, error) {
	id, err := a.queue.Enqueue(ctx, queue, payload, opts)
	if err != nil {
		logger.Errorf("enqueue %s job: %v", queue, err)
		return nil, errno.NewBizError(errno.ErrEnqueueFailed, err)
	}
	return &dto.JobDto{JobID: id, Queue: queue.String()}, nil
}

func (a *pipelineAppImpl) EnqueueTrackConversion(ctx context.Context, req *cqe.ConvertTrackReq) (*dto.JobDto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	track, err := a.store.Tracks().GetTrack(ctx, req.TrackID)
	if err != nil {
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	if track == nil {
		return nil, errno.ErrTrackNotFound
	}
	if track.IsPendingDeletion() {
		return nil, errno.ErrTrackPendingDelete
	}
	return a.enqueue(ctx, vo.QueueTrackConversion, vo.TrackConversionJob{TrackID: track.ID}, nil)
}

func (a *pipelineAppImpl) RequestAudioFile(ctx context.Context, req *cqe.AudioFileReq) (*dto.AudioFileDto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	format := req.AudioFormat()
	owner, err := loadRenditionOwner(ctx, a.store, req.TrackID, req.Target(), req.StemID)
	if err != nil {
		var nf *errno.NotFoundError
		if errors.As(err, &nf) {
			if nf.Kind == "stem" {
				return nil, errno.ErrStemNotFound
			}
			return nil, errno.ErrTrackNotFound
		}
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	if owner.track.IsPendingDeletion() {
		return nil, errno.ErrTrackPendingDelete
	}

	out := &dto.AudioFileDto{TrackID: req.TrackID, StemID: req.StemID, Format: format.String()}
	r := owner.audio().Rendition(format)
	if r.Available() {
		if err := owner.touch(ctx, a.store, format, a.now()); err != nil {
			logger.Warnf("touch %s rendition of track %s: %v", format, req.TrackID, err)
		}
		out.Status = vo.ConversionCompleted.String()
		out.URL = r.URL
		out.SizeBytes = r.SizeBytes
		return out, nil
	}
	if r.Status == vo.ConversionInProgress {
		out.Status = vo.ConversionInProgress.String()
		return out, nil
	}

	previous := r.Status.OrNotStarted()
	if err := owner.audio().TransitionRendition(format, vo.ConversionInProgress); err != nil {
		return nil, errno.NewBizError(errno.ErrInvalidStatusChange, err)
	}
	if err := owner.updateStatus(ctx, a.store, format, vo.ConversionInProgress); err != nil {
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	job, err := a.enqueue(ctx, vo.QueueAudioFileConversion, vo.AudioFileConversionJob{
		TrackID: req.TrackID,
		Type:    req.Target(),
		StemID:  req.StemID,
		Format:  format,
	}, nil)
	if err != nil {
		if revertErr := owner.updateStatus(ctx, a.store, format, previous); revertErr != nil {
			logger.Errorf("revert %s status of track %s: %v", format, req.TrackID, revertErr)
		}
		return nil, err
	}
	out.Status = vo.ConversionInProgress.String()
	out.JobID = job.JobID
	return out, nil
}

func (a *pipelineAppImpl) EnqueueStemProcessing(ctx context.Context, req *cqe.ProcessStemReq) (*dto.JobDto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	stem, err := a.store.Stems().GetStem(ctx, req.StemID)
	if err != nil {
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	if stem == nil || (req.TrackID != "" && req.TrackID != stem.TrackID) {
		return nil, errno.ErrStemNotFound
	}
	return a.enqueue(ctx, vo.QueueStemProcessing, vo.StemProcessingJob{
		StemID:       stem.ID,
		StemFileURL:  req.StemFileURL,
		StemFileName: req.StemFileName,
		TrackID:      stem.TrackID,
		UserID:       req.UserID,
	}, nil)
}

func (a *pipelineAppImpl) EnqueueTrackRegeneration(ctx context.Context, req *cqe.RegenerateTrackReq) (*dto.JobDto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	track, err := a.store.Tracks().GetTrack(ctx, req.TrackID)
	if err != nil {
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	if track == nil {
		return nil, errno.ErrTrackNotFound
	}
	if track.IsPendingDeletion() {
		return nil, errno.ErrTrackPendingDelete
	}
	return a.enqueue(ctx, vo.QueueTrackRegeneration, vo.TrackRegenerationJob{
		TrackID:       track.ID,
		Reason:        req.Reason,
		UpdatedStemID: req.UpdatedStemID,
	}, nil)
}

func (a *pipelineAppImpl) DeleteTracks(ctx context.Context, req *cqe.DeleteTracksReq) (*dto.JobDto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ids := dedupe(req.TrackIDs)
	if err := a.store.Tracks().MarkPendingDeletion(ctx, ids); err != nil {
		return nil, errno.NewBizError(errno.ErrDatabase, err)
	}
	return a.enqueue(ctx, vo.QueueTrackDeletion, vo.TrackDeletionJob{TrackIDs: ids}, nil)
}

func (a *pipelineAppImpl) EnqueueCleanup(ctx context.Context, jobID string) (*dto.JobDto, error) {
	var opts *vo.JobOptions
	if jobID != "" {
		opts = &vo.JobOptions{JobID: jobID, Attempts: 1}
	}
	return a.enqueue(ctx, vo.QueueFileCleanup, vo.FileCleanupJob{Type: vo.CleanupTypeScheduled}, opts)
}

func (a *pipelineAppImpl) QueueStats(ctx context.Context) (*dto.QueueStatsDto, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, errno.NewBizError(errno.ErrInternalServer, err)
	}
	return &dto.QueueStatsDto{Queues: stats}, nil
}
