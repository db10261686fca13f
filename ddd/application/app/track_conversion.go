package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// errStaleJob 记录在处理期间被其他任务改变，本次结果丢弃
var errStaleJob = errors.New("job is stale")

const moduleStemType = "module-channel"

// renderedStem 模块通道的派生结果
type renderedStem struct {
	index   int
	name    string
	derived *derivedAudio
	mp3     *gateway.StoredObject
}

// trackOutputs 一次整轨转换的全部产物
type trackOutputs struct {
	full     *derivedAudio
	fullMP3  *gateway.StoredObject
	stems    []renderedStem
	format   vo.AudioFormat
	original string
	// lossless 原始音频本身是 WAV/FLAC 时作为对应格式的产物
	lossless *gateway.StoredObject
}

func (o *trackOutputs) mp3Bytes() int64 {
	total := o.fullMP3.SizeBytes
	for _, s := range o.stems {
		total += s.mp3.SizeBytes
	}
	return total
}

// ConvertTrack 新上传音轨的完整处理：渲染、派生 MP3 与波形、转存原始文件、建分轨、记配额
func (w *PipelineWorkers) ConvertTrack(ctx context.Context, job vo.TrackConversionJob) error {
	track, err := w.store.Tracks().GetTrack(ctx, job.TrackID)
	if err != nil {
		return err
	}
	if track == nil {
		return &errno.NotFoundError{Kind: "track", ID: job.TrackID}
	}
	if track.IsPendingDeletion() {
		logger.Infof("track %s is pending deletion, skip conversion", track.ID)
		return nil
	}
	if track.ProcessingStatus == vo.ConversionCompleted {
		logger.Infof("track %s already converted, skip duplicate delivery", track.ID)
		return nil
	}
	if err := track.BeginProcessing(); err != nil {
		return err
	}
	if err := w.store.Tracks().UpdateProcessingStatus(ctx, track.ID, vo.ConversionInProgress); err != nil {
		return err
	}

	fields := failureFields(vo.QueueTrackConversion.String(), nil, "track_id", track.ID)
	uploads := newUploadTracker(w.storage)
	out, err := w.produceTrack(ctx, track, uploads)
	if err != nil {
		uploads.rollback(ctx, fields)
		return err
	}

	var (
		warning  *vo.QuotaWarning
		replaced []string
	)
	err = w.store.Transaction(ctx, func(tx repo.Store) error {
		var txErr error
		warning, replaced, txErr = w.persistTrack(ctx, tx, track.ID, out)
		return txErr
	})
	if errors.Is(err, errStaleJob) {
		logger.Infof("track %s changed during conversion, discard result", track.ID)
		uploads.rollback(ctx, fields)
		return nil
	}
	if err != nil {
		uploads.rollback(ctx, fields)
		var nf *errno.NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		return &errno.TransactionError{Op: "persist track conversion", Err: err}
	}

	if w.storage.IsStaged(track.OriginalURL) {
		if err := w.storage.DeleteLocalStagedFile(ctx, track.OriginalURL); err != nil {
			logger.Warnf("delete staged original of track %s: %v", track.ID, err)
		}
	}
	w.deleteUnreferenced(ctx, replaced, fields)
	w.publishWarnings(ctx, warning)

	logger.Info("Track conversion completed", map[string]interface{}{
		"track_id": track.ID,
		"format":   out.format.String(),
		"stems":    len(out.stems),
		"duration": out.full.duration,
	})
	return nil
}

// produceTrack 生成并上传产物，不修改数据库
func (w *PipelineWorkers) produceTrack(ctx context.Context, track *entity.Track, uploads *uploadTracker) (*trackOutputs, error) {
	data, err := w.readSource(ctx, track.OriginalURL)
	if err != nil {
		return nil, err
	}
	format := track.OriginalFormat
	if format == "" {
		format = vo.FormatFromFilename(track.OriginalURL)
	}
	out := &trackOutputs{format: format, original: track.OriginalURL}

	if format.IsModule() {
		if err := w.produceModule(ctx, track.ID, data, format, out, uploads); err != nil {
			return nil, err
		}
	} else {
		if err := w.produceRaw(ctx, track.ID, data, format, out, uploads); err != nil {
			return nil, err
		}
	}

	if w.storage.IsStaged(track.OriginalURL) {
		path, err := w.storage.StagedPath(track.OriginalURL)
		if err != nil {
			return nil, err
		}
		obj, err := uploads.file(ctx, path, service.OriginalPrefix(track.ID))
		if err != nil {
			return nil, err
		}
		out.original = obj.URL
	}
	if format.IsLossless() {
		out.lossless = &gateway.StoredObject{URL: out.original, SizeBytes: int64(len(data))}
	}
	return out, nil
}

func (w *PipelineWorkers) produceModule(ctx context.Context, trackID string, data []byte, format vo.AudioFormat, out *trackOutputs, uploads *uploadTracker) error {
	render, err := w.converter.ModuleToWav(ctx, data, format)
	if err != nil {
		return err
	}
	if out.full, err = w.derive(ctx, render.FullMix); err != nil {
		return err
	}
	if out.fullMP3, err = uploads.bytes(ctx, out.full.mp3, service.FullMixPrefix(trackID), vo.FormatMP3); err != nil {
		return err
	}
	for _, s := range render.Stems {
		derived, err := w.derive(ctx, s.Data)
		if err != nil {
			return err
		}
		obj, err := uploads.bytes(ctx, derived.mp3, service.StemPrefix(trackID, s.Index), vo.FormatMP3)
		if err != nil {
			return err
		}
		out.stems = append(out.stems, renderedStem{index: s.Index, name: s.Name, derived: derived, mp3: obj})
	}
	return nil
}

func (w *PipelineWorkers) produceRaw(ctx context.Context, trackID string, data []byte, format vo.AudioFormat, out *trackOutputs, uploads *uploadTracker) error {
	var (
		wav []byte
		err error
	)
	switch format {
	case vo.FormatFLAC:
		wav, err = w.converter.FlacToWav(ctx, data)
	default:
		wav, err = w.converter.ToWav(ctx, data, format)
	}
	if err != nil {
		return err
	}
	if out.full, err = w.derive(ctx, wav); err != nil {
		return err
	}
	out.fullMP3, err = uploads.bytes(ctx, out.full.mp3, service.FullMixPrefix(trackID), vo.FormatMP3)
	return err
}

// persistTrack 事务内写入整轨与分轨，返回配额告警与被替换的文件
func (w *PipelineWorkers) persistTrack(ctx context.Context, tx repo.Store, trackID string, out *trackOutputs) (*vo.QuotaWarning, []string, error) {
	current, err := tx.Tracks().GetTrack(ctx, trackID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, &errno.NotFoundError{Kind: "track", ID: trackID}
	}
	if current.IsPendingDeletion() || current.ProcessingStatus == vo.ConversionCompleted {
		return nil, nil, errStaleJob
	}

	now := w.now()
	var replaced []string
	if old := current.Audio.ReplaceDerived(out.fullMP3.URL, out.fullMP3.SizeBytes, out.full.waveform, out.full.duration, now); old != "" {
		replaced = append(replaced, old)
	}
	for _, f := range []vo.AudioFormat{vo.FormatWAV, vo.FormatFLAC} {
		if old := current.Audio.ClearRendition(f); old != "" {
			replaced = append(replaced, old)
		}
	}
	if out.lossless != nil {
		if err := current.Audio.CompleteRendition(out.format, out.lossless.URL, out.lossless.SizeBytes, now); err != nil {
			return nil, nil, err
		}
	}
	current.OriginalURL = out.original
	current.OriginalFormat = out.format

	if out.format.IsModule() {
		existing, err := tx.Stems().ListStemsByTrack(ctx, trackID)
		if err != nil {
			return nil, nil, err
		}
		if len(existing) > 0 {
			for _, s := range existing {
				replaced = append(replaced, s.ArtifactURLs()...)
			}
			if err := tx.Stems().DeleteStemsByTracks(ctx, []string{trackID}); err != nil {
				return nil, nil, err
			}
		}
		stems, err := buildModuleStems(trackID, out.stems, now)
		if err != nil {
			return nil, nil, err
		}
		if err := tx.Stems().CreateStems(ctx, stems); err != nil {
			return nil, nil, err
		}
	}

	usage := vo.QuotaUsage{
		SecondsDelta: out.full.duration - current.QuotaSecondsCharged,
		BytesDelta:   out.mp3Bytes() - current.QuotaBytesCharged,
	}
	warning, err := w.quota.ApplyUsage(ctx, tx.Quotas(), current.UserID, current.ID, vo.QueueTrackConversion.String(), usage)
	if err != nil {
		return nil, nil, err
	}
	current.QuotaSecondsCharged = out.full.duration
	current.QuotaBytesCharged = out.mp3Bytes()

	if err := current.BeginProcessing(); err != nil {
		return nil, nil, err
	}
	if err := current.FinishProcessing(vo.ConversionCompleted); err != nil {
		return nil, nil, err
	}
	current.UpdatedAt = now
	if err := tx.Tracks().SaveTrack(ctx, current); err != nil {
		return nil, nil, err
	}
	return warning, replaced, nil
}

func buildModuleStems(trackID string, rendered []renderedStem, now time.Time) ([]*entity.Stem, error) {
	stems := make([]*entity.Stem, 0, len(rendered))
	for _, r := range rendered {
		s := &entity.Stem{
			ID:           uuid.NewString(),
			TrackID:      trackID,
			Index:        r.index,
			Name:         r.name,
			Type:         moduleStemType,
			SourceFormat: vo.FormatWAV,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.Audio.ReplaceDerived(r.mp3.URL, r.mp3.SizeBytes, r.derived.waveform, r.derived.duration, now)
		if err := s.BeginProcessing(); err != nil {
			return nil, err
		}
		if err := s.FinishProcessing(vo.ConversionCompleted); err != nil {
			return nil, err
		}
		stems = append(stems, s)
	}
	return stems, nil
}

// trackConversionFailed 最终失败时把整轨状态置为 FAILED
func (w *PipelineWorkers) trackConversionFailed(ctx context.Context, job vo.TrackConversionJob, cause error) {
	logger.Error("Track conversion failed", failureFields(vo.QueueTrackConversion.String(), cause, "track_id", job.TrackID))
	if errno.IsNotFound(cause) {
		return
	}
	if err := w.markTrackFailed(ctx, job.TrackID); err != nil {
		logger.Errorf("mark track %s conversion failed: %v", job.TrackID, err)
	}
}
