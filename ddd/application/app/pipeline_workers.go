package app

import (
	"context"
	"fmt"
	"time"

	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// PipelineDeps 流水线处理器依赖，由进程启动时显式构造
type PipelineDeps struct {
	Store     repo.Store
	Storage   gateway.StorageGateway
	Converter port.AudioConverter
	Waveform  port.WaveformExtractor
	Mixer     port.TrackMixer
	Quota     *service.QuotaAccountant
	Notifier  gateway.QuotaNotifier
	Queue     port.JobQueue
	Audio     config.AudioConfig
	Cleanup   config.CleanupConfig
}

// PipelineWorkers 六个队列的任务处理器
type PipelineWorkers struct {
	store     repo.Store
	storage   gateway.StorageGateway
	converter port.AudioConverter
	waveform  port.WaveformExtractor
	mixer     port.TrackMixer
	quota     *service.QuotaAccountant
	notifier  gateway.QuotaNotifier
	queue     port.JobQueue
	audio     config.AudioConfig
	cleanup   config.CleanupConfig
	now       func() time.Time
}

// NewPipelineWorkers 创建任务处理器
func NewPipelineWorkers(deps PipelineDeps) *PipelineWorkers {
	if deps.Quota == nil {
		deps.Quota = service.NewQuotaAccountant()
	}
	if deps.Audio.Mp3BitrateKbps <= 0 {
		deps.Audio.Mp3BitrateKbps = 320
	}
	if deps.Cleanup.Retention <= 0 {
		deps.Cleanup.Retention = 7 * 24 * time.Hour
	}
	if deps.Cleanup.BatchSize <= 0 {
		deps.Cleanup.BatchSize = 200
	}
	return &PipelineWorkers{
		store:     deps.Store,
		storage:   deps.Storage,
		converter: deps.Converter,
		waveform:  deps.Waveform,
		mixer:     deps.Mixer,
		quota:     deps.Quota,
		notifier:  deps.Notifier,
		queue:     deps.Queue,
		audio:     deps.Audio,
		cleanup:   deps.Cleanup,
		now:       time.Now,
	}
}

// Register 注册处理函数与最终失败钩子，concurrency 按队列名配置
func (w *PipelineWorkers) Register(m *queue.Manager, concurrency map[string]int) {
	limit := func(q vo.QueueName) int {
		if n := concurrency[q.String()]; n > 0 {
			return n
		}
		return config.DefaultConcurrency()[q.String()]
	}

	m.Process(vo.QueueTrackConversion, limit(vo.QueueTrackConversion), decodeAnd(w.ConvertTrack))
	m.Process(vo.QueueAudioFileConversion, limit(vo.QueueAudioFileConversion), decodeAnd(w.ConvertAudioFile))
	m.Process(vo.QueueStemProcessing, limit(vo.QueueStemProcessing), decodeAnd(w.ProcessStem))
	m.Process(vo.QueueTrackRegeneration, limit(vo.QueueTrackRegeneration), decodeAnd(w.RegenerateTrack))
	m.Process(vo.QueueTrackDeletion, limit(vo.QueueTrackDeletion), decodeAnd(func(ctx context.Context, p vo.TrackDeletionJob) error {
		_, err := w.DeleteTracks(ctx, p)
		return err
	}))
	m.Process(vo.QueueFileCleanup, limit(vo.QueueFileCleanup), decodeAnd(func(ctx context.Context, p vo.FileCleanupJob) error {
		_, err := w.CleanupFiles(ctx, p)
		return err
	}))

	m.OnFailed(vo.QueueTrackConversion, hookFor(w.trackConversionFailed))
	m.OnFailed(vo.QueueAudioFileConversion, hookFor(w.audioFileConversionFailed))
	m.OnFailed(vo.QueueStemProcessing, hookFor(w.stemProcessingFailed))
	m.OnFailed(vo.QueueTrackRegeneration, hookFor(w.trackRegenerationFailed))
	m.OnFailed(vo.QueueTrackDeletion, hookFor(w.trackDeletionFailed))
	m.OnFailed(vo.QueueFileCleanup, hookFor(w.cleanupFailed))
}

// decodeAnd 解码任务负载后调用处理函数，负载损坏不重试
func decodeAnd[T any](fn func(context.Context, T) error) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload T
		if err := job.Decode(&payload); err != nil {
			return &errno.ConversionError{Op: "decode-payload", Reason: fmt.Sprintf("%s job %s", job.Queue, job.ID), Err: err}
		}
		return fn(ctx, payload)
	}
}

func hookFor[T any](fn func(context.Context, T, error)) queue.FailureHook {
	return func(ctx context.Context, job *queue.Job, cause error) {
		var payload T
		if err := job.Decode(&payload); err != nil {
			logger.Errorf("failure hook cannot decode %s job %s: %v", job.Queue, job.ID, err)
			return
		}
		fn(ctx, payload, cause)
	}
}

// derivedAudio 一条音频的派生结果
type derivedAudio struct {
	mp3      []byte
	waveform *vo.WaveformSummary
	duration float64
}

// derive 从 16 位 WAV 生成 MP3、波形与时长
func (w *PipelineWorkers) derive(ctx context.Context, wav []byte) (*derivedAudio, error) {
	summary, err := w.waveform.Extract(ctx, wav)
	if err != nil {
		return nil, err
	}
	mp3, err := w.converter.WavToMp3(ctx, wav, w.audio.Mp3BitrateKbps)
	if err != nil {
		return nil, err
	}
	return &derivedAudio{mp3: mp3, waveform: summary, duration: summary.Duration}, nil
}

// readSource 读取暂存区或永久存储中的文件
func (w *PipelineWorkers) readSource(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, errno.NewConversionError("read-source", "empty source location")
	}
	if w.storage.IsStaged(location) {
		return w.storage.GetLocalStagedFile(ctx, location)
	}
	return w.storage.GetObject(ctx, location)
}

// deleteUnreferenced 删除不再被任何记录引用的文件，失败只记录日志
func (w *PipelineWorkers) deleteUnreferenced(ctx context.Context, urls []string, fields map[string]interface{}) {
	var orphans []string
	for _, url := range dedupe(urls) {
		n, err := w.store.References().CountReferences(ctx, url, nil)
		if err != nil {
			logger.Warnf("count references of %s: %v", url, err)
			continue
		}
		if n == 0 {
			orphans = append(orphans, url)
		}
	}
	if len(orphans) == 0 {
		return
	}
	report := w.storage.DeleteMany(ctx, orphans)
	for _, f := range report.Failed {
		logFields := copyFields(fields)
		logFields["url"] = f.URL
		logFields["error"] = f.Err.Error()
		logger.Warn("Failed to delete replaced artifact", logFields)
	}
}

// publishWarnings 事务提交后发送配额告警
func (w *PipelineWorkers) publishWarnings(ctx context.Context, warnings ...*vo.QuotaWarning) {
	if w.notifier == nil {
		return
	}
	for _, warning := range warnings {
		if warning == nil {
			continue
		}
		if err := w.notifier.NotifyQuotaWarning(ctx, warning); err != nil {
			logger.Warnf("publish quota warning user=%s track=%s: %v", warning.UserID, warning.TrackID, err)
		}
	}
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func failureFields(stage string, err error, kv ...interface{}) map[string]interface{} {
	fields := map[string]interface{}{"stage": stage}
	if err != nil {
		fields["error"] = err.Error()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}
