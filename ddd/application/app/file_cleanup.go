package app

import (
	"context"
	"time"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/logger"
)

// renditionLoader 从指定仓储加载产物集合，返回持久文件判断与保存函数
type renditionLoader func(ctx context.Context, store repo.Store) (audio *entity.AudioSet, durable func(string) bool, save func() error, err error)

// renditionClearer 条件清空过期产物，见 TrackRepository.ClearStaleRendition
type renditionClearer func(ctx context.Context, url string, before time.Time) (bool, error)

func trackLoader(id string) renditionLoader {
	return func(ctx context.Context, store repo.Store) (*entity.AudioSet, func(string) bool, func() error, error) {
		t, err := store.Tracks().GetTrack(ctx, id)
		if err != nil || t == nil {
			return nil, nil, nil, err
		}
		return &t.Audio, t.IsDurable, func() error { return store.Tracks().SaveTrack(ctx, t) }, nil
	}
}

func stemLoader(id string) renditionLoader {
	return func(ctx context.Context, store repo.Store) (*entity.AudioSet, func(string) bool, func() error, error) {
		s, err := store.Stems().GetStem(ctx, id)
		if err != nil || s == nil {
			return nil, nil, nil, err
		}
		return &s.Audio, s.IsDurable, func() error { return store.Stems().SaveStem(ctx, s) }, nil
	}
}

func (w *PipelineWorkers) trackClearer(id string, format vo.AudioFormat) renditionClearer {
	return func(ctx context.Context, url string, before time.Time) (bool, error) {
		return w.store.Tracks().ClearStaleRendition(ctx, id, format, url, before)
	}
}

func (w *PipelineWorkers) stemClearer(id string, format vo.AudioFormat) renditionClearer {
	return func(ctx context.Context, url string, before time.Time) (bool, error) {
		return w.store.Stems().ClearStaleRendition(ctx, id, format, url, before)
	}
}

// reclaim 先条件清空字段，清空成功后才删除文件；持久文件与共享文件只清字段。
// 删除失败时把字段恢复为原值，下一次调度再回收
func (w *PipelineWorkers) reclaim(ctx context.Context, report *vo.CleanupReport, kind vo.ArtifactKind, id string, format vo.AudioFormat,
	before time.Time, load renditionLoader, clear renditionClearer) {
	fail := func(url string, err error) {
		report.Errors = append(report.Errors, vo.CleanupFailure{Kind: kind, ID: id, Format: format, URL: url, Reason: err.Error()})
	}

	audio, durable, _, err := load(ctx, w.store)
	if err != nil {
		fail("", err)
		return
	}
	if audio == nil {
		return
	}
	r := audio.Rendition(format)
	if !isStale(r, before) {
		return
	}
	previous := *r
	url := r.URL

	remove := !durable(url)
	if remove {
		n, err := w.store.References().CountReferences(ctx, url, nil)
		if err != nil {
			fail(url, err)
			return
		}
		remove = n <= 1
	}

	cleared, err := clear(ctx, url, before)
	if err != nil {
		fail(url, err)
		return
	}
	if !cleared {
		logger.Debugf("%s rendition of %s was requested or replaced, keep %s", format, id, url)
		return
	}

	if remove {
		if err := w.storage.Delete(ctx, url); err != nil {
			fail(url, err)
			w.restoreRendition(ctx, load, format, previous)
			return
		}
		report.Removed++
	}
	report.Cleared++
}

// restoreRendition 文件未删除时恢复字段，期间已有新产物则保持不变
func (w *PipelineWorkers) restoreRendition(ctx context.Context, load renditionLoader, format vo.AudioFormat, previous entity.Rendition) {
	err := w.store.Transaction(ctx, func(tx repo.Store) error {
		audio, _, save, err := load(ctx, tx)
		if err != nil || audio == nil {
			return err
		}
		r := audio.Rendition(format)
		if r.URL != "" || r.Status == vo.ConversionInProgress {
			return nil
		}
		*r = previous
		return save()
	})
	if err != nil {
		logger.Errorf("restore %s rendition %s: %v", format, previous.URL, err)
	}
}

// isStale 已完成且最近请求时间（无请求时取创建时间）早于 before
func isStale(r *entity.Rendition, before time.Time) bool {
	if r == nil || r.URL == "" || r.Status == vo.ConversionInProgress {
		return false
	}
	if r.LastRequestedAt != nil {
		return r.LastRequestedAt.Before(before)
	}
	return r.CreatedAt == nil || r.CreatedAt.Before(before)
}

// cleanupFailed 回收任务只记录，下一次调度会重新扫描
func (w *PipelineWorkers) cleanupFailed(_ context.Context, job vo.FileCleanupJob, cause error) {
	logger.Error("File cleanup failed", failureFields(vo.QueueFileCleanup.String(), cause, "type", job.Type))
}
