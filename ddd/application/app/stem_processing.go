package app

import (
	"context"
	"errors"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// ProcessStem 处理替换或新增的分轨文件，完成后触发整轨重新混音
func (w *PipelineWorkers) ProcessStem(ctx context.Context, job vo.StemProcessingJob) error {
	stem, err := w.store.Stems().GetStem(ctx, job.StemID)
	if err != nil {
		return err
	}
	if stem == nil || (job.TrackID != "" && stem.TrackID != job.TrackID) {
		return &errno.NotFoundError{Kind: "stem", ID: job.StemID}
	}
	track, err := w.store.Tracks().GetTrack(ctx, stem.TrackID)
	if err != nil {
		return err
	}
	if track == nil {
		return &errno.NotFoundError{Kind: "track", ID: stem.TrackID}
	}
	if track.IsPendingDeletion() {
		logger.Infof("track %s is pending deletion, skip stem %s", track.ID, stem.ID)
		return nil
	}
	if err := stem.BeginProcessing(); err != nil {
		return err
	}
	if err := w.store.Stems().UpdateProcessingStatus(ctx, stem.ID, vo.ConversionInProgress); err != nil {
		return err
	}

	if job.StemFileURL == "" {
		return errno.NewConversionError("stem", "stem %s has no file location", stem.ID)
	}
	name := job.StemFileName
	if name == "" {
		name = job.StemFileURL
	}
	format := vo.FormatFromFilename(name)
	if format.IsModule() {
		return errno.NewConversionError("stem", "stem file %q is a module, expected rendered audio", name)
	}

	fields := failureFields(vo.QueueStemProcessing.String(), nil, "track_id", track.ID, "stem_id", stem.ID)
	wav, err := w.fetchAsWav(ctx, job.StemFileURL, format)
	if err != nil {
		return err
	}
	derived, err := w.derive(ctx, wav)
	if err != nil {
		return err
	}

	uploads := newUploadTracker(w.storage)
	mp3, err := uploads.bytes(ctx, derived.mp3, service.StemPrefix(track.ID, stem.Index), vo.FormatMP3)
	if err != nil {
		uploads.rollback(ctx, fields)
		return err
	}
	source := job.StemFileURL
	if w.storage.IsStaged(source) {
		path, err := w.storage.StagedPath(source)
		if err != nil {
			uploads.rollback(ctx, fields)
			return err
		}
		obj, err := uploads.file(ctx, path, service.StemSourcePrefix(stem.ID))
		if err != nil {
			uploads.rollback(ctx, fields)
			return err
		}
		source = obj.URL
	}

	var (
		replaced     []string
		wasInherited bool
		warning      *vo.QuotaWarning
	)
	err = w.store.Transaction(ctx, func(tx repo.Store) error {
		current, err := tx.Stems().GetStem(ctx, stem.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &errno.NotFoundError{Kind: "stem", ID: stem.ID}
		}
		owner, err := tx.Tracks().GetTrack(ctx, current.TrackID)
		if err != nil {
			return err
		}
		if owner == nil || owner.IsPendingDeletion() {
			return errStaleJob
		}

		wasInherited = current.IsInherited()
		replaced, warning, err = w.persistStem(ctx, tx, owner, current, mp3, derived, source, format)
		return err
	})
	if errors.Is(err, errStaleJob) {
		uploads.rollback(ctx, fields)
		return nil
	}
	if err != nil {
		uploads.rollback(ctx, fields)
		if errno.IsNotFound(err) {
			return err
		}
		return &errno.TransactionError{Op: "persist stem", Err: err}
	}

	if !wasInherited {
		w.deleteUnreferenced(ctx, replaced, fields)
	}
	w.publishWarnings(ctx, warning)

	if _, err := w.queue.Enqueue(ctx, vo.QueueTrackRegeneration, vo.TrackRegenerationJob{
		TrackID:       track.ID,
		Reason:        vo.RegenerationReasonStemUpdated,
		UpdatedStemID: stem.ID,
	}, nil); err != nil {
		return err
	}
	if w.storage.IsStaged(job.StemFileURL) {
		if err := w.storage.DeleteLocalStagedFile(ctx, job.StemFileURL); err != nil {
			logger.Warnf("delete staged stem file %s: %v", job.StemFileURL, err)
		}
	}
	logger.Info("Stem processed", map[string]interface{}{
		"track_id": track.ID,
		"stem_id":  stem.ID,
		"format":   format.String(),
		"duration": derived.duration,
	})
	return nil
}

// persistStem 替换分轨派生产物并清空按需产物，按 MP3 字节差值记账
func (w *PipelineWorkers) persistStem(ctx context.Context, tx repo.Store, track *entity.Track, stem *entity.Stem,
	mp3 *gateway.StoredObject, derived *derivedAudio, source string, format vo.AudioFormat) ([]string, *vo.QuotaWarning, error) {
	now := w.now()
	var oldBytes int64
	if !stem.IsInherited() {
		oldBytes = stem.Audio.MP3.SizeBytes
	}

	var replaced []string
	if old := stem.Audio.ReplaceDerived(mp3.URL, mp3.SizeBytes, derived.waveform, derived.duration, now); old != "" {
		replaced = append(replaced, old)
	}
	for _, f := range []vo.AudioFormat{vo.FormatWAV, vo.FormatFLAC} {
		if old := stem.Audio.ClearRendition(f); old != "" {
			replaced = append(replaced, old)
		}
	}
	if stem.SourceURL != "" && stem.SourceURL != source {
		replaced = append(replaced, stem.SourceURL)
	}
	stem.SourceURL = source
	stem.SourceFormat = format
	stem.InheritedFromStemID = nil
	if err := stem.BeginProcessing(); err != nil {
		return nil, nil, err
	}
	if err := stem.FinishProcessing(vo.ConversionCompleted); err != nil {
		return nil, nil, err
	}
	if err := tx.Stems().SaveStem(ctx, stem); err != nil {
		return nil, nil, err
	}

	delta := chargedDelta(track.QuotaBytesCharged, mp3.SizeBytes-oldBytes)
	if delta == 0 {
		return replaced, nil, nil
	}
	warning, err := w.quota.ApplyUsage(ctx, tx.Quotas(), track.UserID, track.ID, vo.QueueStemProcessing.String(), vo.QuotaUsage{BytesDelta: delta})
	if err != nil {
		return nil, nil, err
	}
	track.QuotaBytesCharged += delta
	track.UpdatedAt = now
	if err := tx.Tracks().SaveTrack(ctx, track); err != nil {
		return nil, nil, err
	}
	return replaced, warning, nil
}

// chargedDelta 记账后的累计值不低于 0
func chargedDelta(charged, delta int64) int64 {
	if charged+delta < 0 {
		return -charged
	}
	return delta
}

// stemProcessingFailed 最终失败时把分轨状态置为 FAILED
func (w *PipelineWorkers) stemProcessingFailed(ctx context.Context, job vo.StemProcessingJob, cause error) {
	logger.Error("Stem processing failed", failureFields(vo.QueueStemProcessing.String(), cause,
		"track_id", job.TrackID, "stem_id", job.StemID))
	if errno.IsNotFound(cause) {
		return
	}
	if err := w.markStemFailed(ctx, job.StemID); err != nil {
		logger.Errorf("mark stem %s failed: %v", job.StemID, err)
	}
}
