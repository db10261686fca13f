package app

import (
	"context"
	"errors"
	"fmt"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// regeneratedMix 重新混音的产物，超额时不生成无损文件
type regeneratedMix struct {
	derived   *derivedAudio
	mp3       *gateway.StoredObject
	wav       *gateway.StoredObject
	flac      *gateway.StoredObject
	overQuota bool
}

// RegenerateTrack 用当前全部分轨重新混出整轨
func (w *PipelineWorkers) RegenerateTrack(ctx context.Context, job vo.TrackRegenerationJob) error {
	track, err := w.store.Tracks().GetTrack(ctx, job.TrackID)
	if err != nil {
		return err
	}
	if track == nil {
		return &errno.NotFoundError{Kind: "track", ID: job.TrackID}
	}
	if track.IsPendingDeletion() {
		logger.Infof("track %s is pending deletion, skip regeneration", track.ID)
		return nil
	}
	stems, err := w.store.Stems().ListStemsByTrack(ctx, track.ID)
	if err != nil {
		return err
	}
	if len(stems) == 0 {
		return &errno.MixError{Reason: fmt.Sprintf("track %s has no stems", track.ID)}
	}
	if job.UpdatedStemID != "" {
		for _, s := range stems {
			if s.ID == job.UpdatedStemID && s.ProcessingStatus == vo.ConversionInProgress {
				logger.Infof("stem %s is still processing, regeneration of track %s deferred", s.ID, track.ID)
				return nil
			}
		}
	}

	if err := track.BeginProcessing(); err != nil {
		return err
	}
	if err := w.store.Tracks().UpdateProcessingStatus(ctx, track.ID, vo.ConversionInProgress); err != nil {
		return err
	}

	fields := failureFields(vo.QueueTrackRegeneration.String(), nil, "track_id", track.ID, "reason", job.Reason)
	uploads := newUploadTracker(w.storage)
	mix, err := w.produceMix(ctx, track, stems, uploads)
	if err != nil {
		uploads.rollback(ctx, fields)
		return err
	}

	var (
		replaced []string
		warning  *vo.QuotaWarning
	)
	err = w.store.Transaction(ctx, func(tx repo.Store) error {
		var txErr error
		replaced, warning, txErr = w.persistMix(ctx, tx, track.ID, mix)
		return txErr
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
		return &errno.TransactionError{Op: "persist regenerated mix", Err: err}
	}

	w.deleteUnreferenced(ctx, replaced, fields)
	w.publishWarnings(ctx, warning)
	logger.Info("Track regenerated", map[string]interface{}{
		"track_id":   track.ID,
		"reason":     job.Reason,
		"stems":      len(stems),
		"duration":   mix.derived.duration,
		"over_quota": mix.overQuota,
	})
	return nil
}

// produceMix 取每个分轨的最佳来源，归一化到第一个分轨的布局后混音
func (w *PipelineWorkers) produceMix(ctx context.Context, track *entity.Track, stems []*entity.Stem, uploads *uploadTracker) (*regeneratedMix, error) {
	inputs := make([]port.MixInput, 0, len(stems))
	var (
		layout  *service.WavInfo
		longest float64
	)
	for _, s := range stems {
		wav, err := w.stemWav(ctx, s)
		if err != nil {
			return nil, err
		}
		if layout == nil {
			if layout, err = service.ProbeWav(wav); err != nil {
				return nil, err
			}
		} else if wav, err = w.converter.NormalizeWav(ctx, wav, layout.SampleRate, layout.Channels); err != nil {
			return nil, err
		}
		d, err := service.WavDuration(wav)
		if err != nil {
			return nil, err
		}
		if d > longest {
			longest = d
		}
		inputs = append(inputs, port.MixInput{Name: s.Name, Data: wav})
	}

	// 混音长度等于最长分轨，在混音前判断是否还能生成无损文件
	out := &regeneratedMix{}
	exceeded := w.quota.Exceeded(ctx, w.store.Quotas(), track.UserID, longest-track.QuotaSecondsCharged)
	var quotaErr *errno.QuotaExceededError
	switch {
	case errors.As(exceeded, &quotaErr):
		out.overQuota = true
		logger.Warnf("skip lossless renditions of track %s: %v", track.ID, quotaErr)
	case exceeded != nil:
		return nil, exceeded
	}

	mixed, err := w.mixer.Mix(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if out.derived, err = w.derive(ctx, mixed); err != nil {
		return nil, err
	}
	derived := out.derived

	prefix := service.FullMixPrefix(track.ID)
	if out.mp3, err = uploads.bytes(ctx, derived.mp3, prefix, vo.FormatMP3); err != nil {
		return nil, err
	}
	if out.overQuota {
		return out, nil
	}
	if out.wav, err = uploads.bytes(ctx, mixed, prefix, vo.FormatWAV); err != nil {
		return nil, err
	}
	flac, err := w.converter.WavToFlac(ctx, mixed)
	if err != nil {
		return nil, err
	}
	if out.flac, err = uploads.bytes(ctx, flac, prefix, vo.FormatFLAC); err != nil {
		return nil, err
	}
	return out, nil
}

// stemWav 分轨最佳来源 WAV > FLAC > MP3，都没有时用源文件
func (w *PipelineWorkers) stemWav(ctx context.Context, s *entity.Stem) ([]byte, error) {
	if format, r := s.Audio.BestSource(); r != nil {
		return w.fetchAsWav(ctx, r.URL, format)
	}
	if s.SourceURL != "" {
		return w.fetchAsWav(ctx, s.SourceURL, s.SourceFormat)
	}
	return nil, &errno.MixError{Reason: fmt.Sprintf("stem %s has no audio", s.ID)}
}

// persistMix 原子替换整轨产物并按差值记账
func (w *PipelineWorkers) persistMix(ctx context.Context, tx repo.Store, trackID string, mix *regeneratedMix) ([]string, *vo.QuotaWarning, error) {
	current, err := tx.Tracks().GetTrack(ctx, trackID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, &errno.NotFoundError{Kind: "track", ID: trackID}
	}
	if current.IsPendingDeletion() {
		return nil, nil, errStaleJob
	}

	now := w.now()
	oldBytes := current.Audio.MP3.SizeBytes
	var replaced []string
	if old := current.Audio.ReplaceDerived(mix.mp3.URL, mix.mp3.SizeBytes, mix.derived.waveform, mix.derived.duration, now); old != "" {
		replaced = append(replaced, old)
	}
	for _, f := range []vo.AudioFormat{vo.FormatWAV, vo.FormatFLAC} {
		if old := current.Audio.ClearRendition(f); old != "" {
			replaced = append(replaced, old)
		}
	}
	if mix.wav != nil {
		if err := current.Audio.CompleteRendition(vo.FormatWAV, mix.wav.URL, mix.wav.SizeBytes, now); err != nil {
			return nil, nil, err
		}
	}
	if mix.flac != nil {
		if err := current.Audio.CompleteRendition(vo.FormatFLAC, mix.flac.URL, mix.flac.SizeBytes, now); err != nil {
			return nil, nil, err
		}
	}

	usage := vo.QuotaUsage{
		SecondsDelta: mix.derived.duration - current.QuotaSecondsCharged,
		BytesDelta:   chargedDelta(current.QuotaBytesCharged, mix.mp3.SizeBytes-oldBytes),
	}
	stage := vo.QueueTrackRegeneration.String()
	warning, err := w.quota.ApplyUsage(ctx, tx.Quotas(), current.UserID, current.ID, stage, usage)
	if err != nil {
		return nil, nil, err
	}
	if warning == nil && mix.overQuota {
		if warning, err = w.quota.OverQuotaWarning(ctx, tx.Quotas(), current.UserID, current.ID, stage, 0); err != nil {
			return nil, nil, err
		}
	}
	current.QuotaSecondsCharged = mix.derived.duration
	current.QuotaBytesCharged += usage.BytesDelta

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
	return replaced, warning, nil
}

// trackRegenerationFailed 最终失败时把整轨状态置为 FAILED
func (w *PipelineWorkers) trackRegenerationFailed(ctx context.Context, job vo.TrackRegenerationJob, cause error) {
	logger.Error("Track regeneration failed", failureFields(vo.QueueTrackRegeneration.String(), cause,
		"track_id", job.TrackID, "reason", job.Reason, "updated_stem_id", job.UpdatedStemID))
	if errno.IsNotFound(cause) {
		return
	}
	if err := w.markTrackFailed(ctx, job.TrackID); err != nil {
		logger.Errorf("mark track %s regeneration failed: %v", job.TrackID, err)
	}
}
