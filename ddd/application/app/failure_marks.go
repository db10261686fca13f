package app

import (
	"context"

	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/logger"
)

// markTrackFailed 只有处于 IN_PROGRESS 的整轨才会被置为 FAILED
func (w *PipelineWorkers) markTrackFailed(ctx context.Context, trackID string) error {
	return w.store.Transaction(ctx, func(tx repo.Store) error {
		track, err := tx.Tracks().GetTrack(ctx, trackID)
		if err != nil || track == nil {
			return err
		}
		if !track.ProcessingStatus.CanTransitionTo(vo.ConversionFailed) {
			logger.Infof("track %s is %s, keep status", trackID, track.ProcessingStatus.OrNotStarted())
			return nil
		}
		return tx.Tracks().UpdateProcessingStatus(ctx, trackID, vo.ConversionFailed)
	})
}

// markStemFailed 只有处于 IN_PROGRESS 的分轨才会被置为 FAILED
func (w *PipelineWorkers) markStemFailed(ctx context.Context, stemID string) error {
	return w.store.Transaction(ctx, func(tx repo.Store) error {
		stem, err := tx.Stems().GetStem(ctx, stemID)
		if err != nil || stem == nil {
			return err
		}
		if !stem.ProcessingStatus.CanTransitionTo(vo.ConversionFailed) {
			logger.Infof("stem %s is %s, keep status", stemID, stem.ProcessingStatus.OrNotStarted())
			return nil
		}
		return tx.Stems().UpdateProcessingStatus(ctx, stemID, vo.ConversionFailed)
	})
}

// markRenditionFailed 按需产物同样只从 IN_PROGRESS 进入 FAILED
func (w *PipelineWorkers) markRenditionFailed(ctx context.Context, job vo.AudioFileConversionJob) error {
	return w.store.Transaction(ctx, func(tx repo.Store) error {
		if job.Type == vo.TargetStem && job.StemID != "" {
			stem, err := tx.Stems().GetStem(ctx, job.StemID)
			if err != nil || stem == nil {
				return err
			}
			if r := stem.Audio.Rendition(job.Format); r == nil || !r.Status.CanTransitionTo(vo.ConversionFailed) {
				return nil
			}
			return tx.Stems().UpdateRenditionStatus(ctx, job.StemID, job.Format, vo.ConversionFailed)
		}
		track, err := tx.Tracks().GetTrack(ctx, job.TrackID)
		if err != nil || track == nil {
			return err
		}
		if r := track.Audio.Rendition(job.Format); r == nil || !r.Status.CanTransitionTo(vo.ConversionFailed) {
			return nil
		}
		return tx.Tracks().UpdateRenditionStatus(ctx, job.TrackID, job.Format, vo.ConversionFailed)
	})
}
