package app

import (
	"context"
	"errors"
	"time"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// renditionOwner 按需转换的目标，整轨或其中一个分轨
type renditionOwner struct {
	track *entity.Track
	stem  *entity.Stem
}

func (o renditionOwner) audio() *entity.AudioSet {
	if o.stem != nil {
		return &o.stem.Audio
	}
	return &o.track.Audio
}

func (o renditionOwner) prefix() string {
	if o.stem != nil {
		return service.StemPrefix(o.track.ID, o.stem.Index)
	}
	return service.FullMixPrefix(o.track.ID)
}

func (o renditionOwner) updateStatus(ctx context.Context, store repo.Store, format vo.AudioFormat, status vo.ConversionStatus) error {
	if o.stem != nil {
		return store.Stems().UpdateRenditionStatus(ctx, o.stem.ID, format, status)
	}
	return store.Tracks().UpdateRenditionStatus(ctx, o.track.ID, format, status)
}

func (o renditionOwner) touch(ctx context.Context, store repo.Store, format vo.AudioFormat, at time.Time) error {
	if o.stem != nil {
		return store.Stems().TouchRendition(ctx, o.stem.ID, format, at)
	}
	return store.Tracks().TouchRendition(ctx, o.track.ID, format, at)
}

func (o renditionOwner) save(ctx context.Context, store repo.Store) error {
	if o.stem != nil {
		return store.Stems().SaveStem(ctx, o.stem)
	}
	return store.Tracks().SaveTrack(ctx, o.track)
}

// loadRenditionOwner 加载音轨与可选的分轨，分轨必须属于该音轨
func loadRenditionOwner(ctx context.Context, store repo.Store, trackID string, target vo.RenditionTarget, stemID string) (renditionOwner, error) {
	track, err := store.Tracks().GetTrack(ctx, trackID)
	if err != nil {
		return renditionOwner{}, err
	}
	if track == nil {
		return renditionOwner{}, &errno.NotFoundError{Kind: "track", ID: trackID}
	}
	owner := renditionOwner{track: track}
	if target != vo.TargetStem {
		return owner, nil
	}
	if stemID == "" {
		return renditionOwner{}, errno.NewConversionError("audio-file", "stem target without stem id on track %s", trackID)
	}
	stem, err := store.Stems().GetStem(ctx, stemID)
	if err != nil {
		return renditionOwner{}, err
	}
	if stem == nil || stem.TrackID != trackID {
		return renditionOwner{}, &errno.NotFoundError{Kind: "stem", ID: stemID}
	}
	owner.stem = stem
	return owner, nil
}

// ConvertAudioFile 按需生成整轨或分轨的 WAV/FLAC，不计入配额
func (w *PipelineWorkers) ConvertAudioFile(ctx context.Context, job vo.AudioFileConversionJob) error {
	if !job.Format.IsOnDemand() {
		return errno.NewConversionError("audio-file", "format %q cannot be generated on demand", job.Format)
	}
	owner, err := loadRenditionOwner(ctx, w.store, job.TrackID, job.Type, job.StemID)
	if err != nil {
		return err
	}
	if owner.track.IsPendingDeletion() {
		logger.Infof("track %s is pending deletion, skip %s conversion", job.TrackID, job.Format)
		return nil
	}
	if owner.audio().Rendition(job.Format).Available() {
		if err := owner.touch(ctx, w.store, job.Format, w.now()); err != nil {
			logger.Warnf("touch %s rendition of track %s: %v", job.Format, job.TrackID, err)
		}
		return nil
	}
	if err := owner.audio().TransitionRendition(job.Format, vo.ConversionInProgress); err != nil {
		return err
	}
	if err := owner.updateStatus(ctx, w.store, job.Format, vo.ConversionInProgress); err != nil {
		return err
	}

	fields := failureFields(vo.QueueAudioFileConversion.String(), nil, "track_id", job.TrackID, "stem_id", job.StemID, "format", job.Format.String())
	wav, err := w.losslessSource(ctx, owner, job.Format)
	if err != nil {
		return err
	}
	data := wav
	if job.Format == vo.FormatFLAC {
		if data, err = w.converter.WavToFlac(ctx, wav); err != nil {
			return err
		}
	}

	uploads := newUploadTracker(w.storage)
	obj, err := uploads.bytes(ctx, data, owner.prefix(), job.Format)
	if err != nil {
		return err
	}

	var replaced string
	err = w.store.Transaction(ctx, func(tx repo.Store) error {
		current, err := loadRenditionOwner(ctx, tx, job.TrackID, job.Type, job.StemID)
		if err != nil {
			return err
		}
		if current.track.IsPendingDeletion() {
			return errStaleJob
		}
		r := current.audio().Rendition(job.Format)
		if r.Available() {
			return errStaleJob
		}
		replaced = r.URL
		if err := current.audio().CompleteRendition(job.Format, obj.URL, obj.SizeBytes, w.now()); err != nil {
			return err
		}
		return current.save(ctx, tx)
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
		return &errno.TransactionError{Op: "persist audio file", Err: err}
	}
	if replaced != "" && replaced != obj.URL {
		w.deleteUnreferenced(ctx, []string{replaced}, fields)
	}
	logger.Info("Audio file generated", map[string]interface{}{
		"track_id": job.TrackID,
		"stem_id":  job.StemID,
		"format":   job.Format.String(),
		"size":     obj.SizeBytes,
	})
	return nil
}

// losslessSource 按优先级取得 16-bit WAV：另一种无损产物、分轨源文件、重新渲染模块、原始文件、MP3
func (w *PipelineWorkers) losslessSource(ctx context.Context, owner renditionOwner, target vo.AudioFormat) ([]byte, error) {
	audio := owner.audio()
	sibling := target.Sibling()
	if r := audio.Rendition(sibling); r.Available() {
		wav, err := w.fetchAsWav(ctx, r.URL, sibling)
		if err == nil {
			return wav, nil
		}
		logger.Warnf("sibling %s rendition of track %s unusable, fall back: %v", sibling, owner.track.ID, err)
	}

	if owner.stem != nil && owner.stem.SourceURL != "" {
		return w.fetchAsWav(ctx, owner.stem.SourceURL, owner.stem.SourceFormat)
	}

	track := owner.track
	if track.OriginalFormat.IsModule() && track.OriginalURL != "" {
		return w.rerenderModule(ctx, owner)
	}
	if owner.stem == nil && track.OriginalURL != "" {
		format := track.OriginalFormat
		if format == "" {
			format = vo.FormatFromFilename(track.OriginalURL)
		}
		return w.fetchAsWav(ctx, track.OriginalURL, format)
	}
	if audio.MP3.URL != "" {
		return w.fetchAsWav(ctx, audio.MP3.URL, vo.FormatMP3)
	}
	return nil, errno.NewConversionError("audio-file", "no source available for %s of track %s", target, track.ID)
}

// rerenderModule 重新渲染模块原始文件，分轨按通道序号选取
func (w *PipelineWorkers) rerenderModule(ctx context.Context, owner renditionOwner) ([]byte, error) {
	data, err := w.readSource(ctx, owner.track.OriginalURL)
	if err != nil {
		return nil, err
	}
	render, err := w.converter.ModuleToWav(ctx, data, owner.track.OriginalFormat)
	if err != nil {
		return nil, err
	}
	if owner.stem == nil {
		return render.FullMix, nil
	}
	for _, s := range render.Stems {
		if s.Index == owner.stem.Index {
			return s.Data, nil
		}
	}
	return nil, errno.NewConversionError("audio-file", "module of track %s has no channel %d", owner.track.ID, owner.stem.Index)
}

// fetchAsWav 读取文件并转为 16-bit WAV
func (w *PipelineWorkers) fetchAsWav(ctx context.Context, location string, format vo.AudioFormat) ([]byte, error) {
	data, err := w.readSource(ctx, location)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = vo.FormatFromFilename(location)
	}
	if format == vo.FormatFLAC {
		return w.converter.FlacToWav(ctx, data)
	}
	return w.converter.ToWav(ctx, data, format)
}

// audioFileConversionFailed 最终失败时把目标产物置为 FAILED
func (w *PipelineWorkers) audioFileConversionFailed(ctx context.Context, job vo.AudioFileConversionJob, cause error) {
	logger.Error("Audio file conversion failed", failureFields(vo.QueueAudioFileConversion.String(), cause,
		"track_id", job.TrackID, "stem_id", job.StemID, "format", job.Format.String()))
	if !job.Format.IsOnDemand() || errno.IsNotFound(cause) {
		return
	}
	if err := w.markRenditionFailed(ctx, job); err != nil {
		logger.Errorf("mark %s rendition of track %s failed: %v", job.Format, job.TrackID, err)
	}
}
