package convertor

import (
	"gorm.io/datatypes"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/database/po"
	"audio-pipeline/pkg/logger"
)

// TrackConvertor 音轨转换器
type TrackConvertor struct{}

// NewTrackConvertor 创建音轨转换器
func NewTrackConvertor() *TrackConvertor {
	return &TrackConvertor{}
}

// ToEntity 将PO转换为Entity
func (c *TrackConvertor) ToEntity(p *po.Track) *entity.Track {
	if p == nil {
		return nil
	}
	return &entity.Track{
		ID:                  p.ID,
		UserID:              p.UserID,
		ParentTrackID:       p.ParentTrackID,
		OriginalURL:         p.OriginalURL,
		OriginalFormat:      vo.AudioFormat(p.OriginalFormat),
		Status:              vo.TrackStatus(p.Status),
		ProcessingStatus:    vo.ConversionStatus(p.ProcessingStatus).OrNotStarted(),
		Audio:               toAudioSet(p.ID, p.Mp3, p.Wav, p.Flac, p.Waveform, p.Duration),
		QuotaSecondsCharged: p.QuotaSecondsCharged,
		QuotaBytesCharged:   p.QuotaBytesCharged,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// ToPO 将Entity转换为PO
func (c *TrackConvertor) ToPO(t *entity.Track) *po.Track {
	if t == nil {
		return nil
	}
	status := t.Status
	if status == "" {
		status = vo.TrackStatusActive
	}
	return &po.Track{
		ID:                  t.ID,
		UserID:              t.UserID,
		ParentTrackID:       t.ParentTrackID,
		OriginalURL:         t.OriginalURL,
		OriginalFormat:      string(t.OriginalFormat),
		Status:              string(status),
		ProcessingStatus:    t.ProcessingStatus.OrNotStarted().String(),
		Mp3:                 fromRendition(t.Audio.MP3),
		Wav:                 fromRendition(t.Audio.WAV),
		Flac:                fromRendition(t.Audio.FLAC),
		Waveform:            fromWaveform(t.ID, t.Audio.Waveform),
		Duration:            t.Audio.Duration,
		QuotaSecondsCharged: t.QuotaSecondsCharged,
		QuotaBytesCharged:   t.QuotaBytesCharged,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

// ToEntities 批量将PO转换为Entity
func (c *TrackConvertor) ToEntities(pos []*po.Track) []*entity.Track {
	entities := make([]*entity.Track, 0, len(pos))
	for _, p := range pos {
		if p != nil {
			entities = append(entities, c.ToEntity(p))
		}
	}
	return entities
}

func toRendition(r po.Rendition) entity.Rendition {
	return entity.Rendition{
		URL:             r.URL,
		SizeBytes:       r.SizeBytes,
		Status:          vo.ConversionStatus(r.Status).OrNotStarted(),
		CreatedAt:       r.CreatedAt,
		LastRequestedAt: r.LastRequestedAt,
	}
}

func fromRendition(r entity.Rendition) po.Rendition {
	return po.Rendition{
		URL:             r.URL,
		SizeBytes:       r.SizeBytes,
		Status:          r.Status.OrNotStarted().String(),
		CreatedAt:       r.CreatedAt,
		LastRequestedAt: r.LastRequestedAt,
	}
}

func toAudioSet(ownerID string, mp3, wav, flac po.Rendition, waveform datatypes.JSON, duration float64) entity.AudioSet {
	summary, err := vo.WaveformFromJSON(waveform)
	if err != nil {
		// 损坏的波形不影响其余字段，下次生成时覆盖
		logger.Warnf("discard malformed waveform of %s: %v", ownerID, err)
		summary = nil
	}
	return entity.AudioSet{
		MP3:      toRendition(mp3),
		WAV:      toRendition(wav),
		FLAC:     toRendition(flac),
		Waveform: summary,
		Duration: duration,
	}
}

func fromWaveform(ownerID string, w *vo.WaveformSummary) datatypes.JSON {
	data, err := w.ToJSON()
	if err != nil {
		logger.Warnf("encode waveform of %s: %v", ownerID, err)
		return nil
	}
	return datatypes.JSON(data)
}
