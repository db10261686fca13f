package convertor

import (
	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/database/po"
)

// StemConvertor 分轨转换器
type StemConvertor struct{}

// NewStemConvertor 创建分轨转换器
func NewStemConvertor() *StemConvertor {
	return &StemConvertor{}
}

// ToEntity 将PO转换为Entity
func (c *StemConvertor) ToEntity(p *po.Stem) *entity.Stem {
	if p == nil {
		return nil
	}
	return &entity.Stem{
		ID:                  p.ID,
		TrackID:             p.TrackID,
		Index:               p.Index,
		Name:                p.Name,
		Type:                p.Type,
		SourceURL:           p.SourceURL,
		SourceFormat:        vo.AudioFormat(p.SourceFormat),
		InheritedFromStemID: p.InheritedFromStemID,
		ProcessingStatus:    vo.ConversionStatus(p.ProcessingStatus).OrNotStarted(),
		Audio:               toAudioSet(p.ID, p.Mp3, p.Wav, p.Flac, p.Waveform, p.Duration),
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// ToPO 将Entity转换为PO
func (c *StemConvertor) ToPO(s *entity.Stem) *po.Stem {
	if s == nil {
		return nil
	}
	return &po.Stem{
		ID:                  s.ID,
		TrackID:             s.TrackID,
		Index:               s.Index,
		Name:                s.Name,
		Type:                s.Type,
		SourceURL:           s.SourceURL,
		SourceFormat:        string(s.SourceFormat),
		InheritedFromStemID: s.InheritedFromStemID,
		ProcessingStatus:    s.ProcessingStatus.OrNotStarted().String(),
		Mp3:                 fromRendition(s.Audio.MP3),
		Wav:                 fromRendition(s.Audio.WAV),
		Flac:                fromRendition(s.Audio.FLAC),
		Waveform:            fromWaveform(s.ID, s.Audio.Waveform),
		Duration:            s.Audio.Duration,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// ToEntities 批量将PO转换为Entity
func (c *StemConvertor) ToEntities(pos []*po.Stem) []*entity.Stem {
	entities := make([]*entity.Stem, 0, len(pos))
	for _, p := range pos {
		if p != nil {
			entities = append(entities, c.ToEntity(p))
		}
	}
	return entities
}

// ToPOs 批量将Entity转换为PO
func (c *StemConvertor) ToPOs(stems []*entity.Stem) []*po.Stem {
	pos := make([]*po.Stem, 0, len(stems))
	for _, s := range stems {
		if s != nil {
			pos = append(pos, c.ToPO(s))
		}
	}
	return pos
}

// QuotaConvertor 配额转换器
type QuotaConvertor struct{}

// NewQuotaConvertor 创建配额转换器
func NewQuotaConvertor() *QuotaConvertor {
	return &QuotaConvertor{}
}

// ToEntity 将PO转换为Entity
func (c *QuotaConvertor) ToEntity(p *po.UserQuota) *entity.UserQuota {
	return &entity.UserQuota{
		UserID:      p.UserID,
		FreeSeconds: p.FreeSeconds,
		PaidSeconds: p.PaidSeconds,
		UsedSeconds: p.UsedSeconds,
		UsedBytes:   p.UsedBytes,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ToPO 将Entity转换为PO
func (c *QuotaConvertor) ToPO(q *entity.UserQuota) *po.UserQuota {
	return &po.UserQuota{
		UserID:      q.UserID,
		FreeSeconds: q.FreeSeconds,
		PaidSeconds: q.PaidSeconds,
		UsedSeconds: q.UsedSeconds,
		UsedBytes:   q.UsedBytes,
		UpdatedAt:   q.UpdatedAt,
	}
}
