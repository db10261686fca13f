package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/database/convertor"
	"audio-pipeline/ddd/infrastructure/database/dao"
)

// stemRepositoryImpl 分轨仓储实现
type stemRepositoryImpl struct {
	stemDao   *dao.StemDao
	convertor *convertor.StemConvertor
}

// NewStemRepository 创建分轨仓储实现
func NewStemRepository(db *gorm.DB) repo.StemRepository {
	return &stemRepositoryImpl{
		stemDao:   dao.NewStemDao(db),
		convertor: convertor.NewStemConvertor(),
	}
}

func (r *stemRepositoryImpl) GetStem(ctx context.Context, id string) (*entity.Stem, error) {
	p, err := r.stemDao.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.convertor.ToEntity(p), nil
}

func (r *stemRepositoryImpl) ListStemsByTrack(ctx context.Context, trackID string) ([]*entity.Stem, error) {
	pos, err := r.stemDao.FindByTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	return r.convertor.ToEntities(pos), nil
}

func (r *stemRepositoryImpl) CreateStems(ctx context.Context, stems []*entity.Stem) error {
	return r.stemDao.CreateBatch(ctx, r.convertor.ToPOs(stems))
}

func (r *stemRepositoryImpl) SaveStem(ctx context.Context, stem *entity.Stem) error {
	return r.stemDao.Save(ctx, r.convertor.ToPO(stem))
}

func (r *stemRepositoryImpl) UpdateProcessingStatus(ctx context.Context, id string, status vo.ConversionStatus) error {
	return r.stemDao.UpdateColumns(ctx, id, map[string]interface{}{"processing_status": status.String()})
}

func (r *stemRepositoryImpl) UpdateRenditionStatus(ctx context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error {
	return r.stemDao.UpdateRenditionColumn(ctx, id, format, "status", status.String())
}

func (r *stemRepositoryImpl) TouchRendition(ctx context.Context, id string, format vo.AudioFormat, at time.Time) error {
	return r.stemDao.UpdateRenditionColumn(ctx, id, format, "last_requested_at", at)
}

func (r *stemRepositoryImpl) ListStaleRenditions(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Stem, error) {
	pos, err := r.stemDao.FindStale(ctx, format, before, limit)
	if err != nil {
		return nil, err
	}
	return r.convertor.ToEntities(pos), nil
}

func (r *stemRepositoryImpl) DeleteStemsByTracks(ctx context.Context, trackIDs []string) error {
	return r.stemDao.DeleteByTracks(ctx, trackIDs)
}

// ClearStaleRendition 条件清空过期产物
func (r *stemRepositoryImpl) ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	return r.stemDao.ClearStaleRendition(ctx, id, format, url, before)
}
