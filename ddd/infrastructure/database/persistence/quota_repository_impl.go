package persistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/infrastructure/database/convertor"
	"audio-pipeline/ddd/infrastructure/database/dao"
	"audio-pipeline/ddd/infrastructure/database/po"
)

// quotaRepositoryImpl 配额仓储实现
type quotaRepositoryImpl struct {
	quotaDao           *dao.QuotaDao
	convertor          *convertor.QuotaConvertor
	defaultFreeSeconds float64
}

// NewQuotaRepository 创建配额仓储实现
func NewQuotaRepository(db *gorm.DB, defaultFreeSeconds float64) repo.QuotaRepository {
	return &quotaRepositoryImpl{
		quotaDao:           dao.NewQuotaDao(db),
		convertor:          convertor.NewQuotaConvertor(),
		defaultFreeSeconds: defaultFreeSeconds,
	}
}

func (r *quotaRepositoryImpl) GetOrCreate(ctx context.Context, userID string) (*entity.UserQuota, error) {
	if userID == "" {
		return nil, fmt.Errorf("quota lookup requires a user id")
	}
	p, err := r.quotaDao.FindOrCreate(ctx, &po.UserQuota{
		UserID:      userID,
		FreeSeconds: r.defaultFreeSeconds,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return r.convertor.ToEntity(p), nil
}

func (r *quotaRepositoryImpl) Save(ctx context.Context, quota *entity.UserQuota) error {
	return r.quotaDao.Save(ctx, r.convertor.ToPO(quota))
}

// referenceCounter 跨音轨与分轨统计文件引用
type referenceCounter struct {
	trackDao *dao.TrackDao
	stemDao  *dao.StemDao
}

func newReferenceCounter(db *gorm.DB) repo.ArtifactReferences {
	return &referenceCounter{trackDao: dao.NewTrackDao(db), stemDao: dao.NewStemDao(db)}
}

func (c *referenceCounter) CountReferences(ctx context.Context, url string, excludeTrackIDs []string) (int64, error) {
	if url == "" {
		return 0, nil
	}
	tracks, err := c.trackDao.CountURLReferences(ctx, url, excludeTrackIDs)
	if err != nil {
		return 0, fmt.Errorf("count track references: %w", err)
	}
	stems, err := c.stemDao.CountURLReferences(ctx, url, excludeTrackIDs)
	if err != nil {
		return 0, fmt.Errorf("count stem references: %w", err)
	}
	return tracks + stems, nil
}
