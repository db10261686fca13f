package persistence

import (
	"context"

	"gorm.io/gorm"

	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/infrastructure/database/po"
)

// store 基于 gorm 的仓储集合
type store struct {
	db                 *gorm.DB
	defaultFreeSeconds float64
}

// NewStore 创建仓储集合，defaultFreeSeconds 为新用户的免费额度
func NewStore(db *gorm.DB, defaultFreeSeconds float64) repo.Store {
	return &store{db: db, defaultFreeSeconds: defaultFreeSeconds}
}

// AutoMigrate 创建或更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(po.Models()...)
}

func (s *store) Tracks() repo.TrackRepository {
	return NewTrackRepository(s.db)
}

func (s *store) Stems() repo.StemRepository {
	return NewStemRepository(s.db)
}

func (s *store) Quotas() repo.QuotaRepository {
	return NewQuotaRepository(s.db, s.defaultFreeSeconds)
}

func (s *store) References() repo.ArtifactReferences {
	return newReferenceCounter(s.db)
}

// Transaction 在同一事务内执行 fn，返回错误时回滚
func (s *store) Transaction(ctx context.Context, fn func(tx repo.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{db: tx, defaultFreeSeconds: s.defaultFreeSeconds})
	})
}
