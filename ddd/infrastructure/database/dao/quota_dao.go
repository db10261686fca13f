package dao

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"audio-pipeline/ddd/infrastructure/database/po"
	"audio-pipeline/pkg/logger"
)

// QuotaDao 用户配额数据访问对象
type QuotaDao struct {
	db *gorm.DB
}

// NewQuotaDao 创建配额DAO实例
func NewQuotaDao(db *gorm.DB) *QuotaDao {
	return &QuotaDao{db: db}
}

// FindOrCreate 读取配额，不存在时以 defaults 创建。MySQL 下对行加锁
func (d *QuotaDao) FindOrCreate(ctx context.Context, defaults *po.UserQuota) (*po.UserQuota, error) {
	db := d.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(defaults).Error; err != nil {
		logger.Errorf("Error creating quota of %s: %v", defaults.UserID, err)
		return nil, err
	}
	query := db.Where("user_id = ?", defaults.UserID)
	if db.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var quota po.UserQuota
	if err := query.First(&quota).Error; err != nil {
		logger.Errorf("Error query quota of %s: %v", defaults.UserID, err)
		return nil, err
	}
	return &quota, nil
}

// Save 写入配额
func (d *QuotaDao) Save(ctx context.Context, quota *po.UserQuota) error {
	if err := d.db.WithContext(ctx).Save(quota).Error; err != nil {
		logger.Errorf("Error saving quota of %s: %v", quota.UserID, err)
		return err
	}
	return nil
}
