package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/database/po"
	"audio-pipeline/pkg/logger"
)

// StemDao 分轨数据访问对象
type StemDao struct {
	db *gorm.DB
}

// NewStemDao 创建分轨DAO实例
func NewStemDao(db *gorm.DB) *StemDao {
	return &StemDao{db: db}
}

// FindByID 根据ID查询，不存在时返回 gorm.ErrRecordNotFound
func (d *StemDao) FindByID(ctx context.Context, id string) (*po.Stem, error) {
	var stem po.Stem
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&stem).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Errorf("Error query stem %s: %v", id, err)
		}
		return nil, err
	}
	return &stem, nil
}

// FindByTrack 按序号查询音轨的全部分轨
func (d *StemDao) FindByTrack(ctx context.Context, trackID string) ([]*po.Stem, error) {
	var stems []*po.Stem
	if err := d.db.WithContext(ctx).Where("track_id = ?", trackID).Order("stem_index ASC").Find(&stems).Error; err != nil {
		logger.Errorf("Error query stems of track %s: %v", trackID, err)
		return nil, err
	}
	return stems, nil
}

// CreateBatch 批量创建
func (d *StemDao) CreateBatch(ctx context.Context, stems []*po.Stem) error {
	if len(stems) == 0 {
		return nil
	}
	if err := d.db.WithContext(ctx).Create(&stems).Error; err != nil {
		logger.Errorf("Error creating stems: %v", err)
		return err
	}
	return nil
}

// Save 按主键写入全部列
func (d *StemDao) Save(ctx context.Context, stem *po.Stem) error {
	if err := d.db.WithContext(ctx).Save(stem).Error; err != nil {
		logger.Errorf("Error saving stem %s: %v", stem.ID, err)
		return err
	}
	return nil
}

// UpdateColumns 更新指定列
func (d *StemDao) UpdateColumns(ctx context.Context, id string, values map[string]interface{}) error {
	values["updated_at"] = time.Now()
	if err := d.db.WithContext(ctx).Model(&po.Stem{}).Where("id = ?", id).Updates(values).Error; err != nil {
		logger.Errorf("Error updating stem %s: %v", id, err)
		return err
	}
	return nil
}

// UpdateRenditionColumn 更新某一格式的单列
func (d *StemDao) UpdateRenditionColumn(ctx context.Context, id string, format vo.AudioFormat, field string, value interface{}) error {
	column, err := renditionColumn(format, field)
	if err != nil {
		return err
	}
	return d.UpdateColumns(ctx, id, map[string]interface{}{column: value})
}

// ClearStaleRendition 条件清空过期产物
func (d *StemDao) ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	return clearStaleRendition(ctx, d.db, &po.Stem{}, id, format, url, before)
}

// FindStale 查询长期未请求的产物
func (d *StemDao) FindStale(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*po.Stem, error) {
	query, err := staleQuery(d.db.WithContext(ctx).Model(&po.Stem{}), format, before, limit)
	if err != nil {
		return nil, err
	}
	var stems []*po.Stem
	if err := query.Find(&stems).Error; err != nil {
		logger.Errorf("Error query stale %s stems: %v", format, err)
		return nil, err
	}
	return stems, nil
}

// DeleteByTracks 删除音轨下的全部分轨
func (d *StemDao) DeleteByTracks(ctx context.Context, trackIDs []string) error {
	if len(trackIDs) == 0 {
		return nil
	}
	if err := d.db.WithContext(ctx).Where("track_id IN ?", trackIDs).Delete(&po.Stem{}).Error; err != nil {
		logger.Errorf("Error deleting stems: %v", err)
		return err
	}
	return nil
}

// CountURLReferences 统计仍引用该地址的分轨数
func (d *StemDao) CountURLReferences(ctx context.Context, url string, excludeTrackIDs []string) (int64, error) {
	query := urlMatch(d.db.WithContext(ctx).Model(&po.Stem{}), stemURLColumns, url)
	if len(excludeTrackIDs) > 0 {
		query = query.Where("track_id NOT IN ?", excludeTrackIDs)
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
