package dao

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/database/po"
	"audio-pipeline/pkg/logger"
)

// TrackDao 音轨数据访问对象
type TrackDao struct {
	db *gorm.DB
}

// NewTrackDao 创建音轨DAO实例
func NewTrackDao(db *gorm.DB) *TrackDao {
	return &TrackDao{db: db}
}

// FindByID 根据ID查询，不存在时返回 gorm.ErrRecordNotFound
func (d *TrackDao) FindByID(ctx context.Context, id string) (*po.Track, error) {
	var track po.Track
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&track).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Errorf("Error query track %s: %v", id, err)
		}
		return nil, err
	}
	return &track, nil
}

// FindByIDs 批量查询
func (d *TrackDao) FindByIDs(ctx context.Context, ids []string) ([]*po.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tracks []*po.Track
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC").Find(&tracks).Error; err != nil {
		logger.Errorf("Error query tracks by ids: %v", err)
		return nil, err
	}
	return tracks, nil
}

// Save 按主键写入全部列
func (d *TrackDao) Save(ctx context.Context, track *po.Track) error {
	if err := d.db.WithContext(ctx).Save(track).Error; err != nil {
		logger.Errorf("Error saving track %s: %v", track.ID, err)
		return err
	}
	return nil
}

// UpdateColumns 更新指定列
func (d *TrackDao) UpdateColumns(ctx context.Context, id string, values map[string]interface{}) error {
	values["updated_at"] = time.Now()
	if err := d.db.WithContext(ctx).Model(&po.Track{}).Where("id = ?", id).Updates(values).Error; err != nil {
		logger.Errorf("Error updating track %s: %v", id, err)
		return err
	}
	return nil
}

// UpdateRenditionColumn 更新某一格式的单列
func (d *TrackDao) UpdateRenditionColumn(ctx context.Context, id string, format vo.AudioFormat, field string, value interface{}) error {
	column, err := renditionColumn(format, field)
	if err != nil {
		return err
	}
	return d.UpdateColumns(ctx, id, map[string]interface{}{column: value})
}

// ClearStaleRendition 条件清空过期产物
func (d *TrackDao) ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	return clearStaleRendition(ctx, d.db, &po.Track{}, id, format, url, before)
}

// UpdateStatusByIDs 批量更新记录状态
func (d *TrackDao) UpdateStatusByIDs(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	err := d.db.WithContext(ctx).Model(&po.Track{}).Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
	if err != nil {
		logger.Errorf("Error updating track status: %v", err)
		return err
	}
	return nil
}

// FindStale 查询最近请求时间早于 before 的产物，从未请求过的按生成时间计算
func (d *TrackDao) FindStale(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*po.Track, error) {
	query, err := staleQuery(d.db.WithContext(ctx).Model(&po.Track{}), format, before, limit)
	if err != nil {
		return nil, err
	}
	var tracks []*po.Track
	if err := query.Find(&tracks).Error; err != nil {
		logger.Errorf("Error query stale %s tracks: %v", format, err)
		return nil, err
	}
	return tracks, nil
}

// DeleteByIDs 删除音轨记录
func (d *TrackDao) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Delete(&po.Track{}).Error; err != nil {
		logger.Errorf("Error deleting tracks: %v", err)
		return err
	}
	return nil
}

// CountURLReferences 统计仍引用该地址的音轨数
func (d *TrackDao) CountURLReferences(ctx context.Context, url string, excludeIDs []string) (int64, error) {
	query := urlMatch(d.db.WithContext(ctx).Model(&po.Track{}), trackURLColumns, url)
	if len(excludeIDs) > 0 {
		query = query.Where("id NOT IN ?", excludeIDs)
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func staleQuery(db *gorm.DB, format vo.AudioFormat, before time.Time, limit int) (*gorm.DB, error) {
	query, err := staleCondition(db, format, before)
	if err != nil {
		return nil, err
	}
	requestedCol, _ := renditionColumn(format, "last_requested_at")
	query = query.Order(requestedCol + " ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return query, nil
}

// staleCondition 有地址且最近请求时间（无请求时取创建时间）早于 before
func staleCondition(db *gorm.DB, format vo.AudioFormat, before time.Time) (*gorm.DB, error) {
	urlCol, err := renditionColumn(format, "url")
	if err != nil {
		return nil, err
	}
	requestedCol, _ := renditionColumn(format, "last_requested_at")
	createdCol, _ := renditionColumn(format, "created_at")
	return db.
		Where(fmt.Sprintf("%s IS NOT NULL AND %s <> ''", urlCol, urlCol)).
		Where(fmt.Sprintf("(%s < ? OR (%s IS NULL AND (%s IS NULL OR %s < ?)))", requestedCol, requestedCol, createdCol, createdCol), before, before), nil
}

// clearStaleRendition 地址未变且仍然过期时清空产物列，并发的请求刷新会使更新落空
func clearStaleRendition(ctx context.Context, db *gorm.DB, model interface{}, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	query, err := staleCondition(db.WithContext(ctx).Model(model).Where("id = ?", id), format, before)
	if err != nil {
		return false, err
	}
	urlCol, _ := renditionColumn(format, "url")
	sizeCol, _ := renditionColumn(format, "size_bytes")
	statusCol, _ := renditionColumn(format, "status")
	createdCol, _ := renditionColumn(format, "created_at")
	requestedCol, _ := renditionColumn(format, "last_requested_at")
	res := query.
		Where(urlCol+" = ?", url).
		Where(statusCol+" <> ?", vo.ConversionInProgress.String()).
		Updates(map[string]interface{}{
			urlCol:       "",
			sizeCol:      0,
			statusCol:    vo.ConversionNotStarted.String(),
			createdCol:   nil,
			requestedCol: nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		logger.Errorf("Error clearing %s rendition of %s: %v", format, id, res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func urlMatch(db *gorm.DB, columns []string, url string) *gorm.DB {
	conds := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		conds[i] = col + " = ?"
		args[i] = url
	}
	return db.Where("("+strings.Join(conds, " OR ")+")", args...)
}
