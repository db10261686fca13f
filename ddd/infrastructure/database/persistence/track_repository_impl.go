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

// trackRepositoryImpl 音轨仓储实现
type trackRepositoryImpl struct {
	trackDao  *dao.TrackDao
	convertor *convertor.TrackConvertor
}

// NewTrackRepository 创建音轨仓储实现
func NewTrackRepository(db *gorm.DB) repo.TrackRepository {
	return &trackRepositoryImpl{
		trackDao:  dao.NewTrackDao(db),
		convertor: convertor.NewTrackConvertor(),
	}
}

// GetTrack 根据ID获取音轨
func (r *trackRepositoryImpl) GetTrack(ctx context.Context, id string) (*entity.Track, error) {
	p, err := r.trackDao.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.convertor.ToEntity(p), nil
}

// ListTracksByIDs 批量获取音轨
func (r *trackRepositoryImpl) ListTracksByIDs(ctx context.Context, ids []string) ([]*entity.Track, error) {
	pos, err := r.trackDao.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.convertor.ToEntities(pos), nil
}

// SaveTrack 保存音轨
func (r *trackRepositoryImpl) SaveTrack(ctx context.Context, track *entity.Track) error {
	return r.trackDao.Save(ctx, r.convertor.ToPO(track))
}

// UpdateProcessingStatus 更新整轨处理状态
func (r *trackRepositoryImpl) UpdateProcessingStatus(ctx context.Context, id string, status vo.ConversionStatus) error {
	return r.trackDao.UpdateColumns(ctx, id, map[string]interface{}{"processing_status": status.String()})
}

// UpdateRenditionStatus 更新某一格式的转换状态
func (r *trackRepositoryImpl) UpdateRenditionStatus(ctx context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error {
	return r.trackDao.UpdateRenditionColumn(ctx, id, format, "status", status.String())
}

// TouchRendition 更新最近请求时间
func (r *trackRepositoryImpl) TouchRendition(ctx context.Context, id string, format vo.AudioFormat, at time.Time) error {
	return r.trackDao.UpdateRenditionColumn(ctx, id, format, "last_requested_at", at)
}

// MarkPendingDeletion 标记为待删除
func (r *trackRepositoryImpl) MarkPendingDeletion(ctx context.Context, ids []string) error {
	return r.trackDao.UpdateStatusByIDs(ctx, ids, vo.TrackStatusPendingDeletion.String())
}

// ListStaleRenditions 查询长期未请求的产物
func (r *trackRepositoryImpl) ListStaleRenditions(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Track, error) {
	pos, err := r.trackDao.FindStale(ctx, format, before, limit)
	if err != nil {
		return nil, err
	}
	return r.convertor.ToEntities(pos), nil
}

// DeleteTracks 删除音轨记录
func (r *trackRepositoryImpl) DeleteTracks(ctx context.Context, ids []string) error {
	return r.trackDao.DeleteByIDs(ctx, ids)
}

// ClearStaleRendition 条件清空过期产物
func (r *trackRepositoryImpl) ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	return r.trackDao.ClearStaleRendition(ctx, id, format, url, before)
}
