package repo

import (
	"context"
	"time"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/vo"
)

// TrackRepository 音轨媒体字段的读写
type TrackRepository interface {
	// GetTrack 不存在时返回 (nil, nil)
	GetTrack(ctx context.Context, id string) (*entity.Track, error)
	ListTracksByIDs(ctx context.Context, ids []string) ([]*entity.Track, error)
	SaveTrack(ctx context.Context, track *entity.Track) error
	UpdateProcessingStatus(ctx context.Context, id string, status vo.ConversionStatus) error
	UpdateRenditionStatus(ctx context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error
	TouchRendition(ctx context.Context, id string, format vo.AudioFormat, at time.Time) error
	MarkPendingDeletion(ctx context.Context, ids []string) error
	// ListStaleRenditions 最近请求时间早于 before 的 WAV/FLAC 产物
	ListStaleRenditions(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Track, error)
	// ClearStaleRendition 地址仍为 url 且仍早于 before 时清空该产物，返回是否清空
	ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error)
	DeleteTracks(ctx context.Context, ids []string) error
}

// StemRepository 分轨媒体字段的读写
type StemRepository interface {
	// GetStem 不存在时返回 (nil, nil)
	GetStem(ctx context.Context, id string) (*entity.Stem, error)
	ListStemsByTrack(ctx context.Context, trackID string) ([]*entity.Stem, error)
	CreateStems(ctx context.Context, stems []*entity.Stem) error
	SaveStem(ctx context.Context, stem *entity.Stem) error
	UpdateProcessingStatus(ctx context.Context, id string, status vo.ConversionStatus) error
	UpdateRenditionStatus(ctx context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error
	TouchRendition(ctx context.Context, id string, format vo.AudioFormat, at time.Time) error
	ListStaleRenditions(ctx context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Stem, error)
	ClearStaleRendition(ctx context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error)
	DeleteStemsByTracks(ctx context.Context, trackIDs []string) error
}

// QuotaRepository 用户配额
type QuotaRepository interface {
	// GetOrCreate 不存在时按默认免费额度创建
	GetOrCreate(ctx context.Context, userID string) (*entity.UserQuota, error)
	Save(ctx context.Context, quota *entity.UserQuota) error
}

// ArtifactReferences 跨音轨的文件引用查询，派生音轨与上游共享文件
type ArtifactReferences interface {
	// CountReferences 统计除 excludeTrackIDs 之外仍引用该地址的记录数
	CountReferences(ctx context.Context, url string, excludeTrackIDs []string) (int64, error)
}

// Store 仓储集合与事务边界
type Store interface {
	Tracks() TrackRepository
	Stems() StemRepository
	Quotas() QuotaRepository
	References() ArtifactReferences
	// Transaction fn 返回错误时回滚
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
