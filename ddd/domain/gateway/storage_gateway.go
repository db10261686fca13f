package gateway

import (
	"context"
	"io"

	"audio-pipeline/ddd/domain/vo"
)

// StoredObject 已上传对象
type StoredObject struct {
	URL       string
	SizeBytes int64
}

// DeleteFailure 删除失败的地址
type DeleteFailure struct {
	URL string
	Err error
}

// DeleteReport 批量删除结果，失败不会中断其他地址
type DeleteReport struct {
	Deleted []string
	Failed  []DeleteFailure
}

// OK 全部删除成功
func (r *DeleteReport) OK() bool {
	return r == nil || len(r.Failed) == 0
}

// FailedURLs 失败的地址集合
func (r *DeleteReport) FailedURLs() map[string]error {
	out := make(map[string]error, len(r.Failed))
	for _, f := range r.Failed {
		out[f.URL] = f.Err
	}
	return out
}

// StorageGateway 永久对象存储与本地暂存区
type StorageGateway interface {
	// Upload 上传本地文件到 prefix 下，返回可访问地址
	Upload(ctx context.Context, localPath, prefix string) (*StoredObject, error)
	// UploadBytes 上传内存数据
	UploadBytes(ctx context.Context, data []byte, prefix string, format vo.AudioFormat) (*StoredObject, error)
	// Delete 带退避重试
	Delete(ctx context.Context, url string) error
	// DeleteMany 逐个删除并收集失败
	DeleteMany(ctx context.Context, urls []string) *DeleteReport
	GetObjectStream(ctx context.Context, url string) (io.ReadCloser, error)
	GetObject(ctx context.Context, url string) ([]byte, error)
	// IsStaged 地址是否位于暂存区
	IsStaged(location string) bool
	GetLocalStagedFile(ctx context.Context, urlOrPath string) ([]byte, error)
	DeleteLocalStagedFile(ctx context.Context, path string) error
	// StagedPath 暂存文件的本地绝对路径
	StagedPath(urlOrPath string) (string, error)
}

// QuotaNotifier 配额告警通知
type QuotaNotifier interface {
	NotifyQuotaWarning(ctx context.Context, warning *vo.QuotaWarning) error
}
