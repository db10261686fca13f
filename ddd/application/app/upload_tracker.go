package app

import (
	"context"

	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/logger"
)

// uploadTracker 记录本次尝试上传的文件，失败时补偿删除
type uploadTracker struct {
	storage gateway.StorageGateway
	urls    []string
}

func newUploadTracker(storage gateway.StorageGateway) *uploadTracker {
	return &uploadTracker{storage: storage}
}

func (u *uploadTracker) bytes(ctx context.Context, data []byte, prefix string, format vo.AudioFormat) (*gateway.StoredObject, error) {
	obj, err := u.storage.UploadBytes(ctx, data, prefix, format)
	if err != nil {
		return nil, err
	}
	u.urls = append(u.urls, obj.URL)
	return obj, nil
}

func (u *uploadTracker) file(ctx context.Context, localPath, prefix string) (*gateway.StoredObject, error) {
	obj, err := u.storage.Upload(ctx, localPath, prefix)
	if err != nil {
		return nil, err
	}
	u.urls = append(u.urls, obj.URL)
	return obj, nil
}

// rollback 删除本次上传的全部文件，只删自己上传的
func (u *uploadTracker) rollback(ctx context.Context, fields map[string]interface{}) {
	if len(u.urls) == 0 {
		return
	}
	report := u.storage.DeleteMany(ctx, u.urls)
	for _, f := range report.Failed {
		logFields := copyFields(fields)
		logFields["url"] = f.URL
		logFields["error"] = f.Err.Error()
		logger.Error("Failed to remove artifact uploaded by failed attempt", logFields)
	}
	u.urls = nil
}
