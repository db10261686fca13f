package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// StagedScheme 暂存区地址前缀
const StagedScheme = "staging://"

// Gateway 永久对象存储与本地暂存区的统一入口
type Gateway struct {
	store      ObjectStore
	publicBase string
	stagingDir string
	attempts   int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ gateway.StorageGateway = (*Gateway)(nil)

// NewGateway 创建存储网关，publicBase 为对外访问地址前缀
func NewGateway(store ObjectStore, cfg config.StorageConfig, publicBase string) *Gateway {
	stagingDir, err := filepath.Abs(cfg.StagingDir)
	if err != nil {
		stagingDir = filepath.Clean(cfg.StagingDir)
	}
	g := &Gateway{
		store:      store,
		publicBase: strings.TrimRight(publicBase, "/"),
		stagingDir: stagingDir,
		attempts:   cfg.DeleteAttempts,
		baseDelay:  cfg.DeleteBaseDelay,
		maxDelay:   cfg.DeleteMaxDelay,
	}
	if g.attempts <= 0 {
		g.attempts = 3
	}
	if g.baseDelay <= 0 {
		g.baseDelay = 200 * time.Millisecond
	}
	if g.maxDelay <= 0 {
		g.maxDelay = 5 * time.Second
	}
	return g
}

// StagingDir 暂存区根目录
func (g *Gateway) StagingDir() string { return g.stagingDir }

// URLFor 对象键对应的访问地址
func (g *Gateway) URLFor(key string) string {
	return fmt.Sprintf("%s/%s/%s", g.publicBase, g.store.Bucket(), key)
}

// Upload 上传本地文件
func (g *Gateway) Upload(ctx context.Context, localPath, prefix string) (*gateway.StoredObject, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, &errno.StorageError{Op: "upload", Location: localPath, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &errno.StorageError{Op: "upload", Location: localPath, Err: err}
	}
	format := vo.FormatFromFilename(localPath)
	ext := strings.ToLower(filepath.Ext(localPath))
	if ext == "" {
		ext = format.Extension()
	}
	return g.put(ctx, file, info.Size(), prefix, ext, format.ContentType())
}

// UploadBytes 上传内存数据
func (g *Gateway) UploadBytes(ctx context.Context, data []byte, prefix string, format vo.AudioFormat) (*gateway.StoredObject, error) {
	return g.put(ctx, bytes.NewReader(data), int64(len(data)), prefix, format.Extension(), format.ContentType())
}

func (g *Gateway) put(ctx context.Context, r io.Reader, size int64, prefix, ext, contentType string) (*gateway.StoredObject, error) {
	key := fmt.Sprintf("%s/%s%s", strings.Trim(prefix, "/"), uuid.NewString(), ext)
	if err := g.store.Put(ctx, key, r, size, contentType); err != nil {
		return nil, &errno.StorageError{Op: "upload", Location: key, Err: err}
	}
	obj := &gateway.StoredObject{URL: g.URLFor(key), SizeBytes: size}
	logger.Info("Artifact uploaded", map[string]interface{}{
		"object_key": key,
		"size":       size,
	})
	return obj, nil
}

// Delete 删除永久对象或暂存文件，失败按指数退避重试
func (g *Gateway) Delete(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	if g.IsStaged(location) {
		path, err := g.StagedPath(location)
		if err != nil {
			return err
		}
		return g.DeleteLocalStagedFile(ctx, path)
	}
	key, err := g.keyFromURL(location)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := g.store.Remove(ctx, key)
		if err != nil {
			logger.Warn("Delete object failed", map[string]interface{}{
				"object_key": key,
				"attempt":    attempt,
				"error":      err.Error(),
			})
		}
		return err
	}
	if err := backoff.Retry(op, g.deleteBackOff(ctx)); err != nil {
		return &errno.StorageError{Op: "delete", Location: location, Err: err}
	}
	return nil
}

func (g *Gateway) deleteBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.baseDelay
	exp.MaxInterval = g.maxDelay
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.attempts-1)), ctx)
}

// DeleteMany 逐个删除，收集失败而不中断
func (g *Gateway) DeleteMany(ctx context.Context, urls []string) *gateway.DeleteReport {
	report := &gateway.DeleteReport{}
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if err := g.Delete(ctx, u); err != nil {
			report.Failed = append(report.Failed, gateway.DeleteFailure{URL: u, Err: err})
			continue
		}
		report.Deleted = append(report.Deleted, u)
	}
	if !report.OK() {
		logger.Warn("Batch delete finished with failures", map[string]interface{}{
			"deleted": len(report.Deleted),
			"failed":  len(report.Failed),
		})
	}
	return report
}

// GetObjectStream 获取对象流，暂存文件直接打开本地文件
func (g *Gateway) GetObjectStream(ctx context.Context, location string) (io.ReadCloser, error) {
	if g.IsStaged(location) {
		path, err := g.StagedPath(location)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, &errno.StorageError{Op: "open-staged", Location: location, Err: err}
		}
		return f, nil
	}
	key, err := g.keyFromURL(location)
	if err != nil {
		return nil, err
	}
	rc, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, &errno.StorageError{Op: "download", Location: location, Err: err}
	}
	return rc, nil
}

// GetObject 读取完整对象
func (g *Gateway) GetObject(ctx context.Context, location string) ([]byte, error) {
	rc, err := g.GetObjectStream(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &errno.StorageError{Op: "download", Location: location, Err: err}
	}
	return data, nil
}

// IsStaged 带 staging:// 前缀、相对路径或暂存目录下的绝对路径
func (g *Gateway) IsStaged(location string) bool {
	if location == "" {
		return false
	}
	if strings.HasPrefix(location, StagedScheme) {
		return true
	}
	if strings.Contains(location, "://") {
		return false
	}
	if filepath.IsAbs(location) {
		_, ok := g.within(location)
		return ok
	}
	return true
}

// StagedPath 解析暂存文件绝对路径，拒绝逃出暂存目录的路径
func (g *Gateway) StagedPath(location string) (string, error) {
	p := strings.TrimPrefix(location, StagedScheme)
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.stagingDir, p)
	}
	abs, ok := g.within(p)
	if !ok {
		return "", &errno.StorageError{Op: "resolve-staged", Location: location, Err: errors.New("path escapes staging directory")}
	}
	return abs, nil
}

func (g *Gateway) within(p string) (string, bool) {
	clean := filepath.Clean(p)
	rel, err := filepath.Rel(g.stagingDir, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return clean, true
}

// GetLocalStagedFile 读取暂存文件
func (g *Gateway) GetLocalStagedFile(_ context.Context, location string) ([]byte, error) {
	path, err := g.StagedPath(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errno.StorageError{Op: "read-staged", Location: location, Err: err}
	}
	return data, nil
}

// DeleteLocalStagedFile 删除暂存文件，不存在视为成功
func (g *Gateway) DeleteLocalStagedFile(_ context.Context, location string) error {
	path, err := g.StagedPath(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &errno.StorageError{Op: "delete-staged", Location: location, Err: err}
	}
	return nil
}

func (g *Gateway) keyFromURL(location string) (string, error) {
	bucketPrefix := g.store.Bucket() + "/"
	if g.publicBase != "" && strings.HasPrefix(location, g.publicBase+"/"+bucketPrefix) {
		return strings.TrimPrefix(location, g.publicBase+"/"+bucketPrefix), nil
	}
	u, err := url.Parse(location)
	if err == nil {
		path := strings.TrimPrefix(u.Path, "/")
		if strings.HasPrefix(path, bucketPrefix) && len(path) > len(bucketPrefix) {
			return strings.TrimPrefix(path, bucketPrefix), nil
		}
	}
	return "", &errno.StorageError{Op: "resolve", Location: location, Err: errors.New("not an object in bucket " + g.store.Bucket())}
}
