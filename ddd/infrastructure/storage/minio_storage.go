package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"audio-pipeline/internal/resource"
	"audio-pipeline/pkg/logger"
)

// MinioObjectStore MinIO对象存储实现
type MinioObjectStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioObjectStore 基于已初始化的 MinIO 资源创建对象存储
func NewMinioObjectStore(minioResource *resource.MinioResource) *MinioObjectStore {
	return &MinioObjectStore{
		client:     minioResource.GetClient(),
		bucketName: minioResource.GetBucketName(),
	}
}

// Bucket 桶名称
func (s *MinioObjectStore) Bucket() string {
	return s.bucketName
}

// Put 上传对象
func (s *MinioObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		logger.Error("Failed to upload object to MinIO", map[string]interface{}{
			"object_key": key,
			"error":      err.Error(),
		})
		return fmt.Errorf("upload object to minio failed: %w", err)
	}
	return nil
}

// Get 获取对象流，对象不存在时立即返回错误
func (s *MinioObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object from minio failed: %w", err)
	}
	// GetObject 延迟到首次读取才发请求，先 Stat 以便尽早暴露不存在的对象
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("stat object from minio failed: %w", err)
	}
	return object, nil
}

// Remove 删除对象，不存在视为成功
func (s *MinioObjectStore) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("remove object from minio failed: %w", err)
	}
	return nil
}
