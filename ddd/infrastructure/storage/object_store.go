package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore 永久存储的最小操作集
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// MemoryObjectStore 内存实现，用于单进程运行与测试。可注入删除失败
type MemoryObjectStore struct {
	mu          sync.Mutex
	bucket      string
	objects     map[string][]byte
	types       map[string]string
	removeFails map[string]int
	removeCalls map[string]int
}

// NewMemoryObjectStore 创建内存对象存储
func NewMemoryObjectStore(bucket string) *MemoryObjectStore {
	return &MemoryObjectStore{
		bucket:      bucket,
		objects:     make(map[string][]byte),
		types:       make(map[string]string),
		removeFails: make(map[string]int),
		removeCalls: make(map[string]int),
	}
}

func (m *MemoryObjectStore) Bucket() string { return m.bucket }

func (m *MemoryObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *MemoryObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryObjectStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls[key]++
	if n, ok := m.removeFails[key]; ok && n != 0 {
		if n > 0 {
			m.removeFails[key] = n - 1
		}
		return fmt.Errorf("remove %s: injected failure", key)
	}
	delete(m.objects, key)
	delete(m.types, key)
	return nil
}

// FailRemove 让接下来 times 次删除失败，负数表示永久失败
func (m *MemoryObjectStore) FailRemove(key string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFails[key] = times
}

// Has 对象是否存在
func (m *MemoryObjectStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Keys 当前全部对象键
func (m *MemoryObjectStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// ContentType 上传时记录的类型
func (m *MemoryObjectStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[key]
}

// RemoveCalls 某个键被删除的次数
func (m *MemoryObjectStore) RemoveCalls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeCalls[key]
}
