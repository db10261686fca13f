package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"audio-pipeline/pkg/logger"
)

// RegistryConfig etcd 连接参数
type RegistryConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// ServiceConfig 注册键和租约参数
type ServiceConfig struct {
	ServiceName     string
	ServiceID       string
	TTL             time.Duration
	RefreshInterval time.Duration
}

func newClient(cfg RegistryConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// servicePrefix 同一服务下所有 worker 的键前缀
func servicePrefix(serviceName string) string {
	return fmt.Sprintf("/services/%s/", serviceName)
}

// instanceKey worker 的注册键，优先用 WorkerID，缺省时退回 ServiceID
func instanceKey(svc ServiceConfig, info InstanceInfo) string {
	id := strings.TrimSpace(info.WorkerID)
	if id == "" {
		id = svc.ServiceID
	}
	return servicePrefix(svc.ServiceName) + id
}

// leaseTTL etcd 租约最少 1 秒
func leaseTTL(ttl time.Duration) int64 {
	if s := int64(ttl.Seconds()); s > 0 {
		return s
	}
	return 1
}

func retryInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

// WorkerRegistry 把本进程的队列和并发数挂在租约上，进程退出或失联后自动过期
type WorkerRegistry struct {
	client *clientv3.Client
	svc    ServiceConfig
	info   InstanceInfo
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	active bool
}

// NewWorkerRegistry 建立 etcd 连接，不会立即注册
func NewWorkerRegistry(cfg RegistryConfig, svc ServiceConfig, info InstanceInfo) (*WorkerRegistry, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerRegistry{
		client: client,
		svc:    svc,
		info:   info,
		key:    instanceKey(svc, info),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Register 首次注册失败直接返回，之后租约丢失会按 RefreshInterval 重新注册
func (r *WorkerRegistry) Register() error {
	lease, err := r.put()
	if err != nil {
		return err
	}
	logger.Infof("Worker registered: %s queues=%v", r.key, r.info.Queues)
	r.active = true
	go r.maintain(lease)
	return nil
}

func (r *WorkerRegistry) put() (clientv3.LeaseID, error) {
	grant, err := r.client.Grant(r.ctx, leaseTTL(r.svc.TTL))
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.client.Put(r.ctx, r.key, r.info.Encode(), clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("register %s: %w", r.key, err)
	}
	return grant.ID, nil
}

func (r *WorkerRegistry) maintain(lease clientv3.LeaseID) {
	defer close(r.done)
	for {
		r.keepAlive(lease)
		for {
			select {
			case <-r.ctx.Done():
				r.revoke(lease)
				return
			case <-time.After(retryInterval(r.svc.RefreshInterval)):
			}
			next, err := r.put()
			if err == nil {
				logger.Infof("Worker re-registered: %s", r.key)
				lease = next
				break
			}
			logger.Warnf("Worker re-registration failed key=%s error=%v", r.key, err)
		}
	}
}

// keepAlive 阻塞到租约失效或进程退出
func (r *WorkerRegistry) keepAlive(lease clientv3.LeaseID) {
	ch, err := r.client.KeepAlive(r.ctx, lease)
	if err != nil {
		logger.Warnf("Keep alive failed key=%s error=%v", r.key, err)
		return
	}
	for ka := range ch {
		if ka == nil {
			break
		}
	}
	if r.ctx.Err() == nil {
		logger.Warnf("Lease lost key=%s", r.key)
	}
}

func (r *WorkerRegistry) revoke(lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		logger.Warnf("Revoke lease failed key=%s error=%v", r.key, err)
	}
}

// Deregister 撤销租约并关闭连接
func (r *WorkerRegistry) Deregister() error {
	r.cancel()
	if r.active {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close etcd client: %w", err)
	}
	logger.Infof("Worker deregistered: %s", r.key)
	return nil
}
