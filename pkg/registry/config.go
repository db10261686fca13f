package registry

import (
	"encoding/json"
	"time"

	"audio-pipeline/pkg/config"
)

// InstanceInfo 注册到 etcd 的 worker 描述
type InstanceInfo struct {
	WorkerID     string         `json:"worker_id"`
	Address      string         `json:"address"`
	Queues       map[string]int `json:"queues"`
	StartedAt    time.Time      `json:"started_at"`
	QueueBackend string         `json:"queue_backend"`
}

// Encode 序列化为注册值
func (i InstanceInfo) Encode() string {
	b, err := json.Marshal(i)
	if err != nil {
		return i.Address
	}
	return string(b)
}

// DecodeInstanceInfo 解析注册值，旧格式只包含地址
func DecodeInstanceInfo(raw string) InstanceInfo {
	var info InstanceInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return InstanceInfo{Address: raw}
	}
	return info
}

// ConfigsFrom 从应用配置构造注册参数
func ConfigsFrom(cfg *config.Config) (RegistryConfig, ServiceConfig) {
	return RegistryConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
		}, ServiceConfig{
			ServiceName:     cfg.ServiceRegistry.ServiceName,
			ServiceID:       cfg.ServiceRegistry.ServiceID,
			TTL:             cfg.ServiceRegistry.TTL,
			RefreshInterval: cfg.ServiceRegistry.RefreshInterval,
		}
}
