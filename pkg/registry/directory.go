package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Directory 列出当前存活的 worker 实例
type Directory interface {
	Instances(ctx context.Context) ([]InstanceInfo, error)
}

type etcdDirectory struct {
	config      RegistryConfig
	serviceName string
}

// NewEtcdDirectory 每次查询建立一次 etcd 连接，只用于管理接口和命令行
func NewEtcdDirectory(config RegistryConfig, serviceName string) Directory {
	return &etcdDirectory{config: config, serviceName: serviceName}
}

func (d *etcdDirectory) Instances(ctx context.Context) ([]InstanceInfo, error) {
	client, err := newClient(d.config)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.Get(ctx, servicePrefix(d.serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list workers of %s: %w", d.serviceName, err)
	}
	return decodeInstances(resp.Kvs), nil
}

// decodeInstances 按 WorkerID 排序，旧格式的值以键名补全 WorkerID
func decodeInstances(kvs []*mvccpb.KeyValue) []InstanceInfo {
	out := make([]InstanceInfo, 0, len(kvs))
	for _, kv := range kvs {
		info := DecodeInstanceInfo(string(kv.Value))
		if info.WorkerID == "" {
			key := string(kv.Key)
			info.WorkerID = key[strings.LastIndex(key, "/")+1:]
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// StaticDirectory 未启用注册中心时只返回本进程
type StaticDirectory []InstanceInfo

func (s StaticDirectory) Instances(context.Context) ([]InstanceInfo, error) {
	out := make([]InstanceInfo, len(s))
	copy(out, s)
	return out, nil
}
