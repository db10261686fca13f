package app

import (
	"fmt"
	"strings"

	"audio-pipeline/ddd/adapter/component"
	"audio-pipeline/ddd/infrastructure/worker"
)

// Role 进程角色，决定启用哪些组件
type Role string

const (
	RoleAll       Role = "all"
	RoleAPI       Role = "api"
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
)

// ParseRole 空值视为 all
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleAll, nil
	case RoleAll, RoleAPI, RoleWorker, RoleScheduler:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q, want one of all|api|worker|scheduler", s)
	}
}

// Components 角色对应的组件名
func (r Role) Components() []string {
	switch r {
	case RoleAPI:
		return []string{component.UploadConsumerName}
	case RoleWorker:
		return []string{worker.ComponentName}
	case RoleScheduler:
		return []string{component.CleanupSchedulerName}
	default:
		return []string{component.UploadConsumerName, worker.ComponentName, component.CleanupSchedulerName}
	}
}

// RunsWorkers 是否消费队列，决定是否注册到 etcd
func (r Role) RunsWorkers() bool {
	return r == RoleAll || r == RoleWorker
}
