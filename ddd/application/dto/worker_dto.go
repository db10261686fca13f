package dto

import (
	"time"
)

// WorkerDTO 注册中心中的一个 worker 进程
type WorkerDTO struct {
	WorkerID      string         `json:"worker_id"`
	Address       string         `json:"address"`
	QueueBackend  string         `json:"queue_backend"`
	Queues        map[string]int `json:"queues"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

// ListWorkersRequest 列表查询，Queue 非空时只返回消费该队列的 worker
type ListWorkersRequest struct {
	Queue  string `form:"queue"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// ListWorkersResponse Worker列表响应
type ListWorkersResponse struct {
	Workers []*WorkerDTO `json:"workers"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// CalculateUptime 按当前时间计算运行时长
func (w *WorkerDTO) CalculateUptime(now time.Time) {
	if w.StartedAt.IsZero() || now.Before(w.StartedAt) {
		w.UptimeSeconds = 0
		return
	}
	w.UptimeSeconds = int64(now.Sub(w.StartedAt).Seconds())
}

// Consumes 是否以大于零的并发消费该队列
func (w *WorkerDTO) Consumes(queue string) bool {
	return w.Queues[queue] > 0
}
