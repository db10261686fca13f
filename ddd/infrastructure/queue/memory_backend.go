package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// MemoryBackend 基于内存的任务存储，进程退出即丢失，用于单进程部署与测试
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	closed   bool
	jobs     map[string]*Job
	reserved map[string]time.Time
	queues   map[vo.QueueName]*memoryQueue
	metrics  QueueMetrics
}

type memoryQueue struct {
	wait    []string
	active  map[string]struct{}
	delayed map[string]time.Time
	failed  map[string]struct{}
	notify  chan struct{}
}

// QueueMetrics 入队与出队计数
type QueueMetrics struct {
	EnqueueCount uint64
	DequeueCount uint64
}

// NewMemoryBackend 创建内存任务存储，capacity 为单个队列等待数上限
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 1000 // 默认容量
	}
	return &MemoryBackend{
		capacity: capacity,
		jobs:     make(map[string]*Job),
		reserved: make(map[string]time.Time),
		queues:   make(map[vo.QueueName]*memoryQueue),
	}
}

func (b *MemoryBackend) queue(name vo.QueueName) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			active:  make(map[string]struct{}),
			delayed: make(map[string]time.Time),
			failed:  make(map[string]struct{}),
			notify:  make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push 入队任务
func (b *MemoryBackend) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}
	q := b.queue(job.Queue)
	if len(q.wait) >= b.capacity {
		return ErrQueueFull
	}
	b.jobs[job.ID] = job.clone()
	q.wait = append(q.wait, job.ID)
	b.metrics.EnqueueCount++
	q.signal()
	return nil
}

// Schedule 延迟重新可见
func (b *MemoryBackend) Schedule(_ context.Context, job *Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}
	q := b.queue(job.Queue)
	delete(q.active, job.ID)
	b.jobs[job.ID] = job.clone()
	q.delayed[job.ID] = runAt
	q.signal()
	return nil
}

// Pop 出队任务（阻塞至超时）
func (b *MemoryBackend) Pop(ctx context.Context, name vo.QueueName, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q := b.queue(name)
		next := b.promoteDue(q, time.Now())
		if len(q.wait) > 0 {
			id := q.wait[0]
			q.wait = q.wait[1:]
			q.active[id] = struct{}{}
			b.metrics.DequeueCount++
			job := b.jobs[id].clone()
			b.mu.Unlock()
			return job, nil
		}
		notify := q.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteDue 返回下一个未到期任务的时间
func (b *MemoryBackend) promoteDue(q *memoryQueue, now time.Time) time.Time {
	var due []string
	var next time.Time
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		q.wait = append(q.wait, id)
	}
	return next
}

// Ack 完成任务
func (b *MemoryBackend) Ack(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue(job.Queue).active, job.ID)
	delete(b.jobs, job.ID)
	return nil
}

// Fail 标记失败
func (b *MemoryBackend) Fail(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(job.Queue)
	delete(q.active, job.ID)
	b.jobs[job.ID] = job.clone()
	q.failed[job.ID] = struct{}{}
	return nil
}

// Recover 内存存储无跨进程遗留，只处理同一进程内未确认的任务
func (b *MemoryBackend) Recover(_ context.Context, name vo.QueueName) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(q.active, id)
		q.wait = append(q.wait, id)
	}
	if len(ids) > 0 {
		q.signal()
	}
	return len(ids), nil
}

// Reserve 占用任务 ID 直到 ttl 过期
func (b *MemoryBackend) Reserve(_ context.Context, jobID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if until, ok := b.reserved[jobID]; ok && now.Before(until) {
		return false, nil
	}
	b.reserved[jobID] = now.Add(ttl)
	return true, nil
}

// Release 释放任务 ID
func (b *MemoryBackend) Release(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reserved, jobID)
	return nil
}

// Counts 队列统计
func (b *MemoryBackend) Counts(_ context.Context, name vo.QueueName) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	return Counts{
		Waiting: int64(len(q.wait)),
		Active:  int64(len(q.active)),
		Delayed: int64(len(q.delayed)),
		Failed:  int64(len(q.failed)),
	}, nil
}

// Job 按 ID 读取任务，用于检查失败原因
func (b *MemoryBackend) Job(jobID string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// GetMetrics 获取队列指标
func (b *MemoryBackend) GetMetrics() QueueMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Close 关闭队列
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.signal()
	}
	return nil
}
