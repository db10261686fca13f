package queue

import (
	"context"
	"errors"
	"time"

	"audio-pipeline/ddd/domain/vo"
)

var (
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull 内存队列已满
	ErrQueueFull = errors.New("queue is full")
)

// Counts 队列各状态的任务数
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

// Backend 任务存储。Pop 取出的任务进入 active，直到 Ack、Fail 或 Schedule
type Backend interface {
	// Push 写入任务并放入等待队列
	Push(ctx context.Context, job *Job) error
	// Schedule 从 active 移出并在 runAt 之后重新可见
	Schedule(ctx context.Context, job *Job, runAt time.Time) error
	// Pop 超时返回 (nil, nil)，取出前先提升已到期的延迟任务
	Pop(ctx context.Context, queue vo.QueueName, timeout time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Fail 从 active 移入失败集合
	Fail(ctx context.Context, job *Job) error
	// Recover 把上次进程遗留在 active 中的任务放回等待队列
	Recover(ctx context.Context, queue vo.QueueName) (int, error)
	// Reserve 原子占用任务 ID，ttl 内再次占用返回 false，与任务是否已完成无关
	Reserve(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	// Release 入队失败时释放占用
	Release(ctx context.Context, jobID string) error
	Counts(ctx context.Context, queue vo.QueueName) (Counts, error)
	Close() error
}
