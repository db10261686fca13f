package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// Handler 处理单个任务，返回错误触发重试或最终失败
type Handler func(ctx context.Context, job *Job) error

// FailureHook 任务最终失败后执行，用于把关联的转换状态置为 FAILED
type FailureHook func(ctx context.Context, job *Job, cause error)

// EventType 任务事件类型
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
)

// Event 任务生命周期事件
type Event struct {
	Type     EventType     `json:"type"`
	Queue    vo.QueueName  `json:"queue"`
	JobID    string        `json:"job_id"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// EventListener 事件监听器，不应阻塞
type EventListener func(Event)

// WorkerStats 工作器统计信息
type WorkerStats struct {
	ProcessedTasks   uint64
	SuccessfulTasks  uint64
	FailedTasks      uint64
	CurrentlyRunning int
	StartTime        time.Time
	LastTaskTime     time.Time
}

// Options 默认任务选项
type Options struct {
	Attempts    int
	BackoffBase time.Duration
	PollTimeout time.Duration
	// HookTimeout 失败钩子的超时
	HookTimeout time.Duration
	// UniqueFor 指定 JobID 时的默认去重时长
	UniqueFor time.Duration
}

type registration struct {
	queue       vo.QueueName
	concurrency int
	handler     Handler
	hooks       []FailureHook
	stats       WorkerStats
}

// Manager 任务队列：入队、按队列并发消费、重试与事件
type Manager struct {
	backend   Backend
	opts      Options
	mu        sync.RWMutex
	regs      map[vo.QueueName]*registration
	listeners []EventListener
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ port.JobQueue = (*Manager)(nil)

// NewManager 创建任务队列
func NewManager(backend Backend, opts Options) *Manager {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 30 * time.Second
	}
	if opts.UniqueFor <= 0 {
		opts.UniqueFor = 24 * time.Hour
	}
	return &Manager{
		backend: backend,
		opts:    opts,
		regs:    make(map[vo.QueueName]*registration),
	}
}

// Backend 底层存储
func (m *Manager) Backend() Backend { return m.backend }

// Enqueue 入队任务，指定 JobID 时去重窗口内只入队一次，即使前一个任务已完成
func (m *Manager) Enqueue(ctx context.Context, queue vo.QueueName, payload interface{}, opts *vo.JobOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", queue, err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     data,
		Attempts:    m.opts.Attempts,
		BackoffBase: m.opts.BackoffBase,
		CreatedAt:   time.Now(),
	}
	var (
		delay    time.Duration
		reserved bool
	)
	if opts != nil {
		if opts.JobID != "" {
			job.ID = opts.JobID
			ttl := opts.UniqueFor
			if ttl <= 0 {
				ttl = m.opts.UniqueFor
			}
			ok, err := m.backend.Reserve(ctx, job.ID, ttl)
			if err != nil {
				return "", fmt.Errorf("check job %s: %w", job.ID, err)
			}
			if !ok {
				logger.Infof("job %s already queued on %s", job.ID, queue)
				return job.ID, nil
			}
			reserved = true
		}
		if opts.Attempts > 0 {
			job.Attempts = opts.Attempts
		}
		if opts.BackoffBase > 0 {
			job.BackoffBase = opts.BackoffBase
		}
		delay = opts.Delay
	}

	if delay > 0 {
		err = m.backend.Schedule(ctx, job, time.Now().Add(delay))
	} else {
		err = m.backend.Push(ctx, job)
	}
	if err != nil {
		if reserved {
			if relErr := m.backend.Release(ctx, job.ID); relErr != nil {
				logger.Warnf("release job %s: %v", job.ID, relErr)
			}
		}
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	m.emit(Event{Type: EventEnqueued, Queue: queue, JobID: job.ID, Delay: delay})
	return job.ID, nil
}

// Process 注册队列处理函数，需在 Start 之前调用
func (m *Manager) Process(queue vo.QueueName, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.reg(queue)
	reg.concurrency = concurrency
	reg.handler = handler
}

// OnFailed 注册最终失败钩子
func (m *Manager) OnFailed(queue vo.QueueName, hook FailureHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.reg(queue)
	reg.hooks = append(reg.hooks, hook)
}

// Subscribe 订阅任务事件
func (m *Manager) Subscribe(listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) reg(queue vo.QueueName) *registration {
	r, ok := m.regs[queue]
	if !ok {
		r = &registration{queue: queue}
		m.regs[queue] = r
	}
	return r
}

// Start 恢复遗留任务并启动每个队列的工作协程
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("job queue is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	queues := make([]vo.QueueName, 0, len(m.regs))
	for q, r := range m.regs {
		if r.handler != nil {
			queues = append(queues, q)
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i] < queues[j] })

	for _, q := range queues {
		reg := m.regs[q]
		if n, err := m.backend.Recover(ctx, q); err != nil {
			logger.Warnf("recover queue %s: %v", q, err)
		} else if n > 0 {
			logger.Infof("recovered %d unfinished jobs on %s", n, q)
		}
		reg.stats.StartTime = time.Now()
		logger.Infof("Starting queue %s with %d goroutines", q, reg.concurrency)
		for i := 0; i < reg.concurrency; i++ {
			m.wg.Add(1)
			go m.workerLoop(loopCtx, reg, i)
		}
	}
	return nil
}

// Stop 停止取新任务并等待进行中的任务结束
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	logger.Infof("Job queue stopped")
	return nil
}

// IsRunning 检查是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetStats 获取某个队列的工作器统计
func (m *Manager) GetStats(queue vo.QueueName) WorkerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.regs[queue]; ok {
		return r.stats
	}
	return WorkerStats{}
}

// Stats 全部队列的存储计数与工作器统计
func (m *Manager) Stats(ctx context.Context) ([]vo.QueueStats, error) {
	out := make([]vo.QueueStats, 0, len(vo.AllQueues()))
	for _, q := range vo.AllQueues() {
		counts, err := m.backend.Counts(ctx, q)
		if err != nil {
			return nil, err
		}
		st := vo.QueueStats{
			Queue:   q,
			Waiting: counts.Waiting,
			Active:  counts.Active,
			Delayed: counts.Delayed,
			Failed:  counts.Failed,
		}
		m.mu.RLock()
		if r, ok := m.regs[q]; ok {
			st.Concurrency = r.concurrency
			st.Processed = r.stats.ProcessedTasks
			st.Succeeded = r.stats.SuccessfulTasks
			st.Errored = r.stats.FailedTasks
			st.Running = r.stats.CurrentlyRunning
			st.LastJobAt = r.stats.LastTaskTime
		}
		m.mu.RUnlock()
		out = append(out, st)
	}
	return out, nil
}

// workerLoop 工作器主循环
func (m *Manager) workerLoop(ctx context.Context, reg *registration, workerID int) {
	defer m.wg.Done()
	logger.Debugf("Worker %s-%d started", reg.queue, workerID)
	defer logger.Debugf("Worker %s-%d stopped", reg.queue, workerID)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.backend.Pop(ctx, reg.queue, m.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			logger.Warnf("Worker %s-%d failed to dequeue job: %v", reg.queue, workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second): // 避免忙等待
			}
			continue
		}
		if job == nil {
			continue
		}
		// 任务开始后不随停止信号中断
		m.process(context.WithoutCancel(ctx), reg, job)
	}
}

// process 处理单个任务
func (m *Manager) process(ctx context.Context, reg *registration, job *Job) {
	m.updateStats(reg, func(s *WorkerStats) {
		s.CurrentlyRunning++
		s.LastTaskTime = time.Now()
	})
	job.AttemptsMade++
	m.emit(Event{Type: EventActive, Queue: job.Queue, JobID: job.ID, Attempt: job.AttemptsMade})

	start := time.Now()
	err := m.invoke(ctx, reg.handler, job)
	elapsed := time.Since(start)

	if err == nil {
		if ackErr := m.backend.Ack(ctx, job); ackErr != nil {
			logger.Errorf("ack job %s on %s: %v", job.ID, job.Queue, ackErr)
		}
		m.updateStats(reg, func(s *WorkerStats) {
			s.CurrentlyRunning--
			s.ProcessedTasks++
			s.SuccessfulTasks++
		})
		m.emit(Event{Type: EventCompleted, Queue: job.Queue, JobID: job.ID, Attempt: job.AttemptsMade, Duration: elapsed})
		return
	}

	job.LastError = err.Error()
	fields := map[string]interface{}{
		"queue":   job.Queue,
		"job_id":  job.ID,
		"attempt": job.AttemptsMade,
		"error":   err.Error(),
	}

	if errno.IsRetryable(err) && job.HasAttemptsLeft() {
		delay := job.RetryDelay()
		fields["delay"] = delay.String()
		logger.Warn("Job failed, retrying", fields)
		if schedErr := m.backend.Schedule(ctx, job, time.Now().Add(delay)); schedErr != nil {
			logger.Errorf("schedule retry of job %s: %v", job.ID, schedErr)
		}
		m.updateStats(reg, func(s *WorkerStats) {
			s.CurrentlyRunning--
			s.ProcessedTasks++
			s.FailedTasks++
		})
		m.emit(Event{Type: EventRetrying, Queue: job.Queue, JobID: job.ID, Attempt: job.AttemptsMade, Error: err.Error(), Delay: delay})
		return
	}

	now := time.Now()
	job.FinishedAt = &now
	logger.Error("Job failed permanently", fields)
	if failErr := m.backend.Fail(ctx, job); failErr != nil {
		logger.Errorf("mark job %s failed: %v", job.ID, failErr)
	}
	m.runHooks(ctx, reg, job, err)
	m.updateStats(reg, func(s *WorkerStats) {
		s.CurrentlyRunning--
		s.ProcessedTasks++
		s.FailedTasks++
	})
	m.emit(Event{Type: EventFailed, Queue: job.Queue, JobID: job.ID, Attempt: job.AttemptsMade, Error: err.Error()})
}

func (m *Manager) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("job %s on %s panicked: %v\n%s", job.ID, job.Queue, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (m *Manager) runHooks(ctx context.Context, reg *registration, job *Job, cause error) {
	m.mu.RLock()
	hooks := append([]FailureHook(nil), reg.hooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		func() {
			hookCtx, cancel := context.WithTimeout(ctx, m.opts.HookTimeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("failure hook for job %s panicked: %v", job.ID, r)
				}
			}()
			hook(hookCtx, job, cause)
		}()
	}
}

func (m *Manager) updateStats(reg *registration, fn func(*WorkerStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&reg.stats)
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.mu.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}
