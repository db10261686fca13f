package event

import (
	"context"
	"sync"
	"time"

	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/pkg/logger"
)

// Producer 消息发送，*kafka.Client 满足该接口
type Producer interface {
	ProduceJSON(ctx context.Context, topic, key string, v interface{}) error
}

const (
	defaultBuffer      = 256
	defaultSendTimeout = 5 * time.Second
)

// JobEventPublisher 把任务生命周期事件异步发送到消息主题
type JobEventPublisher struct {
	producer Producer
	topic    string
	events   chan queue.Event
	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewJobEventPublisher 创建事件发布器，需要调用 Start 才会发送
func NewJobEventPublisher(producer Producer, topic string) *JobEventPublisher {
	return &JobEventPublisher{
		producer: producer,
		topic:    topic,
		events:   make(chan queue.Event, defaultBuffer),
	}
}

// Listen 作为 queue.EventListener 使用，缓冲满时丢弃
func (p *JobEventPublisher) Listen(ev queue.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		logger.Warnf("job event buffer full, dropping %s event of job %s", ev.Type, ev.JobID)
	}
}

// Start 启动发送协程
func (p *JobEventPublisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range p.events {
			p.send(ev)
		}
	}()
}

func (p *JobEventPublisher) send(ev queue.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := p.producer.ProduceJSON(ctx, p.topic, ev.JobID, ev); err != nil {
		logger.Warnf("publish job event topic=%s job=%s type=%s error=%v", p.topic, ev.JobID, ev.Type, err)
	}
}

// Close 停止接收并发送剩余事件
func (p *JobEventPublisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

// QuotaNotifier 把配额告警发送到消息主题
type QuotaNotifier struct {
	producer Producer
	topic    string
}

var _ gateway.QuotaNotifier = (*QuotaNotifier)(nil)

// NewQuotaNotifier 创建配额告警发送器
func NewQuotaNotifier(producer Producer, topic string) *QuotaNotifier {
	return &QuotaNotifier{producer: producer, topic: topic}
}

// NotifyQuotaWarning 以用户 ID 为 key 发送，同一用户的告警保持顺序
func (n *QuotaNotifier) NotifyQuotaWarning(ctx context.Context, warning *vo.QuotaWarning) error {
	if warning == nil {
		return nil
	}
	return n.producer.ProduceJSON(ctx, n.topic, warning.UserID, warning)
}

// LogQuotaNotifier 消息队列未启用时只记录日志
type LogQuotaNotifier struct{}

// NotifyQuotaWarning 记录告警
func (LogQuotaNotifier) NotifyQuotaWarning(_ context.Context, warning *vo.QuotaWarning) error {
	if warning == nil {
		return nil
	}
	logger.Warn("Quota exceeded", map[string]interface{}{
		"user_id":         warning.UserID,
		"track_id":        warning.TrackID,
		"stage":           warning.Stage,
		"used_seconds":    warning.UsedSeconds,
		"allowed_seconds": warning.AllowedSeconds,
		"message":         warning.Message,
	})
	return nil
}
