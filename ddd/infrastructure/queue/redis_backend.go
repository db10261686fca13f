package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/logger"
)

const promoteBatch = 100

// RedisBackend 持久化任务存储
//
//	{prefix}:queue:{name}:wait     LIST  等待中的任务 ID
//	{prefix}:queue:{name}:active   LIST  已取出未确认的任务 ID
//	{prefix}:queue:{name}:delayed  ZSET  重试等待，score 为可见时间（毫秒）
//	{prefix}:queue:{name}:failed   ZSET  最终失败，score 为失败时间
//	{prefix}:job:{id}              STRING 任务 JSON
//	{prefix}:unique:{id}           STRING 指定 ID 入队的占用标记，按 TTL 过期
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 创建 Redis 任务存储
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "audio-pipeline"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(name vo.QueueName, part string) string {
	return fmt.Sprintf("%s:queue:%s:%s", b.prefix, name, part)
}

func (b *RedisBackend) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", b.prefix, id)
}

func (b *RedisBackend) uniqueKey(id string) string {
	return fmt.Sprintf("%s:unique:%s", b.prefix, id)
}

// Push 写入任务并放入等待队列
func (b *RedisBackend) Push(ctx context.Context, job *Job) error {
	data, err := job.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, 0)
	pipe.LPush(ctx, b.key(job.Queue, "wait"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Schedule 延迟重新可见
func (b *RedisBackend) Schedule(ctx context.Context, job *Job, runAt time.Time) error {
	data, err := job.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, 0)
	pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
	pipe.ZAdd(ctx, b.key(job.Queue, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

// Pop 阻塞取出任务并放入 active
func (b *RedisBackend) Pop(ctx context.Context, name vo.QueueName, timeout time.Duration) (*Job, error) {
	if err := b.promoteDue(ctx, name, time.Now()); err != nil {
		return nil, err
	}
	id, err := b.client.BRPopLPush(ctx, b.key(name, "wait"), b.key(name, "active"), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", name, err)
	}
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		logger.Warnf("queue %s dropped job %s without payload", name, id)
		b.client.LRem(ctx, b.key(name, "active"), 1, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	job, err := decodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (b *RedisBackend) promoteDue(ctx context.Context, name vo.QueueName, now time.Time) error {
	delayedKey := b.key(name, "delayed")
	ids, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed %s: %w", name, err)
	}
	for _, id := range ids {
		// ZREM 成功的进程负责搬运，避免多个 worker 重复入队
		removed, err := b.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.key(name, "wait"), id).Err(); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
	}
	return nil
}

// Ack 完成任务并删除记录
func (b *RedisBackend) Ack(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
	pipe.Del(ctx, b.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Fail 标记最终失败，保留记录供排查
func (b *RedisBackend) Fail(ctx context.Context, job *Job) error {
	data, err := job.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, 0)
	pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
	pipe.ZAdd(ctx, b.key(job.Queue, "failed"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return nil
}

// Recover 把 active 中的任务放回等待队列
func (b *RedisBackend) Recover(ctx context.Context, name vo.QueueName) (int, error) {
	n := 0
	for {
		_, err := b.client.RPopLPush(ctx, b.key(name, "active"), b.key(name, "wait")).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", name, err)
		}
		n++
	}
}

// Reserve SET NX 占用任务 ID，Ack 不删除标记
func (b *RedisBackend) Reserve(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.uniqueKey(jobID), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve job %s: %w", jobID, err)
	}
	return ok, nil
}

// Release 删除占用标记
func (b *RedisBackend) Release(ctx context.Context, jobID string) error {
	if err := b.client.Del(ctx, b.uniqueKey(jobID)).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return nil
}

// Counts 队列统计
func (b *RedisBackend) Counts(ctx context.Context, name vo.QueueName) (Counts, error) {
	pipe := b.client.Pipeline()
	wait := pipe.LLen(ctx, b.key(name, "wait"))
	active := pipe.LLen(ctx, b.key(name, "active"))
	delayed := pipe.ZCard(ctx, b.key(name, "delayed"))
	failed := pipe.ZCard(ctx, b.key(name, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", name, err)
	}
	return Counts{
		Waiting: wait.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

// Close 客户端由 Redis 资源统一关闭
func (b *RedisBackend) Close() error {
	return nil
}
