package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, "test"), mr
}

func TestRedisBackend_PushPopAck(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)
	job := &Job{ID: "j1", Queue: vo.QueueTrackConversion, Payload: []byte(`{"trackId":"t1"}`), Attempts: 3}

	require.NoError(t, b.Push(ctx, job))
	assert.True(t, mr.Exists("test:job:j1"))

	got, err := b.Pop(ctx, vo.QueueTrackConversion, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, 3, got.Attempts)

	var payload vo.TrackConversionJob
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "t1", payload.TrackID)

	counts, err := b.Counts(ctx, vo.QueueTrackConversion)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1}, counts)

	require.NoError(t, b.Ack(ctx, got))
	counts, err = b.Counts(ctx, vo.QueueTrackConversion)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
	assert.False(t, mr.Exists("test:job:j1"))
}

func TestRedisBackend_SchedulePromotesWhenDue(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBackend(t)
	job := &Job{ID: "j1", Queue: vo.QueueStemProcessing, Payload: []byte(`{}`)}

	require.NoError(t, b.Schedule(ctx, job, time.Now().Add(time.Hour)))
	counts, err := b.Counts(ctx, vo.QueueStemProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	require.NoError(t, b.promoteDue(ctx, vo.QueueStemProcessing, time.Now()))
	counts, _ = b.Counts(ctx, vo.QueueStemProcessing)
	assert.Equal(t, Counts{Delayed: 1}, counts)

	require.NoError(t, b.promoteDue(ctx, vo.QueueStemProcessing, time.Now().Add(2*time.Hour)))
	counts, _ = b.Counts(ctx, vo.QueueStemProcessing)
	assert.Equal(t, Counts{Waiting: 1}, counts)
}

func TestRedisBackend_FailAndRecover(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, b.Push(ctx, &Job{ID: id, Queue: vo.QueueTrackDeletion, Payload: []byte(`{}`)}))
	}
	first, err := b.Pop(ctx, vo.QueueTrackDeletion, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := b.Pop(ctx, vo.QueueTrackDeletion, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	first.LastError = "storage unavailable"
	require.NoError(t, b.Fail(ctx, first))
	assert.True(t, mr.Exists("test:job:"+first.ID))

	n, err := b.Recover(ctx, vo.QueueTrackDeletion)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := b.Counts(ctx, vo.QueueTrackDeletion)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Failed: 1}, counts)
}

func TestRedisBackend_DropsJobWithoutPayload(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)
	_, err := mr.Lpush("test:queue:file-cleanup:wait", "ghost")
	require.NoError(t, err)

	got, err := b.Pop(ctx, vo.QueueFileCleanup, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
	counts, _ := b.Counts(ctx, vo.QueueFileCleanup)
	assert.Equal(t, Counts{}, counts)
}

func TestManager_WithRedisBackend(t *testing.T) {
	b, _ := newRedisBackend(t)
	m := NewManager(b, Options{Attempts: 2, BackoffBase: 10 * time.Millisecond, PollTimeout: time.Second})
	t.Cleanup(func() { _ = m.Stop() })

	var calls int32
	failed := make(chan string, 1)
	m.Process(vo.QueueTrackConversion, 1, func(_ context.Context, _ *Job) error {
		atomic.AddInt32(&calls, 1)
		return &errno.StorageError{Op: "upload", Err: errors.New("connection reset")}
	})
	m.OnFailed(vo.QueueTrackConversion, func(_ context.Context, job *Job, _ error) {
		failed <- job.ID
	})
	require.NoError(t, m.Start(context.Background()))

	id, err := m.Enqueue(context.Background(), vo.QueueTrackConversion, vo.TrackConversionJob{TrackID: "t1"}, nil)
	require.NoError(t, err)

	select {
	case got := <-failed:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fail")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[0].Failed)
}

func TestRedisBackend_ReserveOutlivesAck(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)

	ok, err := b.Reserve(ctx, "file-cleanup:2026-05-04", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	job := &Job{ID: "file-cleanup:2026-05-04", Queue: vo.QueueFileCleanup, Payload: []byte(`{}`)}
	require.NoError(t, b.Push(ctx, job))
	got, err := b.Pop(ctx, vo.QueueFileCleanup, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, got))

	ok, err = b.Reserve(ctx, "file-cleanup:2026-05-04", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = b.Reserve(ctx, "file-cleanup:2026-05-04", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Release(ctx, "file-cleanup:2026-05-04"))
	assert.False(t, mr.Exists("test:unique:file-cleanup:2026-05-04"))
}
