package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisQueue(t *testing.T, opts Options) (*RedisQueue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "outbound", opts, discardLogger())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestRedisQueue_PublishReceiveAck(t *testing.T) {
	q, _ := newTestRedisQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte(`{"outbound_message_id":1}`)))
	require.NoError(t, q.Publish(ctx, []byte(`{"outbound_message_id":2}`)))

	length, err := q.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	envs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.JSONEq(t, `{"outbound_message_id":1}`, string(envs[0].Body))
	assert.JSONEq(t, `{"outbound_message_id":2}`, string(envs[1].Body))
	assert.Equal(t, 1, envs[0].ReceiveCount)

	for _, env := range envs {
		require.NoError(t, q.Ack(ctx, env))
	}

	envs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestRedisQueue_UnackedEnvelopeRedeliveredAfterVisibilityTimeout(t *testing.T) {
	q, now := newTestRedisQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("job")))

	first, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, q.Nack(ctx, first[0]))

	hidden, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, hidden, "leased envelope must stay hidden until its lease lapses")

	*now = now.Add(61 * time.Second)

	again, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].ReceiveCount)
}

func TestRedisQueue_DeadLettersAfterMaxReceives(t *testing.T) {
	q, now := newTestRedisQueue(t, Options{VisibilityTimeout: time.Second, MaxReceives: 2})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("poison")))

	for i := 1; i <= 2; i++ {
		envs, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, i, envs[0].ReceiveCount)
		*now = now.Add(2 * time.Second)
	}

	envs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)

	dead, err := q.DeadLetterLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestRedisQueue_ReceiveHonoursWaitAndContext(t *testing.T) {
	q, _ := newTestRedisQueue(t, Options{PollInterval: 10 * time.Millisecond})

	start := time.Now()
	envs, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Receive(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_SelectsBackendByScheme(t *testing.T) {
	q, err := Open("memory://", "inbound", Options{}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	mr := miniredis.RunT(t)
	q, err = Open("redis://"+mr.Addr(), "inbound", Options{}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedisQueue{}, q)
	require.NoError(t, q.Close())

	_, err = Open("kafka://broker:9092", "inbound", Options{}, discardLogger())
	assert.Error(t, err)

	_, err = Open("", "inbound", Options{}, discardLogger())
	assert.Error(t, err)
}

func TestRedisQueue_DeadLetterRemovesLease(t *testing.T) {
	q, now := newTestRedisQueue(t, Options{VisibilityTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("poison")))
	envs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	require.NoError(t, q.DeadLetter(ctx, envs[0]))

	*now = now.Add(5 * time.Second)
	envs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, envs, "a dead-lettered envelope is not redelivered")

	dead, err := q.DeadLetterLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}
