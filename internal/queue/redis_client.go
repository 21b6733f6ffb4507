package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// receiveScript returns expired leases to the ready list, then leases up to
// ARGV[3] messages. Messages received more than ARGV[4] times go to the
// dead-letter list instead. Returns flat (id, body, receive count) triples.
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("RPUSH", KEYS[1], id)
end

local out = {}
local want = tonumber(ARGV[3])
local maxReceives = tonumber(ARGV[4])
while #out < want * 3 do
	local id = redis.call("RPOP", KEYS[1])
	if not id then
		break
	end
	local body = redis.call("HGET", KEYS[3], id)
	if body then
		local count = redis.call("HINCRBY", KEYS[4], id, 1)
		if maxReceives > 0 and count > maxReceives then
			redis.call("LPUSH", KEYS[5], body)
			redis.call("HDEL", KEYS[3], id)
			redis.call("HDEL", KEYS[4], id)
		else
			redis.call("ZADD", KEYS[2], now + tonumber(ARGV[2]), id)
			table.insert(out, id)
			table.insert(out, body)
			table.insert(out, tostring(count))
		end
	end
end
return out`)

// RedisQueue implements WorkQueue on Redis lists, a lease sorted set and
// a body hash
type RedisQueue struct {
	client redis.UniversalClient
	name   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// RedisConfig holds Redis queue configuration
type RedisConfig struct {
	URL       string
	QueueName string
}

// NewRedisClient connects to Redis and returns a lease queue named cfg.QueueName
func NewRedisClient(cfg RedisConfig, opts Options, logger *slog.Logger) (WorkQueue, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		slog.String("addr", redisOpts.Addr),
		slog.String("queue", cfg.QueueName),
	)

	return NewRedisQueue(client, cfg.QueueName, opts, logger), nil
}

// NewRedisQueue builds a lease queue on an existing client
func NewRedisQueue(client redis.UniversalClient, name string, opts Options, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func (q *RedisQueue) readyKey() string    { return q.name + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) bodiesKey() string   { return q.name + ":bodies" }
func (q *RedisQueue) receivesKey() string { return q.name + ":receives" }
func (q *RedisQueue) deadKey() string     { return q.name + ":dead" }

// Publish stores the body and pushes its id onto the ready list
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	id := uuid.NewString()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.bodiesKey(), id, body)
		pipe.LPush(ctx, q.readyKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job to queue: %w", err)
	}

	q.logger.Debug("job published to queue",
		slog.String("queue", q.name),
		slog.String("envelope_id", id),
	)

	return nil
}

// Receive polls until at least one envelope is leased, wait elapses or ctx ends
func (q *RedisQueue) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Envelope, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}
	deadline := time.Now().Add(wait)

	for {
		envs, err := q.tryReceive(ctx, maxBatch)
		if err != nil || len(envs) > 0 {
			return envs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.opts.PollInterval, remaining)):
		}
	}
}

func (q *RedisQueue) tryReceive(ctx context.Context, maxBatch int) ([]*Envelope, error) {
	keys := []string{q.readyKey(), q.inflightKey(), q.bodiesKey(), q.receivesKey(), q.deadKey()}
	raw, err := receiveScript.Run(ctx, q.client, keys,
		q.now().UnixMilli(),
		q.opts.VisibilityTimeout.Milliseconds(),
		maxBatch,
		q.opts.MaxReceives,
	).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to receive from queue: %w", err)
	}

	envs := make([]*Envelope, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		count, _ := strconv.Atoi(raw[i+2])
		envs = append(envs, &Envelope{
			ID:           raw[i],
			Body:         []byte(raw[i+1]),
			ReceiveCount: count,
			receipt:      raw[i],
		})
	}
	return envs, nil
}

// Ack deletes the envelope and its lease
func (q *RedisQueue) Ack(ctx context.Context, env *Envelope) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), env.ID)
		pipe.HDel(ctx, q.bodiesKey(), env.ID)
		pipe.HDel(ctx, q.receivesKey(), env.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack envelope %s: %w", env.ID, err)
	}
	return nil
}

// DeadLetter pushes the envelope body to the dead-letter list and drops it
func (q *RedisQueue) DeadLetter(ctx context.Context, env *Envelope) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.deadKey(), env.Body)
		pipe.ZRem(ctx, q.inflightKey(), env.ID)
		pipe.HDel(ctx, q.bodiesKey(), env.ID)
		pipe.HDel(ctx, q.receivesKey(), env.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter envelope %s: %w", env.ID, err)
	}
	return nil
}

// Nack leaves the lease in place; the envelope becomes visible again once
// the visibility timeout lapses
func (q *RedisQueue) Nack(context.Context, *Envelope) error {
	return nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	q.logger.Info("closing Redis connection", slog.String("queue", q.name))
	return q.client.Close()
}

// Health checks if Redis is healthy
func (q *RedisQueue) Health(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// QueueLength returns the number of jobs waiting in the queue (for monitoring)
func (q *RedisQueue) QueueLength(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// DeadLetterLength returns the number of dead-lettered jobs
func (q *RedisQueue) DeadLetterLength(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get dead-letter length: %w", err)
	}
	return length, nil
}
