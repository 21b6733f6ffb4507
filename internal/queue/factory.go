package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Lengther is implemented by backends that can report their ready depth
type Lengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// Open builds the WorkQueue named name on the backend selected by dsn's scheme
func Open(dsn, name string, opts Options, logger *slog.Logger) (WorkQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url: %w", err)
	}

	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "redis", "rediss":
		return NewRedisClient(RedisConfig{URL: dsn, QueueName: name}, opts, logger)
	case "amqp", "amqps":
		return NewAMQPClient(dsn, name, opts, logger)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(name, opts), nil
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}
