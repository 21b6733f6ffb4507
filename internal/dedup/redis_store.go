package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// Token-checked delete: only the holder may drop its claim
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Token-checked expiry reset
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisStore implements Store with SET NX PX on a shared Redis
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a claim store whose keys live under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "claim"
	}
	return &RedisStore{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
	}
}

// TryClaim attempts to create the claim key for id
func (s *RedisStore) TryClaim(ctx context.Context, id string, lease time.Duration) (Claim, error) {
	if strings.TrimSpace(id) == "" {
		return Claim{}, models.ErrInvalidInput("claim id is required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(id), token, lease).Result()
	if err != nil {
		return Claim{}, models.Transient("claim "+id, err)
	}
	if !ok {
		return Claim{ID: id, Outcome: AlreadyClaimed}, nil
	}
	return Claim{ID: id, Token: token, Outcome: Claimed}, nil
}

// Complete extends a won claim to retain
func (s *RedisStore) Complete(ctx context.Context, claim Claim, retain time.Duration) error {
	if !claim.Won() {
		return nil
	}
	if retain <= 0 {
		return s.Release(ctx, claim)
	}
	if err := completeScript.Run(ctx, s.client, []string{s.key(claim.ID)}, claim.Token, retain.Milliseconds()).Err(); err != nil {
		return models.Transient("complete claim "+claim.ID, err)
	}
	return nil
}

// Release deletes a won claim if the caller still holds it
func (s *RedisStore) Release(ctx context.Context, claim Claim) error {
	if !claim.Won() {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.key(claim.ID)}, claim.Token).Err(); err != nil {
		return models.Transient("release claim "+claim.ID, err)
	}
	return nil
}

// Health checks that the backing Redis answers
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("claim store health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}
