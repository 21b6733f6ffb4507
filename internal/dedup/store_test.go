package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "claim"), mr
}

func storesUnderTest(t *testing.T) map[string]Store {
	redisStore, _ := newTestRedisStore(t)
	return map[string]Store{
		"redis":  redisStore,
		"memory": NewMemoryStore(),
	}
}

func TestStore_ConcurrentClaimsExactlyOneWins(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const workers = 32
			var (
				wg      sync.WaitGroup
				claimed atomic.Int32
				dupes   atomic.Int32
				start   = make(chan struct{})
			)

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					claim, err := store.TryClaim(context.Background(), "inbound:wamid.1", time.Minute)
					if !assert.NoError(t, err) {
						return
					}
					if claim.Won() {
						claimed.Add(1)
					} else {
						dupes.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), claimed.Load())
			assert.Equal(t, int32(workers-1), dupes.Load())
		})
	}
}

func TestStore_ReleaseAllowsReclaim(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.TryClaim(ctx, "inbound:a", time.Minute)
			require.NoError(t, err)
			require.True(t, first.Won())

			require.NoError(t, store.Release(ctx, first))

			second, err := store.TryClaim(ctx, "inbound:a", time.Minute)
			require.NoError(t, err)
			assert.True(t, second.Won())
			assert.NotEqual(t, first.Token, second.Token)
		})
	}
}

func TestStore_ReleaseIgnoresForeignToken(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			held, err := store.TryClaim(ctx, "inbound:b", time.Minute)
			require.NoError(t, err)

			stale := Claim{ID: "inbound:b", Token: "someone-else", Outcome: Claimed}
			require.NoError(t, store.Release(ctx, stale))

			again, err := store.TryClaim(ctx, "inbound:b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, AlreadyClaimed, again.Outcome)

			require.NoError(t, store.Release(ctx, held))
		})
	}
}

func TestRedisStore_LeaseExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	claim, err := store.TryClaim(ctx, "inbound:c", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claim.Won())
	held, err := mr.Get("claim:inbound:c")
	require.NoError(t, err)
	assert.Equal(t, claim.Token, held)

	mr.FastForward(16 * time.Minute)

	reclaim, err := store.TryClaim(ctx, "inbound:c", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaim.Won())
}

func TestRedisStore_CompleteRetainsClaim(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	claim, err := store.TryClaim(ctx, "inbound:d", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, claim, time.Hour))

	mr.FastForward(30 * time.Minute)

	dup, err := store.TryClaim(ctx, "inbound:d", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, dup.Outcome)
}

func TestRedisStore_FailsClosedWhenUnavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	_, err := store.TryClaim(context.Background(), "inbound:e", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestMemoryStore_LeaseExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	claim, err := store.TryClaim(ctx, "inbound:f", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claim.Won())

	now = now.Add(10 * time.Minute)
	dup, err := store.TryClaim(ctx, "inbound:f", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, dup.Outcome)

	now = now.Add(6 * time.Minute)
	reclaim, err := store.TryClaim(ctx, "inbound:f", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaim.Won())
}

func TestStore_RejectsEmptyID(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.TryClaim(context.Background(), "  ", time.Minute)
			assert.True(t, models.IsPermanent(err))
		})
	}
}
