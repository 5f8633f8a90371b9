package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseLocker checks mutual exclusion on one key and independence of
// distinct keys.
func exerciseLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	t.Run("MutualExclusion", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
			entered int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, InstanceKey(1))
				if !assert.NoError(t, err) {
					return
				}
				defer unlock()

				mu.Lock()
				inside++
				entered++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
		assert.Equal(t, 10, entered)
	})

	t.Run("DistinctKeysDoNotBlock", func(t *testing.T) {
		unlockA, err := l.Lock(ctx, InstanceKey(2))
		require.NoError(t, err)
		defer unlockA()

		done := make(chan struct{})
		go func() {
			defer close(done)
			unlockB, err := l.Lock(ctx, InstanceKey(3))
			if assert.NoError(t, err) {
				unlockB()
			}
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("lock on a different key blocked")
		}
	})

	t.Run("ContextCancelledWhileWaiting", func(t *testing.T) {
		unlock, err := l.Lock(ctx, InstanceKey(4))
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = l.Lock(waitCtx, InstanceKey(4))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock() // second release is a no-op

		again, err := l.Lock(ctx, InstanceKey(4))
		require.NoError(t, err)
		again()
	})
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	exerciseLocker(t, km)
	assert.Equal(t, 0, km.Len(), "released keys are dropped")
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("APPROVAL_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	client.FlushDB(ctx)

	l := NewRedisLocker(client, WithTTL(5*time.Second), WithRetryDelay(5*time.Millisecond))
	exerciseLocker(t, l)

	t.Run("ReleaseKeepsForeignToken", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "expired")
		require.NoError(t, err)
		// Simulate expiry followed by another holder.
		require.NoError(t, client.Set(ctx, redisLockPrefix+"expired", "someone-else", time.Minute).Err())
		unlock()
		assert.Equal(t, "someone-else", client.Get(ctx, redisLockPrefix+"expired").Val())
	})

	t.Run("TTLApplied", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "ttl")
		require.NoError(t, err)
		defer unlock()
		ttl := client.TTL(ctx, redisLockPrefix+"ttl").Val()
		assert.True(t, ttl > 0 && ttl <= 5*time.Second, "ttl=%v", ttl)
	})
}
