package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Minute), mr
}

func TestWithLockReleasesAfterFn(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()
	key := StatementLockKey(7, Period{Year: 2026, Month: time.March})

	err := locker.WithLock(ctx, key, func(ctx context.Context) error {
		require.True(t, mr.Exists(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists(key))
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := "billing:statement:1:2026-01:lock"
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists(key))
}

func TestWithLockSerialisesHolders(t *testing.T) {
	locker, _ := newTestLocker(t)
	key := "billing:statement:9:2026-02:lock"

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive)
}

func TestWithLockFailsWhenContextExpires(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := "billing:statement:3:2026-04:lock"
	mr.Set(key, "someone-else")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := locker.WithLock(ctx, key, func(ctx context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestReleaseLeavesForeignLockAlone(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := "billing:statement:5:2026-05:lock"

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		// Simulate TTL expiry and takeover by another holder mid-section.
		mr.Set(key, "other-token")
		return nil
	})
	require.NoError(t, err)
	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "other-token", got)
}
