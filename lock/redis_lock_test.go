package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLock_TryLock(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx := context.Background()
	key := "pullsub:receiver:projects/p/subscriptions/s"

	lease, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, lease.Key())

	_, err = l.TryLock(ctx, key)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lease.Release(ctx))

	again, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLock_InvalidKey(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedisLock(client)

	_, err := l.TryLock(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidLockKey)
	_, err = l.Lock(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidLockKey)
}

func TestRedisLock_CancelledContext(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.TryLock(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisLock_LockWaitsForRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx := context.Background()

	held, err := l.TryLock(ctx, "shared")
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	lease, err := l.Lock(ctx, "shared", WithRetryDelay(20*time.Millisecond), WithRetries(100))
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisLock_RenewKeepsLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx := context.Background()

	lease, err := l.TryLock(ctx, "renewed", WithExpiry(300*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	assert.True(t, mr.Exists("renewed"))
	assert.Greater(t, mr.TTL("renewed"), time.Duration(0))
	select {
	case <-lease.Lost():
		t.Fatal("lease lost while renewing")
	default:
	}
	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("renewed"))
}

func TestRedisLock_LostLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx := context.Background()

	lease, err := l.TryLock(ctx, "stolen", WithExpiry(300*time.Millisecond))
	require.NoError(t, err)

	mr.Del("stolen")
	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease not reported lost")
	}
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)
}

func TestRedisLock_WithoutRenew(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLock(client)
	ctx := context.Background()

	lease, err := l.TryLock(ctx, "plain", WithRenew(false), WithExpiry(time.Second))
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := l.TryLock(ctx, "plain")
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)
	require.NoError(t, other.Release(ctx))
}
