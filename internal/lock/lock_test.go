package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab-lab/autonomy/internal/errcode"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := NewRedisLockerWithClient(context.Background(), client)
	require.NoError(t, err)
	return l, mr
}

func TestRedisAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLocker(t)

	lease, err := l.Acquire(ctx, "task:t1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)

	_, err = l.Acquire(ctx, "task:t1", time.Minute)
	assert.True(t, errcode.HasCode(err, errcode.LockUnavailable))

	// A different name is unaffected.
	_, err = l.Acquire(ctx, "task:t2", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, l.Release(ctx, lease))
	_, err = l.Acquire(ctx, "task:t1", time.Minute)
	assert.NoError(t, err)
}

func TestRedisFenceIncreasesAcrossHolders(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLocker(t)

	a, err := l.Acquire(ctx, "job:executor", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, a))

	b, err := l.Acquire(ctx, "job:executor", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, b.Fence, a.Fence)
}

func TestRedisRenewAfterExpiryIsStale(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	lease, err := l.Acquire(ctx, "task:t1", 500*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(time.Second)

	err = l.Renew(ctx, lease, time.Minute)
	assert.True(t, errcode.HasCode(err, errcode.LockStale))
	err = l.Release(ctx, lease)
	assert.True(t, errcode.HasCode(err, errcode.LockStale))
}

func TestRedisRenewRejectsOtherHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	lease, err := l.Acquire(ctx, "task:t1", 500*time.Millisecond)
	require.NoError(t, err)

	// Lease expires and someone else takes the name.
	mr.FastForward(time.Second)
	other, err := l.Acquire(ctx, "task:t1", time.Minute)
	require.NoError(t, err)

	err = l.Renew(ctx, lease, time.Minute)
	assert.True(t, errcode.HasCode(err, errcode.LockStale))
	err = l.Release(ctx, lease)
	assert.True(t, errcode.HasCode(err, errcode.LockStale), "stale release must not evict the new holder")

	owner, err := l.Owner(ctx, "task:t1")
	require.NoError(t, err)
	assert.Equal(t, other.Token, owner)
}

func TestRedisRenewExtendsTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	lease, err := l.Acquire(ctx, "task:t1", time.Second)
	require.NoError(t, err)

	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, l.Renew(ctx, lease, time.Second))

	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, l.Renew(ctx, lease, time.Second), "renew inside the extended window succeeds")
}

func TestMemoryLockerMatchesRedisSemantics(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	lease, err := l.Acquire(ctx, "task:t1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "task:t1", time.Minute)
	assert.True(t, errcode.HasCode(err, errcode.LockUnavailable))

	// Expiry frees the name and the fence keeps rising.
	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "task:t1", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, second.Fence, lease.Fence)

	err = l.Release(ctx, lease)
	assert.True(t, errcode.HasCode(err, errcode.LockStale))
	assert.NoError(t, l.Release(ctx, second))
}
