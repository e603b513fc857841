package redisclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupLocker(t *testing.T) (*miniredis.Miniredis, *SlotLocker) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewSlotLocker(client, clock.NewFake(t0))
}

func testKey() slotlock.Key {
	return slotlock.NewKey("prac-1", t0.Add(72*time.Hour))
}

func TestSlotLocker_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	mr, l := setupLocker(t)
	key := testKey()

	ok, err := l.Acquire(ctx, key, "offer-a", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists(redisKey(key)))
	assert.Equal(t, 30*time.Minute, mr.TTL(redisKey(key)))

	ok, err = l.Acquire(ctx, key, "offer-b", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := l.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "offer-a", got.OfferID)
	assert.Equal(t, t0.Add(30*time.Minute), got.ExpiresAt)
	assert.Equal(t, t0, got.LockedAt)

	released, err := l.Release(ctx, key, "offer-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, key, "offer-a")
	require.NoError(t, err)
	assert.True(t, released)

	locked, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSlotLocker_ExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	mr, l := setupLocker(t)
	key := testKey()

	_, err := l.Acquire(ctx, key, "offer-a", t0.Add(5*time.Minute))
	require.NoError(t, err)

	mr.FastForward(5 * time.Minute)

	locked, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)

	got, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSlotLocker_ExpiresWithClock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := clock.NewFake(t0)
	l := NewSlotLocker(client, c)
	key := testKey()

	_, err := l.Acquire(ctx, key, "offer-a", t0.Add(5*time.Minute))
	require.NoError(t, err)

	// Redis still has the key; only the clock moved.
	c.Advance(5 * time.Minute)
	require.True(t, mr.Exists(redisKey(key)))

	locked, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)

	got, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := l.Acquire(ctx, key, "offer-b", c.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// A lapsed holder cannot block a transfer either.
	c.Advance(10 * time.Minute)
	ok, err = l.Transfer(ctx, key, "offer-x", "offer-c", c.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = l.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "offer-c", got.OfferID)
}

func TestSlotLocker_Transfer(t *testing.T) {
	ctx := context.Background()
	_, l := setupLocker(t)
	key := testKey()

	_, err := l.Acquire(ctx, key, "offer-a", t0.Add(30*time.Minute))
	require.NoError(t, err)

	ok, err := l.Transfer(ctx, key, "offer-z", "offer-b", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Transfer(ctx, key, "offer-a", "offer-b", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "offer-b", got.OfferID)
}

func TestSlotLocker_RejectsPastExpiry(t *testing.T) {
	_, l := setupLocker(t)
	_, err := l.Acquire(context.Background(), testKey(), "offer-a", t0.Add(-time.Second))
	assert.ErrorIs(t, err, slotlock.ErrInvalidExpiry)
}

func TestSlotLocker_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	_, l := setupLocker(t)
	key := testKey()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Acquire(ctx, key, fmt.Sprintf("offer-%d", i), t0.Add(time.Hour))
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Connect(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	for _, s := range lockScripts {
		exists, err := s.Exists(context.Background(), rdb).Result()
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, exists)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Connect(context.Background(), Options{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}
