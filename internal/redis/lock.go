package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

const keyPrefix = "waitlist:lock:"

// SlotLocker keeps one hash per slot with a PEXPIRE matching the offer
// expiry, so Redis drops abandoned locks on its own. Liveness is judged by
// the stored expires_at against the locker's clock, so a lock is never
// reported held past its expiry even before Redis evicts the key.
type SlotLocker struct {
	client *redis.Client
	clock  clock.Clock
}

var _ slotlock.Locker = (*SlotLocker)(nil)

func NewSlotLocker(client *redis.Client, c clock.Clock) *SlotLocker {
	if c == nil {
		c = clock.Real{}
	}
	return &SlotLocker{client: client, clock: c}
}

func redisKey(k slotlock.Key) string {
	return keyPrefix + k.String()
}

var acquireScript = redis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires_at")
if exp and tonumber(exp) > tonumber(ARGV[2]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "offer_id", ARGV[1], "locked_at", ARGV[2], "expires_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

var transferScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "offer_id")
local exp = redis.call("HGET", KEYS[1], "expires_at")
if holder and holder ~= ARGV[1] and exp and tonumber(exp) > tonumber(ARGV[3]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "offer_id", ARGV[2], "locked_at", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

var unlockScript = redis.NewScript(`
local val = redis.call("HGET", KEYS[1], "offer_id")
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *SlotLocker) ttl(expiresAt time.Time) (time.Duration, time.Time, error) {
	now := l.clock.Now()
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		return 0, now, slotlock.ErrInvalidExpiry
	}
	return ttl, now, nil
}

func (l *SlotLocker) IsLocked(ctx context.Context, key slotlock.Key) (bool, error) {
	lock, err := l.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check slot lock: %w", err)
	}
	return lock != nil, nil
}

func (l *SlotLocker) Get(ctx context.Context, key slotlock.Key) (*slotlock.Lock, error) {
	vals, err := l.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get slot lock: %w", err)
	}
	offerID, ok := vals["offer_id"]
	if !ok {
		return nil, nil
	}
	lock := &slotlock.Lock{
		Key:       key,
		OfferID:   offerID,
		LockedAt:  parseMillis(vals["locked_at"]),
		ExpiresAt: parseMillis(vals["expires_at"]),
	}
	if !lock.ExpiresAt.After(l.clock.Now()) {
		return nil, nil
	}
	return lock, nil
}

func (l *SlotLocker) Acquire(ctx context.Context, key slotlock.Key, offerID string, expiresAt time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	ttl, now, err := l.ttl(expiresAt)
	if err != nil {
		return false, err
	}

	res, err := acquireScript.Run(ctx, l.client, []string{redisKey(key)},
		offerID, now.UnixMilli(), expiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot lock: %w", err)
	}
	return res == 1, nil
}

func (l *SlotLocker) Transfer(ctx context.Context, key slotlock.Key, fromOfferID, toOfferID string, expiresAt time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	ttl, now, err := l.ttl(expiresAt)
	if err != nil {
		return false, err
	}

	res, err := transferScript.Run(ctx, l.client, []string{redisKey(key)},
		fromOfferID, toOfferID, now.UnixMilli(), expiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("transfer slot lock: %w", err)
	}
	return res == 1, nil
}

func (l *SlotLocker) Release(ctx context.Context, key slotlock.Key, expectedOfferID string) (bool, error) {
	res, err := unlockScript.Run(ctx, l.client, []string{redisKey(key)}, expectedOfferID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release slot lock: %w", err)
	}
	return res == 1, nil
}

// Sweep is a no-op: expired keys are evicted by Redis itself.
func (l *SlotLocker) Sweep(context.Context) (int, error) {
	return 0, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
