package slotlock

import (
	"context"
	"sync"
	"time"

	"github.com/daminiR/medspa-waitlist/internal/clock"
)

// MemoryLocker keeps locks in a mutex guarded map. It is exact within one
// process; use the Redis or Postgres locker when several processes share slots.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[Key]Lock
	clock clock.Clock
}

func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryLocker{
		locks: make(map[Key]Lock),
		clock: c,
	}
}

// live returns the lock for key if it has not expired. Callers hold mu.
func (m *MemoryLocker) live(key Key, now time.Time) (Lock, bool) {
	l, ok := m.locks[key]
	if !ok {
		return Lock{}, false
	}
	if !l.ExpiresAt.After(now) {
		delete(m.locks, key)
		return Lock{}, false
	}
	return l, true
}

func (m *MemoryLocker) IsLocked(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key, m.clock.Now())
	return ok, nil
}

func (m *MemoryLocker) Get(_ context.Context, key Key) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(key, m.clock.Now())
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryLocker) Acquire(_ context.Context, key Key, offerID string, expiresAt time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !expiresAt.After(now) {
		return false, ErrInvalidExpiry
	}
	if _, held := m.live(key, now); held {
		return false, nil
	}
	m.locks[key] = Lock{Key: key, OfferID: offerID, LockedAt: now, ExpiresAt: expiresAt}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key Key, expectedOfferID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.OfferID != expectedOfferID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryLocker) Transfer(_ context.Context, key Key, fromOfferID, toOfferID string, expiresAt time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !expiresAt.After(now) {
		return false, ErrInvalidExpiry
	}
	if l, held := m.live(key, now); held && l.OfferID != fromOfferID {
		return false, nil
	}
	m.locks[key] = Lock{Key: key, OfferID: toOfferID, LockedAt: now, ExpiresAt: expiresAt}
	return true, nil
}

func (m *MemoryLocker) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for k, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, k)
			n++
		}
	}
	return n, nil
}
