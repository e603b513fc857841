package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
)

// maxUpdateAttempts bounds the optimistic retry loop in EntryStore.Update.
const maxUpdateAttempts = 3

// OfferInvalidator expires whatever pending offer still points at an entry
// that has just left the waitlist.
type OfferInvalidator interface {
	ExpireForEntry(ctx context.Context, entryID string) (*Offer, error)
}

// EntryStore is the only writer of entry fields. Updates to one entry are
// serialized in process by a per-id mutex and across processes by the
// repository version check.
type EntryStore struct {
	repo        EntryRepository
	clock       clock.Clock
	log         *zap.Logger
	locks       keyedMutex
	invalidator OfferInvalidator
}

func NewEntryStore(repo EntryRepository, c clock.Clock, log *zap.Logger) *EntryStore {
	return &EntryStore{repo: repo, clock: c, log: log}
}

// SetInvalidator registers the hook that runs after an entry moves to
// removed or expired.
func (s *EntryStore) SetInvalidator(inv OfferInvalidator) {
	s.invalidator = inv
}

func (s *EntryStore) Find(ctx context.Context, id string) (*Entry, error) {
	return s.repo.GetEntry(ctx, id)
}

// List returns the entries in the given statuses for which keep reports
// true. A nil keep returns them all.
func (s *EntryStore) List(ctx context.Context, keep func(*Entry) bool, statuses ...EntryStatus) ([]Entry, error) {
	all, err := s.repo.ListEntries(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if keep == nil {
		return all, nil
	}
	out := all[:0]
	for i := range all {
		if keep(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *EntryStore) Add(ctx context.Context, e *Entry) error {
	now := s.clock.Now()
	if e.WaitingSince.IsZero() {
		e.WaitingSince = now
	}
	e.UpdatedAt = now
	if err := s.repo.CreateEntry(ctx, e); err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

// Update loads the entry, applies mutate and stores the result. mutate may
// be called more than once when a concurrent writer wins the version race,
// so it must only derive the new state from the entry it is given.
// Terminal entries are never handed to mutate.
func (s *EntryStore) Update(ctx context.Context, id string, mutate func(*Entry) error) (*Entry, error) {
	updated, left, err := s.update(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	if left && s.invalidator != nil {
		if o, err := s.invalidator.ExpireForEntry(ctx, id); err != nil {
			s.log.Error("invalidate offer for departed entry", zap.String("entry_id", id), zap.Error(err))
		} else if o != nil {
			s.log.Info("pending offer invalidated",
				zap.String("entry_id", id),
				zap.String("offer_id", o.ID),
				zap.String("entry_status", string(updated.Status)),
			)
		}
	}
	return updated, nil
}

func (s *EntryStore) update(ctx context.Context, id string, mutate func(*Entry) error) (*Entry, bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if cur.Status.Terminal() {
			return nil, false, entryStateError(cur)
		}

		prev := cur.Status
		if err := mutate(cur); err != nil {
			return nil, false, err
		}
		cur.UpdatedAt = s.clock.Now()

		updated, err := s.repo.UpdateEntry(ctx, cur)
		if errors.Is(err, ErrVersionConflict) && attempt < maxUpdateAttempts {
			s.log.Debug("entry version conflict, retrying", zap.String("entry_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("update entry %s: %w", id, err)
		}

		left := !leftWaitlist(prev) && leftWaitlist(updated.Status)
		return updated, left, nil
	}
}

func leftWaitlist(s EntryStatus) bool {
	return s == EntryRemoved || s == EntryExpired
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
