package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

// MemoryRepository is a process-local Repository. It mirrors the postgres
// constraints: one pending offer per entry and per slot.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]Entry
	offers  map[string]Offer
	tokens  map[string]string // token -> offer id
	events  []EventLog
	nextEv  int64
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string]Entry),
		offers:  make(map[string]Offer),
		tokens:  make(map[string]string),
	}
}

func (r *MemoryRepository) CreateEntry(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return ErrConflict
	}
	e.Version = 1
	r.entries[e.ID] = cloneEntry(*e)
	return nil
}

func (r *MemoryRepository) GetEntry(_ context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneEntry(e)
	return &c, nil
}

func (r *MemoryRepository) ListEntries(_ context.Context, statuses ...EntryStatus) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if len(statuses) > 0 && !containsStatus(statuses, e.Status) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WaitingSince.Equal(out[j].WaitingSince) {
			return out[i].WaitingSince.Before(out[j].WaitingSince)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) UpdateEntry(_ context.Context, e *Entry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[e.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != e.Version {
		return nil, ErrVersionConflict
	}
	next := cloneEntry(*e)
	next.Version = cur.Version + 1
	r.entries[e.ID] = next

	out := cloneEntry(next)
	return &out, nil
}

func (r *MemoryRepository) CreateOffer(_ context.Context, o *Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.offers[o.ID]; exists {
		return ErrConflict
	}
	if _, exists := r.tokens[o.OfferToken]; exists {
		return ErrConflict
	}
	key := o.Slot.Key()
	for _, other := range r.offers {
		if other.Status != OfferPending {
			continue
		}
		if other.WaitlistEntryID == o.WaitlistEntryID || other.Slot.Key() == key {
			return ErrConflict
		}
	}

	r.offers[o.ID] = cloneOffer(*o)
	r.tokens[o.OfferToken] = o.ID
	return nil
}

func (r *MemoryRepository) GetOffer(_ context.Context, id string) (*Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneOffer(o)
	return &c, nil
}

func (r *MemoryRepository) GetOfferByToken(_ context.Context, token string) (*Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneOffer(r.offers[id])
	return &c, nil
}

func (r *MemoryRepository) UpdateOfferStatus(_ context.Context, o *Offer, from OfferStatus) (*Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.offers[o.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != from {
		return nil, ErrOfferStatusChanged
	}
	cur.Status = o.Status
	cur.RespondedAt = o.RespondedAt
	cur.ResponseAction = o.ResponseAction
	cur.DeclineReason = o.DeclineReason
	r.offers[o.ID] = cloneOffer(cur)

	out := cloneOffer(cur)
	return &out, nil
}

func (r *MemoryRepository) PendingOfferForEntry(_ context.Context, entryID string) (*Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.offers {
		if o.WaitlistEntryID == entryID && o.Status == OfferPending {
			c := cloneOffer(o)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) PendingOfferForSlot(_ context.Context, slot Slot) (*Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := slot.Key()
	for _, o := range r.offers {
		if o.Status == OfferPending && o.Slot.Key() == key {
			c := cloneOffer(o)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListOffers(_ context.Context, statuses ...OfferStatus) ([]Offer, error) {
	return r.filterOffers(func(o *Offer) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *MemoryRepository) ListChain(_ context.Context, chainID string) ([]Offer, error) {
	return r.filterOffers(func(o *Offer) bool { return o.ChainID == chainID }), nil
}

func (r *MemoryRepository) FindExpiredPending(_ context.Context, now time.Time) ([]Offer, error) {
	return r.filterOffers(func(o *Offer) bool { return o.lapsed(now) }), nil
}

func (r *MemoryRepository) filterOffers(keep func(*Offer) bool) []Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Offer
	for _, o := range r.offers {
		if keep(&o) {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].CascadeLevel < out[j].CascadeLevel
	})
	return out
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEv++
	ev.ID = r.nextEv
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

// PendingSlotKeys lists the slots that currently have a pending offer.
func (r *MemoryRepository) PendingSlotKeys() []slotlock.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []slotlock.Key
	for _, o := range r.offers {
		if o.Status == OfferPending {
			keys = append(keys, o.Slot.Key())
		}
	}
	return keys
}

func containsStatus(list []EntryStatus, s EntryStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneEntry(e Entry) Entry {
	e.OfferedAt = cloneTime(e.OfferedAt)
	e.BookedAt = cloneTime(e.BookedAt)
	e.RemovedAt = cloneTime(e.RemovedAt)
	e.LastOfferAt = cloneTime(e.LastOfferAt)
	if e.RemovedReason != nil {
		e.RemovedReason = strPtr(*e.RemovedReason)
	}
	return e
}

func cloneOffer(o Offer) Offer {
	o.RespondedAt = cloneTime(o.RespondedAt)
	if o.ResponseAction != nil {
		a := *o.ResponseAction
		o.ResponseAction = &a
	}
	if o.PreviousOfferID != nil {
		o.PreviousOfferID = strPtr(*o.PreviousOfferID)
	}
	return o
}
