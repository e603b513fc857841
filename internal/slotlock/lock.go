// Package slotlock guards appointment slots so that at most one pending
// waitlist offer can target a (practitioner, date, start time) at a time.
package slotlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

var (
	ErrInvalidExpiry = errors.New("lock expiry must be in the future")
	ErrInvalidKey    = errors.New("lock key requires practitioner, date and start time")
)

// Key identifies a slot. Date and StartTime are taken from the slot start in UTC.
type Key struct {
	PractitionerID string
	Date           string // YYYY-MM-DD
	StartTime      string // HH:mm
}

func NewKey(practitionerID string, start time.Time) Key {
	start = start.UTC()
	return Key{
		PractitionerID: practitionerID,
		Date:           start.Format(dateLayout),
		StartTime:      start.Format(clockLayout),
	}
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.PractitionerID) == "" || k.Date == "" || k.StartTime == "" {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("slot:%s:%s:%s", k.PractitionerID, k.Date, k.StartTime)
}

type Lock struct {
	Key       Key
	OfferID   string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// Locker is the slot lock manager. Every method is a single atomic step
// against the backing store; none of them wait for a held lock.
type Locker interface {
	// IsLocked reports whether a lock exists whose expiry is still ahead.
	IsLocked(ctx context.Context, key Key) (bool, error)
	// Get returns the live lock for key, or nil when the slot is free.
	Get(ctx context.Context, key Key) (*Lock, error)
	// Acquire sets the lock for offerID unless a live lock already exists.
	Acquire(ctx context.Context, key Key, offerID string, expiresAt time.Time) (bool, error)
	// Release removes the lock only when it is held by expectedOfferID.
	Release(ctx context.Context, key Key, expectedOfferID string) (bool, error)
	// Transfer hands the lock from fromOfferID to toOfferID in one step. It
	// also succeeds when the slot is free; it fails when a different offer
	// holds a live lock.
	Transfer(ctx context.Context, key Key, fromOfferID, toOfferID string, expiresAt time.Time) (bool, error)
	// Sweep drops locks whose expiry has passed and returns how many went.
	Sweep(ctx context.Context) (int, error)
}
