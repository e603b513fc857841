package waitlist

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

const tokenBytes = 32

// bookingHold is how long an accepted offer keeps its slot while the
// appointment is written.
const bookingHold = 2 * time.Minute

// ErrEntryHasPendingOffer is returned when an entry already has an offer out.
var ErrEntryHasPendingOffer = fmt.Errorf("%w: entry already has a pending offer", ErrInvalidState)

// OfferParams describes one offer to create.
type OfferParams struct {
	Entry         *Entry
	Slot          Slot
	SentVia       Channel
	ExpiryMinutes int
	MinNotice     time.Duration
	CascadeLevel  int
	// Previous links the offer into an existing chain. Nil starts a chain.
	Previous *Offer
	// TransferFrom names the offer whose slot lock is handed over. Empty
	// means the lock is acquired fresh.
	TransferFrom string
}

// OfferManager creates offers, resolves them by token and expires them. It
// never touches entries.
type OfferManager struct {
	repo   OfferRepository
	locker slotlock.Locker
	clock  clock.Clock
	log    *zap.Logger
}

func NewOfferManager(repo OfferRepository, locker slotlock.Locker, c clock.Clock, log *zap.Logger) *OfferManager {
	return &OfferManager{repo: repo, locker: locker, clock: c, log: log}
}

func validateSlot(slot Slot, now time.Time, minNotice time.Duration) error {
	switch {
	case strings.TrimSpace(slot.PractitionerID) == "":
		return invalid("slot.practitioner_id", "is required")
	case slot.StartTime.IsZero():
		return invalid("slot.start_time", "is required")
	case slot.EndTime.IsZero():
		return invalid("slot.end_time", "is required")
	case !slot.EndTime.After(slot.StartTime):
		return invalid("slot.end_time", "must be after start_time")
	case slot.DurationMinutes <= 0:
		return invalid("slot.duration_minutes", "must be positive")
	case strings.TrimSpace(slot.ServiceName) == "":
		return invalid("slot.service_name", "is required")
	case !slot.StartTime.After(now):
		return invalid("slot.start_time", "must be in the future")
	case slot.StartTime.Sub(now) < minNotice:
		return invalid("slot.start_time", "is within the %s minimum notice", minNotice)
	}
	return nil
}

func validateOfferParams(p OfferParams, now time.Time) error {
	if p.Entry == nil {
		return invalid("entry", "is required")
	}
	if err := validateSlot(p.Slot, now, p.MinNotice); err != nil {
		return err
	}
	if p.ExpiryMinutes < 5 || p.ExpiryMinutes > 1440 {
		return invalid("expiry_minutes", "must be between 5 and 1440")
	}
	if !p.SentVia.validForOffer() {
		return invalid("sent_via", "must be sms, email or both")
	}
	if p.CascadeLevel < 0 {
		return invalid("cascade_level", "must not be negative")
	}
	return nil
}

// CreateOffer locks the slot and persists a pending offer. It returns
// ErrConflict when the slot is held by another offer, and leaves the entry
// untouched in every case.
func (m *OfferManager) CreateOffer(ctx context.Context, p OfferParams) (*Offer, error) {
	now := m.clock.Now()
	if err := validateOfferParams(p, now); err != nil {
		return nil, err
	}
	e := p.Entry
	if e.Status != EntryActive && e.Status != EntryOffered {
		return nil, entryStateError(e)
	}

	// A lapsed offer still counts here; callers settle it first so that its
	// own cascade runs.
	if _, err := m.repo.PendingOfferForEntry(ctx, e.ID); err == nil {
		return nil, ErrEntryHasPendingOffer
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check pending offer: %w", err)
	}

	token, err := newOfferToken()
	if err != nil {
		return nil, fmt.Errorf("generate offer token: %w", err)
	}

	o := &Offer{
		ID:              uuid.NewString(),
		OfferToken:      token,
		WaitlistEntryID: e.ID,
		PatientID:       e.PatientID,
		PatientName:     e.PatientName,
		PatientPhone:    e.PatientPhone,
		PatientEmail:    e.PatientEmail,
		Slot:            p.Slot,
		SentAt:          now,
		ExpiresAt:       now.Add(time.Duration(p.ExpiryMinutes) * time.Minute),
		Status:          OfferPending,
		SentVia:         p.SentVia,
		CascadeLevel:    p.CascadeLevel,
	}
	o.ChainID = o.ID
	if p.Previous != nil {
		o.PreviousOfferID = strPtr(p.Previous.ID)
		o.ChainID = p.Previous.ChainID
	}

	key := p.Slot.Key()
	var locked bool
	if p.TransferFrom != "" {
		locked, err = m.locker.Transfer(ctx, key, p.TransferFrom, o.ID, o.ExpiresAt)
	} else {
		locked, err = m.locker.Acquire(ctx, key, o.ID, o.ExpiresAt)
	}
	if err != nil {
		return nil, fmt.Errorf("lock slot: %w", err)
	}
	if !locked {
		return nil, ErrConflict
	}

	if err := m.repo.CreateOffer(ctx, o); err != nil {
		m.release(ctx, o)
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("persist offer: %w", err)
	}

	m.log.Info("offer created",
		zap.String("offer_id", o.ID),
		zap.String("entry_id", e.ID),
		zap.String("slot", key.String()),
		zap.Int("cascade_level", o.CascadeLevel),
		zap.Time("expires_at", o.ExpiresAt),
	)
	return o, nil
}

func (m *OfferManager) GetByToken(ctx context.Context, token string) (*Offer, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return m.repo.GetOfferByToken(ctx, token)
}

// CheckExpiry expires a lapsed pending offer and frees its slot. The bool
// reports whether this call made the transition; only that caller should
// act on it.
func (m *OfferManager) CheckExpiry(ctx context.Context, o *Offer) (*Offer, bool, error) {
	if !o.lapsed(m.clock.Now()) {
		return o, false, nil
	}
	expired, won, err := m.finish(ctx, o, OfferExpired, "")
	if err != nil || !won {
		return expired, false, err
	}
	m.release(ctx, expired)
	m.log.Info("offer expired", zap.String("offer_id", o.ID), zap.String("entry_id", o.WaitlistEntryID))
	return expired, true, nil
}

// ExpireForEntry expires the entry's pending offer, if any, and frees its
// slot.
func (m *OfferManager) ExpireForEntry(ctx context.Context, entryID string) (*Offer, error) {
	o, err := m.repo.PendingOfferForEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending offer: %w", err)
	}
	expired, won, err := m.finish(ctx, o, OfferExpired, "")
	if err != nil || !won {
		return nil, err
	}
	m.release(ctx, expired)
	return expired, nil
}

// Resolve moves a pending offer to accepted or declined. A lost race comes
// back as ErrAlreadyResponded, or ErrExpired if the offer lapsed first.
// The slot lock is left alone; the caller decides whether to release or
// hand it over.
func (m *OfferManager) Resolve(ctx context.Context, o *Offer, to OfferStatus, declineReason string) (*Offer, error) {
	updated, won, err := m.finish(ctx, o, to, declineReason)
	if err != nil {
		return nil, err
	}
	if !won {
		if updated.Status == OfferExpired {
			return updated, ErrExpired
		}
		return updated, ErrAlreadyResponded
	}
	return updated, nil
}

// Abort expires an offer that could not be completed and releases its lock.
func (m *OfferManager) Abort(ctx context.Context, o *Offer) {
	if _, won, err := m.finish(ctx, o, OfferExpired, ""); err != nil {
		m.log.Error("abort offer", zap.String("offer_id", o.ID), zap.Error(err))
	} else if won {
		m.release(ctx, o)
	}
}

// Hold moves the expiry of o's lock to until. It reports false when the lock
// already belongs to another offer.
func (m *OfferManager) Hold(ctx context.Context, o *Offer, until time.Time) (bool, error) {
	held, err := m.locker.Transfer(ctx, o.Slot.Key(), o.ID, o.ID, until)
	if err != nil {
		return false, fmt.Errorf("hold slot lock: %w", err)
	}
	return held, nil
}

// Reopen puts an accepted offer back to pending when its booking could not
// be made. The lock gets its original deadline back; if that has passed the
// lock is left for the next expiry check to release.
func (m *OfferManager) Reopen(ctx context.Context, accepted *Offer) (*Offer, error) {
	next := *accepted
	next.Status = OfferPending
	next.RespondedAt = nil
	next.ResponseAction = nil
	next.DeclineReason = ""

	reopened, err := m.repo.UpdateOfferStatus(ctx, &next, OfferAccepted)
	if err != nil {
		return nil, fmt.Errorf("reopen offer %s: %w", accepted.ID, err)
	}
	_, err = m.locker.Transfer(ctx, reopened.Slot.Key(), reopened.ID, reopened.ID, reopened.ExpiresAt)
	if err != nil && !errors.Is(err, slotlock.ErrInvalidExpiry) {
		m.log.Error("restore slot lock", zap.String("offer_id", reopened.ID), zap.Error(err))
	}
	return reopened, nil
}

// ReleaseLock frees the slot held by o. It never clobbers a lock that has
// moved on to another offer.
func (m *OfferManager) ReleaseLock(ctx context.Context, o *Offer) {
	m.release(ctx, o)
}

func (m *OfferManager) finish(ctx context.Context, o *Offer, to OfferStatus, declineReason string) (*Offer, bool, error) {
	next := *o
	next.Status = to
	action := responseActionFor(to)
	next.ResponseAction = &action
	next.DeclineReason = declineReason
	if to != OfferExpired {
		next.RespondedAt = timePtr(m.clock.Now())
	}

	updated, err := m.repo.UpdateOfferStatus(ctx, &next, OfferPending)
	if errors.Is(err, ErrOfferStatusChanged) {
		cur, getErr := m.repo.GetOffer(ctx, o.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("reload offer: %w", getErr)
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("update offer %s: %w", o.ID, err)
	}
	return updated, true, nil
}

func (m *OfferManager) release(ctx context.Context, o *Offer) {
	released, err := m.locker.Release(ctx, o.Slot.Key(), o.ID)
	if err != nil {
		m.log.Error("release slot lock", zap.String("offer_id", o.ID), zap.Error(err))
		return
	}
	if released {
		m.log.Debug("slot lock released", zap.String("offer_id", o.ID), zap.String("slot", o.Slot.Key().String()))
	}
}

func responseActionFor(s OfferStatus) ResponseAction {
	switch s {
	case OfferAccepted:
		return ActionAccepted
	case OfferDeclined:
		return ActionDeclined
	}
	return ActionExpired
}

func newOfferToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BuildOfferURL returns the patient-facing link for an offer token.
func BuildOfferURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/waitlist/offer/" + token
}
