package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OfferView is what a patient sees when opening an offer link. It is
// returned alongside ErrExpired and ErrAlreadyResponded as well, so the
// page can explain what happened.
type OfferView struct {
	Offer            *Offer
	CanRespond       bool
	RemainingSeconds int64
	Message          string
}

type RespondResult struct {
	Offer       *Offer
	Entry       *Entry
	Appointment *Appointment
	// NextOffer is set when a decline cascaded the slot to another entry.
	NextOffer *Offer
	// Abandoned is set when a decline ended the chain.
	Abandoned bool
}

func (s *Service) view(o *Offer) *OfferView {
	v := &OfferView{Offer: o}
	switch o.Status {
	case OfferPending:
		v.CanRespond = true
		v.RemainingSeconds = int64(o.ExpiresAt.Sub(s.clock.Now()) / time.Second)
		v.Message = fmt.Sprintf("This offer is held for you until %s.", s.formatTime(o.ExpiresAt))
	case OfferExpired:
		v.Message = fmt.Sprintf("This offer expired at %s.", s.formatTime(o.ExpiresAt))
	case OfferAccepted:
		v.Message = fmt.Sprintf("You already accepted this offer on %s.", s.formatTime(derefTime(o.RespondedAt)))
	case OfferDeclined:
		v.Message = fmt.Sprintf("You declined this offer on %s.", s.formatTime(derefTime(o.RespondedAt)))
	}
	return v
}

func (s *Service) formatTime(t time.Time) string {
	return t.In(s.loc).Format("Mon, Jan 2 at 3:04 PM")
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// GetOfferByToken returns the offer behind a link, expiring it first if its
// deadline has passed.
func (s *Service) GetOfferByToken(ctx context.Context, token string) (*OfferView, error) {
	o, err := s.offers.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	o, err = s.settle(ctx, o)
	if err != nil {
		return nil, err
	}

	v := s.view(o)
	switch o.Status {
	case OfferExpired:
		return v, ErrExpired
	case OfferAccepted, OfferDeclined:
		return v, ErrAlreadyResponded
	}
	return v, nil
}

// RespondToOffer applies a patient's accept or decline. Repeating a
// response returns ErrAlreadyResponded and changes nothing.
func (s *Service) RespondToOffer(ctx context.Context, token string, action Action, declineReason string) (*RespondResult, error) {
	if action != Accept && action != Decline {
		return nil, invalid("action", "must be accept or decline")
	}

	o, err := s.offers.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	o, err = s.settle(ctx, o)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case OfferPending:
	case OfferExpired:
		return nil, ErrExpired
	default:
		return nil, &StateError{Entity: "offer", ID: o.ID, Current: string(o.Status), Err: ErrAlreadyResponded}
	}

	if action == Accept {
		return s.accept(ctx, o)
	}
	return s.decline(ctx, o, strings.TrimSpace(declineReason))
}

// ErrNoPendingOffer is returned when staff answer for an entry that has no
// offer out.
var ErrNoPendingOffer = fmt.Errorf("%w: entry has no pending offer", ErrInvalidState)

// RespondForEntry lets staff record a patient's answer, given over the phone
// or at the desk, against the entry's pending offer.
func (s *Service) RespondForEntry(ctx context.Context, entryID string, action Action, declineReason string) (*RespondResult, error) {
	e, err := s.entries.Find(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	o, err := s.repo.PendingOfferForEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil, &StateError{Entity: "entry", ID: e.ID, Current: string(e.Status), Err: ErrNoPendingOffer}
	}
	if err != nil {
		return nil, fmt.Errorf("load pending offer: %w", err)
	}
	return s.RespondToOffer(ctx, o.OfferToken, action, declineReason)
}

func (s *Service) accept(ctx context.Context, o *Offer) (*RespondResult, error) {
	if s.booker == nil {
		return nil, errors.New("no booking collaborator configured")
	}
	// Claim the offer before booking. Once it is accepted neither a decline
	// nor an expiry can cascade the slot away.
	accepted, err := s.offers.Resolve(ctx, o, OfferAccepted, "")
	if err != nil {
		return nil, err
	}
	held, err := s.offers.Hold(ctx, accepted, s.clock.Now().Add(bookingHold))
	if err != nil || !held {
		if err == nil {
			err = ErrConflict
		}
		return nil, s.abandonAccept(ctx, accepted, err)
	}

	bookCtx, cancel := context.WithTimeout(ctx, bookingHold)
	appt, err := s.booker.CreateAppointment(bookCtx, BookingRequest{
		IdempotencyKey: o.ID,
		PatientID:      o.PatientID,
		PatientName:    o.PatientName,
		PatientPhone:   o.PatientPhone,
		PatientEmail:   o.PatientEmail,
		Slot:           o.Slot,
	})
	cancel()
	if err != nil {
		return nil, s.abandonAccept(ctx, accepted, fmt.Errorf("book appointment: %w", err))
	}
	s.offers.ReleaseLock(ctx, accepted)

	minutes := responseMinutes(accepted)
	entry, err := s.entries.Update(ctx, o.WaitlistEntryID, func(e *Entry) error {
		e.Status = EntryBooked
		e.BookedAt = accepted.RespondedAt
		e.AcceptedOffers++
		recordResponse(e, minutes)
		return nil
	})
	if err != nil {
		s.log.Error("mark entry booked", zap.String("entry_id", o.WaitlistEntryID), zap.Error(err))
	}

	s.logEvent(ctx, EventOfferAccepted, o.WaitlistEntryID, o.ID, map[string]any{
		"appointment_id":   appt.ID,
		"response_minutes": minutes,
		"cascade_level":    o.CascadeLevel,
	})
	s.deliver(ctx, o.SentVia, o.PatientPhone, o.PatientEmail, TemplateSlotOfferAccepted, offerVars(accepted, s.loc, ""))

	return &RespondResult{Offer: accepted, Entry: entry, Appointment: appt}, nil
}

// abandonAccept reopens an offer whose booking did not go through. If the
// offer lapsed meanwhile it expires and cascades like any other.
func (s *Service) abandonAccept(ctx context.Context, accepted *Offer, cause error) error {
	reopened, err := s.offers.Reopen(ctx, accepted)
	if err != nil {
		s.log.Error("reopen offer after failed booking", zap.String("offer_id", accepted.ID), zap.Error(err))
		return cause
	}
	if _, err := s.settle(ctx, reopened); err != nil {
		s.log.Error("settle reopened offer", zap.String("offer_id", reopened.ID), zap.Error(err))
	}
	return cause
}

func (s *Service) decline(ctx context.Context, o *Offer, reason string) (*RespondResult, error) {
	declined, err := s.offers.Resolve(ctx, o, OfferDeclined, reason)
	if err != nil {
		return nil, err
	}

	minutes := responseMinutes(declined)
	entry, err := s.entries.Update(ctx, o.WaitlistEntryID, func(e *Entry) error {
		if e.Status == EntryOffered {
			e.Status = EntryActive
		}
		e.DeclinedOffers++
		recordResponse(e, minutes)
		return nil
	})
	if err != nil {
		s.log.Error("return declined entry to waitlist", zap.String("entry_id", o.WaitlistEntryID), zap.Error(err))
	}

	s.logEvent(ctx, EventOfferDeclined, o.WaitlistEntryID, o.ID, map[string]any{
		"reason":           reason,
		"response_minutes": minutes,
		"cascade_level":    o.CascadeLevel,
	})

	next := s.continueChain(ctx, declined)
	return &RespondResult{Offer: declined, Entry: entry, NextOffer: next, Abandoned: next == nil}, nil
}

func responseMinutes(o *Offer) float64 {
	if o.RespondedAt == nil {
		return 0
	}
	return o.RespondedAt.Sub(o.SentAt).Minutes()
}

// recordResponse folds one response time into the running average.
func recordResponse(e *Entry, minutes float64) {
	n := float64(e.TotalResponses)
	e.AverageResponseTimeMinutes = (e.AverageResponseTimeMinutes*n + minutes) / (n + 1)
	e.TotalResponses++
}
