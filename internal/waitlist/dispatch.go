package waitlist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type SendOfferOptions struct {
	// SentVia defaults to every enabled channel.
	SentVia Channel
	// ExpiryMinutes defaults to the configured offer expiry.
	ExpiryMinutes int
}

type SendOfferResult struct {
	Offer           *Offer
	ShareableURL    string
	RenderedMessage string
}

// SendOffer offers slot to one entry and starts a new chain for it.
func (s *Service) SendOffer(ctx context.Context, entryID string, slot Slot, opts SendOfferOptions) (*SendOfferResult, error) {
	settings := s.Settings()
	if opts.ExpiryMinutes == 0 {
		opts.ExpiryMinutes = settings.OfferExpiryMinutes
	}
	ch, err := s.resolveChannel(opts.SentVia)
	if err != nil {
		return nil, err
	}
	if err := validateSlot(slot, s.clock.Now(), settings.MinNotice); err != nil {
		return nil, err
	}

	if _, err := s.entries.Find(ctx, entryID); err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	if err := s.settleEntryOffer(ctx, entryID); err != nil {
		return nil, err
	}
	if err := s.settleSlotOffer(ctx, slot); err != nil {
		return nil, err
	}
	entry, err := s.entries.Find(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}

	o, err := s.offers.CreateOffer(ctx, OfferParams{
		Entry:         entry,
		Slot:          slot,
		SentVia:       ch,
		ExpiryMinutes: opts.ExpiryMinutes,
		MinNotice:     settings.MinNotice,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.entries.Update(ctx, entryID, markOffered(o.SentAt)); err != nil {
		s.offers.Abort(ctx, o)
		return nil, err
	}

	return s.announce(ctx, o), nil
}

func (s *Service) announce(ctx context.Context, o *Offer) *SendOfferResult {
	url := BuildOfferURL(s.baseURL, o.OfferToken)
	body := s.deliver(ctx, o.SentVia, o.PatientPhone, o.PatientEmail, TemplateSlotOffer, offerVars(o, s.loc, url))

	s.logEvent(ctx, EventOfferSent, o.WaitlistEntryID, o.ID, map[string]any{
		"slot":          o.Slot.Key().String(),
		"cascade_level": o.CascadeLevel,
		"chain_id":      o.ChainID,
		"expires_at":    o.ExpiresAt,
		"sent_via":      o.SentVia,
	})
	return &SendOfferResult{Offer: o, ShareableURL: url, RenderedMessage: body}
}

// FillOpenSlot offers a newly opened slot to the best ranked eligible
// entry, moving down the list past entries that cannot take an offer now.
func (s *Service) FillOpenSlot(ctx context.Context, slot Slot, opts SendOfferOptions) (*SendOfferResult, error) {
	settings := s.Settings()
	if !settings.AutoOfferEnabled {
		return nil, ErrAutoOfferDisabled
	}
	if _, err := s.resolveChannel(opts.SentVia); err != nil {
		return nil, err
	}
	if err := validateSlot(slot, s.clock.Now(), settings.MinNotice); err != nil {
		return nil, err
	}

	if err := s.settleSlotOffer(ctx, slot); err != nil {
		return nil, err
	}
	locked, err := s.locker.IsLocked(ctx, slot.Key())
	if err != nil {
		return nil, fmt.Errorf("check slot lock: %w", err)
	}
	if locked {
		return nil, ErrConflict
	}

	active, err := s.entries.List(ctx, nil, EntryActive)
	if err != nil {
		return nil, err
	}
	for _, e := range RankBySequence(eligibleFor(slot, active, nil), settings.OfferSequence) {
		res, err := s.SendOffer(ctx, e.ID, slot, opts)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
			s.log.Debug("skipping entry for open slot", zap.String("entry_id", e.ID), zap.Error(err))
			continue
		}
		return nil, err
	}
	return nil, ErrNoEligibleEntries
}

// MatchSlot scores waiting entries against a slot for staff review.
func (s *Service) MatchSlot(ctx context.Context, slot Slot, limit int, includeIneligible bool) ([]Match, error) {
	if err := validateSlot(slot, s.clock.Now(), 0); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 10
	}
	waiting, err := s.entries.List(ctx, nil, EntryActive, EntryOffered)
	if err != nil {
		return nil, err
	}

	all := ScoreMatches(waiting, slot, s.Settings(), s.clock.Now())
	out := make([]Match, 0, min(limit, len(all)))
	for _, m := range all {
		if !m.Eligible && !includeIneligible {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// settleEntryOffer runs lazy expiry on the entry's pending offer, if any.
func (s *Service) settleEntryOffer(ctx context.Context, entryID string) error {
	o, err := s.repo.PendingOfferForEntry(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending offer: %w", err)
	}
	_, err = s.settle(ctx, o)
	return err
}

// settleSlotOffer runs lazy expiry on the slot's pending offer, if any. A
// lapsed offer keeps its row pending until settled, and that row would
// otherwise block a new offer on the slot.
func (s *Service) settleSlotOffer(ctx context.Context, slot Slot) error {
	o, err := s.repo.PendingOfferForSlot(ctx, slot)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending slot offer: %w", err)
	}
	_, err = s.settle(ctx, o)
	return err
}

// settle expires o if it has lapsed. The caller that makes the transition
// also returns the entry to the waitlist and cascades the slot.
func (s *Service) settle(ctx context.Context, o *Offer) (*Offer, error) {
	cur, won, err := s.offers.CheckExpiry(ctx, o)
	if err != nil {
		return nil, err
	}
	if won {
		s.afterExpiry(ctx, cur)
	}
	return cur, nil
}

func (s *Service) afterExpiry(ctx context.Context, o *Offer) {
	now := s.clock.Now()
	entry, err := s.entries.Update(ctx, o.WaitlistEntryID, func(e *Entry) error {
		if e.Status != EntryOffered {
			return nil
		}
		if !now.Before(e.AvailabilityEnd) {
			e.Status = EntryExpired
			e.RemovedAt = timePtr(now)
			e.RemovedReason = strPtr("availability window passed")
			return nil
		}
		e.Status = EntryActive
		return nil
	})
	if err != nil {
		s.log.Warn("return entry after offer expiry", zap.String("entry_id", o.WaitlistEntryID), zap.Error(err))
	} else if entry.Status == EntryExpired {
		s.logEvent(ctx, EventEntryExpired, entry.ID, o.ID, map[string]any{"reason": "availability window passed"})
	}

	s.logEvent(ctx, EventOfferExpired, o.WaitlistEntryID, o.ID, map[string]any{
		"cascade_level": o.CascadeLevel,
		"expired_at":    o.ExpiresAt,
	})
	s.deliver(ctx, o.SentVia, o.PatientPhone, o.PatientEmail, TemplateSlotOfferExpired, offerVars(o, s.loc, ""))

	s.continueChain(ctx, o)
}

// continueChain cascades prev's slot or ends the chain. Failures end the
// chain as well; they never undo the response that triggered it.
func (s *Service) continueChain(ctx context.Context, prev *Offer) *Offer {
	settings := s.Settings()
	if depthReached(prev, settings) {
		s.offers.ReleaseLock(ctx, prev)
		s.chainEnded(ctx, prev, "maximum offers per slot reached")
		return nil
	}

	candidates, err := s.entries.List(ctx, nil, EntryActive)
	if err != nil {
		s.offers.ReleaseLock(ctx, prev)
		s.log.Error("load cascade candidates", zap.String("offer_id", prev.ID), zap.Error(err))
		s.chainEnded(ctx, prev, "candidates unavailable")
		return nil
	}

	next, err := s.cascade.CascadeToNext(ctx, prev, candidates, settings)
	switch {
	case err != nil:
		s.log.Warn("cascade stopped", zap.String("offer_id", prev.ID), zap.String("chain_id", prev.ChainID), zap.Error(err))
		s.chainEnded(ctx, prev, cascadeStopReason(err))
		return nil
	case next == nil:
		s.chainEnded(ctx, prev, "no eligible waitlist patients left")
		return nil
	}

	s.announce(ctx, next)
	return next
}

func cascadeStopReason(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "slot was claimed by another offer"
	case errors.Is(err, ErrValidation):
		return "slot is no longer offerable"
	}
	return "cascade failed"
}

// chainEnded records an abandoned slot opening and tells the front desk.
func (s *Service) chainEnded(ctx context.Context, last *Offer, reason string) {
	s.logEvent(ctx, EventCascadeExhausted, last.WaitlistEntryID, last.ID, map[string]any{
		"chain_id":      last.ChainID,
		"cascade_level": last.CascadeLevel,
		"slot":          last.Slot.Key().String(),
		"reason":        reason,
	})

	vars := slotVars(last.Slot, s.loc)
	vars["reason"] = reason
	s.deliver(ctx, ChannelStaff, "", "", TemplateSlotUnfilled, vars)

	s.log.Info("slot opening abandoned",
		zap.String("chain_id", last.ChainID),
		zap.Int("cascade_level", last.CascadeLevel),
		zap.String("reason", reason),
	)
}
