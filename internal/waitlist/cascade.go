package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/config"
)

// CascadeController moves a slot opening on to the next waiting patient after
// a decline or an expiry.
type CascadeController struct {
	offers  *OfferManager
	entries *EntryStore
	chains  OfferRepository
	log     *zap.Logger
}

func NewCascadeController(offers *OfferManager, entries *EntryStore, chains OfferRepository, log *zap.Logger) *CascadeController {
	return &CascadeController{offers: offers, entries: entries, chains: chains, log: log}
}

// depthReached reports whether prev is the last offer the chain may have.
func depthReached(prev *Offer, settings config.Settings) bool {
	return prev.CascadeLevel >= settings.MaxOffersPerSlot-1
}

// eligibleFor keeps the entries that could take slot, skipping ids in exclude.
func eligibleFor(slot Slot, entries []Entry, exclude map[string]bool) []Entry {
	var out []Entry
	for i := range entries {
		e := &entries[i]
		if e.Status != EntryActive || exclude[e.ID] {
			continue
		}
		if !servicesMatch(e, slot) || e.ServiceDurationMinutes > slot.DurationMinutes || !e.Covers(slot) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// CascadeToNext offers prev's slot to the best remaining candidate.
//
// It takes over whatever slot lock prev still holds: on return the lock
// belongs to the new offer, or it has been released. A nil offer with a nil
// error means no candidate was left.
func (c *CascadeController) CascadeToNext(ctx context.Context, prev *Offer, candidates []Entry, settings config.Settings) (*Offer, error) {
	next, err := c.cascade(ctx, prev, candidates, settings)
	if next == nil {
		c.offers.ReleaseLock(ctx, prev)
	}
	return next, err
}

func (c *CascadeController) cascade(ctx context.Context, prev *Offer, candidates []Entry, settings config.Settings) (*Offer, error) {
	if depthReached(prev, settings) {
		return nil, nil
	}

	chain, err := c.chains.ListChain(ctx, prev.ChainID)
	if err != nil {
		return nil, fmt.Errorf("load offer chain: %w", err)
	}
	if len(chain) >= settings.MaxOffersPerSlot {
		return nil, nil
	}
	visited := map[string]bool{prev.WaitlistEntryID: true}
	for _, o := range chain {
		visited[o.WaitlistEntryID] = true
	}

	for _, cand := range RankForCascade(eligibleFor(prev.Slot, candidates, visited)) {
		// Candidates are a snapshot; read the entry again before offering.
		fresh, err := c.entries.Find(ctx, cand.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if fresh.Status != EntryActive {
			continue
		}

		o, err := c.offers.CreateOffer(ctx, OfferParams{
			Entry:         fresh,
			Slot:          prev.Slot,
			SentVia:       prev.SentVia,
			ExpiryMinutes: settings.OfferExpiryMinutes,
			MinNotice:     settings.MinNotice,
			CascadeLevel:  prev.CascadeLevel + 1,
			Previous:      prev,
			TransferFrom:  prev.ID,
		})
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if _, err := c.entries.Update(ctx, fresh.ID, markOffered(o.SentAt)); err != nil {
			// The offer counts against the chain, so stop here rather than
			// try another candidate.
			c.offers.Abort(ctx, o)
			return nil, fmt.Errorf("mark entry offered: %w", err)
		}

		c.log.Info("slot cascaded",
			zap.String("chain_id", o.ChainID),
			zap.String("previous_offer_id", prev.ID),
			zap.String("offer_id", o.ID),
			zap.String("entry_id", fresh.ID),
			zap.Int("cascade_level", o.CascadeLevel),
		)
		return o, nil
	}
	return nil, nil
}

// markOffered is the entry transition that follows a successful offer.
func markOffered(at time.Time) func(*Entry) error {
	return func(e *Entry) error {
		if e.Status != EntryActive && e.Status != EntryOffered {
			return entryStateError(e)
		}
		e.Status = EntryOffered
		e.OfferCount++
		e.OfferedAt = timePtr(at)
		e.LastOfferAt = timePtr(at)
		return nil
	}
}
