package waitlist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExpirePendingOffers expires every lapsed pending offer through the same
// path as the lazy read check, so each expiry still cascades once.
func (s *Service) ExpirePendingOffers(ctx context.Context) (int, error) {
	lapsed, err := s.repo.FindExpiredPending(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("find expired offers: %w", err)
	}

	expired := 0
	for i := range lapsed {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		cur, won, err := s.offers.CheckExpiry(ctx, &lapsed[i])
		if err != nil {
			s.log.Error("expire offer", zap.String("offer_id", lapsed[i].ID), zap.Error(err))
			continue
		}
		if won {
			s.afterExpiry(ctx, cur)
			expired++
		}
	}
	return expired, nil
}

// ExpireStaleEntries closes active entries whose availability window has
// ended or that have waited longer than the auto-expire limit. Entries with
// an offer out are left for the offer to resolve.
func (s *Service) ExpireStaleEntries(ctx context.Context) (int, error) {
	now := s.clock.Now()
	maxWait := time.Duration(s.Settings().AutoExpireAfterDays) * 24 * time.Hour

	stale, err := s.entries.List(ctx, func(e *Entry) bool {
		return !now.Before(e.AvailabilityEnd) || now.Sub(e.WaitingSince) > maxWait
	}, EntryActive)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		reason := "availability window passed"
		if now.Before(e.AvailabilityEnd) {
			reason = fmt.Sprintf("waiting longer than %d days", s.Settings().AutoExpireAfterDays)
		}

		_, err := s.entries.Update(ctx, e.ID, func(cur *Entry) error {
			if cur.Status != EntryActive {
				return entryStateError(cur)
			}
			cur.Status = EntryExpired
			cur.RemovedAt = timePtr(now)
			cur.RemovedReason = strPtr(reason)
			return nil
		})
		if err != nil {
			s.log.Debug("skip stale entry", zap.String("entry_id", e.ID), zap.Error(err))
			continue
		}
		s.logEvent(ctx, EventEntryExpired, e.ID, "", map[string]any{"reason": reason})
		expired++
	}
	return expired, nil
}

// SweepLocks drops lock records that outlived their offers.
func (s *Service) SweepLocks(ctx context.Context) (int, error) {
	n, err := s.locker.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep slot locks: %w", err)
	}
	return n, nil
}
