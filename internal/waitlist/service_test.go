package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/config"
)

func newEntryInput() NewEntry {
	return NewEntry{
		PatientID:              "pat-42",
		PatientName:            "Maya Chen",
		PatientPhone:           "+15550101",
		RequestedService:       "Botox",
		ServiceCategory:        "injectables",
		ServiceDurationMinutes: 30,
		AvailabilityStart:      t0,
		AvailabilityEnd:        t0.Add(14 * 24 * time.Hour),
	}
}

func TestAddToWaitlist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.history = &MockHistory{
		GetPatientHistoryFunc: func(_ context.Context, id string) (*PatientHistoryRecord, error) {
			assert.Equal(t, "pat-42", id)
			return &PatientHistoryRecord{VisitCount: 14, TotalSpend: 3200}, nil
		},
	}

	e, err := h.svc.AddToWaitlist(ctx, newEntryInput())
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EntryActive, e.Status)
	assert.Equal(t, TierPlatinum, e.Tier)
	assert.Equal(t, PriorityMedium, e.Priority)
	assert.Equal(t, t0, e.WaitingSince)
	assert.Equal(t, int64(1), e.Version)

	confirm := h.messenger.ByTemplate(TemplateWaitlistConfirmation)
	require.Len(t, confirm, 1)
	assert.Equal(t, ChannelSMS, confirm[0].Channel)
	assert.Contains(t, confirm[0].Body, "Maya")
	assert.Equal(t, 1, h.eventCount(EventEntryAdded))
}

func TestAddToWaitlist_HistoryFailureDefaultsToSilver(t *testing.T) {
	h := newHarness(t)
	h.svc.history = &MockHistory{
		GetPatientHistoryFunc: func(context.Context, string) (*PatientHistoryRecord, error) {
			return nil, errors.New("timeout")
		},
	}

	e, err := h.svc.AddToWaitlist(context.Background(), newEntryInput())
	require.NoError(t, err)
	assert.Equal(t, TierSilver, e.Tier)
}

func TestAddToWaitlist_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		field string
		tweak func(*NewEntry)
	}{
		{"no name", "patient_name", func(n *NewEntry) { n.PatientName = "" }},
		{"no contact", "patient_phone", func(n *NewEntry) { n.PatientPhone = "" }},
		{"no service", "requested_service", func(n *NewEntry) { n.RequestedService = "" }},
		{"zero duration", "service_duration_minutes", func(n *NewEntry) { n.ServiceDurationMinutes = 0 }},
		{"inverted window", "availability_end", func(n *NewEntry) { n.AvailabilityEnd = n.AvailabilityStart }},
		{"bad priority", "priority", func(n *NewEntry) { n.Priority = "urgent" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newEntryInput()
			tt.tweak(&in)
			_, err := h.svc.AddToWaitlist(context.Background(), in)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	list, err := h.repo.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addEntry(t, "ana", TierSilver, PriorityLow, 20)
	h.addEntry(t, "ben", TierPlatinum, PriorityLow, 2)
	h.addEntry(t, "cai", TierGold, PriorityHigh, 5)
	removed := h.addEntry(t, "dee", TierGold, PriorityHigh, 9)
	require.NoError(t, h.svc.RemoveFromWaitlist(ctx, removed.ID, "moved away"))

	t.Run("default order is cascade order", func(t *testing.T) {
		page, err := h.svc.ListEntries(ctx, EntryFilter{Statuses: []EntryStatus{EntryActive}})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, []string{"ben Patient", "cai Patient", "ana Patient"}, names(page.Entries))
	})

	t.Run("filter by priority", func(t *testing.T) {
		page, err := h.svc.ListEntries(ctx, EntryFilter{Priority: PriorityHigh})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("search", func(t *testing.T) {
		page, err := h.svc.ListEntries(ctx, EntryFilter{Search: "CAI@"})
		require.NoError(t, err)
		assert.Equal(t, []string{"cai Patient"}, names(page.Entries))
	})

	t.Run("sort by waiting since", func(t *testing.T) {
		page, err := h.svc.ListEntries(ctx, EntryFilter{Statuses: []EntryStatus{EntryActive}, SortBy: SortByWaitingSince})
		require.NoError(t, err)
		assert.Equal(t, []string{"ana Patient", "cai Patient", "ben Patient"}, names(page.Entries))
	})

	t.Run("paginates", func(t *testing.T) {
		page, err := h.svc.ListEntries(ctx, EntryFilter{Page: 2, Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Len(t, page.Entries, 1)

		page, err = h.svc.ListEntries(ctx, EntryFilter{Page: 5, Limit: 3})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})

	t.Run("bad sort", func(t *testing.T) {
		_, err := h.svc.ListEntries(ctx, EntryFilter{SortBy: "name"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestUpdateEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)

	high := PriorityHigh
	notes := "prefers mornings"
	got, err := h.svc.UpdateEntry(ctx, e.ID, EntryPatch{Priority: &high, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, notes, got.Notes)
	assert.Equal(t, e.Version+1, got.Version)

	bad := Priority("asap")
	_, err = h.svc.UpdateEntry(ctx, e.ID, EntryPatch{Priority: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.UpdateEntry(ctx, "missing", EntryPatch{Notes: &notes})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEntry_RejectsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
	o := h.send(t, e)
	_, err := h.svc.RespondToOffer(ctx, o.OfferToken, Accept, "")
	require.NoError(t, err)

	notes := "late edit"
	_, err = h.svc.UpdateEntry(ctx, e.ID, EntryPatch{Notes: &notes})

	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "booked", se.Current)
	assert.ErrorIs(t, err, ErrInvalidState)

	err = h.svc.RemoveFromWaitlist(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRemoveFromWaitlist_InvalidatesPendingOffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
	o := h.send(t, e)

	require.NoError(t, h.svc.RemoveFromWaitlist(ctx, e.ID, "patient called to cancel"))

	got := h.entry(t, e.ID)
	assert.Equal(t, EntryRemoved, got.Status)
	require.NotNil(t, got.RemovedReason)
	assert.Equal(t, "patient called to cancel", *got.RemovedReason)
	assert.Equal(t, t0, *got.RemovedAt)

	assert.Equal(t, OfferExpired, h.offer(t, o.ID).Status)
	assert.Empty(t, h.lockHolder(t, o.Slot))

	_, err := h.svc.RespondToOffer(ctx, o.OfferToken, Accept, "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Zero(t, h.booker.Appointments())
}

func TestFillOpenSlot(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.AutoOfferEnabled = false })
		h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
		_, err := h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		assert.ErrorIs(t, err, ErrAutoOfferDisabled)
	})

	t.Run("slot already locked", func(t *testing.T) {
		h := newHarness(t)
		a := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
		h.addEntry(t, "ben", TierSilver, PriorityLow, 1)
		h.send(t, a)

		_, err := h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("no eligible entries", func(t *testing.T) {
		h := newHarness(t)
		e := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
		_, err := h.svc.UpdateEntry(ctx, e.ID, EntryPatch{AvailabilityEnd: timePtr(t0.Add(time.Hour))})
		require.NoError(t, err)

		_, err = h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		assert.ErrorIs(t, err, ErrNoEligibleEntries)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lapsed offer on the slot is settled first", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.MaxOffersPerSlot = 1 })
		a := h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
		h.addEntry(t, "ben", TierSilver, PriorityLow, 1)
		stale := h.send(t, a)

		h.clock.Advance(31 * time.Minute)
		res, err := h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		require.NoError(t, err)

		assert.Equal(t, OfferExpired, h.offer(t, stale.ID).Status)
		assert.NotEqual(t, stale.ChainID, res.Offer.ChainID)
		assert.Equal(t, res.Offer.ID, h.lockHolder(t, testSlot()))
	})

	t.Run("fifo sequence offers the longest waiting first", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.OfferSequence = config.SequenceFIFO })
		h.addEntry(t, "ana", TierGold, PriorityHigh, 10)
		b := h.addEntry(t, "ben", TierSilver, PriorityHigh, 30)

		res, err := h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		require.NoError(t, err)
		assert.Equal(t, b.ID, res.Offer.WaitlistEntryID)
	})

	t.Run("skips entries with an offer out", func(t *testing.T) {
		h := newHarness(t)
		busy := h.addEntry(t, "ana", TierPlatinum, PriorityHigh, 2)
		free := h.addEntry(t, "ben", TierSilver, PriorityLow, 1)

		other := testSlot()
		other.PractitionerID = "prac-2"
		_, err := h.svc.SendOffer(ctx, busy.ID, other, SendOfferOptions{})
		require.NoError(t, err)

		res, err := h.svc.FillOpenSlot(ctx, testSlot(), SendOfferOptions{})
		require.NoError(t, err)
		assert.Equal(t, free.ID, res.Offer.WaitlistEntryID)
	})
}

func TestMatchSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addEntry(t, "ana", TierSilver, PriorityLow, 2)
	best := h.addEntry(t, "ben", TierPlatinum, PriorityHigh, 9)
	wrong := h.addEntry(t, "cai", TierPlatinum, PriorityHigh, 9)
	_, err := h.svc.UpdateEntry(ctx, wrong.ID, EntryPatch{AvailabilityEnd: timePtr(t0.Add(time.Hour))})
	require.NoError(t, err)

	matches, err := h.svc.MatchSlot(ctx, testSlot(), 10, false)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, best.ID, matches[0].Entry.ID)

	all, err := h.svc.MatchSlot(ctx, testSlot(), 10, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	top, err := h.svc.MatchSlot(ctx, testSlot(), 1, true)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)

	next := h.svc.Settings()
	next.OfferExpiryMinutes = 45
	got, err := h.svc.UpdateSettings(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, 45, got.OfferExpiryMinutes)
	assert.Equal(t, 45, h.svc.Settings().OfferExpiryMinutes)

	next.MaxOffersPerSlot = 0
	_, err = h.svc.UpdateSettings(context.Background(), next)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 3, h.svc.Settings().MaxOffersPerSlot)
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.addEntry(t, "ana", TierGold, PriorityHigh, 10)
	h.addEntry(t, "ben", TierSilver, PriorityHigh, 30)

	o := h.send(t, a)
	h.clock.Advance(6 * time.Minute)
	_, err := h.svc.RespondToOffer(ctx, o.OfferToken, Decline, "")
	require.NoError(t, err)

	st, err := h.svc.GetStatistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, st.TotalEntries)
	assert.Equal(t, 1, st.ByStatus[EntryActive])
	assert.Equal(t, 1, st.ByStatus[EntryOffered])
	assert.Equal(t, 1, st.ByTier[TierGold])
	assert.Equal(t, 2, st.OffersSent)
	assert.Equal(t, 1, st.OffersPending)
	assert.Equal(t, 1, st.OffersDeclined)
	assert.Equal(t, 1, st.CascadedOffers)
	assert.Equal(t, 6.0, st.AverageResponseTimeMinutes)
	assert.Zero(t, st.AcceptanceRate)
}

func TestEntryStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.addEntry(t, "ana", TierGold, PriorityHigh, 3)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.entries.Update(ctx, e.ID, func(cur *Entry) error {
				recordResponse(cur, float64(i))
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := h.entry(t, e.ID)
	assert.Equal(t, n, got.TotalResponses)
	// Mean of 0..49.
	assert.InDelta(t, 24.5, got.AverageResponseTimeMinutes, 1e-9)
	assert.Equal(t, int64(n+1), got.Version)
}

// racingRepo bumps the stored version underneath the first update attempt.
type racingRepo struct {
	*MemoryRepository
	once sync.Once
}

func (r *racingRepo) UpdateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	r.once.Do(func() {
		cur, _ := r.MemoryRepository.GetEntry(ctx, e.ID)
		cur.Notes = "edited elsewhere"
		_, _ = r.MemoryRepository.UpdateEntry(ctx, cur)
	})
	return r.MemoryRepository.UpdateEntry(ctx, e)
}

func TestEntryStore_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepo{MemoryRepository: NewMemoryRepository()}
	h := newHarness(t)
	store := NewEntryStore(repo, h.clock, zap.NewNop())

	e := &Entry{ID: "e1", PatientName: "Ana", Status: EntryActive, AvailabilityEnd: t0.Add(time.Hour)}
	require.NoError(t, store.Add(ctx, e))

	calls := 0
	got, err := store.Update(ctx, "e1", func(cur *Entry) error {
		calls++
		cur.DeclinedOffers++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, got.DeclinedOffers)
	assert.Equal(t, "edited elsewhere", got.Notes)
	assert.Equal(t, int64(3), got.Version)
}

func TestExpireStaleEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(s *config.Settings) { s.AutoExpireAfterDays = 30 })
	old := h.addEntry(t, "ana", TierSilver, PriorityLow, 45)
	fresh := h.addEntry(t, "ben", TierSilver, PriorityLow, 2)
	closing := h.addEntry(t, "cai", TierSilver, PriorityLow, 2)
	_, err := h.svc.UpdateEntry(ctx, closing.ID, EntryPatch{AvailabilityEnd: timePtr(t0.Add(time.Hour))})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	n, err := h.svc.ExpireStaleEntries(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, EntryExpired, h.entry(t, old.ID).Status)
	assert.Equal(t, EntryExpired, h.entry(t, closing.ID).Status)
	assert.Equal(t, EntryActive, h.entry(t, fresh.ID).Status)
	assert.Equal(t, 2, h.eventCount(EventEntryExpired))
}

func TestExpirePendingOffers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.addEntry(t, "ana", TierGold, PriorityHigh, 10)
	b := h.addEntry(t, "ben", TierSilver, PriorityHigh, 30)
	h.send(t, a)

	n, err := h.svc.ExpirePendingOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour)
	n, err = h.svc.ExpirePendingOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, EntryActive, h.entry(t, a.ID).Status)
	assert.Equal(t, EntryOffered, h.entry(t, b.ID).Status)

	// The cascaded offer is not yet lapsed, so a second sweep is a no-op.
	n, err = h.svc.ExpirePendingOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.PatientName
	}
	return out
}
