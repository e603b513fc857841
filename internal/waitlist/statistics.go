package waitlist

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Statistics is derived from entries and offers on every call; nothing is
// stored separately.
type Statistics struct {
	TotalEntries int
	ByStatus     map[EntryStatus]int
	ByTier       map[Tier]int
	ByPriority   map[Priority]int

	AverageWaitDays            float64
	AverageResponseTimeMinutes float64

	OffersSent     int
	OffersPending  int
	OffersAccepted int
	OffersDeclined int
	OffersExpired  int
	CascadedOffers int
	// AcceptanceRate is accepted offers over offers sent, in percent.
	AcceptanceRate float64
}

func (s *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	entries, err := s.entries.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	offers, err := s.repo.ListOffers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return computeStatistics(entries, offers, s.clock.Now()), nil
}

func computeStatistics(entries []Entry, offers []Offer, now time.Time) *Statistics {
	st := &Statistics{
		TotalEntries: len(entries),
		ByStatus:     map[EntryStatus]int{},
		ByTier:       map[Tier]int{},
		ByPriority:   map[Priority]int{},
	}

	var waitDays float64
	var waiting int
	var responseSum float64
	var responses int
	for _, e := range entries {
		st.ByStatus[e.Status]++
		st.ByTier[e.Tier]++
		st.ByPriority[e.Priority]++

		if e.Status == EntryActive || e.Status == EntryOffered {
			waitDays += now.Sub(e.WaitingSince).Hours() / 24
			waiting++
		}
		responseSum += e.AverageResponseTimeMinutes * float64(e.TotalResponses)
		responses += e.TotalResponses
	}
	if waiting > 0 {
		st.AverageWaitDays = round1(waitDays / float64(waiting))
	}
	if responses > 0 {
		st.AverageResponseTimeMinutes = round1(responseSum / float64(responses))
	}

	for _, o := range offers {
		st.OffersSent++
		if o.CascadeLevel > 0 {
			st.CascadedOffers++
		}
		switch o.Status {
		case OfferPending:
			st.OffersPending++
		case OfferAccepted:
			st.OffersAccepted++
		case OfferDeclined:
			st.OffersDeclined++
		case OfferExpired:
			st.OffersExpired++
		}
	}
	if st.OffersSent > 0 {
		st.AcceptanceRate = round1(float64(st.OffersAccepted) / float64(st.OffersSent) * 100)
	}
	return st
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
