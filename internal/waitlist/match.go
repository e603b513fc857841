package waitlist

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/daminiR/medspa-waitlist/internal/config"
)

// ScoreBreakdown itemizes a match score so staff can see why a patient ranks
// where they do.
type ScoreBreakdown struct {
	TierMultiplier    float64 `json:"tier_multiplier"`
	TierScore         int     `json:"tier_score"`
	PriorityScore     int     `json:"priority_score"`
	ServiceMatch      int     `json:"service_match_score"`
	DurationFit       int     `json:"duration_fit_score"`
	PractitionerMatch int     `json:"practitioner_match_score"`
	WaitTime          int     `json:"wait_time_score"`
	FormsReady        int     `json:"forms_ready_score"`
	Deposit           int     `json:"deposit_score"`
	Availability      int     `json:"availability_score"`
	ResponseSpeed     int     `json:"response_speed_bonus"`
	DeclinePenalty    int     `json:"decline_penalty"`
	RawScore          int     `json:"raw_score"`
	Total             int     `json:"total_score"`
}

type Match struct {
	Entry                Entry
	Eligible             bool
	IneligibilityReasons []string
	Reasons              []string
	Score                int
	Breakdown            ScoreBreakdown
}

func tierMultiplier(t Tier) float64 {
	switch t {
	case TierPlatinum:
		return 2
	case TierGold:
		return 1.5
	}
	return 1
}

// servicesMatch is the hard service filter used by the cascade: the same
// service name, or the same category when both sides name one.
func servicesMatch(e *Entry, slot Slot) bool {
	if strings.EqualFold(strings.TrimSpace(e.RequestedService), strings.TrimSpace(slot.ServiceName)) {
		return true
	}
	return e.ServiceCategory != "" && strings.EqualFold(e.ServiceCategory, slot.ServiceCategory)
}

// ScoreMatch evaluates one entry against a slot. Scoring is computed for
// ineligible entries too.
func ScoreMatch(e Entry, slot Slot, settings config.Settings, now time.Time) Match {
	m := Match{Entry: e, Eligible: true}
	b := ScoreBreakdown{TierMultiplier: tierMultiplier(e.Tier)}

	fail := func(format string, args ...any) {
		m.Eligible = false
		m.IneligibilityReasons = append(m.IneligibilityReasons, fmt.Sprintf(format, args...))
	}
	reason := func(format string, args ...any) {
		m.Reasons = append(m.Reasons, fmt.Sprintf(format, args...))
	}

	if e.Status != EntryActive {
		fail("entry status is %q, not active", e.Status)
	}
	if !servicesMatch(&e, slot) {
		fail("requested %q does not match %q", e.RequestedService, slot.ServiceName)
	}
	if e.ServiceDurationMinutes > slot.DurationMinutes {
		fail("service requires %dmin but slot is only %dmin", e.ServiceDurationMinutes, slot.DurationMinutes)
	}
	if !e.Covers(slot) {
		fail("slot at %s is outside the availability window", slot.StartTime.Format(time.RFC3339))
	}
	if notice := slot.StartTime.Sub(now); notice < settings.MinNotice {
		fail("only %.1f hours notice, minimum is %.1f", notice.Hours(), settings.MinNotice.Hours())
	}

	switch e.Tier {
	case TierPlatinum:
		b.TierScore = 40
		reason("Platinum VIP")
	case TierGold:
		b.TierScore = 25
		reason("Gold VIP")
	default:
		b.TierScore = 10
	}

	switch e.Priority {
	case PriorityHigh:
		b.PriorityScore = 30
		reason("High priority")
	case PriorityMedium:
		b.PriorityScore = 20
	default:
		b.PriorityScore = 10
	}

	want := strings.ToLower(e.RequestedService)
	have := strings.ToLower(slot.ServiceName)
	switch {
	case want == have:
		b.ServiceMatch = 25
		reason("Exact service match")
	case want != "" && have != "" && (strings.Contains(want, have) || strings.Contains(have, want)):
		b.ServiceMatch = 15
		reason("Similar service")
	case e.ServiceCategory != "" && strings.EqualFold(e.ServiceCategory, slot.ServiceCategory):
		b.ServiceMatch = 10
		reason("Same service category")
	}

	switch diff := slot.DurationMinutes - e.ServiceDurationMinutes; {
	case diff == 0:
		b.DurationFit = 20
		reason("Perfect duration fit")
	case diff > 0 && diff <= 15:
		b.DurationFit = 15
		reason("Good duration fit")
	case diff > 15 && diff <= 30:
		b.DurationFit = 10
	case diff < 0:
		b.DurationFit = -20
	}

	if e.PreferredPractitionerID != "" && e.PreferredPractitionerID == slot.PractitionerID {
		b.PractitionerMatch = 20
		reason("Preferred practitioner")
	}

	days := int(now.Sub(e.WaitingSince).Hours() / 24)
	if days > 0 {
		b.WaitTime = min(days*2, 20)
	}
	if days >= 3 {
		reason("Waiting %d days", days)
	}

	if e.HasCompletedForms {
		b.FormsReady = 15
		reason("Forms completed")
	}
	if e.Deposit > 0 {
		b.Deposit = 10
		reason("$%.0f deposit paid", e.Deposit)
	}

	if e.Covers(slot) {
		window := e.AvailabilityEnd.Sub(e.AvailabilityStart)
		if window > 0 {
			center := e.AvailabilityStart.Add(window / 2)
			dist := math.Abs(float64(slot.StartTime.Sub(center)))
			proximity := int(math.Round((1 - dist/float64(window/2)) * 15))
			b.Availability = max(5, proximity)
			if proximity >= 10 {
				reason("Ideal timing")
			}
		}
	}

	if e.TotalResponses > 0 {
		switch avg := e.AverageResponseTimeMinutes; {
		case avg < 5:
			b.ResponseSpeed = 15
			reason("Very responsive")
		case avg < 15:
			b.ResponseSpeed = 10
			reason("Quick responder")
		case avg < 30:
			b.ResponseSpeed = 5
		}
	}

	if e.OfferCount > 0 {
		b.DeclinePenalty = -min(e.DeclinedOffers*5, 25)
		if e.OfferCount >= 3 && e.AcceptedOffers == 0 {
			reason("%d offers, none accepted", e.OfferCount)
		}
	}

	b.RawScore = b.TierScore + b.PriorityScore + b.ServiceMatch + b.DurationFit +
		b.PractitionerMatch + b.WaitTime + b.FormsReady + b.Deposit +
		b.Availability + b.ResponseSpeed + b.DeclinePenalty
	b.Total = int(math.Round(float64(b.RawScore) * b.TierMultiplier))

	m.Breakdown = b
	m.Score = b.Total
	return m
}

// ScoreMatches scores every entry and returns them best first. Eligible
// matches always come before ineligible ones.
func ScoreMatches(entries []Entry, slot Slot, settings config.Settings, now time.Time) []Match {
	out := make([]Match, 0, len(entries))
	for _, e := range entries {
		out = append(out, ScoreMatch(e, slot, settings, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Eligible != out[j].Eligible {
			return out[i].Eligible
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return outranks(&out[i].Entry, &out[j].Entry)
	})
	return out
}
