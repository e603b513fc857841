package waitlist

import (
	"sort"

	"github.com/daminiR/medspa-waitlist/internal/config"
)

// ComputeTier derives a tier from patient history. A patient qualifies for a
// tier by meeting either its visit or its spend threshold.
func ComputeTier(h *PatientHistoryRecord, rules config.TierRules) Tier {
	if h == nil {
		return TierSilver
	}
	switch {
	case h.VisitCount >= rules.PlatinumVisits || h.TotalSpend >= rules.PlatinumSpend:
		return TierPlatinum
	case h.VisitCount >= rules.GoldVisits || h.TotalSpend >= rules.GoldSpend:
		return TierGold
	default:
		return TierSilver
	}
}

func TierWeight(t Tier) int {
	switch t {
	case TierPlatinum:
		return 3
	case TierGold:
		return 2
	case TierSilver:
		return 1
	}
	return 0
}

func PriorityWeight(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// outranks orders by tier, then priority, then longest waiting. The id is a
// last resort so identical tuples still sort the same way every time.
func outranks(a, b *Entry) bool {
	if wa, wb := TierWeight(a.Tier), TierWeight(b.Tier); wa != wb {
		return wa > wb
	}
	if wa, wb := PriorityWeight(a.Priority), PriorityWeight(b.Priority); wa != wb {
		return wa > wb
	}
	return waitedLonger(a, b)
}

func waitedLonger(a, b *Entry) bool {
	if !a.WaitingSince.Equal(b.WaitingSince) {
		return a.WaitingSince.Before(b.WaitingSince)
	}
	return a.ID < b.ID
}

// RankForCascade returns a sorted copy of entries, best candidate first.
func RankForCascade(entries []Entry) []Entry {
	return rankBy(entries, outranks)
}

// RankBySequence orders entries for the first offer on an open slot. An
// unknown sequence gets the cascade order.
func RankBySequence(entries []Entry, sequence string) []Entry {
	switch sequence {
	case config.SequenceFIFO:
		return rankBy(entries, waitedLonger)
	case config.SequencePriority:
		return rankBy(entries, func(a, b *Entry) bool {
			if wa, wb := PriorityWeight(a.Priority), PriorityWeight(b.Priority); wa != wb {
				return wa > wb
			}
			return waitedLonger(a, b)
		})
	}
	return RankForCascade(entries)
}

func rankBy(entries []Entry, less func(a, b *Entry) bool) []Entry {
	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		return less(&ranked[i], &ranked[j])
	})
	return ranked
}
