package waitlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daminiR/medspa-waitlist/internal/config"
)

func TestComputeTier(t *testing.T) {
	rules := config.DefaultSettings().TierRules

	tests := []struct {
		name string
		h    *PatientHistoryRecord
		want Tier
	}{
		{"no history", nil, TierSilver},
		{"new patient", &PatientHistoryRecord{VisitCount: 1, TotalSpend: 150}, TierSilver},
		{"gold by visits", &PatientHistoryRecord{VisitCount: 6}, TierGold},
		{"gold by spend", &PatientHistoryRecord{VisitCount: 2, TotalSpend: 2000}, TierGold},
		{"platinum by visits", &PatientHistoryRecord{VisitCount: 12, TotalSpend: 100}, TierPlatinum},
		{"platinum by spend", &PatientHistoryRecord{VisitCount: 3, TotalSpend: 7500}, TierPlatinum},
		{"just below gold", &PatientHistoryRecord{VisitCount: 5, TotalSpend: 1999.99}, TierSilver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTier(tt.h, rules))
		})
	}
}

func TestRankForCascade_TierBeatsWaitTime(t *testing.T) {
	a := Entry{ID: "a", Tier: TierGold, Priority: PriorityHigh, WaitingSince: t0.Add(-10 * 24 * time.Hour)}
	b := Entry{ID: "b", Tier: TierSilver, Priority: PriorityHigh, WaitingSince: t0.Add(-30 * 24 * time.Hour)}

	ranked := RankForCascade([]Entry{b, a})

	assert.Equal(t, []string{"a", "b"}, ids(ranked))
}

func TestRankForCascade_Keys(t *testing.T) {
	day := 24 * time.Hour
	entries := []Entry{
		{ID: "silver-low-old", Tier: TierSilver, Priority: PriorityLow, WaitingSince: t0.Add(-90 * day)},
		{ID: "gold-low", Tier: TierGold, Priority: PriorityLow, WaitingSince: t0.Add(-1 * day)},
		{ID: "gold-high-new", Tier: TierGold, Priority: PriorityHigh, WaitingSince: t0.Add(-2 * day)},
		{ID: "gold-high-old", Tier: TierGold, Priority: PriorityHigh, WaitingSince: t0.Add(-5 * day)},
		{ID: "platinum-low", Tier: TierPlatinum, Priority: PriorityLow, WaitingSince: t0},
		{ID: "silver-high", Tier: TierSilver, Priority: PriorityHigh, WaitingSince: t0.Add(-3 * day)},
	}
	want := []string{"platinum-low", "gold-high-old", "gold-high-new", "gold-low", "silver-high", "silver-low-old"}

	for i := 0; i < 20; i++ {
		// Rotate the input so the result cannot depend on input order.
		in := append(append([]Entry{}, entries[i%len(entries):]...), entries[:i%len(entries)]...)
		assert.Equal(t, want, ids(RankForCascade(in)))
	}
}

func TestRankForCascade_DoesNotMutateInput(t *testing.T) {
	in := []Entry{
		{ID: "b", Tier: TierSilver, Priority: PriorityLow, WaitingSince: t0},
		{ID: "a", Tier: TierPlatinum, Priority: PriorityLow, WaitingSince: t0},
	}
	_ = RankForCascade(in)
	assert.Equal(t, []string{"b", "a"}, ids(in))
}

func TestRankBySequence(t *testing.T) {
	day := 24 * time.Hour
	entries := []Entry{
		{ID: "platinum-low", Tier: TierPlatinum, Priority: PriorityLow, WaitingSince: t0.Add(-1 * day)},
		{ID: "silver-high", Tier: TierSilver, Priority: PriorityHigh, WaitingSince: t0.Add(-2 * day)},
		{ID: "gold-medium-oldest", Tier: TierGold, Priority: PriorityMedium, WaitingSince: t0.Add(-9 * day)},
	}

	tests := []struct {
		sequence string
		want     []string
	}{
		{config.SequenceTierWeighted, []string{"platinum-low", "gold-medium-oldest", "silver-high"}},
		{config.SequencePriority, []string{"silver-high", "gold-medium-oldest", "platinum-low"}},
		{config.SequenceFIFO, []string{"gold-medium-oldest", "silver-high", "platinum-low"}},
		{"", []string{"platinum-low", "gold-medium-oldest", "silver-high"}},
	}
	for _, tt := range tests {
		t.Run(tt.sequence, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(RankBySequence(entries, tt.sequence)))
		})
	}
}

func TestWeights(t *testing.T) {
	assert.Equal(t, 3, TierWeight(TierPlatinum))
	assert.Equal(t, 2, TierWeight(TierGold))
	assert.Equal(t, 1, TierWeight(TierSilver))
	assert.Equal(t, 3, PriorityWeight(PriorityHigh))
	assert.Equal(t, 2, PriorityWeight(PriorityMedium))
	assert.Equal(t, 1, PriorityWeight(PriorityLow))
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
