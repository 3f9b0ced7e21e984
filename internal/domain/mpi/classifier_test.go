package mpi

import (
	"testing"

	"github.com/google/uuid"
)

func TestClassify_Bands(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score float64
		want  MatchType
	}{
		{1.0, MatchExact},
		{0.95, MatchExact},
		{0.949, MatchProbable},
		{0.80, MatchProbable},
		{0.799, MatchPossible},
		{0.60, MatchPossible},
		{0.599, MatchNone},
		{0.0, MatchNone},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestClassify_Monotonic(t *testing.T) {
	th := DefaultThresholds()
	rank := map[MatchType]int{MatchNone: 0, MatchPossible: 1, MatchProbable: 2, MatchExact: 3}

	prev := MatchNone
	for s := 0.0; s <= 1.0; s += 0.01 {
		got := th.Classify(s)
		if rank[got] < rank[prev] {
			t.Fatalf("classification regressed at score %v: %s after %s", s, got, prev)
		}
		prev = got
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("default thresholds rejected: %v", err)
	}

	bad := []Thresholds{
		{Exact: 0.80, Probable: 0.95, Possible: 0.60}, // probable above exact
		{Exact: 0.95, Probable: 0.80, Possible: 0.85}, // possible above probable
		{Exact: 0.95, Probable: 0.80, Possible: 0},    // zero possible
		{Exact: 1.2, Probable: 0.80, Possible: 0.60},  // exact above one
		{Exact: 0.80, Probable: 0.80, Possible: 0.60}, // equal bands
	}
	for _, th := range bad {
		if err := th.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", th)
		}
	}
}

func TestRankCandidates_ScoreDescending(t *testing.T) {
	a := MatchCandidate{Record: newRecord("s", "a", "", ""), Score: 0.7}
	b := MatchCandidate{Record: newRecord("s", "b", "", ""), Score: 0.9}
	c := MatchCandidate{Record: newRecord("s", "c", "", ""), Score: 0.8}

	cands := []MatchCandidate{a, b, c}
	rankCandidates(cands, func(MatchCandidate) (int64, bool) { return 0, false })

	if cands[0].Score != 0.9 || cands[1].Score != 0.8 || cands[2].Score != 0.7 {
		t.Errorf("unexpected order: %v %v %v", cands[0].Score, cands[1].Score, cands[2].Score)
	}
}

func TestRankCandidates_TieBreakByMasterAge(t *testing.T) {
	older := uuid.New()
	newer := uuid.New()
	created := map[uuid.UUID]int64{older: 100, newer: 200}

	cands := []MatchCandidate{
		{Record: newRecord("s", "a", "", ""), MasterID: newer, Score: 0.9},
		{Record: newRecord("s", "b", "", ""), MasterID: older, Score: 0.9},
	}
	rankCandidates(cands, func(c MatchCandidate) (int64, bool) {
		ts, ok := created[c.MasterID]
		return ts, ok
	})

	if cands[0].MasterID != older {
		t.Error("equal scores should rank the earlier-created master first")
	}
}

func TestRankCandidates_MastersBeforeProvisionals(t *testing.T) {
	master := uuid.New()
	cands := []MatchCandidate{
		{Record: newRecord("s", "a", "", ""), MasterID: uuid.Nil, Score: 0.9},
		{Record: newRecord("s", "b", "", ""), MasterID: master, Score: 0.9},
	}
	rankCandidates(cands, func(c MatchCandidate) (int64, bool) {
		if c.MasterID == uuid.Nil {
			return 0, false
		}
		return 50, true
	})

	if cands[0].MasterID != master {
		t.Error("equal scores should rank master-backed candidates before provisionals")
	}
}

func TestRankCandidates_Deterministic(t *testing.T) {
	// No masters at all: the record identity fallback still yields a
	// stable order.
	build := func() []MatchCandidate {
		return []MatchCandidate{
			{Record: newRecord("s", "z", "", ""), Score: 0.8},
			{Record: newRecord("s", "a", "", ""), Score: 0.8},
			{Record: newRecord("s", "m", "", ""), Score: 0.8},
		}
	}
	first := build()
	rankCandidates(first, func(MatchCandidate) (int64, bool) { return 0, false })

	for i := 0; i < 5; i++ {
		again := build()
		rankCandidates(again, func(MatchCandidate) (int64, bool) { return 0, false })
		for j := range again {
			if again[j].Record.Ref() != first[j].Record.Ref() {
				t.Fatalf("ranking is not deterministic at position %d", j)
			}
		}
	}
}
