package mpi

import (
	"fmt"
	"sort"
)

// Thresholds maps a numeric score onto a discrete match tier. Configurable
// per tenant; the defaults are calibrated against the default scoring
// weights.
type Thresholds struct {
	Exact    float64 // score >= Exact           -> EXACT (auto-link)
	Probable float64 // Probable <= score < Exact -> PROBABLE (auto-link, audited)
	Possible float64 // Possible <= score < Probable -> POSSIBLE (review)
}

// DefaultThresholds returns the default classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Exact: 0.95, Probable: 0.80, Possible: 0.60}
}

// Validate enforces the strict ordering the classifier depends on.
func (t Thresholds) Validate() error {
	if !(t.Possible > 0 && t.Possible < t.Probable && t.Probable < t.Exact && t.Exact <= 1.0) {
		return fmt.Errorf("thresholds must satisfy 0 < possible < probable < exact <= 1, got possible=%v probable=%v exact=%v",
			t.Possible, t.Probable, t.Exact)
	}
	return nil
}

// Classify maps a score to its tier. Deterministic and monotonic: a higher
// score never yields a lower tier.
func (t Thresholds) Classify(score float64) MatchType {
	switch {
	case score >= t.Exact:
		return MatchExact
	case score >= t.Probable:
		return MatchProbable
	case score >= t.Possible:
		return MatchPossible
	default:
		return MatchNone
	}
}

// rankCandidates orders candidates best-first: highest score wins; ties go
// to the candidate whose master was created earliest so repeated runs pick
// the same winner. createdAt looks up the master's creation time and
// reports false for provisional candidates, which always sort last among
// equal scores.
func rankCandidates(cands []MatchCandidate, createdAt func(c MatchCandidate) (int64, bool)) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		ci, iok := createdAt(cands[i])
		cj, jok := createdAt(cands[j])
		if iok != jok {
			return iok
		}
		if iok && ci != cj {
			return ci < cj
		}
		// Final determinism fallback: stable ordering by record identity.
		return cands[i].Record.Ref().String() < cands[j].Record.Ref().String()
	})
}
