package mpi

import "strings"

// FieldComparator compares one demographic field across two records. It
// reports whether both sides carry a value and, if so, whether
// the values agree. Comparators must be symmetric.
type FieldComparator func(a, b *PatientRecord) (present, matched bool)

// fieldRule binds a field name to its weight and comparator. The table is
// resolved once at construction, not per call.
type fieldRule struct {
	field   string
	weight  float64
	compare FieldComparator
}

// ScoringWeights configures the per-field contribution to the pairwise
// score. Weights need not sum to 1.0; classifier thresholds are calibrated
// against this scale.
type ScoringWeights struct {
	FirstName   float64
	LastName    float64
	DateOfBirth float64
	SSNLast4    float64
}

// DefaultScoringWeights returns the calibrated defaults: a full agreement
// across all four fields scores exactly 1.0.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		FirstName:   0.20,
		LastName:    0.30,
		DateOfBirth: 0.30,
		SSNLast4:    0.20,
	}
}

func compareFirstName(a, b *PatientRecord) (bool, bool) {
	if a.FirstName == "" || b.FirstName == "" {
		return false, false
	}
	return true, strings.EqualFold(a.FirstName, b.FirstName)
}

func compareLastName(a, b *PatientRecord) (bool, bool) {
	if a.LastName == "" || b.LastName == "" {
		return false, false
	}
	return true, strings.EqualFold(a.LastName, b.LastName)
}

func compareDateOfBirth(a, b *PatientRecord) (bool, bool) {
	if a.DateOfBirth == nil || b.DateOfBirth == nil {
		return false, false
	}
	ay, am, ad := a.DateOfBirth.Date()
	by, bm, bd := b.DateOfBirth.Date()
	return true, ay == by && am == bm && ad == bd
}

func compareSSNLast4(a, b *PatientRecord) (bool, bool) {
	if a.SSNLast4 == nil || b.SSNLast4 == nil {
		return false, false
	}
	return true, *a.SSNLast4 == *b.SSNLast4
}

// PairwiseScorer computes a similarity score in [0, 1] between two records,
// explainable per field. A field missing on either side contributes zero:
// absent data never hurts a match, but cannot push one over a threshold
// either.
type PairwiseScorer struct {
	rules []fieldRule
}

// NewPairwiseScorer builds a scorer from the given weights.
func NewPairwiseScorer(w ScoringWeights) *PairwiseScorer {
	return &PairwiseScorer{
		rules: []fieldRule{
			{field: "first_name", weight: w.FirstName, compare: compareFirstName},
			{field: "last_name", weight: w.LastName, compare: compareLastName},
			{field: "date_of_birth", weight: w.DateOfBirth, compare: compareDateOfBirth},
			{field: "ssn_last4", weight: w.SSNLast4, compare: compareSSNLast4},
		},
	}
}

// Score returns the weighted similarity between a and b plus the per-field
// contributions. Symmetric: Score(a, b) == Score(b, a).
func (s *PairwiseScorer) Score(a, b *PatientRecord) (float64, map[string]float64) {
	total := 0.0
	fields := make(map[string]float64, len(s.rules))
	for _, rule := range s.rules {
		contribution := 0.0
		if present, matched := rule.compare(a, b); present && matched {
			contribution = rule.weight
		}
		fields[rule.field] = contribution
		total += contribution
	}
	return total, fields
}
