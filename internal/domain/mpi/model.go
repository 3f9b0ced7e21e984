package mpi

import (
	"time"

	"github.com/google/uuid"
)

// MatchType is the discrete classification of a pairwise score.
type MatchType string

const (
	MatchExact    MatchType = "EXACT"
	MatchProbable MatchType = "PROBABLE"
	MatchPossible MatchType = "POSSIBLE"
	MatchNone     MatchType = "NO_MATCH"
)

// Decision is the terminal outcome of a match call.
type Decision string

const (
	DecisionLinked  Decision = "LINKED"
	DecisionCreated Decision = "CREATED"
	DecisionQueued  Decision = "QUEUED"
)

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

func validSSNLast4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Address is the normalized postal subset connectors emit.
type Address struct {
	City       *string `db:"address_city" json:"city,omitempty"`
	State      *string `db:"address_state" json:"state,omitempty"`
	PostalCode *string `db:"address_postal_code" json:"postal_code,omitempty"`
}

// PatientRecord is a normalized demographic record as received from one
// source system. Records are immutable once created and are retained even
// after their master is merged away, so every linkage stays auditable.
type PatientRecord struct {
	SourceID     string     `db:"source_id" json:"source_id"`
	SourceSystem string     `db:"source_system" json:"source_system"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	DateOfBirth  *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender       *string    `db:"gender" json:"gender,omitempty"`
	SSNLast4     *string    `db:"ssn_last4" json:"ssn_last4,omitempty"`
	MRN          *string    `db:"mrn" json:"mrn,omitempty"`
	Phone        *string    `db:"phone" json:"phone,omitempty"`
	Address      *Address   `json:"address,omitempty"`
	ReceivedAt   time.Time  `db:"received_at" json:"received_at"`
}

// Ref returns the record's identity within the index: source_id scoped by
// source_system.
func (r *PatientRecord) Ref() RecordRef {
	return RecordRef{SourceSystem: r.SourceSystem, SourceID: r.SourceID}
}

// Validate checks the fields every record must carry before it may enter
// the match pipeline.
func (r *PatientRecord) Validate() error {
	if r.SourceID == "" {
		return &ValidationError{Field: "source_id", Reason: "required"}
	}
	if r.SourceSystem == "" {
		return &ValidationError{Field: "source_system", Reason: "required"}
	}
	if r.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if r.Gender != nil && !validGenders[*r.Gender] {
		return &ValidationError{Field: "gender", Reason: "must be one of male, female, other, unknown"}
	}
	if r.SSNLast4 != nil && !validSSNLast4(*r.SSNLast4) {
		return &ValidationError{Field: "ssn_last4", Reason: "must be exactly 4 digits"}
	}
	return nil
}

// RecordRef identifies one source record.
type RecordRef struct {
	SourceSystem string `db:"source_system" json:"source_system"`
	SourceID     string `db:"source_id" json:"source_id"`
}

func (r RecordRef) String() string {
	return r.SourceSystem + "/" + r.SourceID
}

// MasterPatient is the golden record for one real-world person: a merged
// demographic snapshot plus the ordered, append-only set of source records
// that contributed to it. Version is a monotonic counter bumped on every
// mutation and drives optimistic-concurrency checks.
type MasterPatient struct {
	MasterID      uuid.UUID     `db:"master_id" json:"master_id"`
	TenantID      string        `db:"tenant_id" json:"tenant_id"`
	Golden        PatientRecord `json:"golden_record"`
	LinkedRecords []RecordRef   `json:"linked_records"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
	Version       int64         `db:"version" json:"version"`
}

// Linked reports whether the given record already belongs to this master.
func (m *MasterPatient) Linked(ref RecordRef) bool {
	for _, lr := range m.LinkedRecords {
		if lr == ref {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never observe in-place mutation of
// store state.
func (m *MasterPatient) clone() *MasterPatient {
	out := *m
	out.LinkedRecords = make([]RecordRef, len(m.LinkedRecords))
	copy(out.LinkedRecords, m.LinkedRecords)
	return &out
}

// MatchCandidate pairs an incoming record with one indexed record, carrying
// the score breakdown for explainability. Candidates are request-scoped and
// never persisted.
type MatchCandidate struct {
	Record      *PatientRecord     `json:"record"`
	MasterID    uuid.UUID          `json:"master_id"` // uuid.Nil for provisional records
	Score       float64            `json:"score"`
	MatchType   MatchType          `json:"match_type"`
	FieldScores map[string]float64 `json:"field_scores"`
}

// MatchResult is what a match call emits to downstream consumers: the input
// record, the ranked candidate list, and the terminal decision.
type MatchResult struct {
	Record       *PatientRecord   `json:"input_record"`
	Candidates   []MatchCandidate `json:"candidates"`
	Decision     Decision         `json:"decision"`
	MasterID     uuid.UUID        `json:"master_id,omitempty"`
	Score        float64          `json:"score,omitempty"`
	ReviewItemID uuid.UUID        `json:"review_item_id,omitempty"`
}
