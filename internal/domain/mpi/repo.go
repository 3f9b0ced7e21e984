package mpi

import (
	"context"

	"github.com/google/uuid"
)

// MasterRepository is the persistence boundary for golden records. The
// engine owns the in-memory authoritative state; a repository implementation
// hydrates it at startup and receives write-through copies of every
// mutation. Implementations must be safe for concurrent use.
type MasterRepository interface {
	// LoadMasters returns every live master plus the tombstone redirect map
	// (retired ID -> survivor ID).
	LoadMasters(ctx context.Context) ([]*MasterPatient, map[uuid.UUID]uuid.UUID, error)

	// SaveMaster upserts a master snapshot together with its linked-record
	// set.
	SaveMaster(ctx context.Context, m *MasterPatient) error

	// SaveTombstone records that retired now resolves to survivor.
	SaveTombstone(ctx context.Context, retired, survivor uuid.UUID) error

	// SaveRecord persists an as-received source record for audit and index
	// rebuilds.
	SaveRecord(ctx context.Context, r *PatientRecord) error

	// LoadRecords returns every persisted source record.
	LoadRecords(ctx context.Context) ([]*PatientRecord, error)
}
