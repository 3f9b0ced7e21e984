package mpi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

func strptr(s string) *string { return &s }

func dateptr(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

// newRecord builds a minimally valid record for tenant "default".
func newRecord(system, id, first, last string) *PatientRecord {
	return &PatientRecord{
		SourceID:     id,
		SourceSystem: system,
		TenantID:     "default",
		FirstName:    first,
		LastName:     last,
		ReceivedAt:   time.Now().UTC(),
	}
}

// mockMasterRepo is an in-memory MasterRepository with optional error
// injection, mirroring how handler tests stub their repositories.
type mockMasterRepo struct {
	mu         sync.Mutex
	masters    map[uuid.UUID]*MasterPatient
	tombstones map[uuid.UUID]uuid.UUID
	records    []*PatientRecord

	saveMasterErr error
	saveRecordErr error

	saveMasterCalls int
	saveRecordCalls int
}

func newMockMasterRepo() *mockMasterRepo {
	return &mockMasterRepo{
		masters:    make(map[uuid.UUID]*MasterPatient),
		tombstones: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockMasterRepo) LoadMasters(ctx context.Context) ([]*MasterPatient, map[uuid.UUID]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MasterPatient, 0, len(m.masters))
	for _, mp := range m.masters {
		out = append(out, mp.clone())
	}
	tombs := make(map[uuid.UUID]uuid.UUID, len(m.tombstones))
	for k, v := range m.tombstones {
		tombs[k] = v
	}
	return out, tombs, nil
}

func (m *mockMasterRepo) SaveMaster(ctx context.Context, mp *MasterPatient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveMasterCalls++
	if m.saveMasterErr != nil {
		return m.saveMasterErr
	}
	m.masters[mp.MasterID] = mp.clone()
	return nil
}

func (m *mockMasterRepo) SaveTombstone(ctx context.Context, retired, survivor uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstones[retired] = survivor
	delete(m.masters, retired)
	return nil
}

func (m *mockMasterRepo) SaveRecord(ctx context.Context, r *PatientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRecordCalls++
	if m.saveRecordErr != nil {
		return m.saveRecordErr
	}
	m.records = append(m.records, r)
	return nil
}

func (m *mockMasterRepo) LoadRecords(ctx context.Context) ([]*PatientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PatientRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}
