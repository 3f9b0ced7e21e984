package mpi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GoldenRecordStore owns the authoritative mapping from source records to
// masters and performs field-level merges. It is process-wide mutable state:
// hydrated from persistence at startup, mutated per request, never torn
// down mid-process. All mutations go through the store lock and bump the
// master's version; readers get defensive copies.
type GoldenRecordStore struct {
	mu         sync.RWMutex
	masters    map[uuid.UUID]*MasterPatient
	byRecord   map[RecordRef]uuid.UUID
	tombstones map[uuid.UUID]uuid.UUID // retired -> survivor

	repo MasterRepository // optional write-through; nil means memory-only
	now  func() time.Time
}

// NewGoldenRecordStore creates an empty store. repo may be nil for
// memory-only operation (tests, rebuild dry-runs).
func NewGoldenRecordStore(repo MasterRepository) *GoldenRecordStore {
	return &GoldenRecordStore{
		masters:    make(map[uuid.UUID]*MasterPatient),
		byRecord:   make(map[RecordRef]uuid.UUID),
		tombstones: make(map[uuid.UUID]uuid.UUID),
		repo:       repo,
		now:        time.Now,
	}
}

// Hydrate loads previously persisted masters into memory. Called once at
// startup, before the store serves traffic.
func (s *GoldenRecordStore) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	masters, tombstones, err := s.repo.LoadMasters(ctx)
	if err != nil {
		return fmt.Errorf("hydrate golden record store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range masters {
		s.masters[m.MasterID] = m.clone()
		for _, ref := range m.LinkedRecords {
			s.byRecord[ref] = m.MasterID
		}
	}
	for retired, survivor := range tombstones {
		s.tombstones[retired] = survivor
	}
	return nil
}

// resolve follows tombstone redirects to the live master ID. Lock must be
// held.
func (s *GoldenRecordStore) resolve(id uuid.UUID) (uuid.UUID, bool) {
	for {
		if _, ok := s.masters[id]; ok {
			return id, true
		}
		next, ok := s.tombstones[id]
		if !ok {
			return uuid.Nil, false
		}
		id = next
	}
}

// Get returns a copy of the master, resolving retired IDs through their
// tombstones so references stay valid after merges.
func (s *GoldenRecordStore) Get(id uuid.UUID) (*MasterPatient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.resolve(id)
	if !ok {
		return nil, fmt.Errorf("master %s: %w", id, ErrMasterNotFound)
	}
	return s.masters[live].clone(), nil
}

// MasterOf reports the master a record is linked to, if any.
func (s *GoldenRecordStore) MasterOf(ref RecordRef) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRecord[ref]
	return id, ok
}

// Count returns the number of live masters.
func (s *GoldenRecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.masters)
}

// All returns copies of every live master.
func (s *GoldenRecordStore) All() []*MasterPatient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MasterPatient, 0, len(s.masters))
	for _, m := range s.masters {
		out = append(out, m.clone())
	}
	return out
}

// Create allocates a new master with the record as sole member and the
// golden snapshot taken verbatim from it.
func (s *GoldenRecordStore) Create(ctx context.Context, rec *PatientRecord) (*MasterPatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := rec.Ref()
	if existing, ok := s.byRecord[ref]; ok {
		return nil, fmt.Errorf("create master for %s (already on %s): %w", ref, existing, ErrRecordLinked)
	}

	ts := s.now().UTC()
	m := &MasterPatient{
		MasterID:      uuid.New(),
		TenantID:      rec.TenantID,
		Golden:        *rec,
		LinkedRecords: []RecordRef{ref},
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Version:       1,
	}

	if s.repo != nil {
		if err := s.repo.SaveMaster(ctx, m); err != nil {
			return nil, fmt.Errorf("persist master %s: %w", m.MasterID, err)
		}
	}

	s.masters[m.MasterID] = m
	s.byRecord[ref] = m.MasterID
	return m.clone(), nil
}

// Link appends the record to the master's linked set and re-merges the
// golden snapshot under the most-recently-seen-non-null policy: an incoming
// value only fills fields the snapshot is currently missing, favoring
// completeness over recency. Callers supply the version they last observed;
// a mismatch returns ErrVersionConflict and the caller re-fetches and
// retries. Relinking a record already on this master is an idempotent
// no-op.
func (s *GoldenRecordStore) Link(ctx context.Context, masterID uuid.UUID, rec *PatientRecord, observedVersion int64) (*MasterPatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.resolve(masterID)
	if !ok {
		return nil, fmt.Errorf("link to master %s: %w", masterID, ErrMasterNotFound)
	}
	m := s.masters[live]

	ref := rec.Ref()
	if m.Linked(ref) {
		return m.clone(), nil
	}
	if other, ok := s.byRecord[ref]; ok && other != live {
		return nil, fmt.Errorf("link %s to %s (already on %s): %w", ref, live, other, ErrRecordLinked)
	}
	if m.Version != observedVersion {
		return nil, fmt.Errorf("link %s to %s (observed v%d, current v%d): %w",
			ref, live, observedVersion, m.Version, ErrVersionConflict)
	}

	next := m.clone()
	next.LinkedRecords = append(next.LinkedRecords, ref)
	fillGolden(&next.Golden, rec)
	next.Version++
	next.UpdatedAt = s.now().UTC()

	if s.repo != nil {
		if err := s.repo.SaveMaster(ctx, next); err != nil {
			return nil, fmt.Errorf("persist master %s: %w", live, err)
		}
	}

	s.masters[live] = next
	s.byRecord[ref] = live
	return next.clone(), nil
}

// Merge unifies two existing masters that turned out to describe the same
// person. Survivor a keeps its golden values as the base, null-filled from
// b's; b's linked records move over and b is retired behind a tombstone so
// lookups by the old ID keep resolving.
func (s *GoldenRecordStore) Merge(ctx context.Context, a, b uuid.UUID, observedVersionA int64) (*MasterPatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	liveA, ok := s.resolve(a)
	if !ok {
		return nil, fmt.Errorf("merge survivor %s: %w", a, ErrMasterNotFound)
	}
	liveB, ok := s.resolve(b)
	if !ok {
		return nil, fmt.Errorf("merge retired %s: %w", b, ErrMasterNotFound)
	}
	if liveA == liveB {
		return s.masters[liveA].clone(), nil
	}

	ma := s.masters[liveA]
	mb := s.masters[liveB]
	if ma.Version != observedVersionA {
		return nil, fmt.Errorf("merge %s <- %s (observed v%d, current v%d): %w",
			liveA, liveB, observedVersionA, ma.Version, ErrVersionConflict)
	}

	next := ma.clone()
	for _, ref := range mb.LinkedRecords {
		if !next.Linked(ref) {
			next.LinkedRecords = append(next.LinkedRecords, ref)
		}
	}
	fillGolden(&next.Golden, &mb.Golden)
	next.Version++
	next.UpdatedAt = s.now().UTC()

	if s.repo != nil {
		if err := s.repo.SaveMaster(ctx, next); err != nil {
			return nil, fmt.Errorf("persist master %s: %w", liveA, err)
		}
		if err := s.repo.SaveTombstone(ctx, liveB, liveA); err != nil {
			return nil, fmt.Errorf("persist tombstone %s -> %s: %w", liveB, liveA, err)
		}
	}

	s.masters[liveA] = next
	delete(s.masters, liveB)
	s.tombstones[liveB] = liveA
	for _, ref := range mb.LinkedRecords {
		s.byRecord[ref] = liveA
	}
	return next.clone(), nil
}

// fillGolden applies the null-filling merge policy: src values land in dst
// only where dst has nothing. Identity data rarely regresses, so existing
// non-null values always win.
func fillGolden(dst *PatientRecord, src *PatientRecord) {
	if dst.FirstName == "" {
		dst.FirstName = src.FirstName
	}
	if dst.LastName == "" {
		dst.LastName = src.LastName
	}
	if dst.DateOfBirth == nil {
		dst.DateOfBirth = src.DateOfBirth
	}
	if dst.Gender == nil {
		dst.Gender = src.Gender
	}
	if dst.SSNLast4 == nil {
		dst.SSNLast4 = src.SSNLast4
	}
	if dst.MRN == nil {
		dst.MRN = src.MRN
	}
	if dst.Phone == nil {
		dst.Phone = src.Phone
	}
	if dst.Address == nil {
		dst.Address = src.Address
	}
}
