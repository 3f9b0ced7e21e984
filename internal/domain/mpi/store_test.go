package mpi

import (
	"context"
	"errors"
	"testing"
)

func TestStore_Create(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	rec := newRecord("epic", "p1", "John", "Smith")
	rec.SSNLast4 = strptr("1234")

	m, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("new master version = %d, want 1", m.Version)
	}
	if len(m.LinkedRecords) != 1 || m.LinkedRecords[0] != rec.Ref() {
		t.Errorf("linked records = %v, want [%v]", m.LinkedRecords, rec.Ref())
	}
	if m.Golden.FirstName != "John" || m.Golden.SSNLast4 == nil || *m.Golden.SSNLast4 != "1234" {
		t.Error("golden snapshot should be taken verbatim from the founding record")
	}
	if got, ok := s.MasterOf(rec.Ref()); !ok || got != m.MasterID {
		t.Error("MasterOf should resolve the founding record")
	}
	if s.Count() != 1 {
		t.Errorf("count = %d, want 1", s.Count())
	}
}

func TestStore_CreateRejectsLinkedRecord(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	rec := newRecord("epic", "p1", "John", "Smith")
	if _, err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := s.Create(context.Background(), rec)
	if !errors.Is(err, ErrRecordLinked) {
		t.Errorf("expected ErrRecordLinked, got %v", err)
	}
}

func TestStore_Link(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	founder := newRecord("epic", "p1", "John", "Smith")
	m, err := s.Create(context.Background(), founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	incoming := newRecord("cerner", "q1", "John", "Smith")
	incoming.DateOfBirth = dateptr(1985, 3, 15)
	linked, err := s.Link(context.Background(), m.MasterID, incoming, m.Version)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	if linked.Version != 2 {
		t.Errorf("version after link = %d, want 2", linked.Version)
	}
	if len(linked.LinkedRecords) != 2 {
		t.Errorf("linked records = %d, want 2", len(linked.LinkedRecords))
	}
	if linked.Golden.DateOfBirth == nil {
		t.Error("null-filling merge should adopt the incoming birth date")
	}
	if got, _ := s.MasterOf(incoming.Ref()); got != m.MasterID {
		t.Error("MasterOf should resolve the newly linked record")
	}
}

func TestStore_LinkIdempotent(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	founder := newRecord("epic", "p1", "John", "Smith")
	m, _ := s.Create(context.Background(), founder)

	// Relinking the founding record is a no-op even with a stale version.
	again, err := s.Link(context.Background(), m.MasterID, founder, 999)
	if err != nil {
		t.Fatalf("idempotent relink errored: %v", err)
	}
	if again.Version != 1 {
		t.Errorf("version after relink = %d, want 1", again.Version)
	}
}

func TestStore_LinkVersionConflict(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	founder := newRecord("epic", "p1", "John", "Smith")
	m, _ := s.Create(context.Background(), founder)

	stale := m.Version
	if _, err := s.Link(context.Background(), m.MasterID, newRecord("cerner", "q1", "John", "Smith"), stale); err != nil {
		t.Fatalf("first link: %v", err)
	}

	_, err := s.Link(context.Background(), m.MasterID, newRecord("meditech", "r1", "John", "Smith"), stale)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale version, got %v", err)
	}

	// Retry with the fresh version succeeds.
	fresh, _ := s.Get(m.MasterID)
	if _, err := s.Link(context.Background(), m.MasterID, newRecord("meditech", "r1", "John", "Smith"), fresh.Version); err != nil {
		t.Errorf("retry with fresh version failed: %v", err)
	}
}

func TestStore_LinkRejectsRecordOnOtherMaster(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	a := newRecord("epic", "p1", "John", "Smith")
	b := newRecord("epic", "p2", "Alice", "Jones")
	ma, _ := s.Create(context.Background(), a)
	mb, _ := s.Create(context.Background(), b)

	_, err := s.Link(context.Background(), mb.MasterID, a, mb.Version)
	if !errors.Is(err, ErrRecordLinked) {
		t.Errorf("expected ErrRecordLinked, got %v", err)
	}
	_ = ma
}

func TestStore_LinkUnknownMaster(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	_, err := s.Link(context.Background(), [16]byte{1}, newRecord("epic", "p1", "J", "S"), 1)
	if !errors.Is(err, ErrMasterNotFound) {
		t.Errorf("expected ErrMasterNotFound, got %v", err)
	}
}

func TestStore_FillGoldenKeepsExistingValues(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	founder := newRecord("epic", "p1", "John", "Smith")
	founder.SSNLast4 = strptr("1234")
	m, _ := s.Create(context.Background(), founder)

	incoming := newRecord("cerner", "q1", "Johnny", "Smith")
	incoming.SSNLast4 = strptr("9999")
	incoming.Phone = strptr("+1-555-0100")
	linked, err := s.Link(context.Background(), m.MasterID, incoming, m.Version)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	if *linked.Golden.SSNLast4 != "1234" {
		t.Error("existing golden value should never be overwritten")
	}
	if linked.Golden.FirstName != "John" {
		t.Error("existing name should never be overwritten")
	}
	if linked.Golden.Phone == nil || *linked.Golden.Phone != "+1-555-0100" {
		t.Error("missing golden field should be filled from the incoming record")
	}
}

func TestStore_Merge(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	a := newRecord("epic", "p1", "John", "Smith")
	b := newRecord("cerner", "q1", "John", "Smith")
	b.DateOfBirth = dateptr(1985, 3, 15)
	ma, _ := s.Create(context.Background(), a)
	mb, _ := s.Create(context.Background(), b)

	merged, err := s.Merge(context.Background(), ma.MasterID, mb.MasterID, ma.Version)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if merged.MasterID != ma.MasterID {
		t.Error("survivor should keep its ID")
	}
	if len(merged.LinkedRecords) != 2 {
		t.Errorf("merged linked records = %d, want 2", len(merged.LinkedRecords))
	}
	if merged.Golden.DateOfBirth == nil {
		t.Error("survivor's golden should be null-filled from the retired master")
	}
	if merged.Version != ma.Version+1 {
		t.Errorf("merge should bump the survivor's version once, got %d", merged.Version)
	}
	if s.Count() != 1 {
		t.Errorf("count after merge = %d, want 1", s.Count())
	}

	// The retired ID keeps resolving through its tombstone.
	viaTombstone, err := s.Get(mb.MasterID)
	if err != nil {
		t.Fatalf("get via tombstone: %v", err)
	}
	if viaTombstone.MasterID != ma.MasterID {
		t.Error("retired ID should resolve to the survivor")
	}
	if got, _ := s.MasterOf(b.Ref()); got != ma.MasterID {
		t.Error("retired master's records should remap to the survivor")
	}
}

func TestStore_MergeVersionConflict(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	ma, _ := s.Create(context.Background(), newRecord("epic", "p1", "John", "Smith"))
	mb, _ := s.Create(context.Background(), newRecord("cerner", "q1", "John", "Smith"))

	_, err := s.Merge(context.Background(), ma.MasterID, mb.MasterID, ma.Version+5)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestStore_MergeSameMasterNoOp(t *testing.T) {
	s := NewGoldenRecordStore(nil)
	ma, _ := s.Create(context.Background(), newRecord("epic", "p1", "John", "Smith"))
	mb, _ := s.Create(context.Background(), newRecord("cerner", "q1", "John", "Smith"))
	if _, err := s.Merge(context.Background(), ma.MasterID, mb.MasterID, ma.Version); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// Merging the retired ID into the survivor resolves to the same master.
	m, err := s.Merge(context.Background(), ma.MasterID, mb.MasterID, 999)
	if err != nil {
		t.Fatalf("repeat merge should be a no-op: %v", err)
	}
	if m.MasterID != ma.MasterID {
		t.Errorf("unexpected survivor %s", m.MasterID)
	}
}

func TestStore_WriteThroughFailureLeavesMemoryClean(t *testing.T) {
	repo := newMockMasterRepo()
	s := NewGoldenRecordStore(repo)

	repo.saveMasterErr = errors.New("connection refused")
	rec := newRecord("epic", "p1", "John", "Smith")
	if _, err := s.Create(context.Background(), rec); err == nil {
		t.Fatal("expected create to surface the persistence error")
	}
	if s.Count() != 0 {
		t.Error("failed create should not leave a master in memory")
	}
	if _, ok := s.MasterOf(rec.Ref()); ok {
		t.Error("failed create should not map the record")
	}

	repo.saveMasterErr = nil
	m, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("create after recovery: %v", err)
	}

	repo.saveMasterErr = errors.New("connection refused")
	if _, err := s.Link(context.Background(), m.MasterID, newRecord("cerner", "q1", "John", "Smith"), m.Version); err == nil {
		t.Fatal("expected link to surface the persistence error")
	}
	fresh, _ := s.Get(m.MasterID)
	if fresh.Version != 1 || len(fresh.LinkedRecords) != 1 {
		t.Error("failed link should not mutate the master")
	}
}

func TestStore_Hydrate(t *testing.T) {
	repo := newMockMasterRepo()
	seed := NewGoldenRecordStore(repo)
	a := newRecord("epic", "p1", "John", "Smith")
	b := newRecord("cerner", "q1", "John", "Smith")
	ma, _ := seed.Create(context.Background(), a)
	mb, _ := seed.Create(context.Background(), b)
	if _, err := seed.Merge(context.Background(), ma.MasterID, mb.MasterID, ma.Version); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// A fresh store hydrated from the same repo sees identical state,
	// including the tombstone redirect.
	s := NewGoldenRecordStore(repo)
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("hydrated count = %d, want 1", s.Count())
	}
	m, err := s.Get(mb.MasterID)
	if err != nil {
		t.Fatalf("get retired ID after hydrate: %v", err)
	}
	if m.MasterID != ma.MasterID {
		t.Error("tombstone should survive hydration")
	}
	if got, _ := s.MasterOf(b.Ref()); got != ma.MasterID {
		t.Error("record mapping should survive hydration")
	}
}
