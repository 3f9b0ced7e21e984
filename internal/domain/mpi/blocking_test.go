package mpi

import (
	"fmt"
	"sync"
	"testing"
)

func TestLastNamePrefixKey(t *testing.T) {
	tests := []struct {
		lastName string
		want     string
	}{
		{"Smith", "SMI"},
		{"smith", "SMI"},
		{"SMYTH", "SMY"},
		{"Ng", "NG_"},
		{"O", "O__"},
		{"", "UNK"},
		{"   ", "UNK"},
		{"de la Cruz", "DE "},
		{"Øberg", "ØBE"},
		{"李", "李__"},
	}
	for _, tt := range tests {
		r := &PatientRecord{LastName: tt.lastName}
		if got := LastNamePrefixKey(r); got != tt.want {
			t.Errorf("LastNamePrefixKey(%q) = %q, want %q", tt.lastName, got, tt.want)
		}
	}
}

func TestBirthYearKey(t *testing.T) {
	r := &PatientRecord{DateOfBirth: dateptr(1985, 3, 15)}
	if got := BirthYearKey(r); got != "Y1985" {
		t.Errorf("BirthYearKey = %q, want Y1985", got)
	}
	if got := BirthYearKey(&PatientRecord{}); got != "Y????" {
		t.Errorf("BirthYearKey with nil dob = %q, want Y????", got)
	}
}

func TestBlockingIndex_Candidates(t *testing.T) {
	idx := NewBlockingIndex()

	smith := newRecord("epic", "p1", "John", "Smith")
	smithson := newRecord("epic", "p2", "Mary", "Smithson")
	jones := newRecord("epic", "p3", "Alice", "Jones")
	idx.Index(smith)
	idx.Index(smithson)
	idx.Index(jones)

	probe := newRecord("cerner", "q1", "Jon", "Smith")
	cands := idx.Candidates(probe)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates in SMI bucket, got %d", len(cands))
	}
	for _, c := range cands {
		if c.Ref() == jones.Ref() {
			t.Error("Jones should not appear in the SMI bucket")
		}
	}
}

func TestBlockingIndex_ExcludesSelf(t *testing.T) {
	idx := NewBlockingIndex()
	rec := newRecord("epic", "p1", "John", "Smith")
	idx.Index(rec)

	if cands := idx.Candidates(rec); len(cands) != 0 {
		t.Errorf("record should never be its own candidate, got %d", len(cands))
	}
}

func TestBlockingIndex_IdempotentIndex(t *testing.T) {
	idx := NewBlockingIndex()
	rec := newRecord("epic", "p1", "John", "Smith")
	idx.Index(rec)
	idx.Index(rec)
	idx.Index(rec)

	if n := idx.Len(); n != 1 {
		t.Errorf("expected 1 indexed record after re-indexing, got %d", n)
	}
	probe := newRecord("cerner", "q1", "Jon", "Smith")
	if cands := idx.Candidates(probe); len(cands) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(cands))
	}
}

func TestBlockingIndex_MissingLastNameBucket(t *testing.T) {
	idx := NewBlockingIndex()
	a := newRecord("epic", "p1", "John", "")
	b := newRecord("cerner", "p2", "Jon", "")
	idx.Index(a)

	cands := idx.Candidates(b)
	if len(cands) != 1 || cands[0].Ref() != a.Ref() {
		t.Errorf("records without last names should share the UNK bucket, got %v", cands)
	}
}

func TestBlockingIndex_BirthYearPassUnion(t *testing.T) {
	idx := NewBlockingIndex(LastNamePrefixKey, BirthYearKey)

	sameName := newRecord("epic", "p1", "John", "Smith")
	sameYear := newRecord("epic", "p2", "John", "Smyth")
	sameYear.DateOfBirth = dateptr(1985, 3, 15)
	other := newRecord("epic", "p3", "Alice", "Jones")
	other.DateOfBirth = dateptr(1990, 1, 1)
	idx.Index(sameName)
	idx.Index(sameYear)
	idx.Index(other)

	probe := newRecord("cerner", "q1", "Jon", "Smith")
	probe.DateOfBirth = dateptr(1985, 7, 4)

	cands := idx.Candidates(probe)
	// Smith matches on name, Smyth matches on birth year, Jones on neither.
	if len(cands) != 2 {
		t.Fatalf("expected union of 2 candidates across passes, got %d", len(cands))
	}
	seen := map[RecordRef]bool{}
	for _, c := range cands {
		seen[c.Ref()] = true
	}
	if !seen[sameName.Ref()] || !seen[sameYear.Ref()] {
		t.Errorf("expected Smith and Smyth in the union, got %v", seen)
	}
}

func TestBlockingIndex_ConcurrentIndexing(t *testing.T) {
	idx := NewBlockingIndex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.Index(newRecord("epic", fmt.Sprintf("p%d", i), "John", "Smith"))
		}(i)
	}
	wg.Wait()

	if n := idx.Len(); n != 50 {
		t.Errorf("expected 50 indexed records, got %d", n)
	}
	probe := newRecord("cerner", "q1", "Jon", "Smith")
	if cands := idx.Candidates(probe); len(cands) != 50 {
		t.Errorf("expected 50 candidates, got %d", len(cands))
	}
}
