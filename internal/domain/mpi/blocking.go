package mpi

import (
	"strconv"
	"strings"
	"sync"
)

// BlockingKeyFunc reduces a record to one cheap partitioning key. Records
// sharing a key land in the same bucket and become candidates for pairwise
// scoring; everything else is never compared.
type BlockingKeyFunc func(r *PatientRecord) string

// LastNamePrefixKey is the default blocking pass: uppercase first three
// characters of the last name, padded with '_' when shorter, "UNK" when the
// name is absent. High recall against first-name variation and noise in
// other fields; misses last-name typos (a documented trade-off).
func LastNamePrefixKey(r *PatientRecord) string {
	name := strings.TrimSpace(r.LastName)
	if name == "" {
		return "UNK"
	}
	key := []rune(strings.ToUpper(name))
	if len(key) > 3 {
		key = key[:3]
	}
	for len(key) < 3 {
		key = append(key, '_')
	}
	return string(key)
}

// BirthYearKey is an optional second pass OR'd with the default for higher
// recall. Records without a birth date share the "Y????" bucket.
func BirthYearKey(r *PatientRecord) string {
	if r.DateOfBirth == nil {
		return "Y????"
	}
	return "Y" + strconv.Itoa(r.DateOfBirth.Year())
}

type bucket struct {
	mu      sync.RWMutex
	records []*PatientRecord
}

// BlockingIndex maintains the reduced-key buckets. Buckets are created
// lazily under the index lock; appends and reads then synchronize on the
// bucket itself, so a hot bucket never contends with lookups elsewhere.
type BlockingIndex struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	keys    []BlockingKeyFunc
}

// NewBlockingIndex builds an index over the given blocking passes. With no
// passes supplied the default last-name-prefix pass is used.
func NewBlockingIndex(keys ...BlockingKeyFunc) *BlockingIndex {
	if len(keys) == 0 {
		keys = []BlockingKeyFunc{LastNamePrefixKey}
	}
	return &BlockingIndex{
		buckets: make(map[string]*bucket),
		keys:    keys,
	}
}

func (idx *BlockingIndex) bucketFor(key string, create bool) *bucket {
	idx.mu.RLock()
	b := idx.buckets[key]
	idx.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if b = idx.buckets[key]; b == nil {
		b = &bucket{}
		idx.buckets[key] = b
	}
	return b
}

// Index appends the record under each of its blocking keys. Re-indexing the
// same record is a no-op, which keeps duplicate submissions harmless.
func (idx *BlockingIndex) Index(r *PatientRecord) {
	ref := r.Ref()
	for _, keyFn := range idx.keys {
		b := idx.bucketFor(keyFn(r), true)
		b.mu.Lock()
		exists := false
		for _, existing := range b.records {
			if existing.Ref() == ref {
				exists = true
				break
			}
		}
		if !exists {
			b.records = append(b.records, r)
		}
		b.mu.Unlock()
	}
}

// Candidates returns the union of all records sharing a blocking key with r,
// excluding r itself. No cap is enforced here; the engine bounds the set.
func (idx *BlockingIndex) Candidates(r *PatientRecord) []*PatientRecord {
	self := r.Ref()
	var out []*PatientRecord
	seen := make(map[RecordRef]bool)

	for _, keyFn := range idx.keys {
		b := idx.bucketFor(keyFn(r), false)
		if b == nil {
			continue
		}
		b.mu.RLock()
		for _, cand := range b.records {
			ref := cand.Ref()
			if ref == self || seen[ref] {
				continue
			}
			seen[ref] = true
			out = append(out, cand)
		}
		b.mu.RUnlock()
	}
	return out
}

// Len reports the number of indexed records (union across buckets).
func (idx *BlockingIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[RecordRef]bool)
	for _, b := range idx.buckets {
		b.mu.RLock()
		for _, r := range b.records {
			seen[r.Ref()] = true
		}
		b.mu.RUnlock()
	}
	return len(seen)
}
