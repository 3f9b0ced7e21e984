package mpi

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReviewReason records why an item landed in the queue.
type ReviewReason string

const (
	// ReviewPossibleMatch is the normal path: the best candidate scored in
	// the POSSIBLE band and needs human adjudication.
	ReviewPossibleMatch ReviewReason = "possible_match"
	// ReviewConflictRetries means the engine exhausted its optimistic-
	// concurrency retries; the record is parked rather than dropped.
	ReviewConflictRetries ReviewReason = "conflict_retries_exhausted"
)

// ReviewItem is one queued adjudication task.
type ReviewItem struct {
	ID                uuid.UUID    `json:"id"`
	Record            *PatientRecord `json:"record"`
	CandidateMasterID uuid.UUID    `json:"candidate_master_id"`
	Score             float64      `json:"score"`
	Reason            ReviewReason `json:"reason"`
	EnqueuedAt        time.Time    `json:"enqueued_at"`
}

// ReviewQueue holds POSSIBLE-tier outcomes awaiting human adjudication.
// The worklist UI consuming it is an external collaborator; this side only
// guarantees that queued records are never lost and resolution is
// exactly-once.
type ReviewQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*ReviewItem
	order []uuid.UUID
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{items: make(map[uuid.UUID]*ReviewItem)}
}

// Enqueue adds an item and returns its generated ID.
func (q *ReviewQueue) Enqueue(rec *PatientRecord, candidateMaster uuid.UUID, score float64, reason ReviewReason) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &ReviewItem{
		ID:                uuid.New(),
		Record:            rec,
		CandidateMasterID: candidateMaster,
		Score:             score,
		Reason:            reason,
		EnqueuedAt:        time.Now().UTC(),
	}
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	return item.ID
}

// Take removes and returns the item, failing if it was already resolved.
func (q *ReviewQueue) Take(id uuid.UUID) (*ReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("review item %s not found or already resolved", id)
	}
	delete(q.items, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return item, nil
}

// requeue puts a taken item back, preserving its ID. Used when resolution
// fails downstream so the record is not lost.
func (q *ReviewQueue) requeue(item *ReviewItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
}

// PendingFor returns the queued item holding the given record, if any.
func (q *ReviewQueue) PendingFor(ref RecordRef) (*ReviewItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if item := q.items[id]; item.Record.Ref() == ref {
			return item, true
		}
	}
	return nil, false
}

// Pending returns the queued items in arrival order.
func (q *ReviewQueue) Pending() []*ReviewItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ReviewItem, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id])
	}
	return out
}

// Len reports the number of queued items.
func (q *ReviewQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
