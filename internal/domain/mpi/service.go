package mpi

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCommitRetries = 3

// EngineConfig carries the per-tenant tuning for a match engine.
type EngineConfig struct {
	Tenant        string
	Thresholds    Thresholds
	Weights       ScoringWeights
	CandidateCap  int  // max candidates scored per match; 0 = unlimited
	CommitRetries int  // optimistic-concurrency retries before escalating
	BirthYearPass bool // enable the OR'd birth-year blocking pass
}

// MatchEngine orchestrates one tenant's index: given an incoming record it
// blocks, scores, classifies, and commits: linking to an existing master,
// creating a new one, or queuing for review. Safe for concurrent use; the
// candidate-generation and scoring path takes no engine-level lock, only
// the commit step is serialized per blocking key.
type MatchEngine struct {
	tenant     string
	index      *BlockingIndex
	scorer     *PairwiseScorer
	thresholds Thresholds
	store      *GoldenRecordStore
	reviews    *ReviewQueue
	repo       MasterRepository
	log        zerolog.Logger

	primaryKey    BlockingKeyFunc
	candidateCap  int
	commitRetries int
	commitLocks   [64]sync.Mutex
}

// NewMatchEngine builds an engine for one tenant. repo may be nil for
// memory-only operation.
func NewMatchEngine(cfg EngineConfig, repo MasterRepository, log zerolog.Logger) (*MatchEngine, error) {
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("engine config: tenant is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	retries := cfg.CommitRetries
	if retries <= 0 {
		retries = defaultCommitRetries
	}

	keys := []BlockingKeyFunc{LastNamePrefixKey}
	if cfg.BirthYearPass {
		keys = append(keys, BirthYearKey)
	}

	return &MatchEngine{
		tenant:        cfg.Tenant,
		index:         NewBlockingIndex(keys...),
		scorer:        NewPairwiseScorer(cfg.Weights),
		thresholds:    cfg.Thresholds,
		store:         NewGoldenRecordStore(repo),
		reviews:       NewReviewQueue(),
		repo:          repo,
		log:           log.With().Str("component", "mpi_engine").Str("tenant", cfg.Tenant).Logger(),
		primaryKey:    LastNamePrefixKey,
		candidateCap:  cfg.CandidateCap,
		commitRetries: retries,
	}, nil
}

// Store exposes the golden-record store for downstream consumers (graph
// writer, admin tooling).
func (e *MatchEngine) Store() *GoldenRecordStore { return e.store }

// Reviews exposes the adjudication queue for the worklist boundary.
func (e *MatchEngine) Reviews() *ReviewQueue { return e.reviews }

// IndexLen reports how many records the blocking index holds.
func (e *MatchEngine) IndexLen() int { return e.index.Len() }

// Hydrate loads persisted masters and source records into the in-memory
// store and blocking index. Called once at startup before the engine
// serves traffic.
func (e *MatchEngine) Hydrate(ctx context.Context) error {
	if err := e.store.Hydrate(ctx); err != nil {
		return err
	}
	if e.repo == nil {
		return nil
	}
	records, err := e.repo.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("hydrate blocking index: %w", err)
	}
	for _, r := range records {
		e.index.Index(r)
	}
	e.log.Info().Int("records", len(records)).Int("masters", e.store.Count()).Msg("index hydrated")
	return nil
}

// Match runs one record through the pipeline. Every well-formed record
// deterministically terminates in LINKED, CREATED, or QUEUED; malformed
// input fails synchronously with a *ValidationError. Re-submitting a known
// record is an idempotent no-op resolving to its existing master.
func (e *MatchEngine) Match(ctx context.Context, rec *PatientRecord) (*MatchResult, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.TenantID != e.tenant {
		return nil, &ValidationError{Field: "tenant_id", Reason: fmt.Sprintf("record belongs to %q, index serves %q", rec.TenantID, e.tenant)}
	}
	// Records are immutable once handed in; a missing arrival stamp is
	// filled on a copy, never on the caller's value.
	if rec.ReceivedAt.IsZero() {
		stamped := *rec
		stamped.ReceivedAt = time.Now().UTC()
		rec = &stamped
	}

	// Duplicate resubmission short-circuits before any scoring.
	if masterID, ok := e.store.MasterOf(rec.Ref()); ok {
		e.index.Index(rec)
		e.log.Debug().Stringer("record", rec.Ref()).Stringer("master", masterID).Msg("duplicate submission, already linked")
		return &MatchResult{Record: rec, Decision: DecisionLinked, MasterID: masterID}, nil
	}
	if item, ok := e.reviews.PendingFor(rec.Ref()); ok {
		e.index.Index(rec)
		return &MatchResult{Record: rec, Decision: DecisionQueued, MasterID: item.CandidateMasterID, Score: item.Score, ReviewItemID: item.ID}, nil
	}

	// Source records are retained verbatim for audit before any decision
	// is taken; a storage failure here fails the call rather than risking
	// a silently skipped record.
	if e.repo != nil {
		if err := e.repo.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist source record %s: %w", rec.Ref(), err)
		}
	}

	for attempt := 0; attempt <= e.commitRetries; attempt++ {
		result, err := e.tryCommit(ctx, rec)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		e.log.Warn().Stringer("record", rec.Ref()).Int("attempt", attempt+1).Msg("version conflict, restarting match")
	}

	// Retries exhausted: park the record for adjudication instead of
	// failing the ingestion.
	itemID := e.reviews.Enqueue(rec, uuid.Nil, 0, ReviewConflictRetries)
	e.index.Index(rec)
	e.log.Warn().Stringer("record", rec.Ref()).Stringer("review_item", itemID).Msg("commit retries exhausted, escalated to review")
	return &MatchResult{Record: rec, Decision: DecisionQueued, ReviewItemID: itemID}, nil
}

// tryCommit performs one block/score/classify/commit pass. The commit is
// serialized per primary blocking key so racing near-identical records see
// each other's outcome instead of both creating masters.
func (e *MatchEngine) tryCommit(ctx context.Context, rec *PatientRecord) (*MatchResult, error) {
	// First pass outside any lock: pure read path.
	candidates, versions := e.evaluate(rec)

	lock := &e.commitLocks[stripeFor(e.primaryKey(rec))]
	lock.Lock()
	defer lock.Unlock()

	// A racing call may have linked this very record or indexed a better
	// candidate while we were scoring; re-validate under the stripe.
	if masterID, ok := e.store.MasterOf(rec.Ref()); ok {
		e.index.Index(rec)
		return &MatchResult{Record: rec, Candidates: candidates, Decision: DecisionLinked, MasterID: masterID}, nil
	}
	if item, ok := e.reviews.PendingFor(rec.Ref()); ok {
		e.index.Index(rec)
		return &MatchResult{Record: rec, Candidates: candidates, Decision: DecisionQueued, MasterID: item.CandidateMasterID, Score: item.Score, ReviewItemID: item.ID}, nil
	}
	candidates, versions = e.evaluate(rec)
	best := bestLinkable(candidates)

	switch {
	case best != nil && (best.MatchType == MatchExact || best.MatchType == MatchProbable):
		master, err := e.store.Link(ctx, best.MasterID, rec, versions[best.MasterID])
		if err != nil {
			return nil, err
		}
		e.index.Index(rec)
		e.log.Info().
			Stringer("record", rec.Ref()).
			Stringer("master", master.MasterID).
			Float64("score", best.Score).
			Str("match_type", string(best.MatchType)).
			Msg("record linked")
		return &MatchResult{Record: rec, Candidates: candidates, Decision: DecisionLinked, MasterID: master.MasterID, Score: best.Score}, nil

	case best != nil && best.MatchType == MatchPossible:
		itemID := e.reviews.Enqueue(rec, best.MasterID, best.Score, ReviewPossibleMatch)
		// Indexed provisionally: visible to blocking, owned by no master
		// until adjudicated.
		e.index.Index(rec)
		e.log.Info().
			Stringer("record", rec.Ref()).
			Stringer("candidate_master", best.MasterID).
			Float64("score", best.Score).
			Msg("possible match queued for review")
		return &MatchResult{Record: rec, Candidates: candidates, Decision: DecisionQueued, MasterID: best.MasterID, Score: best.Score, ReviewItemID: itemID}, nil

	default:
		master, err := e.store.Create(ctx, rec)
		if err != nil {
			return nil, err
		}
		e.index.Index(rec)
		e.log.Info().Stringer("record", rec.Ref()).Stringer("master", master.MasterID).Msg("new master created")
		return &MatchResult{Record: rec, Candidates: candidates, Decision: DecisionCreated, MasterID: master.MasterID}, nil
	}
}

// evaluate blocks, caps, scores, and ranks the candidates for rec,
// returning the ranked list plus the master versions observed during
// lookup (the optimistic-concurrency tokens for a subsequent Link).
func (e *MatchEngine) evaluate(rec *PatientRecord) ([]MatchCandidate, map[uuid.UUID]int64) {
	blocked := e.index.Candidates(rec)
	if e.candidateCap > 0 && len(blocked) > e.candidateCap {
		blocked = blocked[:e.candidateCap]
	}

	versions := make(map[uuid.UUID]int64)
	created := make(map[uuid.UUID]time.Time)
	candidates := make([]MatchCandidate, 0, len(blocked))
	for _, cand := range blocked {
		score, fieldScores := e.scorer.Score(rec, cand)
		mc := MatchCandidate{
			Record:      cand,
			Score:       score,
			MatchType:   e.thresholds.Classify(score),
			FieldScores: fieldScores,
		}
		if masterID, ok := e.store.MasterOf(cand.Ref()); ok {
			if m, err := e.store.Get(masterID); err == nil {
				mc.MasterID = m.MasterID
				versions[m.MasterID] = m.Version
				created[m.MasterID] = m.CreatedAt
			}
		}
		candidates = append(candidates, mc)
	}

	rankCandidates(candidates, func(c MatchCandidate) (int64, bool) {
		if c.MasterID == uuid.Nil {
			return 0, false
		}
		return created[c.MasterID].UnixNano(), true
	})
	return candidates, versions
}

// bestLinkable returns the top-ranked candidate that belongs to a master.
// Provisional records (queued, unadjudicated) are never link targets.
func bestLinkable(candidates []MatchCandidate) *MatchCandidate {
	for i := range candidates {
		if candidates[i].MasterID != uuid.Nil {
			return &candidates[i]
		}
	}
	return nil
}

// ResolveReview applies an external adjudicator's verdict to a queued item:
// accept links the record to the queued candidate master, reject confirms a
// new person and creates a fresh master. The item is requeued if the
// mutation cannot be committed, so no record is lost.
func (e *MatchEngine) ResolveReview(ctx context.Context, itemID uuid.UUID, accept bool) (*MasterPatient, error) {
	item, err := e.reviews.Take(itemID)
	if err != nil {
		return nil, err
	}

	if !accept || item.CandidateMasterID == uuid.Nil {
		master, err := e.store.Create(ctx, item.Record)
		if err != nil {
			e.reviews.requeue(item)
			return nil, fmt.Errorf("resolve review %s: %w", itemID, err)
		}
		e.log.Info().Stringer("record", item.Record.Ref()).Stringer("master", master.MasterID).Bool("accepted", accept).Msg("review resolved, master created")
		return master, nil
	}

	for attempt := 0; attempt <= e.commitRetries; attempt++ {
		master, err := e.store.Get(item.CandidateMasterID)
		if err != nil {
			e.reviews.requeue(item)
			return nil, fmt.Errorf("resolve review %s: %w", itemID, err)
		}
		linked, err := e.store.Link(ctx, master.MasterID, item.Record, master.Version)
		if err == nil {
			e.log.Info().Stringer("record", item.Record.Ref()).Stringer("master", linked.MasterID).Msg("review resolved, record linked")
			return linked, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			e.reviews.requeue(item)
			return nil, fmt.Errorf("resolve review %s: %w", itemID, err)
		}
	}
	e.reviews.requeue(item)
	return nil, fmt.Errorf("resolve review %s: %w", itemID, ErrVersionConflict)
}

func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % 64)
}

// Registry hands out one engine per tenant, created lazily. Tenant
// partitioning is the scale-out axis: each tenant gets its own logical
// index, never shared.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*MatchEngine
	build   func(tenant string) (*MatchEngine, error)
}

// NewRegistry creates a registry around an engine factory.
func NewRegistry(build func(tenant string) (*MatchEngine, error)) *Registry {
	return &Registry{
		engines: make(map[string]*MatchEngine),
		build:   build,
	}
}

// Engine returns the tenant's engine, constructing it on first use.
func (r *Registry) Engine(tenant string) (*MatchEngine, error) {
	r.mu.RLock()
	eng := r.engines[tenant]
	r.mu.RUnlock()
	if eng != nil {
		return eng, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if eng = r.engines[tenant]; eng != nil {
		return eng, nil
	}
	eng, err := r.build(tenant)
	if err != nil {
		return nil, err
	}
	r.engines[tenant] = eng
	return eng, nil
}
