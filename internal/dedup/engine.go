// Package dedup implements the semantic deduplication engine: lock
// protected, transactional merging of near-duplicate memories found via
// vector similarity, with a reversible audit trail and an independent
// auto-pruner.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// lockID is the stable id hashed into the advisory-lock key. Every
// deduplicate_batch call contends on the same key so only one dedup
// operation runs at a time cluster-wide, not merely per operation id.
const lockID = "deduplicate_batch"

// BatchResult summarizes one deduplicate_batch invocation.
type BatchResult struct {
	OperationID       uuid.UUID
	MemoriesProcessed int
	GroupsFound       int
	MemoriesMerged    int
	MergedMemoryIDs   []uuid.UUID
	AuditIDs          []uuid.UUID
	ExecutionTimeMs   int64
}

// Engine is the semantic deduplication engine.
type Engine struct {
	db  *database.Database
	cfg config.DedupConfig
	log *logging.Logger
	now func() time.Time

	// mu is the in-process half of the concurrency guard; the advisory
	// lock is the cluster-wide source of truth.
	mu sync.Mutex
}

// NewEngine constructs the engine.
func NewEngine(db *database.Database, cfg config.DedupConfig) *Engine {
	return &Engine{
		db:  db,
		cfg: cfg,
		log: logging.GetLogger("dedup"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// lockTx acquires the cluster-wide half of the concurrency guard: a
// transaction-level advisory lock on the operation's own transaction.
// It is released by PostgreSQL at commit or rollback, so WithTx's
// rollback-on-error (and rollback-on-panic) doubles as the guaranteed
// release path. The in-process mutex is the other half; callers hold it
// for the operation's duration via TryLock/defer Unlock.
func (e *Engine) lockTx(ctx context.Context, tx pgx.Tx) error {
	key := database.AdvisoryLockKey(database.LockCategoryDedup, lockID)
	ok, err := e.db.TryAcquireXactAdvisoryLock(ctx, tx, key)
	if err != nil {
		return err
	}
	if !ok {
		return memerr.New(memerr.ConcurrencyError, "dedup advisory lock held by another session")
	}
	return nil
}

// DeduplicateBatch finds similarity groups within the given memory ids
// (or the top candidates overall when ids is empty) and merges each group
// in a single all-or-nothing transaction. Holding both the in-process
// mutex and the advisory lock for the duration, it aborts with
// OperationTimeout when MaxOperationTimeSeconds elapses.
func (e *Engine) DeduplicateBatch(ctx context.Context, memoryIDs []uuid.UUID) (*BatchResult, error) {
	start := e.now()
	result := &BatchResult{OperationID: uuid.New()}

	if !e.mu.TryLock() {
		return nil, memerr.New(memerr.ConcurrencyError, "dedup operation already in flight in this process")
	}
	defer e.mu.Unlock()

	budget := time.Duration(e.cfg.MaxOperationTimeSeconds) * time.Second
	if budget <= 0 {
		budget = 30 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := e.db.WithTx(opCtx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.lockTx(ctx, tx); err != nil {
			return err
		}

		limit := e.cfg.MaxMemoriesPerOperation
		if limit <= 0 {
			limit = 10000
		}
		candidates, err := e.db.GetActiveMemoriesWithEmbeddings(ctx, tx, memoryIDs, limit)
		if err != nil {
			return err
		}
		// Freshly written memories are still settling; leave them out of
		// merge consideration until they age past the minimum.
		if e.cfg.MinMemoryAgeHours > 0 {
			cutoff := e.now().Add(-time.Duration(e.cfg.MinMemoryAgeHours * float64(time.Hour)))
			aged := candidates[:0]
			for _, m := range candidates {
				if !m.CreatedAt.After(cutoff) {
					aged = append(aged, m)
				}
			}
			candidates = aged
		}
		result.MemoriesProcessed = len(candidates)
		if len(candidates) < 2 {
			return nil
		}

		groups, err := e.findGroups(ctx, tx, candidates)
		if err != nil {
			return err
		}
		if max := e.cfg.BatchSize; max > 0 && len(groups) > max {
			groups = groups[:max]
		}
		result.GroupsFound = len(groups)

		for _, g := range groups {
			if time.Since(start) > budget {
				return memerr.Newf(memerr.OperationTimeout, "dedup exceeded %s budget", budget)
			}
			auditID, merged, err := e.mergeGroup(ctx, tx, g)
			if err != nil {
				return err
			}
			result.MemoriesMerged += len(g.members)
			result.MergedMemoryIDs = append(result.MergedMemoryIDs, merged)
			result.AuditIDs = append(result.AuditIDs, auditID)
		}

		if result.MemoriesMerged > 0 {
			return e.db.IncrementDedupMetrics(ctx, tx, int64(result.MemoriesMerged), 0)
		}
		return nil
	})
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded && !memerr.Is(err, memerr.OperationTimeout) {
			err = memerr.Wrap(memerr.OperationTimeout, "dedup transaction exceeded time budget", err)
		}
		return nil, err
	}

	result.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	e.log.LogOperation("deduplicate_batch",
		"operation_id", result.OperationID,
		"processed", result.MemoriesProcessed,
		"groups", result.GroupsFound,
		"merged", result.MemoriesMerged,
		"execution_time_ms", result.ExecutionTimeMs)
	return result, nil
}

// findGroups queries the ANN index for each unprocessed candidate's
// nearest neighbors within the candidate set, forming a group from each
// neighborhood and marking its members processed so no pair is compared
// twice.
func (e *Engine) findGroups(ctx context.Context, tx pgx.Tx, candidates []*memstore.Memory) ([]*group, error) {
	byID := make(map[uuid.UUID]*memstore.Memory, len(candidates))
	ids := make([]uuid.UUID, len(candidates))
	for i, m := range candidates {
		byID[m.ID] = m
		ids[i] = m.ID
	}

	maxDistance := 1 - e.cfg.SimilarityThreshold
	k := e.cfg.NeighborsPerMemory
	if k <= 0 {
		k = 20
	}

	processed := make(map[uuid.UUID]bool, len(candidates))
	var groups []*group

	for _, m := range candidates {
		if processed[m.ID] {
			continue
		}
		processed[m.ID] = true

		neighbors, err := e.db.NearestNeighbors(ctx, tx, m.Embedding, ids, maxDistance, k)
		if err != nil {
			return nil, err
		}

		members := []*memstore.Memory{m}
		for _, n := range neighbors {
			if n.ID == m.ID || processed[n.ID] {
				continue
			}
			if other, ok := byID[n.ID]; ok {
				processed[n.ID] = true
				members = append(members, other)
			}
		}
		if len(members) < 2 {
			continue
		}
		groups = append(groups, &group{
			members:       members,
			avgSimilarity: avgPairwiseSimilarity(members),
		})
	}
	return groups, nil
}

func avgPairwiseSimilarity(members []*memstore.Memory) float64 {
	var sum float64
	var n int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += embedding.CosineSimilarity(members[i].Embedding, members[j].Embedding)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// mergeGroup performs one group merge inside the batch transaction:
// open audit entry, insert the merged memory, verify and archive the
// sources with compression-log snapshots, record merge history, complete
// the audit entry.
func (e *Engine) mergeGroup(ctx context.Context, tx pgx.Tx, g *group) (auditID, mergedID uuid.UUID, err error) {
	now := e.now()
	strategy := chooseStrategy(g, e.cfg.LosslessCritical, now)
	merged := buildMerged(g, strategy, now)

	sourceIDs := make([]uuid.UUID, len(g.members))
	sourceIDStrings := make([]string, len(g.members))
	for i, m := range g.members {
		sourceIDs[i] = m.ID
		sourceIDStrings[i] = m.ID.String()
	}

	reversibleUntil := now.Add(e.reversibleWindow())
	audit := &memstore.DedupAuditLogEntry{
		OperationType: memstore.AuditOperationMerge,
		OperationData: map[string]any{
			"source_memory_ids": sourceIDStrings,
			"merge_strategy":    string(strategy),
			"avg_similarity":    g.avgSimilarity,
		},
		Status:          memstore.AuditStatusInProgress,
		ReversibleUntil: reversibleUntil,
	}
	if err := e.db.InsertDedupAudit(ctx, tx, audit); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if err := e.db.CreateMemory(ctx, tx, merged); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if err := e.archiveSources(ctx, tx, merged, g, reversibleUntil); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if err := e.db.InsertMergeHistory(ctx, tx, audit.ID, merged.ID, sourceIDs); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	if err := e.db.CompleteDedupAudit(ctx, tx, audit.ID, map[string]any{
		"merged_memory_id": merged.ID.String(),
		"memories_merged":  len(g.members),
		"merge_strategy":   string(strategy),
	}); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	return audit.ID, merged.ID, nil
}

// archiveSources verifies the merged memory is Active, then archives
// every source still Active, snapshotting each into the compression log
// first. Sources no longer Active at verification time are skipped with
// a warning.
func (e *Engine) archiveSources(ctx context.Context, tx pgx.Tx, merged *memstore.Memory, g *group, reversibleUntil time.Time) error {
	ids := make([]uuid.UUID, 0, len(g.members)+1)
	ids = append(ids, merged.ID)
	for _, m := range g.members {
		ids = append(ids, m.ID)
	}
	statuses, err := e.db.GetMemoryStatuses(ctx, tx, ids)
	if err != nil {
		return err
	}
	if statuses[merged.ID] != memstore.StatusActive {
		return memerr.New(memerr.InvalidData, "merged memory not active at archival time")
	}

	mergedSize := len(merged.Content)
	var toArchive []uuid.UUID
	for _, m := range g.members {
		if statuses[m.ID] != memstore.StatusActive {
			e.log.Warn("merge source no longer active, skipping archival", "memory_id", m.ID, "status", statuses[m.ID])
			continue
		}
		ratio := 1.0
		if mergedSize > 0 && len(m.Content) > 0 {
			ratio = float64(mergedSize) / float64(len(m.Content))
		}
		if err := e.db.InsertCompressionLog(ctx, tx, &memstore.CompressionLogEntry{
			MemoryID:         m.ID,
			OriginalContent:  m.Content,
			OriginalMetadata: m.Metadata,
			CompressionType:  "dedup_merge",
			Ratio:            ratio,
			ReversibleUntil:  reversibleUntil,
		}); err != nil {
			return err
		}
		toArchive = append(toArchive, m.ID)
	}
	return e.db.BatchArchiveMemories(ctx, tx, toArchive)
}

// ReverseOperation undoes a completed merge or prune within its
// reversible window, in one transaction. Reversing an already-reversed
// operation is a no-op; any other non-completed state, or an expired
// window, is an InvalidRequest.
func (e *Engine) ReverseOperation(ctx context.Context, auditID uuid.UUID) error {
	audit, err := e.db.GetDedupAudit(ctx, auditID)
	if err != nil {
		return err
	}

	if audit.Status == memstore.AuditStatusReversed {
		return nil
	}
	if audit.Status != memstore.AuditStatusCompleted {
		return memerr.Newf(memerr.InvalidRequest, "operation %s is %s, not completed", auditID, audit.Status)
	}
	if e.now().After(audit.ReversibleUntil) {
		return memerr.Newf(memerr.InvalidRequest, "operation %s reversible window expired at %s", auditID, audit.ReversibleUntil.Format(time.RFC3339))
	}

	switch audit.OperationType {
	case memstore.AuditOperationMerge:
		return e.reverseMerge(ctx, audit)
	case memstore.AuditOperationPrune:
		return e.reversePrune(ctx, audit)
	default:
		return memerr.Newf(memerr.InvalidData, "unknown audit operation type %q", audit.OperationType)
	}
}

func (e *Engine) reverseMerge(ctx context.Context, audit *memstore.DedupAuditLogEntry) error {
	history, err := e.db.GetMergeHistory(ctx, audit.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return memerr.Newf(memerr.InvalidData, "no merge history for operation %s", audit.ID)
	}

	mergedID := history[0].MergedMemoryID
	sourceIDs := make([]uuid.UUID, len(history))
	for i, h := range history {
		sourceIDs[i] = h.OriginalMemoryID
	}

	return e.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.db.RestoreMemoriesActive(ctx, tx, sourceIDs, memstore.StatusArchived); err != nil {
			return err
		}
		if err := e.db.BatchArchiveMemories(ctx, tx, []uuid.UUID{mergedID}); err != nil {
			return err
		}
		if err := e.db.ReverseDedupAudit(ctx, tx, audit.ID); err != nil {
			return err
		}
		e.log.LogOperation("reverse_merge", "operation_id", audit.ID, "restored", len(sourceIDs), "merged_memory_id", mergedID)
		return nil
	})
}

func (e *Engine) reversePrune(ctx context.Context, audit *memstore.DedupAuditLogEntry) error {
	ids := prunedIDsFromAudit(audit)
	if len(ids) == 0 {
		return memerr.Newf(memerr.InvalidData, "no pruned memory ids recorded for operation %s", audit.ID)
	}
	return e.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.db.RestoreMemoriesActive(ctx, tx, ids, memstore.StatusDeleted); err != nil {
			return err
		}
		if err := e.db.ReverseDedupAudit(ctx, tx, audit.ID); err != nil {
			return err
		}
		e.log.LogOperation("reverse_prune", "operation_id", audit.ID, "restored", len(ids))
		return nil
	})
}

func prunedIDsFromAudit(audit *memstore.DedupAuditLogEntry) []uuid.UUID {
	raw, ok := audit.OperationData["pruned_memory_ids"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				out = append(out, id)
			}
		}
	}
	return out
}

// CompactionDue reports whether any tier's Active population has grown
// past its capacity minus the configured headroom. For each overfull
// tier the per-tier compression target is returned so the caller knows
// how aggressively to merge.
func (e *Engine) CompactionDue(ctx context.Context) (bool, map[string]int, error) {
	counts, err := e.db.CountActiveByTier(ctx)
	if err != nil {
		return false, nil, err
	}
	info, err := e.db.GetTierInfo(ctx)
	if err != nil {
		return false, nil, err
	}

	targets := map[string]int{
		string(memstore.TierWorking): e.cfg.CompressionTargets.Working,
		string(memstore.TierWarm):    e.cfg.CompressionTargets.Warm,
		string(memstore.TierCold):    e.cfg.CompressionTargets.Cold,
		string(memstore.TierFrozen):  e.cfg.CompressionTargets.Frozen,
	}

	overfull := map[string]int{}
	for _, ti := range info {
		if ti.MaxCapacity <= 0 {
			continue
		}
		limit := float64(ti.MaxCapacity) * (1 - e.cfg.TargetMemoryHeadroom)
		if float64(counts[ti.TierName]) >= limit {
			overfull[ti.TierName] = targets[ti.TierName]
		}
	}
	return len(overfull) > 0, overfull, nil
}

func (e *Engine) reversibleWindow() time.Duration {
	days := e.cfg.ReversibleWindowDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}
