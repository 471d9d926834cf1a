package dedup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// PruneResult summarizes one auto-prune pass.
type PruneResult struct {
	OperationID     uuid.UUID
	AuditID         uuid.UUID
	CandidatesFound int
	MemoriesPruned  int
	Skipped         int
	ExecutionTimeMs int64
}

// AutoPrune soft-deletes cold, unimportant, rarely accessed memories
// whose recall probability has fallen below the prune threshold.
// Selection and mutation run in one transaction under the advisory
// lock; every guard is still re-checked row by row right before the
// soft-delete, so a memory touched by a concurrently committed loop is
// skipped rather than lost. The whole pass is reversible for the same
// window as a merge.
func (e *Engine) AutoPrune(ctx context.Context) (*PruneResult, error) {
	start := e.now()
	result := &PruneResult{OperationID: uuid.New()}

	if !e.mu.TryLock() {
		return nil, memerr.New(memerr.ConcurrencyError, "dedup operation already in flight in this process")
	}
	defer e.mu.Unlock()

	now := e.now()
	batchCap := e.cfg.PruneBatchCap
	if batchCap <= 0 {
		batchCap = 500
	}
	lastAccessedCutoff := now.Add(-time.Duration(e.cfg.PruneLastAccessedDays) * 24 * time.Hour)
	ageCutoff := now.Add(-time.Duration(e.cfg.PruneAgeDays) * 24 * time.Hour)
	reversibleUntil := now.Add(e.reversibleWindow())

	err := e.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.lockTx(ctx, tx); err != nil {
			return err
		}

		candidates, err := e.db.AutoPruneCandidates(ctx, tx,
			e.cfg.PruneThreshold, ageCutoff, e.cfg.PruneMaxImportance,
			e.cfg.PruneMaxAccessCount, lastAccessedCutoff, e.cfg.PruneMaxConsolidation, batchCap)
		if err != nil {
			return err
		}
		result.CandidatesFound = len(candidates)
		if len(candidates) == 0 {
			return nil
		}

		var prunedIDs []uuid.UUID
		var prunedIDStrings []string

		for _, m := range candidates {
			ok, err := e.recheckPrunable(ctx, tx, m.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				result.Skipped++
				continue
			}

			if err := e.db.InsertPruningLog(ctx, tx, &memstore.PruningLogEntry{
				MemoryID:          m.ID,
				RecallProbability: m.RecallProbability,
				AgeDays:           now.Sub(m.CreatedAt).Hours() / 24,
				Tier:              m.Tier,
				Importance:        m.Importance,
				AccessCount:       m.AccessCount,
				ContentSize:       len(m.Content),
				Reason:            "auto_prune",
			}); err != nil {
				return err
			}
			if err := e.db.InsertCompressionLog(ctx, tx, &memstore.CompressionLogEntry{
				MemoryID:         m.ID,
				OriginalContent:  m.Content,
				OriginalMetadata: m.Metadata,
				CompressionType:  "auto_prune",
				Ratio:            0,
				ReversibleUntil:  reversibleUntil,
			}); err != nil {
				return err
			}
			prunedIDs = append(prunedIDs, m.ID)
			prunedIDStrings = append(prunedIDStrings, m.ID.String())
		}

		if len(prunedIDs) == 0 {
			return nil
		}

		audit := &memstore.DedupAuditLogEntry{
			OperationType: memstore.AuditOperationPrune,
			OperationData: map[string]any{
				"pruned_memory_ids": prunedIDStrings,
				"prune_threshold":   e.cfg.PruneThreshold,
			},
			Status:          memstore.AuditStatusInProgress,
			ReversibleUntil: reversibleUntil,
		}
		if err := e.db.InsertDedupAudit(ctx, tx, audit); err != nil {
			return err
		}
		result.AuditID = audit.ID

		if err := e.db.BatchSoftDeleteMemories(ctx, tx, prunedIDs); err != nil {
			return err
		}
		if err := e.db.CompleteDedupAudit(ctx, tx, audit.ID, map[string]any{
			"memories_pruned": len(prunedIDs),
		}); err != nil {
			return err
		}
		if err := e.db.IncrementDedupMetrics(ctx, tx, 0, int64(len(prunedIDs))); err != nil {
			return err
		}
		result.MemoriesPruned = len(prunedIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	e.log.LogOperation("auto_prune",
		"operation_id", result.OperationID,
		"candidates", result.CandidatesFound,
		"pruned", result.MemoriesPruned,
		"skipped", result.Skipped)
	return result, nil
}

// recheckPrunable re-applies every prune guard against the row's
// current state right before the soft-delete. Under read committed,
// another loop's commit can land between the candidate select and this
// point; a row that no longer qualifies is skipped.
func (e *Engine) recheckPrunable(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (bool, error) {
	lastAccessedCutoff := now.Add(-time.Duration(e.cfg.PruneLastAccessedDays) * 24 * time.Hour)
	ageCutoff := now.Add(-time.Duration(e.cfg.PruneAgeDays) * 24 * time.Hour)

	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM memories
			WHERE id = $1
			  AND status = 'active'
			  AND tier IN ('cold','frozen')
			  AND recall_probability < $2
			  AND created_at < $3
			  AND importance_score < $4
			  AND access_count < $5
			  AND (last_accessed_at IS NULL OR last_accessed_at < $6)
			  AND consolidation_strength < $7
			  AND NOT (metadata @> '{"critical":true}' OR metadata @> '{"important":true}'
			           OR metadata @> '{"permanent":true}' OR metadata @> '{"do_not_prune":true}')
		)
	`, id, e.cfg.PruneThreshold, ageCutoff, e.cfg.PruneMaxImportance,
		e.cfg.PruneMaxAccessCount, lastAccessedCutoff, e.cfg.PruneMaxConsolidation).Scan(&ok)
	if err != nil {
		return false, memerr.Wrap(memerr.Database, "recheck prune candidate", err)
	}
	return ok, nil
}
