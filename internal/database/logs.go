package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

func (db *Database) insertConsolidationLog(ctx context.Context, exec DBTX, e *memstore.ConsolidationLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := exec.Exec(ctx, `
		INSERT INTO memory_consolidation_log
			(id, memory_id, previous_strength, new_strength, previous_recall, new_recall, event_type, trigger_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.MemoryID, e.PreviousStrength, e.NewStrength, e.PreviousRecall, e.NewRecall, e.EventType, e.TriggerReason, e.CreatedAt)
	if err != nil {
		return memerr.Wrap(memerr.Database, "insert consolidation log", err)
	}
	return nil
}

// InsertConsolidationLog records a consolidation-strength transition
// outside of a caller-managed transaction (the access-triggered
// reinforcement path).
func (db *Database) InsertConsolidationLog(ctx context.Context, e *memstore.ConsolidationLogEntry) error {
	return db.insertConsolidationLog(ctx, db.pool, e)
}

// RecentConsolidationExists reports whether memoryID has a consolidation
// log entry newer than since, used by the retrieval engine to decide
// whether to apply the recently-consolidated boost.
func (db *Database) RecentConsolidationExists(ctx context.Context, memoryID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM memory_consolidation_log
			WHERE memory_id = $1 AND created_at >= $2
		)
	`, memoryID, since).Scan(&exists)
	if err != nil {
		return false, memerr.Wrap(memerr.Database, "check recent consolidation", err)
	}
	return exists, nil
}

// RecentlyConsolidatedSet batches RecentConsolidationExists across many
// memory ids in one query, avoiding N+1 lookups during batch scoring in
// the Retrieval Engine.
func (db *Database) RecentlyConsolidatedSet(ctx context.Context, memoryIDs []uuid.UUID, since time.Time) (map[uuid.UUID]bool, error) {
	if len(memoryIDs) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT memory_id FROM memory_consolidation_log
		WHERE memory_id = ANY($1) AND created_at >= $2
	`, memoryIDs, since)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "recently consolidated set", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool, len(memoryIDs))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan recently consolidated row", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// GetConsolidationChain returns the most recent consolidation log entries
// for a memory, newest first, bounded by limit — used when explaining or
// auditing a memory's reinforcement history.
func (db *Database) GetConsolidationChain(ctx context.Context, memoryID uuid.UUID, limit int) ([]*memstore.ConsolidationLogEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, memory_id, previous_strength, new_strength, previous_recall, new_recall, event_type, trigger_reason, created_at
		FROM memory_consolidation_log
		WHERE memory_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, memoryID, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get consolidation chain", err)
	}
	defer rows.Close()

	var out []*memstore.ConsolidationLogEntry
	for rows.Next() {
		var e memstore.ConsolidationLogEntry
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.PreviousStrength, &e.NewStrength, &e.PreviousRecall, &e.NewRecall, &e.EventType, &e.TriggerReason, &e.CreatedAt); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan consolidation chain row", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertPruningLog records a hard-deletion or auto-prune event.
func (db *Database) InsertPruningLog(ctx context.Context, exec DBTX, e *memstore.PruningLogEntry) error {
	if exec == nil {
		exec = db.pool
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := exec.Exec(ctx, `
		INSERT INTO memory_pruning_log
			(id, memory_id, recall_probability, age_days, tier, importance, access_count, content_size, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.MemoryID, e.RecallProbability, e.AgeDays, e.Tier, e.Importance, e.AccessCount, e.ContentSize, e.Reason, e.CreatedAt)
	if err != nil {
		return memerr.Wrap(memerr.Database, "insert pruning log", err)
	}
	return nil
}

// InsertCompressionLog records the pre-archival snapshot needed to
// reverse a merge or prune within the reversible window.
func (db *Database) InsertCompressionLog(ctx context.Context, exec DBTX, e *memstore.CompressionLogEntry) error {
	if exec == nil {
		exec = db.pool
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metaRaw, err := json.Marshal(e.OriginalMetadata)
	if err != nil {
		return memerr.Wrap(memerr.InvalidData, "encode compression log metadata", err)
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO memory_compression_log
			(id, memory_id, original_content, original_metadata, compression_type, ratio, reversible_until, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.MemoryID, e.OriginalContent, metaRaw, e.CompressionType, e.Ratio, e.ReversibleUntil, e.CreatedAt)
	if err != nil {
		return memerr.Wrap(memerr.Database, "insert compression log", err)
	}
	return nil
}

// GetCompressionLog returns the most recent compression-log snapshot for
// a memory.
func (db *Database) GetCompressionLog(ctx context.Context, memoryID uuid.UUID) (*memstore.CompressionLogEntry, error) {
	var e memstore.CompressionLogEntry
	var metaRaw []byte
	err := db.pool.QueryRow(ctx, `
		SELECT id, memory_id, original_content, original_metadata, compression_type, ratio, reversible_until, created_at
		FROM memory_compression_log
		WHERE memory_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, memoryID).Scan(&e.ID, &e.MemoryID, &e.OriginalContent, &metaRaw, &e.CompressionType, &e.Ratio, &e.ReversibleUntil, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, memerr.New(memerr.NotFound, "no compression log for memory")
		}
		return nil, memerr.Wrap(memerr.Database, "get compression log", err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &e.OriginalMetadata); err != nil {
			return nil, memerr.Wrap(memerr.InvalidData, "decode compression log metadata", err)
		}
	}
	return &e, nil
}

// InsertDedupAudit opens a new dedup audit-log entry within the given
// transaction; each merged group and each prune run records one.
func (db *Database) InsertDedupAudit(ctx context.Context, tx pgx.Tx, e *memstore.DedupAuditLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	opData, err := json.Marshal(e.OperationData)
	if err != nil {
		return memerr.Wrap(memerr.InvalidData, "encode dedup audit operation data", err)
	}
	compData, err := json.Marshal(e.CompletionData)
	if err != nil {
		return memerr.Wrap(memerr.InvalidData, "encode dedup audit completion data", err)
	}
	_, err = db.execer(tx).Exec(ctx, `
		INSERT INTO deduplication_audit_log
			(id, operation_type, operation_data, completion_data, status, created_at, completed_at, reversible_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.OperationType, opData, compData, e.Status, e.CreatedAt, e.CompletedAt, e.ReversibleUntil)
	if err != nil {
		return memerr.Wrap(memerr.Database, "insert dedup audit", err)
	}
	return nil
}

// CompleteDedupAudit marks an audit entry Completed and attaches its
// completion payload, within the same transaction as the merge/prune it
// describes.
func (db *Database) CompleteDedupAudit(ctx context.Context, tx pgx.Tx, id uuid.UUID, completionData map[string]any) error {
	compData, err := json.Marshal(completionData)
	if err != nil {
		return memerr.Wrap(memerr.InvalidData, "encode dedup audit completion data", err)
	}
	_, err = db.execer(tx).Exec(ctx, `
		UPDATE deduplication_audit_log
		SET status = 'completed', completion_data = $2, completed_at = now()
		WHERE id = $1
	`, id, compData)
	if err != nil {
		return memerr.Wrap(memerr.Database, "complete dedup audit", err)
	}
	return nil
}

// ReverseDedupAudit marks an audit entry Reversed, within the reversal
// transaction.
func (db *Database) ReverseDedupAudit(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := db.execer(tx).Exec(ctx, `UPDATE deduplication_audit_log SET status = 'reversed' WHERE id = $1`, id)
	if err != nil {
		return memerr.Wrap(memerr.Database, "reverse dedup audit", err)
	}
	return nil
}

// GetDedupAudit loads a dedup audit-log entry by id, used to check
// reversible_until and load operation_data before a reversal.
func (db *Database) GetDedupAudit(ctx context.Context, id uuid.UUID) (*memstore.DedupAuditLogEntry, error) {
	var e memstore.DedupAuditLogEntry
	var opData, compData []byte
	err := db.pool.QueryRow(ctx, `
		SELECT id, operation_type, operation_data, completion_data, status, created_at, completed_at, reversible_until
		FROM deduplication_audit_log
		WHERE id = $1
	`, id).Scan(&e.ID, &e.OperationType, &opData, &compData, &e.Status, &e.CreatedAt, &e.CompletedAt, &e.ReversibleUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, memerr.New(memerr.NotFound, "dedup audit entry not found")
		}
		return nil, memerr.Wrap(memerr.Database, "get dedup audit", err)
	}
	if len(opData) > 0 {
		if err := json.Unmarshal(opData, &e.OperationData); err != nil {
			return nil, memerr.Wrap(memerr.InvalidData, "decode dedup audit operation data", err)
		}
	}
	if len(compData) > 0 {
		if err := json.Unmarshal(compData, &e.CompletionData); err != nil {
			return nil, memerr.Wrap(memerr.InvalidData, "decode dedup audit completion data", err)
		}
	}
	return &e, nil
}

// InsertMergeHistory records one (merge_operation_id, original_memory_id)
// pair per source memory folded into a merge result, within the merge
// transaction.
func (db *Database) InsertMergeHistory(ctx context.Context, tx pgx.Tx, mergeOperationID, mergedMemoryID uuid.UUID, originalMemoryIDs []uuid.UUID) error {
	for _, origID := range originalMemoryIDs {
		_, err := db.execer(tx).Exec(ctx, `
			INSERT INTO memory_merge_history (merge_operation_id, merged_memory_id, original_memory_id)
			VALUES ($1,$2,$3)
			ON CONFLICT DO NOTHING
		`, mergeOperationID, mergedMemoryID, origID)
		if err != nil {
			return memerr.Wrap(memerr.Database, "insert merge history", err)
		}
	}
	return nil
}

// GetMergeHistory returns every source memory id folded into a merge
// operation, used both to explain a merged memory and to reverse it.
func (db *Database) GetMergeHistory(ctx context.Context, mergeOperationID uuid.UUID) ([]*memstore.MergeHistoryEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT merge_operation_id, merged_memory_id, original_memory_id
		FROM memory_merge_history
		WHERE merge_operation_id = $1
	`, mergeOperationID)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get merge history", err)
	}
	defer rows.Close()

	var out []*memstore.MergeHistoryEntry
	for rows.Next() {
		var e memstore.MergeHistoryEntry
		if err := rows.Scan(&e.MergeOperationID, &e.MergedMemoryID, &e.OriginalMemoryID); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan merge history row", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetMergeHistoryForMerged returns every merge-history row whose
// merged_memory_id matches.
func (db *Database) GetMergeHistoryForMerged(ctx context.Context, mergedMemoryID uuid.UUID) ([]*memstore.MergeHistoryEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT merge_operation_id, merged_memory_id, original_memory_id
		FROM memory_merge_history
		WHERE merged_memory_id = $1
	`, mergedMemoryID)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get merge history for merged", err)
	}
	defer rows.Close()

	var out []*memstore.MergeHistoryEntry
	for rows.Next() {
		var e memstore.MergeHistoryEntry
		if err := rows.Scan(&e.MergeOperationID, &e.MergedMemoryID, &e.OriginalMemoryID); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan merge history row", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// IncrementDedupMetrics bumps the singleton dedup metrics row, creating it
// on first use.
func (db *Database) IncrementDedupMetrics(ctx context.Context, tx pgx.Tx, merged, pruned int64) error {
	exec := db.execer(tx)
	tag, err := exec.Exec(ctx, `
		UPDATE deduplication_metrics
		SET operations_total = operations_total + 1,
		    memories_merged_total = memories_merged_total + $1,
		    memories_pruned_total = memories_pruned_total + $2,
		    updated_at = now()
	`, merged, pruned)
	if err != nil {
		return memerr.Wrap(memerr.Database, "increment dedup metrics", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := exec.Exec(ctx, `
			INSERT INTO deduplication_metrics (id, operations_total, memories_merged_total, memories_pruned_total, updated_at)
			VALUES ($1, 1, $2, $3, now())
		`, uuid.New(), merged, pruned)
		if err != nil {
			return memerr.Wrap(memerr.Database, "insert dedup metrics", err)
		}
	}
	return nil
}
