package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
)

// Neighbor is one ANN hit: a memory id and its cosine similarity to the
// probe embedding.
type Neighbor struct {
	ID         uuid.UUID
	Similarity float64
}

// NearestNeighbors queries the HNSW index for the k nearest Active
// memories to embedding within the candidate id set, keeping only hits
// whose cosine distance is at most maxDistance. The dedup engine calls
// this once per unprocessed candidate instead of comparing pairs in the
// application, which keeps similarity grouping sub-quadratic.
func (db *Database) NearestNeighbors(ctx context.Context, tx pgx.Tx, embedding []float32, candidateIDs []uuid.UUID, maxDistance float64, k int) ([]Neighbor, error) {
	if len(embedding) == 0 || len(candidateIDs) == 0 {
		return nil, nil
	}
	rows, err := db.execer(tx).Query(ctx, `
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE id = ANY($2)
		  AND status = 'active'
		  AND embedding IS NOT NULL
		  AND (embedding <=> $1::vector) <= $3
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $4
	`, embeddingLiteral(embedding), candidateIDs, maxDistance, k)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "nearest neighbors", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Similarity); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan neighbor row", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// TierInfo is one row of the memory_tiers capacity table.
type TierInfo struct {
	TierName      string
	MaxCapacity   int64
	RetentionDays int
}

// GetTierInfo returns the per-tier capacity and retention rows, used
// for status reporting and headroom accounting.
func (db *Database) GetTierInfo(ctx context.Context) ([]TierInfo, error) {
	rows, err := db.pool.Query(ctx, `SELECT tier_name, max_capacity, retention_days FROM memory_tiers ORDER BY tier_name`)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get tier info", err)
	}
	defer rows.Close()

	var out []TierInfo
	for rows.Next() {
		var ti TierInfo
		if err := rows.Scan(&ti.TierName, &ti.MaxCapacity, &ti.RetentionDays); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan tier info row", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// CountActiveByTier returns the number of Active memories per tier, used
// for tier status reporting and the dedup engine's headroom accounting.
func (db *Database) CountActiveByTier(ctx context.Context) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT tier, COUNT(*) FROM memories WHERE status = 'active' GROUP BY tier
	`)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "count active by tier", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan tier count row", err)
		}
		out[tier] = n
	}
	return out, rows.Err()
}
