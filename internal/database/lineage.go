package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// GetChildren returns Active memories whose parent_id is id, the direct
// step of the retrieval engine's descendant traversal.
func (db *Database) GetChildren(ctx context.Context, id uuid.UUID) ([]*memstore.Memory, error) {
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM memories WHERE parent_id = $1 AND status = 'active'
	`, memorySelectColumns), id)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get children", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// GetParent returns the Active parent of a memory, or NotFound if it has
// none or the parent is gone.
func (db *Database) GetParent(ctx context.Context, id uuid.UUID) (*memstore.Memory, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM memories m
		WHERE m.id = (SELECT parent_id FROM memories WHERE id = $1) AND m.status = 'active'
	`, memorySelectColumns), id)
	return scanMemory(row)
}

// GetRelatedInsights returns Active insight memories whose
// source_memory_ids metadata array contains id, via jsonb containment.
// This is the reverse-lineage lookup expanding a source memory to the
// insights it fed.
func (db *Database) GetRelatedInsights(ctx context.Context, id uuid.UUID, limit int) ([]*memstore.Memory, error) {
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE status = 'active'
		  AND metadata -> 'source_memory_ids' @> to_jsonb($1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, memorySelectColumns), id.String(), limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get related insights", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}
