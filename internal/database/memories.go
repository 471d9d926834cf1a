package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// memoryColumns is the column list for INSERT statements; selects use
// memorySelectColumns, which casts the vector column to text so rows
// scan without a registered pgvector codec.
const memoryColumns = `id, content, content_hash, embedding, tier, status, importance_score,
	access_count, last_accessed_at, metadata, parent_id, created_at, updated_at, expires_at,
	consolidation_strength, decay_rate, recall_probability, last_recall_interval_seconds,
	recency_score, relevance_score`

const memorySelectColumns = `id, content, content_hash, embedding::text, tier, status, importance_score,
	access_count, last_accessed_at, metadata, parent_id, created_at, updated_at, expires_at,
	consolidation_strength, decay_rate, recall_probability, last_recall_interval_seconds,
	recency_score, relevance_score`

func scanMemory(row pgx.Row) (*memstore.Memory, error) {
	var m memstore.Memory
	var embRaw *string
	var metaRaw []byte
	var parentID *uuid.UUID
	var lastRecallSeconds *float64

	err := row.Scan(
		&m.ID, &m.Content, &m.ContentHash, &embRaw, &m.Tier, &m.Status, &m.Importance,
		&m.AccessCount, &m.LastAccessed, &metaRaw, &parentID, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		&m.ConsolidationStrength, &m.DecayRate, &m.RecallProbability, &lastRecallSeconds,
		&m.RecencyScore, &m.RelevanceScore,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, memerr.New(memerr.NotFound, "memory not found")
		}
		return nil, memerr.Wrap(memerr.Database, "scan memory row", err)
	}

	m.Embedding = parseVector(embRaw)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &m.Metadata); err != nil {
			return nil, memerr.Wrap(memerr.InvalidData, "decode memory metadata", err)
		}
	}
	m.ParentID = parentID
	if lastRecallSeconds != nil {
		d := time.Duration(*lastRecallSeconds * float64(time.Second))
		m.LastRecallInterval = &d
	}
	return &m, nil
}

// CreateMemory inserts a new Active memory, defaulting fields the caller
// did not set. Writers (including the Silent Harvester) create memories
// as Active/Working with consolidation_strength and decay_rate near 1.
// A nil tx writes through the pool; the dedup engine passes its merge
// transaction so the merged memory and its archived sources commit
// together.
func (db *Database) CreateMemory(ctx context.Context, tx pgx.Tx, m *memstore.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Tier == "" {
		m.Tier = memstore.TierWorking
	}
	if m.Status == "" {
		m.Status = memstore.StatusActive
	}
	if m.ConsolidationStrength == 0 {
		m.ConsolidationStrength = 1.0
	}
	if m.DecayRate == 0 {
		m.DecayRate = 1.0
	}
	if m.RecallProbability == 0 {
		m.RecallProbability = 1.0
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	metaRaw, err := json.Marshal(m.Metadata)
	if err != nil {
		return memerr.Wrap(memerr.InvalidData, "encode memory metadata", err)
	}

	var lastRecallSeconds *float64
	if m.LastRecallInterval != nil {
		v := m.LastRecallInterval.Seconds()
		lastRecallSeconds = &v
	}

	_, err = db.execer(tx).Exec(ctx, fmt.Sprintf(`
		INSERT INTO memories (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, memoryColumns),
		m.ID, m.Content, m.ContentHash, embeddingLiteral(m.Embedding), m.Tier, m.Status, m.Importance,
		m.AccessCount, m.LastAccessed, metaRaw, m.ParentID, m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
		m.ConsolidationStrength, m.DecayRate, m.RecallProbability, lastRecallSeconds,
		m.RecencyScore, m.RelevanceScore,
	)
	if err != nil {
		return memerr.Wrap(memerr.Database, "insert memory", err)
	}
	return nil
}

// GetMemory returns a memory by id regardless of status (retrieval and
// background loops scope to Active themselves via WHERE clauses).
func (db *Database) GetMemory(ctx context.Context, id uuid.UUID) (*memstore.Memory, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM memories WHERE id = $1`, memorySelectColumns), id)
	return scanMemory(row)
}

// GetActiveMemory returns a memory by id, failing with NotFound unless it
// is Active — the precondition most mutation paths need.
func (db *Database) GetActiveMemory(ctx context.Context, id uuid.UUID) (*memstore.Memory, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM memories WHERE id = $1 AND status = 'active'`, memorySelectColumns), id)
	return scanMemory(row)
}

// UpdateTier updates a memory's tier and updated_at within an optionally
// caller-supplied transaction (nil uses the pool directly), appending a
// consolidation-log row in the same statement group when logEntry is
// non-nil, making the tier manager's migration atomic.
func (db *Database) UpdateTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier memstore.Tier, logEntry *memstore.ConsolidationLogEntry) error {
	exec := db.execer(tx)
	tag, err := exec.Exec(ctx, `UPDATE memories SET tier = $1, updated_at = now() WHERE id = $2 AND status = 'active'`, tier, id)
	if err != nil {
		return memerr.Wrap(memerr.Database, "update tier", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.New(memerr.NotFound, "memory not active or does not exist")
	}
	if logEntry != nil {
		if err := db.insertConsolidationLog(ctx, exec, logEntry); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRecallState persists a freshly computed recall_probability and
// last_recall_interval for a memory, used by callers that read-then-write
// without a full math-engine re-derivation at query time.
func (db *Database) UpdateRecallState(ctx context.Context, id uuid.UUID, recall float64, interval *time.Duration) error {
	var seconds *float64
	if interval != nil {
		v := interval.Seconds()
		seconds = &v
	}
	_, err := db.pool.Exec(ctx, `UPDATE memories SET recall_probability = $1, last_recall_interval_seconds = $2 WHERE id = $3`, recall, seconds, id)
	if err != nil {
		return memerr.Wrap(memerr.Database, "update recall state", err)
	}
	return nil
}

// RecordAccess bumps access_count and last_accessed_at and applies the
// Math Engine's consolidation update, returning the strength held before
// the update for the caller to log (the new strength is newStrength).
func (db *Database) RecordAccess(ctx context.Context, id uuid.UUID, newStrength float64) (previousStrength float64, err error) {
	err = db.pool.QueryRow(ctx, `
		UPDATE memories AS m
		SET access_count = m.access_count + 1, last_accessed_at = now(), consolidation_strength = $2
		FROM (SELECT id, consolidation_strength FROM memories WHERE id = $1 FOR UPDATE) AS prev
		WHERE m.id = prev.id AND m.status = 'active'
		RETURNING prev.consolidation_strength
	`, id, newStrength).Scan(&previousStrength)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, memerr.New(memerr.NotFound, "memory not active or does not exist")
		}
		return 0, memerr.Wrap(memerr.Database, "record access", err)
	}
	return previousStrength, nil
}

// BatchUpdateDecayRates applies the forgetting job's adaptive decay
// rates in a single array-bound statement.
func (db *Database) BatchUpdateDecayRates(ctx context.Context, ids []uuid.UUID, rates []float64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `
		UPDATE memories AS m
		SET decay_rate = u.rate, updated_at = now()
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::float8[]) AS rate) AS u
		WHERE m.id = u.id AND m.status = 'active'
	`, ids, rates)
	if err != nil {
		return memerr.Wrap(memerr.Database, "batch update decay rates", err)
	}
	return nil
}

// BatchUpdateImportanceScores applies reinforcement-learning importance
// deltas in one statement.
func (db *Database) BatchUpdateImportanceScores(ctx context.Context, ids []uuid.UUID, scores []float64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `
		UPDATE memories AS m
		SET importance_score = u.score, updated_at = now()
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::float8[]) AS score) AS u
		WHERE m.id = u.id AND m.status = 'active'
	`, ids, scores)
	if err != nil {
		return memerr.Wrap(memerr.Database, "batch update importance scores", err)
	}
	return nil
}

// BatchUpdateRecall applies freshly computed recall probabilities in one
// statement, used by the Forgetting Job after recomputing each batch.
func (db *Database) BatchUpdateRecall(ctx context.Context, ids []uuid.UUID, recalls []float64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `
		UPDATE memories AS m
		SET recall_probability = u.recall
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::float8[]) AS recall) AS u
		WHERE m.id = u.id AND m.status = 'active'
	`, ids, recalls)
	if err != nil {
		return memerr.Wrap(memerr.Database, "batch update recall", err)
	}
	return nil
}

// BatchSoftDeleteMemories transitions the given ids to Deleted in one
// statement. Hard deletion is soft: status flips, rows remain for the
// reversible window.
func (db *Database) BatchSoftDeleteMemories(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	exec := db.execer(tx)
	_, err := exec.Exec(ctx, `UPDATE memories SET status = 'deleted', updated_at = now() WHERE id = ANY($1) AND status = 'active'`, ids)
	if err != nil {
		return memerr.Wrap(memerr.Database, "batch soft delete memories", err)
	}
	return nil
}

// BatchArchiveMemories transitions the given ids to Archived in one
// statement, used when merge sources are confirmed Active at
// verification time.
func (db *Database) BatchArchiveMemories(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	exec := db.execer(tx)
	_, err := exec.Exec(ctx, `UPDATE memories SET status = 'archived', updated_at = now() WHERE id = ANY($1) AND status = 'active'`, ids)
	if err != nil {
		return memerr.Wrap(memerr.Database, "batch archive memories", err)
	}
	return nil
}

// RestoreMemoriesActive transitions the given ids back to Active, used by
// reversal of both merges and prunes.
func (db *Database) RestoreMemoriesActive(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, fromStatus memstore.Status) error {
	if len(ids) == 0 {
		return nil
	}
	exec := db.execer(tx)
	_, err := exec.Exec(ctx, `UPDATE memories SET status = 'active', updated_at = now() WHERE id = ANY($1) AND status = $2`, ids, fromStatus)
	if err != nil {
		return memerr.Wrap(memerr.Database, "restore memories active", err)
	}
	return nil
}

// GetMemoriesForForgetting returns up to limit Active memories in tier,
// least-recently-updated first, the forgetting job's selection order.
func (db *Database) GetMemoriesForForgetting(ctx context.Context, tier memstore.Tier, limit int) ([]*memstore.Memory, error) {
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE tier = $1 AND status = 'active'
		ORDER BY updated_at ASC
		LIMIT $2
	`, memorySelectColumns), tier, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get memories for forgetting", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// GetMemoriesForTierScan returns up to limit Active memories in
// sourceTier whose updated_at is at least minAge old, the tier
// manager's per-tick candidate pool. The age precondition is the
// anti-thrash guard.
func (db *Database) GetMemoriesForTierScan(ctx context.Context, sourceTier memstore.Tier, minAge time.Duration, limit int) ([]*memstore.Memory, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE tier = $1 AND status = 'active' AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, memorySelectColumns), sourceTier, cutoff, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get memories for tier scan", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// GetActiveMemoriesWithEmbeddings returns up to limit Active memories that
// carry an embedding, ordered importance-desc then last-accessed-desc —
// the dedup engine's candidate load order. Runs inside the caller's
// transaction when tx is non-nil.
func (db *Database) GetActiveMemoriesWithEmbeddings(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, limit int) ([]*memstore.Memory, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE status = 'active' AND embedding IS NOT NULL
	`, memorySelectColumns)
	args := []any{}
	if len(ids) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	query += fmt.Sprintf(` ORDER BY importance_score DESC, last_accessed_at DESC NULLS LAST LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.execer(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get active memories with embeddings", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// AutoPruneCandidates returns up to limit Active memories in Cold or
// Frozen satisfying every prune guard, including the metadata-flag
// check expressed as a jsonb containment negation. Runs inside the
// caller's transaction when tx is non-nil, so the pruner selects and
// mutates in one transaction.
func (db *Database) AutoPruneCandidates(ctx context.Context, tx pgx.Tx, recallThreshold float64, ageCutoff time.Time, maxImportance float64, maxAccessCount int64, lastAccessedCutoff time.Time, maxConsolidation float64, limit int) ([]*memstore.Memory, error) {
	rows, err := db.execer(tx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE status = 'active'
		  AND tier IN ('cold','frozen')
		  AND recall_probability < $1
		  AND created_at < $2
		  AND importance_score < $3
		  AND access_count < $4
		  AND (last_accessed_at IS NULL OR last_accessed_at < $5)
		  AND consolidation_strength < $6
		  AND NOT (metadata @> '{"critical":true}' OR metadata @> '{"important":true}'
		           OR metadata @> '{"permanent":true}' OR metadata @> '{"do_not_prune":true}')
		ORDER BY recall_probability ASC
		LIMIT $7
	`, memorySelectColumns), recallThreshold, ageCutoff, maxImportance, maxAccessCount, lastAccessedCutoff, maxConsolidation, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "auto prune candidates", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// GetMemoryStatuses returns the current status of each id, read inside
// the caller's transaction. The dedup engine uses this to verify merge
// sources are still Active immediately before archiving them.
func (db *Database) GetMemoryStatuses(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) (map[uuid.UUID]memstore.Status, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]memstore.Status{}, nil
	}
	rows, err := db.execer(tx).Query(ctx, `SELECT id, status FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "get memory statuses", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]memstore.Status, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var status memstore.Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, memerr.Wrap(memerr.Database, "scan memory status row", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

// SearchResult pairs a matched memory with its base similarity and
// combined (vector+text) scores.
type SearchResult struct {
	Memory         *memstore.Memory
	SimilarityScore float64
	CombinedScore   float64
}

// SearchOptions bundles the base search request the Retrieval Engine
// assembles before applying its own boosts.
type SearchOptions struct {
	QueryText      string
	QueryEmbedding []float32
	Tier           *memstore.Tier
	Limit          int
}

// SearchMemories runs the vector+text hybrid base search using the
// HNSW index with cosine distance. When no query
// embedding is supplied it falls back to a text-only ILIKE match;
// when both are present, the combined score blends them 70/30 in favor of
// vector similarity.
func (db *Database) SearchMemories(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var where []string
	args := []any{}
	where = append(where, `status = 'active'`)
	if opts.Tier != nil {
		args = append(args, *opts.Tier)
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}

	switch {
	case len(opts.QueryEmbedding) > 0 && opts.QueryText != "":
		args = append(args, embeddingLiteral(opts.QueryEmbedding))
		vecArg := len(args)
		args = append(args, "%"+opts.QueryText+"%")
		textArg := len(args)
		where = append(where, fmt.Sprintf("(embedding IS NOT NULL OR content ILIKE $%d)", textArg))
		args = append(args, limit)
		query := fmt.Sprintf(`
			SELECT %s,
				COALESCE(1 - (embedding <=> $%d::vector), 0) AS similarity,
				0.7 * COALESCE(1 - (embedding <=> $%d::vector), 0) +
				0.3 * (CASE WHEN content ILIKE $%d THEN 1 ELSE 0 END) AS combined
			FROM memories
			WHERE %s
			ORDER BY combined DESC
			LIMIT $%d
		`, memorySelectColumns, vecArg, vecArg, textArg, strings.Join(where, " AND "), len(args))
		return db.runSearch(ctx, query, args)

	case len(opts.QueryEmbedding) > 0:
		args = append(args, embeddingLiteral(opts.QueryEmbedding))
		vecArg := len(args)
		args = append(args, limit)
		query := fmt.Sprintf(`
			SELECT %s, 1 - (embedding <=> $%d::vector) AS similarity, 1 - (embedding <=> $%d::vector) AS combined
			FROM memories
			WHERE %s AND embedding IS NOT NULL
			ORDER BY embedding <=> $%d::vector ASC
			LIMIT $%d
		`, memorySelectColumns, vecArg, vecArg, strings.Join(where, " AND "), vecArg, len(args))
		return db.runSearch(ctx, query, args)

	default:
		args = append(args, "%"+opts.QueryText+"%")
		textArg := len(args)
		where = append(where, fmt.Sprintf("content ILIKE $%d", textArg))
		args = append(args, limit)
		query := fmt.Sprintf(`
			SELECT %s, 1.0 AS similarity, 1.0 AS combined
			FROM memories
			WHERE %s
			ORDER BY importance_score DESC, last_accessed_at DESC NULLS LAST
			LIMIT $%d
		`, memorySelectColumns, strings.Join(where, " AND "), len(args))
		return db.runSearch(ctx, query, args)
	}
}

func (db *Database) runSearch(ctx context.Context, query string, args []any) ([]SearchResult, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "search memories", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		m, similarity, combined, err := scanSearchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Memory: m, SimilarityScore: similarity, CombinedScore: combined})
	}
	return out, rows.Err()
}

func scanSearchRow(rows pgx.Rows) (*memstore.Memory, float64, float64, error) {
	var m memstore.Memory
	var embRaw *string
	var metaRaw []byte
	var parentID *uuid.UUID
	var lastRecallSeconds *float64
	var similarity, combined float64

	err := rows.Scan(
		&m.ID, &m.Content, &m.ContentHash, &embRaw, &m.Tier, &m.Status, &m.Importance,
		&m.AccessCount, &m.LastAccessed, &metaRaw, &parentID, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		&m.ConsolidationStrength, &m.DecayRate, &m.RecallProbability, &lastRecallSeconds,
		&m.RecencyScore, &m.RelevanceScore, &similarity, &combined,
	)
	if err != nil {
		return nil, 0, 0, memerr.Wrap(memerr.Database, "scan search row", err)
	}
	m.Embedding = parseVector(embRaw)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &m.Metadata); err != nil {
			return nil, 0, 0, memerr.Wrap(memerr.InvalidData, "decode memory metadata", err)
		}
	}
	m.ParentID = parentID
	if lastRecallSeconds != nil {
		d := time.Duration(*lastRecallSeconds * float64(time.Second))
		m.LastRecallInterval = &d
	}
	return &m, similarity, combined, nil
}

func scanMemoryRows(rows pgx.Rows) ([]*memstore.Memory, error) {
	var out []*memstore.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// execer returns tx if non-nil, else the pool, letting every write path
// take an optional transaction without duplicating call sites.
func (db *Database) execer(tx pgx.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return db.pool
}

func embeddingLiteral(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	s := b.String()
	return &s
}

// parseVector decodes a pgvector text literal ("[0.1,0.2]") back into a
// float32 slice; nil input or garbage yields nil.
func parseVector(raw *string) []float32 {
	if raw == nil {
		return nil
	}
	s := strings.TrimSpace(*raw)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
