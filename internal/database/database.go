// Package database is the engine's repository layer: typed access to
// the memories table and its auxiliary log tables over PostgreSQL +
// pgvector. Every higher layer (forgetting job, tier manager, dedup
// engine, retrieval engine) goes through this package for storage; none
// issue SQL directly.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var log = logging.GetLogger("database")

// PgxPool is the subset of pgxpool.Pool the repository uses. pgxmock's
// pool implements it, so repository methods are testable without a
// running PostgreSQL.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Database wraps the shared connection pool used by every subsystem.
// There is exactly one pool per process.
type Database struct {
	pool   PgxPool
	dim    int
	dsn    string
	config config.DatabaseConfig
}

// NewWithPool wraps an existing pool without connecting or creating
// schema. Tests inject a pgxmock pool here.
func NewWithPool(pool PgxPool, embeddingDimension int) *Database {
	return &Database{pool: pool, dim: embeddingDimension}
}

// Open creates the connection pool, verifies the pgvector extension is
// installed (when configured to), and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns < 1 {
		maxConns = 100
	}
	minConns := cfg.MinConnections
	if minConns < 1 {
		minConns = maxInt(20, maxConns/5)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	} else {
		poolCfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolCfg.MaxConnLifetime = time.Hour
	}

	statementTimeout := cfg.StatementTimeout
	if statementTimeout <= 0 {
		statementTimeout = 300 * time.Second
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", statementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	db := &Database{
		pool:   pool,
		dim:    cfg.EmbeddingDimension,
		dsn:    cfg.DSN,
		config: cfg,
	}

	if err := db.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.VerifyVectorCapability {
		if err := db.verifyVectorCapability(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if err := db.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info("database pool ready", "max_conns", maxConns, "min_conns", minConns, "dim", db.dim)
	return db, nil
}

// Close releases the connection pool. Safe to call once at shutdown.
func (db *Database) Close() {
	db.pool.Close()
}

// Pool exposes the underlying pool for advisory-lock and transaction
// helpers that live alongside this package.
func (db *Database) Pool() PgxPool { return db.pool }

func (db *Database) verifyVectorCapability(ctx context.Context) error {
	var installed bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&installed)
	if err != nil {
		return fmt.Errorf("check vector extension: %w", err)
	}
	if !installed {
		if _, err := db.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return fmt.Errorf("vector extension not available and could not be created: %w", err)
		}
	}
	return nil
}

// ensureSchema creates the memories table and its auxiliary log tables
// if they do not already exist. Production deployments are expected to
// manage migrations separately; this is the bootstrap path used by the
// reference CLI driver.
func (db *Database) ensureSchema(ctx context.Context) error {
	vecType := "vector"
	if db.dim > 0 {
		vecType = fmt.Sprintf("vector(%d)", db.dim)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id UUID PRIMARY KEY,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding %s,
			tier TEXT NOT NULL DEFAULT 'working',
			status TEXT NOT NULL DEFAULT 'active',
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			access_count BIGINT NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			parent_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			consolidation_strength DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			decay_rate DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			recall_probability DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			last_recall_interval_seconds DOUBLE PRECISION,
			recency_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0
		)`, vecType),
		`CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories (tier)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories (last_accessed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories (importance_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_status ON memories (status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_parent ON memories (parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding_hnsw ON memories USING hnsw (embedding vector_cosine_ops)`,

		`CREATE TABLE IF NOT EXISTS memory_consolidation_log (
			id UUID PRIMARY KEY,
			memory_id UUID NOT NULL,
			previous_strength DOUBLE PRECISION NOT NULL,
			new_strength DOUBLE PRECISION NOT NULL,
			previous_recall DOUBLE PRECISION NOT NULL,
			new_recall DOUBLE PRECISION NOT NULL,
			event_type TEXT NOT NULL,
			trigger_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consolidation_log_memory ON memory_consolidation_log (memory_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS memory_pruning_log (
			id UUID PRIMARY KEY,
			memory_id UUID NOT NULL,
			recall_probability DOUBLE PRECISION NOT NULL,
			age_days DOUBLE PRECISION NOT NULL,
			tier TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			access_count BIGINT NOT NULL,
			content_size INT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS memory_compression_log (
			id UUID PRIMARY KEY,
			memory_id UUID NOT NULL,
			original_content TEXT NOT NULL,
			original_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			compression_type TEXT NOT NULL,
			ratio DOUBLE PRECISION NOT NULL,
			reversible_until TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compression_log_memory ON memory_compression_log (memory_id)`,

		`CREATE TABLE IF NOT EXISTS deduplication_audit_log (
			id UUID PRIMARY KEY,
			operation_type TEXT NOT NULL,
			operation_data JSONB NOT NULL DEFAULT '{}'::jsonb,
			completion_data JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			reversible_until TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS memory_merge_history (
			merge_operation_id UUID NOT NULL,
			merged_memory_id UUID NOT NULL,
			original_memory_id UUID NOT NULL,
			PRIMARY KEY (merge_operation_id, original_memory_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_merge_history_merged ON memory_merge_history (merged_memory_id)`,

		`CREATE TABLE IF NOT EXISTS memory_tiers (
			tier_name TEXT PRIMARY KEY,
			max_capacity BIGINT NOT NULL DEFAULT 0,
			retention_days INT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO memory_tiers (tier_name, max_capacity, retention_days) VALUES
			('working', 10000, 7),
			('warm', 100000, 30),
			('cold', 1000000, 180),
			('frozen', 0, 0)
		ON CONFLICT (tier_name) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS deduplication_metrics (
			id UUID PRIMARY KEY,
			operations_total BIGINT NOT NULL DEFAULT 0,
			memories_merged_total BIGINT NOT NULL DEFAULT 0,
			memories_pruned_total BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func maxInt(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
