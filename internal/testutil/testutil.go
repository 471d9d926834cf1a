// Package testutil provides shared fixtures for the engine's tests: a
// pgxmock-backed pool that stands in for PostgreSQL, and builders for
// memory rows in known states.
package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// NewMockPool returns a pgxmock pool that fails the test on unmet
// expectations.
func NewMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet pgxmock expectations: %v", err)
		}
		mock.Close()
	})
	return mock
}

// AnyArgs returns n pgxmock.AnyArg matchers, for expectations whose
// argument values a test does not pin down.
func AnyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// MemoryOption mutates a fixture memory.
type MemoryOption func(*memstore.Memory)

// NewMemory builds an Active Working-tier memory with sane defaults,
// then applies options.
func NewMemory(opts ...MemoryOption) *memstore.Memory {
	now := time.Now().UTC()
	m := &memstore.Memory{
		ID:                    uuid.New(),
		Content:               "test memory content",
		ContentHash:           memstore.HashContent("test memory content"),
		Tier:                  memstore.TierWorking,
		Status:                memstore.StatusActive,
		Importance:            0.5,
		ConsolidationStrength: 1.0,
		DecayRate:             1.0,
		RecallProbability:     1.0,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithContent sets content and its hash.
func WithContent(content string) MemoryOption {
	return func(m *memstore.Memory) {
		m.Content = content
		m.ContentHash = memstore.HashContent(content)
	}
}

// WithTier sets the tier.
func WithTier(tier memstore.Tier) MemoryOption {
	return func(m *memstore.Memory) { m.Tier = tier }
}

// WithStatus sets the status.
func WithStatus(status memstore.Status) MemoryOption {
	return func(m *memstore.Memory) { m.Status = status }
}

// WithImportance sets the importance score.
func WithImportance(v float64) MemoryOption {
	return func(m *memstore.Memory) { m.Importance = v }
}

// WithAccessCount sets the access count.
func WithAccessCount(n int64) MemoryOption {
	return func(m *memstore.Memory) { m.AccessCount = n }
}

// WithEmbedding sets the embedding vector.
func WithEmbedding(v []float32) MemoryOption {
	return func(m *memstore.Memory) { m.Embedding = v }
}

// WithCreatedAt backdates creation (and updated_at to match).
func WithCreatedAt(t time.Time) MemoryOption {
	return func(m *memstore.Memory) {
		m.CreatedAt = t
		m.UpdatedAt = t
	}
}

// WithLastAccessed sets the last access time.
func WithLastAccessed(t time.Time) MemoryOption {
	return func(m *memstore.Memory) { m.LastAccessed = &t }
}

// WithConsolidation sets strength and decay rate together.
func WithConsolidation(strength, decayRate float64) MemoryOption {
	return func(m *memstore.Memory) {
		m.ConsolidationStrength = strength
		m.DecayRate = decayRate
	}
}

// WithRecall sets the cached recall probability.
func WithRecall(p float64) MemoryOption {
	return func(m *memstore.Memory) { m.RecallProbability = p }
}

// WithMetadata sets the metadata map.
func WithMetadata(meta map[string]any) MemoryOption {
	return func(m *memstore.Memory) { m.Metadata = meta }
}

// WithParent sets the parent id.
func WithParent(id uuid.UUID) MemoryOption {
	return func(m *memstore.Memory) { m.ParentID = &id }
}

// MemoryColumns is the select-column order repository scans expect.
var MemoryColumns = []string{
	"id", "content", "content_hash", "embedding", "tier", "status", "importance_score",
	"access_count", "last_accessed_at", "metadata", "parent_id", "created_at", "updated_at", "expires_at",
	"consolidation_strength", "decay_rate", "recall_probability", "last_recall_interval_seconds",
	"recency_score", "relevance_score",
}

// MemoryRows builds a pgxmock row set holding the given memories in
// repository scan order.
func MemoryRows(memories ...*memstore.Memory) *pgxmock.Rows {
	rows := pgxmock.NewRows(MemoryColumns)
	for _, m := range memories {
		var emb *string
		if len(m.Embedding) > 0 {
			s := VectorLiteral(m.Embedding)
			emb = &s
		}
		meta := []byte("{}")
		if m.Metadata != nil {
			if raw, err := json.Marshal(m.Metadata); err == nil {
				meta = raw
			}
		}
		rows.AddRow(
			m.ID, m.Content, m.ContentHash, emb, m.Tier, m.Status, m.Importance,
			m.AccessCount, m.LastAccessed, meta, m.ParentID, m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
			m.ConsolidationStrength, m.DecayRate, m.RecallProbability, (*float64)(nil),
			m.RecencyScore, m.RelevanceScore,
		)
	}
	return rows
}

// VectorLiteral renders an embedding the way pgvector prints it.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

// UnitVector returns a dimension-dim vector with a single 1 at position
// pos, handy for building orthogonal or near-identical embeddings.
func UnitVector(dim, pos int) []float32 {
	v := make([]float32, dim)
	if pos >= 0 && pos < dim {
		v[pos] = 1
	}
	return v
}
