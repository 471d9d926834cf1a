package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/testutil"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

func searchRows(memories ...*memstore.Memory) *pgxmock.Rows {
	cols := append(append([]string{}, testutil.MemoryColumns...), "similarity", "combined")
	rows := pgxmock.NewRows(cols)
	for i, m := range memories {
		score := 1.0 - float64(i)*0.1
		var emb *string
		if len(m.Embedding) > 0 {
			s := testutil.VectorLiteral(m.Embedding)
			emb = &s
		}
		rows.AddRow(
			m.ID, m.Content, m.ContentHash, emb, m.Tier, m.Status, m.Importance,
			m.AccessCount, m.LastAccessed, []byte("{}"), m.ParentID, m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
			m.ConsolidationStrength, m.DecayRate, m.RecallProbability, (*float64)(nil),
			m.RecencyScore, m.RelevanceScore, score, score,
		)
	}
	return rows
}

func newTestEngine(t *testing.T, mock pgxmock.PgxPoolIface) *Engine {
	t.Helper()
	cfg := config.DefaultConfig().Retrieval
	e := NewEngine(database.NewWithPool(mock, 4), cfg)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	if e.cache != nil {
		e.cache.now = e.now
	}
	return e
}

func TestSearchCachesResultSet(t *testing.T) {
	mock := testutil.NewMockPool(t)
	e := newTestEngine(t, mock)

	m1 := testutil.NewMemory(
		testutil.WithContent("goroutines and channels"),
		testutil.WithEmbedding([]float32{0.5, 0.25, 0, 1}),
	)
	m2 := testutil.NewMemory(testutil.WithContent("channel pipelines"))

	// Only one base-search query: the second identical request is served
	// from the cache.
	mock.ExpectQuery("FROM memories").
		WithArgs("%channels%", 10).
		WillReturnRows(searchRows(m1, m2))

	req := &Request{QueryText: "channels", Limit: 10, UseCache: true}

	first, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	require.Len(t, first.Results, 2)
	assert.Equal(t, []float32{0.5, 0.25, 0, 1}, first.Results[0].Memory.Embedding)

	second, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Greater(t, second.CacheHitRatio, 0.0)
	for _, r := range second.Results {
		assert.True(t, r.CacheHit, "every cached result carries the per-result flag")
	}

	// Byte-identical ordering between the two responses.
	require.Len(t, second.Results, 2)
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Memory.ID, second.Results[i].Memory.ID)
		assert.Equal(t, first.Results[i].FinalScore, second.Results[i].FinalScore)
	}
}

func TestSearchSortsByFinalScore(t *testing.T) {
	mock := testutil.NewMockPool(t)
	e := newTestEngine(t, mock)

	m1 := testutil.NewMemory()
	m2 := testutil.NewMemory()
	m3 := testutil.NewMemory()

	mock.ExpectQuery("FROM memories").
		WithArgs("%x%", 10).
		WillReturnRows(searchRows(m1, m2, m3))

	resp, err := e.Search(context.Background(), &Request{QueryText: "x", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].FinalScore, resp.Results[i].FinalScore)
	}
}

func TestSearchDetectsInsights(t *testing.T) {
	mock := testutil.NewMockPool(t)
	e := newTestEngine(t, mock)

	insight := testutil.NewMemory()
	cols := append(append([]string{}, testutil.MemoryColumns...), "similarity", "combined")
	rows := pgxmock.NewRows(cols).AddRow(
		insight.ID, insight.Content, insight.ContentHash, (*string)(nil), insight.Tier, insight.Status, insight.Importance,
		insight.AccessCount, insight.LastAccessed, []byte(`{"is_meta_memory":true}`), insight.ParentID,
		insight.CreatedAt, insight.UpdatedAt, insight.ExpiresAt,
		insight.ConsolidationStrength, insight.DecayRate, insight.RecallProbability, (*float64)(nil),
		insight.RecencyScore, insight.RelevanceScore, 0.9, 0.9,
	)
	mock.ExpectQuery("FROM memories").WithArgs("%x%", 10).WillReturnRows(rows)

	resp, err := e.Search(context.Background(), &Request{QueryText: "x", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].IsInsight)
	assert.Equal(t, 1, resp.InsightCount)
}

func TestSearchRecordsPhaseTimings(t *testing.T) {
	mock := testutil.NewMockPool(t)
	e := newTestEngine(t, mock)

	mock.ExpectQuery("FROM memories").
		WithArgs("%x%", 10).
		WillReturnRows(searchRows())

	resp, err := e.Search(context.Background(), &Request{QueryText: "x", Limit: 10})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resp.Metrics.TotalMs, int64(0))
	assert.Equal(t, 0, resp.TotalResults)
}

func TestExplainBoosting(t *testing.T) {
	mock := testutil.NewMockPool(t)
	e := newTestEngine(t, mock)

	m := testutil.NewMemory()
	mock.ExpectQuery("FROM memories").
		WithArgs("%x%", 10).
		WillReturnRows(searchRows(m))

	resp, err := e.Search(context.Background(), &Request{QueryText: "x", Limit: 10, ExplainBoosting: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].BoostExplanation)
	assert.NotEmpty(t, resp.Results[0].BoostExplanation.Reasons)
}

func TestBuildProvenance(t *testing.T) {
	t.Run("reflection source", func(t *testing.T) {
		m := testutil.NewMemory(testutil.WithMetadata(map[string]any{
			memstore.MetaGeneratedBy: memstore.GeneratedByReflector,
		}))
		p := buildProvenance(m)
		assert.Equal(t, memstore.GeneratedByReflector, p.CreationSource)
	})

	t.Run("reliability from consolidation strength", func(t *testing.T) {
		m := testutil.NewMemory(testutil.WithConsolidation(5.0, 1.0))
		p := buildProvenance(m)
		assert.InDelta(t, 0.5, p.ReliabilityScore, 1e-9)
	})

	t.Run("reliability capped at 1", func(t *testing.T) {
		m := testutil.NewMemory(testutil.WithConsolidation(50, 1.0))
		assert.Equal(t, 1.0, buildProvenance(m).ReliabilityScore)
	})
}
