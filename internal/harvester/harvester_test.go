package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/testutil"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// stubProvider returns the vector mapped to the exact input text, or the
// fallback vector for any text not in the map.
type stubProvider struct {
	vectors  map[string][]float32
	fallback []float32
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.vectors[text]; ok {
		return v, nil
	}
	return p.fallback, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return nil }
func (p *stubProvider) Dimension() int                        { return len(p.fallback) }

type stubAssessor struct{ score float64 }

func (a *stubAssessor) Assess(ctx context.Context, content string) (float64, error) {
	return a.score, nil
}

func testHarvester(t *testing.T, mock pgxmock.PgxPoolIface, provider *stubProvider) *Harvester {
	t.Helper()
	cfg := config.DefaultConfig().Harvester
	cfg.MessageTriggerCount = 3
	cfg.TimeTriggerMinutes = 5

	var db *database.Database
	if mock != nil {
		db = database.NewWithPool(mock, 4)
	}
	h, err := NewWithLibrary(db, provider, &stubAssessor{score: 0.6}, cfg, DefaultPatternLibrary())
	require.NoError(t, err)
	return h
}

func TestTriggerConditions(t *testing.T) {
	provider := &stubProvider{fallback: testutil.UnitVector(4, 0)}

	t.Run("count trigger", func(t *testing.T) {
		h := testHarvester(t, nil, provider)
		assert.False(t, h.Enqueue("one"))
		assert.False(t, h.Enqueue("two"))
		assert.True(t, h.Enqueue("three"), "third message should hit the count trigger")
	})

	t.Run("time trigger", func(t *testing.T) {
		h := testHarvester(t, nil, provider)
		base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		h.now = func() time.Time { return base }
		h.lastRun = base

		assert.False(t, h.Enqueue("one"))

		h.now = func() time.Time { return base.Add(6 * time.Minute) }
		assert.True(t, h.Triggered(), "elapsed time should hit the time trigger")
	})

	t.Run("empty queue never triggers", func(t *testing.T) {
		h := testHarvester(t, nil, provider)
		base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		h.now = func() time.Time { return base.Add(time.Hour) }
		assert.False(t, h.Triggered())
	})
}

func TestProcessStoresSurvivors(t *testing.T) {
	mock := testutil.NewMockPool(t)
	provider := &stubProvider{fallback: testutil.UnitVector(4, 0)}
	h := testHarvester(t, mock, provider)

	// One message with a clear decision pattern; the stored row carries
	// the pattern metadata.
	mock.ExpectExec("INSERT INTO memories").
		WithArgs(testutil.AnyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h.Enqueue("I decided to migrate the service to PostgreSQL for the vector support.")
	stats, err := h.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MessagesProcessed)
	assert.GreaterOrEqual(t, stats.PatternsExtracted, 1)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 0, h.QueueDepth())
}

func TestProcessDeduplicatesSimilarPatterns(t *testing.T) {
	mock := testutil.NewMockPool(t)
	// Every pattern embeds to the same vector, so only the first
	// survives the similarity gate.
	provider := &stubProvider{fallback: testutil.UnitVector(4, 1)}
	h := testHarvester(t, mock, provider)

	mock.ExpectExec("INSERT INTO memories").
		WithArgs(testutil.AnyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	h.Enqueue("I decided to adopt PostgreSQL for storage.")
	h.Enqueue("I decided to adopt PostgreSQL for all storage needs.")
	stats, err := h.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Stored)
	assert.GreaterOrEqual(t, stats.Duplicates, 1)
}

func TestProcessDropsLowConfidence(t *testing.T) {
	provider := &stubProvider{fallback: testutil.UnitVector(4, 0)}
	h := testHarvester(t, nil, provider)
	h.cfg.ConfidenceThreshold = 0.99

	h.Enqueue("I like it.")
	stats, err := h.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Stored)
	assert.Equal(t, stats.PatternsExtracted, stats.BelowConfidence)
}

func TestProcessEmptyQueue(t *testing.T) {
	h := testHarvester(t, nil, &stubProvider{fallback: testutil.UnitVector(4, 0)})
	stats, err := h.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MessagesProcessed)
}
