package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/testutil"
)

func TestCreateMemoryDefaults(t *testing.T) {
	mock := testutil.NewMockPool(t)
	db := NewWithPool(mock, 4)

	mock.ExpectExec("INSERT INTO memories").
		WithArgs(testutil.AnyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	m := &memstore.Memory{Content: "hello", ContentHash: memstore.HashContent("hello")}
	require.NoError(t, db.CreateMemory(context.Background(), nil, m))

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, memstore.TierWorking, m.Tier)
	assert.Equal(t, memstore.StatusActive, m.Status)
	assert.Equal(t, 1.0, m.ConsolidationStrength)
	assert.Equal(t, 1.0, m.DecayRate)
	assert.Equal(t, 1.0, m.RecallProbability)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestGetMemoryScansRow(t *testing.T) {
	mock := testutil.NewMockPool(t)
	db := NewWithPool(mock, 4)

	want := testutil.NewMemory(
		testutil.WithContent("stored fact"),
		testutil.WithEmbedding([]float32{0.5, 0.25, 0, 1}),
		testutil.WithMetadata(map[string]any{"critical": true}),
	)

	mock.ExpectQuery("FROM memories WHERE id").
		WithArgs(want.ID).
		WillReturnRows(testutil.MemoryRows(want))

	got, err := db.GetMemory(context.Background(), want.ID)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, []float32{0.5, 0.25, 0, 1}, got.Embedding)
	assert.True(t, got.HasMetaFlag(memstore.MetaCritical))
}

func TestGetMemoryNotFound(t *testing.T) {
	mock := testutil.NewMockPool(t)
	db := NewWithPool(mock, 4)

	id := uuid.New()
	mock.ExpectQuery("FROM memories WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(testutil.MemoryColumns))

	_, err := db.GetMemory(context.Background(), id)
	assert.True(t, memerr.Is(err, memerr.NotFound), "want NotFound, got %v", err)
}

func TestBatchUpdateDecayRates(t *testing.T) {
	mock := testutil.NewMockPool(t)
	db := NewWithPool(mock, 4)

	t.Run("empty input is a no-op", func(t *testing.T) {
		require.NoError(t, db.BatchUpdateDecayRates(context.Background(), nil, nil))
	})

	t.Run("single statement for the whole batch", func(t *testing.T) {
		ids := []uuid.UUID{uuid.New(), uuid.New()}
		rates := []float64{0.8, 1.2}
		mock.ExpectExec("UPDATE memories AS m").
			WithArgs(ids, rates).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))
		require.NoError(t, db.BatchUpdateDecayRates(context.Background(), ids, rates))
	})
}

func TestUpdateTierRequiresActiveRow(t *testing.T) {
	mock := testutil.NewMockPool(t)
	db := NewWithPool(mock, 4)

	id := uuid.New()
	mock.ExpectExec("UPDATE memories SET tier").
		WithArgs(memstore.TierWarm, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := db.UpdateTier(context.Background(), nil, id, memstore.TierWarm, nil)
	assert.True(t, memerr.Is(err, memerr.NotFound))
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	v := []float32{0.125, -1, 0, 3.5}
	lit := embeddingLiteral(v)
	require.NotNil(t, lit)
	assert.Equal(t, "[0.125,-1,0,3.5]", *lit)
	assert.Equal(t, v, parseVector(lit))

	t.Run("nil and malformed inputs", func(t *testing.T) {
		assert.Nil(t, embeddingLiteral(nil))
		assert.Nil(t, parseVector(nil))
		bad := "not-a-vector"
		assert.Nil(t, parseVector(&bad))
		empty := "[]"
		assert.Nil(t, parseVector(&empty))
	})
}

func TestAdvisoryLockKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := AdvisoryLockKey(LockCategoryDedup, "op-1")
		b := AdvisoryLockKey(LockCategoryDedup, "op-1")
		assert.Equal(t, a, b)
	})

	t.Run("id changes the key", func(t *testing.T) {
		assert.NotEqual(t,
			AdvisoryLockKey(LockCategoryDedup, "op-1"),
			AdvisoryLockKey(LockCategoryDedup, "op-2"))
	})

	t.Run("category occupies the high bits", func(t *testing.T) {
		key := AdvisoryLockKey(LockCategoryDedup, "anything")
		assert.Equal(t, int64(LockCategoryDedup), key>>56)
	})
}
