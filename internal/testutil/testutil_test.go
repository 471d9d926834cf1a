package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

func TestNewMemoryDefaults(t *testing.T) {
	m := NewMemory()

	assert.Equal(t, memstore.TierWorking, m.Tier)
	assert.Equal(t, memstore.StatusActive, m.Status)
	assert.Equal(t, 1.0, m.ConsolidationStrength)
	assert.Equal(t, 1.0, m.DecayRate)
	assert.NotEmpty(t, m.ContentHash)
}

func TestNewMemoryOptions(t *testing.T) {
	created := time.Now().UTC().Add(-48 * time.Hour)
	m := NewMemory(
		WithContent("the user prefers dark mode"),
		WithTier(memstore.TierCold),
		WithImportance(0.9),
		WithAccessCount(12),
		WithCreatedAt(created),
		WithRecall(0.15),
	)

	assert.Equal(t, "the user prefers dark mode", m.Content)
	assert.Equal(t, memstore.HashContent(m.Content), m.ContentHash)
	assert.Equal(t, memstore.TierCold, m.Tier)
	assert.Equal(t, 0.9, m.Importance)
	assert.Equal(t, int64(12), m.AccessCount)
	assert.Equal(t, created, m.CreatedAt)
	assert.Equal(t, 0.15, m.RecallProbability)
}

func TestUnitVector(t *testing.T) {
	v := UnitVector(4, 2)
	require.Len(t, v, 4)
	assert.Equal(t, float32(0), v[0])
	assert.Equal(t, float32(1), v[2])
}
