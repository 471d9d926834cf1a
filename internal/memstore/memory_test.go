package memstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTierNext(t *testing.T) {
	assert.Equal(t, TierWarm, TierWorking.Next())
	assert.Equal(t, TierCold, TierWarm.Next())
	assert.Equal(t, TierFrozen, TierCold.Next())
	assert.Equal(t, TierFrozen, TierFrozen.Next())
}

func TestHasMetaFlag(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want bool
	}{
		{"nil metadata", nil, false},
		{"absent key", map[string]any{"other": true}, false},
		{"bool true", map[string]any{"critical": true}, true},
		{"bool false", map[string]any{"critical": false}, false},
		{"string true", map[string]any{"critical": "true"}, true},
		{"string false", map[string]any{"critical": "false"}, false},
		{"number", map[string]any{"critical": 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Memory{Metadata: tt.meta}
			assert.Equal(t, tt.want, m.HasMetaFlag("critical"))
		})
	}
}

func TestIsProtected(t *testing.T) {
	for _, key := range []string{MetaCritical, MetaImportant, MetaPermanent, MetaDoNotPrune} {
		m := &Memory{Metadata: map[string]any{key: true}}
		assert.True(t, m.IsProtected(), "flag %s should protect", key)
	}
	assert.False(t, (&Memory{}).IsProtected())
}

func TestIsInsight(t *testing.T) {
	assert.True(t, (&Memory{Metadata: map[string]any{MetaIsMetaMemory: true}}).IsInsight())
	assert.True(t, (&Memory{Metadata: map[string]any{MetaGeneratedBy: GeneratedByReflector}}).IsInsight())
	assert.False(t, (&Memory{Metadata: map[string]any{MetaGeneratedBy: "user"}}).IsInsight())
	assert.False(t, (&Memory{}).IsInsight())
}

func TestSourceMemoryIDs(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()

	t.Run("valid list", func(t *testing.T) {
		m := &Memory{Metadata: map[string]any{
			MetaSourceMemoryIDs: []any{id1.String(), id2.String()},
		}}
		got := m.SourceMemoryIDs()
		assert.Equal(t, []uuid.UUID{id1, id2}, got)
	})

	t.Run("skips malformed entries", func(t *testing.T) {
		m := &Memory{Metadata: map[string]any{
			MetaSourceMemoryIDs: []any{id1.String(), "not-a-uuid", 42},
		}}
		assert.Equal(t, []uuid.UUID{id1}, m.SourceMemoryIDs())
	})

	t.Run("absent", func(t *testing.T) {
		assert.Nil(t, (&Memory{}).SourceMemoryIDs())
	})
}

func TestHashContentDeterministic(t *testing.T) {
	assert.Equal(t, HashContent("abc"), HashContent("abc"))
	assert.NotEqual(t, HashContent("abc"), HashContent("abd"))
}
