package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/testutil"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func warmGroup(opts ...testutil.MemoryOption) *group {
	base := append([]testutil.MemoryOption{
		testutil.WithTier(memstore.TierWarm),
		testutil.WithImportance(0.4),
		testutil.WithCreatedAt(testNow.Add(-72 * time.Hour)),
	}, opts...)
	return &group{
		members: []*memstore.Memory{
			testutil.NewMemory(append(base, testutil.WithContent("first fact about the project."))...),
			testutil.NewMemory(append(base, testutil.WithContent("second fact about the project."))...),
			testutil.NewMemory(append(base, testutil.WithContent("third fact about the project."))...),
		},
		avgSimilarity: 0.91,
	}
}

func TestChooseStrategy(t *testing.T) {
	t.Run("high importance forces lossless", func(t *testing.T) {
		g := warmGroup()
		g.members[1].Importance = 0.85
		assert.Equal(t, memstore.MergeLosslessPreservation, chooseStrategy(g, true, testNow))
	})

	t.Run("recent access forces lossless", func(t *testing.T) {
		g := warmGroup()
		accessed := testNow.Add(-2 * time.Hour)
		g.members[0].LastAccessed = &accessed
		assert.Equal(t, memstore.MergeLosslessPreservation, chooseStrategy(g, true, testNow))
	})

	t.Run("lossless disabled falls through", func(t *testing.T) {
		g := warmGroup()
		g.members[1].Importance = 0.85
		assert.Equal(t, memstore.MergeContentSummarization, chooseStrategy(g, false, testNow))
	})

	t.Run("cross-tier group consolidates metadata", func(t *testing.T) {
		g := warmGroup()
		g.members[2].Tier = memstore.TierCold
		assert.Equal(t, memstore.MergeMetadataConsolidation, chooseStrategy(g, true, testNow))
	})

	t.Run("working tier group consolidates metadata", func(t *testing.T) {
		g := warmGroup()
		for _, m := range g.members {
			m.Tier = memstore.TierWorking
		}
		assert.Equal(t, memstore.MergeMetadataConsolidation, chooseStrategy(g, true, testNow))
	})

	t.Run("quiet single-tier group summarizes", func(t *testing.T) {
		assert.Equal(t, memstore.MergeContentSummarization, chooseStrategy(warmGroup(), true, testNow))
	})
}

func TestBuildMergedLossless(t *testing.T) {
	g := warmGroup()
	g.members[0].Embedding = []float32{1, 0}
	g.members[1].Embedding = []float32{0, 1}
	g.members[2].Embedding = []float32{1, 1}
	g.members[0].AccessCount = 9 // weight 10
	g.members[0].Importance = 0.8
	g.members[1].AccessCount = 0 // weight 1
	g.members[1].Importance = 0.2
	g.members[2].AccessCount = 0 // weight 1
	g.members[2].Importance = 0.2

	merged := buildMerged(g, memstore.MergeLosslessPreservation, testNow)

	// All member content survives, delimited.
	for _, m := range g.members {
		assert.Contains(t, merged.Content, m.Content)
	}
	assert.Contains(t, merged.Content, "---")

	// Originals preserved under prefixed keys.
	assert.Equal(t, g.members[0].ID.String(), merged.Metadata["original_0_id"])
	assert.Equal(t, g.members[1].Content, merged.Metadata["original_1_content"])

	// Elementwise mean embedding.
	require.Len(t, merged.Embedding, 2)
	assert.InDelta(t, 2.0/3.0, float64(merged.Embedding[0]), 1e-6)
	assert.InDelta(t, 2.0/3.0, float64(merged.Embedding[1]), 1e-6)

	// Access-weighted importance: (0.8*10 + 0.2*1 + 0.2*1) / 12.
	assert.InDelta(t, 8.4/12.0, merged.Importance, 1e-9)

	assert.Equal(t, true, merged.Metadata[memstore.MetaIsMergedResult])
	assert.Equal(t, 1, merged.Metadata["merge_generation"])
}

func TestBuildMergedMetadataConsolidation(t *testing.T) {
	g := warmGroup()
	g.members[0].Metadata = map[string]any{"category": "work", "tag": "a"}
	g.members[1].Metadata = map[string]any{"category": "work", "tag": "b"}
	g.members[2].Metadata = map[string]any{"category": "personal"}

	merged := buildMerged(g, memstore.MergeMetadataConsolidation, testNow)

	// Primary content leads; others appear as references.
	assert.Contains(t, merged.Content, g.members[0].Content)
	assert.Contains(t, merged.Content, "Related")

	// Common values stay scalar, differing values collect into arrays.
	categories, ok := merged.Metadata["category"].([]any)
	require.True(t, ok, "differing category values should become an array")
	assert.Len(t, categories, 2)

	tags, ok := merged.Metadata["tag"].([]any)
	require.True(t, ok)
	assert.Len(t, tags, 2)

	// Inherits the primary's tier.
	assert.Equal(t, g.members[0].Tier, merged.Tier)
}

func TestBuildMergedContentSummarization(t *testing.T) {
	g := warmGroup()
	g.members[0].Content = "First sentence here. Trailing detail that should drop."
	g.members[0].Metadata = map[string]any{"tags": []any{"x"}, "category": "work", "secret": "drop-me"}

	merged := buildMerged(g, memstore.MergeContentSummarization, testNow)

	assert.Contains(t, merged.Content, "First sentence here.")
	assert.NotContains(t, merged.Content, "Trailing detail")

	// Only the routing keys survive from the primary.
	assert.Contains(t, merged.Metadata, "tags")
	assert.Contains(t, merged.Metadata, "category")
	assert.NotContains(t, merged.Metadata, "secret")
}

func TestMergeGenerationIncrements(t *testing.T) {
	g := warmGroup()
	g.members[1].Metadata = map[string]any{"merge_generation": float64(3)}

	merged := buildMerged(g, memstore.MergeContentSummarization, testNow)
	assert.Equal(t, 4, merged.Metadata["merge_generation"])
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Hello there.", firstSentence("Hello there. And more."))
	assert.Equal(t, "No terminator", firstSentence("No terminator"))
	assert.Equal(t, "Q?", firstSentence("Q? A."))
	assert.Equal(t, "", firstSentence("   "))
}

func TestAvgPairwiseSimilarity(t *testing.T) {
	a := testutil.NewMemory(testutil.WithEmbedding([]float32{1, 0}))
	b := testutil.NewMemory(testutil.WithEmbedding([]float32{1, 0}))
	c := testutil.NewMemory(testutil.WithEmbedding([]float32{0, 1}))

	assert.InDelta(t, 1.0, avgPairwiseSimilarity([]*memstore.Memory{a, b}), 1e-6)
	// Pairs: (a,b)=1, (a,c)=0, (b,c)=0.
	assert.InDelta(t, 1.0/3.0, avgPairwiseSimilarity([]*memstore.Memory{a, b, c}), 1e-6)
}
