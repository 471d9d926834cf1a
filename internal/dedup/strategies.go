package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// group is one similarity cluster: members ordered primary-first (the
// candidate load order is importance-desc, so the first member is the
// most important) plus the average pairwise cosine similarity.
type group struct {
	members       []*memstore.Memory
	avgSimilarity float64
}

func (g *group) primary() *memstore.Memory { return g.members[0] }

// chooseStrategy applies the merge-strategy decision rule: lossless when
// critical content is at stake, metadata consolidation for cross-tier or
// Working groups, extractive summarization otherwise.
func chooseStrategy(g *group, losslessCritical bool, now time.Time) memstore.MergeStrategy {
	if losslessCritical {
		for _, m := range g.members {
			if m.Importance > 0.8 {
				return memstore.MergeLosslessPreservation
			}
			if m.LastAccessed != nil && now.Sub(*m.LastAccessed) < 24*time.Hour {
				return memstore.MergeLosslessPreservation
			}
		}
	}

	tiers := map[memstore.Tier]bool{}
	for _, m := range g.members {
		tiers[m.Tier] = true
	}
	if len(tiers) > 1 || tiers[memstore.TierWorking] {
		return memstore.MergeMetadataConsolidation
	}
	return memstore.MergeContentSummarization
}

// buildMerged constructs the merged memory for a group under the chosen
// strategy. It does not persist anything; the engine inserts the result
// inside the merge transaction.
func buildMerged(g *group, strategy memstore.MergeStrategy, now time.Time) *memstore.Memory {
	primary := g.primary()

	merged := &memstore.Memory{
		ID:                    uuid.New(),
		Tier:                  primary.Tier,
		Status:                memstore.StatusActive,
		ParentID:              primary.ParentID,
		ExpiresAt:             primary.ExpiresAt,
		ConsolidationStrength: primary.ConsolidationStrength,
		DecayRate:             primary.DecayRate,
		RecallProbability:     primary.RecallProbability,
		AccessCount:           primary.AccessCount,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	switch strategy {
	case memstore.MergeLosslessPreservation:
		applyLossless(merged, g)
	case memstore.MergeMetadataConsolidation:
		applyMetadataConsolidation(merged, g)
	default:
		applyContentSummarization(merged, g)
	}

	if merged.Metadata == nil {
		merged.Metadata = map[string]any{}
	}
	merged.Metadata[memstore.MetaIsMergedResult] = true
	merged.Metadata["merge_strategy"] = string(strategy)
	merged.Metadata["merge_generation"] = maxMergeGeneration(g.members) + 1

	return merged
}

// applyLossless concatenates every member's content with delimiters,
// stores each original under prefixed metadata keys, averages the
// embeddings elementwise, and weights importance by access count.
func applyLossless(merged *memstore.Memory, g *group) {
	parts := make([]string, len(g.members))
	meta := map[string]any{}
	for i, m := range g.members {
		parts[i] = m.Content
		meta[fmt.Sprintf("original_%d_id", i)] = m.ID.String()
		meta[fmt.Sprintf("original_%d_content", i)] = m.Content
		if len(m.Metadata) > 0 {
			meta[fmt.Sprintf("original_%d_metadata", i)] = m.Metadata
		}
	}
	merged.Content = strings.Join(parts, "\n\n---\n\n")
	merged.Metadata = meta
	merged.Embedding = meanEmbedding(g.members)
	merged.Importance = accessWeightedImportance(g.members)
}

// applyMetadataConsolidation keeps the primary's content, appends short
// references to the other members, merges common metadata keys, and
// collects differing values into arrays.
func applyMetadataConsolidation(merged *memstore.Memory, g *group) {
	primary := g.primary()
	var b strings.Builder
	b.WriteString(primary.Content)
	for _, m := range g.members[1:] {
		excerpt := m.Content
		if len(excerpt) > 100 {
			excerpt = excerpt[:100]
		}
		fmt.Fprintf(&b, "\n\nRelated (%.2f similar): %s", g.avgSimilarity, excerpt)
	}
	merged.Content = b.String()
	merged.Metadata = consolidateMetadata(g.members)
	merged.Embedding = primary.Embedding
	merged.Importance = primary.Importance
}

// applyContentSummarization builds a simple extractive summary from the
// first sentence of each member and keeps only the primary's routing
// metadata keys.
func applyContentSummarization(merged *memstore.Memory, g *group) {
	sentences := make([]string, 0, len(g.members))
	for _, m := range g.members {
		if s := firstSentence(m.Content); s != "" {
			sentences = append(sentences, s)
		}
	}
	merged.Content = strings.Join(sentences, " ")

	primary := g.primary()
	meta := map[string]any{}
	for _, key := range []string{"tags", "category", "type", "priority"} {
		if v, ok := primary.Metadata[key]; ok {
			meta[key] = v
		}
	}
	merged.Metadata = meta
	merged.Embedding = primary.Embedding
	merged.Importance = primary.Importance
}

// consolidateMetadata merges the members' metadata maps: keys with one
// distinct value keep it, keys with several collect them into an array.
// Keys are walked in sorted member order so the result is deterministic.
func consolidateMetadata(members []*memstore.Memory) map[string]any {
	values := map[string][]any{}
	for _, m := range members {
		keys := make([]string, 0, len(m.Metadata))
		for k := range m.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := m.Metadata[k]
			if !containsValue(values[k], v) {
				values[k] = append(values[k], v)
			}
		}
	}

	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if fmt.Sprintf("%v", x) == fmt.Sprintf("%v", v) {
			return true
		}
	}
	return false
}

// meanEmbedding returns the elementwise mean of the members' embeddings,
// skipping members without one.
func meanEmbedding(members []*memstore.Memory) []float32 {
	var sum []float64
	var n int
	for _, m := range members {
		if len(m.Embedding) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(m.Embedding))
		}
		if len(m.Embedding) != len(sum) {
			continue
		}
		for i, v := range m.Embedding {
			sum[i] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, v := range sum {
		out[i] = float32(v / float64(n))
	}
	return out
}

// accessWeightedImportance averages importance weighted by access count,
// with a +1 floor so never-accessed members still contribute.
func accessWeightedImportance(members []*memstore.Memory) float64 {
	var weighted, total float64
	for _, m := range members {
		w := float64(m.AccessCount) + 1
		weighted += m.Importance * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func maxMergeGeneration(members []*memstore.Memory) int {
	max := 0
	for _, m := range members {
		if m.Metadata == nil {
			continue
		}
		switch v := m.Metadata["merge_generation"].(type) {
		case int:
			if v > max {
				max = v
			}
		case float64:
			if int(v) > max {
				max = int(v)
			}
		}
	}
	return max
}

// firstSentence returns text up to and including the first terminator,
// or the whole text when none is found.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	return text
}
