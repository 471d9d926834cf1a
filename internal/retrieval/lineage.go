package retrieval

import (
	"context"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// Lineage is the expanded relationship view of one result memory:
// ancestor chain, descendant tree, recent consolidation events, insights
// derived from it, and provenance metadata.
type Lineage struct {
	Ancestors          []*memstore.Memory
	Descendants        []*memstore.Memory
	ConsolidationChain []*memstore.ConsolidationLogEntry
	RelatedInsights    []*memstore.Memory
	Provenance         Provenance
}

// Provenance describes where a memory came from and how reliable its
// consolidation history suggests it is.
type Provenance struct {
	CreationSource      string
	ModificationHistory []string
	ReliabilityScore    float64
	QualityIndicators   map[string]string
}

// consolidationChainLimit bounds the per-memory consolidation history
// returned with a lineage.
const consolidationChainLimit = 10

// relatedInsightsLimit bounds the reverse insight lookup.
const relatedInsightsLimit = 10

// buildLineage expands one memory's lineage up to maxDepth. Both
// traversals are iterative with a visited set, so a corrupted parent
// cycle terminates instead of recursing forever.
func (e *Engine) buildLineage(ctx context.Context, m *memstore.Memory, maxDepth int) (*Lineage, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	lineage := &Lineage{}

	// Ancestors: walk parent_id pointers upward.
	visited := map[uuid.UUID]bool{m.ID: true}
	current := m
	for depth := 0; depth < maxDepth && current.ParentID != nil; depth++ {
		parent, err := e.db.GetActiveMemory(ctx, *current.ParentID)
		if err != nil {
			if memerr.Is(err, memerr.NotFound) {
				break
			}
			return nil, err
		}
		if visited[parent.ID] {
			break
		}
		visited[parent.ID] = true
		lineage.Ancestors = append(lineage.Ancestors, parent)
		current = parent
	}

	// Descendants: breadth-first over parent_id = current.id, one level
	// per depth step.
	frontier := []uuid.UUID{m.ID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, id := range frontier {
			children, err := e.db.GetChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if visited[child.ID] {
					continue
				}
				visited[child.ID] = true
				lineage.Descendants = append(lineage.Descendants, child)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}

	chain, err := e.db.GetConsolidationChain(ctx, m.ID, consolidationChainLimit)
	if err != nil {
		return nil, err
	}
	lineage.ConsolidationChain = chain

	insights, err := e.db.GetRelatedInsights(ctx, m.ID, relatedInsightsLimit)
	if err != nil {
		return nil, err
	}
	lineage.RelatedInsights = insights

	lineage.Provenance = buildProvenance(m)
	return lineage, nil
}

func buildProvenance(m *memstore.Memory) Provenance {
	source := "direct"
	if m.Metadata != nil {
		if gb, ok := m.Metadata[memstore.MetaGeneratedBy].(string); ok && gb != "" {
			source = gb
		} else if m.HasMetaFlag(memstore.MetaIsMergedResult) {
			source = "dedup_merge"
		}
	}
	reliability := m.ConsolidationStrength / 10.0
	if reliability > 1 {
		reliability = 1
	}
	return Provenance{
		CreationSource:      source,
		ModificationHistory: []string{},
		ReliabilityScore:    reliability,
		QualityIndicators: map[string]string{
			"embedding": embeddingIndicator(m),
			"content":   contentIndicator(m),
		},
	}
}

func embeddingIndicator(m *memstore.Memory) string {
	if len(m.Embedding) > 0 {
		return "present"
	}
	return "absent"
}

func contentIndicator(m *memstore.Memory) string {
	if len(m.Content) > 50 {
		return "substantial"
	}
	return "brief"
}
