package mcp

import (
	"fmt"
	"strings"

	"github.com/MycelicMemory/mycelicmemory/internal/dedup"
	"github.com/MycelicMemory/mycelicmemory/internal/harvester"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
)

// Formatter renders core results as human-readable text for MCP
// content blocks.
type Formatter struct{}

// NewFormatter creates a formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// MemoryStored formats a store confirmation.
func (f *Formatter) MemoryStored(m *memstore.Memory) string {
	return fmt.Sprintf("Memory stored.\nID: %s\nTier: %s\nImportance: %.2f", m.ID, m.Tier, m.Importance)
}

// Memory formats a single memory.
func (f *Formatter) Memory(m *memstore.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", m.ID)
	fmt.Fprintf(&b, "Tier: %s  Status: %s\n", m.Tier, m.Status)
	fmt.Fprintf(&b, "Importance: %.2f  Recall: %.3f  Strength: %.2f\n", m.Importance, m.RecallProbability, m.ConsolidationStrength)
	fmt.Fprintf(&b, "Accessed: %d times\n", m.AccessCount)
	fmt.Fprintf(&b, "\n%s", m.Content)
	return b.String()
}

// SearchResults formats a retrieval response.
func (f *Formatter) SearchResults(resp *retrieval.Response) string {
	if resp.TotalResults == 0 {
		return "No memories found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories", resp.TotalResults)
	if resp.CacheHit {
		b.WriteString(" (cached)")
	}
	fmt.Fprintf(&b, " in %dms:\n", resp.Metrics.TotalMs)

	for i, r := range resp.Results {
		fmt.Fprintf(&b, "\n%d. [%.3f] %s", i+1, r.FinalScore, excerpt(r.Memory.Content, 120))
		var notes []string
		if r.IsInsight {
			notes = append(notes, "insight")
		}
		if r.IsRecentlyConsolidated {
			notes = append(notes, fmt.Sprintf("boosted %.2fx", r.ConsolidationBoost))
		}
		if len(notes) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(notes, ", "))
		}
		fmt.Fprintf(&b, "\n   id=%s tier=%s", r.Memory.ID, r.Memory.Tier)
	}
	return b.String()
}

// DedupResult formats a deduplication batch result.
func (f *Formatter) DedupResult(r *dedup.BatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deduplication complete in %dms.\n", r.ExecutionTimeMs)
	fmt.Fprintf(&b, "Processed: %d  Groups: %d  Merged: %d\n", r.MemoriesProcessed, r.GroupsFound, r.MemoriesMerged)
	for i, id := range r.AuditIDs {
		fmt.Fprintf(&b, "Operation %s -> merged memory %s\n", id, r.MergedMemoryIDs[i])
	}
	return b.String()
}

// HarvestStats formats a harvester run summary.
func (f *Formatter) HarvestStats(s *harvester.HarvestStats) string {
	return fmt.Sprintf("Harvest run: %d messages, %d patterns, %d stored, %d duplicates, %d below confidence.",
		s.MessagesProcessed, s.PatternsExtracted, s.Stored, s.Duplicates, s.BelowConfidence)
}

func excerpt(text string, max int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
