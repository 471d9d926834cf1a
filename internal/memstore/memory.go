// Package memstore defines the Memory entity and its auxiliary log
// rows, shared by the math engine, forgetting job, tier manager, dedup
// engine, retrieval engine, and harvester.
package memstore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// HashContent returns the deterministic digest stored in content_hash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Tier is the coarse storage class reflecting expected recall likelihood.
type Tier string

const (
	TierWorking Tier = "working"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierFrozen  Tier = "frozen"
)

// Next returns the tier one step colder than t, or t itself if already Frozen.
func (t Tier) Next() Tier {
	switch t {
	case TierWorking:
		return TierWarm
	case TierWarm:
		return TierCold
	case TierCold:
		return TierFrozen
	default:
		return TierFrozen
	}
}

// Status is the lifecycle state of a memory row.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Metadata keys recognized by every subsystem touching the free-form map.
const (
	MetaIsMetaMemory     = "is_meta_memory"
	MetaGeneratedBy      = "generated_by"
	MetaSourceMemoryIDs  = "source_memory_ids"
	MetaCritical         = "critical"
	MetaImportant        = "important"
	MetaPermanent        = "permanent"
	MetaDoNotPrune       = "do_not_prune"
	MetaIsMergedResult   = "is_merged_result"
	MetaMergeGeneration  = "merge_generation"
	GeneratedByReflector = "reflection_engine"
)

// Memory is the primary entity of the store.
type Memory struct {
	ID           uuid.UUID
	Content      string
	ContentHash  string
	Embedding    []float32
	Tier         Tier
	Status       Status
	Importance   float64
	AccessCount  int64
	LastAccessed *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    *time.Time

	ConsolidationStrength float64
	DecayRate             float64
	RecallProbability     float64
	LastRecallInterval    *time.Duration

	RecencyScore   float64
	RelevanceScore float64

	Metadata map[string]any
	ParentID *uuid.UUID
}

// HasMetaFlag reports whether m.Metadata[key] is truthy, tolerating the
// common JSON-decoded shapes (bool true, string "true").
func (m *Memory) HasMetaFlag(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

// IsProtected reports whether a memory carries any prune/safety guard flag.
func (m *Memory) IsProtected() bool {
	return m.HasMetaFlag(MetaCritical) || m.HasMetaFlag(MetaImportant) ||
		m.HasMetaFlag(MetaPermanent) || m.HasMetaFlag(MetaDoNotPrune)
}

// IsInsight reports whether a memory was generated by reflection over
// other memories.
func (m *Memory) IsInsight() bool {
	if m.HasMetaFlag(MetaIsMetaMemory) {
		return true
	}
	if m.Metadata == nil {
		return false
	}
	if gb, ok := m.Metadata[MetaGeneratedBy].(string); ok {
		return gb == GeneratedByReflector
	}
	return false
}

// SourceMemoryIDs returns the metadata's source_memory_ids list, tolerating
// absence or a malformed value.
func (m *Memory) SourceMemoryIDs() []uuid.UUID {
	if m.Metadata == nil {
		return nil
	}
	raw, ok := m.Metadata[MetaSourceMemoryIDs]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// ConsolidationLogEntry is an append-only record of a consolidation update.
type ConsolidationLogEntry struct {
	ID               uuid.UUID
	MemoryID         uuid.UUID
	PreviousStrength float64
	NewStrength      float64
	PreviousRecall   float64
	NewRecall        float64
	EventType        string
	TriggerReason    string
	CreatedAt        time.Time
}

// PruningLogEntry is a per-prune snapshot captured before soft-deletion.
type PruningLogEntry struct {
	ID                uuid.UUID
	MemoryID          uuid.UUID
	RecallProbability float64
	AgeDays           float64
	Tier              Tier
	Importance        float64
	AccessCount       int64
	ContentSize       int
	Reason            string
	CreatedAt         time.Time
}

// CompressionLogEntry records enough of an archived memory's prior state to
// undo the archival within ReversibleUntil.
type CompressionLogEntry struct {
	ID               uuid.UUID
	MemoryID         uuid.UUID
	OriginalContent  string
	OriginalMetadata map[string]any
	CompressionType  string
	Ratio            float64
	ReversibleUntil  time.Time
	CreatedAt        time.Time
}

// AuditOperationType distinguishes the two reversible dedup operations.
type AuditOperationType string

const (
	AuditOperationMerge AuditOperationType = "merge"
	AuditOperationPrune AuditOperationType = "prune"
)

// AuditStatus is the lifecycle of a dedup audit row.
type AuditStatus string

const (
	AuditStatusInProgress AuditStatus = "in_progress"
	AuditStatusCompleted  AuditStatus = "completed"
	AuditStatusReversed   AuditStatus = "reversed"
)

// DedupAuditLogEntry tracks one reversible dedup operation (merge or prune).
type DedupAuditLogEntry struct {
	ID              uuid.UUID
	OperationType   AuditOperationType
	OperationData   map[string]any
	CompletionData  map[string]any
	Status          AuditStatus
	CreatedAt       time.Time
	CompletedAt     *time.Time
	ReversibleUntil time.Time
}

// MergeHistoryEntry links a merged memory back to one of its sources.
type MergeHistoryEntry struct {
	MergeOperationID uuid.UUID
	MergedMemoryID   uuid.UUID
	OriginalMemoryID uuid.UUID
}

// MergeStrategy is the algorithm used to fold a similarity group into
// one surviving memory.
type MergeStrategy string

const (
	MergeLosslessPreservation  MergeStrategy = "lossless_preservation"
	MergeMetadataConsolidation MergeStrategy = "metadata_consolidation"
	MergeContentSummarization  MergeStrategy = "content_summarization"
)
