// Package harvester implements the silent harvester: it queues
// conversational messages, extracts candidate memories via the pattern
// library, filters them by confidence and embedding similarity, and
// stores survivors as Active Working-tier memories.
package harvester

import (
	"context"
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// Assessor scores a candidate's importance; the three-stage assessment
// pipeline implements it.
type Assessor interface {
	Assess(ctx context.Context, content string) (float64, error)
}

// HarvestStats counts one processing run.
type HarvestStats struct {
	MessagesProcessed int
	PatternsExtracted int
	BelowConfidence   int
	Duplicates        int
	Stored            int
	Duration          time.Duration
}

// Harvester queues messages and processes them when either the count or
// time trigger fires.
type Harvester struct {
	db       *database.Database
	provider embedding.Provider
	assessor Assessor
	cfg      config.HarvesterConfig
	log      *logging.Logger
	now      func() time.Time

	extractor *extractor

	mu      sync.Mutex
	queue   []string
	lastRun time.Time

	// recentEmbeddings is the bounded cache the similarity dedup checks
	// new patterns against, newest last.
	recentEmbeddings [][]float32
}

// New constructs a harvester with the default pattern library.
func New(db *database.Database, provider embedding.Provider, assessor Assessor, cfg config.HarvesterConfig) (*Harvester, error) {
	return NewWithLibrary(db, provider, assessor, cfg, DefaultPatternLibrary())
}

// NewWithLibrary constructs a harvester with a custom pattern library.
func NewWithLibrary(db *database.Database, provider embedding.Provider, assessor Assessor, cfg config.HarvesterConfig, library map[PatternType][]string) (*Harvester, error) {
	x, err := newExtractor(library)
	if err != nil {
		return nil, err
	}
	h := &Harvester{
		db:        db,
		provider:  provider,
		assessor:  assessor,
		cfg:       cfg,
		log:       logging.GetLogger("harvester"),
		now:       func() time.Time { return time.Now().UTC() },
		extractor: x,
	}
	h.lastRun = h.now()
	return h, nil
}

// Enqueue adds a message to the queue, returning true when a trigger
// condition is now met and the caller should invoke Process.
func (h *Harvester) Enqueue(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, message)
	return h.triggeredLocked()
}

// Triggered reports whether a processing run is due.
func (h *Harvester) Triggered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.triggeredLocked()
}

func (h *Harvester) triggeredLocked() bool {
	if len(h.queue) == 0 {
		return false
	}
	if len(h.queue) >= h.cfg.MessageTriggerCount {
		return true
	}
	elapsed := h.now().Sub(h.lastRun)
	return elapsed >= time.Duration(h.cfg.TimeTriggerMinutes)*time.Minute
}

// Process drains up to MaxBatchSize queued messages and runs the
// extraction pipeline, bounded by MaxProcessingTimeSeconds. Messages
// left unprocessed when the budget runs out stay queued for the next
// run.
func (h *Harvester) Process(ctx context.Context) (*HarvestStats, error) {
	start := h.now()
	stats := &HarvestStats{}

	budget := time.Duration(h.cfg.MaxProcessingTimeSeconds) * time.Second
	if budget <= 0 {
		budget = 2 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	batch := h.takeBatch()
	if len(batch) == 0 {
		stats.Duration = h.now().Sub(start)
		return stats, nil
	}

	for i, message := range batch {
		if runCtx.Err() != nil {
			h.requeue(batch[i:])
			break
		}
		stats.MessagesProcessed++

		patterns := h.extractor.extract(message, start)
		stats.PatternsExtracted += len(patterns)

		for _, p := range patterns {
			if runCtx.Err() != nil {
				break
			}
			if p.Confidence < h.cfg.ConfidenceThreshold {
				stats.BelowConfidence++
				continue
			}

			emb, dup, err := h.isDuplicate(runCtx, p.Content)
			if err != nil {
				h.log.LogError("harvest_dedup", err, "pattern_type", p.Type)
				continue
			}
			if dup {
				stats.Duplicates++
				continue
			}

			if err := h.store(runCtx, p, emb); err != nil {
				h.log.LogError("harvest_store", err, "pattern_type", p.Type)
				continue
			}
			stats.Stored++
		}
	}

	h.mu.Lock()
	h.lastRun = h.now()
	h.mu.Unlock()

	stats.Duration = h.now().Sub(start)
	if !h.cfg.SilentMode || stats.Stored > 0 {
		h.log.LogOperation("harvest_run",
			"messages", stats.MessagesProcessed,
			"patterns", stats.PatternsExtracted,
			"stored", stats.Stored,
			"duplicates", stats.Duplicates,
			"duration_ms", stats.Duration.Milliseconds())
	}
	return stats, nil
}

func (h *Harvester) takeBatch() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.cfg.MaxBatchSize
	if n <= 0 {
		n = 50
	}
	if n > len(h.queue) {
		n = len(h.queue)
	}
	batch := h.queue[:n]
	h.queue = append([]string(nil), h.queue[n:]...)
	return batch
}

func (h *Harvester) requeue(messages []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(append([]string(nil), messages...), h.queue...)
}

// isDuplicate embeds the content and compares against the bounded cache
// of recent pattern embeddings. The fresh embedding is returned so a
// surviving pattern is not embedded twice.
func (h *Harvester) isDuplicate(ctx context.Context, content string) ([]float32, bool, error) {
	emb, err := h.provider.Embed(ctx, content)
	if err != nil {
		return nil, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cached := range h.recentEmbeddings {
		if embedding.CosineSimilarity(emb, cached) >= h.cfg.DeduplicationThreshold {
			return emb, true, nil
		}
	}

	h.recentEmbeddings = append(h.recentEmbeddings, emb)
	maxCache := h.cfg.RecentCacheSize
	if maxCache <= 0 {
		maxCache = 200
	}
	if len(h.recentEmbeddings) > maxCache {
		h.recentEmbeddings = h.recentEmbeddings[len(h.recentEmbeddings)-maxCache:]
	}
	return emb, false, nil
}

// store assesses importance and writes the surviving pattern as a new
// Active Working-tier memory with the pattern type and confidence in
// metadata.
func (h *Harvester) store(ctx context.Context, p ExtractedPattern, emb []float32) error {
	importance := 0.5
	if h.assessor != nil {
		score, err := h.assessor.Assess(ctx, p.Content)
		if err != nil {
			h.log.Warn("importance assessment failed, using default", "error", err)
		} else {
			importance = score
		}
	}

	return h.db.CreateMemory(ctx, nil, &memstore.Memory{
		Content:     p.Content,
		ContentHash: memstore.HashContent(p.Content),
		Embedding:   emb,
		Tier:        memstore.TierWorking,
		Status:      memstore.StatusActive,
		Importance:  importance,
		Metadata: map[string]any{
			"harvested":          true,
			"pattern_type":       string(p.Type),
			"pattern_confidence": p.Confidence,
			"matched_text":       p.MatchedText,
		},
	})
}

// QueueDepth reports how many messages await processing.
func (h *Harvester) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
