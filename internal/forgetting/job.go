// Package forgetting implements the periodic decay/importance update loop
// and soft-deletion of unrecoverable memories.
package forgetting

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/mathengine"
	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// tierOrder is the processing order for each run: hottest tier first.
var tierOrder = []memstore.Tier{
	memstore.TierWorking,
	memstore.TierWarm,
	memstore.TierCold,
	memstore.TierFrozen,
}

// RunStats counts what one forgetting run did.
type RunStats struct {
	Processed         int64
	DecayUpdated      int64
	ImportanceUpdated int64
	SoftDeleted       int64
	BatchErrors       int64
	Duration          time.Duration
}

// Job is the forgetting background loop. Start it once; a second Start
// while running is an InvalidRequest.
type Job struct {
	db      *database.Database
	cfg     config.ForgettingConfig
	log     *logging.Logger
	now     func() time.Time
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewJob constructs the forgetting job. The clock is injectable for tests.
func NewJob(db *database.Database, cfg config.ForgettingConfig) *Job {
	return &Job{
		db:  db,
		cfg: cfg,
		log: logging.GetLogger("forgetting"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the periodic loop. Returns InvalidRequest if already
// running, matching the one-start-per-loop rule shared by every
// background task.
func (j *Job) Start(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.log.Info("forgetting job disabled")
		return nil
	}
	if !j.running.CompareAndSwap(false, true) {
		return memerr.New(memerr.InvalidRequest, "forgetting job already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	interval := time.Duration(j.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		defer close(j.done)
		defer j.running.Store(false)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		j.log.Info("forgetting job started", "interval", interval)
		for {
			select {
			case <-loopCtx.Done():
				j.log.Info("forgetting job stopped")
				return
			case <-ticker.C:
				stats := j.RunOnce(loopCtx)
				j.log.LogOperation("forgetting_run",
					"processed", stats.Processed,
					"soft_deleted", stats.SoftDeleted,
					"batch_errors", stats.BatchErrors,
					"duration_ms", stats.Duration.Milliseconds())
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the current batch to finish.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

// IsRunning reports whether the loop is active.
func (j *Job) IsRunning() bool { return j.running.Load() }

// RunOnce executes a single forgetting pass over every tier. Failures in
// one batch are counted and do not abort the run.
func (j *Job) RunOnce(ctx context.Context) RunStats {
	start := j.now()
	var stats RunStats

	batchSize := j.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	maxBatches := j.cfg.MaxBatchesPerRun
	if maxBatches <= 0 {
		maxBatches = 10
	}

	for _, tier := range tierOrder {
		for batch := 0; batch < maxBatches; batch++ {
			if ctx.Err() != nil {
				stats.Duration = j.now().Sub(start)
				return stats
			}
			memories, err := j.db.GetMemoriesForForgetting(ctx, tier, batchSize)
			if err != nil {
				j.log.LogError("fetch_forgetting_batch", err, "tier", tier)
				stats.BatchErrors++
				break
			}
			if len(memories) == 0 {
				break
			}
			j.processBatch(ctx, tier, memories, &stats)
			if len(memories) < batchSize {
				break
			}
		}
	}

	stats.Duration = j.now().Sub(start)
	return stats
}

// processBatch computes adaptive decay, adaptive importance, and recall
// probability for one batch, then applies the results in three batched
// statements. A failing statement increments BatchErrors and moves on.
func (j *Job) processBatch(ctx context.Context, tier memstore.Tier, memories []*memstore.Memory, stats *RunStats) {
	now := j.now()

	ids := make([]uuid.UUID, 0, len(memories))
	decayRates := make([]float64, 0, len(memories))
	importanceIDs := make([]uuid.UUID, 0, len(memories))
	importances := make([]float64, 0, len(memories))
	recalls := make([]float64, 0, len(memories))
	var deleteIDs []uuid.UUID
	var deleteLogs []*memstore.PruningLogEntry

	for _, m := range memories {
		stats.Processed++

		ageFactor := j.ageFactor(m, now)
		rate := mathengine.AdaptiveDecayRate(
			j.cfg.BaseDecayRate,
			j.tierMultiplier(tier),
			m.Importance,
			j.cfg.ImportanceDecayFactor,
			ageFactor,
			m.AccessCount,
			j.cfg.MinDecayRate,
			j.cfg.MaxDecayRate,
		)
		ids = append(ids, m.ID)
		decayRates = append(decayRates, rate)

		if j.cfg.EnableReinforcementLearning {
			reward := mathengine.AccessReward(m.LastAccessed, now, m.AccessCount)
			delta := mathengine.AdaptiveImportanceDelta(j.cfg.LearningRate, reward)
			importanceIDs = append(importanceIDs, m.ID)
			importances = append(importances, mathengine.ApplyImportanceDelta(m.Importance, delta))
		}

		recall, err := mathengine.RecallProbability(mathengine.Params{
			ConsolidationStrength: m.ConsolidationStrength,
			DecayRate:             rate,
			LastAccessedAt:        m.LastAccessed,
			CreatedAt:             m.CreatedAt,
			AccessCount:           m.AccessCount,
			ImportanceScore:       m.Importance,
		}, now)
		if err != nil {
			recall = mathengine.RecallProbabilityFallback(m.Importance, m.ConsolidationStrength)
		}
		recalls = append(recalls, recall)

		if j.shouldHardDelete(m, recall, now) {
			deleteIDs = append(deleteIDs, m.ID)
			deleteLogs = append(deleteLogs, &memstore.PruningLogEntry{
				MemoryID:          m.ID,
				RecallProbability: recall,
				AgeDays:           now.Sub(m.CreatedAt).Hours() / 24,
				Tier:              m.Tier,
				Importance:        m.Importance,
				AccessCount:       m.AccessCount,
				ContentSize:       len(m.Content),
				Reason:            "hard_deletion_threshold",
			})
		}
	}

	if err := j.db.BatchUpdateDecayRates(ctx, ids, decayRates); err != nil {
		j.log.LogError("batch_update_decay_rates", err, "tier", tier, "count", len(ids))
		stats.BatchErrors++
	} else {
		stats.DecayUpdated += int64(len(ids))
	}

	if len(importanceIDs) > 0 {
		if err := j.db.BatchUpdateImportanceScores(ctx, importanceIDs, importances); err != nil {
			j.log.LogError("batch_update_importance", err, "tier", tier, "count", len(importanceIDs))
			stats.BatchErrors++
		} else {
			stats.ImportanceUpdated += int64(len(importanceIDs))
		}
	}

	if err := j.db.BatchUpdateRecall(ctx, ids, recalls); err != nil {
		j.log.LogError("batch_update_recall", err, "tier", tier, "count", len(ids))
		stats.BatchErrors++
	}

	if len(deleteIDs) > 0 {
		for _, entry := range deleteLogs {
			if err := j.db.InsertPruningLog(ctx, nil, entry); err != nil {
				j.log.LogError("insert_pruning_log", err, "memory_id", entry.MemoryID)
			}
		}
		if err := j.db.BatchSoftDeleteMemories(ctx, nil, deleteIDs); err != nil {
			j.log.LogError("batch_soft_delete", err, "count", len(deleteIDs))
			stats.BatchErrors++
		} else {
			stats.SoftDeleted += int64(len(deleteIDs))
			j.log.Warn("memories soft-deleted below recall threshold", "count", len(deleteIDs))
		}
	}
}

func (j *Job) tierMultiplier(tier memstore.Tier) float64 {
	switch tier {
	case memstore.TierWorking:
		return j.cfg.WorkingDecayMultiplier
	case memstore.TierWarm:
		return j.cfg.WarmDecayMultiplier
	case memstore.TierCold:
		return j.cfg.ColdDecayMultiplier
	default:
		// Frozen memories decay at the cold rate; they are never migrated
		// further, only hard-deleted when unrecoverable.
		return j.cfg.ColdDecayMultiplier
	}
}

// ageFactor scales decay up for old memories, saturating at
// MaxAgeDecayMultiplier after a year.
func (j *Job) ageFactor(m *memstore.Memory, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	factor := 1.0 + (j.cfg.MaxAgeDecayMultiplier-1.0)*(ageDays/365.0)
	if factor > j.cfg.MaxAgeDecayMultiplier {
		return j.cfg.MaxAgeDecayMultiplier
	}
	if factor < 1.0 {
		return 1.0
	}
	return factor
}

// shouldHardDelete applies the hard-deletion gate: recall below threshold
// AND age at or past the retention window AND the feature enabled.
// Protected metadata flags always win.
func (j *Job) shouldHardDelete(m *memstore.Memory, recall float64, now time.Time) bool {
	if !j.cfg.EnableHardDeletion {
		return false
	}
	if m.IsProtected() {
		return false
	}
	if recall >= j.cfg.HardDeletionThreshold {
		return false
	}
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	return ageDays >= float64(j.cfg.HardDeletionRetentionDays)
}
