// Package tiermanager implements the threshold-driven scheduler that
// migrates memories across the working/warm/cold/frozen tiers.
package tiermanager

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/semaphore"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/mathengine"
	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// sourceTiers are the tiers a memory can migrate out of. Frozen is
// terminal and never scanned.
var sourceTiers = []memstore.Tier{
	memstore.TierWorking,
	memstore.TierWarm,
	memstore.TierCold,
}

// Candidate is one migration decision: a memory, its target tier, and
// the priority used to order the batch.
type Candidate struct {
	Memory   *memstore.Memory
	Target   memstore.Tier
	Recall   float64
	Priority float64
}

// TickStats counts one scheduler tick.
type TickStats struct {
	Scanned  int64
	Migrated int64
	Failed   int64
	Duration time.Duration
}

// Metrics accumulates across ticks.
type Metrics struct {
	TicksTotal    atomic.Int64
	MigratedTotal atomic.Int64
	FailedTotal   atomic.Int64
	RetriedTotal  atomic.Int64
}

// Manager is the tier migration control loop.
type Manager struct {
	db      *database.Database
	cfg     config.TierManagerConfig
	log     *logging.Logger
	now     func() time.Time
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	metrics Metrics
}

// NewManager constructs the tier manager.
func NewManager(db *database.Database, cfg config.TierManagerConfig) *Manager {
	return &Manager{
		db:  db,
		cfg: cfg,
		log: logging.GetLogger("tiermanager"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the scan loop. Returns InvalidRequest if already running.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Info("tier manager disabled")
		return nil
	}
	if !m.running.CompareAndSwap(false, true) {
		return memerr.New(memerr.InvalidRequest, "tier manager already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := time.Duration(m.cfg.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		defer close(m.done)
		defer m.running.Store(false)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.log.Info("tier manager started", "interval", interval)
		for {
			select {
			case <-loopCtx.Done():
				m.log.Info("tier manager stopped")
				return
			case <-ticker.C:
				stats := m.Tick(loopCtx)
				m.log.LogOperation("tier_scan",
					"scanned", stats.Scanned,
					"migrated", stats.Migrated,
					"failed", stats.Failed,
					"duration_ms", stats.Duration.Milliseconds())
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight tick.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// IsRunning reports whether the loop is active.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// MetricsSnapshot returns cumulative counters.
func (m *Manager) MetricsSnapshot() (ticks, migrated, failed, retried int64) {
	return m.metrics.TicksTotal.Load(), m.metrics.MigratedTotal.Load(),
		m.metrics.FailedTotal.Load(), m.metrics.RetriedTotal.Load()
}

// Tick runs one full scan-decide-migrate cycle.
func (m *Manager) Tick(ctx context.Context) TickStats {
	start := m.now()
	var stats TickStats
	m.metrics.TicksTotal.Add(1)

	var candidates []Candidate
	for _, tier := range sourceTiers {
		batch, err := m.scanTier(ctx, tier, &stats)
		if err != nil {
			m.log.LogError("scan_tier", err, "tier", tier)
			continue
		}
		candidates = append(candidates, batch...)
	}

	// Highest priority first: the least recallable, oldest memories move
	// before anything marginal.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	m.migrate(ctx, candidates, &stats)

	stats.Duration = m.now().Sub(start)

	if m.cfg.EnableMetrics && stats.Migrated > 0 && stats.Duration > 0 {
		perSecond := float64(stats.Migrated) / stats.Duration.Seconds()
		if target := float64(m.cfg.TargetMigrationsPerSecond); target > 0 && perSecond < target {
			m.log.Warn("migration throughput below target",
				"migrations_per_second", int64(perSecond),
				"target", m.cfg.TargetMigrationsPerSecond)
		}
	}
	return stats
}

// scanTier fetches age-eligible memories from one tier and decides which
// need to move, per the per-tier recall thresholds.
func (m *Manager) scanTier(ctx context.Context, tier memstore.Tier, stats *TickStats) ([]Candidate, error) {
	limit := m.cfg.MigrationBatchSize * 10
	if limit <= 0 {
		limit = 1000
	}
	memories, err := m.db.GetMemoriesForTierScan(ctx, tier, m.minAge(tier), limit)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []Candidate
	for _, mem := range memories {
		stats.Scanned++
		recall, err := mathengine.RecallProbability(mathengine.Params{
			ConsolidationStrength: mem.ConsolidationStrength,
			DecayRate:             mem.DecayRate,
			LastAccessedAt:        mem.LastAccessed,
			CreatedAt:             mem.CreatedAt,
			AccessCount:           mem.AccessCount,
			ImportanceScore:       mem.Importance,
		}, now)
		if err != nil {
			recall = mathengine.RecallProbabilityFallback(mem.Importance, mem.ConsolidationStrength)
		}

		if recall >= m.threshold(tier) {
			continue
		}

		ageHours := now.Sub(mem.CreatedAt).Hours()
		priority := (1 - recall) * (1 + math.Max(0, math.Log(ageHours/24)))
		out = append(out, Candidate{
			Memory:   mem,
			Target:   tier.Next(),
			Recall:   recall,
			Priority: priority,
		})
	}
	return out, nil
}

// migrate partitions candidates into batches and runs up to
// MaxConcurrentMigrations batches in parallel, each memory in its own
// transaction so a failure never poisons its batch.
func (m *Manager) migrate(ctx context.Context, candidates []Candidate, stats *TickStats) {
	if len(candidates) == 0 {
		return
	}

	batchSize := m.cfg.MigrationBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxConcurrent := int64(m.cfg.MaxConcurrentMigrations)
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := semaphore.NewWeighted(maxConcurrent)
	var migrated, failed atomic.Int64

	for i := 0; i < len(candidates); i += batchSize {
		end := i + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[i:end]

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(batch []Candidate) {
			defer sem.Release(1)
			for _, c := range batch {
				if ctx.Err() != nil {
					return
				}
				if err := m.migrateOne(ctx, c); err != nil {
					failed.Add(1)
					m.log.LogError("migrate_memory", err, "memory_id", c.Memory.ID, "target", c.Target)
				} else {
					migrated.Add(1)
				}
			}
		}(batch)
	}

	// Draining the semaphore waits for every in-flight batch.
	_ = sem.Acquire(context.Background(), maxConcurrent)
	sem.Release(maxConcurrent)

	stats.Migrated += migrated.Load()
	stats.Failed += failed.Load()
	m.metrics.MigratedTotal.Add(migrated.Load())
	m.metrics.FailedTotal.Add(failed.Load())
}

// migrateOne moves a single memory to its target tier in one transaction,
// appending the consolidation-log row when migration logging is on.
// Retries up to MaxRetryAttempts with RetryDelaySeconds between attempts.
func (m *Manager) migrateOne(ctx context.Context, c Candidate) error {
	var logEntry *memstore.ConsolidationLogEntry
	if m.cfg.LogMigrations {
		logEntry = &memstore.ConsolidationLogEntry{
			MemoryID:         c.Memory.ID,
			PreviousStrength: c.Memory.ConsolidationStrength,
			NewStrength:      c.Memory.ConsolidationStrength,
			PreviousRecall:   c.Memory.RecallProbability,
			NewRecall:        c.Recall,
			EventType:        "tier_migration",
			TriggerReason:    string(c.Memory.Tier) + "_to_" + string(c.Target),
		}
	}

	attempts := m.cfg.MaxRetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(m.cfg.RetryDelaySeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			m.metrics.RetriedTotal.Add(1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = m.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			return m.db.UpdateTier(ctx, tx, c.Memory.ID, c.Target, logEntry)
		})
		if lastErr == nil {
			return nil
		}
		// A memory that became non-Active (merged, pruned) between scan
		// and migration is not a failure worth retrying.
		if memerr.Is(lastErr, memerr.NotFound) {
			return nil
		}
	}
	return lastErr
}

func (m *Manager) threshold(tier memstore.Tier) float64 {
	switch tier {
	case memstore.TierWorking:
		return m.cfg.WorkingToWarmThreshold
	case memstore.TierWarm:
		return m.cfg.WarmToColdThreshold
	case memstore.TierCold:
		return m.cfg.ColdToFrozenThreshold
	default:
		return 0
	}
}

func (m *Manager) minAge(tier memstore.Tier) time.Duration {
	var hours float64
	switch tier {
	case memstore.TierWorking:
		hours = m.cfg.MinWorkingAgeHours
	case memstore.TierWarm:
		hours = m.cfg.MinWarmAgeHours
	case memstore.TierCold:
		hours = m.cfg.MinColdAgeHours
	}
	return time.Duration(hours * float64(time.Hour))
}
