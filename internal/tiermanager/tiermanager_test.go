package tiermanager

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/testutil"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

func testConfig() config.TierManagerConfig {
	cfg := config.DefaultConfig().TierMgr
	cfg.MaxConcurrentMigrations = 1
	cfg.MaxRetryAttempts = 1
	cfg.LogMigrations = true
	return cfg
}

func newTestManager(t *testing.T, mock pgxmock.PgxPoolIface, cfg config.TierManagerConfig) *Manager {
	t.Helper()
	m := NewManager(database.NewWithPool(mock, 4), cfg)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	return m
}

func TestTickMigratesBelowThreshold(t *testing.T) {
	mock := testutil.NewMockPool(t)
	m := newTestManager(t, mock, testConfig())
	now := m.now()

	// A Working memory whose recall computes to ~0.65, below the 0.7
	// working-to-warm threshold, aged past the 1h minimum.
	candidate := testutil.NewMemory(
		testutil.WithTier(memstore.TierWorking),
		testutil.WithCreatedAt(now.Add(-time.Duration(10.34*float64(time.Hour)))),
	)

	// One scan per source tier, in working/warm/cold order.
	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows(candidate))
	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows())
	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows())

	// The migration transaction: tier update plus consolidation log row.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE memories SET tier").
		WithArgs(memstore.TierWarm, candidate.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO memory_consolidation_log").
		WithArgs(testutil.AnyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats := m.Tick(context.Background())
	assert.Equal(t, int64(1), stats.Scanned)
	assert.Equal(t, int64(1), stats.Migrated)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestTickLeavesRecallableMemoriesAlone(t *testing.T) {
	mock := testutil.NewMockPool(t)
	m := newTestManager(t, mock, testConfig())
	now := m.now()

	// Recently reinforced: recall stays above every threshold.
	fresh := testutil.NewMemory(
		testutil.WithTier(memstore.TierWorking),
		testutil.WithCreatedAt(now.Add(-2*time.Hour)),
		testutil.WithConsolidation(5.0, 1.0),
	)

	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows(fresh))
	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows())
	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows())

	stats := m.Tick(context.Background())
	assert.Equal(t, int64(1), stats.Scanned)
	assert.Equal(t, int64(0), stats.Migrated)
}

func TestThresholds(t *testing.T) {
	m := NewManager(nil, testConfig())
	assert.Equal(t, 0.7, m.threshold(memstore.TierWorking))
	assert.Equal(t, 0.5, m.threshold(memstore.TierWarm))
	assert.Equal(t, 0.2, m.threshold(memstore.TierCold))
	assert.Equal(t, 0.0, m.threshold(memstore.TierFrozen))
}

func TestMinAge(t *testing.T) {
	m := NewManager(nil, testConfig())
	assert.Equal(t, time.Hour, m.minAge(memstore.TierWorking))
	assert.Equal(t, 24*time.Hour, m.minAge(memstore.TierWarm))
	assert.Equal(t, 168*time.Hour, m.minAge(memstore.TierCold))
}

func TestPriorityOrdersColdestFirst(t *testing.T) {
	mock := testutil.NewMockPool(t)
	cfg := testConfig()
	m := newTestManager(t, mock, cfg)
	now := m.now()

	// Both below threshold; the older, less recallable one must carry
	// the higher priority.
	older := testutil.NewMemory(
		testutil.WithTier(memstore.TierWorking),
		testutil.WithCreatedAt(now.Add(-200*time.Hour)),
	)
	newer := testutil.NewMemory(
		testutil.WithTier(memstore.TierWorking),
		testutil.WithCreatedAt(now.Add(-11*time.Hour)),
	)

	mock.ExpectQuery("FROM memories").
		WithArgs(testutil.AnyArgs(3)...).
		WillReturnRows(testutil.MemoryRows(newer, older))

	var stats TickStats
	candidates, err := m.scanTier(context.Background(), memstore.TierWorking, &stats)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byID := map[bool]Candidate{}
	for _, c := range candidates {
		byID[c.Memory.ID == older.ID] = c
	}
	assert.Greater(t, byID[true].Priority, byID[false].Priority)
}

func TestStartTwiceRejected(t *testing.T) {
	mock := testutil.NewMockPool(t)
	cfg := testConfig()
	cfg.ScanIntervalSeconds = 3600
	m := newTestManager(t, mock, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	err := m.Start(ctx)
	assert.Error(t, err, "second Start while running must fail")
}
