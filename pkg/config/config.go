package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Profile    string            `mapstructure:"profile"`
	Database   DatabaseConfig    `mapstructure:"database"`
	RestAPI    RestAPIConfig     `mapstructure:"rest_api"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Embedding  EmbeddingConfig   `mapstructure:"embedding"`
	Qdrant     QdrantConfig      `mapstructure:"qdrant"`
	Forgetting ForgettingConfig  `mapstructure:"forgetting"`
	TierMgr    TierManagerConfig `mapstructure:"tier_manager"`
	Dedup      DedupConfig       `mapstructure:"dedup"`
	Retrieval  RetrievalConfig   `mapstructure:"retrieval"`
	Harvester  HarvesterConfig   `mapstructure:"harvester"`
	Assessment AssessmentConfig  `mapstructure:"assessment"`
}

// DatabaseConfig holds PostgreSQL connection and pool configuration.
// Pool sizing defaults: max 100, min max(max/5, 20), 5m idle timeout,
// 1h max lifetime.
type DatabaseConfig struct {
	DSN                    string        `mapstructure:"dsn"`
	MaxConnections         int32         `mapstructure:"max_connections"`
	MinConnections         int32         `mapstructure:"min_connections"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	MaxLifetime            time.Duration `mapstructure:"max_lifetime"`
	StatementTimeout       time.Duration `mapstructure:"statement_timeout"`
	EmbeddingDimension     int           `mapstructure:"embedding_dimension"`
	VerifyVectorCapability bool          `mapstructure:"verify_vector_capability"`
}

// RestAPIConfig holds REST API server configuration.
type RestAPIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	AutoPort bool   `mapstructure:"auto_port"`
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	CORS     bool   `mapstructure:"cors"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EmbeddingConfig configures the external embed(text)->vector provider.
type EmbeddingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// QdrantConfig holds the optional secondary ANN backend configuration.
type QdrantConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AutoDetect bool   `mapstructure:"auto_detect"`
	URL        string `mapstructure:"url"`
}

// ForgettingConfig tunes the forgetting job.
type ForgettingConfig struct {
	Enabled                     bool    `mapstructure:"enabled"`
	CleanupIntervalSeconds      int     `mapstructure:"cleanup_interval_seconds"`
	BaseDecayRate               float64 `mapstructure:"base_decay_rate"`
	WorkingDecayMultiplier      float64 `mapstructure:"working_decay_multiplier"`
	WarmDecayMultiplier         float64 `mapstructure:"warm_decay_multiplier"`
	ColdDecayMultiplier         float64 `mapstructure:"cold_decay_multiplier"`
	ImportanceDecayFactor       float64 `mapstructure:"importance_decay_factor"`
	MaxAgeDecayMultiplier       float64 `mapstructure:"max_age_decay_multiplier"`
	MinDecayRate                float64 `mapstructure:"min_decay_rate"`
	MaxDecayRate                float64 `mapstructure:"max_decay_rate"`
	EnableReinforcementLearning bool    `mapstructure:"enable_reinforcement_learning"`
	LearningRate                float64 `mapstructure:"learning_rate"`
	EnableHardDeletion          bool    `mapstructure:"enable_hard_deletion"`
	HardDeletionThreshold       float64 `mapstructure:"hard_deletion_threshold"`
	HardDeletionRetentionDays   int     `mapstructure:"hard_deletion_retention_days"`
	BatchSize                   int     `mapstructure:"batch_size"`
	MaxBatchesPerRun            int     `mapstructure:"max_batches_per_run"`
}

// TierManagerConfig tunes the tier migration scheduler.
type TierManagerConfig struct {
	Enabled                   bool    `mapstructure:"enabled"`
	ScanIntervalSeconds       int     `mapstructure:"scan_interval_seconds"`
	MigrationBatchSize        int     `mapstructure:"migration_batch_size"`
	MaxConcurrentMigrations   int     `mapstructure:"max_concurrent_migrations"`
	WorkingToWarmThreshold    float64 `mapstructure:"working_to_warm_threshold"`
	WarmToColdThreshold       float64 `mapstructure:"warm_to_cold_threshold"`
	ColdToFrozenThreshold     float64 `mapstructure:"cold_to_frozen_threshold"`
	MinWorkingAgeHours        float64 `mapstructure:"min_working_age_hours"`
	MinWarmAgeHours           float64 `mapstructure:"min_warm_age_hours"`
	MinColdAgeHours           float64 `mapstructure:"min_cold_age_hours"`
	TargetMigrationsPerSecond int     `mapstructure:"target_migrations_per_second"`
	LogMigrations             bool    `mapstructure:"log_migrations"`
	MaxRetryAttempts          int     `mapstructure:"max_retry_attempts"`
	RetryDelaySeconds         int     `mapstructure:"retry_delay_seconds"`
	EnableMetrics             bool    `mapstructure:"enable_metrics"`
}

// CompressionTargets holds the per-tier compression target used by the
// dedup engine's headroom accounting.
type CompressionTargets struct {
	Working int `mapstructure:"working"`
	Warm    int `mapstructure:"warm"`
	Cold    int `mapstructure:"cold"`
	Frozen  int `mapstructure:"frozen"`
}

// DedupConfig tunes the semantic deduplication engine.
type DedupConfig struct {
	SimilarityThreshold     float64            `mapstructure:"similarity_threshold"`
	BatchSize               int                `mapstructure:"batch_size"`
	MaxMemoriesPerOperation int                `mapstructure:"max_memories_per_operation"`
	MinMemoryAgeHours       float64            `mapstructure:"min_memory_age_hours"`
	PruneThreshold          float64            `mapstructure:"prune_threshold"`
	PruneAgeDays            int                `mapstructure:"prune_age_days"`
	TargetMemoryHeadroom    float64            `mapstructure:"target_memory_headroom"`
	CompressionTargets      CompressionTargets `mapstructure:"compression_targets"`
	LosslessCritical        bool               `mapstructure:"lossless_critical"`
	MaxOperationTimeSeconds int                `mapstructure:"max_operation_time_seconds"`
	ReversibleWindowDays    int                `mapstructure:"reversible_window_days"`
	PruneMaxAccessCount     int64              `mapstructure:"prune_max_access_count"`
	PruneMaxImportance      float64            `mapstructure:"prune_max_importance"`
	PruneMaxConsolidation   float64            `mapstructure:"prune_max_consolidation"`
	PruneLastAccessedDays   int                `mapstructure:"prune_last_accessed_days"`
	PruneBatchCap           int                `mapstructure:"prune_batch_cap"`
	NeighborsPerMemory      int                `mapstructure:"neighbors_per_memory"`
}

// RetrievalConfig tunes the memory-aware retrieval engine.
type RetrievalConfig struct {
	ConsolidationBoostMultiplier      float64 `mapstructure:"consolidation_boost_multiplier"`
	RecentConsolidationThresholdHours float64 `mapstructure:"recent_consolidation_threshold_hours"`
	MaxLineageDepth                   int     `mapstructure:"max_lineage_depth"`
	IncludeInsights                   bool    `mapstructure:"include_insights"`
	EnableQueryCaching                bool    `mapstructure:"enable_query_caching"`
	CacheTTLSeconds                   int     `mapstructure:"cache_ttl_seconds"`
	MaxCacheSize                      int     `mapstructure:"max_cache_size"`
	P95LatencyTargetMs                int     `mapstructure:"p95_latency_target_ms"`
	InsightConfidenceThreshold        float64 `mapstructure:"insight_confidence_threshold"`
	InsightImportanceWeight           float64 `mapstructure:"insight_importance_weight"`
}

// HarvesterConfig tunes the silent harvester.
type HarvesterConfig struct {
	ConfidenceThreshold      float64 `mapstructure:"confidence_threshold"`
	DeduplicationThreshold   float64 `mapstructure:"deduplication_threshold"`
	MessageTriggerCount      int     `mapstructure:"message_trigger_count"`
	TimeTriggerMinutes       int     `mapstructure:"time_trigger_minutes"`
	MaxBatchSize             int     `mapstructure:"max_batch_size"`
	MaxProcessingTimeSeconds int     `mapstructure:"max_processing_time_seconds"`
	SilentMode               bool    `mapstructure:"silent_mode"`
	RecentCacheSize          int     `mapstructure:"recent_cache_size"`
}

// AssessmentConfig configures the three-stage importance assessment
// pipeline and its circuit breaker.
type AssessmentConfig struct {
	Stage1ConfidenceThreshold     float64 `mapstructure:"stage1_confidence_threshold"`
	Stage2ConfidenceThreshold     float64 `mapstructure:"stage2_confidence_threshold"`
	Stage2SimilarityThreshold     float64 `mapstructure:"stage2_similarity_threshold"`
	Stage2CacheTTLSeconds         int     `mapstructure:"stage2_cache_ttl_seconds"`
	Stage3Endpoint                string  `mapstructure:"stage3_endpoint"`
	Stage3MaxConcurrent           int     `mapstructure:"stage3_max_concurrent"`
	CircuitFailureThreshold       int     `mapstructure:"circuit_failure_threshold"`
	CircuitFailureWindowSeconds   int     `mapstructure:"circuit_failure_window_seconds"`
	CircuitRecoveryTimeoutSeconds int     `mapstructure:"circuit_recovery_timeout_seconds"`
	CircuitMinimumRequests        int     `mapstructure:"circuit_minimum_requests"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Profile: "default",
		Database: DatabaseConfig{
			DSN:                    "postgres://localhost:5432/mycelicmemory",
			MaxConnections:         100,
			MinConnections:         20,
			IdleTimeout:            5 * time.Minute,
			MaxLifetime:            time.Hour,
			StatementTimeout:       300 * time.Second,
			EmbeddingDimension:     768,
			VerifyVectorCapability: true,
		},
		RestAPI: RestAPIConfig{
			Enabled:  true,
			AutoPort: true,
			Port:     3002,
			Host:     "localhost",
			CORS:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Embedding: EmbeddingConfig{
			Enabled:   true,
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			TimeoutMs: 5000,
		},
		Qdrant: QdrantConfig{
			Enabled:    false,
			AutoDetect: true,
			URL:        "http://localhost:6333",
		},
		Forgetting: ForgettingConfig{
			Enabled:                     true,
			CleanupIntervalSeconds:      3600,
			BaseDecayRate:               1.0,
			WorkingDecayMultiplier:      1.5,
			WarmDecayMultiplier:         1.0,
			ColdDecayMultiplier:         0.5,
			ImportanceDecayFactor:       0.5,
			MaxAgeDecayMultiplier:       2.0,
			MinDecayRate:                0.1,
			MaxDecayRate:                5.0,
			EnableReinforcementLearning: true,
			LearningRate:                0.1,
			EnableHardDeletion:          true,
			HardDeletionThreshold:       0.05,
			HardDeletionRetentionDays:   90,
			BatchSize:                   500,
			MaxBatchesPerRun:            10,
		},
		TierMgr: TierManagerConfig{
			Enabled:                   true,
			ScanIntervalSeconds:       60,
			MigrationBatchSize:        100,
			MaxConcurrentMigrations:   8,
			WorkingToWarmThreshold:    0.7,
			WarmToColdThreshold:       0.5,
			ColdToFrozenThreshold:     0.2,
			MinWorkingAgeHours:        1,
			MinWarmAgeHours:           24,
			MinColdAgeHours:           168,
			TargetMigrationsPerSecond: 1000,
			LogMigrations:             true,
			MaxRetryAttempts:          3,
			RetryDelaySeconds:         5,
			EnableMetrics:             true,
		},
		Dedup: DedupConfig{
			SimilarityThreshold:     0.85,
			BatchSize:               200,
			MaxMemoriesPerOperation: 10000,
			MinMemoryAgeHours:       1,
			PruneThreshold:          0.2,
			PruneAgeDays:            30,
			TargetMemoryHeadroom:    0.2,
			CompressionTargets: CompressionTargets{
				Working: 2, Warm: 3, Cold: 5, Frozen: 10,
			},
			LosslessCritical:        true,
			MaxOperationTimeSeconds: 30,
			ReversibleWindowDays:    7,
			PruneMaxAccessCount:     10,
			PruneMaxImportance:      0.3,
			PruneMaxConsolidation:   0.5,
			PruneLastAccessedDays:   30,
			PruneBatchCap:           500,
			NeighborsPerMemory:      20,
		},
		Retrieval: RetrievalConfig{
			ConsolidationBoostMultiplier:      2.0,
			RecentConsolidationThresholdHours: 24,
			MaxLineageDepth:                   3,
			IncludeInsights:                   true,
			EnableQueryCaching:                true,
			CacheTTLSeconds:                   300,
			MaxCacheSize:                      1000,
			P95LatencyTargetMs:                200,
			InsightConfidenceThreshold:        0.6,
			InsightImportanceWeight:           1.5,
		},
		Harvester: HarvesterConfig{
			ConfidenceThreshold:      0.7,
			DeduplicationThreshold:   0.85,
			MessageTriggerCount:      10,
			TimeTriggerMinutes:       5,
			MaxBatchSize:             50,
			MaxProcessingTimeSeconds: 2,
			SilentMode:               true,
			RecentCacheSize:          200,
		},
		Assessment: AssessmentConfig{
			Stage1ConfidenceThreshold:     0.7,
			Stage2ConfidenceThreshold:     0.75,
			Stage2SimilarityThreshold:     0.8,
			Stage2CacheTTLSeconds:         600,
			Stage3Endpoint:                "",
			Stage3MaxConcurrent:           4,
			CircuitFailureThreshold:       5,
			CircuitFailureWindowSeconds:   60,
			CircuitRecoveryTimeoutSeconds: 30,
			CircuitMinimumRequests:        10,
		},
	}
}

// Load loads configuration from YAML file with fallback to defaults.
// Searches in multiple locations:
//  1. ./config.yaml (current directory)
//  2. ~/.mycelicmemory/config.yaml (user home)
//  3. /etc/mycelicmemory/config.yaml (system-wide)
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".mycelicmemory"))
	v.AddConfigPath("/etc/mycelicmemory")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults seeds Viper with DefaultConfig's values so partial YAML
// files only need to override what differs.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("profile", d.Profile)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.min_connections", d.Database.MinConnections)
	v.SetDefault("database.idle_timeout", d.Database.IdleTimeout.String())
	v.SetDefault("database.max_lifetime", d.Database.MaxLifetime.String())
	v.SetDefault("database.statement_timeout", d.Database.StatementTimeout.String())
	v.SetDefault("database.embedding_dimension", d.Database.EmbeddingDimension)
	v.SetDefault("database.verify_vector_capability", d.Database.VerifyVectorCapability)

	v.SetDefault("rest_api.enabled", d.RestAPI.Enabled)
	v.SetDefault("rest_api.auto_port", d.RestAPI.AutoPort)
	v.SetDefault("rest_api.port", d.RestAPI.Port)
	v.SetDefault("rest_api.host", d.RestAPI.Host)
	v.SetDefault("rest_api.cors", d.RestAPI.CORS)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("embedding.enabled", d.Embedding.Enabled)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimension", d.Embedding.Dimension)
	v.SetDefault("embedding.timeout_ms", d.Embedding.TimeoutMs)

	v.SetDefault("qdrant.enabled", d.Qdrant.Enabled)
	v.SetDefault("qdrant.auto_detect", d.Qdrant.AutoDetect)
	v.SetDefault("qdrant.url", d.Qdrant.URL)

	v.SetDefault("forgetting.enabled", d.Forgetting.Enabled)
	v.SetDefault("forgetting.cleanup_interval_seconds", d.Forgetting.CleanupIntervalSeconds)
	v.SetDefault("forgetting.base_decay_rate", d.Forgetting.BaseDecayRate)
	v.SetDefault("forgetting.working_decay_multiplier", d.Forgetting.WorkingDecayMultiplier)
	v.SetDefault("forgetting.warm_decay_multiplier", d.Forgetting.WarmDecayMultiplier)
	v.SetDefault("forgetting.cold_decay_multiplier", d.Forgetting.ColdDecayMultiplier)
	v.SetDefault("forgetting.importance_decay_factor", d.Forgetting.ImportanceDecayFactor)
	v.SetDefault("forgetting.max_age_decay_multiplier", d.Forgetting.MaxAgeDecayMultiplier)
	v.SetDefault("forgetting.min_decay_rate", d.Forgetting.MinDecayRate)
	v.SetDefault("forgetting.max_decay_rate", d.Forgetting.MaxDecayRate)
	v.SetDefault("forgetting.enable_reinforcement_learning", d.Forgetting.EnableReinforcementLearning)
	v.SetDefault("forgetting.learning_rate", d.Forgetting.LearningRate)
	v.SetDefault("forgetting.enable_hard_deletion", d.Forgetting.EnableHardDeletion)
	v.SetDefault("forgetting.hard_deletion_threshold", d.Forgetting.HardDeletionThreshold)
	v.SetDefault("forgetting.hard_deletion_retention_days", d.Forgetting.HardDeletionRetentionDays)
	v.SetDefault("forgetting.batch_size", d.Forgetting.BatchSize)
	v.SetDefault("forgetting.max_batches_per_run", d.Forgetting.MaxBatchesPerRun)

	v.SetDefault("tier_manager.enabled", d.TierMgr.Enabled)
	v.SetDefault("tier_manager.scan_interval_seconds", d.TierMgr.ScanIntervalSeconds)
	v.SetDefault("tier_manager.migration_batch_size", d.TierMgr.MigrationBatchSize)
	v.SetDefault("tier_manager.max_concurrent_migrations", d.TierMgr.MaxConcurrentMigrations)
	v.SetDefault("tier_manager.working_to_warm_threshold", d.TierMgr.WorkingToWarmThreshold)
	v.SetDefault("tier_manager.warm_to_cold_threshold", d.TierMgr.WarmToColdThreshold)
	v.SetDefault("tier_manager.cold_to_frozen_threshold", d.TierMgr.ColdToFrozenThreshold)
	v.SetDefault("tier_manager.min_working_age_hours", d.TierMgr.MinWorkingAgeHours)
	v.SetDefault("tier_manager.min_warm_age_hours", d.TierMgr.MinWarmAgeHours)
	v.SetDefault("tier_manager.min_cold_age_hours", d.TierMgr.MinColdAgeHours)
	v.SetDefault("tier_manager.target_migrations_per_second", d.TierMgr.TargetMigrationsPerSecond)
	v.SetDefault("tier_manager.log_migrations", d.TierMgr.LogMigrations)
	v.SetDefault("tier_manager.max_retry_attempts", d.TierMgr.MaxRetryAttempts)
	v.SetDefault("tier_manager.retry_delay_seconds", d.TierMgr.RetryDelaySeconds)
	v.SetDefault("tier_manager.enable_metrics", d.TierMgr.EnableMetrics)

	v.SetDefault("dedup.similarity_threshold", d.Dedup.SimilarityThreshold)
	v.SetDefault("dedup.batch_size", d.Dedup.BatchSize)
	v.SetDefault("dedup.max_memories_per_operation", d.Dedup.MaxMemoriesPerOperation)
	v.SetDefault("dedup.min_memory_age_hours", d.Dedup.MinMemoryAgeHours)
	v.SetDefault("dedup.prune_threshold", d.Dedup.PruneThreshold)
	v.SetDefault("dedup.prune_age_days", d.Dedup.PruneAgeDays)
	v.SetDefault("dedup.target_memory_headroom", d.Dedup.TargetMemoryHeadroom)
	v.SetDefault("dedup.compression_targets.working", d.Dedup.CompressionTargets.Working)
	v.SetDefault("dedup.compression_targets.warm", d.Dedup.CompressionTargets.Warm)
	v.SetDefault("dedup.compression_targets.cold", d.Dedup.CompressionTargets.Cold)
	v.SetDefault("dedup.compression_targets.frozen", d.Dedup.CompressionTargets.Frozen)
	v.SetDefault("dedup.lossless_critical", d.Dedup.LosslessCritical)
	v.SetDefault("dedup.max_operation_time_seconds", d.Dedup.MaxOperationTimeSeconds)
	v.SetDefault("dedup.reversible_window_days", d.Dedup.ReversibleWindowDays)
	v.SetDefault("dedup.prune_max_access_count", d.Dedup.PruneMaxAccessCount)
	v.SetDefault("dedup.prune_max_importance", d.Dedup.PruneMaxImportance)
	v.SetDefault("dedup.prune_max_consolidation", d.Dedup.PruneMaxConsolidation)
	v.SetDefault("dedup.prune_last_accessed_days", d.Dedup.PruneLastAccessedDays)
	v.SetDefault("dedup.prune_batch_cap", d.Dedup.PruneBatchCap)
	v.SetDefault("dedup.neighbors_per_memory", d.Dedup.NeighborsPerMemory)

	v.SetDefault("retrieval.consolidation_boost_multiplier", d.Retrieval.ConsolidationBoostMultiplier)
	v.SetDefault("retrieval.recent_consolidation_threshold_hours", d.Retrieval.RecentConsolidationThresholdHours)
	v.SetDefault("retrieval.max_lineage_depth", d.Retrieval.MaxLineageDepth)
	v.SetDefault("retrieval.include_insights", d.Retrieval.IncludeInsights)
	v.SetDefault("retrieval.enable_query_caching", d.Retrieval.EnableQueryCaching)
	v.SetDefault("retrieval.cache_ttl_seconds", d.Retrieval.CacheTTLSeconds)
	v.SetDefault("retrieval.max_cache_size", d.Retrieval.MaxCacheSize)
	v.SetDefault("retrieval.p95_latency_target_ms", d.Retrieval.P95LatencyTargetMs)
	v.SetDefault("retrieval.insight_confidence_threshold", d.Retrieval.InsightConfidenceThreshold)
	v.SetDefault("retrieval.insight_importance_weight", d.Retrieval.InsightImportanceWeight)

	v.SetDefault("harvester.confidence_threshold", d.Harvester.ConfidenceThreshold)
	v.SetDefault("harvester.deduplication_threshold", d.Harvester.DeduplicationThreshold)
	v.SetDefault("harvester.message_trigger_count", d.Harvester.MessageTriggerCount)
	v.SetDefault("harvester.time_trigger_minutes", d.Harvester.TimeTriggerMinutes)
	v.SetDefault("harvester.max_batch_size", d.Harvester.MaxBatchSize)
	v.SetDefault("harvester.max_processing_time_seconds", d.Harvester.MaxProcessingTimeSeconds)
	v.SetDefault("harvester.silent_mode", d.Harvester.SilentMode)
	v.SetDefault("harvester.recent_cache_size", d.Harvester.RecentCacheSize)

	v.SetDefault("assessment.stage1_confidence_threshold", d.Assessment.Stage1ConfidenceThreshold)
	v.SetDefault("assessment.stage2_confidence_threshold", d.Assessment.Stage2ConfidenceThreshold)
	v.SetDefault("assessment.stage2_similarity_threshold", d.Assessment.Stage2SimilarityThreshold)
	v.SetDefault("assessment.stage2_cache_ttl_seconds", d.Assessment.Stage2CacheTTLSeconds)
	v.SetDefault("assessment.stage3_endpoint", d.Assessment.Stage3Endpoint)
	v.SetDefault("assessment.stage3_max_concurrent", d.Assessment.Stage3MaxConcurrent)
	v.SetDefault("assessment.circuit_failure_threshold", d.Assessment.CircuitFailureThreshold)
	v.SetDefault("assessment.circuit_failure_window_seconds", d.Assessment.CircuitFailureWindowSeconds)
	v.SetDefault("assessment.circuit_recovery_timeout_seconds", d.Assessment.CircuitRecoveryTimeoutSeconds)
	v.SetDefault("assessment.circuit_minimum_requests", d.Assessment.CircuitMinimumRequests)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be >= 1")
	}
	if c.Database.MinConnections < 0 || c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("database.min_connections must be between 0 and max_connections")
	}

	if c.RestAPI.Enabled {
		if c.RestAPI.Port < 1 || c.RestAPI.Port > 65535 {
			return fmt.Errorf("rest_api.port must be between 1 and 65535")
		}
		if c.RestAPI.Host == "" {
			return fmt.Errorf("rest_api.host is required when REST API is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	if c.Embedding.Enabled && c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url is required when embedding is enabled")
	}
	if c.Qdrant.Enabled && c.Qdrant.URL == "" {
		return fmt.Errorf("qdrant.url is required when Qdrant is enabled")
	}

	if err := c.validateThresholds(); err != nil {
		return err
	}
	if c.Forgetting.BatchSize < 1 {
		return fmt.Errorf("forgetting.batch_size must be >= 1")
	}
	if c.TierMgr.MigrationBatchSize < 1 {
		return fmt.Errorf("tier_manager.migration_batch_size must be >= 1")
	}
	if c.TierMgr.MaxConcurrentMigrations < 1 {
		return fmt.Errorf("tier_manager.max_concurrent_migrations must be >= 1")
	}
	if c.Dedup.MaxOperationTimeSeconds < 1 {
		return fmt.Errorf("dedup.max_operation_time_seconds must be >= 1")
	}

	return nil
}

func (c *Config) validateThresholds() error {
	inUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
		return nil
	}
	checks := map[string]float64{
		"tier_manager.working_to_warm_threshold": c.TierMgr.WorkingToWarmThreshold,
		"tier_manager.warm_to_cold_threshold":    c.TierMgr.WarmToColdThreshold,
		"tier_manager.cold_to_frozen_threshold":  c.TierMgr.ColdToFrozenThreshold,
		"dedup.similarity_threshold":             c.Dedup.SimilarityThreshold,
		"dedup.prune_threshold":                  c.Dedup.PruneThreshold,
		"harvester.confidence_threshold":         c.Harvester.ConfidenceThreshold,
		"harvester.deduplication_threshold":      c.Harvester.DeduplicationThreshold,
	}
	for name, v := range checks {
		if err := inUnit(name, v); err != nil {
			return err
		}
	}
	return nil
}

// ConfigPath returns the path to the configuration directory.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mycelicmemory")
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func (c *Config) EnsureConfigDir() error {
	if err := os.MkdirAll(ConfigPath(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}
