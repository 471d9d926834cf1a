package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.MaxConnections != 100 {
		t.Errorf("Expected MaxConnections=100, got %d", cfg.Database.MaxConnections)
	}
	if cfg.Database.MinConnections != 20 {
		t.Errorf("Expected MinConnections=20, got %d", cfg.Database.MinConnections)
	}

	if !cfg.RestAPI.Enabled {
		t.Error("Expected RestAPI.Enabled=true")
	}
	if cfg.RestAPI.Port != 3002 {
		t.Errorf("Expected Port=3002, got %d", cfg.RestAPI.Port)
	}

	if cfg.Embedding.BaseURL != "http://localhost:11434" {
		t.Errorf("Expected Embedding BaseURL=http://localhost:11434, got %s", cfg.Embedding.BaseURL)
	}
	if cfg.Qdrant.URL != "http://localhost:6333" {
		t.Errorf("Expected Qdrant URL=http://localhost:6333, got %s", cfg.Qdrant.URL)
	}

	if cfg.TierMgr.WorkingToWarmThreshold != 0.7 {
		t.Errorf("Expected working_to_warm_threshold=0.7, got %v", cfg.TierMgr.WorkingToWarmThreshold)
	}
	if cfg.TierMgr.TargetMigrationsPerSecond != 1000 {
		t.Errorf("Expected target_migrations_per_second=1000, got %d", cfg.TierMgr.TargetMigrationsPerSecond)
	}
	if cfg.Dedup.SimilarityThreshold != 0.85 {
		t.Errorf("Expected similarity_threshold=0.85, got %v", cfg.Dedup.SimilarityThreshold)
	}
	if cfg.Dedup.ReversibleWindowDays != 7 {
		t.Errorf("Expected reversible_window_days=7, got %d", cfg.Dedup.ReversibleWindowDays)
	}
	if cfg.Retrieval.P95LatencyTargetMs != 200 {
		t.Errorf("Expected p95_latency_target_ms=200, got %d", cfg.Retrieval.P95LatencyTargetMs)
	}
	if cfg.Harvester.MessageTriggerCount != 10 {
		t.Errorf("Expected message_trigger_count=10, got %d", cfg.Harvester.MessageTriggerCount)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}, expectErr: false},
		{name: "empty dsn", modify: func(c *Config) { c.Database.DSN = "" }, expectErr: true},
		{name: "zero max connections", modify: func(c *Config) { c.Database.MaxConnections = 0 }, expectErr: true},
		{name: "invalid port", modify: func(c *Config) { c.RestAPI.Port = 99999 }, expectErr: true},
		{name: "invalid logging level", modify: func(c *Config) { c.Logging.Level = "invalid" }, expectErr: true},
		{
			name: "empty embedding base url when enabled",
			modify: func(c *Config) {
				c.Embedding.Enabled = true
				c.Embedding.BaseURL = ""
			},
			expectErr: true,
		},
		{
			name:      "tier threshold out of range",
			modify:    func(c *Config) { c.TierMgr.WorkingToWarmThreshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "zero concurrent migrations",
			modify:    func(c *Config) { c.TierMgr.MaxConcurrentMigrations = 0 },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error with missing config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected config, got nil")
	}
	if cfg.RestAPI.Port != 3002 {
		t.Errorf("Expected default port 3002, got %d", cfg.RestAPI.Port)
	}
}

func TestLoadConfig_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
profile: test
database:
  dsn: postgres://localhost:5432/test
rest_api:
  enabled: true
  port: 4000
  host: 127.0.0.1
  cors: false
logging:
  level: debug
  format: json
tier_manager:
  working_to_warm_threshold: 0.6
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Profile != "test" {
		t.Errorf("Expected profile=test, got %s", cfg.Profile)
	}
	if cfg.Database.DSN != "postgres://localhost:5432/test" {
		t.Errorf("Expected dsn=postgres://localhost:5432/test, got %s", cfg.Database.DSN)
	}
	if cfg.RestAPI.Port != 4000 {
		t.Errorf("Expected port=4000, got %d", cfg.RestAPI.Port)
	}
	if cfg.RestAPI.CORS {
		t.Error("Expected CORS=false, got true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level=debug, got %s", cfg.Logging.Level)
	}
	if cfg.TierMgr.WorkingToWarmThreshold != 0.6 {
		t.Errorf("Expected working_to_warm_threshold=0.6, got %v", cfg.TierMgr.WorkingToWarmThreshold)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg := DefaultConfig()
	if err := cfg.EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ".mycelicmemory")); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}

	homeDir, _ := os.UserHomeDir()
	expected := filepath.Join(homeDir, ".mycelicmemory")
	if path != expected {
		t.Errorf("Expected %s, got %s", expected, path)
	}
}
