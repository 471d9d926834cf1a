package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/assessment"
	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/dedup"
	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/forgetting"
	"github.com/MycelicMemory/mycelicmemory/internal/harvester"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/mcp"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
	"github.com/MycelicMemory/mycelicmemory/internal/tiermanager"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var (
	// Version is set during build
	Version = "1.2.0"

	mcpMode  bool
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mycelicmemory",
	Short: "Tiered cognitive memory engine with forgetting-curve decay",
	Long: `MycelicMemory is a persistent, tiered memory store backed by PostgreSQL
with pgvector. Memories are embedded, placed under a forgetting curve,
migrated across working/warm/cold/frozen tiers, deduplicated by vector
similarity, and retrieved with consolidation-aware boosting.

Examples:
  mycelicmemory remember "Go channels are like pipes between goroutines"
  mycelicmemory search "concurrency patterns"
  mycelicmemory dedup run
  mycelicmemory dedup reverse <operation-id>
  mycelicmemory tier status

  mycelicmemory serve     # Start API server and background loops`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if mcpMode {
			runMCPServer()
		} else {
			_ = cmd.Help()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&mcpMode, "mcp", false, "run as MCP server (JSON-RPC over stdin/stdout)")
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg       *config.Config
	db        *database.Database
	provider  *embedding.Client
	assessor  *assessment.Pipeline
	retrieval *retrieval.Engine
	dedup     *dedup.Engine
	tierMgr   *tiermanager.Manager
	forget    *forgetting.Job
	harvester *harvester.Harvester
}

// bootstrap loads configuration, opens the database, and wires the core
// components. Every subcommand goes through here.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  logLevel,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	provider := embedding.NewClient(cfg.Embedding, nil)
	assessor := assessment.NewPipeline(provider, nil, cfg.Assessment)

	dedupEngine := dedup.NewEngine(db, cfg.Dedup)
	retrievalEngine := retrieval.NewEngine(db, cfg.Retrieval)
	harv, err := harvester.New(db, provider, assessor, cfg.Harvester)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build harvester: %w", err)
	}

	return &app{
		cfg:       cfg,
		db:        db,
		provider:  provider,
		assessor:  assessor,
		retrieval: retrievalEngine,
		dedup:     dedupEngine,
		tierMgr:   tiermanager.NewManager(db, cfg.TierMgr),
		forget:    forgetting.NewJob(db, cfg.Forgetting),
		harvester: harv,
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

// runMCPServer starts MCP server mode.
func runMCPServer() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	server := mcp.NewServer(a.cfg, mcp.Deps{
		DB:        a.db,
		Retrieval: a.retrieval,
		Dedup:     a.dedup,
		Harvester: a.harvester,
		Provider:  a.provider,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := server.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
