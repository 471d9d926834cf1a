package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/api"
	"github.com/MycelicMemory/mycelicmemory/internal/daemon"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server and background loops",
	Long: `Starts the HTTP API plus the three background loops: the forgetting
job, the tier manager, and the retrieval cache cleanup. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		d := daemon.New(config.ConfigPath(), Version)
		if err := d.Start(a.cfg.RestAPI.Enabled, a.cfg.RestAPI.Host, a.cfg.RestAPI.Port, false); err != nil {
			return fmt.Errorf("record daemon state: %w", err)
		}
		defer d.Cleanup()

		if err := a.forget.Start(ctx); err != nil {
			return fmt.Errorf("start forgetting job: %w", err)
		}
		defer a.forget.Stop()

		if err := a.tierMgr.Start(ctx); err != nil {
			return fmt.Errorf("start tier manager: %w", err)
		}
		defer a.tierMgr.Stop()

		a.retrieval.StartCacheCleanup(ctx)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		server := api.NewServer(a.cfg, api.Deps{
			DB:        a.db,
			Retrieval: a.retrieval,
			Dedup:     a.dedup,
			TierMgr:   a.tierMgr,
			Harvester: a.harvester,
			Provider:  a.provider,
		})
		return server.StartWithContext(ctx, 10*time.Second)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
