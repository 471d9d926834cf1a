package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/daemon"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := daemon.New(config.ConfigPath(), Version)
		if d.IsRunning() {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon already running")
			return nil
		}

		// The spawned child is a plain `serve`; it records its own pid
		// and state on startup.
		if _, err := d.Daemonize([]string{"serve"}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := daemon.New(config.ConfigPath(), Version)
		if err := d.Stop(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := daemon.New(config.ConfigPath(), Version)
		status := d.Status()
		if !status.Running {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Running (pid %d, uptime %s, version %s)\n",
			status.PID, status.Uptime.Round(time.Second), status.Version)
		if status.RESTEnabled {
			fmt.Fprintf(cmd.OutOrStdout(), "REST API: http://%s:%d\n", status.RESTHost, status.RESTPort)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
}
