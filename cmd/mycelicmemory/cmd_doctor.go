package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/dependencies"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check external dependencies (PostgreSQL, embedding provider, Qdrant)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		result := dependencies.Check(context.Background(), cfg)
		fmt.Fprint(cmd.OutOrStdout(), dependencies.FormatDoctorReport(result))

		if !result.Healthy() {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
