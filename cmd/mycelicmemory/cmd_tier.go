package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var tierCmd = &cobra.Command{
	Use:   "tier",
	Short: "Tier manager operations",
}

var tierStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Active memory counts per tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		counts, err := a.db.CountActiveByTier(ctx)
		if err != nil {
			return err
		}
		for _, tier := range []string{"working", "warm", "cold", "frozen"} {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %d\n", tier, counts[tier])
		}

		due, overfull, err := a.dedup.CompactionDue(ctx)
		if err != nil {
			return err
		}
		if due {
			for tier, target := range overfull {
				fmt.Fprintf(cmd.OutOrStdout(), "tier %s over capacity headroom (compression target %dx); run `mycelicmemory dedup run`\n", tier, target)
			}
		}
		return nil
	},
}

var tierScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single tier migration tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stats := a.tierMgr.Tick(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, migrated %d, failed %d in %dms\n",
			stats.Scanned, stats.Migrated, stats.Failed, stats.Duration.Milliseconds())
		return nil
	},
}

var forgetRunCmd = &cobra.Command{
	Use:   "forget-run",
	Short: "Run a single forgetting pass over all tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stats := a.forget.RunOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d, decay updated %d, soft-deleted %d, errors %d in %dms\n",
			stats.Processed, stats.DecayUpdated, stats.SoftDeleted, stats.BatchErrors, stats.Duration.Milliseconds())
		return nil
	},
}

func init() {
	tierCmd.AddCommand(tierStatusCmd, tierScanCmd)
	rootCmd.AddCommand(tierCmd, forgetRunCmd)
}
