package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Semantic deduplication operations",
}

var dedupRunCmd = &cobra.Command{
	Use:   "run [memory-id...]",
	Short: "Find and merge near-duplicate memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ids := make([]uuid.UUID, 0, len(args))
		for _, raw := range args {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid memory id %q: %w", raw, err)
			}
			ids = append(ids, id)
		}

		result, err := a.dedup.DeduplicateBatch(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d memories, found %d groups, merged %d memories in %dms\n",
			result.MemoriesProcessed, result.GroupsFound, result.MemoriesMerged, result.ExecutionTimeMs)
		for i, auditID := range result.AuditIDs {
			fmt.Fprintf(cmd.OutOrStdout(), "  operation %s -> merged memory %s\n", auditID, result.MergedMemoryIDs[i])
		}
		return nil
	},
}

var dedupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Soft-delete cold, forgotten, unimportant memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.dedup.AutoPrune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d of %d candidates (%d skipped) in %dms\n",
			result.MemoriesPruned, result.CandidatesFound, result.Skipped, result.ExecutionTimeMs)
		if result.MemoriesPruned > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Reversible via: mycelicmemory dedup reverse %s\n", result.AuditID)
		}
		return nil
	},
}

var dedupReverseCmd = &cobra.Command{
	Use:   "reverse <operation-id>",
	Short: "Undo a merge or prune within its reversible window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid operation id: %w", err)
		}
		if err := a.dedup.ReverseOperation(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Operation %s reversed\n", id)
		return nil
	},
}

func init() {
	dedupCmd.AddCommand(dedupRunCmd, dedupPruneCmd, dedupReverseCmd)
	rootCmd.AddCommand(dedupCmd)
}
