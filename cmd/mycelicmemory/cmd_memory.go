package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
)

var rememberImportance float64

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		content := args[0]
		m := &memstore.Memory{
			Content:     content,
			ContentHash: memstore.HashContent(content),
			Importance:  rememberImportance,
		}
		if emb, err := a.provider.Embed(ctx, content); err == nil {
			m.Embedding = emb
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: embedding failed (%v), storing without\n", err)
		}

		if err := a.db.CreateMemory(ctx, nil, m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored memory %s in tier %s\n", m.ID, m.Tier)
		return nil
	},
}

var searchLimit int
var searchTier string
var searchLineage bool

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories with consolidation-aware boosting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		req := &retrieval.Request{
			QueryText:                 args[0],
			Limit:                     searchLimit,
			IncludeLineage:            searchLineage,
			IncludeConsolidationBoost: true,
			IncludeInsights:           a.cfg.Retrieval.IncludeInsights,
			UseCache:                  true,
		}
		if searchTier != "" {
			tier := memstore.Tier(searchTier)
			req.Tier = &tier
		}
		if emb, err := a.provider.Embed(ctx, args[0]); err == nil {
			req.QueryEmbedding = emb
		}

		resp, err := a.retrieval.Search(ctx, req)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Found %d results in %dms (cache hit: %t)\n",
			resp.TotalResults, resp.Metrics.TotalMs, resp.CacheHit)
		for i, r := range resp.Results {
			fmt.Fprintf(cmd.OutOrStdout(), "%2d. [%.3f] %s (%s, tier=%s)\n",
				i+1, r.FinalScore, truncate(r.Memory.Content, 100), r.Memory.ID, r.Memory.Tier)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <memory-id>",
	Short: "Show a memory by id",
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
			return fmt.Errorf("invalid memory id: %w", err)
		}
		m, err := a.db.GetMemory(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ID:         %s\n", m.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Tier:       %s\n", m.Tier)
		fmt.Fprintf(cmd.OutOrStdout(), "Status:     %s\n", m.Status)
		fmt.Fprintf(cmd.OutOrStdout(), "Importance: %.2f\n", m.Importance)
		fmt.Fprintf(cmd.OutOrStdout(), "Recall:     %.3f\n", m.RecallProbability)
		fmt.Fprintf(cmd.OutOrStdout(), "Strength:   %.2f\n", m.ConsolidationStrength)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", m.Content)
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func init() {
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0.5, "importance score in [0,1]")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	searchCmd.Flags().StringVar(&searchTier, "tier", "", "restrict to a tier (working, warm, cold, frozen)")
	searchCmd.Flags().BoolVar(&searchLineage, "lineage", false, "include lineage expansion")
	rootCmd.AddCommand(rememberCmd, searchCmd, getCmd)
}
