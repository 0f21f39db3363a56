package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print conversation, message, and embedding backlog counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			stats, err := engine.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("fetching stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversations:       %d\n", stats.Conversations)
			fmt.Fprintf(out, "messages:            %d\n", stats.Messages)
			fmt.Fprintf(out, "pending embeddings:  %d\n", stats.PendingEmbeddings)
			fmt.Fprintf(out, "total tokens logged: %d\n", stats.TotalTokens)
			if stats.Oldest != nil {
				fmt.Fprintf(out, "oldest message:      %s\n", stats.Oldest.Format("2006-01-02T15:04:05Z"))
			}
			if stats.Newest != nil {
				fmt.Fprintf(out, "newest message:      %s\n", stats.Newest.Format("2006-01-02T15:04:05Z"))
			}

			fmt.Fprintln(out, "\nops counters:")
			for _, s := range engine.Ops().Snapshots() {
				fmt.Fprintf(out, "  %-12s success=%d failure=%d\n", s.Category, s.Success, s.Failure)
			}
			return nil
		},
	}
}
