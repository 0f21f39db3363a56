package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"memory-engine/internal/config"
	"memory-engine/internal/sqlstore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite schema migrations",
		Long: "Opens the configured SQLite database, which applies every pending versioned migration, then closes it. Safe to run repeatedly.\n" +
			"When backfill_chunks is enabled, also chunks and indexes messages saved before chunking was turned on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "config warning: %s\n", w)
			}

			store, err := sqlstore.Open(config.ExpandPath(cfg.SQLitePath))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date at %s\n", config.ExpandPath(cfg.SQLitePath))

			if cfg.BackfillChunks {
				engine, err := buildEngine()
				if err != nil {
					return err
				}
				defer engine.Close()
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				n, err := engine.BackfillChunks(ctx)
				if err != nil {
					return fmt.Errorf("backfilling chunks: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backfilled chunks for %d messages\n", n)
			}
			return nil
		},
	}
}
