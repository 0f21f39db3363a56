package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"memory-engine/internal/config"
	"memory-engine/internal/logging"
	"memory-engine/internal/memory"
	"memory-engine/internal/models"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memoryctl",
		Short: "memoryctl manages the local-first long-term memory store",
		Long:  "memoryctl ingests conversation turns, runs hybrid retrieval queries, and reports memory engine health from the command line.",
	}

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// buildEngine loads config and opens an Engine. The CLI has no LLM
// collaborator wired in, so summaries are produced by naiveSummarize: a
// deterministic excerpt, not a real LLM summary. Operators driving
// summaries from an actual model should call internal/memory.New from
// their own process instead.
func buildEngine() (*memory.Engine, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "logging disabled: %v\n", err)
	}
	for _, w := range warnings {
		logging.Warn("config warning", map[string]interface{}{"warning": w})
	}

	return memory.New(cfg, naiveSummarize)
}

// naiveSummarize concatenates truncated user/assistant turns. It is a
// placeholder for local CLI use only; real deployments supply their own
// Summarizer backed by an LLM call.
func naiveSummarize(_ context.Context, _ string, messages []*models.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", strings.ToUpper(string(m.Role)), content))
	}
	return sb.String(), nil
}
