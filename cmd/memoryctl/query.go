package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	var conversationID string
	var topK int
	var includeProfile, blockOnly bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a hybrid retrieval query against the memory store",
		Args:  cobra.ExactArgs(1),
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

			var convPtr *string
			if conversationID != "" {
				convPtr = &conversationID
			}

			result, err := engine.AugmentWithMemory(ctx, args[0], topK, convPtr, includeProfile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if blockOnly {
				fmt.Fprintln(out, result.EnhancedSystemPrompt)
				return nil
			}
			fmt.Fprintf(out, "%d results\n\n", len(result.Retrieved))
			for _, r := range result.Retrieved {
				fmt.Fprintf(out, "[%.3f] (%s) %s\n", r.SimilarityScore, r.ContentType, r.Message.Content)
			}
			fmt.Fprintln(out, "\n--- memory context block ---")
			fmt.Fprintln(out, result.EnhancedSystemPrompt)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "scope the query to one conversation, falling back to global if it has no indexed messages")
	cmd.Flags().IntVar(&topK, "top-k", 5, "number of results to retrieve")
	cmd.Flags().BoolVar(&includeProfile, "include-profile", false, "include the user profile as a retrieval source, subject to consent")
	cmd.Flags().BoolVar(&blockOnly, "block-only", false, "print only the assembled memory context block")
	return cmd
}
