package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"memory-engine/internal/memory"
	"memory-engine/internal/models"
)

type ingestLine struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

func newIngestCmd() *cobra.Command {
	var conversationID, role, content, file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Save one or more messages into the memory store",
		Long: "Save a single message via --conversation/--role/--content, or a\n" +
			"batch of newline-delimited JSON objects ({conversation_id, role, content})\n" +
			"via --file (use \"-\" for stdin).",
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

			if file != "" {
				return ingestFile(ctx, engine, cmd, file)
			}
			if conversationID == "" || role == "" || content == "" {
				return fmt.Errorf("either --file or all of --conversation, --role, --content are required")
			}
			return ingestOne(ctx, engine, cmd, conversationID, role, content)
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "existing conversation id")
	cmd.Flags().StringVar(&role, "role", "", "message role: user|assistant|system")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().StringVar(&file, "file", "", "newline-delimited JSON file of messages, or \"-\" for stdin")
	return cmd
}

func ingestOne(ctx context.Context, engine *memory.Engine, cmd *cobra.Command, conversationID, role, content string) error {
	m, err := engine.SaveMessage(ctx, conversationID, models.Role(role), content, memory.MessageMetadata{})
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved message %s\n", m.ID)
	if err := engine.MaybeScheduleSummary(ctx, conversationID); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "summary scheduling: %v\n", err)
	}
	return nil
}

func ingestFile(ctx context.Context, engine *memory.Engine, cmd *cobra.Command, path string) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	n := 0
	touched := map[string]bool{}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var il ingestLine
		if err := json.Unmarshal([]byte(line), &il); err != nil {
			return fmt.Errorf("parsing line %d: %w", n+1, err)
		}
		if _, err := engine.SaveMessage(ctx, il.ConversationID, models.Role(il.Role), il.Content, memory.MessageMetadata{}); err != nil {
			return fmt.Errorf("saving line %d: %w", n+1, err)
		}
		touched[il.ConversationID] = true
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	for conversationID := range touched {
		if err := engine.MaybeScheduleSummary(ctx, conversationID); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "summary scheduling for %s: %v\n", conversationID, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d messages across %d conversations\n", n, len(touched))
	return nil
}
