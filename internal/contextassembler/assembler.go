// Package contextassembler builds the token-budgeted memory context
// block returned to prompt-assembly callers: a header, labeled entries
// separated by blank lines, and a footer, with code chunks promoted to
// the front for code-heavy queries.
package contextassembler

import (
	"fmt"
	"strings"

	"memory-engine/internal/config"
	"memory-engine/internal/lexical"
	"memory-engine/internal/models"
)

const (
	chunkSnippetChars    = 900
	messageSnippetChars  = 260
	header               = "# Relevant Memory\n"
	footer               = "\n# End of Memory"
	chunkerCharsPerToken = 4
)

// Assembler builds memory context blocks under a token budget.
type Assembler struct {
	cfg *config.Config
}

// New constructs an Assembler using cfg's token estimator assumptions
// (shared with internal/chunker: max(word_count, ceil(char_count/4))).
func New(cfg *config.Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble produces the memory block for results, under tokenBudget
// tokens (falling back to cfg.RagTokenBudget when tokenBudget <= 0).
// Returns "" if no entry fits.
func (a *Assembler) Assemble(results []models.RetrievalResult, query string, tokenBudget int) string {
	if len(results) == 0 {
		return ""
	}
	if tokenBudget <= 0 {
		tokenBudget = a.cfg.RagTokenBudget
	}

	ordered := a.order(results, query)

	headerTokens := estimateTokens(header)
	footerTokens := estimateTokens(footer)
	budget := tokenBudget - headerTokens - footerTokens
	if budget <= 0 {
		return ""
	}

	var entries []string
	used := 0
	memoryCounter := 1

	for _, res := range ordered {
		label, counts := labelFor(res, memoryCounter)
		entry := formatEntry(label, res)
		entryTokens := estimateTokens(entry)

		if used+entryTokens <= budget {
			entries = append(entries, entry)
			used += entryTokens
			if counts {
				memoryCounter++
			}
			continue
		}

		trimmed := fitTrimmed(label, res, budget-used)
		if trimmed == "" {
			break
		}
		entries = append(entries, trimmed)
		used += estimateTokens(trimmed)
		if counts {
			memoryCounter++
		}
	}

	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString(strings.Join(entries, "\n\n"))
	sb.WriteString(footer)
	return sb.String()
}

// order reorders results so that, when chunking is on and the query is
// code-heavy, code chunks come first, then prose chunks, then
// summaries, then profile, preserving descending similarity within each
// tier. Otherwise the retriever's order is preserved.
func (a *Assembler) order(results []models.RetrievalResult, query string) []models.RetrievalResult {
	if !a.cfg.RagChunking || !lexical.IsCodeHeavy(query) {
		return results
	}

	var code, prose, summary, profile []models.RetrievalResult
	for _, r := range results {
		switch {
		case r.ContentType == models.ContentTypeConversationSummary:
			summary = append(summary, r)
		case r.ContentType == models.ContentTypeUserProfile:
			profile = append(profile, r)
		case r.ChunkKind != nil && *r.ChunkKind == models.ChunkKindCode:
			code = append(code, r)
		case r.ChunkKind != nil && *r.ChunkKind == models.ChunkKindProse:
			prose = append(prose, r)
		default:
			prose = append(prose, r)
		}
	}

	out := make([]models.RetrievalResult, 0, len(results))
	out = append(out, code...)
	out = append(out, prose...)
	out = append(out, summary...)
	out = append(out, profile...)
	return out
}

// labelFor returns the entry label and whether it advances the "Memory
// N" counter (only regular message/chunk entries do).
func labelFor(r models.RetrievalResult, n int) (string, bool) {
	switch r.ContentType {
	case models.ContentTypeConversationSummary:
		return "Conversation Summary", false
	case models.ContentTypeUserProfile:
		return "User Profile", false
	case models.ContentTypeMessageChunk, models.ContentTypeKnowledgeChunk:
		if r.ChunkKind != nil && *r.ChunkKind == models.ChunkKindCode {
			return fmt.Sprintf("Code Chunk %d", n), true
		}
		return fmt.Sprintf("Context Chunk %d", n), true
	default:
		return fmt.Sprintf("Memory %d", n), true
	}
}

func formatEntry(label string, r models.RetrievalResult) string {
	pct := int(r.SimilarityScore * 100)
	snippet := snippetFor(label, r.Message.Content)
	role := strings.ToUpper(string(r.Message.Role))
	if role == "" {
		role = "MEMORY"
	}
	return fmt.Sprintf("[%s] (Similarity: %d%%)\n%s: %s", label, pct, role, snippet)
}

func snippetFor(label, content string) string {
	limit := messageSnippetChars
	if strings.HasPrefix(label, "Code Chunk") || strings.HasPrefix(label, "Context Chunk") {
		limit = chunkSnippetChars
	}
	return truncate(content, limit)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := strings.TrimRight(string(runes[:limit]), " \t\n\r")
	return cut + "..."
}

// fitTrimmed attempts to fit label's entry into the remaining budget by
// truncating its snippet to a size derived from the remaining token
// count minus the entry's fixed prefix. Returns "" if even a minimal
// trimmed snippet would not fit.
func fitTrimmed(label string, r models.RetrievalResult, remainingTokens int) string {
	if remainingTokens <= 0 {
		return ""
	}
	pct := int(r.SimilarityScore * 100)
	role := strings.ToUpper(string(r.Message.Role))
	if role == "" {
		role = "MEMORY"
	}
	prefix := fmt.Sprintf("[%s] (Similarity: %d%%)\n%s: ", label, pct, role)
	prefixTokens := estimateTokens(prefix)
	remainingForSnippet := remainingTokens - prefixTokens
	if remainingForSnippet <= 0 {
		return ""
	}

	maxChars := remainingForSnippet * chunkerCharsPerToken
	snippet := truncate(r.Message.Content, maxChars)
	entry := prefix + snippet
	if estimateTokens(entry) > remainingTokens {
		return ""
	}
	return entry
}

func estimateTokens(text string) int {
	chars := len([]rune(text))
	charTokens := (chars + chunkerCharsPerToken - 1) / chunkerCharsPerToken
	words := len(strings.Fields(text))
	if words > charTokens {
		return words
	}
	return charTokens
}
