// Package chunker segments a message's content into an ordered sequence
// of prose and fenced-code chunks under a per-chunk token budget. Prose
// coalesces greedily by paragraph; fenced code coalesces by line and is
// never split mid-line.
package chunker

import (
	"regexp"
	"strings"
)

// CharsPerToken is the rough character-to-token ratio the estimator
// assumes.
const CharsPerToken = 4

// DefaultBudget and MinBudget are the default and floor per-chunk token
// budgets.
const (
	DefaultBudget = 320
	MinBudget     = 80
)

// Kind distinguishes prose from fenced-code draft chunks.
type Kind string

const (
	KindProse Kind = "prose"
	KindCode  Kind = "code"
)

// Draft is one chunk before it is assigned an id and persisted.
type Draft struct {
	Kind          Kind
	Content       string
	Language      string // normalized lowercase, only set for Kind == KindCode
	TokenEstimate int
}

var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)\\n?```")

// EstimateTokens is the conservative estimator
// max(word_count, ceil(char_count/4)): word count dominates short-word
// text, the character term dominates CJK and dense code.
func EstimateTokens(text string) int {
	chars := len([]rune(text))
	charTokens := (chars + CharsPerToken - 1) / CharsPerToken
	words := len(strings.Fields(text))
	if words > charTokens {
		return words
	}
	return charTokens
}

// Chunk splits message content into draft chunks under budget tokens
// (floored to MinBudget). Returns nil iff the trimmed content is empty.
func Chunk(content string, budget int) []Draft {
	if budget < MinBudget {
		budget = MinBudget
	}
	maxChars := budget * CharsPerToken

	normalized := normalizeLineEndings(content)
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		return nil
	}

	segments := splitFencedSegments(normalized)

	var drafts []Draft
	for _, seg := range segments {
		if seg.isCode {
			drafts = append(drafts, chunkCode(seg.content, seg.language, budget, maxChars)...)
		} else {
			drafts = append(drafts, chunkProse(seg.content, budget, maxChars)...)
		}
	}

	if len(drafts) == 0 {
		return []Draft{{
			Kind:          KindProse,
			Content:       trimmed,
			TokenEstimate: EstimateTokens(trimmed),
		}}
	}
	return drafts
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

type rawSegment struct {
	isCode   bool
	content  string
	language string
}

// splitFencedSegments walks content in document order, separating fenced
// code blocks from the surrounding prose.
func splitFencedSegments(content string) []rawSegment {
	matches := fencedBlockRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []rawSegment{{isCode: false, content: content}}
	}

	var segments []rawSegment
	cursor := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		langStart, langEnd := m[2], m[3]
		bodyStart, bodyEnd := m[4], m[5]

		if start > cursor {
			prose := content[cursor:start]
			if strings.TrimSpace(prose) != "" {
				segments = append(segments, rawSegment{isCode: false, content: prose})
			}
		}

		lang := strings.ToLower(strings.TrimSpace(content[langStart:langEnd]))
		body := content[bodyStart:bodyEnd]
		segments = append(segments, rawSegment{isCode: true, content: body, language: lang})

		cursor = end
	}
	if cursor < len(content) {
		prose := content[cursor:]
		if strings.TrimSpace(prose) != "" {
			segments = append(segments, rawSegment{isCode: false, content: prose})
		}
	}
	return segments
}

// chunkProse coalesces paragraphs greedily under the budget, splitting
// oversized paragraphs as a fallback.
func chunkProse(content string, budget, maxChars int) []Draft {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	var drafts []Draft
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text != "" {
			drafts = append(drafts, Draft{Kind: KindProse, Content: text, TokenEstimate: EstimateTokens(text)})
		}
		buf.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if EstimateTokens(p) > budget {
			flush()
			drafts = append(drafts, splitOversizedParagraph(p, budget, maxChars)...)
			continue
		}

		candidate := buf.String()
		if candidate != "" {
			candidate += "\n\n"
		}
		candidate += p

		if EstimateTokens(candidate) > budget && buf.Len() > 0 {
			flush()
			buf.WriteString(p)
		} else {
			buf.Reset()
			buf.WriteString(candidate)
		}
	}
	flush()
	return drafts
}

func splitParagraphs(content string) []string {
	return regexp.MustCompile(`\n\s*\n`).Split(content, -1)
}

// splitOversizedParagraph splits a too-large paragraph by last-newline,
// then last ". ", then last space, each at >= 40% of maxChars; falls
// back to a hard cut at maxChars.
func splitOversizedParagraph(p string, budget, maxChars int) []Draft {
	var drafts []Draft
	remaining := p
	minSplit := int(float64(maxChars) * 0.4)

	for EstimateTokens(remaining) > budget {
		cut := findSplitPoint(remaining, maxChars, minSplit)
		piece := strings.TrimSpace(remaining[:cut])
		if piece != "" {
			drafts = append(drafts, Draft{Kind: KindProse, Content: piece, TokenEstimate: EstimateTokens(piece)})
		}
		remaining = remaining[cut:]
	}
	remaining = strings.TrimSpace(remaining)
	if remaining != "" {
		drafts = append(drafts, Draft{Kind: KindProse, Content: remaining, TokenEstimate: EstimateTokens(remaining)})
	}
	return drafts
}

func findSplitPoint(text string, maxChars, minSplit int) int {
	limit := maxChars
	if limit > len(text) {
		limit = len(text)
	}

	if idx := strings.LastIndex(text[:limit], "\n"); idx >= minSplit {
		return idx + 1
	}
	if idx := strings.LastIndex(text[:limit], ". "); idx >= minSplit {
		return idx + 2
	}
	if idx := strings.LastIndex(text[:limit], " "); idx >= minSplit {
		return idx + 1
	}
	return limit
}

// chunkCode coalesces lines greedily into fenced blocks, never
// splitting mid-line; an overlong single line is emitted as its own
// chunk even if it exceeds budget.
func chunkCode(body, language string, budget, maxChars int) []Draft {
	lines := strings.Split(body, "\n")

	var drafts []Draft
	var buf []string

	flush := func() {
		if len(buf) == 0 {
			return
		}
		content := strings.Join(buf, "\n")
		drafts = append(drafts, Draft{
			Kind:          KindCode,
			Content:       content,
			Language:      language,
			TokenEstimate: EstimateTokens(content),
		})
		buf = nil
	}

	for _, line := range lines {
		lineTokens := EstimateTokens(line)

		if lineTokens > budget {
			flush()
			drafts = append(drafts, Draft{
				Kind:          KindCode,
				Content:       line,
				Language:      language,
				TokenEstimate: lineTokens,
			})
			continue
		}

		candidateTokens := EstimateTokens(strings.Join(append(append([]string{}, buf...), line), "\n"))
		if candidateTokens > budget && len(buf) > 0 {
			flush()
		}
		buf = append(buf, line)
	}
	flush()
	return drafts
}
