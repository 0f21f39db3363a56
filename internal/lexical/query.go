// Package lexical builds FTS5 MATCH queries and normalizes BM25 scores
// into the engine's common [0,1] similarity space. Term folding uses
// golang.org/x/text/cases rather than strings.ToLower alone so
// multi-script queries behave consistently.
package lexical

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var termRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

var folder = cases.Fold()

// BuildMatchQuery turns a free-text query into an FTS5 MATCH expression:
// underscores become spaces, terms are tokenized (alphanumeric, length
// >= 2), deduplicated, quote-escaped, and OR-joined. An empty or
// all-stopword-length query yields an empty string.
func BuildMatchQuery(query string) string {
	replaced := strings.ReplaceAll(query, "_", " ")
	raw := termRe.FindAllString(replaced, -1)

	seen := make(map[string]bool, len(raw))
	var terms []string
	for _, t := range raw {
		if len([]rune(t)) < 2 {
			continue
		}
		folded := folder.String(t)
		if seen[folded] {
			continue
		}
		seen[folded] = true
		terms = append(terms, quoteEscape(folded))
	}

	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " OR ")
}

func quoteEscape(term string) string {
	escaped := strings.ReplaceAll(term, `"`, `""`)
	return `"` + escaped + `"`
}

// NormalizeBM25 maps a raw BM25 score (lower is better, can be
// negative for strong matches in SQLite's FTS5 implementation) into the
// engine's [0,1] similarity space: 1/(1+bm25), or 1 when bm25 <= 0.
func NormalizeBM25(bm25 float64) float64 {
	if bm25 <= 0 {
		return 1
	}
	return 1 / (1 + bm25)
}
