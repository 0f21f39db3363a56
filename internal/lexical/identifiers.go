package lexical

import (
	"regexp"
	"strings"
)

var (
	fencedCodeRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)\\n?```")
	inlineCodeRe  = regexp.MustCompile("`([^`]+)`")
	camelPascalRe = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9]*[A-Z][a-zA-Z0-9]*\b`)
	snakeCaseRe   = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9]*_[a-zA-Z0-9_]+\b`)
	callNameRe    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	codeKeywords  = map[string]bool{
		"func": true, "function": true, "def": true, "class": true, "struct": true,
		"interface": true, "import": true, "package": true, "const": true, "var": true,
		"let": true, "return": true, "async": true, "await": true, "public": true,
		"private": true, "static": true, "void": true, "null": true, "nil": true,
	}
)

// ExtractCodeIdentifiers collects code identifiers from text: fenced
// and inline code bodies tokenized into words, camelCase/PascalCase
// tokens (length >= 3), snake_case tokens, and identifiers preceding
// "(". Returns the lowercased set.
func ExtractCodeIdentifiers(text string) map[string]bool {
	idents := make(map[string]bool)

	addWordsFrom := func(s string) {
		for _, w := range termRe.FindAllString(s, -1) {
			if len(w) >= 3 {
				idents[strings.ToLower(w)] = true
			}
		}
	}

	for _, m := range fencedCodeRe.FindAllStringSubmatch(text, -1) {
		addWordsFrom(m[1])
	}
	for _, m := range inlineCodeRe.FindAllStringSubmatch(text, -1) {
		addWordsFrom(m[1])
	}
	for _, m := range camelPascalRe.FindAllString(text, -1) {
		if len(m) >= 3 {
			idents[strings.ToLower(m)] = true
		}
	}
	for _, m := range snakeCaseRe.FindAllString(text, -1) {
		idents[strings.ToLower(m)] = true
	}
	for _, m := range callNameRe.FindAllStringSubmatch(text, -1) {
		if len(m[1]) >= 3 {
			idents[strings.ToLower(m[1])] = true
		}
	}

	return idents
}

// IsCodeHeavy reports whether text should be treated as a code-heavy
// query for context-assembly reordering purposes: it contains a fenced
// block, a backtick, or a recognized code keyword, or yields any
// extracted identifier.
func IsCodeHeavy(text string) bool {
	if strings.Contains(text, "```") || strings.Contains(text, "`") {
		return true
	}
	lower := strings.ToLower(text)
	for kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return len(ExtractCodeIdentifiers(text)) > 0
}

// Intersects reports whether a and b share at least one identifier.
func Intersects(a, b map[string]bool) bool {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k := range small {
		if large[k] {
			return true
		}
	}
	return false
}
