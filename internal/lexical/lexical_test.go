package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCodeIdentifiers(t *testing.T) {
	t.Parallel()

	idents := ExtractCodeIdentifiers("call `getUserProfile()` and also use snake_case_name, see ```go\nfunc BuildIndex() {}\n```")
	assert.True(t, idents["getuserprofile"])
	assert.True(t, idents["snake_case_name"])
	assert.True(t, idents["buildindex"])
}

func TestExtractCodeIdentifiers_IgnoresShortTokens(t *testing.T) {
	t.Parallel()
	idents := ExtractCodeIdentifiers("`ab`")
	assert.False(t, idents["ab"], "tokens under 3 chars are dropped")
}

func TestIsCodeHeavy(t *testing.T) {
	t.Parallel()
	assert.True(t, IsCodeHeavy("how do I use `fmt.Println`"))
	assert.True(t, IsCodeHeavy("what does this func do"))
	assert.False(t, IsCodeHeavy("what did we decide about the launch date"))
}

func TestIntersects(t *testing.T) {
	t.Parallel()
	a := map[string]bool{"foo": true, "bar": true}
	b := map[string]bool{"baz": true, "bar": true}
	c := map[string]bool{"qux": true}

	assert.True(t, Intersects(a, b))
	assert.False(t, Intersects(a, c))
	assert.False(t, Intersects(map[string]bool{}, b))
}

func TestBuildMatchQuery(t *testing.T) {
	t.Parallel()

	q := BuildMatchQuery("find_user by Name")
	assert.Contains(t, q, `"find"`)
	assert.Contains(t, q, `"user"`)
	assert.Contains(t, q, `"name"`)
	assert.Contains(t, q, " OR ")
}

func TestBuildMatchQuery_EmptyForShortOrBlank(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", BuildMatchQuery(""))
	assert.Equal(t, "", BuildMatchQuery("a"))
}

func TestBuildMatchQuery_DeduplicatesFoldedTerms(t *testing.T) {
	t.Parallel()
	q := BuildMatchQuery("Name name NAME")
	assert.Equal(t, `"name"`, q)
}

func TestBuildMatchQuery_EscapesQuotes(t *testing.T) {
	t.Parallel()
	q := BuildMatchQuery(`say "hi"`)
	assert.Contains(t, q, `"hi"`)
}

func TestNormalizeBM25(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, NormalizeBM25(0))
	assert.Equal(t, 1.0, NormalizeBM25(-5))
	assert.InDelta(t, 0.5, NormalizeBM25(1), 0.0001)
}
