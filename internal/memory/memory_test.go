package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-engine/internal/config"
	"memory-engine/internal/memory"
	"memory-engine/internal/models"
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// embedVector maps text to a bag-of-tokens vector so that texts sharing
// words have positive cosine similarity; the client normalizes it.
func embedVector(text string) []float32 {
	v := make([]float32, 64)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%64]++
	}
	return v
}

func embedHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type datum struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	resp := struct {
		Data []datum `json:"data"`
	}{}
	for i, text := range req.Input {
		resp.Data = append(resp.Data, datum{Embedding: embedVector(text), Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// newTestEngine stands up a full engine against an isolated HOME, a
// fresh SQLite file, the local vector index, and a fake embedding server.
func newTestEngine(t *testing.T, summarize memory.Summarizer) *memory.Engine {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	srv := httptest.NewServer(http.HandlerFunc(embedHandler))
	t.Cleanup(srv.Close)

	cfg := testEngineConfig(home, srv.URL)
	eng, err := memory.New(cfg, summarize)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func testEngineConfig(home, embeddingURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.EmbeddingURL = embeddingURL
	cfg.SQLitePath = filepath.Join(home, "memory.db")
	// Bag-of-tokens test vectors produce modest cosine values, so keep
	// the drop threshold out of the way.
	cfg.SimilarityThreshold = 0.01
	return cfg
}

func noopSummarizer(context.Context, string, []*models.Message) (string, error) {
	return "summary", nil
}

func TestEngine_IngestAndRetrieveRoundTrip(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "async io", []string{"go"})
	require.NoError(t, err)

	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleUser,
		"How do I implement async file reads?", memory.MessageMetadata{})
	require.NoError(t, err)

	assistantContent := "You wrap the read in a promise so callers can await it without blocking the event loop.\n\n" +
		"```typescript\nasync function readFile(path: string) {\n  const data = await fs.promises.readFile(path);\n  return data.toString();\n}\n```"
	saved, err := eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, assistantContent, memory.MessageMetadata{})
	require.NoError(t, err)

	got, err := eng.GetMessage(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, assistantContent, got.Content)

	results := eng.RetrieveSimilarMessages(ctx, "async readFile", 3, &conv.ID, false)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Contains(t, top.Message.Content, "readFile")
	assert.Equal(t, models.ContentTypeMessageChunk, top.ContentType)
	require.NotNil(t, top.ChunkKind)
	assert.Equal(t, models.ChunkKindCode, *top.ChunkKind)
	assert.Greater(t, top.SimilarityScore, 0.4)

	seen := make(map[string]bool)
	for _, res := range results {
		assert.False(t, seen[res.Message.ID], "duplicate id in retrieval output")
		seen[res.Message.ID] = true
	}
}

func TestEngine_ReingestingIdenticalContentIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "dedup", nil)
	require.NoError(t, err)

	first, err := eng.SaveMessage(ctx, conv.ID, models.RoleUser,
		"please index this exact content", memory.MessageMetadata{})
	require.NoError(t, err)

	second, err := eng.SaveMessage(ctx, conv.ID, models.RoleUser,
		"please index this exact content", memory.MessageMetadata{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "identical content must resolve to the existing row")

	stats, err := eng.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages)

	// The same content from the other role is a new message.
	third, err := eng.SaveMessage(ctx, conv.ID, models.RoleAssistant,
		"please index this exact content", memory.MessageMetadata{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEngine_AugmentWithMemoryBuildsContextBlock(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "ctx", nil)
	require.NoError(t, err)
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleUser,
		"remember that the deploy pipeline runs at midnight", memory.MessageMetadata{})
	require.NoError(t, err)

	out, err := eng.AugmentWithMemory(ctx, "when does the deploy pipeline run", 3, &conv.ID, false)
	require.NoError(t, err)
	require.NotEmpty(t, out.Retrieved)
	assert.Contains(t, out.EnhancedSystemPrompt, "Relevant Memory")
	assert.Contains(t, out.EnhancedSystemPrompt, "deploy pipeline")
}

func TestEngine_ConsentGateBlocksProfile(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "consent", nil)
	require.NoError(t, err)
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleUser,
		"user prefers short terse answers in replies", memory.MessageMetadata{})
	require.NoError(t, err)

	require.NoError(t, eng.UpsertUserProfileEmbedding(ctx, "prefers short terse answers"))

	// Consent is off by default: no profile-typed result may surface
	// even though its embedding exists.
	results := eng.RetrieveSimilarMessages(ctx, "terse answers", 5, &conv.ID, true)
	for _, res := range results {
		assert.NotEqual(t, models.ContentTypeUserProfile, res.ContentType)
	}

	require.NoError(t, eng.SetProfileConsent(ctx, true))
	granted, err := eng.IsProfileConsentGranted(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	withConsent := eng.RetrieveSimilarMessages(ctx, "terse answers", 5, &conv.ID, true)
	var sawProfile bool
	for _, res := range withConsent {
		if res.ContentType == models.ContentTypeUserProfile {
			sawProfile = true
		}
	}
	assert.True(t, sawProfile, "granted consent must admit the profile source")

	require.NoError(t, eng.DeleteUserProfileEmbedding(ctx))
	afterDelete := eng.RetrieveSimilarMessages(ctx, "terse answers", 5, &conv.ID, true)
	for _, res := range afterDelete {
		assert.NotEqual(t, models.ContentTypeUserProfile, res.ContentType)
	}
}

func TestEngine_SummaryLifecycleFailureThenSuccess(t *testing.T) {
	calls := 0
	flaky := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("simulated transport error")
		}
		return "a rolling summary", nil
	}
	eng := newTestEngine(t, flaky)
	ctx := context.Background()

	require.NoError(t, eng.SetProfileConsent(ctx, true))

	conv, err := eng.CreateConversation(ctx, "sum", nil)
	require.NoError(t, err)
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, "here is what I found", memory.MessageMetadata{})
	require.NoError(t, err)
	msgs, err := eng.GetConversationMessages(ctx, conv.ID, "asc", 0)
	require.NoError(t, err)

	require.Error(t, eng.Lifecycle().Run(ctx, conv.ID, msgs))
	require.NoError(t, eng.Lifecycle().Run(ctx, conv.ID, msgs))

	snap, err := eng.Lifecycle().HealthSnapshot(ctx, conv.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, snap.Health)
	assert.Equal(t, 2, snap.Health.TotalRuns)
	assert.Equal(t, 1, snap.Health.TotalSuccesses)
	assert.Equal(t, 1, snap.Health.TotalFailures)
	assert.Equal(t, 0, snap.Health.ConsecutiveFailures, "a success must reset the consecutive-failure count")
	assert.Len(t, snap.WindowEvents, 4, "running/failed/running/succeeded")
}

func TestEngine_MaybeScheduleSummaryHonorsFrequency(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()
	require.NoError(t, eng.SetProfileConsent(ctx, true))
	require.NoError(t, eng.SetSummaryFrequency(ctx, 1))

	conv, err := eng.CreateConversation(ctx, "freq", nil)
	require.NoError(t, err)
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, "an answer worth summarizing", memory.MessageMetadata{})
	require.NoError(t, err)

	require.NoError(t, eng.MaybeScheduleSummary(ctx, conv.ID))

	snap, err := eng.Lifecycle().HealthSnapshot(ctx, conv.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, snap.Health)
	assert.Equal(t, 1, snap.Health.TotalSuccesses)

	// Frequency zero disables scheduling entirely.
	require.NoError(t, eng.SetSummaryFrequency(ctx, 0))
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, "another answer", memory.MessageMetadata{})
	require.NoError(t, err)
	require.NoError(t, eng.MaybeScheduleSummary(ctx, conv.ID))

	snap2, err := eng.Lifecycle().HealthSnapshot(ctx, conv.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, snap2.Health.TotalRuns, "no further run may be scheduled while disabled")
}

func TestEngine_RuntimePreferencesSurviveRestart(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	srv := httptest.NewServer(http.HandlerFunc(embedHandler))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	eng, err := memory.New(testEngineConfig(home, srv.URL), noopSummarizer)
	require.NoError(t, err)
	require.NoError(t, eng.SetTokenBudget(ctx, 250))
	require.NoError(t, eng.SetHybridEnabled(ctx, false))
	require.NoError(t, eng.Close())

	cfg := testEngineConfig(home, srv.URL)
	reopened, err := memory.New(cfg, noopSummarizer)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	assert.Equal(t, 250, cfg.RagTokenBudget)
	assert.False(t, cfg.RagHybrid)
}

func TestEngine_SetTokenBudgetClampsOutOfRange(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	require.NoError(t, eng.SetTokenBudget(ctx, 7))
	out, err := eng.AugmentWithMemory(ctx, "anything", 1, nil, false)
	require.NoError(t, err)
	_ = out // clamped to 100, never an error
}

func TestEngine_BackfillChunksIndexesPreChunkingMessages(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()
	require.NoError(t, eng.SetChunkingEnabled(ctx, false))

	conv, err := eng.CreateConversation(ctx, "backfill", nil)
	require.NoError(t, err)

	content := "Here is how the parser works in practice.\n\n" +
		"```go\nfunc parseTokens(s string) []string {\n\treturn strings.Fields(s)\n}\n```"
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, content, memory.MessageMetadata{})
	require.NoError(t, err)

	before := eng.RetrieveSimilarMessages(ctx, "parseTokens", 5, &conv.ID, false)
	for _, res := range before {
		assert.NotEqual(t, models.ContentTypeMessageChunk, res.ContentType,
			"no chunk may exist before the backfill runs")
	}

	require.NoError(t, eng.SetChunkingEnabled(ctx, true))
	n, err := eng.BackfillChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after := eng.RetrieveSimilarMessages(ctx, "parseTokens", 5, &conv.ID, false)
	var sawChunk bool
	for _, res := range after {
		if res.ContentType == models.ContentTypeMessageChunk {
			sawChunk = true
		}
	}
	assert.True(t, sawChunk, "the backfilled code chunk must be retrievable")
}

func TestEngine_GetStats(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "stats", nil)
	require.NoError(t, err)
	tokens := 40
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleUser, "hello stats", memory.MessageMetadata{TokensUsed: &tokens})
	require.NoError(t, err)

	stats, err := eng.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 1, stats.Messages)
	assert.Equal(t, 40, stats.TotalTokens)
	require.NotNil(t, stats.Oldest)
}

func TestEngine_SummarySkippedWithoutConsent(t *testing.T) {
	eng := newTestEngine(t, noopSummarizer)
	ctx := context.Background()

	conv, err := eng.CreateConversation(ctx, "noconsent", nil)
	require.NoError(t, err)
	_, err = eng.SaveMessage(ctx, conv.ID, models.RoleAssistant, "an answer", memory.MessageMetadata{})
	require.NoError(t, err)
	msgs, err := eng.GetConversationMessages(ctx, conv.ID, "asc", 0)
	require.NoError(t, err)

	require.NoError(t, eng.Lifecycle().Run(ctx, conv.ID, msgs))

	snap, err := eng.Lifecycle().HealthSnapshot(ctx, conv.ID, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, snap.Health)
	assert.Equal(t, models.SummaryStateSkippedNoConsent, snap.Health.LastState)
	assert.Equal(t, 0, snap.Health.TotalFailures)
}
