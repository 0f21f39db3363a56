package summary

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-engine/internal/models"
	"memory-engine/internal/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	store, err := sqlstore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newConversation(t *testing.T, store *sqlstore.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateConversation(t.Context(), &models.Conversation{
		ID: id, Title: "c", CreatedAt: now, UpdatedAt: now,
	}))
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedAndUpsertSummary(ctx context.Context, conversationID, summary string) error {
	f.calls++
	return f.err
}

func alwaysConsent(ctx context.Context) (bool, error) { return true, nil }
func neverConsent(ctx context.Context) (bool, error)  { return false, nil }
func erroringConsent(ctx context.Context) (bool, error) {
	return false, errors.New("consent lookup failed")
}

func TestShouldSchedule(t *testing.T) {
	t.Parallel()
	assert.False(t, ShouldSchedule(3, 0))
	assert.False(t, ShouldSchedule(3, -1))
	assert.True(t, ShouldSchedule(10, 5))
	assert.False(t, ShouldSchedule(11, 5))
	assert.True(t, ShouldSchedule(0, 5))
}

func TestRun_SucceedsAndEmbeds(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	embedder := &fakeEmbedder{}
	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "a rolling summary", nil
	}
	l := New(store, summarize, embedder, alwaysConsent)

	err := l.Run(t.Context(), "conv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)

	cs, err := store.GetConversationSummary(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "a rolling summary", cs.Summary)

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SummaryStateSucceeded, health.LastState)
	assert.Equal(t, 1, health.TotalSuccesses)
}

func TestRun_SkipsWhenConsentNotGranted(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		t.Fatal("summarize should not be called when consent is withheld")
		return "", nil
	}
	l := New(store, summarize, nil, neverConsent)

	require.NoError(t, l.Run(t.Context(), "conv-1", nil))

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SummaryStateSkippedNoConsent, health.LastState)
	assert.Equal(t, 0, health.TotalFailures)

	cs, err := store.GetConversationSummary(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Nil(t, cs, "no summary should be written when skipped")
}

func TestRun_ConsentLookupErrorTreatedAsNotGranted(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		t.Fatal("summarize should not be called when consent lookup errors")
		return "", nil
	}
	l := New(store, summarize, nil, erroringConsent)

	require.NoError(t, l.Run(t.Context(), "conv-1", nil))

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SummaryStateSkippedNoConsent, health.LastState)
}

func TestRun_SummarizeFailureRecordsFailedAndCountsRetry(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "", errors.New("llm unreachable")
	}
	l := New(store, summarize, nil, alwaysConsent)

	err := l.Run(t.Context(), "conv-1", nil)
	require.Error(t, err)

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SummaryStateFailed, health.LastState)
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.Equal(t, 1, health.TotalRetries)
	require.NotNil(t, health.LastError)
	assert.Equal(t, "llm unreachable", *health.LastError)
}

func TestRun_EmbeddingFailureStillRecordsSucceeded(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	embedder := &fakeEmbedder{err: errors.New("vector index unavailable")}
	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "summary text", nil
	}
	l := New(store, summarize, embedder, alwaysConsent)

	require.NoError(t, l.Run(t.Context(), "conv-1", nil))

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SummaryStateSucceeded, health.LastState, "a failed embed must not fail the summary run itself")

	cs, err := store.GetConversationSummary(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingStatusFailed, cs.EmbeddingStatus)
}

func TestRun_RepeatedFailuresAccumulateConsecutiveFailures(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "", errors.New("still down")
	}
	l := New(store, summarize, nil, alwaysConsent)

	require.Error(t, l.Run(t.Context(), "conv-1", nil))
	require.Error(t, l.Run(t.Context(), "conv-1", nil))
	require.Error(t, l.Run(t.Context(), "conv-1", nil))

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 3, health.ConsecutiveFailures)
	assert.Equal(t, 3, health.TotalRuns)
}

func TestRun_SuccessAfterFailureResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	shouldFail := true
	summarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		if shouldFail {
			return "", errors.New("transient")
		}
		return "recovered summary", nil
	}
	l := New(store, summarize, nil, alwaysConsent)

	require.Error(t, l.Run(t.Context(), "conv-1", nil))
	shouldFail = false
	require.NoError(t, l.Run(t.Context(), "conv-1", nil))

	health, err := store.GetSummaryHealth(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 0, health.ConsecutiveFailures)
	assert.Equal(t, 1, health.TotalFailures)
	assert.Equal(t, 1, health.TotalSuccesses)
}

func TestHealthSnapshot_ComputesRatesAndDefaultsWindow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	newConversation(t, store, "conv-1")

	okSummarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "ok", nil
	}
	failSummarize := func(ctx context.Context, conversationID string, messages []*models.Message) (string, error) {
		return "", errors.New("boom")
	}

	l := New(store, okSummarize, nil, alwaysConsent)
	require.NoError(t, l.Run(t.Context(), "conv-1", nil))

	l2 := New(store, failSummarize, nil, alwaysConsent)
	require.Error(t, l2.Run(t.Context(), "conv-1", nil))

	snap, err := l.HealthSnapshot(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	require.NotNil(t, snap.Health)
	assert.Equal(t, 2, snap.Health.TotalRuns)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.0001)
	assert.InDelta(t, 0.5, snap.FailureRate, 0.0001)
	assert.Len(t, snap.WindowEvents, 4) // running+succeeded, running+failed
}

func TestHealthSnapshot_NilHealthForUnknownConversation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	l := New(store, nil, nil, alwaysConsent)

	snap, err := l.HealthSnapshot(t.Context(), "never-scheduled", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, snap.Health)
	assert.Zero(t, snap.SuccessRate)
}
