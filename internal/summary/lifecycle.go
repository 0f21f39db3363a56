// Package summary implements the per-conversation summary lifecycle
// state machine: queued -> running -> (succeeded | failed |
// skipped_no_consent), with health/event bookkeeping delegated to
// internal/sqlstore.
package summary

import (
	"context"
	"time"

	"memory-engine/internal/logging"
	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
	"memory-engine/internal/sqlstore"
)

// Summarizer produces the text summary for a conversation; callers
// supply their own (typically an LLM call, which stays outside this
// engine).
type Summarizer func(ctx context.Context, conversationID string, messages []*models.Message) (string, error)

// Embedder is the subset of the embedding pipeline the lifecycle needs
// to (re)embed a freshly written summary.
type Embedder interface {
	EmbedAndUpsertSummary(ctx context.Context, conversationID, summary string) error
}

// Lifecycle coordinates state transitions for conversation summaries.
type Lifecycle struct {
	store     *sqlstore.Store
	summarize Summarizer
	embedder  Embedder
	consentFn func(ctx context.Context) (bool, error)
}

// New constructs a Lifecycle. consentFn reports whether memory consent
// is currently granted (summaries do not require profile consent
// themselves, but callers may wire the same gate here if desired; pass
// a function that always returns true to disable the check).
func New(store *sqlstore.Store, summarize Summarizer, embedder Embedder, consentFn func(ctx context.Context) (bool, error)) *Lifecycle {
	return &Lifecycle{store: store, summarize: summarize, embedder: embedder, consentFn: consentFn}
}

// ShouldSchedule reports whether a summary job should be triggered
// after saving an assistant message:
// (assistant_message_count mod frequency) == 0 && frequency > 0.
func ShouldSchedule(assistantMessageCount, frequency int) bool {
	if frequency <= 0 {
		return false
	}
	return assistantMessageCount%frequency == 0
}

// Run executes one summary attempt for a conversation: running ->
// (succeeded | failed | skipped_no_consent). It is safe to call
// synchronously or from a background worker; callers are responsible
// for ensuring only one Run is in flight per conversation at a time.
func (l *Lifecycle) Run(ctx context.Context, conversationID string, messages []*models.Message) error {
	now := time.Now().UTC()
	attempt, err := l.store.RecordRunning(ctx, conversationID, now)
	if err != nil {
		return memerr.New(memerr.Persistence, "summary", err)
	}

	if l.consentFn != nil {
		granted, err := l.consentFn(ctx)
		if err != nil {
			granted = false
		}
		if !granted {
			if err := l.store.RecordSkippedNoConsent(ctx, conversationID, attempt, "profile consent not granted", time.Now().UTC()); err != nil {
				return memerr.New(memerr.Persistence, "summary", err)
			}
			return nil
		}
	}

	text, err := l.summarize(ctx, conversationID, messages)
	if err != nil {
		return l.fail(ctx, conversationID, attempt, err, true)
	}

	if err := l.store.UpsertConversationSummary(ctx, conversationID, text, nil, time.Now().UTC()); err != nil {
		return l.fail(ctx, conversationID, attempt, err, false)
	}

	if l.embedder != nil {
		if err := l.embedder.EmbedAndUpsertSummary(ctx, conversationID, text); err != nil {
			logging.Warn("summary embedding failed, summary text still persisted", map[string]interface{}{
				"conversation_id": conversationID, "error": err.Error(),
			})
			_ = l.store.SetSummaryEmbeddingStatus(ctx, conversationID, models.EmbeddingStatusFailed, strPtr(err.Error()))
		}
	}

	return l.store.RecordSucceeded(ctx, conversationID, attempt, time.Now().UTC())
}

func (l *Lifecycle) fail(ctx context.Context, conversationID string, attempt int, cause error, countAsRetry bool) error {
	recErr := l.store.RecordFailed(ctx, conversationID, attempt, cause.Error(), countAsRetry, true, time.Now().UTC())
	if recErr != nil {
		return memerr.New(memerr.Persistence, "summary", recErr)
	}
	return memerr.New(memerr.Transient, "summary", cause)
}

// Snapshot is the aggregated health view for one conversation.
type Snapshot struct {
	Health       *models.SummaryHealth
	WindowEvents []*models.SummaryEvent
	SuccessRate  float64
	FailureRate  float64
}

// HealthSnapshot aggregates totals, overall success/failure rates, and
// a recent window (default 24h) of events for observability.
func (l *Lifecycle) HealthSnapshot(ctx context.Context, conversationID string, window time.Duration) (*Snapshot, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	health, err := l.store.GetSummaryHealth(ctx, conversationID)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "summary", err)
	}
	if health == nil {
		return &Snapshot{}, nil
	}
	events, err := l.store.GetSummaryEventsSince(ctx, conversationID, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "summary", err)
	}

	snap := &Snapshot{Health: health, WindowEvents: events}
	if health.TotalRuns > 0 {
		snap.SuccessRate = float64(health.TotalSuccesses) / float64(health.TotalRuns)
		snap.FailureRate = float64(health.TotalFailures) / float64(health.TotalRuns)
	}
	return snap, nil
}

func strPtr(s string) *string { return &s }
