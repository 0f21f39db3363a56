// Package metrics holds the engine's operational counters: a
// process-memory per-category success/failure set with a bounded
// failure-history ring, and a thin recorder that persists per-query
// retrieval metrics via internal/sqlstore.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"memory-engine/internal/logging"
	"memory-engine/internal/models"
	"memory-engine/internal/sqlstore"
)

// Category is one of the operational areas tracked independently.
type Category string

const (
	CategorySummary   Category = "summary"
	CategoryEmbedding Category = "embedding"
	CategoryRetrieval Category = "retrieval"
	CategoryMetrics   Category = "metrics"
	CategoryProfile   Category = "profile"
	CategoryStorage   Category = "storage"
)

const failureHistoryCap = 100

// Failure is one entry in the bounded failure-history ring.
type Failure struct {
	ID        string
	Category  Category
	Source    string
	Message   string
	Timestamp time.Time
}

type counters struct {
	success int64
	failure int64
}

// Ops is the process-memory operational counter set and failure ring.
// Safe for concurrent use.
type Ops struct {
	mu       sync.Mutex
	byCat    map[Category]*counters
	failures []Failure // ring buffer, oldest first, capped at failureHistoryCap
}

// NewOps constructs an empty Ops counter set.
func NewOps() *Ops {
	return &Ops{byCat: make(map[Category]*counters)}
}

// RecordSuccess increments category's success counter.
func (o *Ops) RecordSuccess(category Category) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counterFor(category).success++
}

// RecordFailure increments category's failure counter and appends a
// capped-history failure entry.
func (o *Ops) RecordFailure(category Category, source, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counterFor(category).failure++

	f := Failure{
		ID:        uuid.NewString(),
		Category:  category,
		Source:    source,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	o.failures = append(o.failures, f)
	if len(o.failures) > failureHistoryCap {
		o.failures = o.failures[len(o.failures)-failureHistoryCap:]
	}
	logging.Warn("operation failed", map[string]interface{}{
		"category": string(category), "source": source, "error": message,
	})
}

func (o *Ops) counterFor(category Category) *counters {
	c, ok := o.byCat[category]
	if !ok {
		c = &counters{}
		o.byCat[category] = c
	}
	return c
}

// Snapshot is a point-in-time view of one category's counters.
type Snapshot struct {
	Category Category
	Success  int64
	Failure  int64
}

// Snapshots returns a snapshot per category that has recorded at least
// one event.
func (o *Ops) Snapshots() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, 0, len(o.byCat))
	for cat, c := range o.byCat {
		out = append(out, Snapshot{Category: cat, Success: c.success, Failure: c.failure})
	}
	return out
}

// RecentFailures returns up to the last n recorded failures, most
// recent last.
func (o *Ops) RecentFailures(n int) []Failure {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 || n > len(o.failures) {
		n = len(o.failures)
	}
	out := make([]Failure, n)
	copy(out, o.failures[len(o.failures)-n:])
	return out
}

// Recorder persists retrieval metrics and bridges retriever-level
// failures into the Ops counters. It implements retriever.MetricsRecorder.
type Recorder struct {
	store *sqlstore.Store
	ops   *Ops
}

// NewRecorder constructs a Recorder writing through to store and ops.
func NewRecorder(store *sqlstore.Store, ops *Ops) *Recorder {
	return &Recorder{store: store, ops: ops}
}

// RecordRetrieval persists m. It is fire-and-forget: storage errors are
// logged and counted against the "metrics" category, never returned.
func (r *Recorder) RecordRetrieval(ctx context.Context, m *models.RetrievalMetric) {
	if err := r.store.InsertRetrievalMetric(ctx, m); err != nil {
		r.ops.RecordFailure(CategoryMetrics, "recorder", err.Error())
		return
	}
	r.ops.RecordSuccess(CategoryRetrieval)
}

// RecordFailure bridges a retriever-observed failure into Ops under
// the given category/source.
func (r *Recorder) RecordFailure(category, source, message string) {
	r.ops.RecordFailure(Category(category), source, message)
}

// CleanupRetention deletes retrieval_metrics rows past the configured
// retention window.
func (r *Recorder) CleanupRetention(ctx context.Context, retentionDays int) (int64, error) {
	n, err := r.store.CleanupRetentionWindow(ctx, retentionDays)
	if err != nil {
		r.ops.RecordFailure(CategoryMetrics, "cleanup", err.Error())
		return 0, err
	}
	return n, nil
}
