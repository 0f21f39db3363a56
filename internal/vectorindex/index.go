// Package vectorindex defines the typed cosine-similarity collection
// contract consumed by the retriever and embedding pipeline, and its
// two backends: an in-process localindex (badger-persisted HNSW) and an
// optional networked qdrantindex backend.
package vectorindex

import "context"

// Metric is always cosine for this engine; the field exists so
// ensure_collection can detect a metric drift the same way it detects a
// model/dimension drift.
const Metric = "cosine"

// Record is one vector to upsert.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]string
}

// Where is an equality filter, or an AND of equality filters when it
// holds more than one key.
type Where map[string]string

// Result is one hit from Query.
type Result struct {
	ID         string
	Similarity float64 // max(0, 1-distance)
	Distance   float64
	Document   string
	Metadata   map[string]string
}

// CollectionMeta is the persisted metadata checked by EnsureCollection
// to decide whether the collection must be destructively recreated.
type CollectionMeta struct {
	Name           string
	Metric         string
	EmbeddingModel string
	Dimension      int
}

// Index is the vector collection contract. Implementations must be
// safe for concurrent use.
type Index interface {
	// EnsureCollection is idempotent. If persisted metadata differs
	// from meta, the collection is recreated (destructive) and the
	// metadata updated. This is the only rebuild trigger.
	EnsureCollection(ctx context.Context, meta CollectionMeta) error

	// Add is a batch upsert. IDs that already exist are replaced via
	// explicit delete-then-add.
	Add(ctx context.Context, records []Record) error

	// Query returns up to k results ordered by similarity descending,
	// after dropping any below the configured similarity threshold.
	Query(ctx context.Context, embedding []float32, k int, where Where) ([]Result, error)

	Delete(ctx context.Context, ids []string) error
	DeleteByWhere(ctx context.Context, where Where) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// DefaultSimilarityThreshold is the default drop threshold for Query
// results; hits below it are never surfaced to the retriever.
const DefaultSimilarityThreshold = 0.3
