package localindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"memory-engine/internal/memerr"
	"memory-engine/internal/vectorindex"
)

const (
	recordPrefix = "rec:"
	metaKey      = "collection_meta"
)

type persistedRecord struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
}

// Store is the badger-persisted, HNSW-accelerated vectorindex.Index
// implementation.
type Store struct {
	db        *badger.DB
	hnsw      *HNSW
	threshold float64
	mu        sync.RWMutex
}

// Open opens (creating if absent) a badger database at dbPath and
// rebuilds its in-memory HNSW index from persisted records.
func Open(dbPath string, similarityThreshold float64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector index directory: %w", err)
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index database: %w", err)
	}
	if similarityThreshold <= 0 {
		similarityThreshold = vectorindex.DefaultSimilarityThreshold
	}

	s := &Store{db: db, hnsw: New(DefaultConfig()), threshold: similarityThreshold}
	if err := s.buildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) buildIndex() error {
	prefix := []byte(recordPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec persistedRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				s.hnsw.Add(rec.ID, rec.Vector, rec.Metadata)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureCollection recreates the store destructively if persisted
// metadata differs from meta.
func (s *Store) EnsureCollection(ctx context.Context, meta vectorindex.CollectionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readMeta()
	if err != nil {
		return memerr.New(memerr.Persistence, "vectorindex", err)
	}
	if existing != nil && *existing == meta {
		return nil
	}

	if existing != nil {
		if err := s.dropAllLocked(); err != nil {
			return memerr.New(memerr.Persistence, "vectorindex", err)
		}
		s.hnsw = New(DefaultConfig())
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return memerr.New(memerr.Contract, "vectorindex", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), data)
	})
	if err != nil {
		return memerr.New(memerr.Persistence, "vectorindex", err)
	}
	return nil
}

func (s *Store) readMeta() (*vectorindex.CollectionMeta, error) {
	var meta *vectorindex.CollectionMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			meta = &vectorindex.CollectionMeta{}
			return json.Unmarshal(val, meta)
		})
	})
	return meta, err
}

func (s *Store) dropAllLocked() error {
	return s.db.DropPrefix([]byte(recordPrefix))
}

// Add upserts records, deleting any pre-existing id first (explicit
// delete-then-add).
func (s *Store) Add(ctx context.Context, records []vectorindex.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		s.hnsw.Remove(rec.ID)

		persisted := persistedRecord{ID: rec.ID, Vector: rec.Vector, Document: rec.Document, Metadata: rec.Metadata}
		data, err := json.Marshal(persisted)
		if err != nil {
			return memerr.New(memerr.Contract, "vectorindex", err)
		}
		key := []byte(recordPrefix + rec.ID)
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, data)
		}); err != nil {
			return memerr.New(memerr.Persistence, "vectorindex", err)
		}
		s.hnsw.Add(rec.ID, rec.Vector, rec.Metadata)
	}
	return nil
}

// Query returns up to k results matching where, similarity-threshold-filtered.
func (s *Store) Query(ctx context.Context, embedding []float32, k int, where vectorindex.Where) ([]vectorindex.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filter func(map[string]string) bool
	if len(where) > 0 {
		filter = func(meta map[string]string) bool {
			for key, val := range where {
				if meta[key] != val {
					return false
				}
			}
			return true
		}
	}

	overFetch := k
	if overFetch < 1 {
		overFetch = 1
	}
	ids := s.hnsw.Search(embedding, overFetch*2, filter)

	results := make([]vectorindex.Result, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get([]byte(recordPrefix + id))
			if err != nil {
				continue
			}
			err = item.Value(func(val []byte) error {
				var rec persistedRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				dist := 1.0 - float64(cosineSimilarity(embedding, rec.Vector))
				sim := math.Max(0, 1-dist)
				if sim < s.threshold {
					return nil
				}
				results = append(results, vectorindex.Result{
					ID: rec.ID, Similarity: sim, Distance: dist,
					Document: rec.Document, Metadata: rec.Metadata,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "vectorindex", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes ids from both the graph and the badger store.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.hnsw.Remove(id)
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(recordPrefix + id))
		}); err != nil {
			return memerr.New(memerr.Persistence, "vectorindex", err)
		}
	}
	return nil
}

// DeleteByWhere deletes every record matching where (equivalent to an
// AND of equality conditions).
func (s *Store) DeleteByWhere(ctx context.Context, where vectorindex.Where) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []string
	prefix := []byte(recordPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec persistedRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if vectorindexMatchesWhere(rec.Metadata, where) {
					toDelete = append(toDelete, rec.ID)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return memerr.New(memerr.Persistence, "vectorindex", err)
	}

	for _, id := range toDelete {
		s.hnsw.Remove(id)
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(recordPrefix + id))
		}); err != nil {
			return memerr.New(memerr.Persistence, "vectorindex", err)
		}
	}
	return nil
}

func vectorindexMatchesWhere(metadata map[string]string, where vectorindex.Where) bool {
	for k, v := range where {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Count returns the number of records in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hnsw.Size(), nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ vectorindex.Index = (*Store)(nil)
