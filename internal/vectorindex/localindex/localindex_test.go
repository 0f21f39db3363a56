package localindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-engine/internal/vectorindex"
)

func newTestIndex(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vectors"), 0.1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureCollection(t.Context(), testMeta()))
	return s
}

func testMeta() vectorindex.CollectionMeta {
	return vectorindex.CollectionMeta{
		Name: "memory", Metric: vectorindex.Metric,
		EmbeddingModel: "test-model", Dimension: 3,
	}
}

func rec(id string, vec []float32, meta map[string]string) vectorindex.Record {
	return vectorindex.Record{ID: id, Vector: vec, Document: "doc " + id, Metadata: meta}
}

func TestAddAndQuery_OrdersBySimilarity(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{
		rec("exact", []float32{1, 0, 0}, map[string]string{"content_type": "message"}),
		rec("close", []float32{0.9, 0.4359, 0}, map[string]string{"content_type": "message"}),
		rec("far", []float32{0, 0, 1}, map[string]string{"content_type": "message"}),
	}))

	hits, err := s.Query(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2, "orthogonal vector falls below the similarity threshold")
	assert.Equal(t, "exact", hits[0].ID)
	assert.Equal(t, "close", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestQuery_WhereFiltersByEqualityAnd(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{
		rec("m1", []float32{1, 0, 0}, map[string]string{"conversation_id": "c1", "content_type": "message"}),
		rec("m2", []float32{1, 0, 0}, map[string]string{"conversation_id": "c2", "content_type": "message"}),
		rec("s1", []float32{1, 0, 0}, map[string]string{"conversation_id": "c1", "content_type": "conversation_summary"}),
	}))

	hits, err := s.Query(ctx, []float32{1, 0, 0}, 10, vectorindex.Where{
		"conversation_id": "c1", "content_type": "message",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].ID)
}

func TestAdd_ReplacesExistingID(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{rec("r1", []float32{1, 0, 0}, nil)}))
	require.NoError(t, s.Add(ctx, []vectorindex.Record{rec("r1", []float32{0, 1, 0}, nil)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := s.Query(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5, "the replaced vector must win")
}

func TestDeleteAndDeleteByWhere(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{
		rec("a", []float32{1, 0, 0}, map[string]string{"conversation_id": "c1"}),
		rec("b", []float32{0, 1, 0}, map[string]string{"conversation_id": "c1"}),
		rec("c", []float32{0, 0, 1}, map[string]string{"conversation_id": "c2"}),
	}))

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.DeleteByWhere(ctx, vectorindex.Where{"conversation_id": "c1"}))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := s.Query(ctx, []float32{0, 0, 1}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].ID)
}

func TestEnsureCollection_IdempotentWhenMetaUnchanged(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{rec("keep", []float32{1, 0, 0}, nil)}))
	require.NoError(t, s.EnsureCollection(ctx, testMeta()))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnsureCollection_DriftRecreatesDestructively(t *testing.T) {
	t.Parallel()
	s := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, s.Add(ctx, []vectorindex.Record{rec("stale", []float32{1, 0, 0}, nil)}))

	drifted := testMeta()
	drifted.EmbeddingModel = "new-model"
	require.NoError(t, s.EnsureCollection(ctx, drifted))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a model change must drop all persisted vectors")
}

func TestOpen_RebuildsIndexFromPersistedRecords(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "vectors")

	s, err := Open(dir, 0.1)
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection(t.Context(), testMeta()))
	require.NoError(t, s.Add(t.Context(), []vectorindex.Record{
		rec("persisted", []float32{1, 0, 0}, map[string]string{"content_type": "message"}),
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, 0.1)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	hits, err := reopened.Query(t.Context(), []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted", hits[0].ID)
	assert.Equal(t, "doc persisted", hits[0].Document)
}
