package embedding

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-engine/internal/memerr"
)

// embedServer is a fake embedding endpoint. vectorFor controls the raw
// vector returned per input text; failFirst makes the first n requests
// return the given status before succeeding; delay holds each response
// open to widen concurrency windows.
type embedServer struct {
	mu        sync.Mutex
	requests  int32
	failFirst int
	failCode  int
	delay     time.Duration
	vectorFor func(text string) []float32
}

func (s *embedServer) handler(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.requests, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	fail := int(n) <= s.failFirst
	code := s.failCode
	s.mu.Unlock()
	if fail {
		http.Error(w, "unavailable", code)
		return
	}

	var req struct {
		Model string   `json:"model"`
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
		resp.Data = append(resp.Data, datum{Embedding: s.vectorFor(text), Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, s *embedServer, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	c, err := New(Opts{BaseURL: srv.URL, Model: "test-model", TimeoutMS: 5000, MaxRetries: retries, CacheSize: 16})
	require.NoError(t, err)
	return c
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestEmbed_NormalizesToUnitLength(t *testing.T) {
	t.Parallel()
	srv := &embedServer{vectorFor: func(string) []float32 { return []float32{3, 4} }}
	c := newTestClient(t, srv, 0)

	v, err := c.Embed(t.Context(), "hello")
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-6)
}

func TestEmbed_ZeroVectorPassedThroughUnnormalized(t *testing.T) {
	t.Parallel()
	srv := &embedServer{vectorFor: func(string) []float32 { return []float32{0, 0, 0} }}
	c := newTestClient(t, srv, 0)

	v, err := c.Embed(t.Context(), "void")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestEmbed_CacheServesRepeatsWithoutUpstreamCalls(t *testing.T) {
	t.Parallel()
	srv := &embedServer{vectorFor: func(string) []float32 { return []float32{1, 0} }}
	c := newTestClient(t, srv, 0)
	ctx := t.Context()

	first, err := c.Embed(ctx, "same text")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Embed(ctx, "same text")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.requests))
}

func TestEmbed_RetriesTransientStatusThenSucceeds(t *testing.T) {
	t.Parallel()
	srv := &embedServer{failFirst: 2, failCode: http.StatusServiceUnavailable,
		vectorFor: func(string) []float32 { return []float32{1, 0} }}
	c := newTestClient(t, srv, 2)

	v, err := c.Embed(t.Context(), "flaky")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-6)
	assert.Equal(t, int32(3), atomic.LoadInt32(&srv.requests))
}

func TestEmbed_ExhaustedRetriesSurfaceTransient(t *testing.T) {
	t.Parallel()
	srv := &embedServer{failFirst: 100, failCode: http.StatusTooManyRequests,
		vectorFor: func(string) []float32 { return []float32{1} }}
	c := newTestClient(t, srv, 1)

	_, err := c.Embed(t.Context(), "overloaded")
	require.Error(t, err)
	assert.Equal(t, memerr.Transient, memerr.KindOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.requests))
}

func TestEmbed_NonRetryableStatusSurfacesImmediately(t *testing.T) {
	t.Parallel()
	srv := &embedServer{failFirst: 100, failCode: http.StatusBadRequest,
		vectorFor: func(string) []float32 { return []float32{1} }}
	c := newTestClient(t, srv, 3)

	_, err := c.Embed(t.Context(), "rejected")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.requests), "a 400 must not be retried")
}

func TestEmbedBatch_PreservesOrderAndOnlySendsMisses(t *testing.T) {
	t.Parallel()
	srv := &embedServer{vectorFor: func(text string) []float32 {
		return []float32{float32(len(text)), 1}
	}}
	c := newTestClient(t, srv, 0)
	ctx := t.Context()

	warm, err := c.Embed(ctx, "aa")
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(ctx, []string{"aa", "bbbb", "cccccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, warm, vectors[0])
	assert.Greater(t, vectors[2][0], vectors[1][0], "longer text maps to a larger first component")
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.requests), "warm entry should not be re-requested")
}

func TestDimension_ProbedOnceAndCached(t *testing.T) {
	t.Parallel()
	srv := &embedServer{vectorFor: func(string) []float32 { return []float32{1, 2, 3, 4, 5} }}
	c := newTestClient(t, srv, 0)
	ctx := t.Context()

	d, err := c.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, d)

	d2, err := c.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, d2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.requests))
}

func TestEmbed_ConcurrentSameTextCoalescesToOneRequest(t *testing.T) {
	t.Parallel()
	srv := &embedServer{
		delay:     50 * time.Millisecond, // keep the first request in flight while the rest arrive
		vectorFor: func(string) []float32 { return []float32{0, 1} },
	}
	c := newTestClient(t, srv, 0)
	ctx := t.Context()

	const n = 100
	var wg sync.WaitGroup
	results := make([][]float32, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := c.Embed(ctx, "popular text")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.requests),
		"concurrent identical-text embeds must coalesce into one upstream call")

	// And once warmed, repeats stay off the wire entirely.
	_, err := c.Embed(ctx, "popular text")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.requests))
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"other"},{"id":"test-model"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Opts{BaseURL: srv.URL, Model: "test-model", TimeoutMS: 5000, CacheSize: 4})
	require.NoError(t, err)
	assert.NoError(t, c.CheckAvailability(t.Context()))

	missing, err := New(Opts{BaseURL: srv.URL, Model: "absent-model", TimeoutMS: 5000, CacheSize: 4})
	require.NoError(t, err)
	err = missing.CheckAvailability(t.Context())
	require.Error(t, err)
	assert.Equal(t, memerr.Contract, memerr.KindOf(err))
}
