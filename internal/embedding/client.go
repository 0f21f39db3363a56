// Package embedding provides the HTTP embedding client: it issues
// {model, input} requests to an embedding server, retries transient
// failures with exponential backoff, normalizes vectors to unit length,
// and caches results by content hash.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"memory-engine/internal/embedcache"
	"memory-engine/internal/logging"
	"memory-engine/internal/memerr"
)

// retryableStatuses are the HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// Client embeds text via an HTTP endpoint compatible with
// {model, input: string|[]string} -> {data: [{embedding}]}.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	cache      *embedcache.Cache

	// group coalesces concurrent cache misses for the same content hash
	// into a single upstream request.
	group singleflight.Group

	dimension int // discovered lazily on first embed call
}

// Opts configures a new Client.
type Opts struct {
	BaseURL    string
	Model      string
	TimeoutMS  int
	MaxRetries int
	CacheSize  int
}

// New constructs an embedding client with its own cache.
func New(o Opts) (*Client, error) {
	cache, err := embedcache.New(o.CacheSize)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(o.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    o.BaseURL,
		model:      o.Model,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: o.MaxRetries,
		cache:      cache,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data []embeddingDatum `json:"data"`
}

// Embed returns a unit-length vector for text, using the cache when
// possible. Concurrent calls for the same uncached text share one
// upstream request via singleflight.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedcache.HashContent(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A coalesced follower may arrive after the leader already
		// populated the cache and the group forgot the key.
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		vectors, err := c.embedBatchUncached(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		c.cache.Put(key, vectors[0])
		return vectors[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch embeds each text, preserving order, serving any already
// cached texts from the cache and only calling upstream for misses. The
// misses go upstream as one batched request; concurrent identical
// batches coalesce into a single request via singleflight.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	var missKeys []string
	keys := make([]string, len(texts))

	for i, t := range texts {
		keys[i] = embedcache.HashContent(t)
		if v, ok := c.cache.Get(keys[i]); ok {
			results[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
		missKeys = append(missKeys, keys[i])
	}

	if len(missTexts) > 0 {
		batchKey := strings.Join(missKeys, "|")
		v, err, _ := c.group.Do(batchKey, func() (interface{}, error) {
			vectors, err := c.embedBatchUncached(ctx, missTexts)
			if err != nil {
				return nil, err
			}
			for j, key := range missKeys {
				c.cache.Put(key, vectors[j])
			}
			return vectors, nil
		})
		if err != nil {
			return nil, err
		}
		vectors := v.([][]float32)
		for j, idx := range missIdx {
			results[idx] = vectors[j]
		}
	}

	return results, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CheckAvailability queries the server's /v1/models endpoint and
// verifies the configured model is offered. Transport failures and
// missing models surface as typed errors; callers typically run this
// once at startup and treat a failure as a degraded-but-usable state.
func (c *Client) CheckAvailability(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return memerr.New(memerr.Contract, "embedding", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return memerr.New(memerr.Transient, "embedding", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return memerr.Newf(memerr.Transient, "embedding", "models endpoint returned status %d", resp.StatusCode)
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return memerr.New(memerr.Contract, "embedding", err)
	}
	for _, m := range parsed.Data {
		if m.ID == c.model {
			return nil
		}
	}
	return memerr.Newf(memerr.Contract, "embedding", "model %q not offered by server", c.model)
}

// Dimension returns the embedding dimension, probing the server on
// first call with a fixed probe string.
func (c *Client) Dimension(ctx context.Context) (int, error) {
	if c.dimension > 0 {
		return c.dimension, nil
	}
	v, err := c.Embed(ctx, "__memory_engine_dimension_probe__")
	if err != nil {
		return 0, err
	}
	c.dimension = len(v)
	return c.dimension, nil
}

func (c *Client) embedBatchUncached(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embeddingRequest{Model: c.model, Input: texts}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, memerr.New(memerr.Contract, "embedding", err)
	}

	var lastErr error
	attempts := c.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(200*math.Pow(2, float64(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, memerr.New(memerr.Transient, "embedding", ctx.Err())
			case <-time.After(backoff):
			}
		}

		vectors, retry, err := c.doEmbedRequest(ctx, payload, len(texts))
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		logging.Warn("embedding request failed, retrying", map[string]interface{}{
			"attempt": attempt + 1, "error": err.Error(),
		})
	}
	return nil, memerr.New(memerr.Transient, "embedding", fmt.Errorf("exhausted retries: %w", lastErr))
}

// doEmbedRequest performs a single HTTP attempt. The bool return
// indicates whether the caller should retry.
func (c *Client) doEmbedRequest(ctx context.Context, payload []byte, expected int) ([][]float32, bool, error) {
	url := c.baseURL + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, memerr.New(memerr.Contract, "embedding", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, memerr.New(memerr.Transient, "embedding", ctx.Err())
		}
		return nil, true, memerr.New(memerr.Transient, "embedding", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(body))
		if retryableStatuses[resp.StatusCode] {
			return nil, true, memerr.New(memerr.Transient, "embedding", err)
		}
		return nil, false, memerr.New(memerr.Transient, "embedding", err)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, memerr.New(memerr.Contract, "embedding", err)
	}

	vectors := make([][]float32, expected)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= expected {
			return nil, false, memerr.Newf(memerr.Contract, "embedding", "invalid embedding index %d", d.Index)
		}
		vectors[d.Index] = normalize(d.Embedding)
	}
	for i, v := range vectors {
		if v == nil {
			return nil, false, memerr.Newf(memerr.Contract, "embedding", "missing embedding for index %d", i)
		}
	}
	return vectors, false, nil
}

// normalize returns an L2-normalized copy of v. An all-zero vector is
// returned unchanged (no division by zero) with a warning, since a
// zero-magnitude response usually means the upstream model misbehaved.
func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		logging.Warn("embedding server returned a zero-magnitude vector", map[string]interface{}{
			"dimension": len(v),
		})
		return v
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
