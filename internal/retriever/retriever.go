// Package retriever implements the hybrid dense+lexical retrieval
// pipeline: parallel dense and FTS search, dedup, deterministic
// weighted rerank, and multi-source merge with summary and profile
// hits.
package retriever

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"memory-engine/internal/config"
	"memory-engine/internal/lexical"
	"memory-engine/internal/logging"
	"memory-engine/internal/models"
	"memory-engine/internal/sqlstore"
	"memory-engine/internal/vectorindex"
)

// Embedder is the subset of the embedding client the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever orchestrates the engine's read path.
type Retriever struct {
	store    *sqlstore.Store
	index    vectorindex.Index
	embedder Embedder
	cfg      *config.Config
	metrics  MetricsRecorder
}

// MetricsRecorder is implemented by internal/metrics; kept as an
// interface here so the retriever never depends on how metrics are
// stored or aggregated.
type MetricsRecorder interface {
	RecordRetrieval(ctx context.Context, m *models.RetrievalMetric)
	RecordFailure(category, source, message string)
}

// New constructs a Retriever over the given storage and index handles.
func New(store *sqlstore.Store, index vectorindex.Index, embedder Embedder, cfg *config.Config, metrics MetricsRecorder) *Retriever {
	return &Retriever{store: store, index: index, embedder: embedder, cfg: cfg, metrics: metrics}
}

// Options configures one Retrieve call.
type Options struct {
	TopK           int
	ConversationID *string
	IncludeProfile bool
	ProfileConsent bool
}

// scored is an internal working record carrying both score components
// needed for rerank, before being reduced to a models.RetrievalResult.
type scored struct {
	result     models.RetrievalResult
	denseScore float64
	bm25       float64
	codeMatch  float64
	order      int // original source ordering, for a stable tie-break
}

// Retrieve runs the full hybrid read path. It never returns an error to
// the caller: any internal failure is logged, counted, and surfaces as
// an empty result list.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) []models.RetrievalResult {
	start := time.Now()
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	if query == "" {
		r.recordMetric(ctx, query, opts, models.SourceCounts{}, models.Latencies{TotalMs: sinceMs(start)}, nil)
		return nil
	}

	results, sources, latencies, err := r.retrieveInternal(ctx, query, opts)
	latencies.TotalMs = sinceMs(start)
	if err != nil {
		logging.Error("retrieval failed", map[string]interface{}{"error": err.Error(), "query": query})
		if r.metrics != nil {
			r.metrics.RecordFailure("retrieval", "retriever", err.Error())
		}
		r.recordMetric(ctx, query, opts, models.SourceCounts{}, latencies, nil)
		return nil
	}

	r.recordMetric(ctx, query, opts, sources, latencies, top3(results))
	return results
}

func (r *Retriever) retrieveInternal(ctx context.Context, query string, opts Options) ([]models.RetrievalResult, models.SourceCounts, models.Latencies, error) {
	scope := opts.ConversationID
	if scope != nil {
		has, err := r.store.HasIndexedMessages(ctx, *scope)
		if err != nil {
			return nil, models.SourceCounts{}, models.Latencies{}, err
		}
		if !has {
			scope = nil // conversation has nothing indexed; fall back to global
		}
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, models.SourceCounts{}, models.Latencies{}, err
	}

	var (
		denseStart = time.Now()
		denseHits  []vectorindex.Result
		denseErr   error
		ftsStart   = time.Now()
		ftsMsgHits []sqlstore.FTSMessageHit
		ftsChkHits []sqlstore.FTSChunkHit
		ftsErr     error
	)

	overFetch := opts.TopK * 2

	if r.cfg.RagHybrid {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			denseHits, denseErr = r.denseSearch(ctx, queryVec, overFetch, scope)
		}()
		go func() {
			defer wg.Done()
			ftsMsgHits, ftsChkHits, ftsErr = r.ftsSearch(ctx, query, overFetch, scope)
		}()
		wg.Wait()
		if ftsErr != nil {
			// FTS unavailability degrades hybrid to dense-only for this query.
			logging.Warn("fts search unavailable, degrading to dense-only", map[string]interface{}{"error": ftsErr.Error()})
			ftsMsgHits, ftsChkHits = nil, nil
		}
	} else {
		denseHits, denseErr = r.denseSearch(ctx, queryVec, overFetch, scope)
		if denseErr == nil && len(denseHits) == 0 && scope != nil {
			denseHits, denseErr = r.denseSearch(ctx, queryVec, overFetch, nil)
		}
	}
	denseMs := sinceMs(denseStart)
	ftsMs := sinceMs(ftsStart)
	if !r.cfg.RagHybrid {
		ftsMs = 0
	}
	if denseErr != nil {
		return nil, models.SourceCounts{}, models.Latencies{}, denseErr
	}

	// Summary and profile vectors share the collection with messages;
	// they are only reachable through their consent- and status-gated
	// sources below, never through the plain message search.
	denseHits = messageHitsOnly(denseHits)

	rerankStart := time.Now()
	queryIdents := lexical.ExtractCodeIdentifiers(query)
	merged := r.dedupeAndRerank(denseHits, ftsMsgHits, ftsChkHits, queryIdents)
	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}
	rerankMs := sinceMs(rerankStart)

	sources := models.SourceCounts{FTSLexical: len(ftsMsgHits) + len(ftsChkHits)}
	if scope != nil {
		sources.ConversationDense = len(denseHits)
	} else {
		sources.GlobalDense = len(denseHits)
	}

	summaryResult := r.summarySource(ctx, opts, queryVec)
	if summaryResult != nil {
		sources.Summaries = 1
		merged = append(merged, *summaryResult)
	}
	profileResult := r.profileSource(ctx, opts, queryVec)
	if profileResult != nil {
		sources.Profile = 1
		merged = append(merged, *profileResult)
	}

	final := dedupeByIDKeepMaxSimilarity(merged)

	latencies := models.Latencies{DenseMs: denseMs, FTSMs: ftsMs, RerankMs: rerankMs}
	return final, sources, latencies, nil
}

// messageHitsOnly drops dense hits tagged as summary or profile
// content from the message search results.
func messageHitsOnly(hits []vectorindex.Result) []vectorindex.Result {
	out := hits[:0]
	for _, h := range hits {
		switch models.ContentType(h.Metadata["content_type"]) {
		case models.ContentTypeConversationSummary, models.ContentTypeUserProfile:
			continue
		default:
			out = append(out, h)
		}
	}
	return out
}

func (r *Retriever) denseSearch(ctx context.Context, vec []float32, k int, conversationID *string) ([]vectorindex.Result, error) {
	where := vectorindex.Where{}
	if conversationID != nil {
		where["conversation_id"] = *conversationID
	}
	return r.index.Query(ctx, vec, k, where)
}

func (r *Retriever) ftsSearch(ctx context.Context, query string, limit int, conversationID *string) ([]sqlstore.FTSMessageHit, []sqlstore.FTSChunkHit, error) {
	matchQuery := lexical.BuildMatchQuery(query)
	if matchQuery == "" {
		return nil, nil, nil
	}
	msgHits, err := r.store.SearchMessagesFTS(ctx, matchQuery, conversationID, limit)
	if err != nil {
		return nil, nil, err
	}
	var chunkHits []sqlstore.FTSChunkHit
	if r.cfg.RagChunking {
		chunkHits, err = r.store.SearchChunksFTS(ctx, matchQuery, conversationID, limit)
		if err != nil {
			return nil, nil, err
		}
	}
	return msgHits, chunkHits, nil
}

// dedupeAndRerank unions dense and FTS hits by id, keeping the best
// score per source per id, and computes the weighted final score
// alpha*dense + beta*bm25norm + gamma*codeMatch.
func (r *Retriever) dedupeAndRerank(dense []vectorindex.Result, ftsMsg []sqlstore.FTSMessageHit, ftsChunk []sqlstore.FTSChunkHit, queryIdents map[string]bool) []models.RetrievalResult {
	byID := make(map[string]*scored)
	order := 0

	nextOrder := func() int {
		o := order
		order++
		return o
	}

	for _, d := range dense {
		id := d.ID
		content := d.Document
		s := getOrInit(byID, id, content, d.Metadata, nextOrder())
		if d.Similarity > s.denseScore {
			s.denseScore = d.Similarity
		}
	}

	for _, f := range ftsMsg {
		s := getOrInit(byID, f.MessageID, f.Content, map[string]string{
			"conversation_id": f.ConversationID,
			"role":            f.Role,
			"content_type":    string(models.ContentTypeMessage),
			"created_at":      f.CreatedAt.Format(time.RFC3339Nano),
		}, nextOrder())
		norm := lexical.NormalizeBM25(f.BM25)
		if norm > s.bm25 {
			s.bm25 = norm
			s.result.FTSScore = floatPtr(f.BM25)
		}
	}

	for _, c := range ftsChunk {
		meta := map[string]string{
			"conversation_id":   c.ConversationID,
			"content_type":      string(models.ContentTypeMessageChunk),
			"parent_message_id": c.ParentMessageID,
			"chunk_kind":        c.ChunkKind,
		}
		if c.Language != nil {
			meta["chunk_language"] = *c.Language
		}
		s := getOrInit(byID, c.ChunkID, c.Content, meta, nextOrder())
		s.result.ChunkIndex = intPtr(c.ChunkIndex)
		s.result.TokenEstimate = intPtr(c.TokenEstimate)
		norm := lexical.NormalizeBM25(c.BM25)
		if norm > s.bm25 {
			s.bm25 = norm
			s.result.FTSScore = floatPtr(c.BM25)
		}
	}

	ranked := make([]*scored, 0, len(byID))
	for _, s := range byID {
		candidateIdents := lexical.ExtractCodeIdentifiers(s.result.Message.Content)
		if lexical.Intersects(queryIdents, candidateIdents) {
			s.codeMatch = 1
		}
		alpha, beta, gamma := r.cfg.RerankAlpha, r.cfg.RerankBeta, r.cfg.RerankGamma
		s.result.SimilarityScore = alpha*s.denseScore + beta*s.bm25 + gamma*s.codeMatch
		ranked = append(ranked, s)
	}

	// Deterministic merge: score descending, ties broken by original
	// source ordering, then id.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].result.SimilarityScore != ranked[j].result.SimilarityScore {
			return ranked[i].result.SimilarityScore > ranked[j].result.SimilarityScore
		}
		if ranked[i].order != ranked[j].order {
			return ranked[i].order < ranked[j].order
		}
		return ranked[i].result.Message.ID < ranked[j].result.Message.ID
	})

	out := make([]models.RetrievalResult, len(ranked))
	for i, s := range ranked {
		out[i] = s.result
	}
	return out
}

func getOrInit(byID map[string]*scored, id, content string, meta map[string]string, order int) *scored {
	if s, ok := byID[id]; ok {
		return s
	}
	s := &scored{
		result: models.RetrievalResult{
			Message:     decodeMessageRef(id, content, meta),
			ContentType: decodeContentType(meta),
		},
		order: order,
	}
	if pid, ok := meta["parent_message_id"]; ok && pid != "" {
		s.result.ParentMessageID = &pid
	}
	if kind, ok := meta["chunk_kind"]; ok && kind != "" {
		k := models.ChunkKind(kind)
		s.result.ChunkKind = &k
	}
	if lang, ok := meta["chunk_language"]; ok && lang != "" {
		s.result.ChunkLanguage = &lang
	}
	if idx, ok := meta["chunk_index"]; ok {
		if n, err := strconv.Atoi(idx); err == nil {
			s.result.ChunkIndex = &n
		}
	}
	if est, ok := meta["token_estimate"]; ok {
		if n, err := strconv.Atoi(est); err == nil {
			s.result.TokenEstimate = &n
		}
	}
	byID[id] = s
	return s
}

func decodeMessageRef(id, content string, meta map[string]string) models.MessageRef {
	ref := models.MessageRef{ID: id, Content: content}
	ref.ConversationID = meta["conversation_id"]
	ref.Role = models.Role(meta["role"])
	if created, ok := meta["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ref.CreatedAt = t
		}
	}
	return ref
}

// decodeContentType degrades any unrecognized content_type tag to
// Message.
func decodeContentType(meta map[string]string) models.ContentType {
	switch models.ContentType(meta["content_type"]) {
	case models.ContentTypeMessageChunk:
		return models.ContentTypeMessageChunk
	case models.ContentTypeConversationSummary:
		return models.ContentTypeConversationSummary
	case models.ContentTypeUserProfile:
		return models.ContentTypeUserProfile
	case models.ContentTypeKnowledgeChunk:
		return models.ContentTypeKnowledgeChunk
	default:
		return models.ContentTypeMessage
	}
}

func (r *Retriever) summarySource(ctx context.Context, opts Options, queryVec []float32) *models.RetrievalResult {
	if opts.ConversationID == nil {
		return nil
	}
	summary, err := r.store.GetConversationSummary(ctx, *opts.ConversationID)
	if err != nil || summary == nil || summary.EmbeddingStatus != models.EmbeddingStatusSuccess {
		return nil
	}
	hits, err := r.index.Query(ctx, queryVec, 1, vectorindex.Where{
		"content_type":    string(models.ContentTypeConversationSummary),
		"conversation_id": *opts.ConversationID,
	})
	if err != nil || len(hits) == 0 {
		return nil
	}
	h := hits[0]
	return &models.RetrievalResult{
		Message: models.MessageRef{
			ID:             h.ID,
			ConversationID: *opts.ConversationID,
			Content:        h.Document,
		},
		SimilarityScore: h.Similarity,
		ContentType:     models.ContentTypeConversationSummary,
	}
}

func (r *Retriever) profileSource(ctx context.Context, opts Options, queryVec []float32) *models.RetrievalResult {
	if !opts.IncludeProfile || !opts.ProfileConsent {
		return nil
	}
	profile, err := r.store.GetUserProfile(ctx)
	if err != nil || profile == nil || profile.EmbeddingStatus != models.EmbeddingStatusSuccess {
		return nil
	}
	hits, err := r.index.Query(ctx, queryVec, 1, vectorindex.Where{"content_type": string(models.ContentTypeUserProfile)})
	if err != nil || len(hits) == 0 {
		return nil
	}
	h := hits[0]
	return &models.RetrievalResult{
		Message: models.MessageRef{
			ID:      h.ID,
			Content: h.Document,
		},
		SimilarityScore: h.Similarity,
		ContentType:     models.ContentTypeUserProfile,
	}
}

// dedupeByIDKeepMaxSimilarity reduces the merged list to unique ids,
// each kept with its maximum similarity; stable tie-break by insertion
// order when scores tie.
func dedupeByIDKeepMaxSimilarity(in []models.RetrievalResult) []models.RetrievalResult {
	best := make(map[string]int, len(in))
	out := make([]models.RetrievalResult, 0, len(in))
	for _, r := range in {
		if idx, ok := best[r.Message.ID]; ok {
			if r.SimilarityScore > out[idx].SimilarityScore {
				out[idx] = r
			}
			continue
		}
		best[r.Message.ID] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SimilarityScore > out[j].SimilarityScore })
	return out
}

func (r *Retriever) recordMetric(ctx context.Context, query string, opts Options, sources models.SourceCounts, latencies models.Latencies, top3sims []float64) {
	if r.cfg.SearchQueryLoggingEnabled && rand.Float64() < r.cfg.SearchQuerySampleRate {
		logging.Info("search query sampled", map[string]interface{}{
			"query": query, "total_ms": latencies.TotalMs,
		})
	}
	if r.metrics == nil {
		return
	}
	m := &models.RetrievalMetric{
		ID:               uuid.NewString(),
		Query:            query,
		Timestamp:        time.Now().UTC(),
		ConversationID:   opts.ConversationID,
		Sources:          sources,
		Latencies:        latencies,
		Top3Similarities: top3sims,
		HybridEnabled:    r.cfg.RagHybrid,
		ChunkingEnabled:  r.cfg.RagChunking,
	}
	r.metrics.RecordRetrieval(ctx, m)
}

func top3(results []models.RetrievalResult) []float64 {
	n := len(results)
	if n > 3 {
		n = 3
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = results[i].SimilarityScore
	}
	return out
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
