// Package memory is the engine façade: it wires storage, embedding,
// chunking, the vector and lexical indices, the hybrid retriever, the
// context assembler, the summary lifecycle, and metrics into the single
// owned handle callers use. Every collaborator is an explicit field,
// constructed once by New and passed down, never a package-level var.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"memory-engine/internal/chunker"
	"memory-engine/internal/config"
	"memory-engine/internal/contextassembler"
	"memory-engine/internal/embedcache"
	"memory-engine/internal/embedding"
	"memory-engine/internal/lexical"
	"memory-engine/internal/logging"
	"memory-engine/internal/memerr"
	"memory-engine/internal/metrics"
	"memory-engine/internal/models"
	"memory-engine/internal/retriever"
	"memory-engine/internal/sqlstore"
	"memory-engine/internal/summary"
	"memory-engine/internal/vectorindex"
	"memory-engine/internal/vectorindex/localindex"
	"memory-engine/internal/vectorindex/qdrantindex"
)

const consentPreferenceKey = "profile_consent_granted"

// Engine is the owned handle exposing the memory API surface to
// callers (HTTP handlers, the chat UI, the CLI).
type Engine struct {
	cfg       *config.Config
	store     *sqlstore.Store
	index     vectorindex.Index
	embedder  *embedding.Client
	retriever *retriever.Retriever
	assembler *contextassembler.Assembler
	lifecycle *summary.Lifecycle
	ops       *metrics.Ops
	recorder  *metrics.Recorder
}

// Summarizer is supplied by the caller (the out-of-scope LLM client)
// to produce summary text for a conversation's messages.
type Summarizer = summary.Summarizer

// New constructs an Engine: opens the SQL store, opens the configured
// vector-index backend, constructs the embedding client, and wires the
// retriever/assembler/lifecycle/metrics stack over them.
func New(cfg *config.Config, summarize Summarizer) (*Engine, error) {
	store, err := sqlstore.Open(config.ExpandPath(cfg.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlstore: %w", err)
	}

	index, err := openIndex(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	embedder, err := embedding.New(embedding.Opts{
		BaseURL:    cfg.EmbeddingURL,
		Model:      cfg.EmbeddingModel,
		TimeoutMS:  cfg.EmbeddingTimeoutMS,
		MaxRetries: cfg.EmbeddingRetries,
		CacheSize:  cfg.EmbeddingCacheSize,
	})
	if err != nil {
		store.Close()
		index.Close()
		return nil, fmt.Errorf("constructing embedding client: %w", err)
	}

	ops := metrics.NewOps()
	recorder := metrics.NewRecorder(store, ops)

	e := &Engine{
		cfg:       cfg,
		store:     store,
		index:     index,
		embedder:  embedder,
		assembler: contextassembler.New(cfg),
		ops:       ops,
		recorder:  recorder,
	}
	e.retriever = retriever.New(store, index, embedder, cfg, recorder)
	e.lifecycle = summary.New(store, summarize, e, e.consentFn)
	e.applyRuntimePreferences(context.Background())

	if err := index.EnsureCollection(context.Background(), vectorindex.CollectionMeta{
		Name:           "memory",
		Metric:         vectorindex.Metric,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimensions,
	}); err != nil {
		store.Close()
		index.Close()
		return nil, fmt.Errorf("ensuring vector collection: %w", err)
	}

	return e, nil
}

func openIndex(cfg *config.Config) (vectorindex.Index, error) {
	switch cfg.VectorIndexBackend {
	case "qdrant":
		return qdrantindex.Dial(cfg.VectorHost, cfg.VectorPort, "memory", cfg.SimilarityThreshold)
	default:
		return localindex.Open(config.ExpandPath("~/.memory-engine/vectors"), cfg.SimilarityThreshold)
	}
}

// Close releases the store and vector index handles.
func (e *Engine) Close() error {
	e.store.Close()
	return e.index.Close()
}

// CreateConversation creates a new conversation row.
func (e *Engine) CreateConversation(ctx context.Context, title string, tags []string) (*models.Conversation, error) {
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      tags,
	}
	if err := e.store.CreateConversation(ctx, c); err != nil {
		e.ops.RecordFailure(metrics.CategoryStorage, "memory.CreateConversation", err.Error())
		return nil, err
	}
	e.ops.RecordSuccess(metrics.CategoryStorage)
	return c, nil
}

// MessageMetadata carries the optional fields save_message accepts.
type MessageMetadata struct {
	TokensUsed  *int
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	ModelUsed   *string
	Temperature *float64
}

// SaveMessage persists a message, updates FTS (via trigger), chunks it
// when rag_chunking is enabled, and embeds and upserts the message (and
// any chunks) into the vector index. It does not schedule summaries;
// callers invoke MaybeScheduleSummary after saving. Re-ingesting
// content whose hash already exists in the conversation under the same
// role returns the existing row without writing anything, so ingestion
// is idempotent at the storage layer. Unlike retrieval, ingestion
// returns its errors: callers decide whether to retry.
func (e *Engine) SaveMessage(ctx context.Context, conversationID string, role models.Role, content string, meta MessageMetadata) (*models.Message, error) {
	contentHash := embedcache.HashContent(content)
	if existing, err := e.store.FindMessageByHash(ctx, conversationID, role, contentHash); err != nil {
		e.ops.RecordFailure(metrics.CategoryStorage, "memory.SaveMessage", err.Error())
		return nil, err
	} else if existing != nil {
		logging.Debug("identical content already ingested, skipping", map[string]interface{}{
			"conversation_id": conversationID, "message_id": existing.ID,
		})
		return existing, nil
	}

	now := time.Now().UTC()
	m := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		Role:            role,
		Content:         content,
		CreatedAt:       now,
		TokensUsed:      meta.TokensUsed,
		ToolCalls:       meta.ToolCalls,
		ToolResults:     meta.ToolResults,
		ModelUsed:       meta.ModelUsed,
		Temperature:     meta.Temperature,
		CodeIdentifiers: setToSlice(lexical.ExtractCodeIdentifiers(content)),
		ContentHash:     contentHash,
	}

	if err := e.store.SaveMessage(ctx, m); err != nil {
		e.ops.RecordFailure(metrics.CategoryStorage, "memory.SaveMessage", err.Error())
		return nil, err
	}
	addTokens := 0
	if m.TokensUsed != nil {
		addTokens = *m.TokensUsed
	}
	if err := e.store.TouchConversation(ctx, conversationID, addTokens, now); err != nil {
		return nil, err
	}

	em := &models.EmbeddingMetadata{
		ID: uuid.NewString(), MessageID: m.ID, ConversationID: conversationID,
		CreatedAt: now, EmbeddingStatus: models.EmbeddingStatusPending,
	}
	if err := e.store.InsertEmbeddingMetadata(ctx, em); err != nil {
		return nil, err
	}

	var chunks []*models.MessageChunk
	if role != models.RoleSystem && e.cfg.RagChunking {
		drafts := chunker.Chunk(content, e.cfg.ChunkTokenBudget)
		var err error
		chunks, err = e.store.ReplaceMessageChunks(ctx, m.ID, conversationID, drafts, now)
		if err != nil {
			return nil, err
		}
	}

	if role != models.RoleSystem {
		if err := e.embedAndUpsertMessage(ctx, m, chunks); err != nil {
			logging.Error("embedding upsert failed after message commit", map[string]interface{}{
				"message_id": m.ID, "error": err.Error(),
			})
			_ = e.store.UpdateEmbeddingStatus(ctx, m.ID, models.EmbeddingStatusFailed, nil, strPtr(err.Error()))
			e.ops.RecordFailure(metrics.CategoryEmbedding, "memory.SaveMessage", err.Error())
			return m, memerr.New(memerr.Transient, "memory", err)
		}
		_ = e.store.UpdateEmbeddingStatus(ctx, m.ID, models.EmbeddingStatusSuccess, strPtr(m.ID), nil)
		e.ops.RecordSuccess(metrics.CategoryEmbedding)
	}

	return m, nil
}

func (e *Engine) embedAndUpsertMessage(ctx context.Context, m *models.Message, chunks []*models.MessageChunk) error {
	vec, err := e.embedder.Embed(ctx, m.Content)
	if err != nil {
		return err
	}
	record := vectorindex.Record{
		ID:       m.ID,
		Vector:   vec,
		Document: m.Content,
		Metadata: map[string]string{
			"conversation_id": m.ConversationID,
			"role":            string(m.Role),
			"created_at":      m.CreatedAt.Format(time.RFC3339Nano),
			"content_type":    string(models.ContentTypeMessage),
		},
	}
	records := []vectorindex.Record{record}

	for _, c := range chunks {
		cvec, err := e.embedder.Embed(ctx, c.Content)
		if err != nil {
			return err
		}
		meta := map[string]string{
			"conversation_id":   c.ConversationID,
			"content_type":      string(models.ContentTypeMessageChunk),
			"parent_message_id": c.ParentMessageID,
			"chunk_index":       fmt.Sprintf("%d", c.ChunkIndex),
			"chunk_kind":        string(c.ChunkKind),
			"token_estimate":    fmt.Sprintf("%d", c.TokenEstimate),
		}
		if c.Language != nil {
			meta["chunk_language"] = *c.Language
		}
		records = append(records, vectorindex.Record{ID: c.ID, Vector: cvec, Document: c.Content, Metadata: meta})
	}

	return e.index.Add(ctx, records)
}

// GetConversationMessages returns a conversation's messages.
func (e *Engine) GetConversationMessages(ctx context.Context, conversationID, order string, limit int) ([]*models.Message, error) {
	return e.store.GetConversationMessages(ctx, conversationID, order, limit)
}

// GetMessage fetches a single message.
func (e *Engine) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return e.store.GetMessage(ctx, id)
}

// AugmentResult is returned by AugmentWithMemory.
type AugmentResult struct {
	Retrieved            []models.RetrievalResult
	EnhancedSystemPrompt string
}

// AugmentWithMemory retrieves relevant memory for query and folds it
// into a system prompt addendum.
func (e *Engine) AugmentWithMemory(ctx context.Context, query string, topK int, conversationID *string, includeProfile bool) (AugmentResult, error) {
	results := e.RetrieveSimilarMessages(ctx, query, topK, conversationID, includeProfile)
	block := e.BuildMemoryContextBlock(results, query)
	return AugmentResult{Retrieved: results, EnhancedSystemPrompt: block}, nil
}

// BuildMemoryContextBlock assembles results into a token-budgeted block.
func (e *Engine) BuildMemoryContextBlock(results []models.RetrievalResult, query string) string {
	return e.assembler.Assemble(results, query, e.cfg.RagTokenBudget)
}

// RetrieveSimilarMessages runs the hybrid retriever. Never returns an
// error to the caller: failures degrade to an empty slice.
func (e *Engine) RetrieveSimilarMessages(ctx context.Context, query string, topK int, conversationID *string, includeProfile bool) []models.RetrievalResult {
	consent, _ := e.IsProfileConsentGranted(ctx)
	return e.retriever.Retrieve(ctx, query, retriever.Options{
		TopK:           topK,
		ConversationID: conversationID,
		IncludeProfile: includeProfile,
		ProfileConsent: consent,
	})
}

// UpsertConversationSummaryEmbedding writes summary text and (re)embeds
// it into the vector index under a stable "summary_<id>" id, replacing
// any existing embedding (idempotent: calling this twice leaves exactly
// one row under that id).
func (e *Engine) UpsertConversationSummaryEmbedding(ctx context.Context, conversationID, summaryText string) error {
	now := time.Now().UTC()
	if err := e.store.UpsertConversationSummary(ctx, conversationID, summaryText, nil, now); err != nil {
		return err
	}
	return e.EmbedAndUpsertSummary(ctx, conversationID, summaryText)
}

// EmbedAndUpsertSummary implements summary.Embedder: it embeds
// summaryText and upserts it under the stable summary_<id> vector id,
// recording the outcome on the summary's embedding_status.
func (e *Engine) EmbedAndUpsertSummary(ctx context.Context, conversationID, summaryText string) error {
	id := "summary_" + conversationID
	vec, err := e.embedder.Embed(ctx, summaryText)
	if err != nil {
		_ = e.store.SetSummaryEmbeddingStatus(ctx, conversationID, models.EmbeddingStatusFailed, strPtr(err.Error()))
		return err
	}
	if err := e.index.Delete(ctx, []string{id}); err != nil {
		logging.Debug("summary embedding delete-before-add found nothing to delete", map[string]interface{}{"id": id})
	}
	record := vectorindex.Record{
		ID: id, Vector: vec, Document: summaryText,
		Metadata: map[string]string{
			"conversation_id": conversationID,
			"content_type":    string(models.ContentTypeConversationSummary),
		},
	}
	if err := e.index.Add(ctx, []vectorindex.Record{record}); err != nil {
		_ = e.store.SetSummaryEmbeddingStatus(ctx, conversationID, models.EmbeddingStatusFailed, strPtr(err.Error()))
		return err
	}
	return e.store.SetSummaryEmbeddingStatus(ctx, conversationID, models.EmbeddingStatusSuccess, nil)
}

// UpsertUserProfileEmbedding writes and embeds the singleton user
// profile. It does not check the consent preference; retrieval applies
// the consent gate when deciding whether to surface the profile.
func (e *Engine) UpsertUserProfileEmbedding(ctx context.Context, profileText string) error {
	now := time.Now().UTC()
	if err := e.store.UpsertUserProfile(ctx, profileText, now); err != nil {
		return err
	}
	vec, err := e.embedder.Embed(ctx, profileText)
	if err != nil {
		_ = e.store.SetProfileEmbeddingStatus(ctx, models.EmbeddingStatusFailed, strPtr(err.Error()))
		return err
	}
	id := "profile_" + models.DefaultUserProfileID
	_ = e.index.Delete(ctx, []string{id})
	record := vectorindex.Record{
		ID: id, Vector: vec, Document: profileText,
		Metadata: map[string]string{"content_type": string(models.ContentTypeUserProfile)},
	}
	if err := e.index.Add(ctx, []vectorindex.Record{record}); err != nil {
		_ = e.store.SetProfileEmbeddingStatus(ctx, models.EmbeddingStatusFailed, strPtr(err.Error()))
		return err
	}
	return e.store.SetProfileEmbeddingStatus(ctx, models.EmbeddingStatusSuccess, nil)
}

// DeleteUserProfileEmbedding removes the profile's vector entry only;
// the SQL row (and consent setting) are untouched.
func (e *Engine) DeleteUserProfileEmbedding(ctx context.Context) error {
	return e.index.Delete(ctx, []string{"profile_" + models.DefaultUserProfileID})
}

// SetProfileConsent persists the consent preference.
func (e *Engine) SetProfileConsent(ctx context.Context, granted bool) error {
	val := "false"
	if granted {
		val = "true"
	}
	return e.store.UpsertPreference(ctx, &models.UserPreference{
		Key: consentPreferenceKey, ValueType: models.PreferenceTypeBoolean, Value: val, UpdatedAt: time.Now().UTC(),
	})
}

// IsProfileConsentGranted reports the current consent preference,
// defaulting to false when never set.
func (e *Engine) IsProfileConsentGranted(ctx context.Context) (bool, error) {
	granted, _, err := e.store.GetBoolPreference(ctx, consentPreferenceKey, false)
	return granted, err
}

func (e *Engine) consentFn(ctx context.Context) (bool, error) {
	return e.IsProfileConsentGranted(ctx)
}

// MaybeScheduleSummary runs a synchronous summary attempt when the
// conversation's assistant-message count crosses rag_summary_frequency.
// Callers that want background scheduling should call this from a
// worker rather than inline with SaveMessage.
func (e *Engine) MaybeScheduleSummary(ctx context.Context, conversationID string) error {
	count, err := e.store.CountAssistantMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if !summary.ShouldSchedule(count, e.cfg.RagSummaryFrequency) {
		return nil
	}
	messages, err := e.store.GetConversationMessages(ctx, conversationID, "asc", 0)
	if err != nil {
		return err
	}
	return e.lifecycle.Run(ctx, conversationID, messages)
}

// BackfillChunks chunks and indexes user/assistant messages that were
// ingested while chunking was disabled. It processes every message with
// no chunk rows, continuing past per-message embedding failures (each is
// recorded on the message's embedding_metadata), and returns how many
// messages were backfilled. Gated on cfg.BackfillChunks by callers.
func (e *Engine) BackfillChunks(ctx context.Context) (int, error) {
	pending, err := e.store.GetMessagesWithoutChunks(ctx, 0)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, m := range pending {
		drafts := chunker.Chunk(m.Content, e.cfg.ChunkTokenBudget)
		if len(drafts) < 2 {
			// A single-chunk message gains nothing over its already
			// indexed message-level vector.
			continue
		}
		chunks, err := e.store.ReplaceMessageChunks(ctx, m.ID, m.ConversationID, drafts, time.Now().UTC())
		if err != nil {
			return done, err
		}
		if err := e.embedAndUpsertMessage(ctx, m, chunks); err != nil {
			logging.Warn("chunk backfill embedding failed", map[string]interface{}{
				"message_id": m.ID, "error": err.Error(),
			})
			_ = e.store.UpdateEmbeddingStatus(ctx, m.ID, models.EmbeddingStatusFailed, nil, strPtr(err.Error()))
			e.ops.RecordFailure(metrics.CategoryEmbedding, "memory.BackfillChunks", err.Error())
			continue
		}
		_ = e.store.UpdateEmbeddingStatus(ctx, m.ID, models.EmbeddingStatusSuccess, strPtr(m.ID), nil)
		done++
	}
	return done, nil
}

// GetStats returns the get_stats() snapshot.
func (e *Engine) GetStats(ctx context.Context) (*models.Stats, error) {
	return e.store.Stats(ctx)
}

// Ops exposes the ops counters for CLI/diagnostic surfaces.
func (e *Engine) Ops() *metrics.Ops { return e.ops }

// Lifecycle exposes the summary lifecycle for CLI/diagnostic surfaces.
func (e *Engine) Lifecycle() *summary.Lifecycle { return e.lifecycle }

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func strPtr(s string) *string { return &s }
