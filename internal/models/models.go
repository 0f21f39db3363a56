// Package models defines the persisted record types shared across the
// memory engine: conversations, messages, chunks, summaries, profile,
// and the bookkeeping tables that back the summary lifecycle and
// retrieval metrics.
package models

import "time"

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType tags a vector-index record's origin, carried as metadata
// and used for filtered dense queries.
type ContentType string

const (
	ContentTypeMessage             ContentType = "message"
	ContentTypeMessageChunk        ContentType = "message_chunk"
	ContentTypeConversationSummary ContentType = "conversation_summary"
	ContentTypeUserProfile         ContentType = "user_profile"
	ContentTypeKnowledgeChunk      ContentType = "knowledge_chunk"
)

// ChunkKind distinguishes prose from fenced-code chunks.
type ChunkKind string

const (
	ChunkKindProse ChunkKind = "prose"
	ChunkKindCode  ChunkKind = "code"
)

// EmbeddingStatus tracks whether an item's vector has been written.
type EmbeddingStatus string

const (
	EmbeddingStatusPending EmbeddingStatus = "pending"
	EmbeddingStatusSuccess EmbeddingStatus = "success"
	EmbeddingStatusFailed  EmbeddingStatus = "failed"
)

// SummaryState is a node in the summary lifecycle state machine.
type SummaryState string

const (
	SummaryStateQueued           SummaryState = "queued"
	SummaryStateRunning          SummaryState = "running"
	SummaryStateSucceeded        SummaryState = "succeeded"
	SummaryStateFailed           SummaryState = "failed"
	SummaryStateSkippedNoConsent SummaryState = "skipped_no_consent"
)

// Conversation is the top-level container for a chat history.
type Conversation struct {
	ID          string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	TotalTokens int
	Summary     *string
	Tags        []string
}

// ToolCall and ToolResult are optional payloads carried by a Message
// when the assistant invoked or received a tool result.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolResult struct {
	ToolCallName string `json:"tool_call_name"`
	Content      string `json:"content"`
}

// Message is a single turn in a conversation.
type Message struct {
	ID              string
	ConversationID  string
	Role            Role
	Content         string
	CreatedAt       time.Time
	TokensUsed      *int
	ToolCalls       []ToolCall
	ToolResults     []ToolResult
	ModelUsed       *string
	Temperature     *float64
	CodeIdentifiers []string
	ContentHash     string
}

// MessageChunk is a prose/code span of a Message, bounded by a token
// estimate and indexed independently for retrieval.
type MessageChunk struct {
	ID              string
	ParentMessageID string
	ConversationID  string
	ChunkIndex      int
	ChunkKind       ChunkKind
	Content         string
	Language        *string
	TokenEstimate   int
	CreatedAt       time.Time
}

// ConversationSummary is the singleton per-conversation rolling summary.
type ConversationSummary struct {
	ConversationID  string
	Summary         string
	UpdatedAt       time.Time
	ContentHash     *string
	EmbeddingStatus EmbeddingStatus
	ErrorMessage    *string
}

// UserProfile is the singleton (id "default") consent-gated profile row.
type UserProfile struct {
	ID              string
	Content         string
	UpdatedAt       time.Time
	EmbeddingStatus EmbeddingStatus
	ErrorMessage    *string
}

const DefaultUserProfileID = "default"

// EmbeddingMetadata tracks per-item embedding outcome independently of
// vector-index presence.
type EmbeddingMetadata struct {
	ID              string
	MessageID       string
	ConversationID  string
	ChromaID        *string
	CreatedAt       time.Time
	EmbeddingStatus EmbeddingStatus
	ErrorMessage    *string
}

// SummaryHealth is the per-conversation rolling health row.
type SummaryHealth struct {
	ConversationID      string
	LastState           SummaryState
	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	LastError           *string
	ConsecutiveFailures int
	TotalRuns           int
	TotalSuccesses      int
	TotalFailures       int
	TotalRetries        int
	UpdatedAt           time.Time
}

// SummaryEvent is one append-only entry in the summary lifecycle log.
type SummaryEvent struct {
	ID             int64
	ConversationID string
	State          SummaryState
	Attempt        int
	ErrorMessage   *string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// SourceCounts records how many results each retrieval source
// contributed before merge.
type SourceCounts struct {
	ConversationDense int
	GlobalDense       int
	Summaries         int
	Profile           int
	FTSLexical        int
}

// Latencies records per-phase timings for one retrieval.
type Latencies struct {
	TotalMs  float64
	DenseMs  float64
	FTSMs    float64
	RerankMs float64
}

// RetrievalMetric is one row recorded per retrieval call.
type RetrievalMetric struct {
	ID               string
	Query            string
	Timestamp        time.Time
	ConversationID   *string
	Sources          SourceCounts
	Latencies        Latencies
	Top3Similarities []float64
	HybridEnabled    bool
	ChunkingEnabled  bool
}

// PreferenceValueType tags the dynamic type of a UserPreference value.
type PreferenceValueType string

const (
	PreferenceTypeString  PreferenceValueType = "string"
	PreferenceTypeNumber  PreferenceValueType = "number"
	PreferenceTypeBoolean PreferenceValueType = "boolean"
	PreferenceTypeJSON    PreferenceValueType = "json"
)

// UserPreference is a typed key-value row upserted atomically.
type UserPreference struct {
	Key       string
	ValueType PreferenceValueType
	Value     string
	UpdatedAt time.Time
}

// RetrievalResult is the record returned by the hybrid retriever and
// assembled into a memory context block.
type RetrievalResult struct {
	Message         MessageRef
	SimilarityScore float64
	ContentType     ContentType
	ParentMessageID *string
	ChunkIndex      *int
	ChunkKind       *ChunkKind
	ChunkLanguage   *string
	TokenEstimate   *int
	FTSScore        *float64
}

// MessageRef is the minimal message projection carried on a RetrievalResult.
type MessageRef struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// Stats is the summary snapshot returned by get_stats.
type Stats struct {
	Conversations     int
	Messages          int
	PendingEmbeddings int
	TotalTokens       int
	Oldest            *time.Time
	Newest            *time.Time
}
