package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidationCleanly(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	warnings := cfg.Validate()
	assert.Empty(t, warnings)
}

func TestValidate_ClampsTokenBudget(t *testing.T) {
	t.Parallel()

	low := DefaultConfig()
	low.RagTokenBudget = 50
	warnings := low.Validate()
	assert.Equal(t, 100, low.RagTokenBudget)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "rag_token_budget")

	high := DefaultConfig()
	high.RagTokenBudget = 99999
	high.Validate()
	assert.Equal(t, 5000, high.RagTokenBudget)
}

func TestValidate_ClampsSummaryFrequencyAndRetention(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RagSummaryFrequency = -3
	cfg.MetricsRetentionDays = 1000
	cfg.Validate()
	assert.Equal(t, 0, cfg.RagSummaryFrequency)
	assert.Equal(t, 365, cfg.MetricsRetentionDays)
}

func TestValidate_WarnsOnRerankWeightDriftWithoutCrashing(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RerankAlpha = 0.9
	cfg.RerankBeta = 0.9
	cfg.RerankGamma = 0.9

	warnings := cfg.Validate()

	var found bool
	for _, w := range warnings {
		if strings.Contains(w, "rerank weights sum") {
			found = true
		}
	}
	assert.True(t, found, "weight drift must warn, not error")
	// Individual weights are still clamped to [0,1] but the sum is not
	// renormalized.
	assert.Equal(t, 0.9, cfg.RerankAlpha)
}

func TestValidate_ResetsNonsensicalEmbeddingSettings(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EmbeddingTimeoutMS = -5
	cfg.EmbeddingRetries = -1
	cfg.EmbeddingCacheSize = 0
	cfg.Validate()
	assert.Equal(t, 30000, cfg.EmbeddingTimeoutMS)
	assert.Equal(t, 0, cfg.EmbeddingRetries)
	assert.Equal(t, 1000, cfg.EmbeddingCacheSize)
}

func TestApplyEnvOverrides_TypedParsing(t *testing.T) {
	t.Setenv("MEMORY_RAG_HYBRID", "false")
	t.Setenv("MEMORY_TOKEN_BUDGET", "750")
	t.Setenv("MEMORY_RERANK_ALPHA", "0.5")
	t.Setenv("MEMORY_EMBEDDING_MODEL", "bge-small")
	t.Setenv("MEMORY_VECTOR_INDEX_BACKEND", "qdrant")

	cfg := DefaultConfig()
	warnings := cfg.applyEnvOverrides()
	assert.Empty(t, warnings)
	assert.False(t, cfg.RagHybrid)
	assert.Equal(t, 750, cfg.RagTokenBudget)
	assert.Equal(t, 0.5, cfg.RerankAlpha)
	assert.Equal(t, "bge-small", cfg.EmbeddingModel)
	assert.Equal(t, "qdrant", cfg.VectorIndexBackend)
}

func TestApplyEnvOverrides_InvalidValuesWarnAndKeepDefaults(t *testing.T) {
	t.Setenv("MEMORY_TOKEN_BUDGET", "not-a-number")
	t.Setenv("MEMORY_RAG_CHUNKING", "maybe")

	cfg := DefaultConfig()
	warnings := cfg.applyEnvOverrides()
	assert.Len(t, warnings, 2)
	assert.Equal(t, 1000, cfg.RagTokenBudget)
	assert.True(t, cfg.RagChunking)
}

func TestApplyEnvOverrides_BlankValuesIgnored(t *testing.T) {
	t.Setenv("MEMORY_SUMMARY_FREQUENCY", "   ")

	cfg := DefaultConfig()
	warnings := cfg.applyEnvOverrides()
	assert.Empty(t, warnings)
	assert.Equal(t, 5, cfg.RagSummaryFrequency)
}

func TestExpandPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/tmp/x.db", ExpandPath("/tmp/x.db"))
	expanded := ExpandPath("~/data/x.db")
	assert.False(t, strings.HasPrefix(expanded, "~"))
	assert.True(t, strings.HasSuffix(expanded, "data/x.db"))
}
