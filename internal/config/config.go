// Package config loads and validates the typed runtime configuration for
// the memory engine: a YAML file under the user's home directory holding
// defaults, layered with environment variable overrides (a .env file is
// loaded via godotenv before the process environment is read).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir  = ".memory-engine"
	DefaultConfigFile = "config.yaml"
)

// Config is the engine's typed runtime configuration.
type Config struct {
	RagHybrid      bool `yaml:"rag_hybrid"`
	RagChunking    bool `yaml:"rag_chunking"`
	BackfillChunks bool `yaml:"backfill_chunks"`

	RagTokenBudget      int `yaml:"rag_token_budget"`
	ChunkTokenBudget    int `yaml:"chunk_token_budget"`
	RagSummaryFrequency int `yaml:"rag_summary_frequency"`

	RerankAlpha float64 `yaml:"rag_rerank_alpha"`
	RerankBeta  float64 `yaml:"rag_rerank_beta"`
	RerankGamma float64 `yaml:"rag_rerank_gamma"`

	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	MetricsRetentionDays int `yaml:"metrics_retention_days"`

	EmbeddingURL        string `yaml:"embedding_url"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	EmbeddingTimeoutMS  int    `yaml:"embedding_timeout_ms"`
	EmbeddingRetries    int    `yaml:"embedding_retries"`
	EmbeddingCacheSize  int    `yaml:"embedding_cache_size"`

	VectorIndexBackend string `yaml:"vector_index_backend"` // "local" | "qdrant"
	VectorHost         string `yaml:"vector_host"`
	VectorPort         int    `yaml:"vector_port"`

	SQLitePath string `yaml:"sqlite_path"`

	SearchQueryLoggingEnabled bool    `yaml:"search_query_logging_enabled"`
	SearchQuerySampleRate     float64 `yaml:"search_query_sample_rate"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		RagHybrid:      true,
		RagChunking:    true,
		BackfillChunks: false,

		RagTokenBudget:      1000,
		ChunkTokenBudget:    320,
		RagSummaryFrequency: 5,

		RerankAlpha: 0.6,
		RerankBeta:  0.3,
		RerankGamma: 0.1,

		SimilarityThreshold: 0.3,

		MetricsRetentionDays: 30,

		EmbeddingURL:        "http://127.0.0.1:18181",
		EmbeddingModel:      "default-embedding",
		EmbeddingDimensions: 768,
		EmbeddingTimeoutMS:  30000,
		EmbeddingRetries:    2,
		EmbeddingCacheSize:  1000,

		VectorIndexBackend: "local",
		VectorHost:         "127.0.0.1",
		VectorPort:         6334,

		SQLitePath: "~/.memory-engine/memory.db",

		SearchQueryLoggingEnabled: false,
		SearchQuerySampleRate:     0.0,
	}
}

// GetConfigPath returns the path to the user-level config file.
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads the YAML config file (creating a default one if absent),
// loads a .env file if present in the working directory, then applies
// environment variable overrides and clamps out-of-range values.
func Load() (*Config, []string, error) {
	_ = godotenv.Load() // optional .env; absence is not an error

	cfg, err := loadFile()
	if err != nil {
		return nil, nil, err
	}

	warnings := cfg.applyEnvOverrides()
	warnings = append(warnings, cfg.Validate()...)

	return cfg, warnings, nil
}

func loadFile() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if saveErr := Save(cfg); saveErr != nil {
			return cfg, nil
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to the user-level YAML config file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// envOverride applies a single env var to a field setter when present.
func envOverride(name string, set func(string) error) (applied bool, err error) {
	val, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(val) == "" {
		return false, nil
	}
	return true, set(val)
}

func (c *Config) applyEnvOverrides() []string {
	var warnings []string
	note := func(name string, err error) {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid %s: %v", name, err))
		}
	}

	if ok, err := envOverride("MEMORY_RAG_HYBRID", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.RagHybrid = b
		}
		return err
	}); ok {
		note("MEMORY_RAG_HYBRID", err)
	}
	if ok, err := envOverride("MEMORY_RAG_CHUNKING", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.RagChunking = b
		}
		return err
	}); ok {
		note("MEMORY_RAG_CHUNKING", err)
	}
	if ok, err := envOverride("MEMORY_BACKFILL_CHUNKS", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.BackfillChunks = b
		}
		return err
	}); ok {
		note("MEMORY_BACKFILL_CHUNKS", err)
	}
	if ok, err := envOverride("MEMORY_TOKEN_BUDGET", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.RagTokenBudget = n
		}
		return err
	}); ok {
		note("MEMORY_TOKEN_BUDGET", err)
	}
	if ok, err := envOverride("MEMORY_CHUNK_TOKEN_BUDGET", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.ChunkTokenBudget = n
		}
		return err
	}); ok {
		note("MEMORY_CHUNK_TOKEN_BUDGET", err)
	}
	if ok, err := envOverride("MEMORY_SUMMARY_FREQUENCY", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.RagSummaryFrequency = n
		}
		return err
	}); ok {
		note("MEMORY_SUMMARY_FREQUENCY", err)
	}
	if ok, err := envOverride("MEMORY_RERANK_ALPHA", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.RerankAlpha = f
		}
		return err
	}); ok {
		note("MEMORY_RERANK_ALPHA", err)
	}
	if ok, err := envOverride("MEMORY_RERANK_BETA", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.RerankBeta = f
		}
		return err
	}); ok {
		note("MEMORY_RERANK_BETA", err)
	}
	if ok, err := envOverride("MEMORY_RERANK_GAMMA", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.RerankGamma = f
		}
		return err
	}); ok {
		note("MEMORY_RERANK_GAMMA", err)
	}
	if ok, err := envOverride("MEMORY_METRICS_RETENTION_DAYS", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.MetricsRetentionDays = n
		}
		return err
	}); ok {
		note("MEMORY_METRICS_RETENTION_DAYS", err)
	}
	_, _ = envOverride("MEMORY_EMBEDDING_URL", func(v string) error {
		c.EmbeddingURL = v
		return nil
	})
	_, _ = envOverride("MEMORY_EMBEDDING_MODEL", func(v string) error {
		c.EmbeddingModel = v
		return nil
	})
	if ok, err := envOverride("MEMORY_EMBEDDING_TIMEOUT_MS", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.EmbeddingTimeoutMS = n
		}
		return err
	}); ok {
		note("MEMORY_EMBEDDING_TIMEOUT_MS", err)
	}
	if ok, err := envOverride("MEMORY_EMBEDDING_RETRIES", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.EmbeddingRetries = n
		}
		return err
	}); ok {
		note("MEMORY_EMBEDDING_RETRIES", err)
	}
	if ok, err := envOverride("MEMORY_EMBEDDING_CACHE_SIZE", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.EmbeddingCacheSize = n
		}
		return err
	}); ok {
		note("MEMORY_EMBEDDING_CACHE_SIZE", err)
	}
	_, _ = envOverride("MEMORY_VECTOR_INDEX_BACKEND", func(v string) error {
		c.VectorIndexBackend = v
		return nil
	})
	_, _ = envOverride("MEMORY_VECTOR_HOST", func(v string) error {
		c.VectorHost = v
		return nil
	})
	if ok, err := envOverride("MEMORY_VECTOR_PORT", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.VectorPort = n
		}
		return err
	}); ok {
		note("MEMORY_VECTOR_PORT", err)
	}
	_, _ = envOverride("MEMORY_SQLITE_PATH", func(v string) error {
		c.SQLitePath = v
		return nil
	})
	if ok, err := envOverride("MEMORY_SEARCH_QUERY_LOGGING", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.SearchQueryLoggingEnabled = b
		}
		return err
	}); ok {
		note("MEMORY_SEARCH_QUERY_LOGGING", err)
	}
	if ok, err := envOverride("MEMORY_SEARCH_QUERY_SAMPLE_RATE", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.SearchQuerySampleRate = f
		}
		return err
	}); ok {
		note("MEMORY_SEARCH_QUERY_SAMPLE_RATE", err)
	}

	return warnings
}

func clampInt(name string, v *int, lo, hi int, warnings *[]string) {
	if *v < lo {
		*warnings = append(*warnings, fmt.Sprintf("%s=%d below minimum %d, clamped", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warnings = append(*warnings, fmt.Sprintf("%s=%d above maximum %d, clamped", name, *v, hi))
		*v = hi
	}
}

func clampFloat(name string, v *float64, lo, hi float64, warnings *[]string) {
	if *v < lo {
		*warnings = append(*warnings, fmt.Sprintf("%s=%f below minimum %f, clamped", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warnings = append(*warnings, fmt.Sprintf("%s=%f above maximum %f, clamped", name, *v, hi))
		*v = hi
	}
}

// Validate clamps out-of-range values in place and returns human-readable
// warnings describing what was clamped. It never returns an error:
// configuration validation warns but does not crash.
func (c *Config) Validate() []string {
	var warnings []string

	clampInt("rag_token_budget", &c.RagTokenBudget, 100, 5000, &warnings)
	clampInt("rag_summary_frequency", &c.RagSummaryFrequency, 0, 100, &warnings)
	clampInt("metrics_retention_days", &c.MetricsRetentionDays, 1, 365, &warnings)
	if c.ChunkTokenBudget < 80 {
		warnings = append(warnings, fmt.Sprintf("chunk_token_budget=%d below minimum 80, clamped", c.ChunkTokenBudget))
		c.ChunkTokenBudget = 80
	}

	clampFloat("rag_rerank_alpha", &c.RerankAlpha, 0.0, 1.0, &warnings)
	clampFloat("rag_rerank_beta", &c.RerankBeta, 0.0, 1.0, &warnings)
	clampFloat("rag_rerank_gamma", &c.RerankGamma, 0.0, 1.0, &warnings)
	clampFloat("search_query_sample_rate", &c.SearchQuerySampleRate, 0.0, 1.0, &warnings)
	clampFloat("similarity_threshold", &c.SimilarityThreshold, 0.0, 1.0, &warnings)

	if sum := c.RerankAlpha + c.RerankBeta + c.RerankGamma; abs(sum-1.0) > 0.01 {
		warnings = append(warnings, fmt.Sprintf("rerank weights sum to %f, expected ~1.0 (not renormalized)", sum))
	}

	if c.EmbeddingTimeoutMS <= 0 {
		warnings = append(warnings, "embedding_timeout_ms must be positive, reset to default 30000")
		c.EmbeddingTimeoutMS = 30000
	}
	if c.EmbeddingRetries < 0 {
		warnings = append(warnings, "embedding_retries cannot be negative, reset to 0")
		c.EmbeddingRetries = 0
	}
	if c.EmbeddingCacheSize <= 0 {
		warnings = append(warnings, "embedding_cache_size must be positive, reset to default 1000")
		c.EmbeddingCacheSize = 1000
	}
	if c.EmbeddingDimensions < 0 {
		warnings = append(warnings, "embedding_dimensions cannot be negative, reset to 0 (auto-discover)")
		c.EmbeddingDimensions = 0
	}

	return warnings
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ExpandPath resolves a leading "~" in path to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
