package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
// Environment variable names mirror the operator-facing names of the
// deployment; see .env.example for the full list.
type Config struct {
	APIPort   string
	LogLevel  slog.Level
	LogFormat string
	DBPath    string

	// Generative model (OpenAI-compatible chat completions endpoint).
	LLMBaseURL      string
	LLMModelName    string
	LLMAPIKey       string
	ChatTemperature float64
	ChatTimeout     time.Duration

	// Embedding model. An empty base URL disables embeddings entirely;
	// retrieval degrades to lexical + recency.
	EmbeddingBaseURL    string
	EmbeddingModelName  string
	EmbeddingDimensions int

	// Chunking.
	ChunkTargetSize int
	ChunkMinSize    int
	ChunkMaxSize    int
	ChunkOverlap    int

	// Retrieval.
	RetrievalVectorTopK      int
	RetrievalLexicalTopK     int
	RetrievalLexicalMaxTerms int
	RetrievalRecencyTopK     int
	RetrievalMMREnabled      bool
	RetrievalMMRLambda       float64
	RetrievalMinRelevance    float64
	ScoreWeightVector        float64
	ScoreWeightLexical       float64
	ScoreWeightRecency       float64
	LLMContextBudgetChars    int
	LLMContextReserveChars   int
	CrossEncoderEnabled      bool
	CrossEncoderURL          string
	LLMRerankEnabled         bool
	QueryExpansionEnabled    bool

	// Citations.
	CitationMinOverlapScore float64
	CitationSnippetMaxChars int

	// Vector index. When the Qdrant endpoint is unset the full-scan
	// fallback over the document store is used instead.
	QdrantURL             string
	QdrantCollection      string
	VectorDistanceMetric  string
	VectorFallbackScanMax int
}

// Load reads configuration from environment variables and returns a Config.
// A .env file in the current directory or any parent (up to 5 levels) is
// loaded first; real environment variables take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		APIPort:   getEnv("API_PORT", "9000"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		DBPath:    getEnv("DB_PATH", "./data/notemind.db"),

		LLMBaseURL:   getEnv("LLM_BASE_URL", "http://localhost:8080"),
		LLMModelName: getEnv("LLM_MODEL", "Llama-3.1-8B-Instruct"),
		LLMAPIKey:    getEnv("LLM_API_KEY", "dummy-key"),

		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", ""),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL_NAME", "granite-embedding-278m-multilingual"),

		CrossEncoderURL: getEnv("CROSS_ENCODER_URL", ""),

		QdrantURL:            getEnv("QDRANT_URL", ""),
		QdrantCollection:     getEnv("QDRANT_COLLECTION", "chunks"),
		VectorDistanceMetric: getEnv("VECTOR_DISTANCE_METRIC", "COSINE"),
	}

	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	var err error
	if cfg.EmbeddingDimensions, err = getInt("EMBEDDING_DIMENSIONS", 768); err != nil {
		return nil, err
	}
	if cfg.ChunkTargetSize, err = getInt("CHUNK_TARGET_SIZE", 450); err != nil {
		return nil, err
	}
	if cfg.ChunkMinSize, err = getInt("CHUNK_MIN_SIZE", 80); err != nil {
		return nil, err
	}
	if cfg.ChunkMaxSize, err = getInt("CHUNK_MAX_SIZE", 700); err != nil {
		return nil, err
	}
	if cfg.ChunkOverlap, err = getInt("CHUNK_OVERLAP", 75); err != nil {
		return nil, err
	}
	if cfg.RetrievalVectorTopK, err = getInt("RETRIEVAL_VECTOR_TOP_K", 500); err != nil {
		return nil, err
	}
	if cfg.RetrievalLexicalTopK, err = getInt("RETRIEVAL_LEXICAL_TOP_K", 200); err != nil {
		return nil, err
	}
	if cfg.RetrievalLexicalMaxTerms, err = getInt("RETRIEVAL_LEXICAL_MAX_TERMS", 15); err != nil {
		return nil, err
	}
	if cfg.RetrievalRecencyTopK, err = getInt("RETRIEVAL_RECENCY_TOP_K", 75); err != nil {
		return nil, err
	}
	if cfg.RetrievalMMRLambda, err = getFloat("RETRIEVAL_MMR_LAMBDA", 0.65); err != nil {
		return nil, err
	}
	if cfg.RetrievalMinRelevance, err = getFloat("RETRIEVAL_MIN_RELEVANCE", 0.25); err != nil {
		return nil, err
	}
	if cfg.ScoreWeightVector, err = getFloat("SCORE_WEIGHT_VECTOR", 0.40); err != nil {
		return nil, err
	}
	if cfg.ScoreWeightLexical, err = getFloat("SCORE_WEIGHT_LEXICAL", 0.40); err != nil {
		return nil, err
	}
	if cfg.ScoreWeightRecency, err = getFloat("SCORE_WEIGHT_RECENCY", 0.10); err != nil {
		return nil, err
	}
	if cfg.LLMContextBudgetChars, err = getInt("LLM_CONTEXT_BUDGET_CHARS", 100000); err != nil {
		return nil, err
	}
	if cfg.LLMContextReserveChars, err = getInt("LLM_CONTEXT_RESERVE_CHARS", 4000); err != nil {
		return nil, err
	}
	if cfg.CitationMinOverlapScore, err = getFloat("CITATION_MIN_OVERLAP_SCORE", 0.15); err != nil {
		return nil, err
	}
	if cfg.CitationSnippetMaxChars, err = getInt("CITATION_SNIPPET_MAX_CHARS", 250); err != nil {
		return nil, err
	}
	if cfg.VectorFallbackScanMax, err = getInt("VECTOR_FALLBACK_SCAN_LIMIT", 2000); err != nil {
		return nil, err
	}
	if cfg.ChatTemperature, err = getFloat("CHAT_TEMPERATURE", 0.1); err != nil {
		return nil, err
	}
	timeoutMs, err := getInt("CHAT_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}
	cfg.ChatTimeout = time.Duration(timeoutMs) * time.Millisecond

	cfg.RetrievalMMREnabled = getBool("RETRIEVAL_MMR_ENABLED", true)
	// Enabled by default; the stage only runs once an endpoint URL is
	// also configured.
	cfg.CrossEncoderEnabled = getBool("CROSS_ENCODER_ENABLED", true)
	cfg.LLMRerankEnabled = getBool("RETRIEVAL_LLM_RERANK_ENABLED", false)
	cfg.QueryExpansionEnabled = getBool("RETRIEVAL_QUERY_EXPANSION_ENABLED", false)

	if cfg.ChunkMinSize >= cfg.ChunkMaxSize {
		return nil, fmt.Errorf("CHUNK_MIN_SIZE (%d) must be less than CHUNK_MAX_SIZE (%d)", cfg.ChunkMinSize, cfg.ChunkMaxSize)
	}
	switch cfg.VectorDistanceMetric {
	case "COSINE", "DOT_PRODUCT", "SQUARED_L2":
	default:
		return nil, fmt.Errorf("VECTOR_DISTANCE_METRIC must be one of COSINE, DOT_PRODUCT, SQUARED_L2, got %q", cfg.VectorDistanceMetric)
	}

	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// ContextBudget returns the character budget available for retrieved context.
func (c *Config) ContextBudget() int {
	return c.LLMContextBudgetChars - c.LLMContextReserveChars
}

// EmbeddingsEnabled reports whether an embedding endpoint is configured.
func (c *Config) EmbeddingsEnabled() bool {
	return c.EmbeddingBaseURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	return raw == "true" || raw == "1" || raw == "yes"
}
