// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database and upload paths, vector-store
// and model endpoints, ingestion tuning, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-rag-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-rag-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ChromaConfig defines how to reach the Chroma vector store.
type ChromaConfig struct {
	URL     string        // base URL, e.g. "http://localhost:8000"
	Timeout time.Duration // per-request HTTP timeout
}

// ModelConfig defines the OpenAI-compatible embedding and completion services.
type ModelConfig struct {
	EmbeddingBaseURL string // EMBEDDING_BASE_URL
	EmbeddingAPIKey  string // EMBEDDING_API_KEY
	EmbeddingModel   string // e.g. "text-embedding-v4"
	EmbeddingDim     int    // vector dimensionality

	LLMBaseURL string // LLM_BASE_URL
	LLMAPIKey  string // LLM_API_KEY
	LLMModel   string // e.g. "deepseek-chat"
}

// IngestConfig tunes the document ingestion pipeline.
type IngestConfig struct {
	ChunkSize    int // target chunk length in characters
	ChunkOverlap int // overlap between consecutive chunks
	Workers      int // background worker pool size
	UploadDir    string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// App
	DBPath        string        // SQLite path
	APIBasePath   string        // base path for API routes
	TopK          int           // retrieved chunks per query
	HistoryLimit  int           // prior messages included in the prompt
	StreamTimeout time.Duration // upper bound on one model call
	TokenDelay    time.Duration // pacing between emitted tokens

	Chroma ChromaConfig
	Models ModelConfig
	Ingest IngestConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0), // 0: no deadline; SSE streams outlive fixed write timeouts
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:        getenv("DB_PATH", "app.db"),
		APIBasePath:   normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		TopK:          getint("RAG_TOP_K", 3),
		HistoryLimit:  getint("HISTORY_LIMIT", 7),
		StreamTimeout: getdur("STREAM_TIMEOUT", 180*time.Second),
		TokenDelay:    getdur("TOKEN_DELAY", 20*time.Millisecond),

		Chroma: ChromaConfig{
			URL:     getenv("CHROMA_URL", "http://localhost:8000"),
			Timeout: getdur("CHROMA_TIMEOUT", 15*time.Second),
		},
		Models: ModelConfig{
			EmbeddingBaseURL: getenv("EMBEDDING_BASE_URL", "http://localhost:11434/v1"),
			EmbeddingAPIKey:  sysutil.FirstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), os.Getenv("OPENAI_API_KEY"), "none"),
			EmbeddingModel:   getenv("EMBEDDING_MODEL", "text-embedding-v4"),
			EmbeddingDim:     getint("EMBEDDING_DIM", 1024),
			LLMBaseURL:       getenv("LLM_BASE_URL", "http://localhost:11434/v1"),
			LLMAPIKey:        sysutil.FirstNonEmpty(os.Getenv("LLM_API_KEY"), os.Getenv("OPENAI_API_KEY"), "none"),
			LLMModel:         getenv("LLM_MODEL", "deepseek-chat"),
		},
		Ingest: IngestConfig{
			ChunkSize:    getint("CHUNK_SIZE", 1000),
			ChunkOverlap: getint("CHUNK_OVERLAP", 200),
			Workers:      getint("INGEST_WORKERS", 4),
			UploadDir:    getenv("UPLOAD_DIR", "uploads"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-rag-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Chroma.URL) == "" {
		return cfg, errors.New("CHROMA_URL must not be empty")
	}
	if cfg.TopK < 1 {
		return cfg, errors.New("RAG_TOP_K must be >= 1")
	}
	if cfg.HistoryLimit < 0 {
		return cfg, errors.New("HISTORY_LIMIT must be >= 0")
	}
	if cfg.StreamTimeout <= 0 {
		return cfg, errors.New("STREAM_TIMEOUT must be > 0")
	}
	if cfg.TokenDelay < 0 {
		return cfg, errors.New("TOKEN_DELAY must be >= 0")
	}
	if cfg.Ingest.ChunkSize <= 0 {
		return cfg, errors.New("CHUNK_SIZE must be > 0")
	}
	if cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return cfg, errors.New("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	if cfg.Ingest.Workers < 1 {
		return cfg, errors.New("INGEST_WORKERS must be >= 1")
	}
	if strings.TrimSpace(cfg.Ingest.UploadDir) == "" {
		return cfg, errors.New("UPLOAD_DIR must not be empty")
	}
	if cfg.Models.EmbeddingDim <= 0 {
		return cfg, errors.New("EMBEDDING_DIM must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
