// Package config loads the ingestion core configuration. Configuration is
// environment-only: every knob is a KB_* variable with a documented default.
// A malformed value is a startup error, not a silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NotifierMode selects per-session or summarized notification delivery.
type NotifierMode string

const (
	NotifyVerbose NotifierMode = "VERBOSE"
	NotifyBatch   NotifierMode = "BATCH"
)

// Config is the full runtime configuration of one worker process.
type Config struct {
	// Queue
	QueueAddr     string        // KB_QUEUE_ADDR     Redis address host:port
	QueueKey      string        // KB_QUEUE_KEY      list key holding pending URLs
	QueuePassword string        // KB_QUEUE_PASSWORD optional
	PopTimeout    time.Duration // KB_POP_TIMEOUT    blocking pop timeout

	// Storage
	DBPath          string // KB_DB_PATH          sqlite database file
	FailoverLogPath string // KB_FAILOVER_LOG     metrics failover JSONL file

	// Fetcher
	FetchTimeout time.Duration // KB_FETCH_TIMEOUT  total wall budget per URL
	MaxFetchSize int64         // KB_MAX_FETCH_SIZE byte cap on a response body
	UserAgent    string        // KB_USER_AGENT
	CrawlDelay   time.Duration // KB_CRAWL_DELAY    polite delay between fetches

	// Generation
	GenAIAPIKey      string // KB_GENAI_API_KEY
	GenAIModel       string // KB_GENAI_MODEL
	ChunkConcurrency int    // KB_CHUNK_CONCURRENCY parallel width for per-chunk generation

	// Embedding
	EmbedProvider  string // KB_EMBED_PROVIDER genai|ollama
	EmbedDim       int    // KB_EMBED_DIM      deployment-wide vector dimension
	OllamaEndpoint string // KB_OLLAMA_ENDPOINT
	OllamaModel    string // KB_OLLAMA_MODEL

	// Notifier
	NotifierMode    NotifierMode  // KB_NOTIFIER_MODE VERBOSE|BATCH
	ChatEndpoint    string        // KB_CHAT_ENDPOINT outbound chat API URL
	ChatID          string        // KB_CHAT_ID
	QuietHoursStart int           // KB_QUIET_START   0-23, inclusive
	QuietHoursEnd   int           // KB_QUIET_END     0-23, exclusive
	BatchInterval   time.Duration // KB_BATCH_INTERVAL summary cadence

	// Scheduler
	SeedListPath string        // KB_SEED_LIST      seed URL file
	SchedulerCadence time.Duration // KB_SCHED_CADENCE
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		QueueAddr:     "localhost:6379",
		QueueKey:      "kb:ingest:pending",
		PopTimeout:    5 * time.Second,

		DBPath:          "kb.db",
		FailoverLogPath: "metrics_failover.jsonl",

		FetchTimeout: 60 * time.Second,
		MaxFetchSize: 50 * 1024 * 1024,
		UserAgent:    "kbingest/1.0",
		CrawlDelay:   0,

		GenAIModel:       "gemini-2.0-flash",
		ChunkConcurrency: 1,

		EmbedProvider:  "genai",
		EmbedDim:       768,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "nomic-embed-text",

		NotifierMode:    NotifyBatch,
		QuietHoursStart: 23,
		QuietHoursEnd:   7,
		BatchInterval:   300 * time.Second,

		SeedListPath:     "seeds.txt",
		SchedulerCadence: 4 * time.Hour,
	}
}

// FromEnv builds the configuration from the environment on top of defaults.
// Returns an error on any malformed value; the caller should exit non-zero.
func FromEnv() (*Config, error) {
	cfg := Default()

	setString(&cfg.QueueAddr, "KB_QUEUE_ADDR")
	setString(&cfg.QueueKey, "KB_QUEUE_KEY")
	setString(&cfg.QueuePassword, "KB_QUEUE_PASSWORD")
	setString(&cfg.DBPath, "KB_DB_PATH")
	setString(&cfg.FailoverLogPath, "KB_FAILOVER_LOG")
	setString(&cfg.UserAgent, "KB_USER_AGENT")
	setString(&cfg.GenAIAPIKey, "KB_GENAI_API_KEY")
	setString(&cfg.GenAIModel, "KB_GENAI_MODEL")
	setString(&cfg.EmbedProvider, "KB_EMBED_PROVIDER")
	setString(&cfg.OllamaEndpoint, "KB_OLLAMA_ENDPOINT")
	setString(&cfg.OllamaModel, "KB_OLLAMA_MODEL")
	setString(&cfg.ChatEndpoint, "KB_CHAT_ENDPOINT")
	setString(&cfg.ChatID, "KB_CHAT_ID")
	setString(&cfg.SeedListPath, "KB_SEED_LIST")

	if err := setDuration(&cfg.PopTimeout, "KB_POP_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.FetchTimeout, "KB_FETCH_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.CrawlDelay, "KB_CRAWL_DELAY"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.BatchInterval, "KB_BATCH_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.SchedulerCadence, "KB_SCHED_CADENCE"); err != nil {
		return nil, err
	}

	if err := setInt64(&cfg.MaxFetchSize, "KB_MAX_FETCH_SIZE"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.ChunkConcurrency, "KB_CHUNK_CONCURRENCY"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.EmbedDim, "KB_EMBED_DIM"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.QuietHoursStart, "KB_QUIET_START"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.QuietHoursEnd, "KB_QUIET_END"); err != nil {
		return nil, err
	}

	if mode := os.Getenv("KB_NOTIFIER_MODE"); mode != "" {
		switch strings.ToUpper(mode) {
		case string(NotifyVerbose):
			cfg.NotifierMode = NotifyVerbose
		case string(NotifyBatch):
			cfg.NotifierMode = NotifyBatch
		default:
			return nil, fmt.Errorf("KB_NOTIFIER_MODE: want VERBOSE or BATCH, got %q", mode)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.QueueAddr == "" {
		return fmt.Errorf("queue address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbedDim)
	}
	if c.ChunkConcurrency < 1 {
		return fmt.Errorf("chunk concurrency must be >= 1, got %d", c.ChunkConcurrency)
	}
	if c.MaxFetchSize <= 0 {
		return fmt.Errorf("max fetch size must be positive, got %d", c.MaxFetchSize)
	}
	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 {
		return fmt.Errorf("quiet hours start must be in [0,23], got %d", c.QuietHoursStart)
	}
	if c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours end must be in [0,23], got %d", c.QuietHoursEnd)
	}
	switch c.EmbedProvider {
	case "genai", "ollama":
	default:
		return fmt.Errorf("embed provider must be genai or ollama, got %q", c.EmbedProvider)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", key, d)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
