// Package config loads and validates the narrarc YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingSection indicates a required configuration section is absent.
// The reranker section has no defaults and must be configured explicitly.
var ErrMissingSection = errors.New("missing required config section")

// Config holds all narrarc configuration.
type Config struct {
	// Reasoning / completion service
	LLM LLMConfig `yaml:"llm"`

	// Embedding service
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Cross-encoder reranker (required, no defaults)
	Reranker RerankerConfig `yaml:"reranker"`

	// Build pipeline tuning
	Build BuildConfig `yaml:"build"`

	// Query-time agent tuning
	Workflow WorkflowConfig `yaml:"workflow"`

	// Storage
	Store StoreConfig `yaml:"store"`

	// Internal category logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the completion/reasoning service.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // openai, stub
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxWorkers int    `yaml:"max_workers"`
}

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, genai, stub
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	TaskType   string `yaml:"task_type"`
	Dimensions int    `yaml:"dimensions"`
}

// RerankerConfig configures the rerank service.
type RerankerConfig struct {
	Provider string `yaml:"provider"` // http, stub
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// BuildConfig holds build-pipeline thresholds. The similarity, rerank, and
// sigma values are tunable constants, not contracts.
type BuildConfig struct {
	GapSeconds          int      `yaml:"gap_seconds"`
	ClassifyBatchSize   int      `yaml:"classify_batch_size"`
	SignalBatchSize     int      `yaml:"signal_batch_size"`
	EmbedBatchSize      int      `yaml:"embed_batch_size"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	RerankThreshold     float64  `yaml:"rerank_threshold"`
	AnomalySigma        float64  `yaml:"anomaly_sigma"`
	NeighborTopK        int      `yaml:"neighbor_top_k"`
	RerankTopM          int      `yaml:"rerank_top_m"`
	BaselineTerms       []string `yaml:"baseline_terms"`
}

// WorkflowConfig bounds the query-time state machine.
type WorkflowConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	RetrieveLimit int `yaml:"retrieve_limit"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the internal category logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"`
}

// Default returns the configuration baseline before any file or environment
// values are applied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:   "openai",
			MaxWorkers: 8,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			TaskType: "SEMANTIC_SIMILARITY",
		},
		Build: BuildConfig{
			GapSeconds:          1800,
			ClassifyBatchSize:   8,
			SignalBatchSize:     8,
			EmbedBatchSize:      32,
			SimilarityThreshold: 0.3,
			RerankThreshold:     0.5,
			AnomalySigma:        2.0,
			NeighborTopK:        10,
			RerankTopM:          20,
			BaselineTerms:       []string{"宝宝", "宝贝", "亲爱的", "老婆", "老公", "darling", "honey", "babe"},
		},
		Workflow: WorkflowConfig{
			MaxIterations: 3,
			RetrieveLimit: 60,
		},
		Store: StoreConfig{
			DatabasePath: "narrarc.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path. An empty path tries narrarc.yml then
// narrarc.yaml in the working directory. Values from the file overlay the
// defaults; environment variables overlay both.
func Load(path string) (*Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"narrarc.yml", "narrarc.yaml"}
	}

	var data []byte
	var readErr error
	for _, p := range candidates {
		data, readErr = os.ReadFile(p)
		if readErr == nil {
			break
		}
	}
	if readErr != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, readErr)
		}
		return nil, fmt.Errorf("no config file found (tried narrarc.yml, narrarc.yaml): %w", readErr)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides shallow-merges per-section override maps onto the config.
// Unknown sections and keys are rejected by the YAML codec.
func (c *Config) ApplyOverrides(overrides map[string]map[string]interface{}) error {
	if len(overrides) == 0 {
		return nil
	}
	data, err := yaml.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return nil
}

// applyEnv overlays NARRARC_* environment variables onto secrets so keys can
// stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("NARRARC_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("NARRARC_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("NARRARC_RERANKER_API_KEY"); v != "" {
		c.Reranker.APIKey = v
	}
	if v := os.Getenv("NARRARC_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
}

// Validate enforces the required sections and normalizes worker counts.
// A missing reranker section is fatal at startup.
func (c *Config) Validate() error {
	if c.Reranker == (RerankerConfig{}) {
		return fmt.Errorf("%w: reranker", ErrMissingSection)
	}
	if strings.TrimSpace(c.LLM.Provider) == "" {
		return fmt.Errorf("%w: llm", ErrMissingSection)
	}
	if strings.TrimSpace(c.Embedding.Provider) == "" {
		return fmt.Errorf("%w: embedding", ErrMissingSection)
	}
	if c.LLM.MaxWorkers <= 0 {
		c.LLM.MaxWorkers = 8
	}
	if c.Workflow.MaxIterations <= 0 {
		c.Workflow.MaxIterations = 3
	}
	if c.Workflow.RetrieveLimit <= 0 {
		c.Workflow.RetrieveLimit = 60
	}
	return nil
}
