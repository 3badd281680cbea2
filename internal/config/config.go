// Package config provides configuration loading for mentord.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables. All pipeline policy values (confidence weights, escalation
// thresholds, retrieval parameters) live here so that orchestrators with
// different policies can run side by side and tests can pin deterministic
// values.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mentorlabs/mentord/internal/logging"
)

// Sentinel errors for configuration validation.
var (
	ErrInvalidThreshold = errors.New("threshold must be between 0.0 and 1.0")
	ErrInvalidWeights   = errors.New("confidence weights must be non-negative and sum to a positive value")
	ErrInvalidTopK      = errors.New("retrieval top_k must be positive")
)

// Config holds the complete mentord configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	LLM       LLMConfig       `koanf:"llm"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Memory    MemoryConfig    `koanf:"memory"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LLMConfig holds configuration for the generative reasoning backend.
type LLMConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Model      string        `koanf:"model"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	// RateLimit is requests per second allowed against the backend.
	RateLimit float64 `koanf:"rate_limit"`
}

// EmbeddingConfig holds configuration for the embedding backend.
// The same vector space is used for the knowledge index, queries, and
// memory fingerprint lookups.
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// KnowledgeConfig holds configuration for the knowledge index and retriever.
type KnowledgeConfig struct {
	// Path is the directory holding the chromem persistent index.
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	// TopK is the number of chunks requested per retrieval.
	TopK int `koanf:"top_k"`
	// MinScore is the relevance floor; chunks scoring below it are dropped.
	MinScore float64 `koanf:"min_score"`
}

// MemoryConfig holds configuration for the solved-problem memory store.
type MemoryConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
	// SimilarityThreshold is the minimum cosine similarity for a prior
	// problem to count as a match.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// PipelineConfig holds stage policy configuration.
type PipelineConfig struct {
	// HITLThreshold is the aggregate confidence below which a solution is
	// escalated for human review.
	HITLThreshold float64 `koanf:"hitl_threshold"`
	// ClarificationThreshold is the parser confidence below which the
	// pipeline asks for clarification instead of proceeding.
	ClarificationThreshold float64 `koanf:"clarification_threshold"`
	// StageTimeout bounds each external call made by a stage.
	StageTimeout time.Duration `koanf:"stage_timeout"`
	Weights      WeightsConfig `koanf:"weights"`
}

// WeightsConfig holds the confidence aggregation weights. The four factors
// are combined as a weighted mean; see the confidence package.
type WeightsConfig struct {
	Retrieval    float64 `koanf:"retrieval"`
	Citation     float64 `koanf:"citation"`
	Generative   float64 `koanf:"generative"`
	Verification float64 `koanf:"verification"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8385
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging = *logging.NewDefaultConfig()
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}
	if c.LLM.RateLimit == 0 {
		c.LLM.RateLimit = 2
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Knowledge.Path == "" {
		c.Knowledge.Path = "~/.config/mentord/index"
	}
	if c.Knowledge.Collection == "" {
		c.Knowledge.Collection = "reference"
	}
	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 5
	}
	if c.Knowledge.MinScore == 0 {
		c.Knowledge.MinScore = 0.5
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "~/.config/mentord/memory.db"
	}
	if c.Memory.SimilarityThreshold == 0 {
		c.Memory.SimilarityThreshold = 0.85
	}
	if c.Pipeline.HITLThreshold == 0 {
		c.Pipeline.HITLThreshold = 0.70
	}
	if c.Pipeline.ClarificationThreshold == 0 {
		c.Pipeline.ClarificationThreshold = 0.55
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 90 * time.Second
	}
	if c.Pipeline.Weights == (WeightsConfig{}) {
		c.Pipeline.Weights = WeightsConfig{
			Retrieval:    0.25,
			Citation:     0.20,
			Generative:   0.30,
			Verification: 0.25,
		}
	}
}

// Validate checks the configuration for values that would make the pipeline
// misbehave silently.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Knowledge.TopK <= 0 {
		return ErrInvalidTopK
	}
	for name, v := range map[string]float64{
		"knowledge.min_score":              c.Knowledge.MinScore,
		"memory.similarity_threshold":      c.Memory.SimilarityThreshold,
		"pipeline.hitl_threshold":          c.Pipeline.HITLThreshold,
		"pipeline.clarification_threshold": c.Pipeline.ClarificationThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidThreshold, name, v)
		}
	}
	w := c.Pipeline.Weights
	if w.Retrieval < 0 || w.Citation < 0 || w.Generative < 0 || w.Verification < 0 {
		return ErrInvalidWeights
	}
	if w.Retrieval+w.Citation+w.Generative+w.Verification <= 0 {
		return ErrInvalidWeights
	}
	return nil
}
