// Package config holds the tunable configuration surface of the memory
// subsystem. All values have defaults and are validated once at startup;
// there is no dynamic attribute lookup, only one resolution point.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ragforge/convmem/convmem"
)

// Config is the root configuration for the memory subsystem.
type Config struct {
	// DatabasePath is the SQLite database location.
	DatabasePath string `yaml:"database_path"`

	// RedisURL selects the Redis backend when set (overrides SQLite).
	RedisURL string `yaml:"redis_url"`

	Session     SessionConfig     `yaml:"session"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Compression CompressionConfig `yaml:"compression"`
}

// SessionConfig bounds session lifecycle.
type SessionConfig struct {
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`
}

// RetrievalConfig tunes the three-layer retrieval pipeline.
type RetrievalConfig struct {
	// TimeWindowHours bounds the temporal pre-filter; 0 means unbounded.
	TimeWindowHours int `yaml:"time_window_hours"`

	// KeywordThreshold is the minimum layer-2 match score.
	KeywordThreshold float64 `yaml:"keyword_threshold"`

	// SemanticThreshold is the minimum layer-3 score, independent of the
	// layer-2 threshold. A query may override it per call.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// TimeDecayFactor is the exponent in exp(-factor * age_hours).
	TimeDecayFactor float64 `yaml:"time_decay_factor"`

	// MaxResults is the default top-K when a query does not set one.
	MaxResults int `yaml:"max_results"`
}

// CompressionConfig tunes the compression engine.
type CompressionConfig struct {
	// Threshold is the chunk count above which compression runs.
	Threshold int `yaml:"threshold"`

	// Strategy is the default strategy when a request does not name one.
	Strategy convmem.StrategyName `yaml:"strategy"`

	// MaxRatio is the target compressed/original ceiling.
	MaxRatio float64 `yaml:"max_compression_ratio"`

	// SummarizeTimeout bounds the semantic strategy's external call.
	SummarizeTimeout time.Duration `yaml:"summarize_timeout"`
}

// Default returns the resolved default configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "convmem.db",
		Session: SessionConfig{
			MaxSessionsPerUser: 100,
		},
		Retrieval: RetrievalConfig{
			TimeWindowHours:   24,
			KeywordThreshold:  0.3,
			SemanticThreshold: 0.7,
			TimeDecayFactor:   0.1,
			MaxResults:        5,
		},
		Compression: CompressionConfig{
			Threshold:        20,
			Strategy:         convmem.StrategySemantic,
			MaxRatio:         0.3,
			SummarizeTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &convmem.ConfigurationError{Field: "file", Message: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &convmem.ConfigurationError{Field: "file", Message: fmt.Sprintf("cannot parse %s: %v", path, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every tunable against its allowed range.
func (c *Config) Validate() error {
	if c.DatabasePath == "" && c.RedisURL == "" {
		return &convmem.ConfigurationError{Field: "database_path", Message: "a storage location is required"}
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		return &convmem.ConfigurationError{Field: "session.max_sessions_per_user", Message: "must be a positive integer"}
	}
	if c.Retrieval.TimeWindowHours < 0 {
		return &convmem.ConfigurationError{Field: "retrieval.time_window_hours", Message: "must not be negative"}
	}
	if c.Retrieval.KeywordThreshold < 0 || c.Retrieval.KeywordThreshold > 1 {
		return &convmem.ConfigurationError{Field: "retrieval.keyword_threshold", Message: "must be between 0 and 1"}
	}
	if c.Retrieval.SemanticThreshold < 0 || c.Retrieval.SemanticThreshold > 1 {
		return &convmem.ConfigurationError{Field: "retrieval.semantic_threshold", Message: "must be between 0 and 1"}
	}
	if c.Retrieval.TimeDecayFactor < 0 {
		return &convmem.ConfigurationError{Field: "retrieval.time_decay_factor", Message: "must not be negative"}
	}
	if c.Retrieval.MaxResults <= 0 {
		return &convmem.ConfigurationError{Field: "retrieval.max_results", Message: "must be a positive integer"}
	}
	if c.Compression.Threshold < 0 {
		return &convmem.ConfigurationError{Field: "compression.threshold", Message: "must not be negative"}
	}
	if !convmem.KnownStrategy(c.Compression.Strategy) {
		return &convmem.ConfigurationError{Field: "compression.strategy", Message: "unknown strategy " + string(c.Compression.Strategy)}
	}
	if c.Compression.MaxRatio < 0 || c.Compression.MaxRatio > 1 {
		return &convmem.ConfigurationError{Field: "compression.max_compression_ratio", Message: "must be between 0 and 1"}
	}
	if c.Compression.SummarizeTimeout <= 0 {
		return &convmem.ConfigurationError{Field: "compression.summarize_timeout", Message: "must be positive"}
	}
	return nil
}
