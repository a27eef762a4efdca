// Package config loads engine configuration from YAML with environment
// overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metastable-lab/memzero/internal/embedding"
	"github.com/metastable-lab/memzero/internal/extraction"
	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/retrieval"
	"github.com/metastable-lab/memzero/internal/store/neo4j"
	"github.com/metastable-lab/memzero/internal/store/qdrant"
)

// Backend selects the store implementation.
const (
	BackendMemory    = "memory"
	BackendComposite = "composite"
)

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RedisConfig controls the embedding cache. Disabled means embeddings
// always hit the provider.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MergeConfig controls merge behavior.
type MergeConfig struct {
	// FunctionalPredicates lists the predicates limited to one Active
	// fact per subject. Empty means the built-in default set.
	FunctionalPredicates []string `yaml:"functional_predicates"`
}

// Config is the full engine configuration.
type Config struct {
	Backend    string            `yaml:"backend"`
	Log        LogConfig         `yaml:"log"`
	LLM        llm.Config        `yaml:"llm"`
	Extraction extraction.Config `yaml:"extraction"`
	Embedding  embedding.Config  `yaml:"embedding"`
	Redis      RedisConfig       `yaml:"redis"`
	Qdrant     *qdrant.Config    `yaml:"qdrant"`
	Neo4j      *neo4j.Config     `yaml:"neo4j"`
	Retrieval  retrieval.Config  `yaml:"retrieval"`
	Merge      MergeConfig       `yaml:"merge"`
}

// Default returns the configuration used when no file is given: the
// in-memory backend with provider defaults.
func Default() *Config {
	return &Config{
		Backend:    BackendMemory,
		Log:        LogConfig{Level: "info", Format: "text"},
		LLM:        llm.DefaultConfig(),
		Extraction: extraction.DefaultConfig(),
		Embedding:  embedding.DefaultConfig(),
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Qdrant:    qdrant.DefaultConfig(),
		Neo4j:     neo4j.DefaultConfig(),
		Retrieval: retrieval.DefaultConfig(),
		Merge:     MergeConfig{FunctionalPredicates: memzero.DefaultFunctionalPredicates},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides pulls credentials from the environment; secrets do
// not belong in config files.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MEMZERO_LLM_API_KEY"); v != "" {
		config.LLM.APIKey = v
	}
	if v := os.Getenv("MEMZERO_LLM_BASE_URL"); v != "" {
		config.LLM.BaseURL = v
	}
	if v := os.Getenv("MEMZERO_EMBEDDING_API_KEY"); v != "" {
		config.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMZERO_EMBEDDING_BASE_URL"); v != "" {
		config.Embedding.BaseURL = v
	}
	if v := os.Getenv("MEMZERO_QDRANT_API_KEY"); v != "" && config.Qdrant != nil {
		config.Qdrant.APIKey = v
	}
	if v := os.Getenv("MEMZERO_NEO4J_PASSWORD"); v != "" && config.Neo4j != nil {
		config.Neo4j.Password = v
	}
	if v := os.Getenv("MEMZERO_REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendComposite:
		if c.Qdrant == nil {
			return fmt.Errorf("composite backend requires qdrant config")
		}
		if err := c.Qdrant.Validate(); err != nil {
			return fmt.Errorf("invalid qdrant config: %w", err)
		}
		if c.Neo4j == nil || c.Neo4j.URI == "" {
			return fmt.Errorf("composite backend requires neo4j config")
		}
	default:
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}

	if c.Extraction.MaxParseAttempts < 0 {
		return fmt.Errorf("max_parse_attempts cannot be negative")
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.GraphWeight < 0 {
		return fmt.Errorf("retrieval weights cannot be negative")
	}
	return nil
}
