package qdrant

import (
	"fmt"
	"time"
)

// Config configures the Qdrant vector index over HTTP.
type Config struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	APIKey     string        `yaml:"api_key"`
	UseTLS     bool          `yaml:"use_tls"`
	Collection string        `yaml:"collection"`
	VectorSize int           `yaml:"vector_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns defaults for a local Qdrant instance.
func DefaultConfig() *Config {
	return &Config{
		Host:       "localhost",
		Port:       6333,
		Collection: "memzero_facts",
		VectorSize: 1536,
		Timeout:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive")
	}
	return nil
}

// GetHTTPURL returns the base URL for the REST API.
func (c *Config) GetHTTPURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}
