// Package embedding wraps a text-embedding API call behind a small
// interface, with an optional Redis read-through cache. The client is
// pure request/response; embedding lifecycle is owned by the store.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/llm"
)

// Client generates embeddings for fact sentences and queries.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Error marks a provider failure. Ingest of the affected facts aborts
// and is retried by the caller; retrieval treats a fact lacking an
// embedding as graph-only rather than fatal.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("embedding failure: %v", e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Config configures the HTTP embedding provider.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     llm.RetryConfig `yaml:"retry"`
}

// DefaultConfig returns defaults for an OpenAI-compatible embedding
// endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.openai.com/v1",
		Model:     "text-embedding-3-small",
		Dimension: 1536,
		Timeout:   30 * time.Second,
		Retry:     llm.DefaultRetryConfig(),
	}
}

// HTTPClient talks to an OpenAI-compatible embeddings endpoint.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPClient creates an embedding provider client.
func NewHTTPClient(config Config, logger *logrus.Logger) *HTTPClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one fixed-dimension vector per input text, in order.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(apiRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, &Error{Err: err}
	}

	resp, err := llm.ExecuteWithRetry(ctx, c.config.Retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.BaseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Err: fmt.Errorf("embedding API error: %d - %s", resp.StatusCode, string(respBody))}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &Error{Err: fmt.Errorf("malformed embedding response: %w", err)}
	}
	if len(apiResp.Data) != len(texts) {
		return nil, &Error{Err: fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(apiResp.Data))}
	}

	out := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, &Error{Err: fmt.Errorf("embedding index out of range: %d", item.Index)}
		}
		if c.config.Dimension > 0 && len(item.Embedding) != c.config.Dimension {
			return nil, &Error{Err: fmt.Errorf("embedding dimension mismatch: want %d, got %d", c.config.Dimension, len(item.Embedding))}
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *HTTPClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
