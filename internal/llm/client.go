// Package llm provides a minimal OpenAI-compatible chat-completions
// client with tool calling, used by the extraction engine and answer
// synthesis. The engine never parses free text; structured output comes
// back through tool call arguments.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the narrow surface the rest of the engine depends on.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is an OpenAI-compatible chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type ChoiceMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FirstToolCall returns the first tool call named name, or nil.
func (r *Response) FirstToolCall(name string) *ToolCall {
	for _, choice := range r.Choices {
		for i := range choice.Message.ToolCalls {
			tc := &choice.Message.ToolCalls[i]
			if tc.Function.Name == name {
				return tc
			}
		}
	}
	return nil
}

// Content returns the assistant text of the first choice.
func (r *Response) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Config configures the HTTP provider.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// DefaultConfig returns sensible defaults for an OpenAI-compatible
// gateway.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 60 * time.Second,
		Retry:   DefaultRetryConfig(),
	}
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPClient creates a provider client.
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

// Complete sends a completion request, retrying transient failures with
// exponential backoff.
func (c *HTTPClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := ExecuteWithRetry(ctx, c.config.Retry, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}
		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion error: %d - %s", resp.StatusCode, string(respBody))
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"model":  apiResp.Model,
		"tokens": apiResp.Usage.TotalTokens,
	}).Debug("Chat completion finished")

	return &apiResp, nil
}
