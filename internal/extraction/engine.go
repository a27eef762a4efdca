// Package extraction turns raw conversation turns into candidate facts
// through an LLM tool call. The model's output is untrusted: every
// response is validated against the tool schema, and malformed responses
// are retried with the identical input a bounded number of times.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
)

// ParseError marks an LLM response that failed schema validation. The
// engine retries these; any other failure surfaces immediately.
type ParseError struct {
	Attempt int
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extraction parse failure (attempt %d): %s", e.Attempt, e.Reason)
}

// Config configures the extraction engine.
type Config struct {
	Model            string        `yaml:"model"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxParseAttempts int           `yaml:"max_parse_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns defaults tuned for deterministic extraction.
func DefaultConfig() Config {
	return Config{
		Temperature:      0.0,
		MaxTokens:        2048,
		MaxParseAttempts: 3,
		Timeout:          60 * time.Second,
	}
}

// Engine extracts candidate facts from conversation turns.
type Engine struct {
	client llm.Client
	config Config
	logger *logrus.Logger
}

// NewEngine creates an extraction engine.
func NewEngine(client llm.Client, config Config, logger *logrus.Logger) *Engine {
	if config.MaxParseAttempts <= 0 {
		config.MaxParseAttempts = DefaultConfig().MaxParseAttempts
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{client: client, config: config, logger: logger}
}

type rawFact struct {
	Subject     string  `json:"subject"`
	SubjectType string  `json:"subject_type"`
	Predicate   string  `json:"predicate"`
	Object      string  `json:"object"`
	ObjectType  string  `json:"object_type"`
	Confidence  float64 `json:"confidence"`
	SourceTurn  int     `json:"source_turn"`
}

type toolArguments struct {
	Facts []rawFact `json:"facts"`
}

// Extract runs the extraction tool call over turns and returns validated
// candidates. An empty candidate slice is a valid outcome: not every
// conversation carries extractable knowledge. Responses that fail schema
// validation are retried with the identical input up to MaxParseAttempts
// before the last ParseError is returned.
func (e *Engine) Extract(ctx context.Context, scope memzero.Scope, turns []memzero.Turn) ([]memzero.Candidate, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	req := &llm.Request{
		Model:       e.config.Model,
		Temperature: e.config.Temperature,
		MaxTokens:   e.config.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: renderTurns(turns)},
		},
		Tools:      []llm.Tool{extractTool()},
		ToolChoice: map[string]any{"type": "function", "function": map[string]any{"name": extractToolName}},
	}

	var lastParseErr *ParseError
	for attempt := 1; attempt <= e.config.MaxParseAttempts; attempt++ {
		resp, err := e.client.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("extraction call failed: %w", err)
		}

		candidates, parseErr := e.parse(resp, attempt, len(turns))
		if parseErr != nil {
			lastParseErr = parseErr
			e.logger.WithFields(logrus.Fields{
				"scope":   scope.Key(),
				"attempt": attempt,
				"reason":  parseErr.Reason,
			}).Warn("Extraction response failed validation")
			continue
		}

		e.logger.WithFields(logrus.Fields{
			"scope":      scope.Key(),
			"turns":      len(turns),
			"candidates": len(candidates),
		}).Debug("Extraction finished")
		return candidates, nil
	}

	return nil, lastParseErr
}

// parse validates a response against the tool schema and converts it to
// candidates.
func (e *Engine) parse(resp *llm.Response, attempt, turnCount int) ([]memzero.Candidate, *ParseError) {
	tc := resp.FirstToolCall(extractToolName)
	if tc == nil {
		return nil, &ParseError{Attempt: attempt, Reason: "no " + extractToolName + " tool call in response"}
	}

	var args toolArguments
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return nil, &ParseError{Attempt: attempt, Reason: fmt.Sprintf("malformed tool arguments: %v", err)}
	}

	candidates := make([]memzero.Candidate, 0, len(args.Facts))
	for i, fact := range args.Facts {
		if err := validateFact(fact); err != nil {
			return nil, &ParseError{Attempt: attempt, Reason: fmt.Sprintf("fact %d: %v", i, err)}
		}
		// A mispointed turn index is not worth a whole retry; clamp it.
		sourceTurn := fact.SourceTurn
		if sourceTurn < 0 || sourceTurn >= turnCount {
			sourceTurn = 0
		}
		candidates = append(candidates, memzero.Candidate{
			Subject:     fact.Subject,
			SubjectType: fact.SubjectType,
			Predicate:   memzero.NormalizePredicate(fact.Predicate),
			Object:      fact.Object,
			ObjectType:  fact.ObjectType,
			Confidence:  fact.Confidence,
			SourceTurn:  sourceTurn,
		})
	}
	return candidates, nil
}

func validateFact(fact rawFact) error {
	if fact.Subject == "" {
		return fmt.Errorf("empty subject")
	}
	if fact.Predicate == "" {
		return fmt.Errorf("empty predicate")
	}
	if fact.Object == "" {
		return fmt.Errorf("empty object")
	}
	if fact.Confidence < 0 || fact.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0, 1]", fact.Confidence)
	}
	return nil
}
