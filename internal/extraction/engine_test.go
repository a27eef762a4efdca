package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
)

type mockLLM struct {
	complete func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (m *mockLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return m.complete(ctx, req)
}

func toolResponse(arguments string) *llm.Response {
	return &llm.Response{
		Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{
				ToolCalls: []llm.ToolCall{{
					Type:     "function",
					Function: llm.FunctionCall{Name: extractToolName, Arguments: arguments},
				}},
			},
		}},
	}
}

var testScope = memzero.Scope{UserID: "alice", AgentID: "helper"}

func testTurns() []memzero.Turn {
	return []memzero.Turn{
		{Role: "user", Content: "I live in Tokyo"},
		{Role: "assistant", Content: "Noted!"},
	}
}

func TestExtractParsesValidToolCall(t *testing.T) {
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return toolResponse(`{"facts": [
			{"subject": "user", "subject_type": "person", "predicate": "Lives In",
			 "object": "Tokyo", "object_type": "place", "confidence": 0.95, "source_turn": 0}
		]}`), nil
	}}

	engine := NewEngine(client, DefaultConfig(), nil)
	candidates, err := engine.Extract(context.Background(), testScope, testTurns())
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	assert.Equal(t, "user", candidates[0].Subject)
	assert.Equal(t, "lives_in", candidates[0].Predicate, "predicate must be normalized")
	assert.Equal(t, "Tokyo", candidates[0].Object)
	assert.Equal(t, 0.95, candidates[0].Confidence)
	assert.Equal(t, 0, candidates[0].SourceTurn)
}

func TestExtractZeroFactsIsSuccess(t *testing.T) {
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return toolResponse(`{"facts": []}`), nil
	}}

	engine := NewEngine(client, DefaultConfig(), nil)
	candidates, err := engine.Extract(context.Background(), testScope, testTurns())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestExtractEmptyTurns(t *testing.T) {
	engine := NewEngine(&mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		t.Fatal("no call expected for empty turns")
		return nil, nil
	}}, DefaultConfig(), nil)

	candidates, err := engine.Extract(context.Background(), testScope, nil)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestExtractRetriesSameInputOnParseFailure(t *testing.T) {
	var requests []*llm.Request
	calls := 0
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		requests = append(requests, req)
		calls++
		if calls < 3 {
			return toolResponse(`not json`), nil
		}
		return toolResponse(`{"facts": [
			{"subject": "user", "subject_type": "person", "predicate": "works_at",
			 "object": "Acme", "object_type": "organization", "confidence": 0.8, "source_turn": 0}
		]}`), nil
	}}

	engine := NewEngine(client, DefaultConfig(), nil)
	candidates, err := engine.Extract(context.Background(), testScope, testTurns())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 3, calls)

	// Retries replay the identical request.
	for _, req := range requests[1:] {
		assert.Equal(t, requests[0].Messages, req.Messages)
	}
}

func TestExtractFailsAfterMaxParseAttempts(t *testing.T) {
	calls := 0
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		calls++
		return &llm.Response{Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{Content: "no tool call here"},
		}}}, nil
	}}

	engine := NewEngine(client, Config{MaxParseAttempts: 2}, nil)
	_, err := engine.Extract(context.Background(), testScope, testTurns())
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 2, parseErr.Attempt)
}

func TestExtractDoesNotRetryTransportErrors(t *testing.T) {
	calls := 0
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		calls++
		return nil, fmt.Errorf("connection refused")
	}}

	engine := NewEngine(client, DefaultConfig(), nil)
	_, err := engine.Extract(context.Background(), testScope, testTurns())
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var parseErr *ParseError
	assert.False(t, errors.As(err, &parseErr))
}

func TestExtractRejectsInvalidFacts(t *testing.T) {
	tests := []struct {
		name string
		fact string
	}{
		{"empty subject", `{"subject": "", "subject_type": "person", "predicate": "lives_in", "object": "Tokyo", "object_type": "place", "confidence": 0.9, "source_turn": 0}`},
		{"empty predicate", `{"subject": "user", "subject_type": "person", "predicate": "", "object": "Tokyo", "object_type": "place", "confidence": 0.9, "source_turn": 0}`},
		{"empty object", `{"subject": "user", "subject_type": "person", "predicate": "lives_in", "object": "", "object_type": "place", "confidence": 0.9, "source_turn": 0}`},
		{"confidence above one", `{"subject": "user", "subject_type": "person", "predicate": "lives_in", "object": "Tokyo", "object_type": "place", "confidence": 1.5, "source_turn": 0}`},
		{"negative confidence", `{"subject": "user", "subject_type": "person", "predicate": "lives_in", "object": "Tokyo", "object_type": "place", "confidence": -0.1, "source_turn": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
				return toolResponse(`{"facts": [` + tt.fact + `]}`), nil
			}}

			engine := NewEngine(client, Config{MaxParseAttempts: 1}, nil)
			_, err := engine.Extract(context.Background(), testScope, testTurns())
			require.Error(t, err)

			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestExtractClampsOutOfRangeSourceTurn(t *testing.T) {
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return toolResponse(`{"facts": [
			{"subject": "user", "subject_type": "person", "predicate": "lives_in",
			 "object": "Tokyo", "object_type": "place", "confidence": 0.9, "source_turn": 99}
		]}`), nil
	}}

	engine := NewEngine(client, DefaultConfig(), nil)
	candidates, err := engine.Extract(context.Background(), testScope, testTurns())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 0, candidates[0].SourceTurn)
}
