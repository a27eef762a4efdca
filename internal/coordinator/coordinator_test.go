package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metastable-lab/memzero/internal/extraction"
	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/merge"
	"github.com/metastable-lab/memzero/internal/retrieval"
	"github.com/metastable-lab/memzero/internal/store"
	"github.com/metastable-lab/memzero/internal/store/memstore"
)

var testScope = memzero.Scope{UserID: "alice", AgentID: "helper"}

type mockLLM struct {
	complete func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (m *mockLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return m.complete(ctx, req)
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = textVector(text)
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return textVector(query), nil
}

// textVector maps a text to a crude but deterministic bag-of-bytes
// vector so related sentences land near each other.
func textVector(text string) []float32 {
	vec := make([]float32, 8)
	for i, b := range []byte(strings.ToLower(text)) {
		vec[i%8] += float32(b) / 255
	}
	return vec
}

func factsToolCall(facts ...map[string]any) *llm.Response {
	args, _ := json.Marshal(map[string]any{"facts": facts})
	return &llm.Response{
		Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{
				ToolCalls: []llm.ToolCall{{
					Type:     "function",
					Function: llm.FunctionCall{Name: "extract_facts", Arguments: string(args)},
				}},
			},
		}},
	}
}

func rawFact(predicate, object, objectType string, confidence float64) map[string]any {
	return map[string]any{
		"subject":      "user",
		"subject_type": "person",
		"predicate":    predicate,
		"object":       object,
		"object_type":  objectType,
		"confidence":   confidence,
		"source_turn":  0,
	}
}

// scriptedLLM maps a substring of the user message to a canned
// extraction, and answers everything else as plain text.
func scriptedLLM(script map[string]*llm.Response) *mockLLM {
	return &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		last := req.Messages[len(req.Messages)-1].Content
		for needle, resp := range script {
			if strings.Contains(last, needle) {
				return resp, nil
			}
		}
		return nil, fmt.Errorf("no scripted response for: %s", last)
	}}
}

func newTestEngine(client llm.Client) (*Engine, *memstore.Store) {
	s := memstore.New()
	embedder := stubEmbedder{}
	extractor := extraction.NewEngine(client, extraction.DefaultConfig(), nil)
	resolver := merge.NewResolver(s, embedder, nil, nil)
	retriever := retrieval.NewRetriever(s, embedder, retrieval.DefaultConfig(), nil)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewEngine(extractor, resolver, retriever, client, metrics, nil), s
}

func turn(content string) []memzero.Turn {
	return []memzero.Turn{{Role: "user", Content: content, Timestamp: time.Now().UTC()}}
}

func TestIngestThenRetrieve(t *testing.T) {
	client := scriptedLLM(map[string]*llm.Response{
		"I live in Tokyo": factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)),
	})
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	result, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	facts, err := engine.Retrieve(ctx, testScope, "where does the user live", 5)
	require.NoError(t, err)
	require.NotEmpty(t, facts)
	assert.Equal(t, "Tokyo", facts[0].Fact.Object)
}

func TestIngestSupersedesOnMove(t *testing.T) {
	client := scriptedLLM(map[string]*llm.Response{
		"I live in Tokyo": factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)),
		"moved to Paris":  factsToolCall(rawFact("lives_in", "Paris", "place", 0.9)),
	})
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
	require.NoError(t, err)

	result, err := engine.Ingest(ctx, testScope, turn("I moved to Paris"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Superseded)

	facts, err := engine.Retrieve(ctx, testScope, "where does the user live", 10)
	require.NoError(t, err)
	objects := make([]string, 0, len(facts))
	for _, sf := range facts {
		if sf.Fact.Predicate == "lives_in" {
			objects = append(objects, sf.Fact.Object)
		}
	}
	assert.Equal(t, []string{"Paris"}, objects, "only the current home is retrievable")
}

func TestIngestZeroScope(t *testing.T) {
	engine, _ := newTestEngine(&mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		t.Fatal("no llm call expected")
		return nil, nil
	}})

	_, err := engine.Ingest(context.Background(), memzero.Scope{UserID: "alice"}, turn("hello"))
	assert.ErrorIs(t, err, store.ErrMissingScope)
}

func TestScopesAreIsolated(t *testing.T) {
	client := scriptedLLM(map[string]*llm.Response{
		"I live in Tokyo": factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)),
	})
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
	require.NoError(t, err)

	other := memzero.Scope{UserID: "bob", AgentID: "helper"}
	facts, err := engine.Retrieve(ctx, other, "where does the user live", 5)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestConcurrentSameScopeIngestsSerialize(t *testing.T) {
	client := scriptedLLM(map[string]*llm.Response{
		"I live in Tokyo": factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)),
	})
	engine, s := newTestEngine(client)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entity, err := s.GetEntity(ctx, testScope, "user", "person")
	require.NoError(t, err)
	require.NotNil(t, entity)

	facts, err := s.ActiveFacts(ctx, testScope, entity.ID, "lives_in")
	require.NoError(t, err)
	assert.Len(t, facts, 1, "serialized ingests converge on one fact")
}

func TestAnswerFromMemories(t *testing.T) {
	client := &mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		system := req.Messages[0].Content
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "I live in Tokyo") {
			return factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)), nil
		}
		// Answer synthesis: memories must be in the system prompt.
		assert.Contains(t, system, "user lives in Tokyo")
		return &llm.Response{Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{Content: "The user lives in Tokyo."},
		}}}, nil
	}}
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
	require.NoError(t, err)

	answer, err := engine.Answer(ctx, testScope, "Where does the user live?")
	require.NoError(t, err)
	assert.Equal(t, "The user lives in Tokyo.", answer)
}

func TestAnswerWithoutMemories(t *testing.T) {
	engine, _ := newTestEngine(&mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		t.Fatal("no llm call expected with no memories")
		return nil, nil
	}})

	answer, err := engine.Answer(context.Background(), testScope, "Where does the user live?")
	require.NoError(t, err)
	assert.Equal(t, "I don't know.", answer)
}

func TestRetractHidesFactFromRetrieval(t *testing.T) {
	client := scriptedLLM(map[string]*llm.Response{
		"I live in Tokyo": factsToolCall(rawFact("lives_in", "Tokyo", "place", 0.9)),
	})
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, testScope, turn("I live in Tokyo"))
	require.NoError(t, err)

	facts, err := engine.Retrieve(ctx, testScope, "where does the user live", 5)
	require.NoError(t, err)
	require.NotEmpty(t, facts)

	require.NoError(t, engine.Retract(ctx, testScope, facts[0].Fact.ID))

	after, err := engine.Retrieve(ctx, testScope, "where does the user live", 5)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestIngestExtractionFailureSurfaces(t *testing.T) {
	engine, _ := newTestEngine(&mockLLM{complete: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return nil, fmt.Errorf("provider down")
	}})

	_, err := engine.Ingest(context.Background(), testScope, turn("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction")
}
