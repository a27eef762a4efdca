package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
	"github.com/metastable-lab/memzero/internal/store/memstore"
)

var testScope = memzero.Scope{UserID: "alice", AgentID: "helper"}

type stubEmbedder struct {
	queryVec []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.queryVec
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.queryVec, nil
}

func seedFact(t *testing.T, s *memstore.Store, id, subjectID, predicate, object, objectID string, createdAt time.Time, embedding []float32) {
	t.Helper()
	fact := &memzero.Fact{
		ID:        id,
		Scope:     testScope,
		SubjectID: subjectID,
		Subject:   "alice",
		Predicate: predicate,
		Object:    object,
		ObjectID:  objectID,
		Status:    memzero.StatusActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, s.InsertFact(context.Background(), fact))
	if embedding != nil {
		require.NoError(t, s.InsertEmbedding(context.Background(), testScope, id, embedding))
	}
}

func TestRetrieveHybridScoring(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()

	seedFact(t, s, "f1", "e-alice", "lives_in", "Tokyo", "", now, []float32{1, 0})
	seedFact(t, s, "f2", "e-alice", "works_at", "Acme", "e-acme", now, []float32{0, 1})
	// Graph-only fact: no embedding, reachable through e-alice.
	seedFact(t, s, "f3", "e-alice", "knows", "Bob", "", now, nil)

	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, DefaultConfig(), nil)
	results, err := retriever.Retrieve(context.Background(), testScope, "where does alice live", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// f1 matches the query vector exactly and sits one hop from the
	// seed entities: 0.6*1.0 + 0.4*0.5.
	assert.Equal(t, "f1", results[0].Fact.ID)
	assert.InDelta(t, 0.8, results[0].Score, 1e-9)
	assert.InDelta(t, 1.0, results[0].VectorScore, 1e-9)
	assert.InDelta(t, 0.5, results[0].GraphScore, 1e-9)
	assert.Equal(t, 1, results[0].Hops)

	// f2 and f3 tie on score; fact id breaks the tie.
	assert.Equal(t, "f2", results[1].Fact.ID)
	assert.Equal(t, "f3", results[2].Fact.ID)
	assert.InDelta(t, 0.2, results[1].Score, 1e-9)
	assert.InDelta(t, 0.2, results[2].Score, 1e-9)
	assert.Zero(t, results[2].VectorScore, "graph-only facts carry no vector component")
}

func TestRetrieveExcludesSuperseded(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()

	seedFact(t, s, "f1", "e-alice", "lives_in", "Paris", "", now, []float32{1, 0})
	old := &memzero.Fact{
		ID:        "f0",
		Scope:     testScope,
		SubjectID: "e-alice",
		Subject:   "alice",
		Predicate: "lives_in",
		Object:    "Tokyo",
		Status:    memzero.StatusSuperseded,
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.InsertFact(context.Background(), old))
	require.NoError(t, s.InsertEmbedding(context.Background(), testScope, "f0", []float32{1, 0}))

	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, DefaultConfig(), nil)
	results, err := retriever.Retrieve(context.Background(), testScope, "home", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].Fact.ID)
}

func TestRetrieveTruncatesToK(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		seedFact(t, s, id, "e-alice", "likes", id, "", now, []float32{1, 0})
	}

	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, DefaultConfig(), nil)
	results, err := retriever.Retrieve(context.Background(), testScope, "q", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetrieveDefaultLimit(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	for i := 0; i < 15; i++ {
		seedFact(t, s, string(rune('a'+i)), "e-alice", "likes", "x", "", now, []float32{1, 0})
	}

	config := DefaultConfig()
	config.DefaultLimit = 5
	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, config, nil)

	results, err := retriever.Retrieve(context.Background(), testScope, "q", 0)
	require.NoError(t, err)
	assert.Len(t, results, 5)

	results, err = retriever.Retrieve(context.Background(), testScope, "q", -3)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestRetrieveZeroScope(t *testing.T) {
	retriever := NewRetriever(memstore.New(), &stubEmbedder{queryVec: []float32{1}}, DefaultConfig(), nil)
	_, err := retriever.Retrieve(context.Background(), memzero.Scope{AgentID: "helper"}, "q", 5)
	assert.ErrorIs(t, err, store.ErrMissingScope)
}

func TestRetrieveEmptyStore(t *testing.T) {
	retriever := NewRetriever(memstore.New(), &stubEmbedder{queryVec: []float32{1}}, DefaultConfig(), nil)
	results, err := retriever.Retrieve(context.Background(), testScope, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveDeterministicOrdering(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	seedFact(t, s, "f-b", "e-alice", "likes", "x", "", now, []float32{1, 0})
	seedFact(t, s, "f-a", "e-alice", "likes", "y", "", now, []float32{1, 0})

	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, DefaultConfig(), nil)

	first, err := retriever.Retrieve(context.Background(), testScope, "q", 10)
	require.NoError(t, err)
	second, err := retriever.Retrieve(context.Background(), testScope, "q", 10)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Fact.ID, second[i].Fact.ID)
	}
	assert.Equal(t, "f-a", first[0].Fact.ID, "equal scores fall back to fact id order")
}

func TestRetrieveRecencyBreaksTiesBeforeID(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	seedFact(t, s, "f-a", "e-alice", "likes", "x", "", now.Add(-time.Hour), []float32{1, 0})
	seedFact(t, s, "f-z", "e-alice", "likes", "y", "", now, []float32{1, 0})

	retriever := NewRetriever(s, &stubEmbedder{queryVec: []float32{1, 0}}, DefaultConfig(), nil)
	results, err := retriever.Retrieve(context.Background(), testScope, "q", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "f-z", results[0].Fact.ID, "newer fact wins the tie")
}
