// Package coordinator wires extraction, merge and retrieval into the
// public memory engine API. Ingests within one scope are serialized so
// merge decisions always see the previous ingest's committed state;
// different scopes and all retrieves run concurrently.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/extraction"
	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/merge"
	"github.com/metastable-lab/memzero/internal/retrieval"
	"github.com/metastable-lab/memzero/internal/store"
)

const answerPromptTemplate = `You are a memory-grounded assistant. Answer the question using ONLY the memories listed below. Do not use outside knowledge. If the memories do not contain the answer, reply exactly: I don't know.

Memories:
%s`

// Engine is the long-term memory engine: ingest conversation turns,
// retrieve relevant facts, answer questions from memories alone.
type Engine struct {
	extractor *extraction.Engine
	resolver  *merge.Resolver
	retriever *retrieval.Retriever
	llm       llm.Client
	metrics   *Metrics
	logger    *logrus.Logger

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

// NewEngine assembles the engine. metrics may be nil to disable
// instrumentation; llmClient is only needed for Answer.
func NewEngine(extractor *extraction.Engine, resolver *merge.Resolver, retriever *retrieval.Retriever, llmClient llm.Client, metrics *Metrics, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		extractor: extractor,
		resolver:  resolver,
		retriever: retriever,
		llm:       llmClient,
		metrics:   metrics,
		logger:    logger,
		scopes:    make(map[string]*sync.Mutex),
	}
}

// scopeLock returns the mutex serializing ingests for one scope. The
// registry only grows; scope cardinality is bounded by the user base.
func (e *Engine) scopeLock(scope memzero.Scope) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.scopes[scope.Key()]
	if !ok {
		lock = &sync.Mutex{}
		e.scopes[scope.Key()] = lock
	}
	return lock
}

// Ingest extracts facts from turns and merges them into the scope's
// graph as one atomic batch. Concurrent ingests for the same scope are
// serialized; the returned result reports every merge decision.
func (e *Engine) Ingest(ctx context.Context, scope memzero.Scope, turns []memzero.Turn) (*merge.Result, error) {
	if scope.IsZero() {
		return nil, store.ErrMissingScope
	}

	start := time.Now()
	lock := e.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := e.extractor.Extract(ctx, scope, turns)
	if err != nil {
		e.countIngest("extract_error")
		return nil, fmt.Errorf("ingest extraction: %w", err)
	}

	result, err := e.resolver.Merge(ctx, scope, candidates)
	if err != nil {
		e.countIngest("merge_error")
		return nil, fmt.Errorf("ingest merge: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IngestTotal.WithLabelValues("ok").Inc()
		e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		for _, delta := range result.Deltas {
			e.metrics.MergeDeltas.WithLabelValues(string(delta.Op)).Inc()
		}
	}
	return result, nil
}

// Retrieve returns the top-k facts for the query. Retrieves take no
// scope lock; the store's batch commit keeps them consistent.
func (e *Engine) Retrieve(ctx context.Context, scope memzero.Scope, query string, k int) ([]memzero.ScoredFact, error) {
	facts, err := e.retriever.Retrieve(ctx, scope, query, k)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RetrieveTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RetrieveTotal.WithLabelValues("ok").Inc()
		e.metrics.RetrieveResults.Observe(float64(len(facts)))
	}
	return facts, nil
}

// Answer retrieves memories for the question and synthesizes an answer
// from them alone. With no relevant memories, or when the memories do
// not cover the question, the answer is "I don't know.".
func (e *Engine) Answer(ctx context.Context, scope memzero.Scope, question string) (string, error) {
	facts, err := e.Retrieve(ctx, scope, question, 0)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "I don't know.", nil
	}
	if e.llm == nil {
		return "", fmt.Errorf("answer synthesis requires an llm client")
	}

	var memories strings.Builder
	for i, sf := range facts {
		fmt.Fprintf(&memories, "%d. %s\n", i+1, sf.Fact.Sentence())
	}

	resp, err := e.llm.Complete(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(answerPromptTemplate, memories.String())},
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("answer synthesis failed: %w", err)
	}

	answer := strings.TrimSpace(resp.Content())
	if answer == "" {
		answer = "I don't know."
	}
	return answer, nil
}

// Retract marks a fact Retracted, removing it from retrieval while
// keeping the row for audit. Like ingest, retractions serialize per
// scope so they never race a merge decision.
func (e *Engine) Retract(ctx context.Context, scope memzero.Scope, factID string) error {
	if scope.IsZero() {
		return store.ErrMissingScope
	}

	lock := e.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	if err := e.resolver.Retract(ctx, scope, factID); err != nil {
		return fmt.Errorf("retract: %w", err)
	}
	if e.metrics != nil {
		e.metrics.MergeDeltas.WithLabelValues("retract").Inc()
	}
	return nil
}

func (e *Engine) countIngest(outcome string) {
	if e.metrics != nil {
		e.metrics.IngestTotal.WithLabelValues(outcome).Inc()
	}
}
