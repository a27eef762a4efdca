// Package retrieval serves scoped hybrid queries: vector similarity
// over fact sentences fused with graph proximity around the entities
// those facts mention. Ordering is fully deterministic so identical
// queries over identical state return identical results.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/embedding"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
)

// Config tunes the hybrid scorer.
type Config struct {
	// VectorK is how many vector hits seed the graph expansion.
	VectorK int `yaml:"vector_k"`
	// MaxHops bounds the graph expansion around seed entities.
	MaxHops int `yaml:"max_hops"`
	// VectorWeight and GraphWeight combine the two signals; they need
	// not sum to 1.
	VectorWeight float64 `yaml:"vector_weight"`
	GraphWeight  float64 `yaml:"graph_weight"`
	// DefaultLimit applies when a query asks for k <= 0.
	DefaultLimit int `yaml:"default_limit"`
}

// DefaultConfig returns the default hybrid weighting.
func DefaultConfig() Config {
	return Config{
		VectorK:      20,
		MaxHops:      1,
		VectorWeight: 0.6,
		GraphWeight:  0.4,
		DefaultLimit: 10,
	}
}

// Retriever answers scoped queries against the fact store.
type Retriever struct {
	store    store.Adapter
	embedder embedding.Client
	config   Config
	logger   *logrus.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(adapter store.Adapter, embedder embedding.Client, config Config, logger *logrus.Logger) *Retriever {
	def := DefaultConfig()
	if config.VectorK <= 0 {
		config.VectorK = def.VectorK
	}
	if config.MaxHops <= 0 {
		config.MaxHops = def.MaxHops
	}
	if config.VectorWeight == 0 && config.GraphWeight == 0 {
		config.VectorWeight = def.VectorWeight
		config.GraphWeight = def.GraphWeight
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = def.DefaultLimit
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Retriever{store: adapter, embedder: embedder, config: config, logger: logger}
}

// Retrieve returns the top-k facts for the query within the scope. A
// scope with no matching facts yields an empty result, not an error.
// Results are ordered by score descending, then recency, then fact id.
func (r *Retriever) Retrieve(ctx context.Context, scope memzero.Scope, query string, k int) ([]memzero.ScoredFact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = r.config.DefaultLimit
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	hits, err := r.store.VectorSearch(ctx, scope, queryVec, r.config.VectorK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	scored := make(map[string]*memzero.ScoredFact)
	var order []string

	if len(hits) > 0 {
		ids := make([]string, len(hits))
		for i, hit := range hits {
			ids[i] = hit.FactID
		}
		facts, err := r.store.GetFacts(ctx, scope, ids)
		if err != nil {
			return nil, fmt.Errorf("fact fetch failed: %w", err)
		}
		byID := make(map[string]*memzero.Fact, len(facts))
		for _, f := range facts {
			byID[f.ID] = f
		}
		for _, hit := range hits {
			fact, ok := byID[hit.FactID]
			if !ok {
				continue
			}
			scored[fact.ID] = &memzero.ScoredFact{Fact: fact, VectorScore: hit.Score}
			order = append(order, fact.ID)
		}
	}

	if err := r.expandGraph(ctx, scope, scored, &order); err != nil {
		return nil, err
	}

	out := make([]memzero.ScoredFact, 0, len(order))
	for _, id := range order {
		sf := scored[id]
		sf.Score = r.config.VectorWeight*sf.VectorScore + r.config.GraphWeight*sf.GraphScore
		out = append(out, *sf)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Fact.CreatedAt.Equal(out[j].Fact.CreatedAt) {
			return out[i].Fact.CreatedAt.After(out[j].Fact.CreatedAt)
		}
		return out[i].Fact.ID < out[j].Fact.ID
	})
	if len(out) > k {
		out = out[:k]
	}

	r.logger.WithFields(logrus.Fields{
		"scope":   scope.Key(),
		"vector":  len(hits),
		"results": len(out),
	}).Debug("Retrieval finished")

	return out, nil
}

// expandGraph walks outward from the entities the vector hits mention,
// one hop level at a time, attaching a proximity score of 1/(1+hops) to
// every Active fact it reaches. Facts already found by vector search
// pick up their graph component; facts without embeddings are reachable
// only here.
func (r *Retriever) expandGraph(ctx context.Context, scope memzero.Scope, scored map[string]*memzero.ScoredFact, order *[]string) error {
	seedSet := make(map[string]bool)
	var seeds []string
	for _, id := range *order {
		fact := scored[id].Fact
		for _, entityID := range []string{fact.SubjectID, fact.ObjectID} {
			if entityID != "" && !seedSet[entityID] {
				seedSet[entityID] = true
				seeds = append(seeds, entityID)
			}
		}
	}
	if len(seeds) == 0 {
		return nil
	}
	sort.Strings(seeds)

	reached := make(map[string]bool)
	for hops := 1; hops <= r.config.MaxHops; hops++ {
		facts, err := r.store.GraphNeighbors(ctx, scope, seeds, hops)
		if err != nil {
			return fmt.Errorf("graph expansion failed: %w", err)
		}
		proximity := 1.0 / float64(1+hops)
		for _, fact := range facts {
			if reached[fact.ID] {
				continue
			}
			reached[fact.ID] = true
			if sf, ok := scored[fact.ID]; ok {
				sf.GraphScore = proximity
				sf.Hops = hops
				continue
			}
			scored[fact.ID] = &memzero.ScoredFact{Fact: fact, GraphScore: proximity, Hops: hops}
			*order = append(*order, fact.ID)
		}
	}
	return nil
}
