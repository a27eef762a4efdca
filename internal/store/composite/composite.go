// Package composite combines the Neo4j graph and the Qdrant vector
// index into one store.Adapter. The graph is the source of truth: each
// batch commits there first in one transaction, then the vector side is
// brought up to date. A crash between the two leaves a fact without its
// embedding; such facts stay reachable through the graph until the
// vector write is repaired.
package composite

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
	"github.com/metastable-lab/memzero/internal/store/neo4j"
	"github.com/metastable-lab/memzero/internal/store/qdrant"
)

// Adapter is the production store: Neo4j graph plus Qdrant vectors.
type Adapter struct {
	graph  *neo4j.Graph
	index  *qdrant.Index
	logger *logrus.Logger
}

var _ store.Adapter = (*Adapter)(nil)

// New creates the composite adapter.
func New(graph *neo4j.Graph, index *qdrant.Index, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{graph: graph, index: index, logger: logger}
}

// HealthCheck probes both backends.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.graph.HealthCheck(ctx); err != nil {
		return err
	}
	return a.index.HealthCheck(ctx)
}

func (a *Adapter) UpsertEntity(ctx context.Context, entity *memzero.Entity) error {
	return a.graph.UpsertEntity(ctx, entity)
}

func (a *Adapter) GetEntity(ctx context.Context, scope memzero.Scope, normName, entityType string) (*memzero.Entity, error) {
	return a.graph.GetEntity(ctx, scope, normName, entityType)
}

func (a *Adapter) InsertFact(ctx context.Context, fact *memzero.Fact) error {
	return a.graph.InsertFact(ctx, fact)
}

// UpdateFactStatus writes the graph first, then mirrors the status into
// the vector payload so searches stop returning the fact.
func (a *Adapter) UpdateFactStatus(ctx context.Context, scope memzero.Scope, factID string, status memzero.FactStatus) error {
	if err := a.graph.UpdateFactStatus(ctx, scope, factID, status); err != nil {
		return err
	}
	return a.index.SetStatus(ctx, scope, factID, status)
}

// InsertEmbedding repairs a fact that has no vector yet. The fact's
// payload fields come from the graph.
func (a *Adapter) InsertEmbedding(ctx context.Context, scope memzero.Scope, factID string, vector []float32) error {
	facts, err := a.graph.GetFacts(ctx, scope, []string{factID})
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return fmt.Errorf("fact not found in scope: %s", factID)
	}
	return a.index.Upsert(ctx, scope, []store.FactInsert{{Fact: facts[0], Embedding: vector}})
}

func (a *Adapter) ActiveFacts(ctx context.Context, scope memzero.Scope, subjectID, predicate string) ([]*memzero.Fact, error) {
	return a.graph.ActiveFacts(ctx, scope, subjectID, predicate)
}

func (a *Adapter) GetFacts(ctx context.Context, scope memzero.Scope, ids []string) ([]*memzero.Fact, error) {
	return a.graph.GetFacts(ctx, scope, ids)
}

func (a *Adapter) VectorSearch(ctx context.Context, scope memzero.Scope, vector []float32, k int) ([]store.VectorHit, error) {
	return a.index.Search(ctx, scope, vector, k)
}

func (a *Adapter) GraphNeighbors(ctx context.Context, scope memzero.Scope, entityIDs []string, maxHops int) ([]*memzero.Fact, error) {
	return a.graph.GraphNeighbors(ctx, scope, entityIDs, maxHops)
}

// ApplyBatch commits the graph side in one transaction, then fans the
// vector writes out. A failure after the graph commit is logged and
// returned; the batch's facts are already visible via the graph and the
// vector side converges on retry.
func (a *Adapter) ApplyBatch(ctx context.Context, scope memzero.Scope, batch *store.Batch) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}
	if batch == nil || batch.Empty() {
		return nil
	}

	if err := a.graph.ApplyGraphBatch(ctx, scope, batch); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.index.Upsert(groupCtx, scope, batch.Inserts)
	})
	for _, update := range batch.StatusUpdates {
		update := update
		group.Go(func() error {
			return a.index.SetStatus(groupCtx, scope, update.FactID, update.Status)
		})
	}
	if err := group.Wait(); err != nil {
		a.logger.WithError(err).WithField("scope", scope.Key()).
			Warn("Vector side of batch incomplete; affected facts are graph-only until repaired")
		return err
	}
	return nil
}
