// Package store defines the fact store adapter: a typed, scope-qualified
// interface over the vector index (fact embeddings) and the graph store
// (entities and relationships). Implementations live in the memstore,
// qdrant and neo4j subpackages; Composite stitches the latter two
// together.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/metastable-lab/memzero/internal/memzero"
)

// ErrUnavailable marks transient backend failures (timeouts, connection
// loss). Callers retry with backoff; "not found" is never this error,
// it is an empty result.
var ErrUnavailable = errors.New("store unavailable")

// ErrMissingScope is a defensive programming-error check: any store
// operation invoked without a scope filter fails fast rather than
// silently widening to all scopes.
var ErrMissingScope = errors.New("store operation missing scope")

// UnavailableError wraps a backend failure with the operation that hit
// it. errors.Is(err, ErrUnavailable) holds for every UnavailableError.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err as an UnavailableError for op.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// CheckScope fails fast on a zero scope. Every adapter method calls it
// before touching a backend.
func CheckScope(scope memzero.Scope) error {
	if scope.IsZero() {
		return ErrMissingScope
	}
	return nil
}

// VectorHit is one vector-search result: a fact id and its cosine
// similarity to the query.
type VectorHit struct {
	FactID string
	Score  float64
}

// FactInsert pairs a new fact with the embedding of its sentence.
type FactInsert struct {
	Fact      *memzero.Fact
	Embedding []float32
}

// StatusUpdate transitions an existing fact to a new lifecycle status.
// The row is never deleted.
type StatusUpdate struct {
	FactID string
	Status memzero.FactStatus
}

// ConfidenceUpdate refreshes the confidence of an existing fact
// (duplicate candidates bump confidence to max(old, new)).
type ConfidenceUpdate struct {
	FactID     string
	Confidence float64
}

// Batch is the atomicity unit of one ingest: all decided deltas commit
// together or not at all, so a concurrent retrieve never observes a
// half-applied ingest.
type Batch struct {
	Entities          []*memzero.Entity
	Inserts           []FactInsert
	StatusUpdates     []StatusUpdate
	ConfidenceUpdates []ConfidenceUpdate
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.Entities) == 0 && len(b.Inserts) == 0 &&
		len(b.StatusUpdates) == 0 && len(b.ConfidenceUpdates) == 0
}

// Adapter is the full fact store contract. Every operation is
// scope-qualified; implementations must reject a zero scope with
// ErrMissingScope and must surface backend failures as UnavailableError.
type Adapter interface {
	// UpsertEntity creates the entity if absent (identity is scope +
	// NormName + Type) and bumps its mention count if present. The
	// entity's ID field is populated either way.
	UpsertEntity(ctx context.Context, entity *memzero.Entity) error

	// GetEntity resolves an entity by identity. Absent is (nil, nil).
	GetEntity(ctx context.Context, scope memzero.Scope, normName, entityType string) (*memzero.Entity, error)

	// InsertFact stores a single new fact.
	InsertFact(ctx context.Context, fact *memzero.Fact) error

	// UpdateFactStatus transitions a fact's lifecycle status.
	UpdateFactStatus(ctx context.Context, scope memzero.Scope, factID string, status memzero.FactStatus) error

	// InsertEmbedding stores the vector for a fact id.
	InsertEmbedding(ctx context.Context, scope memzero.Scope, factID string, vector []float32) error

	// ActiveFacts returns the Active facts sharing (subject, predicate)
	// within the scope.
	ActiveFacts(ctx context.Context, scope memzero.Scope, subjectID, predicate string) ([]*memzero.Fact, error)

	// GetFacts resolves facts by id within the scope. Unknown ids are
	// silently skipped.
	GetFacts(ctx context.Context, scope memzero.Scope, ids []string) ([]*memzero.Fact, error)

	// VectorSearch returns the top-k Active facts by cosine similarity.
	// Facts without an embedding record are not eligible here; they
	// stay reachable through GraphNeighbors.
	VectorSearch(ctx context.Context, scope memzero.Scope, vector []float32, k int) ([]VectorHit, error)

	// GraphNeighbors returns Active facts within maxHops of the given
	// entities, in the scope.
	GraphNeighbors(ctx context.Context, scope memzero.Scope, entityIDs []string, maxHops int) ([]*memzero.Fact, error)

	// ApplyBatch commits one ingest's deltas as a single logical unit.
	ApplyBatch(ctx context.Context, scope memzero.Scope, batch *Batch) error
}
