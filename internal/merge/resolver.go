// Package merge reconciles extracted candidates against the existing
// scoped graph. It decides, per candidate, whether to add a fact,
// supersede a conflicting one, or discard a duplicate, then commits all
// decisions as one store batch.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/embedding"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
)

// Op names a merge decision.
type Op string

const (
	// OpAdd inserts a new Active fact.
	OpAdd Op = "add"
	// OpSupersede marks a prior Active fact Superseded in favor of a
	// new one under a functional predicate.
	OpSupersede Op = "supersede"
	// OpDiscard drops a candidate that duplicates an existing fact.
	OpDiscard Op = "discard"
	// OpRefresh bumps the confidence of an existing fact that a
	// discarded duplicate re-confirmed with higher confidence.
	OpRefresh Op = "refresh"
)

// Delta is one applied merge decision, reported back to the caller.
// Conflicts and duplicates are ordinary outcomes, not errors.
type Delta struct {
	Op     Op                `json:"op"`
	Fact   *memzero.Fact     `json:"fact,omitempty"`
	PrevID string            `json:"prev_id,omitempty"`
	Source memzero.Candidate `json:"source"`
}

// Result summarizes one merge.
type Result struct {
	Deltas     []Delta `json:"deltas"`
	Added      int     `json:"added"`
	Superseded int     `json:"superseded"`
	Discarded  int     `json:"discarded"`
	Refreshed  int     `json:"refreshed"`
}

// ObjectTypeLiteral marks candidate objects that are plain values
// rather than graph entities.
const ObjectTypeLiteral = "literal"

// Resolver merges candidates into the scoped graph.
type Resolver struct {
	store    store.Adapter
	embedder embedding.Client
	preds    *memzero.Predicates
	logger   *logrus.Logger
	now      func() time.Time
}

// NewResolver creates a merge resolver. preds may be nil, in which case
// the default functional predicate set applies.
func NewResolver(adapter store.Adapter, embedder embedding.Client, preds *memzero.Predicates, logger *logrus.Logger) *Resolver {
	if preds == nil {
		preds = memzero.NewPredicates(memzero.DefaultFunctionalPredicates)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		store:    adapter,
		embedder: embedder,
		preds:    preds,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// pending tracks one insert decided during this merge, before embedding
// and commit. conflicts holds the stored Active facts this insert will
// supersede if it survives the in-batch rules.
type pending struct {
	fact      *memzero.Fact
	source    memzero.Candidate
	normObj   string
	conflicts []*memzero.Fact
}

// Merge reconciles candidates against the scope's graph and commits the
// resulting deltas as one atomic batch. Candidates are processed in
// order; within a batch, a later candidate for the same functional
// (subject, predicate) replaces an earlier one rather than both landing.
func (r *Resolver) Merge(ctx context.Context, scope memzero.Scope, candidates []memzero.Candidate) (*Result, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	result := &Result{}
	if len(candidates) == 0 {
		return result, nil
	}

	now := r.now()
	batch := &store.Batch{}
	entities := map[string]*memzero.Entity{} // identity key -> entity (existing or new)
	pendings := []*pending{}                 // decided inserts, in order
	pendingByPair := map[string][]*pending{} // subject id + predicate -> inserts
	refreshed := map[string]float64{}        // fact id -> best confidence seen

	for _, cand := range candidates {
		pred := memzero.NormalizePredicate(cand.Predicate)
		normObj := memzero.NormalizeName(cand.Object)

		subject, err := r.resolveEntity(ctx, scope, cand.Subject, cand.SubjectType, now, entities, batch)
		if err != nil {
			return nil, err
		}

		var objectID string
		if cand.ObjectType != "" && cand.ObjectType != ObjectTypeLiteral {
			object, err := r.resolveEntity(ctx, scope, cand.Object, cand.ObjectType, now, entities, batch)
			if err != nil {
				return nil, err
			}
			objectID = object.ID
		}

		pairKey := subject.ID + "\x00" + pred
		functional := r.preds.Functional(pred)

		// Reconcile against inserts already decided in this batch.
		if delta, done := r.reconcileInBatch(pairKey, pred, normObj, functional, cand, pendingByPair, &pendings); done {
			if delta != nil {
				result.Deltas = append(result.Deltas, *delta)
				result.Discarded++
			}
			continue
		}

		// Reconcile against the stored graph.
		existing, err := r.store.ActiveFacts(ctx, scope, subject.ID, pred)
		if err != nil {
			return nil, fmt.Errorf("active fact lookup failed: %w", err)
		}

		duplicate := false
		for _, old := range existing {
			if memzero.NormalizeName(old.Object) != normObj {
				continue
			}
			duplicate = true
			result.Deltas = append(result.Deltas, Delta{Op: OpDiscard, PrevID: old.ID, Source: cand})
			result.Discarded++
			if cand.Confidence > old.Confidence && cand.Confidence > refreshed[old.ID] {
				refreshed[old.ID] = cand.Confidence
				result.Deltas = append(result.Deltas, Delta{Op: OpRefresh, PrevID: old.ID, Source: cand})
				result.Refreshed++
			}
			break
		}
		if duplicate {
			continue
		}

		fact := &memzero.Fact{
			ID:         uuid.New().String(),
			Scope:      scope,
			SubjectID:  subject.ID,
			Subject:    subject.Name,
			Predicate:  pred,
			Object:     cand.Object,
			ObjectID:   objectID,
			Confidence: cand.Confidence,
			SourceTurn: cand.SourceTurn,
			Status:     memzero.StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		p := &pending{fact: fact, source: cand, normObj: normObj}
		if functional {
			p.conflicts = existing
		}
		pendings = append(pendings, p)
		pendingByPair[pairKey] = append(pendingByPair[pairKey], p)
	}

	// Supersessions come from the inserts that survived the in-batch
	// rules. An evicted insert must not retire the stored fact it
	// conflicted with: a later candidate restating that stored value
	// would otherwise leave the pair with no Active fact.
	superseded := map[string]bool{}
	for _, p := range pendings {
		for _, old := range p.conflicts {
			if !superseded[old.ID] {
				superseded[old.ID] = true
				batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{
					FactID: old.ID,
					Status: memzero.StatusSuperseded,
				})
				result.Superseded++
			}
			result.Deltas = append(result.Deltas, Delta{Op: OpSupersede, Fact: p.fact, PrevID: old.ID, Source: p.source})
		}
	}

	for id, confidence := range refreshed {
		batch.ConfidenceUpdates = append(batch.ConfidenceUpdates, store.ConfidenceUpdate{
			FactID:     id,
			Confidence: confidence,
		})
	}

	if err := r.embedAndQueue(ctx, batch, pendings, result); err != nil {
		return nil, err
	}

	if !batch.Empty() {
		if err := r.store.ApplyBatch(ctx, scope, batch); err != nil {
			return nil, fmt.Errorf("merge commit failed: %w", err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"scope":      scope.Key(),
		"candidates": len(candidates),
		"added":      result.Added,
		"superseded": result.Superseded,
		"discarded":  result.Discarded,
		"refreshed":  result.Refreshed,
	}).Info("Merge committed")

	return result, nil
}

// Retract transitions a fact to Retracted. The row and its embedding
// stay for audit; retrieval filters the status out.
func (r *Resolver) Retract(ctx context.Context, scope memzero.Scope, factID string) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}
	if err := r.store.UpdateFactStatus(ctx, scope, factID, memzero.StatusRetracted); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"scope": scope.Key(),
		"fact":  factID,
	}).Info("Fact retracted")
	return nil
}

// reconcileInBatch applies the in-batch rules for a candidate against
// inserts already decided in this merge. It returns (delta, true) when
// the candidate is fully handled here.
func (r *Resolver) reconcileInBatch(pairKey, pred, normObj string, functional bool, cand memzero.Candidate, pendingByPair map[string][]*pending, pendings *[]*pending) (*Delta, bool) {
	prior := pendingByPair[pairKey]
	if len(prior) == 0 {
		return nil, false
	}

	for _, p := range prior {
		if p.normObj == normObj {
			// Same triple twice in one batch: keep one insert at the
			// higher confidence.
			if cand.Confidence > p.fact.Confidence {
				p.fact.Confidence = cand.Confidence
			}
			delta := &Delta{Op: OpDiscard, PrevID: p.fact.ID, Source: cand}
			return delta, true
		}
	}

	if functional {
		// Later value wins within a batch; the earlier insert never
		// lands.
		kept := (*pendings)[:0]
		for _, p := range *pendings {
			if p.fact.SubjectID+"\x00"+p.fact.Predicate == pairKey {
				continue
			}
			kept = append(kept, p)
		}
		*pendings = kept
		delete(pendingByPair, pairKey)
	}
	return nil, false
}

// resolveEntity finds or creates the entity for (name, type) within the
// scope, consulting entities already touched in this batch first.
func (r *Resolver) resolveEntity(ctx context.Context, scope memzero.Scope, name, entityType string, now time.Time, entities map[string]*memzero.Entity, batch *store.Batch) (*memzero.Entity, error) {
	norm := memzero.NormalizeName(name)
	key := norm + "\x00" + entityType

	if entity, ok := entities[key]; ok {
		return entity, nil
	}

	entity, err := r.store.GetEntity(ctx, scope, norm, entityType)
	if err != nil {
		return nil, fmt.Errorf("entity lookup failed: %w", err)
	}
	if entity == nil {
		entity = &memzero.Entity{
			ID:        uuid.New().String(),
			Scope:     scope,
			Name:      name,
			NormName:  norm,
			Type:      entityType,
			Mentions:  1,
			CreatedAt: now,
		}
	}

	// The store bumps the mention counter on upsert; one upsert per
	// entity per batch.
	entities[key] = entity
	batch.Entities = append(batch.Entities, entity)
	return entity, nil
}

// embedAndQueue embeds every pending insert's sentence in one provider
// call and moves the inserts onto the batch.
func (r *Resolver) embedAndQueue(ctx context.Context, batch *store.Batch, pendings []*pending, result *Result) error {
	if len(pendings) == 0 {
		return nil
	}

	sentences := make([]string, len(pendings))
	for i, p := range pendings {
		sentences[i] = p.fact.Sentence()
	}
	vectors, err := r.embedder.Embed(ctx, sentences)
	if err != nil {
		return fmt.Errorf("fact embedding failed: %w", err)
	}

	for i, p := range pendings {
		batch.Inserts = append(batch.Inserts, store.FactInsert{Fact: p.fact, Embedding: vectors[i]})
		result.Deltas = append(result.Deltas, Delta{Op: OpAdd, Fact: p.fact, Source: p.source})
		result.Added++
	}
	return nil
}
