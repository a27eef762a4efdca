// Package memstore provides an in-memory store.Adapter used by tests
// and local development. Batches commit under one lock, so readers
// never observe a partially applied ingest.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
)

// Store is the in-memory adapter.
type Store struct {
	entities   map[string]*memzero.Entity // entity id -> entity
	facts      map[string]*memzero.Fact   // fact id -> fact
	embeddings map[string][]float32       // fact id -> vector

	// Indexes
	entityIdent map[string]string   // scopeKey|normName|type -> entity id
	scopeFacts  map[string][]string // scopeKey -> fact ids, insertion order
	entityFacts map[string][]string // entity id -> fact ids

	mu sync.RWMutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities:    make(map[string]*memzero.Entity),
		facts:       make(map[string]*memzero.Fact),
		embeddings:  make(map[string][]float32),
		entityIdent: make(map[string]string),
		scopeFacts:  make(map[string][]string),
		entityFacts: make(map[string][]string),
	}
}

func identKey(scope memzero.Scope, normName, entityType string) string {
	return scope.Key() + "|" + normName + "|" + entityType
}

// UpsertEntity creates or refreshes an entity by identity.
func (s *Store) UpsertEntity(ctx context.Context, entity *memzero.Entity) error {
	if err := store.CheckScope(entity.Scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertEntityLocked(entity)
	return nil
}

func (s *Store) upsertEntityLocked(entity *memzero.Entity) {
	key := identKey(entity.Scope, entity.NormName, entity.Type)
	if id, ok := s.entityIdent[key]; ok {
		existing := s.entities[id]
		existing.Mentions++
		entity.ID = existing.ID
		entity.Mentions = existing.Mentions
		return
	}

	if entity.Mentions == 0 {
		entity.Mentions = 1
	}
	cp := *entity
	s.entities[cp.ID] = &cp
	s.entityIdent[key] = cp.ID
}

// GetEntity resolves an entity by identity; absent is (nil, nil).
func (s *Store) GetEntity(ctx context.Context, scope memzero.Scope, normName, entityType string) (*memzero.Entity, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.entityIdent[identKey(scope, normName, entityType)]
	if !ok {
		return nil, nil
	}
	cp := *s.entities[id]
	return &cp, nil
}

// InsertFact stores a single new fact.
func (s *Store) InsertFact(ctx context.Context, fact *memzero.Fact) error {
	if err := store.CheckScope(fact.Scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertFactLocked(fact)
}

func (s *Store) insertFactLocked(fact *memzero.Fact) error {
	if _, exists := s.facts[fact.ID]; exists {
		return fmt.Errorf("fact already exists: %s", fact.ID)
	}

	cp := *fact
	s.facts[cp.ID] = &cp
	s.scopeFacts[cp.Scope.Key()] = append(s.scopeFacts[cp.Scope.Key()], cp.ID)
	s.entityFacts[cp.SubjectID] = append(s.entityFacts[cp.SubjectID], cp.ID)
	if cp.ObjectID != "" {
		s.entityFacts[cp.ObjectID] = append(s.entityFacts[cp.ObjectID], cp.ID)
	}
	return nil
}

// UpdateFactStatus transitions a fact's status without deleting the row.
func (s *Store) UpdateFactStatus(ctx context.Context, scope memzero.Scope, factID string, status memzero.FactStatus) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateFactStatusLocked(scope, factID, status)
}

func (s *Store) updateFactStatusLocked(scope memzero.Scope, factID string, status memzero.FactStatus) error {
	fact, ok := s.facts[factID]
	if !ok || fact.Scope != scope {
		return fmt.Errorf("fact not found in scope: %s", factID)
	}
	fact.Status = status
	return nil
}

// InsertEmbedding stores the vector for a fact id.
func (s *Store) InsertEmbedding(ctx context.Context, scope memzero.Scope, factID string, vector []float32) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[factID] = append([]float32(nil), vector...)
	return nil
}

// ActiveFacts returns Active facts sharing (subject, predicate).
func (s *Store) ActiveFacts(ctx context.Context, scope memzero.Scope, subjectID, predicate string) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memzero.Fact
	for _, id := range s.entityFacts[subjectID] {
		f := s.facts[id]
		if f.Scope != scope || f.SubjectID != subjectID {
			continue
		}
		if f.Status != memzero.StatusActive || f.Predicate != predicate {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

// GetFacts resolves facts by id within the scope, skipping unknown ids.
func (s *Store) GetFacts(ctx context.Context, scope memzero.Scope, ids []string) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*memzero.Fact, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.facts[id]; ok && f.Scope == scope {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// VectorSearch ranks Active facts of the scope by cosine similarity.
// Facts without an embedding record are skipped.
func (s *Store) VectorSearch(ctx context.Context, scope memzero.Scope, vector []float32, k int) ([]store.VectorHit, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []store.VectorHit
	for _, id := range s.scopeFacts[scope.Key()] {
		f := s.facts[id]
		if f.Status != memzero.StatusActive {
			continue
		}
		emb, ok := s.embeddings[id]
		if !ok {
			continue
		}
		hits = append(hits, store.VectorHit{FactID: id, Score: cosine(vector, emb)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FactID < hits[j].FactID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// GraphNeighbors returns Active facts within maxHops of the given
// entities.
func (s *Store) GraphNeighbors(ctx context.Context, scope memzero.Scope, entityIDs []string, maxHops int) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if maxHops < 1 {
		maxHops = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	frontier := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		frontier[id] = true
	}

	seen := make(map[string]bool)
	var out []*memzero.Fact
	for hop := 0; hop < maxHops; hop++ {
		next := make(map[string]bool)
		for entityID := range frontier {
			for _, factID := range s.entityFacts[entityID] {
				f := s.facts[factID]
				if f.Scope != scope || f.Status != memzero.StatusActive || seen[factID] {
					continue
				}
				seen[factID] = true
				cp := *f
				out = append(out, &cp)
				next[f.SubjectID] = true
				if f.ObjectID != "" {
					next[f.ObjectID] = true
				}
			}
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyBatch commits all deltas of one ingest under a single lock. A
// batch that fails validation is rejected whole; nothing is applied.
func (s *Store) ApplyBatch(ctx context.Context, scope memzero.Scope, batch *store.Batch) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}
	if batch == nil || batch.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every delta before touching state so a bad batch leaves
	// the store as it was.
	for _, u := range batch.StatusUpdates {
		if f, ok := s.facts[u.FactID]; !ok || f.Scope != scope {
			return fmt.Errorf("fact not found in scope: %s", u.FactID)
		}
	}
	for _, u := range batch.ConfidenceUpdates {
		if f, ok := s.facts[u.FactID]; !ok || f.Scope != scope {
			return fmt.Errorf("fact not found in scope: %s", u.FactID)
		}
	}
	inserting := make(map[string]bool, len(batch.Inserts))
	for _, ins := range batch.Inserts {
		if _, exists := s.facts[ins.Fact.ID]; exists || inserting[ins.Fact.ID] {
			return fmt.Errorf("fact already exists: %s", ins.Fact.ID)
		}
		inserting[ins.Fact.ID] = true
	}

	for _, e := range batch.Entities {
		s.upsertEntityLocked(e)
	}
	for _, u := range batch.StatusUpdates {
		s.facts[u.FactID].Status = u.Status
	}
	for _, u := range batch.ConfidenceUpdates {
		s.facts[u.FactID].Confidence = u.Confidence
	}
	for _, ins := range batch.Inserts {
		if err := s.insertFactLocked(ins.Fact); err != nil {
			return err
		}
		if len(ins.Embedding) > 0 {
			s.embeddings[ins.Fact.ID] = append([]float32(nil), ins.Embedding...)
		}
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
