// Package memzero defines the data model shared by the memory engine:
// scopes, entities, facts and their lifecycle, extraction candidates,
// and scored retrieval results.
package memzero

import (
	"fmt"
	"strings"
	"time"
)

// Scope identifies the (user, agent) pair that owns a memory graph.
// All facts and embeddings are partitioned by scope; there is no
// cross-scope visibility.
type Scope struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

// Key returns a stable string form usable as a map key or store tag.
func (s Scope) Key() string {
	return s.UserID + "/" + s.AgentID
}

// IsZero reports whether the scope is missing its isolation keys.
func (s Scope) IsZero() bool {
	return s.UserID == "" || s.AgentID == ""
}

// Turn is a single conversational utterance handed to ingest.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FactStatus is the lifecycle state of a fact.
type FactStatus string

const (
	StatusActive     FactStatus = "active"
	StatusSuperseded FactStatus = "superseded"
	StatusRetracted  FactStatus = "retracted"
)

// Valid reports whether the status is one of the known states.
func (s FactStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusRetracted:
		return true
	}
	return false
}

// Entity is a canonical named concept in the knowledge graph. Identity
// is (scope, NormName, Type), so paraphrases of the same entity
// converge on one node.
type Entity struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Name      string    `json:"name"`
	NormName  string    `json:"norm_name"`
	Type      string    `json:"type"` // person, place, preference, ...
	Mentions  int64     `json:"mentions"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a directed edge (subject, predicate, object) with lifecycle
// status. The object is either another entity (ObjectID set) or a
// literal (ObjectID empty).
type Fact struct {
	ID         string     `json:"id"`
	Scope      Scope      `json:"scope"`
	SubjectID  string     `json:"subject_id"`
	Subject    string     `json:"subject"`
	Predicate  string     `json:"predicate"`
	Object     string     `json:"object"`
	ObjectID   string     `json:"object_id,omitempty"`
	Confidence float64    `json:"confidence"`
	SourceTurn int        `json:"source_turn"`
	Status     FactStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Sentence renders the fact as natural language. This rendering is what
// gets embedded, so it must be stable for the fact's lifetime.
func (f *Fact) Sentence() string {
	pred := strings.ReplaceAll(f.Predicate, "_", " ")
	return fmt.Sprintf("%s %s %s", f.Subject, pred, f.Object)
}

// Candidate is an extracted fact before merging. Extraction is
// explicitly approximate; candidates carry no identity and no status.
type Candidate struct {
	Subject     string  `json:"subject"`
	SubjectType string  `json:"subject_type"`
	Predicate   string  `json:"predicate"`
	Object      string  `json:"object"`
	ObjectType  string  `json:"object_type"`
	Confidence  float64 `json:"confidence"`
	SourceTurn  int     `json:"source_turn"`
}

// ScoredFact is one entry of a retrieval result.
type ScoredFact struct {
	Fact        *Fact   `json:"fact"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score"`
	GraphScore  float64 `json:"graph_score"`
	Hops        int     `json:"hops"`
}

// NormalizeName folds case and whitespace so that surface variations of
// the same name resolve to one entity.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NormalizePredicate folds a predicate into its canonical snake_case
// form ("lives in" and "Lives_In" both become "lives_in").
func NormalizePredicate(pred string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(pred, "_", " "))), "_")
}

// Predicates classifies predicates as functional (at most one Active
// fact per subject) or not. The classification is configuration data,
// not code.
type Predicates struct {
	functional map[string]bool
}

// DefaultFunctionalPredicates covers the relation types the extractor
// commonly emits where only one value can hold at a time.
var DefaultFunctionalPredicates = []string{
	"lives_in",
	"works_at",
	"named",
	"age",
	"birthday",
	"married_to",
	"favorite_color",
	"favorite_food",
}

// NewPredicates builds a registry from a list of functional predicate
// names. Names are normalized on the way in.
func NewPredicates(functional []string) *Predicates {
	m := make(map[string]bool, len(functional))
	for _, p := range functional {
		m[NormalizePredicate(p)] = true
	}
	return &Predicates{functional: m}
}

// Functional reports whether the predicate permits at most one Active
// fact per subject.
func (p *Predicates) Functional(pred string) bool {
	return p.functional[NormalizePredicate(pred)]
}
