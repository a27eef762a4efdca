// Package neo4j holds the scoped knowledge graph: Entity nodes joined
// to Fact nodes, so literal-valued facts need no phantom entity. It is
// the graph half of the composite store and commits each ingest batch
// in one transaction.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
)

// Config configures the Neo4j connection.
type Config struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DefaultConfig returns defaults for a local Neo4j instance.
func DefaultConfig() *Config {
	return &Config{
		URI:      "bolt://localhost:7687",
		Username: "neo4j",
		Database: "neo4j",
	}
}

// Graph is the Neo4j-backed knowledge graph.
//
// Data model: (:Entity {id, user_id, agent_id, name, norm_name, type,
// mentions, created_at}) -[:STATES]-> (:Fact {id, user_id, agent_id,
// subject_id, subject, predicate, object, object_id, confidence,
// source_turn, status, created_at, updated_at}) -[:ABOUT]-> (:Entity)
// when the object is itself an entity. Facts are nodes, not
// relationships, so lifecycle updates are plain property writes.
type Graph struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logrus.Logger
}

// NewGraph connects to Neo4j.
func NewGraph(config *Config, logger *logrus.Logger) (*Graph, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	driver, err := neo4j.NewDriverWithContext(config.URI, neo4j.BasicAuth(config.Username, config.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	return &Graph{driver: driver, database: config.Database, logger: logger}, nil
}

// Close releases the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// HealthCheck verifies connectivity.
func (g *Graph) HealthCheck(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return store.Unavailable("neo4j connectivity", err)
	}
	return nil
}

// EnsureSchema creates the uniqueness constraints and lookup indexes.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT fact_id IF NOT EXISTS FOR (f:Fact) REQUIRE f.id IS UNIQUE",
		"CREATE INDEX entity_ident IF NOT EXISTS FOR (e:Entity) ON (e.user_id, e.agent_id, e.norm_name, e.type)",
		"CREATE INDEX fact_scope IF NOT EXISTS FOR (f:Fact) ON (f.user_id, f.agent_id, f.status)",
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = session.Close(ctx) }()

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return store.Unavailable("neo4j schema", err)
		}
	}
	return nil
}

func (g *Graph) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: g.database,
		AccessMode:   mode,
	})
}

// UpsertEntity creates or refreshes an entity by (scope, norm_name,
// type) identity and fills in the stored id.
func (g *Graph) UpsertEntity(ctx context.Context, entity *memzero.Entity) error {
	if err := store.CheckScope(entity.Scope); err != nil {
		return err
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = session.Close(ctx) }()

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return upsertEntityTx(ctx, tx, entity)
	})
	if err != nil {
		return store.Unavailable("neo4j upsert entity", err)
	}

	stored := result.(*memzero.Entity)
	entity.ID = stored.ID
	entity.Mentions = stored.Mentions
	return nil
}

func upsertEntityTx(ctx context.Context, tx neo4j.ManagedTransaction, entity *memzero.Entity) (*memzero.Entity, error) {
	res, err := tx.Run(ctx, `
		MERGE (e:Entity {user_id: $user_id, agent_id: $agent_id, norm_name: $norm_name, type: $type})
		ON CREATE SET e.id = $id, e.name = $name, e.mentions = 1, e.created_at = $created_at
		ON MATCH SET e.mentions = e.mentions + 1
		RETURN e.id AS id, e.mentions AS mentions`,
		map[string]any{
			"user_id":    entity.Scope.UserID,
			"agent_id":   entity.Scope.AgentID,
			"norm_name":  entity.NormName,
			"type":       entity.Type,
			"id":         entity.ID,
			"name":       entity.Name,
			"created_at": entity.CreatedAt.UnixMilli(),
		})
	if err != nil {
		return nil, err
	}
	record, err := res.Single(ctx)
	if err != nil {
		return nil, err
	}
	cp := *entity
	if id, ok := record.AsMap()["id"].(string); ok {
		cp.ID = id
	}
	if mentions, ok := record.AsMap()["mentions"].(int64); ok {
		cp.Mentions = mentions
	}
	return &cp, nil
}

// GetEntity resolves an entity by identity; absent is (nil, nil).
func (g *Graph) GetEntity(ctx context.Context, scope memzero.Scope, normName, entityType string) (*memzero.Entity, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	session := g.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = session.Close(ctx) }()

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Entity {user_id: $user_id, agent_id: $agent_id, norm_name: $norm_name, type: $type})
			RETURN e`,
			map[string]any{
				"user_id":   scope.UserID,
				"agent_id":  scope.AgentID,
				"norm_name": normName,
				"type":      entityType,
			})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return (*memzero.Entity)(nil), nil
		}
		node, _ := records[0].Get("e")
		return entityFromNode(node.(dbtype.Node), scope), nil
	})
	if err != nil {
		return nil, store.Unavailable("neo4j get entity", err)
	}
	return result.(*memzero.Entity), nil
}

// ActiveFacts returns the Active facts sharing (subject, predicate).
func (g *Graph) ActiveFacts(ctx context.Context, scope memzero.Scope, subjectID, predicate string) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}

	return g.queryFacts(ctx, scope, `
		MATCH (f:Fact {user_id: $user_id, agent_id: $agent_id, subject_id: $subject_id, predicate: $predicate, status: 'active'})
		RETURN f ORDER BY f.created_at`,
		map[string]any{
			"user_id":    scope.UserID,
			"agent_id":   scope.AgentID,
			"subject_id": subjectID,
			"predicate":  predicate,
		}, "neo4j active facts")
}

// GetFacts resolves facts by id within the scope, skipping unknown ids.
func (g *Graph) GetFacts(ctx context.Context, scope memzero.Scope, ids []string) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	return g.queryFacts(ctx, scope, `
		MATCH (f:Fact {user_id: $user_id, agent_id: $agent_id})
		WHERE f.id IN $ids
		RETURN f`,
		map[string]any{
			"user_id":  scope.UserID,
			"agent_id": scope.AgentID,
			"ids":      ids,
		}, "neo4j get facts")
}

// GraphNeighbors returns Active facts within maxHops of the given
// entities. Depth is inlined into the pattern; Cypher does not allow a
// parameter there. Entity-to-fact is one edge, so entity-hop h means
// path length 2h-1.
func (g *Graph) GraphNeighbors(ctx context.Context, scope memzero.Scope, entityIDs []string, maxHops int) ([]*memzero.Fact, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if maxHops < 1 {
		maxHops = 1
	}

	depth := 2*maxHops - 1
	query := fmt.Sprintf(`
		MATCH (e:Entity {user_id: $user_id, agent_id: $agent_id})
		WHERE e.id IN $ids
		MATCH (e)-[:STATES|ABOUT*1..%d]-(f:Fact {status: 'active'})
		RETURN DISTINCT f ORDER BY f.id`, depth)

	return g.queryFacts(ctx, scope, query, map[string]any{
		"user_id":  scope.UserID,
		"agent_id": scope.AgentID,
		"ids":      entityIDs,
	}, "neo4j graph neighbors")
}

// InsertFact stores a single new fact.
func (g *Graph) InsertFact(ctx context.Context, fact *memzero.Fact) error {
	if err := store.CheckScope(fact.Scope); err != nil {
		return err
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, insertFactTx(ctx, tx, fact)
	})
	if err != nil {
		return store.Unavailable("neo4j insert fact", err)
	}
	return nil
}

func insertFactTx(ctx context.Context, tx neo4j.ManagedTransaction, fact *memzero.Fact) error {
	query := `
		MATCH (s:Entity {id: $subject_id, user_id: $user_id, agent_id: $agent_id})
		CREATE (f:Fact {
			id: $id, user_id: $user_id, agent_id: $agent_id,
			subject_id: $subject_id, subject: $subject,
			predicate: $predicate, object: $object, object_id: $object_id,
			confidence: $confidence, source_turn: $source_turn,
			status: $status, created_at: $created_at, updated_at: $updated_at
		})
		CREATE (s)-[:STATES]->(f)`
	params := map[string]any{
		"id":          fact.ID,
		"user_id":     fact.Scope.UserID,
		"agent_id":    fact.Scope.AgentID,
		"subject_id":  fact.SubjectID,
		"subject":     fact.Subject,
		"predicate":   fact.Predicate,
		"object":      fact.Object,
		"object_id":   fact.ObjectID,
		"confidence":  fact.Confidence,
		"source_turn": fact.SourceTurn,
		"status":      string(fact.Status),
		"created_at":  fact.CreatedAt.UnixMilli(),
		"updated_at":  fact.UpdatedAt.UnixMilli(),
	}
	if fact.ObjectID != "" {
		query += `
		WITH f
		MATCH (o:Entity {id: $object_id, user_id: $user_id, agent_id: $agent_id})
		CREATE (f)-[:ABOUT]->(o)`
	}
	_, err := tx.Run(ctx, query, params)
	return err
}

// UpdateFactStatus transitions a fact's lifecycle status.
func (g *Graph) UpdateFactStatus(ctx context.Context, scope memzero.Scope, factID string, status memzero.FactStatus) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, updateFactStatusTx(ctx, tx, scope, factID, status, time.Now().UTC())
	})
	if err != nil {
		return store.Unavailable("neo4j update status", err)
	}
	return nil
}

func updateFactStatusTx(ctx context.Context, tx neo4j.ManagedTransaction, scope memzero.Scope, factID string, status memzero.FactStatus, now time.Time) error {
	res, err := tx.Run(ctx, `
		MATCH (f:Fact {id: $id, user_id: $user_id, agent_id: $agent_id})
		SET f.status = $status, f.updated_at = $updated_at
		RETURN f.id`,
		map[string]any{
			"id":         factID,
			"user_id":    scope.UserID,
			"agent_id":   scope.AgentID,
			"status":     string(status),
			"updated_at": now.UnixMilli(),
		})
	if err != nil {
		return err
	}
	if _, err := res.Single(ctx); err != nil {
		return fmt.Errorf("fact not found in scope: %s", factID)
	}
	return nil
}

// ApplyGraphBatch commits the graph-side deltas of one ingest in a
// single transaction: entity upserts, status and confidence updates,
// then fact inserts.
func (g *Graph) ApplyGraphBatch(ctx context.Context, scope memzero.Scope, batch *store.Batch) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}
	if batch == nil || batch.Empty() {
		return nil
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = session.Close(ctx) }()

	now := time.Now().UTC()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, entity := range batch.Entities {
			stored, err := upsertEntityTx(ctx, tx, entity)
			if err != nil {
				return nil, err
			}
			entity.ID = stored.ID
			entity.Mentions = stored.Mentions
		}
		for _, u := range batch.StatusUpdates {
			if err := updateFactStatusTx(ctx, tx, scope, u.FactID, u.Status, now); err != nil {
				return nil, err
			}
		}
		for _, u := range batch.ConfidenceUpdates {
			if _, err := tx.Run(ctx, `
				MATCH (f:Fact {id: $id, user_id: $user_id, agent_id: $agent_id})
				SET f.confidence = $confidence, f.updated_at = $updated_at`,
				map[string]any{
					"id":         u.FactID,
					"user_id":    scope.UserID,
					"agent_id":   scope.AgentID,
					"confidence": u.Confidence,
					"updated_at": now.UnixMilli(),
				}); err != nil {
				return nil, err
			}
		}
		for _, ins := range batch.Inserts {
			if err := insertFactTx(ctx, tx, ins.Fact); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return store.Unavailable("neo4j apply batch", err)
	}

	g.logger.WithFields(logrus.Fields{
		"scope":    scope.Key(),
		"entities": len(batch.Entities),
		"inserts":  len(batch.Inserts),
		"updates":  len(batch.StatusUpdates) + len(batch.ConfidenceUpdates),
	}).Debug("Graph batch committed")
	return nil
}

func (g *Graph) queryFacts(ctx context.Context, scope memzero.Scope, query string, params map[string]any, op string) ([]*memzero.Fact, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = session.Close(ctx) }()

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		facts := make([]*memzero.Fact, 0, len(records))
		for _, record := range records {
			node, _ := record.Get("f")
			facts = append(facts, factFromNode(node.(dbtype.Node), scope))
		}
		return facts, nil
	})
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	return result.([]*memzero.Fact), nil
}

func entityFromNode(node dbtype.Node, scope memzero.Scope) *memzero.Entity {
	props := node.Props
	return &memzero.Entity{
		ID:        stringProp(props, "id"),
		Scope:     scope,
		Name:      stringProp(props, "name"),
		NormName:  stringProp(props, "norm_name"),
		Type:      stringProp(props, "type"),
		Mentions:  intProp(props, "mentions"),
		CreatedAt: timeProp(props, "created_at"),
	}
}

func factFromNode(node dbtype.Node, scope memzero.Scope) *memzero.Fact {
	props := node.Props
	return &memzero.Fact{
		ID:         stringProp(props, "id"),
		Scope:      scope,
		SubjectID:  stringProp(props, "subject_id"),
		Subject:    stringProp(props, "subject"),
		Predicate:  stringProp(props, "predicate"),
		Object:     stringProp(props, "object"),
		ObjectID:   stringProp(props, "object_id"),
		Confidence: floatProp(props, "confidence"),
		SourceTurn: int(intProp(props, "source_turn")),
		Status:     memzero.FactStatus(stringProp(props, "status")),
		CreatedAt:  timeProp(props, "created_at"),
		UpdatedAt:  timeProp(props, "updated_at"),
	}
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func intProp(props map[string]any, key string) int64 {
	v, _ := props[key].(int64)
	return v
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func timeProp(props map[string]any, key string) time.Time {
	v, _ := props[key].(int64)
	return time.UnixMilli(v).UTC()
}
