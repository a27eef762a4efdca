// Package qdrant holds the fact embedding index: one point per fact,
// payload-tagged with scope and lifecycle status so searches filter
// server-side. It is the vector half of the composite store; the graph
// half lives in the neo4j package.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/store"
)

// Index is the Qdrant-backed fact embedding index.
type Index struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewIndex creates a Qdrant index client.
func NewIndex(config *Config, logger *logrus.Logger) (*Index, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Index{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

func (x *Index) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	url := x.config.GetHTTPURL() + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if x.config.APIKey != "" {
		req.Header.Set("api-key", x.config.APIKey)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, store.Unavailable("qdrant "+method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, store.Unavailable("qdrant read response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, store.Unavailable("qdrant "+method+" "+path,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("qdrant request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// HealthCheck probes the root endpoint. Newer Qdrant versions dropped
// /health, the root works everywhere.
func (x *Index) HealthCheck(ctx context.Context) error {
	_, err := x.doRequest(ctx, http.MethodGet, "", nil)
	return err
}

// EnsureCollection creates the fact collection if it does not exist.
func (x *Index) EnsureCollection(ctx context.Context) error {
	if _, err := x.doRequest(ctx, http.MethodGet, "/collections/"+x.config.Collection, nil); err == nil {
		return nil
	}

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     x.config.VectorSize,
			"distance": "Cosine",
		},
	}
	if _, err := x.doRequest(ctx, http.MethodPut, "/collections/"+x.config.Collection, reqBody); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	x.logger.WithField("collection", x.config.Collection).Info("Collection created")
	return nil
}

func scopeFilter(scope memzero.Scope, activeOnly bool) map[string]any {
	must := []map[string]any{
		{"key": "user_id", "match": map[string]any{"value": scope.UserID}},
		{"key": "agent_id", "match": map[string]any{"value": scope.AgentID}},
	}
	if activeOnly {
		must = append(must, map[string]any{
			"key": "status", "match": map[string]any{"value": string(memzero.StatusActive)},
		})
	}
	return map[string]any{"must": must}
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Upsert writes the embedding points for a batch of fact inserts.
func (x *Index) Upsert(ctx context.Context, scope memzero.Scope, inserts []store.FactInsert) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}

	points := make([]point, 0, len(inserts))
	for _, ins := range inserts {
		if len(ins.Embedding) == 0 {
			continue
		}
		points = append(points, point{
			ID:     ins.Fact.ID,
			Vector: ins.Embedding,
			Payload: map[string]any{
				"user_id":    scope.UserID,
				"agent_id":   scope.AgentID,
				"status":     string(ins.Fact.Status),
				"created_at": ins.Fact.CreatedAt.UnixMilli(),
			},
		})
	}
	if len(points) == 0 {
		return nil
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", x.config.Collection)
	if _, err := x.doRequest(ctx, http.MethodPut, path, map[string]any{"points": points}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	x.logger.WithFields(logrus.Fields{
		"collection": x.config.Collection,
		"count":      len(points),
	}).Debug("Points upserted")
	return nil
}

// SetStatus mirrors a fact's lifecycle transition into the point
// payload so superseded facts drop out of searches.
func (x *Index) SetStatus(ctx context.Context, scope memzero.Scope, factID string, status memzero.FactStatus) error {
	if err := store.CheckScope(scope); err != nil {
		return err
	}

	reqBody := map[string]any{
		"payload": map[string]any{"status": string(status)},
		"points":  []string{factID},
	}
	path := fmt.Sprintf("/collections/%s/points/payload?wait=true", x.config.Collection)
	if _, err := x.doRequest(ctx, http.MethodPost, path, reqBody); err != nil {
		return fmt.Errorf("failed to update point payload: %w", err)
	}
	return nil
}

// Search returns the top-k Active facts of the scope by cosine
// similarity.
func (x *Index) Search(ctx context.Context, scope memzero.Scope, vector []float32, k int) ([]store.VectorHit, error) {
	if err := store.CheckScope(scope); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	reqBody := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": false,
		"filter":       scopeFilter(scope, true),
	}
	path := fmt.Sprintf("/collections/%s/points/search", x.config.Collection)
	respBody, err := x.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var response struct {
		Result []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	hits := make([]store.VectorHit, len(response.Result))
	for i, r := range response.Result {
		hits[i] = store.VectorHit{FactID: r.ID, Score: r.Score}
	}
	return hits, nil
}

// Count returns the number of points for the scope, active facts only
// when activeOnly is set.
func (x *Index) Count(ctx context.Context, scope memzero.Scope, activeOnly bool) (int64, error) {
	if err := store.CheckScope(scope); err != nil {
		return 0, err
	}

	reqBody := map[string]any{
		"exact":  true,
		"filter": scopeFilter(scope, activeOnly),
	}
	path := fmt.Sprintf("/collections/%s/points/count", x.config.Collection)
	respBody, err := x.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	return response.Result.Count, nil
}
