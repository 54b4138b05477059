// Package search implements hybrid vector/keyword search over work
// items, with keyword fallback and a per-item embedding cache.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder turns text into a fixed-length vector. Implementations talk
// to an external embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexMatch is one vector-index hit.
type IndexMatch struct {
	// ID is the matched work item ID.
	ID string `json:"id"`
	// Score is the similarity score, higher is closer.
	Score float64 `json:"score"`
}

// VectorIndex stores item embeddings and answers similarity queries.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32) error
	Query(ctx context.Context, vector []float32, limit int) ([]IndexMatch, error)
	Remove(ctx context.Context, id string) error
}

// HTTPBackend is an Embedder and VectorIndex over an Ollama-style HTTP
// service. Every request carries a timeout; the circuit breaker sits in
// front of this client, not inside it.
type HTTPBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

// HTTPBackendConfig configures an HTTPBackend.
type HTTPBackendConfig struct {
	// BaseURL is the service root, e.g. http://localhost:11434.
	BaseURL string
	// Model is the embedding model name.
	Model string
	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// NewHTTPBackend creates an HTTP embedding/vector-index client.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// embedRequest is the /api/embed payload.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed reply.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder.
func (b *HTTPBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	err := b.post(ctx, "/api/embed", embedRequest{Model: b.model, Input: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed: empty embedding in response")
	}
	return resp.Embeddings[0], nil
}

// upsertRequest is the /api/index payload.
type upsertRequest struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

// Upsert implements VectorIndex.
func (b *HTTPBackend) Upsert(ctx context.Context, id string, vector []float32) error {
	return b.post(ctx, "/api/index", upsertRequest{ID: id, Vector: vector}, nil)
}

// queryRequest is the /api/query payload.
type queryRequest struct {
	Vector []float32 `json:"vector"`
	Limit  int       `json:"limit"`
}

// queryResponse is the /api/query reply.
type queryResponse struct {
	Results []IndexMatch `json:"results"`
}

// Query implements VectorIndex.
func (b *HTTPBackend) Query(ctx context.Context, vector []float32, limit int) ([]IndexMatch, error) {
	var resp queryResponse
	if err := b.post(ctx, "/api/query", queryRequest{Vector: vector, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// removeRequest is the /api/remove payload.
type removeRequest struct {
	ID string `json:"id"`
}

// Remove implements VectorIndex.
func (b *HTTPBackend) Remove(ctx context.Context, id string) error {
	return b.post(ctx, "/api/remove", removeRequest{ID: id}, nil)
}

// post sends a JSON request and decodes the JSON reply into out, when
// out is non-nil.
func (b *HTTPBackend) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
