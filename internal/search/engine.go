package search

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Type selects a search strategy.
type Type string

const (
	// TypeSemantic searches by vector similarity, with keyword fallback.
	TypeSemantic Type = "semantic"
	// TypeKeyword searches by full-text match only.
	TypeKeyword Type = "keyword"
	// TypeHybrid merges vector and keyword results.
	TypeHybrid Type = "hybrid"
)

// Valid returns true if the search type is known.
func (t Type) Valid() bool {
	switch t {
	case TypeSemantic, TypeKeyword, TypeHybrid:
		return true
	default:
		return false
	}
}

// ServedBy identifies which path actually produced a result set.
type ServedBy string

const (
	// ServedVector means the vector index answered.
	ServedVector ServedBy = "vector"
	// ServedKeyword means the keyword index answered.
	ServedKeyword ServedBy = "keyword"
	// ServedHybrid means both paths contributed.
	ServedHybrid ServedBy = "hybrid"
	// ServedKeywordFallback means vector search was requested but the
	// keyword path transparently served the request.
	ServedKeywordFallback ServedBy = "keyword_fallback"
)

// Result is one ranked search hit.
type Result struct {
	// ID is the work item ID.
	ID string `json:"id"`
	// Score is the result confidence, higher is better.
	Score float64 `json:"score"`
}

// Config tunes the search engine.
type Config struct {
	// FallbackEnabled substitutes keyword results when a semantic
	// search fails or comes back empty.
	FallbackEnabled bool
	// DefaultLimit applies when callers pass limit <= 0.
	DefaultLimit int
}

// Engine answers search queries over work items. Reads go through the
// store; embedding and vector-index calls pass through per-backend
// circuit breakers.
type Engine struct {
	store    *store.Store
	embedder Embedder
	index    VectorIndex
	// embedBreaker guards the embedding provider.
	embedBreaker *breaker.Breaker
	// indexBreaker guards the vector index.
	indexBreaker *breaker.Breaker

	mu           sync.RWMutex
	fallback     bool
	defaultLimit int
}

// New creates a search engine.
func New(cfg Config, s *store.Store, embedder Embedder, index VectorIndex,
	embedBreaker, indexBreaker *breaker.Breaker) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &Engine{
		store:        s,
		embedder:     embedder,
		index:        index,
		embedBreaker: embedBreaker,
		indexBreaker: indexBreaker,
		fallback:     cfg.FallbackEnabled,
		defaultLimit: cfg.DefaultLimit,
	}
}

// SetFallbackEnabled toggles the keyword fallback. Used by config hot
// reload.
func (e *Engine) SetFallbackEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = enabled
}

// fallbackEnabled reads the fallback toggle.
func (e *Engine) fallbackEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback
}

// Search runs a query with the given strategy and returns the results
// plus the path that served them.
func (e *Engine) Search(ctx context.Context, query string, searchType Type, limit int) ([]Result, ServedBy, error) {
	if limit <= 0 {
		limit = e.defaultLimit
	}
	if !searchType.Valid() {
		return nil, "", faults.New(faults.KindSchemaViolation, "unknown search type %q", searchType)
	}

	switch searchType {
	case TypeKeyword:
		results, err := e.KeywordSearch(query, limit)
		return results, ServedKeyword, err

	case TypeHybrid:
		results, served, err := e.HybridSearch(ctx, query, limit)
		return results, served, err

	default: // TypeSemantic
		results, err := e.VectorSearch(ctx, query, limit)
		// Empty result sets trigger fallback the same way errors do.
		// That conflates "healthy but no match" with "backend broken",
		// deliberately: see the fallback toggle in config.
		if (err != nil || len(results) == 0) && e.fallbackEnabled() {
			if err != nil {
				log.Printf("[search] vector search failed, serving keyword fallback: %v", err)
			}
			kw, kerr := e.KeywordSearch(query, limit)
			if kerr != nil {
				return nil, "", kerr
			}
			return kw, ServedKeywordFallback, nil
		}
		return results, ServedVector, err
	}
}

// VectorSearch embeds the query and asks the vector index for the
// closest items. Breaker-open and backend errors surface as
// BackendUnavailable.
func (e *Engine) VectorSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = e.defaultLimit
	}

	if err := e.syncIndex(ctx); err != nil {
		return nil, err
	}

	var vec []float32
	err := e.embedBreaker.Call(func() error {
		var embedErr error
		vec, embedErr = e.embedder.Embed(ctx, query)
		return embedErr
	})
	if err != nil {
		return nil, asBackendUnavailable(err, "embed query")
	}

	var matches []IndexMatch
	err = e.indexBreaker.Call(func() error {
		var queryErr error
		matches, queryErr = e.index.Query(ctx, vec, limit)
		return queryErr
	})
	if err != nil {
		return nil, asBackendUnavailable(err, "query vector index")
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{ID: m.ID, Score: m.Score})
	}
	return results, nil
}

// KeywordSearch matches the query against titles and descriptions.
// It has no external backend dependency and is always available.
func (e *Engine) KeywordSearch(query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = e.defaultLimit
	}
	matches, err := e.store.KeywordSearch(query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{ID: m.ID, Score: m.Score})
	}
	return results, nil
}

// HybridSearch merges vector and keyword results: deduplicated by ID,
// keeping the higher score per ID, vector rank breaking ties. When the
// vector path is unavailable the keyword results serve alone.
func (e *Engine) HybridSearch(ctx context.Context, query string, limit int) ([]Result, ServedBy, error) {
	if limit <= 0 {
		limit = e.defaultLimit
	}

	vector, vecErr := e.VectorSearch(ctx, query, limit)
	keyword, kwErr := e.KeywordSearch(query, limit)
	if kwErr != nil {
		return nil, "", kwErr
	}
	if vecErr != nil {
		log.Printf("[search] hybrid degraded to keyword only: %v", vecErr)
		return keyword, ServedKeywordFallback, nil
	}

	// vectorRank orders ties: lower rank wins.
	vectorRank := make(map[string]int, len(vector))
	for i, r := range vector {
		vectorRank[r.ID] = i
	}

	merged := make(map[string]Result, len(vector)+len(keyword))
	for _, r := range vector {
		merged[r.ID] = r
	}
	for _, r := range keyword {
		if existing, ok := merged[r.ID]; !ok || r.Score > existing.Score {
			merged[r.ID] = r
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ri, iok := vectorRank[out[i].ID]
		rj, jok := vectorRank[out[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i].ID < out[j].ID
		}
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, ServedHybrid, nil
}

// syncIndex lazily computes missing or stale embeddings and pushes them
// to the vector index. An item's cached embedding is stale once its
// version moved past the version the embedding was computed from.
func (e *Engine) syncIndex(ctx context.Context) error {
	var items []*models.WorkItem
	err := e.store.Scan(store.Filter{}, func(item *models.WorkItem) bool {
		items = append(items, item)
		return true
	})
	if err != nil {
		return err
	}

	for _, item := range items {
		cached, cachedVersion, err := e.store.GetEmbedding(item.ID)
		if err != nil {
			return err
		}
		if cached != nil && cachedVersion == item.Version {
			continue
		}

		var vec []float32
		err = e.embedBreaker.Call(func() error {
			var embedErr error
			vec, embedErr = e.embedder.Embed(ctx, item.Title+"\n"+item.Description)
			return embedErr
		})
		if err != nil {
			return asBackendUnavailable(err, "embed item")
		}

		if err := e.store.PutEmbedding(item.ID, vec, item.Version); err != nil {
			return err
		}
		err = e.indexBreaker.Call(func() error {
			return e.index.Upsert(ctx, item.ID, vec)
		})
		if err != nil {
			return asBackendUnavailable(err, "index item")
		}
	}
	return nil
}

// Reindex eagerly recomputes stale embeddings. Exposed for the CLI.
func (e *Engine) Reindex(ctx context.Context) error {
	return e.syncIndex(ctx)
}

// Forget drops an item from the vector index and embedding cache.
// Index errors are logged, not surfaced: the entry is harmless garbage
// until the next reindex.
func (e *Engine) Forget(ctx context.Context, id string) {
	if err := e.store.DeleteEmbedding(id); err != nil {
		log.Printf("[search] drop embedding for %s: %v", id, err)
	}
	err := e.indexBreaker.Call(func() error {
		return e.index.Remove(ctx, id)
	})
	if err != nil {
		log.Printf("[search] remove %s from index: %v", id, err)
	}
}

// asBackendUnavailable wraps backend errors so callers see one kind.
// Faults that already carry a kind (breaker-open) pass through.
func asBackendUnavailable(err error, op string) error {
	if faults.Is(err, faults.KindBackendUnavailable) {
		return err
	}
	return faults.Wrap(faults.KindBackendUnavailable, err, "%s", op)
}
