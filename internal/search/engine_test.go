package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

// fakeEmbedder returns a fixed vector or a configured error.
type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

// fakeIndex is an in-memory vector index with scripted query results.
type fakeIndex struct {
	vectors map[string][]float32
	results []IndexMatch
	err     error
	queries int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{vectors: make(map[string][]float32)}
}

func (f *fakeIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	if f.err != nil {
		return f.err
	}
	f.vectors[id] = vector
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, vector []float32, limit int) ([]IndexMatch, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > limit {
		return f.results[:limit], nil
	}
	return f.results, nil
}

func (f *fakeIndex) Remove(ctx context.Context, id string) error {
	delete(f.vectors, id)
	return nil
}

type searchEnv struct {
	store    *store.Store
	embedder *fakeEmbedder
	index    *fakeIndex
	engine   *Engine
}

func newSearchEnv(t *testing.T, fallback bool) *searchEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	index := newFakeIndex()
	engine := New(Config{FallbackEnabled: fallback, DefaultLimit: 10}, s,
		embedder, index,
		breaker.New(breaker.Config{Name: "embeddings", FailureThreshold: 3, Cooldown: time.Minute}),
		breaker.New(breaker.Config{Name: "vector-index", FailureThreshold: 3, Cooldown: time.Minute}))

	return &searchEnv{store: s, embedder: embedder, index: index, engine: engine}
}

func (e *searchEnv) createItem(t *testing.T, id, title, description string) {
	t.Helper()
	_, err := e.store.Create(&models.WorkItem{
		ID:          id,
		Type:        models.ItemTypeTask,
		Title:       title,
		Description: description,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestKeywordSearch(t *testing.T) {
	e := newSearchEnv(t, true)
	e.createItem(t, "portal", "Customer portal", "self-service portal")
	e.createItem(t, "billing", "Billing revamp", "invoices")

	results, err := e.engine.KeywordSearch("portal", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "portal" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestVectorSearch(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "a", "alpha", "")
	e.index.results = []IndexMatch{{ID: "a", Score: 0.92}}

	results, err := e.engine.VectorSearch(context.Background(), "alpha work", 5)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" || results[0].Score != 0.92 {
		t.Errorf("unexpected results: %v", results)
	}
	// The item was lazily embedded and indexed.
	if _, ok := e.index.vectors["a"]; !ok {
		t.Error("item should be pushed to the vector index on first search")
	}
}

func TestEmbeddingCacheInvalidation(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "a", "alpha", "")

	ctx := context.Background()
	if err := e.engine.Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	baseline := e.embedder.calls

	// Unchanged item: cache hit, no new embed call.
	if err := e.engine.Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if e.embedder.calls != baseline {
		t.Errorf("unchanged item should not re-embed, calls went %d -> %d", baseline, e.embedder.calls)
	}

	// Content change bumps the version and invalidates the cache.
	item, _ := e.store.Get("a")
	title := "alpha revised"
	if _, err := e.store.Update("a", store.Patch{Title: &title}, item.Version); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := e.engine.Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if e.embedder.calls != baseline+1 {
		t.Errorf("content change should re-embed once, calls went %d -> %d", baseline, e.embedder.calls)
	}
}

func TestSemanticFallbackOnError(t *testing.T) {
	e := newSearchEnv(t, true)
	e.createItem(t, "portal", "Customer portal", "self-service portal")
	e.embedder.err = errors.New("connection refused")

	results, served, err := e.engine.Search(context.Background(), "customer portal", TypeSemantic, 10)
	if err != nil {
		t.Fatalf("fallback should swallow the vector error, got %v", err)
	}
	if served != ServedKeywordFallback {
		t.Errorf("expected keyword_fallback, got %s", served)
	}
	if len(results) != 1 || results[0].ID != "portal" {
		t.Errorf("expected keyword results, got %v", results)
	}
}

func TestSemanticFallbackOnZeroResults(t *testing.T) {
	e := newSearchEnv(t, true)
	e.createItem(t, "portal", "Customer portal", "")
	e.index.results = nil // healthy backend, no matches

	results, served, err := e.engine.Search(context.Background(), "portal", TypeSemantic, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if served != ServedKeywordFallback {
		t.Errorf("zero vector results should trigger fallback, served by %s", served)
	}
	if len(results) != 1 {
		t.Errorf("expected the keyword hit, got %v", results)
	}
}

func TestSemanticNoFallbackSurfacesError(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "portal", "Customer portal", "")
	e.embedder.err = errors.New("connection refused")

	_, _, err := e.engine.Search(context.Background(), "portal", TypeSemantic, 10)
	if !faults.Is(err, faults.KindBackendUnavailable) {
		t.Errorf("expected backend_unavailable, got %v", err)
	}
}

func TestHybridSearchDeduplicates(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "portal", "Customer portal", "")
	e.createItem(t, "other", "Unrelated", "")
	// Vector returns portal (lower score) and other; keyword returns
	// portal with a higher score.
	e.index.results = []IndexMatch{{ID: "portal", Score: 0.4}, {ID: "other", Score: 0.3}}

	results, served, err := e.engine.HybridSearch(context.Background(), "portal", 10)
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if served != ServedHybrid {
		t.Errorf("expected hybrid, got %s", served)
	}

	seen := make(map[string]int)
	for _, r := range results {
		seen[r.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("id %s appears %d times", id, n)
		}
	}
	// Keyword's higher portal score wins the merge.
	if results[0].ID != "portal" || results[0].Score <= 0.4 {
		t.Errorf("expected portal first with keyword score, got %v", results)
	}
}

func TestHybridDegradesToKeywordOnVectorFailure(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "portal", "Customer portal", "")
	e.embedder.err = errors.New("timeout")

	results, served, err := e.engine.HybridSearch(context.Background(), "portal", 10)
	if err != nil {
		t.Fatalf("hybrid should degrade, got %v", err)
	}
	if served != ServedKeywordFallback {
		t.Errorf("expected keyword_fallback, got %s", served)
	}
	if len(results) != 1 {
		t.Errorf("expected keyword hit, got %v", results)
	}
}

func TestBreakerShieldsEmbeddingProvider(t *testing.T) {
	e := newSearchEnv(t, false)
	e.createItem(t, "a", "alpha", "")
	e.embedder.err = errors.New("connection refused")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = e.engine.VectorSearch(ctx, "alpha", 5)
	}
	callsWhenOpen := e.embedder.calls

	// Breaker is open: further searches never reach the provider.
	_, err := e.engine.VectorSearch(ctx, "alpha", 5)
	if !faults.Is(err, faults.KindBackendUnavailable) {
		t.Fatalf("expected backend_unavailable, got %v", err)
	}
	if e.embedder.calls != callsWhenOpen {
		t.Errorf("provider contacted while breaker open: %d -> %d", callsWhenOpen, e.embedder.calls)
	}
}

func TestSearchUnknownType(t *testing.T) {
	e := newSearchEnv(t, false)
	_, _, err := e.engine.Search(context.Background(), "x", Type("fuzzy"), 5)
	if !faults.Is(err, faults.KindSchemaViolation) {
		t.Errorf("expected schema_violation, got %v", err)
	}
}
