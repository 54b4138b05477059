// Package service exposes the external operation surface. Every
// operation returns a standardized envelope; error detail is reduced to
// the shared taxonomy so callers never see raw internals.
package service

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/loom/internal/execute"
	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/search"
	"github.com/ShayCichocki/loom/internal/status"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Service wires the store, graph, coordinator and search engine behind
// the operation surface. It is the only mutation path for callers, so
// it owns the dependency-driven status derivation that follows every
// status change.
type Service struct {
	store       *store.Store
	graph       *graph.Graph
	coordinator *execute.Coordinator
	engine      *search.Engine

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Service. The graph must already be built from the
// store; engine may be nil when search is not configured.
func New(s *store.Store, g *graph.Graph, c *execute.Coordinator, e *search.Engine) *Service {
	return &Service{
		store:       s,
		graph:       g,
		coordinator: c,
		engine:      e,
		now:         time.Now,
	}
}

// SetClock replaces the envelope timestamp source. Test hook.
func (s *Service) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// CreateRequest is the input to CreateWorkItem. Metadata arrives as
// generic values and is validated to be string-only at this boundary.
type CreateRequest struct {
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Children    []string               `json:"children,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateWorkItem creates a work item. The stored item starts in backlog
// and derivation runs immediately, so an item with no unmet
// dependencies comes back ready.
func (s *Service) CreateWorkItem(req CreateRequest) Response {
	return s.respond(s.createWorkItem(req))
}

func (s *Service) createWorkItem(req CreateRequest) (*models.WorkItem, error) {
	meta, err := stringMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	item := &models.WorkItem{
		Type:        models.ItemType(req.Type),
		Title:       req.Title,
		Description: req.Description,
		Children:    req.Children,
		DependsOn:   req.DependsOn,
		Metadata:    meta,
	}
	if _, err := s.store.Create(item); err != nil {
		return nil, err
	}

	created, err := s.store.Get(item.ID)
	if err != nil {
		return nil, err
	}
	s.graph.Observe(created)
	return s.deriveItem(created)
}

// GetWorkItem returns the work item with the given ID.
func (s *Service) GetWorkItem(id string) Response {
	return s.respond(s.store.Get(id))
}

// UpdateRequest is the input to UpdateWorkItem. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Title       *string                 `json:"title,omitempty"`
	Description *string                 `json:"description,omitempty"`
	Status      *string                 `json:"status,omitempty"`
	Children    *[]string               `json:"children,omitempty"`
	DependsOn   *[]string               `json:"depends_on,omitempty"`
	Metadata    *map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateWorkItem applies a partial update checked against
// expectedVersion. Status changes go through the state machine,
// dependency replacements are rejected when they would close a cycle,
// and direct dependents are re-derived after a status change.
func (s *Service) UpdateWorkItem(id string, req UpdateRequest, expectedVersion int64) Response {
	return s.respond(s.updateWorkItem(id, req, expectedVersion))
}

func (s *Service) updateWorkItem(id string, req UpdateRequest, expectedVersion int64) (*models.WorkItem, error) {
	current, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	patch := store.Patch{
		Title:       req.Title,
		Description: req.Description,
		Children:    req.Children,
		DependsOn:   req.DependsOn,
	}

	if req.Status != nil {
		requested := models.Status(*req.Status)
		next, err := status.Transition(current.Status, requested)
		if err != nil {
			return nil, err
		}
		patch.Status = &next
	}

	if req.Metadata != nil {
		meta, err := stringMetadata(*req.Metadata)
		if err != nil {
			return nil, err
		}
		patch.Metadata = &meta
	}

	commit := func() error {
		_, err := s.store.Update(id, patch, expectedVersion)
		return err
	}
	if req.DependsOn != nil {
		// Dependency replacements commit under the graph's lock so the
		// cycle check and the write cannot interleave with a concurrent
		// replacement of the reverse edge.
		err = s.graph.ReplaceEdges(id, *req.DependsOn, commit)
	} else {
		err = commit()
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	s.graph.Observe(updated)

	// A dependency change can leave the item itself blocked or ready.
	// An explicit status wins over derivation for this update.
	if req.DependsOn != nil && req.Status == nil {
		if updated, err = s.deriveItem(updated); err != nil {
			return nil, err
		}
	}

	if updated.Status != current.Status {
		s.deriveDependents(id)
	}
	return updated, nil
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	// Deleted lists the removed work item IDs.
	Deleted []string `json:"deleted"`
}

// DeleteWorkItem removes a work item. Without cascade the call fails if
// the item has children or dependents; with cascade the child subtree
// goes too and dangling references on survivors are scrubbed.
func (s *Service) DeleteWorkItem(ctx context.Context, id string, cascade bool) Response {
	return s.respond(s.deleteWorkItem(ctx, id, cascade))
}

func (s *Service) deleteWorkItem(ctx context.Context, id string, cascade bool) (*DeleteResult, error) {
	before, err := s.store.List(store.Filter{})
	if err != nil {
		return nil, err
	}
	dependents, err := s.store.Dependents(id)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(id, cascade); err != nil {
		return nil, err
	}

	after, err := s.store.List(store.Filter{})
	if err != nil {
		return nil, err
	}
	survivors := make(map[string]bool, len(after))
	for _, item := range after {
		survivors[item.ID] = true
	}

	var removed []string
	for _, item := range before {
		if !survivors[item.ID] {
			removed = append(removed, item.ID)
		}
	}

	// Scrubbing may have rewritten many rows; reload the graph wholesale.
	if err := s.graph.Rebuild(); err != nil {
		return nil, err
	}
	if s.engine != nil {
		for _, rid := range removed {
			s.engine.Forget(ctx, rid)
		}
	}

	// A dependent that lost its last unmet dependency may now be ready.
	for _, dep := range dependents {
		if !survivors[dep] {
			continue
		}
		item, err := s.store.Get(dep)
		if err != nil {
			log.Printf("[service] reload dependent %s: %v", dep, err)
			continue
		}
		if _, err := s.deriveItem(item); err != nil {
			log.Printf("[service] derive dependent %s: %v", dep, err)
		}
	}

	return &DeleteResult{Deleted: removed}, nil
}

// ListRequest is the input to ListWorkItems.
type ListRequest struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`
	// OrderTopo orders the results so dependencies precede dependents.
	OrderTopo bool `json:"order_topo,omitempty"`
}

// ListWorkItems returns items matching the filter, creation-time
// ascending, or in dependency order when OrderTopo is set.
func (s *Service) ListWorkItems(req ListRequest) Response {
	return s.respond(s.listWorkItems(req))
}

func (s *Service) listWorkItems(req ListRequest) ([]*models.WorkItem, error) {
	items, err := s.store.List(store.Filter{
		Type:   models.ItemType(req.Type),
		Status: models.Status(req.Status),
		Text:   req.Text,
	})
	if err != nil {
		return nil, err
	}
	if !req.OrderTopo {
		return items, nil
	}

	order, err := s.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	out := make([]*models.WorkItem, 0, len(items))
	for _, id := range order {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// GetWorkItemChildren returns the resolved direct children of an item.
func (s *Service) GetWorkItemChildren(id string) Response {
	return s.respond(s.resolveRefs(id, func(item *models.WorkItem) []string {
		return item.Children
	}))
}

// GetWorkItemDependencies returns the resolved direct dependencies of
// an item.
func (s *Service) GetWorkItemDependencies(id string) Response {
	return s.respond(s.resolveRefs(id, func(item *models.WorkItem) []string {
		return item.DependsOn
	}))
}

// resolveRefs loads the items referenced by one of an item's reference
// lists. References that no longer resolve are skipped.
func (s *Service) resolveRefs(id string, refs func(*models.WorkItem) []string) ([]*models.WorkItem, error) {
	item, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	out := make([]*models.WorkItem, 0, len(refs(item)))
	for _, ref := range refs(item) {
		resolved, err := s.store.Get(ref)
		if err != nil {
			if faults.Is(err, faults.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// ValidationReport is the result of ValidateDependencies.
type ValidationReport struct {
	WorkItemID string `json:"work_item_id"`
	// MissingReferences lists dependency IDs that do not resolve.
	MissingReferences []string `json:"missing_references,omitempty"`
	// CycleDetected is true if the item sits on a dependency cycle.
	CycleDetected bool `json:"cycle_detected"`
	// Valid is true when nothing is wrong.
	Valid bool `json:"valid"`
}

// ValidateDependencies inspects an item's dependency edges without
// changing anything.
func (s *Service) ValidateDependencies(id string) Response {
	return s.respond(s.validateDependencies(id))
}

func (s *Service) validateDependencies(id string) (*ValidationReport, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}

	report := &ValidationReport{
		WorkItemID:        id,
		MissingReferences: s.graph.MissingReferences(id),
		CycleDetected:     s.graph.CreatesCycle(id, s.graph.DependenciesOf(id)),
	}
	report.Valid = !report.CycleDetected && len(report.MissingReferences) == 0
	return report, nil
}

// AddDependency records that `from` depends on `to`. The edge is
// rejected when it would close a cycle; on success the item is
// re-derived, so it may come back blocked.
func (s *Service) AddDependency(from, to string) Response {
	return s.respond(s.mutateEdge(from, func() error {
		return s.graph.AddEdge(from, to)
	}))
}

// RemoveDependency drops the dependency of `from` on `to`. Removing an
// absent edge is a no-op. The item is re-derived, so losing its last
// unmet dependency may make it ready.
func (s *Service) RemoveDependency(from, to string) Response {
	return s.respond(s.mutateEdge(from, func() error {
		return s.graph.RemoveEdge(from, to)
	}))
}

// mutateEdge applies an edge mutation and re-derives the item.
func (s *Service) mutateEdge(from string, mutate func() error) (*models.WorkItem, error) {
	if err := mutate(); err != nil {
		return nil, err
	}
	item, err := s.store.Get(from)
	if err != nil {
		return nil, err
	}
	s.graph.Observe(item)
	return s.deriveItem(item)
}

// ExecutionAccepted is the result of ExecuteWorkItem.
type ExecutionAccepted struct {
	// ExecutionID identifies the accepted execution.
	ExecutionID string `json:"execution_id"`
}

// ExecuteWorkItem submits a ready work item for execution.
func (s *Service) ExecuteWorkItem(id string) Response {
	execID, err := s.coordinator.Execute(id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(&ExecutionAccepted{ExecutionID: execID})
}

// GetExecutionStatus returns the execution record with the given ID.
func (s *Service) GetExecutionStatus(executionID string) Response {
	return s.respond(s.coordinator.GetStatus(executionID))
}

// ListExecutions returns recent execution records, optionally scoped to
// one work item.
func (s *Service) ListExecutions(workItemID string, limit int) Response {
	return s.respond(s.coordinator.List(workItemID, limit))
}

// CancelExecution requests cooperative cancellation and returns the
// record as of the request.
func (s *Service) CancelExecution(executionID string) Response {
	if err := s.coordinator.Cancel(executionID); err != nil {
		return s.fail(err)
	}
	return s.respond(s.coordinator.GetStatus(executionID))
}

// SearchHit is one result row of SearchWorkItems.
type SearchHit struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// SearchData is the result of SearchWorkItems.
type SearchData struct {
	Results []SearchHit `json:"results"`
	// ServedBy reports which search path actually answered.
	ServedBy string `json:"served_by"`
}

// SearchWorkItems runs a search. searchType defaults to semantic.
func (s *Service) SearchWorkItems(ctx context.Context, query, searchType string, limit int) Response {
	return s.respond(s.searchWorkItems(ctx, query, searchType, limit))
}

func (s *Service) searchWorkItems(ctx context.Context, query, searchType string, limit int) (*SearchData, error) {
	if s.engine == nil {
		return nil, faults.New(faults.KindBackendUnavailable, "search is not configured")
	}
	if searchType == "" {
		searchType = string(search.TypeSemantic)
	}

	results, served, err := s.engine.Search(ctx, query, search.Type(searchType), limit)
	if err != nil {
		return nil, err
	}

	data := &SearchData{ServedBy: string(served), Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		hit := SearchHit{ID: r.ID, Score: r.Score}
		if item, err := s.store.Get(r.ID); err == nil {
			hit.Title = item.Title
		}
		data.Results = append(data.Results, hit)
	}
	return data, nil
}

// deriveItem applies dependency-driven derivation to one item and
// returns the item as stored afterwards.
func (s *Service) deriveItem(item *models.WorkItem) (*models.WorkItem, error) {
	target, changed := status.Derive(item.Status, s.graph.DependenciesDone(item.ID))
	if !changed {
		return item, nil
	}
	if _, err := s.store.Update(item.ID, store.Patch{Status: &target}, item.Version); err != nil {
		return nil, err
	}
	updated, err := s.store.Get(item.ID)
	if err != nil {
		return nil, err
	}
	s.graph.Observe(updated)
	return updated, nil
}

// deriveDependents re-derives the direct dependents of an item whose
// status changed. Derivation never produces done, so the effect cannot
// ripple further and direct dependents are enough. Failures are logged
// and skipped: a conflicted dependent settles on its own next update.
func (s *Service) deriveDependents(id string) {
	for _, dep := range s.graph.DependentsOf(id) {
		item, err := s.store.Get(dep)
		if err != nil {
			log.Printf("[service] reload dependent %s: %v", dep, err)
			continue
		}
		if _, err := s.deriveItem(item); err != nil {
			log.Printf("[service] derive dependent %s: %v", dep, err)
		}
	}
}

// stringMetadata validates that all metadata values are strings.
func stringMetadata(in map[string]interface{}) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		str, ok := v.(string)
		if !ok {
			return nil, faults.New(faults.KindSchemaViolation,
				"metadata value for %q must be a string, got %T", k, v)
		}
		out[k] = str
	}
	return out, nil
}
