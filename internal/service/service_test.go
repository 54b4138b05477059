package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/loom/internal/execute"
	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

type env struct {
	store   *store.Store
	graph   *graph.Graph
	service *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g := graph.New(s)
	coord := execute.New(execute.Config{Workers: 1}, s, g,
		execute.RunnerFunc(func(context.Context, *models.WorkItem) error { return nil }))
	return &env{store: s, graph: g, service: New(s, g, coord, nil)}
}

// item casts an envelope's data to a work item.
func item(t *testing.T, resp Response) *models.WorkItem {
	t.Helper()
	if !resp.Success {
		t.Fatalf("operation failed: %+v", resp.Error)
	}
	wi, ok := resp.Data.(*models.WorkItem)
	if !ok {
		t.Fatalf("data is %T, not a work item", resp.Data)
	}
	return wi
}

func (e *env) create(t *testing.T, title string, deps ...string) *models.WorkItem {
	t.Helper()
	return item(t, e.service.CreateWorkItem(CreateRequest{
		Type:      string(models.ItemTypeTask),
		Title:     title,
		DependsOn: deps,
	}))
}

func (e *env) setStatus(t *testing.T, id string, st models.Status) *models.WorkItem {
	t.Helper()
	current, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	raw := string(st)
	return item(t, e.service.UpdateWorkItem(id, UpdateRequest{Status: &raw}, current.Version))
}

func TestEnvelopeShape(t *testing.T) {
	e := newEnv(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("PST", -8*3600))
	e.service.SetClock(func() time.Time { return fixed })

	resp := e.service.GetWorkItem("ghost")
	if resp.Success {
		t.Fatal("missing item should fail")
	}
	if resp.Error == nil || resp.Error.Kind != string(faults.KindNotFound) {
		t.Errorf("expected not_found, got %+v", resp.Error)
	}
	if resp.Error.Retryable {
		t.Error("not_found must not be retryable")
	}
	if resp.Data != nil {
		t.Error("failure envelope must not carry data")
	}
	if resp.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp must be UTC, got %v", resp.Timestamp.Location())
	}

	created := e.create(t, "alpha")
	ok := e.service.GetWorkItem(created.ID)
	if !ok.Success || ok.Error != nil {
		t.Errorf("success envelope must not carry an error: %+v", ok.Error)
	}
}

func TestCreateDerivesInitialStatus(t *testing.T) {
	e := newEnv(t)

	a := e.create(t, "A")
	if a.Status != models.StatusReady {
		t.Errorf("item without dependencies should be ready, got %s", a.Status)
	}

	b := e.create(t, "B", a.ID)
	if b.Status != models.StatusBlocked {
		t.Errorf("item with unmet dependency should be blocked, got %s", b.Status)
	}
}

func TestCreateRejectsNonStringMetadata(t *testing.T) {
	e := newEnv(t)

	resp := e.service.CreateWorkItem(CreateRequest{
		Type:     string(models.ItemTypeTask),
		Title:    "bad meta",
		Metadata: map[string]interface{}{"count": 3},
	})
	if resp.Success {
		t.Fatal("non-string metadata should be rejected")
	}
	if resp.Error.Kind != string(faults.KindSchemaViolation) {
		t.Errorf("expected schema_violation, got %s", resp.Error.Kind)
	}
}

func TestDependencyCompletionUnblocksDependents(t *testing.T) {
	e := newEnv(t)

	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)
	if b.Status != models.StatusBlocked {
		t.Fatalf("B should start blocked, got %s", b.Status)
	}

	e.setStatus(t, a.ID, models.StatusInProgress)
	e.setStatus(t, a.ID, models.StatusReview)
	e.setStatus(t, a.ID, models.StatusDone)

	got, err := e.store.Get(b.ID)
	if err != nil {
		t.Fatalf("get B: %v", err)
	}
	if got.Status != models.StatusReady {
		t.Errorf("B should become ready once A is done, got %s", got.Status)
	}
}

func TestUpdateInvalidTransition(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A") // ready

	raw := string(models.StatusDone)
	resp := e.service.UpdateWorkItem(a.ID, UpdateRequest{Status: &raw}, a.Version)
	if resp.Success {
		t.Fatal("ready -> done must be rejected")
	}
	if resp.Error.Kind != string(faults.KindInvalidTransition) {
		t.Errorf("expected invalid_transition, got %s", resp.Error.Kind)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")

	title := "renamed"
	resp := e.service.UpdateWorkItem(a.ID, UpdateRequest{Title: &title}, a.Version+7)
	if resp.Success {
		t.Fatal("stale version must be rejected")
	}
	if resp.Error.Kind != string(faults.KindConflict) {
		t.Errorf("expected conflict, got %s", resp.Error.Kind)
	}
}

func TestUpdateRejectsDependencyCycle(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)

	deps := []string{b.ID}
	current, _ := e.store.Get(a.ID)
	resp := e.service.UpdateWorkItem(a.ID, UpdateRequest{DependsOn: &deps}, current.Version)
	if resp.Success {
		t.Fatal("cycle-closing update must be rejected")
	}
	if resp.Error.Kind != string(faults.KindCycleDetected) {
		t.Errorf("expected cycle_detected, got %s", resp.Error.Kind)
	}
}

func TestConcurrentUpdatesCannotFormCycle(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B")

	// Replace the dependency sets of both items at each other from two
	// goroutines. If the cycle check and the commit ever interleave,
	// both updates land and the graph holds a -> b -> a.
	var wg sync.WaitGroup
	results := make([]Response, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		deps := []string{b.ID}
		results[0] = e.service.UpdateWorkItem(a.ID, UpdateRequest{DependsOn: &deps}, a.Version)
	}()
	go func() {
		defer wg.Done()
		deps := []string{a.ID}
		results[1] = e.service.UpdateWorkItem(b.ID, UpdateRequest{DependsOn: &deps}, b.Version)
	}()
	wg.Wait()

	if results[0].Success && results[1].Success {
		t.Error("both cycle-closing updates succeeded")
	}
	if err := e.graph.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if e.graph.HasCycle() {
		t.Error("stored dependencies contain a cycle")
	}
}

func TestDeleteCascadeUnblocksDependents(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)

	resp := e.service.DeleteWorkItem(context.Background(), a.ID, true)
	if !resp.Success {
		t.Fatalf("delete failed: %+v", resp.Error)
	}
	result := resp.Data.(*DeleteResult)
	if len(result.Deleted) != 1 || result.Deleted[0] != a.ID {
		t.Errorf("unexpected deleted set: %v", result.Deleted)
	}

	got, err := e.store.Get(b.ID)
	if err != nil {
		t.Fatalf("get B: %v", err)
	}
	if len(got.DependsOn) != 0 {
		t.Errorf("B should have its dangling dependency scrubbed, has %v", got.DependsOn)
	}
	if got.Status != models.StatusReady {
		t.Errorf("B should be ready once its dependency is gone, got %s", got.Status)
	}
}

func TestDeleteWithoutCascadeRejectsDependents(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	e.create(t, "B", a.ID)

	resp := e.service.DeleteWorkItem(context.Background(), a.ID, false)
	if resp.Success {
		t.Fatal("delete with dependents must be rejected without cascade")
	}
	if resp.Error.Kind != string(faults.KindReferentialIntegrity) {
		t.Errorf("expected referential_integrity, got %s", resp.Error.Kind)
	}
}

func TestListTopologicalOrder(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)
	c := e.create(t, "C", b.ID)

	resp := e.service.ListWorkItems(ListRequest{OrderTopo: true})
	if !resp.Success {
		t.Fatalf("list failed: %+v", resp.Error)
	}
	items := resp.Data.([]*models.WorkItem)
	pos := make(map[string]int, len(items))
	for i, it := range items {
		pos[it.ID] = i
	}
	if !(pos[a.ID] < pos[b.ID] && pos[b.ID] < pos[c.ID]) {
		t.Errorf("expected A before B before C, got %v", pos)
	}
}

func TestGetWorkItemDependencies(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)

	resp := e.service.GetWorkItemDependencies(b.ID)
	if !resp.Success {
		t.Fatalf("dependencies failed: %+v", resp.Error)
	}
	deps := resp.Data.([]*models.WorkItem)
	if len(deps) != 1 || deps[0].ID != a.ID {
		t.Errorf("unexpected dependencies: %v", deps)
	}
}

func TestValidateDependencies(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)

	resp := e.service.ValidateDependencies(b.ID)
	if !resp.Success {
		t.Fatalf("validate failed: %+v", resp.Error)
	}
	report := resp.Data.(*ValidationReport)
	if !report.Valid || report.CycleDetected || len(report.MissingReferences) != 0 {
		t.Errorf("expected a clean report, got %+v", report)
	}
}

func TestAddAndRemoveDependencyDerive(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A") // ready
	b := e.create(t, "B") // ready

	got := item(t, e.service.AddDependency(b.ID, a.ID))
	if got.Status != models.StatusBlocked {
		t.Errorf("B should be blocked after gaining an unmet dependency, got %s", got.Status)
	}

	got = item(t, e.service.RemoveDependency(b.ID, a.ID))
	if got.Status != models.StatusReady {
		t.Errorf("B should be ready after losing the dependency, got %s", got.Status)
	}
}

func TestAddDependencyCycleRejected(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID)

	resp := e.service.AddDependency(a.ID, b.ID)
	if resp.Success {
		t.Fatal("cycle-closing edge must be rejected")
	}
	if resp.Error.Kind != string(faults.KindCycleDetected) {
		t.Errorf("expected cycle_detected, got %s", resp.Error.Kind)
	}
}

func TestExecuteBlockedItemRejected(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, "A")
	b := e.create(t, "B", a.ID) // blocked

	resp := e.service.ExecuteWorkItem(b.ID)
	if resp.Success {
		t.Fatal("blocked item must not be executable")
	}
	if resp.Error.Kind != string(faults.KindNotReady) {
		t.Errorf("expected not_ready, got %s", resp.Error.Kind)
	}
}

func TestSearchWithoutEngine(t *testing.T) {
	e := newEnv(t)

	resp := e.service.SearchWorkItems(context.Background(), "anything", "", 5)
	if resp.Success {
		t.Fatal("search without an engine must fail")
	}
	if resp.Error.Kind != string(faults.KindBackendUnavailable) {
		t.Errorf("expected backend_unavailable, got %s", resp.Error.Kind)
	}
}
