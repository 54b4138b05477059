package execute

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

type env struct {
	store *store.Store
	graph *graph.Graph
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
	return &env{store: s, graph: graph.New(s)}
}

func (e *env) createReady(t *testing.T, id string, deps ...string) {
	t.Helper()
	e.createWithStatus(t, id, models.StatusReady, deps...)
}

func (e *env) createWithStatus(t *testing.T, id string, st models.Status, deps ...string) {
	t.Helper()
	_, err := e.store.Create(&models.WorkItem{
		ID:        id,
		Type:      models.ItemTypeTask,
		Title:     id,
		Status:    st,
		DependsOn: deps,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if err := e.graph.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
}

func newCoordinator(e *env, runner Runner) *Coordinator {
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Workers: 2},
		e.store, e.graph, runner)
	c.SetSleep(func(ctx context.Context, d time.Duration) bool { return true })
	return c
}

// waitTerminal polls until the record reaches a terminal state.
func waitTerminal(t *testing.T, c *Coordinator, execID string) *models.ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := c.GetStatus(execID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if rec.State.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return nil
}

func TestExecuteSuccess(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	var runs int32
	c := newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	c.Start()
	defer c.Stop()

	execID, err := c.Execute("a")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec := waitTerminal(t, c, execID)
	if rec.State != models.ExecutionSucceeded {
		t.Errorf("expected succeeded, got %s (%s)", rec.State, rec.LastError)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runner invoked %d times", runs)
	}

	item, _ := e.store.Get("a")
	if item.Status != models.StatusReview {
		t.Errorf("item should be in review, got %s", item.Status)
	}
}

func TestExecuteNotFound(t *testing.T) {
	e := newEnv(t)
	c := newCoordinator(e, RunnerFunc(func(context.Context, *models.WorkItem) error { return nil }))

	_, err := c.Execute("ghost")
	if !faults.Is(err, faults.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestExecuteNotReadyCreatesNoRecord(t *testing.T) {
	e := newEnv(t)
	e.createWithStatus(t, "a", models.StatusBacklog)
	e.createWithStatus(t, "b", models.StatusBlocked, "a")

	c := newCoordinator(e, RunnerFunc(func(context.Context, *models.WorkItem) error { return nil }))

	_, err := c.Execute("b")
	if !faults.Is(err, faults.KindNotReady) {
		t.Fatalf("expected not_ready, got %v", err)
	}

	recs, err := c.List("b", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("rejected execution must not create a record, found %d", len(recs))
	}
}

func TestExecuteRejectsConcurrentExecution(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	release := make(chan struct{})
	c := newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		<-release
		return nil
	}))
	c.Start()
	defer c.Stop()

	execID, err := c.Execute("a")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	_, err = c.Execute("a")
	if !faults.Is(err, faults.KindNotReady) {
		t.Errorf("second execution should be rejected not_ready, got %v", err)
	}

	close(release)
	waitTerminal(t, c, execID)
}

func TestTransientFailureRetriesThenBlocks(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	var runs int32
	c := newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		atomic.AddInt32(&runs, 1)
		return faults.New(faults.KindTransient, "backend timeout")
	}))
	c.Start()
	defer c.Stop()

	execID, err := c.Execute("a")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec := waitTerminal(t, c, execID)
	if rec.State != models.ExecutionFailed {
		t.Errorf("expected failed, got %s", rec.State)
	}
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Errorf("transient failure should exhaust 3 attempts, ran %d", got)
	}

	item, _ := e.store.Get("a")
	if item.Status != models.StatusBlocked {
		t.Errorf("item should be blocked after failure, got %s", item.Status)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	var runs int32
	c := newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("malformed manifest")
	}))
	c.Start()
	defer c.Stop()

	execID, _ := c.Execute("a")
	rec := waitTerminal(t, c, execID)

	if rec.State != models.ExecutionFailed {
		t.Errorf("expected failed, got %s", rec.State)
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("permanent failure must not retry, ran %d", got)
	}
}

func TestCancelBetweenAttempts(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	attempted := make(chan string, 1)
	var c *Coordinator
	c = newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		select {
		case attempted <- item.ID:
		default:
		}
		return faults.New(faults.KindTransient, "flaky")
	}))
	// Cancel at the backoff checkpoint after the first attempt.
	c.SetSleep(func(ctx context.Context, d time.Duration) bool { return true })
	c.Start()
	defer c.Stop()

	execID, err := c.Execute("a")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	<-attempted
	if err := c.Cancel(execID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec := waitTerminal(t, c, execID)
	if rec.State != models.ExecutionCancelled && rec.State != models.ExecutionFailed {
		t.Errorf("expected cancelled (or failed if attempts outran the flag), got %s", rec.State)
	}
}

func TestCancelWhileQueuedStaysCancelled(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	var runs int32
	c := newCoordinator(e, RunnerFunc(func(ctx context.Context, item *models.WorkItem) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	// Accept the execution with no workers running, so the job sits in
	// the queue while the cancel settles the pending record.
	execID, err := c.Execute("a")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := c.Cancel(execID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec, err := c.GetStatus(execID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec.State != models.ExecutionCancelled {
		t.Fatalf("queued cancel should settle immediately, got %s", rec.State)
	}

	c.Start()
	defer c.Stop()

	// The worker drains the stale job; the settled record must not be
	// pulled back to running.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec, err = c.GetStatus(execID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if rec.State != models.ExecutionCancelled {
			t.Fatalf("cancelled record was overwritten to %s", rec.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Errorf("cancelled execution must not run, ran %d times", runs)
	}

	item, _ := e.store.Get("a")
	if item.Status != models.StatusBlocked {
		t.Errorf("item should unwind to blocked, got %s", item.Status)
	}
}

func TestCancelTerminalRecordFails(t *testing.T) {
	e := newEnv(t)
	e.createReady(t, "a")

	c := newCoordinator(e, RunnerFunc(func(context.Context, *models.WorkItem) error { return nil }))
	c.Start()
	defer c.Stop()

	execID, _ := c.Execute("a")
	waitTerminal(t, c, execID)

	err := c.Cancel(execID)
	if !faults.Is(err, faults.KindInvalidTransition) {
		t.Errorf("cancelling a terminal record should fail, got %v", err)
	}
}

func TestGetStatusUnknownExecution(t *testing.T) {
	e := newEnv(t)
	c := newCoordinator(e, RunnerFunc(func(context.Context, *models.WorkItem) error { return nil }))

	_, err := c.GetStatus("nope")
	if !faults.Is(err, faults.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}
