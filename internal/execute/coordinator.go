// Package execute coordinates work-item execution: it owns the
// execution log, enforces readiness and single-execution-per-item, and
// drives runners under the retry and circuit-breaker discipline.
package execute

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/status"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Runner performs the actual work for one item. Implementations are
// external collaborators; the coordinator only cares about the error.
type Runner interface {
	Run(ctx context.Context, item *models.WorkItem) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, item *models.WorkItem) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, item *models.WorkItem) error {
	return f(ctx, item)
}

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts is the retry ceiling for transient failures.
	MaxAttempts int
	// BaseDelay is the first backoff delay; it doubles each attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Workers is the size of the worker pool.
	Workers int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Workers:     4,
	}
}

// job is one accepted execution request.
type job struct {
	executionID string
	item        *models.WorkItem
}

// Coordinator orchestrates execution of ready work items.
type Coordinator struct {
	cfg    Config
	store  *store.Store
	graph  *graph.Graph
	runner Runner

	// mu serializes acceptance so at most one non-terminal record
	// exists per item.
	mu sync.Mutex
	// active maps work item ID to its in-flight execution ID.
	active map[string]string
	// cancelled holds cooperative cancellation flags by execution ID.
	cancelled map[string]bool

	jobs chan job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a Coordinator. Call Start before submitting executions.
func New(cfg Config, s *store.Store, g *graph.Graph, runner Runner) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		store:     s,
		graph:     g,
		runner:    runner,
		active:    make(map[string]string),
		cancelled: make(map[string]bool),
		jobs:      make(chan job, cfg.Workers*4),
		ctx:       ctx,
		cancel:    cancel,
		sleep:     sleepCtx,
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start() {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Stop drains the pool and waits for in-flight executions to finish
// their current checkpoint.
func (c *Coordinator) Stop() {
	c.cancel()
	close(c.jobs)
	c.wg.Wait()
}

// Execute accepts an execution request for the given work item.
// It fails with NotFound if the item is absent and NotReady if the item
// is not in the ready status or already has a non-terminal execution
// record. On acceptance the record is created in pending, the item
// moves to in_progress, and the job is queued for a worker.
func (c *Coordinator) Execute(workItemID string) (string, error) {
	item, err := c.store.Get(workItemID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if execID, ok := c.active[workItemID]; ok {
		return "", faults.New(faults.KindNotReady,
			"work item %s already has execution %s in flight", workItemID, execID)
	}
	// Also check persisted records in case of a restart.
	if rec, err := c.store.ActiveExecution(workItemID); err != nil {
		return "", err
	} else if rec != nil {
		return "", faults.New(faults.KindNotReady,
			"work item %s already has execution %s in flight", workItemID, rec.ID)
	}

	if item.Status != models.StatusReady {
		return "", faults.New(faults.KindNotReady,
			"work item %s is %s, not ready", workItemID, item.Status)
	}
	if !c.graph.DependenciesDone(workItemID) {
		return "", faults.New(faults.KindNotReady,
			"work item %s has unmet dependencies", workItemID)
	}

	rec := &models.ExecutionRecord{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		State:      models.ExecutionPending,
		StartedAt:  time.Now(),
	}
	if err := c.store.SaveExecution(rec); err != nil {
		return "", err
	}

	if err := c.transitionItem(item, models.StatusInProgress); err != nil {
		// Roll the record forward to a terminal state so it does not
		// wedge the item.
		c.finishRecord(rec, models.ExecutionCancelled, "item transition failed")
		return "", err
	}

	c.active[workItemID] = rec.ID

	select {
	case c.jobs <- job{executionID: rec.ID, item: item}:
	case <-c.ctx.Done():
		c.finishRecord(rec, models.ExecutionCancelled, "coordinator stopped")
		delete(c.active, workItemID)
		return "", faults.New(faults.KindTransient, "coordinator is shutting down")
	}

	log.Printf("[execute] accepted %s for item %s", rec.ID, workItemID)
	return rec.ID, nil
}

// GetStatus returns the execution record with the given ID.
func (c *Coordinator) GetStatus(executionID string) (*models.ExecutionRecord, error) {
	return c.store.GetExecution(executionID)
}

// List returns recent execution records, optionally scoped to one item.
func (c *Coordinator) List(workItemID string, limit int) ([]*models.ExecutionRecord, error) {
	return c.store.ListExecutions(workItemID, limit)
}

// Cancel requests cooperative cancellation of an execution. A pending
// record is cancelled immediately; a running one observes the flag at
// its next checkpoint. Cancelling a terminal record is an error.
func (c *Coordinator) Cancel(executionID string) error {
	rec, err := c.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return faults.New(faults.KindInvalidTransition,
			"execution %s is already %s", executionID, rec.State)
	}

	c.mu.Lock()
	c.cancelled[executionID] = true
	c.mu.Unlock()

	if rec.State == models.ExecutionPending {
		// The worker that eventually dequeues the job will see the
		// flag, but settle the record now so callers observe the
		// cancellation immediately.
		c.settleCancelled(rec)
	}
	log.Printf("[execute] cancellation requested for %s", executionID)
	return nil
}

// isCancelled reads the cooperative flag.
func (c *Coordinator) isCancelled(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[executionID]
}

// worker processes jobs until the channel closes.
func (c *Coordinator) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		c.run(j)
	}
}

// run drives one execution through its attempts.
func (c *Coordinator) run(j job) {
	rec, err := c.store.GetExecution(j.executionID)
	if err != nil {
		log.Printf("[execute] lost record %s: %v", j.executionID, err)
		return
	}
	if rec.State.Terminal() {
		// Cancelled while still queued.
		c.release(j.item.ID, j.executionID)
		return
	}

	if c.isCancelled(j.executionID) {
		c.settleCancelled(rec)
		c.release(j.item.ID, j.executionID)
		return
	}

	// The pending -> running move is conditional in the store: a cancel
	// that settled the record while the job sat in the queue must not be
	// overwritten back to running.
	moved, err := c.store.MarkExecutionRunning(rec.ID)
	if err != nil {
		log.Printf("[execute] mark running %s: %v", rec.ID, err)
		c.release(j.item.ID, j.executionID)
		return
	}
	if !moved {
		c.release(j.item.ID, j.executionID)
		return
	}
	rec.State = models.ExecutionRunning

	finalErr := c.attemptLoop(rec, j.item)

	item, err := c.store.Get(j.item.ID)
	if err != nil {
		log.Printf("[execute] reload item %s: %v", j.item.ID, err)
		c.release(j.item.ID, j.executionID)
		return
	}

	switch {
	case finalErr == nil:
		c.finishRecord(rec, models.ExecutionSucceeded, "")
		if err := c.transitionItem(item, models.StatusReview); err != nil {
			log.Printf("[execute] move %s to review: %v", item.ID, err)
		}
		log.Printf("[execute] %s succeeded after %d attempt(s)", rec.ID, rec.Attempts)
	case c.isCancelled(rec.ID):
		c.finishRecord(rec, models.ExecutionCancelled, finalErr.Error())
		if err := c.transitionItem(item, models.StatusBlocked); err != nil {
			log.Printf("[execute] move %s to blocked: %v", item.ID, err)
		}
		log.Printf("[execute] %s cancelled after %d attempt(s)", rec.ID, rec.Attempts)
	default:
		c.finishRecord(rec, models.ExecutionFailed, finalErr.Error())
		if err := c.transitionItem(item, models.StatusBlocked); err != nil {
			log.Printf("[execute] move %s to blocked: %v", item.ID, err)
		}
		log.Printf("[execute] %s failed after %d attempt(s): %v", rec.ID, rec.Attempts, finalErr)
	}

	c.release(j.item.ID, j.executionID)
}

// attemptLoop runs the runner with retry and bounded exponential
// backoff. Only transient failures are retried; permanent failures and
// cancellation end the loop immediately.
func (c *Coordinator) attemptLoop(rec *models.ExecutionRecord, item *models.WorkItem) error {
	var lastErr error
	delay := c.cfg.BaseDelay

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		if err := c.store.SaveExecution(rec); err != nil {
			log.Printf("[execute] persist attempt count for %s: %v", rec.ID, err)
		}

		lastErr = c.runner.Run(c.ctx, item)
		if lastErr == nil {
			return nil
		}
		rec.LastError = lastErr.Error()

		if !faults.Retryable(lastErr) {
			log.Printf("[execute] %s attempt %d failed permanently: %v", rec.ID, attempt, lastErr)
			return lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		log.Printf("[execute] %s attempt %d failed, retrying in %s: %v", rec.ID, attempt, delay, lastErr)
		if !c.sleep(c.ctx, delay) {
			return lastErr
		}
		// Checkpoint: observe cancellation between attempts.
		if c.isCancelled(rec.ID) {
			return lastErr
		}

		delay *= 2
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
	return lastErr
}

// transitionItem applies a status change through the state machine and
// store, then updates the graph view.
func (c *Coordinator) transitionItem(item *models.WorkItem, target models.Status) error {
	next, err := status.Transition(item.Status, target)
	if err != nil {
		return err
	}
	if _, err := c.store.Update(item.ID, store.Patch{Status: &next}, item.Version); err != nil {
		return err
	}
	updated, err := c.store.Get(item.ID)
	if err != nil {
		return err
	}
	c.graph.Observe(updated)
	*item = *updated
	return nil
}

// finishRecord moves a record to a terminal state.
func (c *Coordinator) finishRecord(rec *models.ExecutionRecord, state models.ExecutionState, detail string) {
	now := time.Now()
	rec.State = state
	rec.FinishedAt = &now
	if detail != "" {
		rec.LastError = detail
	}
	if err := c.store.SaveExecution(rec); err != nil {
		log.Printf("[execute] persist terminal state for %s: %v", rec.ID, err)
	}
}

// settleCancelled marks a pending record cancelled and unblocks its item.
func (c *Coordinator) settleCancelled(rec *models.ExecutionRecord) {
	c.finishRecord(rec, models.ExecutionCancelled, "cancelled before start")
	if item, err := c.store.Get(rec.WorkItemID); err == nil {
		if err := c.transitionItem(item, models.StatusBlocked); err != nil {
			log.Printf("[execute] unwind item %s: %v", item.ID, err)
		}
	}
	c.mu.Lock()
	delete(c.active, rec.WorkItemID)
	c.mu.Unlock()
}

// release clears the active-execution slot for an item.
func (c *Coordinator) release(workItemID, executionID string) {
	c.mu.Lock()
	if c.active[workItemID] == executionID {
		delete(c.active, workItemID)
	}
	delete(c.cancelled, executionID)
	c.mu.Unlock()
}

// SetSleep replaces the backoff sleeper. Test hook.
func (c *Coordinator) SetSleep(fn func(ctx context.Context, d time.Duration) bool) {
	if fn != nil {
		c.sleep = fn
	}
}

// sleepCtx sleeps for d, returning false if the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
