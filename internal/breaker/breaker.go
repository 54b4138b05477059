// Package breaker provides a circuit breaker guarding calls to external
// backends. One breaker instance is shared by all callers of a backend,
// so every caller observes the same open/closed view.
package breaker

import (
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/faults"
)

// State represents the breaker state.
type State string

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen short-circuits every call until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen permits exactly one trial call.
	StateHalfOpen State = "half_open"
)

// Config tunes a circuit breaker.
type Config struct {
	// Name identifies the guarded backend in logs and errors.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before permitting a
	// half-open trial call.
	Cooldown time.Duration
}

// DefaultFailureThreshold opens the breaker after this many consecutive
// failures when no threshold is configured.
const DefaultFailureThreshold = 5

// DefaultCooldown is the open-state wait before a trial call.
const DefaultCooldown = 30 * time.Second

// Breaker is a circuit breaker. The zero value is not usable; create
// instances with New.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	// trialInFlight guards the single half-open probe.
	trialInFlight bool

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a circuit breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// State returns the current breaker state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked resolves OPEN to HALF_OPEN once the cooldown has elapsed.
// Caller must hold b.mu.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.trialInFlight = false
		log.Printf("[breaker] %s: cooldown elapsed, entering half-open", b.name)
	}
	return b.state
}

// Call invokes fn under the breaker's discipline. When the breaker is
// open, fn is never invoked and a backend-unavailable fault is returned.
// In half-open, only one caller at a time gets the trial slot.
func (b *Breaker) Call(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// acquire checks whether a call may proceed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateOpen:
		return faults.New(faults.KindBackendUnavailable,
			"%s: circuit open, retry after %s", b.name, b.cooldownRemainingLocked())
	case StateHalfOpen:
		if b.trialInFlight {
			return faults.New(faults.KindBackendUnavailable,
				"%s: circuit half-open, trial call in flight", b.name)
		}
		b.trialInFlight = true
	}
	return nil
}

// record updates breaker state after a call completes.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == StateHalfOpen {
			log.Printf("[breaker] %s: trial call succeeded, closing circuit", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		b.trialInFlight = false
		return
	}

	switch b.state {
	case StateHalfOpen:
		// Trial failed: back to open, cooldown restarts.
		b.state = StateOpen
		b.openedAt = b.now()
		b.trialInFlight = false
		log.Printf("[breaker] %s: trial call failed, reopening circuit", b.name)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			log.Printf("[breaker] %s: %d consecutive failures, opening circuit for %s",
				b.name, b.failures, b.cooldown)
		}
	}
}

// cooldownRemainingLocked returns how long until the next trial call.
// Caller must hold b.mu.
func (b *Breaker) cooldownRemainingLocked() time.Duration {
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Failures returns the consecutive failure count in the closed state.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// SetClock replaces the breaker's clock. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// Reconfigure updates the threshold and cooldown in place. Used by
// config hot reload; the current state and failure count are preserved.
func (b *Breaker) Reconfigure(threshold int, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threshold > 0 {
		b.threshold = threshold
	}
	if cooldown > 0 {
		b.cooldown = cooldown
	}
}
