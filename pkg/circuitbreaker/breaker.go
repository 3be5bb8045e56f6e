// Package circuitbreaker guards calls to an unreliable dependency.
//
// A Breaker counts consecutive failures. Once the threshold is reached it
// opens and rejects calls without running them. After the cooldown one trial
// call is admitted (half-open); its outcome closes or re-opens the circuit.
// Only one trial is in flight at a time: concurrent callers during the probe
// are rejected as if the circuit were still open. Every transition starts a
// new generation, and outcomes of calls admitted in an earlier generation are
// dropped so a slow call cannot settle a probe it was not part of.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// State is the circuit state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON health payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a breaker
type Config struct {
	Threshold int           // Consecutive failures before opening (default 5)
	Cooldown  time.Duration // Time spent open before a trial call (default 60s)
}

// Status is a read-only snapshot for health checks
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	FailureCount int           `json:"failure_count"`
	OpenedAt     *time.Time    `json:"opened_at"`
	Threshold    int           `json:"threshold"`
	Cooldown     time.Duration `json:"cooldown"`
}

// OpenError is returned when a call is rejected without being executed
type OpenError struct {
	Name       string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitOpen tags the error for callers that check behaviour instead of type
func (e *OpenError) IsCircuitOpen() bool { return true }

func (e *OpenError) Unwrap() error { return errors.ErrCircuitOpen }

// IsOpen reports whether err was produced by an open circuit
func IsOpen(err error) bool {
	return errors.Is(err, errors.ErrCircuitOpen)
}

// StateChangeFunc observes transitions (metrics, alerts)
type StateChangeFunc func(name string, from, to State)

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer. It runs with the breaker lock held and must not block.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker implements the CLOSED → OPEN → HALF_OPEN state machine
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	gen      uint64

	now           func() time.Time
	onStateChange StateChangeFunc
	log           *logger.Logger
}

// New creates a closed breaker
func New(name string, cfg Config, log *logger.Logger, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}

	b := &Breaker{
		name:      name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		state:     StateClosed,
		now:       time.Now,
		log:       log.With("component", "circuit_breaker", "circuit", name),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// Call runs fn if the circuit admits it and records the outcome.
// A rejected call returns *OpenError and fn is not invoked.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) (err error) {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(gen, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)

	// The caller gave up; that says nothing about the dependency.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		b.release(gen)
		return err
	}

	b.record(gen, err)
	return err
}

// Execute is Call for operations that produce a value
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Status returns the current state snapshot
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		Threshold:    b.threshold,
		Cooldown:     b.cooldown,
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		st.OpenedAt = &openedAt
	}
	return st
}

// Reset forces the circuit closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
	b.setState(StateClosed)
}

// admit returns the generation the call belongs to
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return 0, b.openError(b.cooldown - elapsed)
		}
		b.setState(StateHalfOpen)
		b.probing = true

	case StateHalfOpen:
		if b.probing {
			return 0, b.openError(0)
		}
		b.probing = true
	}

	return b.gen, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	b.probing = false

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.openedAt = time.Time{}
			b.setState(StateClosed)
		}
		return
	}

	b.failures++

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
		b.log.Warnw("🔴 Circuit breaker OPENED",
			"consecutive_failures", b.failures,
			"threshold", b.threshold,
			"cooldown", b.cooldown,
			"error", err,
		)
	}
}

// release frees a half-open probe slot without counting the outcome
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen == b.gen && b.state == StateHalfOpen && b.probing {
		b.probing = false
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.gen++

	switch to {
	case StateClosed:
		b.log.Infow("🟢 Circuit breaker CLOSED", "previous_state", from)
	case StateHalfOpen:
		b.log.Infow("Circuit breaker HALF_OPEN, admitting trial call")
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) openError(retryAfter time.Duration) error {
	return &OpenError{
		Name:       b.name,
		OpenedAt:   b.openedAt,
		RetryAfter: retryAfter,
	}
}
