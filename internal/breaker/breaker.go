// Package breaker provides a per-endpoint circuit breaker with bounded
// retries and exponential backoff, used to gate every remote page fetch.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AT020993/knesset-refactor-sub000/internal/faults"
	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
)

// State represents the circuit breaker state.
type State int

const (
	// Closed is the normal operating state. Calls flow through.
	Closed State = iota
	// Open is the tripped state. Calls are refused immediately.
	Open
	// HalfOpen is the recovery probing state after the timeout elapses.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit is open and the call was refused
// without an attempt.
var ErrOpen = errors.New("circuit open")

// ErrRetriesExhausted is returned when the operation was attempted the
// full retry budget and still failed. The last attempt's error is in the
// chain and reachable with errors.As / errors.Is.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Default configuration values.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultMaxRetries       = 8
	DefaultBackoffBase      = 2 * time.Second
)

// Config holds circuit breaker tuning parameters.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	MaxRetries       int           // attempts per Execute call, must be >= 1
	BackoffBase      time.Duration // first retry delay, doubles per attempt
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		MaxRetries:       DefaultMaxRetries,
		BackoffBase:      DefaultBackoffBase,
	}
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	State           State
	FailureCount    int
	SuccessfulCalls int64
	FailedCalls     int64
	AvgResponseTime time.Duration
}

// Breaker guards a single endpoint. Safe for concurrent use. State is
// mutated only by recordSuccess, recordFailure, and CanAttempt (which may
// transition Open to HalfOpen as a side effect of the time check).
type Breaker struct {
	endpoint string
	cfg      Config

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time // zero when no failure recorded

	successfulCalls   int64
	failedCalls       int64
	totalResponseTime time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a breaker for the given endpoint key.
// A MaxRetries below 1 is a construction-time error.
func New(endpoint string, cfg Config) (*Breaker, error) {
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("breaker %s: max retries must be >= 1, got %d", endpoint, cfg.MaxRetries)
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Breaker{
		endpoint: endpoint,
		cfg:      cfg,
		state:    Closed,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Endpoint returns the endpoint key this breaker guards.
func (b *Breaker) Endpoint() string {
	return b.endpoint
}

// CanAttempt reports whether a call may proceed. In the Open state, once
// the recovery timeout has elapsed since the last failure, the breaker
// transitions to HalfOpen and the call is allowed as a probe. This check
// is the only place HalfOpen is entered.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if !b.lastFailureTime.IsZero() && b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.setState(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters. AvgResponseTime is
// zero until at least one call has succeeded.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessfulCalls: b.successfulCalls,
		FailedCalls:     b.failedCalls,
	}
	if b.successfulCalls > 0 {
		s.AvgResponseTime = b.totalResponseTime / time.Duration(b.successfulCalls)
	}
	return s
}

func (b *Breaker) recordSuccess(elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.successfulCalls++
	b.totalResponseTime += elapsed
	b.setState(Closed)
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedCalls++
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.lastFailureTime = b.now()
		b.setState(Open)
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case Open:
		logging.Warn("breaker %s: %s -> open (%d consecutive failures)", b.endpoint, from, b.failureCount)
	case HalfOpen:
		logging.Info("breaker %s: open -> half-open, probing after %s", b.endpoint, b.cfg.RecoveryTimeout)
	case Closed:
		if from != Closed {
			logging.Info("breaker %s: %s -> closed", b.endpoint, from)
		}
	}
}

// Execute runs op under the breaker with up to MaxRetries attempts.
// If the breaker refuses the call, ErrOpen is returned without invoking
// op. When all attempts fail, exactly one failure is recorded and the
// returned error wraps both ErrRetriesExhausted and the last fault.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.CanAttempt() {
		return fmt.Errorf("%s: %w", b.endpoint, ErrOpen)
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		start := b.now()
		err := op(ctx)
		if err == nil {
			b.recordSuccess(b.now().Sub(start))
			return nil
		}
		lastErr = err

		kind := faults.Classify(err)
		if kind == faults.Data {
			logging.Warn("breaker %s: attempt %d/%d data fault (unlikely to resolve on retry): %v",
				b.endpoint, attempt, b.cfg.MaxRetries, err)
		} else {
			logging.Info("breaker %s: attempt %d/%d failed (%s): %v",
				b.endpoint, attempt, b.cfg.MaxRetries, kind, err)
		}

		if attempt == b.cfg.MaxRetries {
			break
		}

		// A concurrent caller on the same endpoint may have opened the
		// breaker since the last attempt.
		if !b.CanAttempt() {
			return fmt.Errorf("%s: %w", b.endpoint, ErrOpen)
		}

		delay := b.cfg.BackoffBase << (attempt - 1)
		logging.Info("breaker %s: retrying in %s", b.endpoint, delay)
		if err := b.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: retry wait: %w", b.endpoint, err)
		}
	}

	b.recordFailure()
	return fmt.Errorf("%s: %w after %d attempts: %w", b.endpoint, ErrRetriesExhausted, b.cfg.MaxRetries, lastErr)
}

// Do executes fn under br and returns its result. Convenience wrapper
// for operations that return a value.
func Do[T any](ctx context.Context, br *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := br.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
