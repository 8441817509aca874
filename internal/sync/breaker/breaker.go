// Package breaker guards the network exchange with a circuit breaker and
// provides the caller-level retry loop used when a pass is blocked by an
// open circuit.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
)

// State of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

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

// ErrOpen is returned without invoking the wrapped call while the circuit
// is open. It is distinct from a request timeout so callers can tell
// "too many recent failures" apart from "slow or broken network".
var ErrOpen = apperrors.New(apperrors.ErrSyncCircuitOpen, "circuit open, exchange blocked")

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Breaker tracks consecutive failures of the exchange call. Past the
// threshold the circuit opens for a cool-down window; after the window one
// half-open probe is allowed through. A failed probe reopens the circuit
// and doubles the cool-down.
type Breaker struct {
	mu         sync.Mutex
	clock      Clock
	threshold  int
	base       time.Duration
	cooldown   time.Duration
	failures   int
	state      State
	openedAt   time.Time
	probing    bool
}

// New creates a Breaker. threshold is the consecutive-failure count that
// opens the circuit; cooldown is the initial cool-down window.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(threshold, cooldown, systemClock{})
}

// NewWithClock creates a Breaker with an explicit clock, used by tests.
func NewWithClock(threshold int, cooldown time.Duration, clock Clock) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		clock:     clock,
		threshold: threshold,
		base:      cooldown,
		cooldown:  cooldown,
		state:     Closed,
	}
}

// State returns the current circuit state, accounting for an elapsed
// cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Execute runs fn under the circuit breaker. While open it returns ErrOpen
// immediately; after the cool-down exactly one probe call is let through.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.report(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		// Cool-down elapsed: admit one probe.
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
		if err == nil {
			// Probe succeeded: close and reset.
			b.state = Closed
			b.failures = 0
			b.cooldown = b.base
			logging.Info("circuit closed after successful probe", nil)
		} else {
			// Probe failed: reopen and extend the cool-down.
			b.state = Open
			b.openedAt = b.clock.Now()
			b.cooldown *= 2
			logging.Warn("circuit reopened, cool-down extended", map[string]interface{}{
				"cooldown": b.cooldown.String(),
			})
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.clock.Now()
		b.cooldown = b.base
		logging.Warn("circuit opened", map[string]interface{}{
			"consecutive_failures": b.failures,
			"cooldown":             b.cooldown.String(),
		})
	}
}

// RetryNotify is called before each caller-level retry attempt.
type RetryNotify func(attempt int, wait time.Duration)

// RunWithRetry re-attempts fn across a bounded number of attempts with
// exponentially increasing delay, but only while fn is blocked by an open
// circuit. Any other error, and success, return immediately: per-call
// failures are the breaker's business and are never double-counted here.
func RunWithRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, notify RetryNotify) error {
	if attempts <= 0 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseDelay
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var wrapped backoff.BackOff = backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if apperrors.Is(err, apperrors.ErrSyncCircuitOpen) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	return backoff.RetryNotify(operation, wrapped, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, wait)
		}
	})
}
