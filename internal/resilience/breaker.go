// Package resilience provides reliability patterns for provider and
// orchestrator calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker state names, as reported by State.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker protects an upstream endpoint from retry storms. Consecutive
// tripping failures open the circuit; while open, calls fail fast with
// ErrCircuitOpen until the cooldown elapses, after which a single probe call
// decides between closing and reopening.
//
// Not every error means the endpoint is unhealthy: a classifier separates
// outage signals (timeouts, 5xx, rate limits) from caller mistakes (an
// invalid request fails deterministically no matter how healthy the
// endpoint is). Non-tripping errors pass through without moving the
// breaker in either direction.
type Breaker struct {
	mu          sync.Mutex
	state       string
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	trips       func(error) bool
	now         func() time.Time // for testing
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// tripping failures and fails fast for the given cooldown. By default every
// error trips; install a classifier with Trips.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		trips:       func(error) bool { return true },
		now:         time.Now,
	}
}

// Trips installs the failure classifier and returns the breaker for
// chaining. Errors for which fn returns false neither open the circuit nor
// reset the failure streak.
func (b *Breaker) Trips(fn func(error) bool) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn != nil {
		b.trips = fn
	}
	return b
}

// State reports the current circuit state, refreshing the open -> half-open
// transition first. Exposed so agent status surfaces can show why calls are
// being rejected.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.refresh()
	if b.state == StateOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	probing := b.state == StateHalfOpen
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case b.trips(err):
		b.failures++
		if probing || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	return err
}

// refresh moves open -> half-open once the cooldown has elapsed.
// Must be called with b.mu held.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
	}
}
