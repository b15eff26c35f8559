package embedding

import "time"

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker generalizes the retry-with-backoff loop the ollama and
// openai backends use for a single request into a cross-request guard:
// once consecutive failures exceed the threshold, calls fail fast until a
// cooldown elapses, then one trial call is allowed through (half-open). A
// success closes the circuit; a failure in half-open reopens it.
//
// Not safe for concurrent use on its own — callers serialize access (here,
// managedProvider's mutex already does).
type circuitBreaker struct {
	threshold   int
	cooldown    time.Duration
	failures    int
	state       breakerState
	openedAt    time.Time
	timeNowFunc func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:   threshold,
		cooldown:    cooldown,
		state:       breakerClosed,
		timeNowFunc: time.Now,
	}
}

func (b *circuitBreaker) now() time.Time {
	if b.timeNowFunc != nil {
		return b.timeNowFunc()
	}
	return time.Now()
}

// Allow reports whether a call should proceed. Transitions open->half-open
// once the cooldown has elapsed.
func (b *circuitBreaker) Allow() bool {
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *circuitBreaker) RecordSuccess() {
	b.failures = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) RecordFailure() {
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
