package assessment

import (
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
)

// circuitState is the breaker's tagged state: closed (normal), open
// (stage 3 disabled since openedAt), or half-open (probing).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker gates the external model-scoring stage. After
// failureThreshold failures within failureWindow (and at least
// minRequests total calls in that window) the circuit opens; once
// recoveryTimeout elapses it transitions to half-open and allows a
// probe, closing again on success.
type CircuitBreaker struct {
	mu sync.Mutex

	state    circuitState
	openedAt time.Time
	failures []time.Time
	requests []time.Time

	failureThreshold int
	minRequests      int
	failureWindow    time.Duration
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(failureThreshold, minRequests int, failureWindow, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if minRequests <= 0 {
		minRequests = 1
	}
	return &CircuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		minRequests:      minRequests,
		failureWindow:    failureWindow,
		recoveryTimeout:  recoveryTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Allow reports whether a call may proceed. An open circuit whose
// recovery timeout has elapsed transitions to half-open and admits one
// probe; otherwise open returns a ConcurrencyError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return nil
	case circuitHalfOpen:
		return memerr.New(memerr.ConcurrencyError, "assessment circuit breaker probe in flight")
	default:
		if cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = circuitHalfOpen
			return nil
		}
		return memerr.New(memerr.ConcurrencyError, "assessment circuit breaker open")
	}
}

// RecordSuccess closes the circuit and clears the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = cb.failures[:0]
	cb.requests = append(cb.requests, cb.now())
}

// RecordFailure counts a failure; a half-open probe failure reopens
// immediately, and crossing the windowed threshold opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = now
		return
	}

	cutoff := now.Add(-cb.failureWindow)
	cb.failures = pruneBefore(cb.failures, cutoff)
	cb.failures = append(cb.failures, now)
	cb.requests = pruneBefore(cb.requests, cutoff)
	cb.requests = append(cb.requests, now)

	if len(cb.failures) >= cb.failureThreshold && len(cb.requests) >= cb.minRequests {
		cb.state = circuitOpen
		cb.openedAt = now
		cb.failures = cb.failures[:0]
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// State returns a human-readable state name for status reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
