// Package breaker implements the three-state circuit breaker that guards
// the inference streamer from cascading failures.
package breaker

import (
	"sync"
	"time"

	"github.com/sage-x-project/llm-router/internal/metrics"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const successesToClose = 3

// Config holds the breaker's two tunables.
type Config struct {
	FailureThreshold int
	ResetInterval    time.Duration
}

// Breaker is a mutex-guarded state machine. CanMakeRequest is the admission
// gate; RecordSuccess/RecordFailure are called by the request handler on
// stream completion and on any upstream error respectively.
type Breaker struct {
	mu sync.Mutex
	cfg Config

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	totalRequests    int64
	totalFailures    int64
	stateTransitions int64
}

// New constructs a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// CanMakeRequest is the admission gate. In Open state it transitions to
// Half-Open and admits exactly once the reset interval has elapsed since
// the last recorded failure.
func (b *Breaker) CanMakeRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.lastFailureTime.IsZero() && time.Since(b.lastFailureTime) >= b.cfg.ResetInterval {
			b.transitionTo(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= successesToClose {
			b.transitionTo(Closed)
		}
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure records a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		b.transitionTo(Open)
	}
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.stateTransitions++
	switch to {
	case HalfOpen:
		b.successCount = 0
	case Closed:
		b.failureCount = 0
		b.successCount = 0
	}
	metrics.BreakerState.Set(stateGaugeValue(to))
}

func stateGaugeValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is the aggregate telemetry surface.
type Stats struct {
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	StateTransitions int64     `json:"state_transitions"`
	FailureRatePct   float64   `json:"failure_rate_pct"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
}

// Stats returns a point-in-time snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.totalRequests
	if total == 0 {
		total = 1
	}

	return Stats{
		State:            b.state,
		FailureCount:     b.failureCount,
		TotalRequests:    b.totalRequests,
		TotalFailures:    b.totalFailures,
		StateTransitions: b.stateTransitions,
		FailureRatePct:   float64(b.totalFailures) / float64(total) * 100,
		LastFailureTime:  b.lastFailureTime,
	}
}

// Reset restores the breaker to its initial Closed state. Intended for
// tests and manual operator recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	metrics.BreakerState.Set(stateGaugeValue(Closed))
}
