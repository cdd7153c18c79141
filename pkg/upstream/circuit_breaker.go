package upstream

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and a call is failed fast.
var ErrCircuitOpen = errors.New("upstream: circuit breaker is open")

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails upstream calls fast once a failure threshold is hit,
// rather than letting every request pay the timeout for a dead upstream.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	successes       atomic.Int64
	lastStateChange atomic.Int64
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int32
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and, after timeout, allows test requests through
// until successThreshold consecutive successes close it again.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMax:      3,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(time.Now().UnixNano())
	return cb
}

// Call executes fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	switch CircuitState(cb.state.Load()) {
	case StateOpen:
		if time.Since(time.Unix(0, cb.lastStateChange.Load())) > cb.timeout {
			if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
				cb.successes.Store(0)
				cb.failures.Store(0)
				cb.halfOpenReqs.Store(0)
			}
		} else {
			return ErrCircuitOpen
		}

	case StateHalfOpen:
		current := cb.halfOpenReqs.Add(1)
		defer cb.halfOpenReqs.Add(-1)
		if current > cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}

	err := fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
			}
		}
	case StateHalfOpen:
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastStateChange.Store(time.Now().UnixNano())
}
