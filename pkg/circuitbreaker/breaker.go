package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents the state of the circuit breaker
type State int

const (
	StateClosed   State = iota // Normal operation, requests allowed
	StateHalfOpen              // Testing if the dependency is healthy again
	StateOpen                  // Circuit is open, requests are not allowed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive failures and opens after a threshold
type CircuitBreaker struct {
	state            int32
	failureThreshold int64
	resetTimeout     time.Duration
	halfOpenMaxCalls int64
	failureCount     int64
	halfOpenCalls    int64
	lastStateChange  time.Time
	onStateChange    func(from, to State)
	mutex            sync.RWMutex
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	FailureThreshold int64
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int64
	// OnStateChange is called after every transition, outside any lock
	OnStateChange func(from, to State)
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	State            string        `json:"state"`
	FailureCount     int64         `json:"failure_count"`
	FailureThreshold int64         `json:"failure_threshold"`
	LastStateChange  time.Time     `json:"last_state_change"`
	TimeInState      time.Duration `json:"time_in_state"`
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	halfOpen := config.HalfOpenMaxCalls
	if halfOpen <= 0 {
		halfOpen = 1
	}

	return &CircuitBreaker{
		state:            int32(StateClosed),
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: halfOpen,
		lastStateChange:  time.Now(),
		onStateChange:    config.OnStateChange,
	}
}

// Allow checks if a request is allowed based on the circuit breaker state
func (cb *CircuitBreaker) Allow() bool {
	switch State(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return true
	case StateOpen:
		cb.mutex.RLock()
		elapsed := time.Since(cb.lastStateChange)
		cb.mutex.RUnlock()

		if elapsed < cb.resetTimeout {
			return false
		}

		if cb.transition(StateOpen, StateHalfOpen) {
			atomic.StoreInt64(&cb.halfOpenCalls, 0)
		}
		return cb.Allow()
	case StateHalfOpen:
		return atomic.AddInt64(&cb.halfOpenCalls, 1) <= cb.halfOpenMaxCalls
	default:
		return false
	}
}

// Success reports a successful operation
func (cb *CircuitBreaker) Success() {
	switch State(atomic.LoadInt32(&cb.state)) {
	case StateHalfOpen:
		if cb.transition(StateHalfOpen, StateClosed) {
			atomic.StoreInt64(&cb.failureCount, 0)
		}
	case StateClosed:
		atomic.StoreInt64(&cb.failureCount, 0)
	}
}

// Failure reports a failed operation
func (cb *CircuitBreaker) Failure() {
	switch State(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if atomic.AddInt64(&cb.failureCount, 1) >= cb.failureThreshold {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateOpen)
	}
}

// Reset closes the breaker and clears the failure count
func (cb *CircuitBreaker) Reset() {
	from := State(atomic.SwapInt32(&cb.state, int32(StateClosed)))
	atomic.StoreInt64(&cb.failureCount, 0)

	cb.mutex.Lock()
	cb.lastStateChange = time.Now()
	cb.mutex.Unlock()

	if from != StateClosed && cb.onStateChange != nil {
		cb.onStateChange(from, StateClosed)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return State(atomic.LoadInt32(&cb.state))
}

// GetSnapshot returns the breaker's counters
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mutex.RLock()
	lastChange := cb.lastStateChange
	cb.mutex.RUnlock()

	return Snapshot{
		State:            cb.GetState().String(),
		FailureCount:     atomic.LoadInt64(&cb.failureCount),
		FailureThreshold: cb.failureThreshold,
		LastStateChange:  lastChange,
		TimeInState:      time.Since(lastChange),
	}
}

func (cb *CircuitBreaker) transition(from, to State) bool {
	if !atomic.CompareAndSwapInt32(&cb.state, int32(from), int32(to)) {
		return false
	}

	cb.mutex.Lock()
	cb.lastStateChange = time.Now()
	cb.mutex.Unlock()

	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}

	return true
}
