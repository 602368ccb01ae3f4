// Package resilience guards node calls with circuit breakers and bounded retries.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker opens after maxFailures consecutive tripping failures and rejects calls
// until timeout has elapsed, then lets a single probe through.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	trips       func(error) bool
	now         func() time.Time
}

// NewBreaker creates a breaker. trips decides which errors count as failures; nil
// counts every error.
func NewBreaker(maxFailures int, timeout time.Duration, trips func(error) bool) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if trips == nil {
		trips = func(error) bool { return true }
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		trips:       trips,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.trips(err) {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return err
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.timeout
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}

// Breakers keeps one breaker per key.
type Breakers struct {
	mu          sync.Mutex
	byKey       map[string]*Breaker
	maxFailures int
	timeout     time.Duration
	trips       func(error) bool
}

// NewBreakers returns a keyed breaker set sharing one configuration.
func NewBreakers(maxFailures int, timeout time.Duration, trips func(error) bool) *Breakers {
	return &Breakers{
		byKey:       make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
		trips:       trips,
	}
}

// For returns the breaker for key, creating it on first use.
func (s *Breakers) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byKey[key]
	if !ok {
		b = NewBreaker(s.maxFailures, s.timeout, s.trips)
		s.byKey[key] = b
	}
	return b
}

// Forget drops the breaker for key.
func (s *Breakers) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
}
