package exchange

import (
	"errors"
	"log"
	"sync"
	"time"
)

// APIBreaker protects the adapter from hammering a broken endpoint. This is
// the transport-level breaker; the account-level safety breaker lives in the
// breaker package.
type APIBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openTimeout      time.Duration

	state           string // "closed", "open", "half_open"
	failures        int
	successes       int // consecutive successes while half-open
	lastFailureTime time.Time
}

const halfOpenSuccessesToClose = 2

// ErrBreakerOpen is returned by Allow while the breaker is open.
var ErrBreakerOpen = errors.New("api circuit breaker is open")

func NewAPIBreaker(failureThreshold int, openTimeout time.Duration) *APIBreaker {
	return &APIBreaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            "closed",
	}
}

// Allow reports whether a call may proceed. After the open timeout elapses
// the breaker moves to half-open and lets probes through.
func (b *APIBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == "open" {
		if time.Since(b.lastFailureTime) < b.openTimeout {
			return ErrBreakerOpen
		}
		b.state = "half_open"
		b.successes = 0
		log.Printf("🔌 API breaker half-open, probing endpoint")
	}
	return nil
}

// RecordSuccess closes the breaker after enough consecutive half-open probes.
func (b *APIBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case "half_open":
		b.successes++
		if b.successes >= halfOpenSuccessesToClose {
			b.state = "closed"
			b.failures = 0
			log.Printf("✓ API breaker closed, endpoint recovered")
		}
	case "closed":
		b.failures = 0
	}
}

// RecordFailure opens the breaker once the failure threshold is reached. Any
// failure while half-open reopens immediately.
func (b *APIBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	if b.state == "half_open" {
		b.state = "open"
		log.Printf("🔌 API breaker reopened, probe failed")
		return
	}

	b.failures++
	if b.state == "closed" && b.failures >= b.failureThreshold {
		b.state = "open"
		log.Printf("🔌 API breaker opened after %d consecutive failures", b.failures)
	}
}

// State returns the current breaker state.
func (b *APIBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
