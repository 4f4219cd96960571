package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// OpenError is the typed rejection returned while the circuit is open or the
// half-open probe budget is spent. RetryAfter hints when to try again.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures that trip CLOSED -> OPEN
	RecoveryTimeout  time.Duration // wait in OPEN before allowing a probe
	SuccessThreshold int           // successes in HALF_OPEN that close the circuit
	HalfOpenMaxCalls int           // concurrent probe budget in HALF_OPEN
}

// Breaker is a mutex-protected state machine guarding an unreliable
// downstream. Callers must pair every permitted CanExecute with exactly one
// RecordSuccess or RecordFailure.
type Breaker struct {
	mu sync.Mutex

	cfg           Config
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	now           func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// CanExecute reports whether a call may proceed. In OPEN it rejects with
// *OpenError until the recovery timeout elapses, then flips to HALF_OPEN and
// admits up to HalfOpenMaxCalls probes.
func (b *Breaker) CanExecute() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			return &OpenError{RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		b.toHalfOpen()
		b.halfOpenCalls++
		return nil
	default: // half-open
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return &OpenError{RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.halfOpenCalls++
		return nil
	}
}

// RecordSuccess notes a completed call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
		}
	}
}

// RecordFailure notes a failed call. Any failure in HALF_OPEN reopens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	case StateHalfOpen:
		b.toOpen()
	case StateOpen:
		// late failure from a call admitted before the trip; nothing to drive
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.halfOpenCalls = 0
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.successes = 0
	b.halfOpenCalls = 0
}
