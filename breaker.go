package ensemble

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker is a per-worker circuit breaker. Consecutive failures open the
// circuit; after the recovery timeout one probe call is admitted in
// HALF_OPEN. A successful probe closes the circuit, a failed probe reopens
// it and restarts the timer.
type Breaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	recovery     time.Duration
	state        BreakerState
	failures     int
	openedAt     time.Time
	probing      bool
	now          func() time.Time
	onTransition func(from, to BreakerState)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the consecutive-failure count that opens the
// circuit. Default 5.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithBreakerRecovery sets how long the circuit stays open before a probe
// is admitted. Default 60s.
func WithBreakerRecovery(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.recovery = d
		}
	}
}

// WithBreakerClock overrides the time source. Used in tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithBreakerTransition registers a hook invoked on every state change,
// after the breaker lock is released.
func WithBreakerTransition(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onTransition = fn }
}

// NewBreaker creates a closed breaker identified by name. The name appears
// in ErrOpenCircuit and in transition metrics.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		recovery:  60 * time.Second,
		state:     BreakerClosed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, resolving an elapsed recovery timeout
// to HALF_OPEN.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In OPEN it returns
// *ErrOpenCircuit until the recovery timeout elapses, then admits a single
// probe in HALF_OPEN; further calls are rejected until the probe outcome
// is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			err := &ErrOpenCircuit{Worker: b.name, Until: b.openedAt.Add(b.recovery)}
			b.mu.Unlock()
			return err
		}
		transition = b.transitionLocked(BreakerOpen, BreakerHalfOpen)
		b.state = BreakerHalfOpen
		b.probing = true
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
		return nil
	default: // HALF_OPEN
		if b.probing {
			err := &ErrOpenCircuit{Worker: b.name, Until: b.openedAt.Add(b.recovery)}
			b.mu.Unlock()
			return err
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
}

// Record reports the outcome of one LLM exchange, nil on success. Callers
// record every attempt, so consecutive failures accumulate across retries
// of the same logical call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case BreakerClosed:
		if err == nil {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.threshold {
			transition = b.transitionLocked(BreakerClosed, BreakerOpen)
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.probing = false
		if err == nil {
			transition = b.transitionLocked(BreakerHalfOpen, BreakerClosed)
			b.state = BreakerClosed
			b.failures = 0
		} else {
			transition = b.transitionLocked(BreakerHalfOpen, BreakerOpen)
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerOpen:
		// A call admitted before the circuit opened finished late. Ignore.
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (b *Breaker) transitionLocked(from, to BreakerState) func() {
	if b.onTransition == nil {
		return nil
	}
	fn := b.onTransition
	return func() { fn(from, to) }
}
