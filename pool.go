package ensemble

import (
	"sync"
	"time"
)

// PooledClient wraps a Provider with the health bookkeeping the pool needs
// to decide whether the client can be reused.
type PooledClient struct {
	ID        string
	Endpoint  string
	Provider  Provider
	CreatedAt time.Time

	consecFailures int
	outcomes       []bool // recent call outcomes, newest last
	calls          int64
}

// poolOutcomeWindow is how many recent calls feed the success-rate check.
const poolOutcomeWindow = 20

// healthy reports whether the client may be returned to the idle list.
func (c *PooledClient) healthy(now time.Time, maxAge time.Duration, failureThreshold int, minSuccessRate float64) bool {
	if now.Sub(c.CreatedAt) >= maxAge {
		return false
	}
	if c.consecFailures >= failureThreshold {
		return false
	}
	if len(c.outcomes) == poolOutcomeWindow {
		ok := 0
		for _, s := range c.outcomes {
			if s {
				ok++
			}
		}
		if float64(ok)/float64(len(c.outcomes)) < minSuccessRate {
			return false
		}
	}
	return true
}

func (c *PooledClient) record(success bool) {
	c.calls++
	if success {
		// Failures decay on success rather than resetting outright, so a
		// flapping client does not look healthy after one good call.
		if c.consecFailures > 0 {
			c.consecFailures--
		}
	} else {
		c.consecFailures++
	}
	c.outcomes = append(c.outcomes, success)
	if len(c.outcomes) > poolOutcomeWindow {
		c.outcomes = c.outcomes[1:]
	}
}

// PoolStats is a point-in-time view of the pool for logging and reports.
type PoolStats struct {
	Idle      int
	Created   int64
	Recycled  int64
	Borrowed  int64
	Endpoints map[string]int
}

// ClientPool keeps idle transport clients per endpoint and recycles the
// ones that aged out or went unhealthy. Borrow never blocks: when no idle
// healthy client exists a new one is created from the factory.
type ClientPool struct {
	mu               sync.Mutex
	factory          ProviderFactory
	idle             map[string][]*PooledClient
	maxAge           time.Duration
	failureThreshold int
	minSuccessRate   float64
	now              func() time.Time
	collector        *Collector
	created          int64
	recycled         int64
	borrowed         int64
}

// PoolOption configures a ClientPool.
type PoolOption func(*ClientPool)

// WithPoolMaxAge sets the maximum client age before recycling. Default 1h.
func WithPoolMaxAge(d time.Duration) PoolOption {
	return func(p *ClientPool) {
		if d > 0 {
			p.maxAge = d
		}
	}
}

// WithPoolFailureThreshold sets the consecutive-failure count that retires
// a client. Default 5.
func WithPoolFailureThreshold(n int) PoolOption {
	return func(p *ClientPool) {
		if n > 0 {
			p.failureThreshold = n
		}
	}
}

// WithPoolMinSuccessRate sets the success-rate floor over the recent
// outcome window. Default 0.5.
func WithPoolMinSuccessRate(r float64) PoolOption {
	return func(p *ClientPool) {
		if r > 0 && r <= 1 {
			p.minSuccessRate = r
		}
	}
}

// WithPoolClock overrides the time source. Used in tests.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *ClientPool) { p.now = now }
}

// WithPoolCollector attaches a metrics collector.
func WithPoolCollector(c *Collector) PoolOption {
	return func(p *ClientPool) { p.collector = c }
}

// NewClientPool creates a pool backed by factory.
func NewClientPool(factory ProviderFactory, opts ...PoolOption) *ClientPool {
	p := &ClientPool{
		factory:          factory,
		idle:             make(map[string][]*PooledClient),
		maxAge:           time.Hour,
		failureThreshold: 5,
		minSuccessRate:   0.5,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Borrow returns a client for endpoint, reusing an idle healthy one when
// available and creating a fresh one otherwise. The caller must Release it.
func (p *ClientPool) Borrow(endpoint string) *PooledClient {
	p.mu.Lock()
	p.borrowed++
	now := p.now()
	var c *PooledClient
	idle := p.idle[endpoint]
	for len(idle) > 0 {
		// LIFO keeps the warmest client busy and lets cold ones age out.
		cand := idle[len(idle)-1]
		idle = idle[:len(idle)-1]
		if cand.healthy(now, p.maxAge, p.failureThreshold, p.minSuccessRate) {
			c = cand
			break
		}
		p.recycled++
	}
	p.idle[endpoint] = idle
	if c == nil {
		p.created++
		c = &PooledClient{
			ID:        NewID(),
			Endpoint:  endpoint,
			Provider:  p.factory(endpoint),
			CreatedAt: now,
		}
	}
	p.mu.Unlock()
	p.collector.Add(MetricPoolBorrow, 1, Label{"endpoint", endpoint})
	return c
}

// Release returns a client to the pool, recording the call outcome. err is
// the error from the call the client just served, or nil on success.
// Unhealthy and aged-out clients are dropped instead of pooled.
func (p *ClientPool) Release(c *PooledClient, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.mu.Lock()
	c.record(err == nil)
	if c.healthy(p.now(), p.maxAge, p.failureThreshold, p.minSuccessRate) {
		p.idle[c.Endpoint] = append(p.idle[c.Endpoint], c)
	} else {
		p.recycled++
	}
	p.mu.Unlock()
	p.collector.Add(MetricPoolRelease, 1, Label{"endpoint", c.Endpoint}, Label{"outcome", outcome})
}

// Stats returns pool counters and per-endpoint idle sizes.
func (p *ClientPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Created:   p.created,
		Recycled:  p.recycled,
		Borrowed:  p.borrowed,
		Endpoints: make(map[string]int, len(p.idle)),
	}
	for ep, idle := range p.idle {
		st.Idle += len(idle)
		st.Endpoints[ep] = len(idle)
	}
	return st
}
