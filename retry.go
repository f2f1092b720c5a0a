package ensemble

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy controls retry behavior for LLM calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Jitter is the maximum random factor added to each delay, e.g. 0.25
	// stretches a delay by up to 25%.
	Jitter float64
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 1s initial
// delay doubling up to 60s, 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Jitter:       0.25,
	}
}

// backoff returns the delay before retry n (1-based).
func (p RetryPolicy) backoff(n int, rnd *rand.Rand) time.Duration {
	d := p.InitialDelay * (1 << (n - 1))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + rnd.Float64()*p.Jitter))
	}
	return d
}

// CallStats describes what one logical call cost.
type CallStats struct {
	Attempts      int
	Retries       int
	ContextShrink int
	Latency       time.Duration
	Usage         Usage
}

// Caller executes one logical LLM call through the full resilience stack:
// circuit breaker admission, client pool borrow/release per attempt, retry
// with exponential backoff and jitter, and a single context-shrink recovery
// on overflow. The breaker admits once per logical call but observes the
// outcome of every attempt, so a flapping endpoint opens the circuit at the
// failure threshold regardless of how the exchanges group into calls.
type Caller struct {
	pool     *ClientPool
	breaker  *Breaker
	endpoint string
	policy   RetryPolicy

	role      string
	logger    *slog.Logger
	collector *Collector
	sleep     func(ctx context.Context, d time.Duration) error
	rnd       *rand.Rand
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithCallerLogger attaches a logger.
func WithCallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCallerCollector attaches a metrics collector.
func WithCallerCollector(col *Collector) CallerOption {
	return func(c *Caller) { c.collector = col }
}

// WithCallerRole sets the role label attached to retry metrics.
func WithCallerRole(role string) CallerOption {
	return func(c *Caller) { c.role = role }
}

// WithCallerSleep overrides the backoff sleep. Used in tests.
func WithCallerSleep(fn func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = fn }
}

// WithCallerRand overrides the jitter source. Used in tests.
func WithCallerRand(rnd *rand.Rand) CallerOption {
	return func(c *Caller) { c.rnd = rnd }
}

// NewCaller builds a Caller bound to one endpoint and one breaker.
func NewCaller(pool *ClientPool, breaker *Breaker, endpoint string, policy RetryPolicy, opts ...CallerOption) *Caller {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	c := &Caller{
		pool:     pool,
		breaker:  breaker,
		endpoint: endpoint,
		policy:   policy,
		logger:   nopLogger,
		sleep:    sleepCtx,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call runs one logical LLM call. When ch is non-nil the response is
// streamed into it chunk by chunk; ch is closed before Call returns. A
// streamed attempt that already delivered chunks to ch is never retried,
// since the consumer would see duplicated output.
func (c *Caller) Call(ctx context.Context, req ChatRequest, ch chan<- string) (resp ChatResponse, stats CallStats, err error) {
	if ch != nil {
		defer close(ch)
	}

	start := time.Now()
	defer func() {
		stats.Latency = time.Since(start)
		c.collector.Record(MetricCallDuration, float64(stats.Latency.Milliseconds()), Label{"role", c.role})
	}()

	if err = c.breaker.Allow(); err != nil {
		return ChatResponse{}, stats, err
	}

	var shrunk bool
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		stats.Attempts++

		client := c.pool.Borrow(c.endpoint)
		var (
			sent int
			aerr error
		)
		if ch == nil {
			resp, aerr = client.Provider.Chat(ctx, req)
		} else {
			resp, sent, aerr = c.streamAttempt(ctx, client.Provider, req, ch)
		}
		c.pool.Release(client, aerr)
		c.breaker.Record(aerr)

		if aerr == nil {
			stats.Usage.Add(resp.Usage)
			return resp, stats, nil
		}
		err = aerr
		kind := Classify(aerr)

		if kind == KindContextOverflow && !shrunk {
			smaller, ok := shrinkRequest(req)
			if ok {
				shrunk = true
				req = smaller
				stats.ContextShrink++
				c.collector.Add(MetricContextShrink, 1, Label{"role", c.role})
				c.logger.Warn("context overflow, shrinking request",
					"role", c.role, "attempt", attempt)
				continue
			}
			// Nothing left to trim; the overflow is final.
			break
		}

		if !kind.Retriable() && statusOf(aerr) != 429 {
			break
		}
		if sent > 0 {
			c.logger.Warn("stream failed mid-flight, not retrying",
				"role", c.role, "chunks_sent", sent, "error", aerr)
			break
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		stats.Retries++
		c.collector.Add(MetricRetryCount, 1, Label{"role", c.role})
		delay := c.policy.backoff(attempt, c.rnd)
		c.logger.Warn("llm call failed, retrying",
			"role", c.role, "attempt", attempt, "delay", delay, "kind", string(kind), "error", aerr)
		if serr := c.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}

	return ChatResponse{}, stats, err
}

// streamAttempt runs one streamed attempt, forwarding chunks from the
// provider's channel to out and counting how many were delivered.
func (c *Caller) streamAttempt(ctx context.Context, p Provider, req ChatRequest, out chan<- string) (ChatResponse, int, error) {
	mid := make(chan string)
	done := make(chan struct{})
	var sent int
	go func() {
		defer close(done)
		for chunk := range mid {
			out <- chunk
			sent++
		}
	}()
	resp, err := p.ChatStream(ctx, req, mid)
	<-done
	return resp, sent, err
}

// shrinkRequest drops the oldest halves of non-system message bodies so
// the request fits the model context. Returns false when nothing can be
// trimmed further. The result is always strictly smaller on success.
func shrinkRequest(req ChatRequest) (ChatRequest, bool) {
	out := ChatRequest{Messages: make([]ChatMessage, len(req.Messages))}
	copy(out.Messages, req.Messages)

	trimmed := false
	for i, m := range out.Messages {
		if m.Role == "system" {
			continue
		}
		r := []rune(m.Content)
		if len(r) < 2 {
			continue
		}
		// Keep the tail: recent context matters more than the opening.
		out.Messages[i].Content = string(r[len(r)/2:])
		trimmed = true
	}
	return out, trimmed
}
