package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptProvider replays a fixed sequence of outcomes, one per call.
type scriptProvider struct {
	calls    int
	errs     []error // nil entry means success
	resp     ChatResponse
	chunks   []string // sent before the scripted error on ChatStream
	requests []ChatRequest
}

func (s *scriptProvider) next() error {
	err := error(nil)
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	s.requests = append(s.requests, req)
	if err := s.next(); err != nil {
		return ChatResponse{}, err
	}
	return s.resp, nil
}

func (s *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	s.requests = append(s.requests, req)
	err := s.next()
	if err != nil {
		for _, c := range s.chunks {
			ch <- c
		}
		close(ch)
		return ChatResponse{}, err
	}
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return s.resp, nil
}

func (s *scriptProvider) Name() string { return "script" }

func newTestCaller(p Provider, policy RetryPolicy, delays *[]time.Duration, opts ...CallerOption) *Caller {
	pool := NewClientPool(func(string) Provider { return p })
	br := NewBreaker("test")
	base := []CallerOption{
		WithCallerSleep(func(ctx context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		}),
	}
	return NewCaller(pool, br, "http://llm:8080", policy, append(base, opts...)...)
}

func TestCallerRetriesTransientErrors(t *testing.T) {
	p := &scriptProvider{
		errs: []error{&ErrHTTP{Status: 503, Body: "busy"}, &ErrHTTP{Status: 503, Body: "busy"}, nil},
		resp: ChatResponse{Content: "done", Usage: Usage{PromptTokens: 10, CompletionTokens: 5}},
	}
	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute}
	c := newTestCaller(p, policy, &delays)

	resp, stats, err := c.Call(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("Content = %q, want done", resp.Content)
	}
	if stats.Attempts != 3 || stats.Retries != 2 {
		t.Errorf("stats = %+v, want Attempts=3 Retries=2", stats)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestCallerStopsOnNonRetriable(t *testing.T) {
	p := &scriptProvider{errs: []error{&ErrHTTP{Status: 400, Body: "bad request"}}}
	c := newTestCaller(p, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute}, nil)

	_, stats, err := c.Call(context.Background(), ChatRequest{}, nil)
	if err == nil {
		t.Fatal("Call() = nil, want error")
	}
	if stats.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 for non-retriable error", stats.Attempts)
	}
	if got := Classify(err); got != KindHTTP4xx {
		t.Errorf("Classify = %s, want HTTP_4XX", got)
	}
}

func TestCallerRetries429(t *testing.T) {
	p := &scriptProvider{
		errs: []error{&ErrHTTP{Status: 429, Body: "rate limited"}, nil},
		resp: ChatResponse{Content: "ok"},
	}
	c := newTestCaller(p, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute}, nil)

	_, stats, err := c.Call(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if stats.Retries != 1 {
		t.Errorf("Retries = %d, want 1", stats.Retries)
	}
}

func TestCallerShrinksOnOverflowOnce(t *testing.T) {
	overflow := &ErrHTTP{Status: 400, Body: "this model's maximum context length is 8192 tokens"}
	p := &scriptProvider{
		errs: []error{overflow, nil},
		resp: ChatResponse{Content: "ok"},
	}
	c := newTestCaller(p, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute}, nil)

	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("you are terse"),
		UserMessage("0123456789abcdef"),
	}}
	_, stats, err := c.Call(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if stats.ContextShrink != 1 {
		t.Errorf("ContextShrink = %d, want 1", stats.ContextShrink)
	}
	if len(p.requests) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(p.requests))
	}
	if got := p.requests[1].Messages[0].Content; got != "you are terse" {
		t.Errorf("system message trimmed: %q", got)
	}
	before := len(p.requests[0].Messages[1].Content)
	after := len(p.requests[1].Messages[1].Content)
	if after >= before {
		t.Errorf("user message not shrunk: %d -> %d bytes", before, after)
	}
}

func TestCallerSecondOverflowIsFinal(t *testing.T) {
	overflow := &ErrHTTP{Status: 400, Body: "too many tokens"}
	p := &scriptProvider{errs: []error{overflow, overflow, overflow}}
	c := newTestCaller(p, RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute}, nil)

	req := ChatRequest{Messages: []ChatMessage{UserMessage("0123456789abcdef")}}
	_, stats, err := c.Call(context.Background(), req, nil)
	if err == nil {
		t.Fatal("Call() = nil, want overflow error")
	}
	if got := Classify(err); got != KindContextOverflow {
		t.Errorf("Classify = %s, want CONTEXT_OVERFLOW", got)
	}
	if stats.ContextShrink != 1 {
		t.Errorf("ContextShrink = %d, want exactly 1", stats.ContextShrink)
	}
	if stats.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (original plus shrunk)", stats.Attempts)
	}
}

func TestCallerBreakerCountsEveryFailedExchange(t *testing.T) {
	p := &scriptProvider{}
	for i := 0; i < 9; i++ {
		p.errs = append(p.errs, &ErrHTTP{Status: 503, Body: "x"})
	}
	pool := NewClientPool(func(string) Provider { return p })
	br := NewBreaker("w", WithBreakerThreshold(5))
	c := NewCaller(pool, br, "http://llm:8080",
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute},
		WithCallerSleep(func(context.Context, time.Duration) error { return nil }),
	)

	if _, _, err := c.Call(context.Background(), ChatRequest{}, nil); err == nil {
		t.Fatal("first Call() = nil, want error")
	}
	// Three failed exchanges so far, still under threshold 5.
	if got := br.State(); got != BreakerClosed {
		t.Fatalf("breaker state after 3 failed exchanges = %s, want CLOSED", got)
	}

	if _, _, err := c.Call(context.Background(), ChatRequest{}, nil); err == nil {
		t.Fatal("second Call() = nil, want error")
	}
	// The fifth exchange crossed the threshold mid-call.
	if got := br.State(); got != BreakerOpen {
		t.Fatalf("breaker state after 6 failed exchanges = %s, want OPEN", got)
	}
	if p.calls > 6 {
		t.Errorf("provider saw %d exchanges, want at most 6", p.calls)
	}

	_, _, err := c.Call(context.Background(), ChatRequest{}, nil)
	var oc *ErrOpenCircuit
	if !errors.As(err, &oc) {
		t.Fatalf("third Call() = %v, want *ErrOpenCircuit", err)
	}
	if p.calls != 6 {
		t.Errorf("provider called %d times, want 6 after rejection", p.calls)
	}
}

func TestCallerSuccessResetsBreakerMidRetry(t *testing.T) {
	p := &scriptProvider{
		errs: []error{&ErrHTTP{Status: 503, Body: "x"}, &ErrHTTP{Status: 503, Body: "x"}, nil},
		resp: ChatResponse{Content: "ok"},
	}
	pool := NewClientPool(func(string) Provider { return p })
	br := NewBreaker("w", WithBreakerThreshold(3))
	c := NewCaller(pool, br, "http://llm:8080",
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute},
		WithCallerSleep(func(context.Context, time.Duration) error { return nil }),
	)

	if _, _, err := c.Call(context.Background(), ChatRequest{}, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	// Two failures then a success: the counter is back at zero, so two more
	// failures must not open the circuit.
	p.errs = append(p.errs, &ErrHTTP{Status: 503, Body: "x"}, &ErrHTTP{Status: 503, Body: "x"})
	c.Call(context.Background(), ChatRequest{}, nil)
	if got := br.State(); got != BreakerClosed {
		t.Errorf("breaker state = %s, want CLOSED after success reset", got)
	}
}

func TestCallerRejectedByOpenBreaker(t *testing.T) {
	p := &scriptProvider{resp: ChatResponse{Content: "ok"}}
	pool := NewClientPool(func(string) Provider { return p })
	br := NewBreaker("w", WithBreakerThreshold(1))
	br.Record(errors.New("boom"))
	c := NewCaller(pool, br, "http://llm:8080", DefaultRetryPolicy())

	_, stats, err := c.Call(context.Background(), ChatRequest{}, nil)
	var oc *ErrOpenCircuit
	if !errors.As(err, &oc) {
		t.Fatalf("Call() error = %v, want *ErrOpenCircuit", err)
	}
	if stats.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 when rejected by breaker", stats.Attempts)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times, want 0", p.calls)
	}
}

func TestCallerStreamNoRetryAfterChunksSent(t *testing.T) {
	p := &scriptProvider{
		errs:   []error{&ErrHTTP{Status: 503, Body: "x"}},
		chunks: []string{"partial "},
	}
	c := newTestCaller(p, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute}, nil)

	ch := make(chan string, 8)
	_, stats, err := c.Call(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("Call() = nil, want error")
	}
	if stats.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (no retry after partial stream)", stats.Attempts)
	}
	var got []string
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 1 || got[0] != "partial " {
		t.Errorf("chunks = %v, want [partial ]", got)
	}
}

func TestCallerStreamDeliversChunks(t *testing.T) {
	p := &scriptProvider{
		chunks: []string{"hello ", "world"},
		resp:   ChatResponse{Content: "hello world"},
	}
	c := newTestCaller(p, DefaultRetryPolicy(), nil)

	ch := make(chan string, 8)
	resp, _, err := c.Call(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var joined string
	for chunk := range ch {
		joined += chunk
	}
	if joined != "hello world" {
		t.Errorf("streamed = %q, want hello world", joined)
	}
	if resp.Content != "hello world" {
		t.Errorf("Content = %q, want hello world", resp.Content)
	}
}

// slowProvider answers successfully after a fixed delay.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	time.Sleep(p.delay)
	return ChatResponse{Content: "ok"}, nil
}

func (p *slowProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	close(ch)
	return p.Chat(ctx, req)
}

func (p *slowProvider) Name() string { return "slow" }

func TestCallerMeasuresLatency(t *testing.T) {
	p := &slowProvider{delay: 5 * time.Millisecond}
	col := NewCollector()
	c := newTestCaller(p, DefaultRetryPolicy(), nil,
		WithCallerCollector(col), WithCallerRole("developer"))

	_, stats, err := c.Call(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if stats.Latency < p.delay {
		t.Errorf("Latency = %v, want at least %v", stats.Latency, p.delay)
	}

	snap := col.Snapshot()
	h, ok := snap.Histograms["llm.call.duration_ms|role=developer"]
	if !ok {
		t.Fatalf("call duration histogram missing, have %v", snap.Histograms)
	}
	if h.Count != 1 {
		t.Errorf("histogram count = %d, want 1", h.Count)
	}
}
