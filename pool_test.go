package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	name string
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return ChatResponse{Content: "ok"}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	close(ch)
	return ChatResponse{Content: "ok"}, nil
}

func (s *stubProvider) Name() string { return s.name }

func newStubFactory(counter *int) ProviderFactory {
	return func(endpoint string) Provider {
		*counter++
		return &stubProvider{name: "stub"}
	}
}

func TestPoolReusesHealthyClient(t *testing.T) {
	var created int
	p := NewClientPool(newStubFactory(&created))

	c1 := p.Borrow("http://llm:8080")
	p.Release(c1, nil)
	c2 := p.Borrow("http://llm:8080")
	if c1.ID != c2.ID {
		t.Errorf("Borrow() after Release returned a new client, want reuse")
	}
	if created != 1 {
		t.Errorf("factory called %d times, want 1", created)
	}
}

func TestPoolSeparatesEndpoints(t *testing.T) {
	var created int
	p := NewClientPool(newStubFactory(&created))

	a := p.Borrow("http://a:8080")
	p.Release(a, nil)
	b := p.Borrow("http://b:8080")
	if a.ID == b.ID {
		t.Error("clients for different endpoints must not be shared")
	}
	if created != 2 {
		t.Errorf("factory called %d times, want 2", created)
	}
}

func TestPoolRetiresAfterConsecutiveFailures(t *testing.T) {
	var created int
	p := NewClientPool(newStubFactory(&created), WithPoolFailureThreshold(3))
	boom := errors.New("boom")

	c := p.Borrow("http://llm:8080")
	for i := 0; i < 3; i++ {
		p.Release(c, boom)
		if i < 2 {
			c2 := p.Borrow("http://llm:8080")
			if c2.ID != c.ID {
				t.Fatalf("client retired after %d failures, threshold is 3", i+1)
			}
			c = c2
		}
	}
	fresh := p.Borrow("http://llm:8080")
	if fresh.ID == c.ID {
		t.Error("client reused after reaching failure threshold")
	}
}

func TestPoolFailureDecayOnSuccess(t *testing.T) {
	var created int
	p := NewClientPool(newStubFactory(&created), WithPoolFailureThreshold(3))
	boom := errors.New("boom")

	c := p.Borrow("http://llm:8080")
	p.Release(c, boom)
	c = p.Borrow("http://llm:8080")
	p.Release(c, boom)
	c = p.Borrow("http://llm:8080")
	p.Release(c, nil) // decays one failure
	c = p.Borrow("http://llm:8080")
	p.Release(c, boom) // back to 2, still under threshold
	got := p.Borrow("http://llm:8080")
	if got.ID != c.ID {
		t.Error("client retired despite failure decay keeping it under threshold")
	}
}

func TestPoolRecyclesAgedClients(t *testing.T) {
	var created int
	now := time.Unix(5000, 0)
	p := NewClientPool(newStubFactory(&created),
		WithPoolMaxAge(time.Hour),
		WithPoolClock(func() time.Time { return now }),
	)

	c := p.Borrow("http://llm:8080")
	p.Release(c, nil)
	now = now.Add(time.Hour)
	fresh := p.Borrow("http://llm:8080")
	if fresh.ID == c.ID {
		t.Error("aged-out client was reused")
	}
	if created != 2 {
		t.Errorf("factory called %d times, want 2", created)
	}
}

func TestPoolStats(t *testing.T) {
	var created int
	p := NewClientPool(newStubFactory(&created))

	c := p.Borrow("http://llm:8080")
	p.Release(c, nil)
	st := p.Stats()
	if st.Idle != 1 {
		t.Errorf("Stats().Idle = %d, want 1", st.Idle)
	}
	if st.Borrowed != 1 || st.Created != 1 {
		t.Errorf("Stats() = %+v, want Borrowed=1 Created=1", st)
	}
	if st.Endpoints["http://llm:8080"] != 1 {
		t.Errorf("Stats().Endpoints = %v, want 1 idle for endpoint", st.Endpoints)
	}
}
