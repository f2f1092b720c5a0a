package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ensemble "github.com/nevindra/ensemble"
)

func sseBody(chunks []string, withUsage bool) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
	}
	if withUsage {
		b.WriteString(`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}` + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestStreamSSE(t *testing.T) {
	body := strings.NewReader(sseBody([]string{"hel", "lo"}, true))
	ch := make(chan string, 8)

	resp, err := streamSSE(context.Background(), body, ch)
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	var got []string
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 2 || got[0] != "hel" || got[1] != "lo" {
		t.Errorf("chunks = %v", got)
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	raw := "data: not json\n\n" + sseBody([]string{"ok"}, false)
	ch := make(chan string, 8)

	resp, err := streamSSE(context.Background(), strings.NewReader(raw), ch)
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestStreamSSECancelledConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Unbuffered channel with no reader: the send must fall through to the
	// cancelled context instead of blocking forever.
	ch := make(chan string)

	_, err := streamSSE(ctx, strings.NewReader(sseBody([]string{"x"}, false)), ch)
	if err == nil {
		t.Fatal("streamSSE = nil, want context error")
	}
}

func TestChatStreamEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody([]string{"str", "eam"}, true)))
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	ch := make(chan string, 8)
	resp, err := p.ChatStream(context.Background(), ensemble.ChatRequest{
		Messages: []ensemble.ChatMessage{ensemble.UserMessage("go")},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "stream" {
		t.Errorf("Content = %q", resp.Content)
	}
	var joined string
	for c := range ch {
		joined += c
	}
	if joined != "stream" {
		t.Errorf("streamed = %q", joined)
	}
}

func TestChatStreamHTTPErrorClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	ch := make(chan string, 8)
	_, err := p.ChatStream(context.Background(), ensemble.ChatRequest{}, ch)
	if err == nil {
		t.Fatal("ChatStream = nil, want error")
	}
	if _, open := <-ch; open {
		t.Error("channel left open after error")
	}
}
