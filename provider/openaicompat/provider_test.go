package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	ensemble "github.com/nevindra/ensemble"
)

func TestChat(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: &choiceMessage{Role: "assistant", Content: "hello"}}},
			Usage:   &usage{PromptTokens: 12, CompletionTokens: 7},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "test-model", srv.URL, WithTemperature(0.2), WithMaxTokens(512))
	resp, err := p.Chat(context.Background(), ensemble.ChatRequest{
		Messages: []ensemble.ChatMessage{ensemble.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("request model = %q", gotBody.Model)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.2 {
		t.Errorf("request temperature = %v", gotBody.Temperature)
	}
	if gotBody.MaxTokens != 512 {
		t.Errorf("request max_tokens = %d", gotBody.MaxTokens)
	}
	if gotBody.Stream {
		t.Error("non-streaming request has stream=true")
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	_, err := p.Chat(context.Background(), ensemble.ChatRequest{})
	var he *ensemble.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("Chat error = %v, want *ensemble.ErrHTTP", err)
	}
	if he.Status != 503 || he.Body != "overloaded" {
		t.Errorf("ErrHTTP = %+v", he)
	}
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	_, err := p.Chat(context.Background(), ensemble.ChatRequest{})
	var le *ensemble.ErrLLM
	if !errors.As(err, &le) {
		t.Fatalf("Chat error = %v, want *ensemble.ErrLLM", err)
	}
}

func TestChatNoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header sent despite empty api key")
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: &choiceMessage{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	if _, err := p.Chat(context.Background(), ensemble.ChatRequest{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestFactory(t *testing.T) {
	f := Factory("k", "m", WithName("local"))
	p := f("http://localhost:11434/v1")
	if p.Name() != "local" {
		t.Errorf("Name = %q, want local", p.Name())
	}
}
