package ensemble

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text chunks into ch, then returns the final
	// response with usage stats. The channel is closed before returning.
	// Cancelling ctx interrupts the stream within one chunk boundary.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// ProviderFactory creates a transport client for an endpoint. The client
// pool calls it whenever no healthy pooled client exists.
type ProviderFactory func(endpoint string) Provider
