package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	ensemble "github.com/nevindra/ensemble"
)

// Provider implements ensemble.Provider against the OpenAI chat
// completions API. The /chat/completions path is appended to the base URL
// automatically.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string

	temperature *float64
	topP        *float64
	maxTokens   int
	seed        *int
}

// NewProvider creates a chat provider for one endpoint.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). apiKey may be empty for local servers.
func NewProvider(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory returns an ensemble.ProviderFactory so the engine's client pool
// can mint fresh transport clients per endpoint.
func Factory(apiKey, model string, opts ...Option) ensemble.ProviderFactory {
	return func(endpoint string) ensemble.Provider {
		return NewProvider(apiKey, model, endpoint, opts...)
	}
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req ensemble.ChatRequest) (ensemble.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req, false))
	if err != nil {
		return ensemble.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ensemble.ChatResponse{}, httpErr(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return ensemble.ChatResponse{}, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(p.name, cr)
}

// ChatStream streams text chunks into ch, then returns the final
// accumulated response. The channel is closed when streaming completes or
// on error. Callers should read from ch in a separate goroutine.
func (p *Provider) ChatStream(ctx context.Context, req ensemble.ChatRequest, ch chan<- string) (ensemble.ChatResponse, error) {
	body := p.buildBody(req, true)
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return ensemble.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return ensemble.ChatResponse{}, httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody maps the engine request onto the wire format with the
// provider's generation settings applied.
func (p *Provider) buildBody(req ensemble.ChatRequest, stream bool) chatRequest {
	msgs := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = message{Role: m.Role, Content: m.Content}
	}
	return chatRequest{
		Model:       p.model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: p.temperature,
		TopP:        p.topP,
		MaxTokens:   p.maxTokens,
		Seed:        p.seed,
	}
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// parseResponse extracts the first choice and usage from a completed
// response.
func parseResponse(name string, cr chatResponse) (ensemble.ChatResponse, error) {
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return ensemble.ChatResponse{}, &ensemble.ErrLLM{Provider: name, Message: "response has no choices"}
	}
	out := ensemble.ChatResponse{Content: cr.Choices[0].Message.Content}
	if cr.Usage != nil {
		out.Usage = ensemble.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// httpErr reads the response body into an ErrHTTP for the retry layer.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &ensemble.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

// Compile-time interface check.
var _ ensemble.Provider = (*Provider)(nil)
