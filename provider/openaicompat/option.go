package openaicompat

import (
	"net/http"
	"time"
)

// Option configures a Provider.
type Option func(*Provider)

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets nucleus sampling sent with every request.
func WithTopP(v float64) Option {
	return func(p *Provider) { p.topP = &v }
}

// WithMaxTokens caps the completion length of every request.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithSeed fixes the sampling seed for providers that support it.
func WithSeed(n int) Option {
	return func(p *Provider) { p.seed = &n }
}

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTimeout sets the HTTP client timeout. Prefer a context deadline for
// per-call limits; this guards against a hung connection.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}
