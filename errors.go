package ensemble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a failure. Retryability and routing are decided from the
// kind, never from concrete error types, so callers can treat classification
// as data.
type Kind string

const (
	KindNetwork         Kind = "NETWORK"
	KindTimeout         Kind = "TIMEOUT"
	KindHTTP5xx         Kind = "HTTP_5XX"
	KindHTTP4xx         Kind = "HTTP_4XX"
	KindCancelled       Kind = "CANCELLED"
	KindOpenCircuit     Kind = "OPEN_CIRCUIT"
	KindContextOverflow Kind = "CONTEXT_OVERFLOW"
	KindParse           Kind = "PARSE"
	KindPolicy          Kind = "POLICY"
	KindIO              Kind = "IO"
	KindFatal           Kind = "FATAL"
	KindValidation      Kind = "VALIDATION"
)

// Retriable reports whether a failure of this kind may be retried.
// HTTP 429 is also retriable; callers detect it via ErrHTTP.Status since the
// kind alone does not distinguish it from other 4xx responses.
func (k Kind) Retriable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindHTTP5xx:
		return true
	}
	return false
}

// ErrHTTP is a non-2xx response from the chat-completions endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrLLM is a transport-level failure that is not an HTTP status: request
// marshalling, response decoding, or a malformed stream.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrOpenCircuit is returned when a worker's circuit breaker rejects a call
// without attempting it.
type ErrOpenCircuit struct {
	Worker string
	Until  time.Time
}

func (e *ErrOpenCircuit) Error() string {
	return fmt.Sprintf("%s: circuit open until %s", e.Worker, e.Until.Format(time.RFC3339))
}

// ErrValidation is a synchronous rejection of an Execute call: bad workflow
// type, unknown role, or malformed options. No task runs after it.
type ErrValidation struct {
	Message string
}

func (e *ErrValidation) Error() string { return e.Message }

// overflowMarkers are substrings that identify a context-length rejection in
// an error body. Local OpenAI-compatible servers phrase this inconsistently.
var overflowMarkers = []string{
	"context length",
	"context_length",
	"too many tokens",
	"maximum context",
}

// isContextOverflow reports whether body describes a context-size rejection.
func isContextOverflow(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range overflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify maps an error from the LLM transport to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var open *ErrOpenCircuit
	if errors.As(err, &open) {
		return KindOpenCircuit
	}

	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		if isContextOverflow(httpErr.Body) {
			return KindContextOverflow
		}
		if httpErr.Status >= 500 {
			return KindHTTP5xx
		}
		return KindHTTP4xx
	}

	var llmErr *ErrLLM
	if errors.As(err, &llmErr) {
		return KindParse
	}

	var valErr *ErrValidation
	if errors.As(err, &valErr) {
		return KindValidation
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindNetwork
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
