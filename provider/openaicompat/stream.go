package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	ensemble "github.com/nevindra/ensemble"
)

// streamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response. The context cancels channel
// sends if the consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (ensemble.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var u ensemble.Usage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage-only chunk (sent last when include_usage is set).
		if chunk.Usage != nil {
			u.PromptTokens = chunk.Usage.PromptTokens
			u.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			fullContent.WriteString(delta)
			select {
			case ch <- delta:
			case <-ctx.Done():
				return ensemble.ChatResponse{}, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ensemble.ChatResponse{}, err
	}

	return ensemble.ChatResponse{Content: fullContent.String(), Usage: u}, nil
}
