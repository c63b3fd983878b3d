// Package copilot provides the wire types and HTTP client for the GitHub
// Copilot completions backend and its token endpoint.
package copilot

import "fmt"

// CompletionRequest is the body of a prompt/suffix completion call.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Suffix      string   `json:"suffix"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float32  `json:"temperature"`
	TopP        float32  `json:"top_p"`
	N           int      `json:"n"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	Extra       Extra    `json:"extra"`
}

// Extra carries the editor hints the completions engine expects.
type Extra struct {
	Language          string `json:"language"`
	NextIndent        int    `json:"next_indent"`
	TrimByIndentation bool   `json:"trim_by_indentation"`
}

// CompletionResponse is a non-streaming completion result. Streaming
// fragments share the same shape.
type CompletionResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Created int64    `json:"created,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// CompletionChunk is one streamed fragment.
type CompletionChunk = CompletionResponse

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

// Usage is the token accounting the backend may report.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons reported by the backend.
const (
	FinishReasonLength = "length"
	FinishReasonStop   = "stop"
)

// TokenResponse is returned by the Copilot token endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int64  `json:"refresh_in"`
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("copilot: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("copilot: unexpected status %d: %s", e.StatusCode, e.Body)
}
