package domain

import "context"

// TokenCountRequest asks for the size of a rendered prompt.
type TokenCountRequest struct {
	Model string
	// Text is the prompt exactly as the backend will see it.
	Text string
}

// TokenCountResponse is a prompt size. Every count the gateway produces is an
// estimate: the backend tokenizer is not published.
type TokenCountResponse struct {
	InputTokens int
	Model       string
	Estimated   bool
}

// TokenCounter estimates prompt sizes for the models it recognizes.
type TokenCounter interface {
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)
	SupportsModel(model string) bool
}
