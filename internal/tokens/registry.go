// Package tokens provides heuristic token counting for prompts and streamed
// output.
package tokens

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// Registry manages token counters for different models.
// It supports:
// 1. Registered domain.TokenCounter implementations (like tiktoken)
// 2. A fallback estimator for unknown models or counter failures
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a new token counter registry.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry returns a registry using tiktoken with the character
// estimator as fallback.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// CountTokens counts tokens using the first counter that supports the model,
// falling back to the estimator if that counter fails.
func (r *Registry) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	for _, counter := range r.counters {
		if !counter.SupportsModel(req.Model) {
			continue
		}
		resp, err := counter.CountTokens(ctx, req)
		if err == nil {
			return resp, nil
		}
		slog.Default().Warn("token counter failed, using fallback", "model", req.Model, "error", err)
		break
	}

	if r.fallback != nil {
		return r.fallback.CountTokens(ctx, req)
	}

	return nil, fmt.Errorf("no token counter available for model: %s", req.Model)
}

// Count is a convenience wrapper that never fails; errors count as zero.
func (r *Registry) Count(model, text string) int {
	resp, err := r.CountTokens(context.Background(), &domain.TokenCountRequest{Model: model, Text: text})
	if err != nil {
		return 0
	}
	return resp.InputTokens
}

// Estimator provides token count estimation based on character counts.
// This is a fallback when no tokenizer is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountTokens estimates the token count.
func (e *Estimator) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	tokens := 0
	if req.Text != "" {
		tokens = int(float64(len(req.Text))/e.CharsPerToken + 0.5)
		if tokens == 0 {
			tokens = 1
		}
	}
	return &domain.TokenCountResponse{
		InputTokens: tokens,
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}
