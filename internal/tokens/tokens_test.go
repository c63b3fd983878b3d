package tokens

import (
	"context"
	"errors"
	"testing"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short rounds up to one", "Hi", 1},
		{"sixteen chars", "0123456789abcdef", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.CountTokens(context.Background(), &domain.TokenCountRequest{Model: "m", Text: tt.text})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.InputTokens != tt.want {
				t.Errorf("expected %d tokens, got %d", tt.want, resp.InputTokens)
			}
			if !resp.Estimated {
				t.Error("expected estimated=true")
			}
		})
	}
}

func TestTiktokenCounter_CountText(t *testing.T) {
	c := NewTiktokenCounter()

	n, err := c.CountText("claude-3-5-sonnet", "User: Hello\n\nAssistant: ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n < 4 || n > 12 {
		t.Errorf("expected a handful of tokens, got %d", n)
	}

	if n, _ := c.CountText("m", ""); n != 0 {
		t.Errorf("expected 0 for empty text, got %d", n)
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"o3-mini", tokenizer.O200kBase},
		{"copilot-codex", tokenizer.Cl100kBase},
		{"claude-3-5-sonnet", tokenizer.Cl100kBase},
	}
	for _, tt := range tests {
		if got := modelToEncoding(tt.model); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.model, tt.want, got)
		}
	}
}

type failingCounter struct{}

func (failingCounter) CountTokens(context.Context, *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	return nil, errors.New("boom")
}

func (failingCounter) SupportsModel(string) bool { return true }

func TestRegistry_FallsBackOnError(t *testing.T) {
	r := NewRegistry()
	r.Register(failingCounter{})

	if got := r.Count("m", "0123456789abcdef"); got != 4 {
		t.Errorf("expected fallback estimate 4, got %d", got)
	}
}

func TestRegistry_NoCounters(t *testing.T) {
	r := NewRegistry()
	r.SetFallback(nil)

	if _, err := r.CountTokens(context.Background(), &domain.TokenCountRequest{Model: "m", Text: "x"}); err == nil {
		t.Fatal("expected error with no counters")
	}
	if got := r.Count("m", "x"); got != 0 {
		t.Errorf("expected 0 from Count on error, got %d", got)
	}
}
