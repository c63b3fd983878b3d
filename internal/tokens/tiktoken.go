package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// TiktokenCounter counts tokens with a BPE tokenizer. The backend does not
// tokenize with the client's model, so every count is an estimate; it is
// simply a much closer one than character arithmetic.
type TiktokenCounter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewTiktokenCounter creates a new tiktoken-backed counter.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// modelToEncoding picks the encoding closest to the model family.
//
// Encoding reference:
// - O200kBase: GPT-4o, GPT-4.1, GPT-5 and o-series models
// - Cl100kBase: codex-era completion engines and everything else
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

func (c *TiktokenCounter) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// CountText counts the tokens of text.
func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

// CountTokens counts the tokens of a rendered prompt.
func (c *TiktokenCounter) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	n, err := c.CountText(req.Model, req.Text)
	if err != nil {
		return nil, err
	}
	return &domain.TokenCountResponse{
		InputTokens: n,
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// SupportsModel returns true; every model maps to some encoding.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	return true
}
