package anthropic

import (
	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
)

// turnStop keeps the backend from writing the next user turn itself.
const turnStop = "\n\nUser:"

// RequestDefaults fill in sampling parameters the client left unset.
type RequestDefaults struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// DefaultRequestDefaults returns the stock sampling defaults.
func DefaultRequestDefaults() RequestDefaults {
	return RequestDefaults{
		MaxTokens:   1024,
		Temperature: 0.2,
		TopP:        1,
	}
}

// ToBackendRequest builds the completion request for a Messages request.
func ToBackendRequest(req *anthropicapi.MessagesRequest, defaults RequestDefaults) (*copilot.CompletionRequest, CanonicalPrompt) {
	prompt := ToCanonical(req.Messages, req.System)

	out := &copilot.CompletionRequest{
		Prompt:      prompt.Render(),
		MaxTokens:   req.MaxTokens,
		Temperature: defaults.Temperature,
		TopP:        defaults.TopP,
		N:           1,
		Stop:        stopSequences(req.StopSequences),
		Stream:      req.Stream,
		Extra: copilot.Extra{
			Language: DetectLanguageHint(req.Messages),
		},
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaults.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	return out, prompt
}

func stopSequences(client []string) []string {
	out := make([]string, 0, len(client)+1)
	out = append(out, turnStop)
	for _, s := range client {
		if s != "" && s != turnStop {
			out = append(out, s)
		}
	}
	return out
}
