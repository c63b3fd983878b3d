package anthropic

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// BackendResult is a decoded synchronous backend response. Exactly one field
// is set: Message when the backend already answered in Messages format,
// Completion otherwise.
type BackendResult struct {
	Message    *anthropicapi.MessagesResponse
	Completion *copilot.CompletionResponse
}

var errMissingChoices = errors.New(`response has no "choices" field`)

// DecodeBackendResponse decodes a raw synchronous backend body. A body that
// is already a Messages envelope ({"type":"message"}) passes through as is.
// Unknown fields are ignored; a body without choices is a protocol error.
func DecodeBackendResponse(raw []byte) (*BackendResult, error) {
	if anthropicapi.LooksLikeMessage(raw) {
		var msg anthropicapi.MessagesResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, domain.ErrBackendProtocol(err)
		}
		if msg.Content == nil {
			msg.Content = []anthropicapi.ResponseContent{}
		}
		return &BackendResult{Message: &msg}, nil
	}

	resp, err := decodeCompletion(raw)
	if err != nil {
		return nil, domain.ErrBackendProtocol(err)
	}
	return &BackendResult{Completion: resp}, nil
}

// decodeCompletion enforces that choices is present.
func decodeCompletion(raw []byte) (*copilot.CompletionResponse, error) {
	var probe struct {
		Choices json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if len(probe.Choices) == 0 || string(probe.Choices) == "null" {
		return nil, errMissingChoices
	}

	var resp copilot.CompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FromBackendCompletion builds a Messages response from a completion result.
func FromBackendCompletion(result *copilot.CompletionResponse, model string) *anthropicapi.MessagesResponse {
	var text strings.Builder
	var finish *string
	for _, c := range result.Choices {
		text.WriteString(c.Text)
		if c.FinishReason != nil {
			finish = c.FinishReason
		}
	}

	content := []anthropicapi.ResponseContent{}
	if text.Len() > 0 {
		content = append(content, anthropicapi.ResponseContent{
			Type: anthropicapi.PartText,
			Text: text.String(),
		})
	}

	var usage anthropicapi.MessagesUsage
	if result.Usage != nil {
		usage.InputTokens = result.Usage.PromptTokens
		usage.OutputTokens = result.Usage.CompletionTokens
	}

	stop := MapFinishReason(finish)
	return &anthropicapi.MessagesResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       RoleAssistant,
		Content:    content,
		Model:      model,
		StopReason: &stop,
		Usage:      usage,
	}
}

// MapFinishReason maps a backend finish reason to a Messages stop reason.
func MapFinishReason(reason *string) string {
	if reason == nil {
		return anthropicapi.StopReasonEndTurn
	}
	switch *reason {
	case copilot.FinishReasonLength:
		return anthropicapi.StopReasonMaxTokens
	case copilot.FinishReasonStop:
		return anthropicapi.StopReasonStopSequence
	default:
		return anthropicapi.StopReasonEndTurn
	}
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
