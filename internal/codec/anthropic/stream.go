package anthropic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
	"github.com/tjfontaine/copilot-messages-gateway/internal/codec"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// maxPartialJSON bounds how much of a truncated fragment is held back.
const maxPartialJSON = 1 << 20

// Event is one outbound Messages stream event. Err is set on "error" events
// and carries the canonical error for status mapping; it is not serialized.
type Event struct {
	Type string
	Data any
	Err  error
}

// IsError reports whether e is an error event.
func (e Event) IsError() bool {
	return e.Type == anthropicapi.EventError
}

// MarshalSSE encodes e as one server-sent event.
func (e Event) MarshalSSE() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + len(e.Type) + 16)
	buf.WriteString("event: ")
	buf.WriteString(e.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// StreamState is the per-call re-framing state. It is never shared between
// calls.
type StreamState struct {
	ID          string
	Model       string
	InputTokens int

	// Position counts events emitted so far.
	Position   int
	BlockIndex int
	BlockOpen  bool
	Started    bool
	Terminal   bool
	StopReason string

	// PartialJSON holds a truncated fragment awaiting its continuation.
	PartialJSON []byte

	// OutputTokens is the backend-reported completion count, if any.
	OutputTokens int
	output       strings.Builder

	// CountTokens estimates output usage when the backend reports none.
	CountTokens func(text string) int
}

// NewStreamState creates the state for one streaming call.
func NewStreamState(model string, inputTokens int) *StreamState {
	return &StreamState{
		ID:          NewMessageID(),
		Model:       model,
		InputTokens: inputTokens,
	}
}

// OutputText returns the text streamed so far.
func (s *StreamState) OutputText() string {
	return s.output.String()
}

// HasPartial reports whether a truncated fragment is still buffered.
func (s *StreamState) HasPartial() bool {
	return len(s.PartialJSON) > 0
}

// Usage returns the output token count, estimating it if the backend did not
// report one.
func (s *StreamState) Usage() int {
	if s.OutputTokens > 0 {
		return s.OutputTokens
	}
	text := s.output.String()
	if text == "" {
		return 0
	}
	if s.CountTokens != nil {
		return s.CountTokens(text)
	}
	return (len(text) + 3) / 4
}

// DecodeChunk parses one raw backend payload. A payload that ends mid-value is
// buffered in state and (nil, nil) is returned until a later payload completes
// it.
//
// When a buffered fragment cannot be completed it is discarded; if the new
// payload parses on its own both the chunk and the protocol error for the
// discarded fragment are returned.
func DecodeChunk(state *StreamState, payload []byte) (*copilot.CompletionChunk, error) {
	if !state.HasPartial() {
		return state.decodeOrBuffer(payload)
	}

	joined := append(append([]byte{}, state.PartialJSON...), payload...)
	state.PartialJSON = nil

	// A payload that stands on its own was not a continuation.
	if json.Valid(bytes.TrimSpace(payload)) && !json.Valid(bytes.TrimSpace(joined)) {
		stale := domain.ErrBackendProtocol(errors.New("incomplete fragment discarded"))
		chunk, err := state.decodeOrBuffer(payload)
		if err != nil {
			return nil, err
		}
		return chunk, stale
	}
	return state.decodeOrBuffer(joined)
}

func (s *StreamState) decodeOrBuffer(data []byte) (*copilot.CompletionChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) {
		chunk, err := decodeCompletion(trimmed)
		if err != nil {
			return nil, domain.ErrBackendProtocol(err)
		}
		return chunk, nil
	}

	if truncated(trimmed) {
		if len(trimmed) > maxPartialJSON {
			return nil, domain.ErrBackendProtocol(errors.New("incomplete fragment exceeds buffer limit"))
		}
		s.PartialJSON = append(s.PartialJSON[:0], trimmed...)
		return nil, nil
	}

	var v any
	err := json.Unmarshal(trimmed, &v)
	return nil, domain.ErrBackendProtocol(err)
}

// truncated reports whether data is a valid JSON object prefix that ends
// before the value is complete.
func truncated(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == nil {
			continue
		}
		return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	}
}

// FromBackendDelta translates one backend fragment into outbound events. The
// first fragment opens the message and its text block; later fragments
// produce at most one text delta each.
func FromBackendDelta(chunk *copilot.CompletionChunk, state *StreamState) []Event {
	if state.Terminal || chunk == nil {
		return nil
	}

	var events []Event
	if !state.Started {
		events = append(events, state.open()...)
	}

	var text strings.Builder
	for _, c := range chunk.Choices {
		text.WriteString(c.Text)
		if c.FinishReason != nil {
			state.StopReason = MapFinishReason(c.FinishReason)
		}
	}
	if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
		state.OutputTokens = chunk.Usage.CompletionTokens
	}

	if text.Len() > 0 {
		state.output.WriteString(text.String())
		events = append(events, Event{
			Type: anthropicapi.EventContentBlockDelta,
			Data: anthropicapi.ContentBlockDeltaEvent{
				Type:  anthropicapi.EventContentBlockDelta,
				Index: state.BlockIndex,
				Delta: anthropicapi.BlockDelta{
					Type: "text_delta",
					Text: text.String(),
				},
			},
		})
	}

	state.Position += len(events)
	return events
}

// Open emits message_start and content_block_start if they have not been sent
// yet. It lets a per-fragment error event follow a well-formed message head
// even when no fragment has decoded.
func Open(state *StreamState) []Event {
	if state.Started || state.Terminal {
		return nil
	}
	events := state.open()
	state.Position += len(events)
	return events
}

func (s *StreamState) open() []Event {
	s.Started = true
	s.BlockOpen = true
	return []Event{
		{
			Type: anthropicapi.EventMessageStart,
			Data: anthropicapi.MessageStartEvent{
				Type: anthropicapi.EventMessageStart,
				Message: anthropicapi.MessagesResponse{
					ID:      s.ID,
					Type:    "message",
					Role:    RoleAssistant,
					Content: []anthropicapi.ResponseContent{},
					Model:   s.Model,
					Usage: anthropicapi.MessagesUsage{
						InputTokens: s.InputTokens,
					},
				},
			},
		},
		{
			Type: anthropicapi.EventContentBlockStart,
			Data: anthropicapi.ContentBlockStartEvent{
				Type:  anthropicapi.EventContentBlockStart,
				Index: s.BlockIndex,
				ContentBlock: anthropicapi.ResponseContent{
					Type: anthropicapi.PartText,
				},
			},
		},
	}
}

// Finish emits the close sequence: content_block_stop, message_delta and
// message_stop. A stream that produced no fragments is opened first so the
// consumer still sees a well-formed message. Finish is a no-op once the
// state is terminal.
func Finish(state *StreamState) []Event {
	if state.Terminal {
		return nil
	}

	var events []Event
	if !state.Started {
		events = append(events, state.open()...)
	}

	if state.BlockOpen {
		events = append(events, Event{
			Type: anthropicapi.EventContentBlockStop,
			Data: anthropicapi.ContentBlockStopEvent{
				Type:  anthropicapi.EventContentBlockStop,
				Index: state.BlockIndex,
			},
		})
		state.BlockOpen = false
	}

	stop := state.StopReason
	if stop == "" {
		stop = anthropicapi.StopReasonEndTurn
	}
	events = append(events,
		Event{
			Type: anthropicapi.EventMessageDelta,
			Data: anthropicapi.MessageDeltaEvent{
				Type:  anthropicapi.EventMessageDelta,
				Delta: anthropicapi.MessageDelta{StopReason: stop},
				Usage: &anthropicapi.DeltaUsage{OutputTokens: state.Usage()},
			},
		},
		Event{
			Type: anthropicapi.EventMessageStop,
			Data: anthropicapi.MessageStopEvent{Type: anthropicapi.EventMessageStop},
		},
	)

	state.Terminal = true
	state.Position += len(events)
	return events
}

// ErrorEvent builds the outbound error event for err.
func ErrorEvent(err error) Event {
	_, env := codec.AnthropicError(err)
	return Event{
		Type: anthropicapi.EventError,
		Data: env,
		Err:  err,
	}
}
