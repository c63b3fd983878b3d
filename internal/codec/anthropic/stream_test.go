package anthropic

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func mustDecode(t *testing.T, state *StreamState, payload string) []Event {
	t.Helper()
	chunk, err := DecodeChunk(state, []byte(payload))
	if err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return FromBackendDelta(chunk, state)
}

func TestFromBackendDelta_FirstFragmentOpens(t *testing.T) {
	state := NewStreamState("claude-3-5-sonnet", 7)

	events := mustDecode(t, state, `{"choices":[{"text":"Hel","finish_reason":null}]}`)

	want := []string{"message_start", "content_block_start", "content_block_delta"}
	if got := eventTypes(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	start := events[0].Data.(anthropicapi.MessageStartEvent)
	if start.Message.ID != state.ID || start.Message.Usage.InputTokens != 7 {
		t.Errorf("unexpected message_start %+v", start.Message)
	}
	if state.Position != 3 {
		t.Errorf("expected position 3, got %d", state.Position)
	}
}

func TestFromBackendDelta_MidStreamScenario(t *testing.T) {
	state := NewStreamState("m", 0)
	mustDecode(t, state, `{"choices":[{"text":"Oh"}]}`)

	events := mustDecode(t, state, `{"choices":[{"text":"Hi","finish_reason":null}]}`)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", eventTypes(events))
	}
	delta, ok := events[0].Data.(anthropicapi.ContentBlockDeltaEvent)
	if !ok || delta.Delta.Type != "text_delta" || delta.Delta.Text != "Hi" {
		t.Fatalf("expected text_delta Hi, got %+v", events[0].Data)
	}

	closing := Finish(state)
	want := []string{"content_block_stop", "message_delta", "message_stop"}
	if got := eventTypes(closing); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected close sequence %v, got %v", want, got)
	}
	if !state.Terminal {
		t.Error("expected terminal state after finish")
	}
	if again := Finish(state); len(again) != 0 {
		t.Errorf("expected finish to be idempotent, got %v", eventTypes(again))
	}
	if after := mustDecode(t, state, `{"choices":[{"text":"late"}]}`); len(after) != 0 {
		t.Errorf("expected no events after terminal, got %v", eventTypes(after))
	}
}

func TestFromBackendDelta_EmptyTextNoDelta(t *testing.T) {
	state := NewStreamState("m", 0)
	mustDecode(t, state, `{"choices":[{"text":"a"}]}`)

	if events := mustDecode(t, state, `{"choices":[{"text":""}]}`); len(events) != 0 {
		t.Errorf("expected no events for empty text, got %v", eventTypes(events))
	}
}

func TestFinish_StopReasonAndUsage(t *testing.T) {
	state := NewStreamState("m", 0)
	state.CountTokens = func(text string) int { return len(text) }
	mustDecode(t, state, `{"choices":[{"text":"abc"}]}`)
	mustDecode(t, state, `{"choices":[{"text":"de","finish_reason":"length"}]}`)

	events := Finish(state)
	md := events[1].Data.(anthropicapi.MessageDeltaEvent)
	if md.Delta.StopReason != anthropicapi.StopReasonMaxTokens {
		t.Errorf("expected max_tokens, got %s", md.Delta.StopReason)
	}
	if md.Usage == nil || md.Usage.OutputTokens != 5 {
		t.Errorf("expected estimated 5 output tokens, got %+v", md.Usage)
	}
	if state.OutputText() != "abcde" {
		t.Errorf("expected accumulated text abcde, got %q", state.OutputText())
	}
}

func TestFinish_BackendUsageWins(t *testing.T) {
	state := NewStreamState("m", 0)
	state.CountTokens = func(string) int { return 999 }
	mustDecode(t, state, `{"choices":[{"text":"abc"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`)

	md := Finish(state)[1].Data.(anthropicapi.MessageDeltaEvent)
	if md.Usage.OutputTokens != 2 {
		t.Errorf("expected backend-reported 2, got %d", md.Usage.OutputTokens)
	}
}

func TestFinish_WithoutFragmentsIsWellFormed(t *testing.T) {
	state := NewStreamState("m", 0)
	want := []string{"message_start", "content_block_start", "content_block_stop", "message_delta", "message_stop"}
	if got := eventTypes(Finish(state)); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecodeChunk_PartialJSON(t *testing.T) {
	state := NewStreamState("m", 0)

	chunk, err := DecodeChunk(state, []byte(`{"choices":[{"text":"Hel`))
	if chunk != nil || err != nil {
		t.Fatalf("expected truncated payload to be buffered, got %v, %v", chunk, err)
	}
	if !state.HasPartial() {
		t.Fatal("expected partial buffer to be set")
	}

	chunk, err = DecodeChunk(state, []byte(`lo"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk == nil || chunk.Choices[0].Text != "Hello" {
		t.Fatalf("expected joined chunk with Hello, got %+v", chunk)
	}
	if state.HasPartial() {
		t.Error("expected partial buffer to be cleared")
	}
}

func TestDecodeChunk_StalePartialDiscarded(t *testing.T) {
	state := NewStreamState("m", 0)
	if _, err := DecodeChunk(state, []byte(`{"choices":[`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunk, err := DecodeChunk(state, []byte(`{"choices":[{"text":"ok"}]}`))
	if !errors.Is(err, domain.ErrBackendProtocol(nil)) {
		t.Fatalf("expected protocol error for discarded fragment, got %v", err)
	}
	if chunk == nil || chunk.Choices[0].Text != "ok" {
		t.Fatalf("expected the new payload to survive, got %+v", chunk)
	}
	if state.HasPartial() {
		t.Error("expected partial buffer to be cleared")
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	tests := []string{
		`not json`,
		`{"id":"x"}`,
		`[1,2]`,
		`{"choices": 1}`,
	}
	for _, payload := range tests {
		state := NewStreamState("m", 0)
		chunk, err := DecodeChunk(state, []byte(payload))
		if chunk != nil || !errors.Is(err, domain.ErrBackendProtocol(nil)) {
			t.Errorf("%s: expected protocol error, got %v, %v", payload, chunk, err)
		}
		if state.HasPartial() {
			t.Errorf("%s: expected nothing buffered", payload)
		}
	}
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent(domain.ErrBackendProtocol(errors.New("bad fragment")))
	if !ev.IsError() {
		t.Fatal("expected error event")
	}

	raw, err := ev.MarshalSSE()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, "event: error\ndata: ") || !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("unexpected SSE framing %q", s)
	}

	var body anthropicapi.ErrorResponse
	data := strings.TrimSuffix(strings.TrimPrefix(s, "event: error\ndata: "), "\n\n")
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Type != "error" || body.Error.Type != "api_error" {
		t.Errorf("unexpected error body %+v", body)
	}
}
