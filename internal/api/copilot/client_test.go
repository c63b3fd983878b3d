package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/copilot-messages-gateway/internal/testutil"
)

func TestExchangeToken_Cassette(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "copilot_token_exchange")
	defer cleanup()

	client := NewClient(WithHTTPClient(testutil.VCRHTTPClient(r)))

	tok, err := client.ExchangeToken(context.Background(), "gho_redacted")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.ExpiresAt != 1893456000 {
		t.Errorf("expected expires_at 1893456000, got %d", tok.ExpiresAt)
	}
	if tok.RefreshIn != 1500 {
		t.Errorf("expected refresh_in 1500, got %d", tok.RefreshIn)
	}
	if tok.Token == "" {
		t.Error("expected a token value")
	}
}

func TestExchangeToken_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token gho_abc" {
			t.Errorf("expected Authorization 'token gho_abc', got %q", got)
		}
		if r.Header.Get("Editor-Version") != "vim/9" {
			t.Errorf("expected Editor-Version vim/9, got %q", r.Header.Get("Editor-Version"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"cop","expires_at":100,"refresh_in":50}`)
	}))
	defer server.Close()

	client := NewClient(WithTokenURL(server.URL), WithEditorHeaders("vim/9", "", ""))
	tok, err := client.ExchangeToken(context.Background(), "gho_abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Token != "cop" || tok.ExpiresAt != 100 {
		t.Errorf("unexpected token response: %+v", tok)
	}
}

func TestExchangeToken_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(WithTokenURL(server.URL))
	_, err := client.ExchangeToken(context.Background(), "bad")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", statusErr.StatusCode)
	}
}

func TestExchangeToken_OversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":"cop","expires_at":100,"pad":"%s"}`, strings.Repeat("x", maxTokenBody))
	}))
	defer server.Close()

	client := NewClient(WithTokenURL(server.URL))
	tok, err := client.ExchangeToken(context.Background(), "gho_abc")
	if err == nil {
		t.Fatalf("expected oversized token response to be rejected, got %+v", tok)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestCreateCompletion_SendsRequest(t *testing.T) {
	var got CompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer cop-token" {
			t.Errorf("expected bearer credential, got %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"text":"hi","finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := NewClient(WithCompletionsURL(server.URL))
	raw, err := client.CreateCompletion(context.Background(), "cop-token", &CompletionRequest{
		Prompt:    "User: Hello\n\nAssistant: ",
		MaxTokens: 64,
		Stream:    true,
		Extra:     Extra{Language: "go"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"choices":[{"text":"hi","finish_reason":"stop"}]}` {
		t.Errorf("unexpected body %s", raw)
	}
	if got.Stream {
		t.Error("expected stream=false on synchronous call")
	}
	if got.Extra.Language != "go" {
		t.Errorf("expected language go, got %q", got.Extra.Language)
	}
}

func collect(t *testing.T, ch <-chan StreamResult) []StreamResult {
	t.Helper()
	var out []StreamResult
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestStreamCompletion(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantData  []string
		wantDone  bool
		wantError bool
	}{
		{
			name:     "payloads then done",
			body:     "data: {\"choices\":[{\"text\":\"a\"}]}\n\ndata: {\"choices\":[{\"text\":\"b\"}]}\n\ndata: [DONE]\n\n",
			wantData: []string{`{"choices":[{"text":"a"}]}`, `{"choices":[{"text":"b"}]}`},
			wantDone: true,
		},
		{
			name:     "comments and blank data skipped",
			body:     ": keepalive\n\ndata:\n\ndata:{\"choices\":[]}\n\ndata: [DONE]\n\n",
			wantData: []string{`{"choices":[]}`},
			wantDone: true,
		},
		{
			name:      "eof without done is an error",
			body:      "data: {\"choices\":[{\"text\":\"a\"}]}\n\n",
			wantData:  []string{`{"choices":[{"text":"a"}]}`},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := NewClient(WithCompletionsURL(server.URL))
			ch, err := client.StreamCompletion(context.Background(), "tok", &CompletionRequest{Prompt: "x"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			results := collect(t, ch)
			var data []string
			var done, sawErr bool
			for _, r := range results {
				switch {
				case r.Err != nil:
					sawErr = true
				case r.Done:
					done = true
				default:
					data = append(data, string(r.Data))
				}
			}

			if len(data) != len(tt.wantData) {
				t.Fatalf("expected %d payloads, got %d (%v)", len(tt.wantData), len(data), data)
			}
			for i := range data {
				if data[i] != tt.wantData[i] {
					t.Errorf("payload %d: expected %s, got %s", i, tt.wantData[i], data[i])
				}
			}
			if done != tt.wantDone {
				t.Errorf("expected done=%v, got %v", tt.wantDone, done)
			}
			if sawErr != tt.wantError {
				t.Errorf("expected error=%v, got %v", tt.wantError, sawErr)
			}
		})
	}
}

func TestStreamCompletion_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(WithCompletionsURL(server.URL))
	_, err := client.StreamCompletion(context.Background(), "tok", &CompletionRequest{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestStreamCompletion_CancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"a\"}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(WithCompletionsURL(server.URL))
	ch, err := client.StreamCompletion(ctx, "tok", &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := <-ch
	if string(first.Data) != `{"choices":[{"text":"a"}]}` {
		t.Fatalf("unexpected first payload %q", first.Data)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// a read error may race the close; the channel must still close
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected channel to close after cancellation")
	}
}
