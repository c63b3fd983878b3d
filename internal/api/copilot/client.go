package copilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultTokenURL       = "https://api.github.com/copilot_internal/v2/token"
	defaultCompletionsURL = "https://copilot-proxy.githubusercontent.com/v1/engines/copilot-codex/completions"
	defaultEditorVersion  = "vscode/1.95.0"
	defaultPluginVersion  = "copilot/1.250.0"
	defaultUserAgent      = "GithubCopilot/1.250.0"

	// doneMarker terminates a completion stream.
	doneMarker = "[DONE]"

	maxErrorBody = 4096

	// maxTokenBody bounds the token endpoint response, which is a small JSON
	// object with a few feature flags.
	maxTokenBody = 64 << 10
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithTokenURL overrides the Copilot token endpoint.
func WithTokenURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.tokenURL = u
		}
	}
}

// WithCompletionsURL overrides the completions endpoint.
func WithCompletionsURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.completionsURL = u
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEditorHeaders sets the editor identification headers the backend
// requires. Empty values keep the defaults.
func WithEditorHeaders(editorVersion, pluginVersion, userAgent string) ClientOption {
	return func(c *Client) {
		if editorVersion != "" {
			c.editorVersion = editorVersion
		}
		if pluginVersion != "" {
			c.pluginVersion = pluginVersion
		}
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// Client talks to the Copilot token endpoint and completions engine.
type Client struct {
	tokenURL       string
	completionsURL string
	editorVersion  string
	pluginVersion  string
	userAgent      string
	httpClient     *http.Client
}

// NewClient creates a new Copilot API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		tokenURL:       defaultTokenURL,
		completionsURL: defaultCompletionsURL,
		editorVersion:  defaultEditorVersion,
		pluginVersion:  defaultPluginVersion,
		userAgent:      defaultUserAgent,
		httpClient:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExchangeToken trades a GitHub identity token for a short-lived Copilot
// token.
func (c *Client) ExchangeToken(ctx context.Context, githubToken string) (*TokenResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "token "+githubToken)
	httpReq.Header.Set("Accept", "application/json")
	c.setEditorHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}
	if len(respBody) > maxTokenBody {
		return nil, fmt.Errorf("token response exceeds %d bytes", maxTokenBody)
	}

	var result TokenResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if result.Token == "" || result.ExpiresAt == 0 {
		return nil, fmt.Errorf("token response missing token or expires_at")
	}
	return &result, nil
}

// CreateCompletion performs one synchronous completion call and returns the
// raw response body. Decoding is left to the caller so that it can apply its
// own boundary checks.
func (c *Client) CreateCompletion(ctx context.Context, token string, req *CompletionRequest) ([]byte, error) {
	req.Stream = false
	resp, err := c.post(ctx, token, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}
	return respBody, nil
}

// StreamResult is one raw SSE payload, the terminal marker, or a read error.
type StreamResult struct {
	Data []byte
	Done bool
	Err  error
}

// StreamCompletion opens a streaming completion and returns a channel of raw
// event payloads. The channel is closed after the terminal marker, an error,
// or context cancellation. Cancelling ctx releases the connection.
func (c *Client) StreamCompletion(ctx context.Context, token string, req *CompletionRequest) (<-chan StreamResult, error) {
	req.Stream = true
	resp, err := c.post(ctx, token, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}

	out := make(chan StreamResult)
	go streamReader(ctx, resp.Body, out)
	return out, nil
}

func streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	// A completion fragment is one data line; long code completions overrun
	// the scanner's 64 KiB default.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneMarker {
			send(StreamResult{Done: true})
			return
		}
		if !send(StreamResult{Data: []byte(data)}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(StreamResult{Err: fmt.Errorf("stream read error: %w", err)})
		return
	}
	send(StreamResult{Err: fmt.Errorf("stream ended without %s: %w", doneMarker, io.ErrUnexpectedEOF)})
}

func (c *Client) post(ctx context.Context, token string, req *CompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Openai-Intent", "copilot-ghost")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	c.setEditorHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setEditorHeaders(req *http.Request) {
	req.Header.Set("Editor-Version", c.editorVersion)
	req.Header.Set("Editor-Plugin-Version", c.pluginVersion)
	req.Header.Set("User-Agent", c.userAgent)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
