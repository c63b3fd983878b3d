package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
)

// gatewayClient calls the auth endpoints of a running gateway.
type gatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newGatewayClient() *gatewayClient {
	return &gatewayClient{
		baseURL:    strings.TrimRight(gatewayURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// statusError is a non-2xx answer from the gateway.
type statusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *statusError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func (c *gatewayClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{StatusCode: resp.StatusCode}
		var env anthropicapi.ErrorResponse
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			se.Type = env.Error.Type
			se.Message = env.Error.Message
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
