package domain

import "time"

// Usage represents token usage for one translated call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageRecord is one translated call as seen by the usage ledger.
type UsageRecord struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	RequestID  string        `json:"request_id,omitempty"`
	Model      string        `json:"model"`
	Stream     bool          `json:"stream"`
	Usage      Usage         `json:"usage"`
	StopReason string        `json:"stop_reason,omitempty"`
	Status     string        `json:"status"` // "ok" or "error"
	ErrorCode  string        `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// UsageSummary aggregates the usage ledger for a single session.
type UsageSummary struct {
	SessionID    string    `json:"session_id"`
	Requests     int       `json:"requests"`
	Errors       int       `json:"errors"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

// Usage record statuses
const (
	UsageStatusOK    = "ok"
	UsageStatusError = "error"
)

// Model describes a model entry exposed via the frontdoor.
type Model struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ModelList is the model listing response.
type ModelList struct {
	Data    []Model `json:"data"`
	HasMore bool    `json:"has_more"`
	FirstID string  `json:"first_id,omitempty"`
	LastID  string  `json:"last_id,omitempty"`
}
