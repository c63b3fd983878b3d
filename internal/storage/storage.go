// Package storage defines the usage ledger and its backends.
package storage

import (
	"context"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// UsageStore records translated calls per session.
type UsageStore interface {
	// RecordUsage appends one record. ID and CreatedAt are filled in when empty.
	RecordUsage(ctx context.Context, rec *domain.UsageRecord) error

	// SessionSummary aggregates every record of a session. An unknown session
	// yields a zero summary, not an error.
	SessionSummary(ctx context.Context, sessionID string) (*domain.UsageSummary, error)

	// ListUsage returns the most recent records of a session, newest first.
	// A limit of zero means no limit.
	ListUsage(ctx context.Context, sessionID string, opts ListOptions) ([]*domain.UsageRecord, error)

	Close() error
}

// ListOptions pages through usage records.
type ListOptions struct {
	Limit  int
	Offset int
}
