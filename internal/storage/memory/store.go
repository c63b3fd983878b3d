package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
)

// Store is an in-memory implementation of UsageStore
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]*domain.UsageRecord
}

var _ storage.UsageStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions: make(map[string][]*domain.UsageRecord),
	}
}

func (s *Store) RecordUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = append(s.sessions[rec.SessionID], &cp)
	return nil
}

func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*domain.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &domain.UsageSummary{SessionID: sessionID}
	for _, rec := range s.sessions[sessionID] {
		sum.Requests++
		if rec.Status == domain.UsageStatusError {
			sum.Errors++
		}
		sum.InputTokens += rec.Usage.InputTokens
		sum.OutputTokens += rec.Usage.OutputTokens
		if rec.CreatedAt.After(sum.LastSeen) {
			sum.LastSeen = rec.CreatedAt
		}
	}
	return sum, nil
}

func (s *Store) ListUsage(ctx context.Context, sessionID string, opts storage.ListOptions) ([]*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.sessions[sessionID]
	result := make([]*domain.UsageRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		cp := *records[i]
		result = append(result, &cp)
	}

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.UsageRecord{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) Close() error {
	return nil
}
