package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
)

// Store is a SQLite implementation of UsageStore
type Store struct {
	db *sql.DB
}

var _ storage.UsageStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Timestamps are stored as unix nanoseconds so aggregates stay comparable.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			request_id TEXT,
			model TEXT NOT NULL,
			stream INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			stop_reason TEXT,
			status TEXT NOT NULL,
			error_code TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) RecordUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	status := rec.Status
	if status == "" {
		status = domain.UsageStatusOK
	}

	query := `INSERT INTO usage_records
		(id, session_id, request_id, model, stream, input_tokens, output_tokens,
		 stop_reason, status, error_code, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.RequestID, rec.Model, boolToInt(rec.Stream),
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.StopReason, status, rec.ErrorCode,
		int64(rec.Duration), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*domain.UsageSummary, error) {
	query := `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(MAX(created_at), 0)
		FROM usage_records WHERE session_id = ?`

	sum := &domain.UsageSummary{SessionID: sessionID}
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, query, domain.UsageStatusError, sessionID).Scan(
		&sum.Requests, &sum.Errors, &sum.InputTokens, &sum.OutputTokens, &lastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}
	if lastSeen > 0 {
		sum.LastSeen = time.Unix(0, lastSeen)
	}
	return sum, nil
}

func (s *Store) ListUsage(ctx context.Context, sessionID string, opts storage.ListOptions) ([]*domain.UsageRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT id, session_id, request_id, model, stream, input_tokens, output_tokens,
			stop_reason, status, error_code, duration_ns, created_at
		FROM usage_records WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	records := []*domain.UsageRecord{}
	for rows.Next() {
		var (
			rec                              domain.UsageRecord
			requestID, stopReason, errorCode sql.NullString
			stream                           int
			duration, created                int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &requestID, &rec.Model, &stream,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens,
			&stopReason, &rec.Status, &errorCode, &duration, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.RequestID = requestID.String
		rec.StopReason = stopReason.String
		rec.ErrorCode = errorCode.String
		rec.Stream = stream != 0
		rec.Duration = time.Duration(duration)
		rec.CreatedAt = time.Unix(0, created)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
