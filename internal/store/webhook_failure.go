package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/model"
)

// WebhookFailureStore is the dead-letter table for billing events that were
// acknowledged but not applied.
type WebhookFailureStore struct {
	db      *database.DB
	timeout time.Duration
}

func NewWebhookFailureStore(db *database.DB, timeout time.Duration) *WebhookFailureStore {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookFailureStore{db: db, timeout: timeout}
}

func scanWebhookFailure(scanner interface{ Scan(...any) error }) (*model.WebhookFailure, error) {
	var f model.WebhookFailure
	var payload string
	var resolvedAt sql.NullTime
	err := scanner.Scan(
		&f.ID, &f.EventID, &f.EventType, &f.Reason, &payload, &f.Attempts, &f.LastError,
		&f.CreatedAt, &f.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Payload = []byte(payload)
	f.ResolvedAt = nullTime(resolvedAt)
	return &f, nil
}

const webhookFailureCols = `id, event_id, event_type, reason, payload, attempts, last_error, created_at, updated_at, resolved_at`

// Record stores a failed event. A redelivered event id bumps the attempt
// count and reopens the row instead of adding a new one.
func (s *WebhookFailureStore) Record(ctx context.Context, f model.WebhookFailure) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := uuid.NewString()
	eventID := f.EventID
	if eventID == "" {
		eventID = id
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO webhook_failures (id, event_id, event_type, reason, payload, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			attempts = webhook_failures.attempts + 1,
			reason = excluded.reason,
			last_error = excluded.last_error,
			resolved_at = NULL,
			updated_at = CURRENT_TIMESTAMP`),
		id, eventID, f.EventType, f.Reason, string(f.Payload), f.LastError,
	)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	return nil
}

func (s *WebhookFailureStore) GetByEventID(ctx context.Context, eventID string) (*model.WebhookFailure, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+webhookFailureCols+` FROM webhook_failures WHERE event_id = ?`), eventID)
	f, err := scanWebhookFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook failure: %w", err)
	}
	return f, nil
}

// Pending returns unresolved failures with fewer than maxAttempts attempts,
// oldest first.
func (s *WebhookFailureStore) Pending(ctx context.Context, maxAttempts, limit int) ([]model.WebhookFailure, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+webhookFailureCols+` FROM webhook_failures
		WHERE resolved_at IS NULL AND attempts < ?
		ORDER BY created_at, id
		LIMIT ?`),
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending webhook failures: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookFailure
	for rows.Next() {
		f, err := scanWebhookFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook failure: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// CountPending returns the number of failures still eligible for replay.
func (s *WebhookFailureStore) CountPending(ctx context.Context, maxAttempts int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT COUNT(*) FROM webhook_failures WHERE resolved_at IS NULL AND attempts < ?`),
		maxAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending webhook failures: %w", err)
	}
	return n, nil
}

func (s *WebhookFailureStore) MarkResolved(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE webhook_failures SET resolved_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve webhook failure: %w", err)
	}
	return nil
}

// MarkAttempt records another failed replay of the row.
func (s *WebhookFailureStore) MarkAttempt(ctx context.Context, id, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE webhook_failures SET attempts = attempts + 1, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`),
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook failure attempt: %w", err)
	}
	return nil
}
