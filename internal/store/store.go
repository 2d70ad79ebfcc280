package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"order-pipeline/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_state (
	message_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payload_json TEXT
)`

// Store is the durable idempotency ledger. Rows are keyed by the message
// identifier and are never deleted by normal operation; they are the
// permanent audit trail and duplicate-detection key.
type Store struct {
	db *sqlx.DB
}

// NewStore connects to Postgres and ensures the ledger table exists.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure message_state table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetState retrieves the ledger row for a message identifier. Returns
// (nil, nil) when the identifier has never been seen.
func (s *Store) GetState(ctx context.Context, messageID string) (*models.MessageState, error) {
	var state models.MessageState
	err := s.db.GetContext(ctx, &state,
		"SELECT * FROM message_state WHERE message_id = $1", messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message state: %w", err)
	}
	return &state, nil
}

// MarkProcessing records that processing has started for a message. The
// upsert keeps the call idempotent under concurrent delivery of the same id:
// the second writer updates the existing row instead of duplicating it.
// Callers check for a completed delivery before calling this, so moving an
// earlier Failed row back to Processing on redelivery is intended.
func (s *Store) MarkProcessing(ctx context.Context, messageID, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_state (message_id, status, payload_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
		SET status = EXCLUDED.status,
		    updated_at = NOW(),
		    payload_json = COALESCE(message_state.payload_json, EXCLUDED.payload_json)`,
		messageID, models.MessageStatusProcessing, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	return nil
}

// MarkProcessed transitions a row to Processed. A missing row is a no-op,
// not an error.
func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_state
		SET status = $1, last_error = NULL, updated_at = NOW()
		WHERE message_id = $2`,
		models.MessageStatusProcessed, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// MarkFailed transitions a row to Failed, increments the retry count, and
// records the error text. The increment happens in SQL so concurrent
// failures for the same id never lose an update. Returns the retry count
// after the increment, or zero when the row is absent.
func (s *Store) MarkFailed(ctx context.Context, messageID, errorText string) (int, error) {
	var retryCount int
	err := s.db.GetContext(ctx, &retryCount, `
		UPDATE message_state
		SET status = $1, retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE message_id = $3
		RETURNING retry_count`,
		models.MessageStatusFailed, errorText, messageID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark failed: %w", err)
	}
	return retryCount, nil
}

// IsProcessed reports whether the ledger already shows a successful delivery
// for the message identifier.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM message_state WHERE message_id = $1 AND status = $2)",
		messageID, models.MessageStatusProcessed)
	if err != nil {
		return false, fmt.Errorf("failed to check processed: %w", err)
	}
	return exists, nil
}
