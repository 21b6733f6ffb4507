package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing only when fn succeeds
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.Transient("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback() // Rollback is safe to call even after Commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.Transient("commit transaction", err)
	}
	return nil
}

// addCounters upserts a delta into the campaign's counter row for day
func addCounters(ctx context.Context, q queryer, campaignID int64, day time.Time, delta models.CounterDelta) error {
	if delta.IsZero() {
		return nil
	}

	query := `
		INSERT INTO campaign_daily_counters (campaign_id, day, messages_sent, messages_pending, messages_failed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, day) DO UPDATE SET
			messages_sent = campaign_daily_counters.messages_sent + EXCLUDED.messages_sent,
			messages_pending = campaign_daily_counters.messages_pending + EXCLUDED.messages_pending,
			messages_failed = campaign_daily_counters.messages_failed + EXCLUDED.messages_failed`

	_, err := q.ExecContext(ctx, query, campaignID, models.DateOf(day), delta.Sent, delta.Pending, delta.Failed)
	if err != nil {
		return fmt.Errorf("failed to update daily counters: %w", err)
	}
	return nil
}
