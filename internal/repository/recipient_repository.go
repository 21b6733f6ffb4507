package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// DispatchTx is the view of the store the dispatch scheduler works through
// while it holds a campaign's dispatch lock
type DispatchTx interface {
	CountDispatched(ctx context.Context, campaignID int64, from, to time.Time) (int, error)
	ListDue(ctx context.Context, campaignID int64, day time.Time, limit int) ([]*models.RecipientDispatchRecord, error)
	ListRetryEligible(ctx context.Context, campaignID int64, limit int) ([]*models.RecipientDispatchRecord, error)
	CreateOutbound(ctx context.Context, message *models.OutboundMessage) error
	SaveRecipient(ctx context.Context, record *models.RecipientDispatchRecord, from models.DeliveryStatus) error
}

// RecipientRepository defines the interface for campaign recipient data access
type RecipientRepository interface {
	Attach(ctx context.Context, records []*models.RecipientDispatchRecord) (int, error)
	GetByID(ctx context.Context, id int64) (*models.RecipientDispatchRecord, error)
	Dispatch(ctx context.Context, campaignID int64, fn func(tx DispatchTx) error) error
	RevertDispatch(ctx context.Context, recipientID, messageID int64) error
}

// recipientRepository implements RecipientRepository using PostgreSQL
type recipientRepository struct {
	db *sql.DB
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *sql.DB) RecipientRepository {
	return &recipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, customer_id, address, status, retry_count, max_retries,
	scheduled_send_date, queued_at, sent_at, delivered_at, read_at, failed_at, failure_reason,
	provider_message_id, created_at, updated_at`

func scanRecipient(row rowScanner) (*models.RecipientDispatchRecord, error) {
	r := &models.RecipientDispatchRecord{}
	err := row.Scan(
		&r.ID,
		&r.CampaignID,
		&r.CustomerID,
		&r.Address,
		&r.Status,
		&r.RetryCount,
		&r.MaxRetries,
		&r.ScheduledSendDate,
		&r.QueuedAt,
		&r.SentAt,
		&r.DeliveredAt,
		&r.ReadAt,
		&r.FailedAt,
		&r.FailureReason,
		&r.ProviderMessageID,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRecipients(rows *sql.Rows) ([]*models.RecipientDispatchRecord, error) {
	defer rows.Close()

	records := []*models.RecipientDispatchRecord{}
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}
	return records, nil
}

// Attach inserts pending records, skipping recipients already on the campaign
func (r *recipientRepository) Attach(ctx context.Context, records []*models.RecipientDispatchRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	inserted := 0
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO campaign_recipients (campaign_id, customer_id, address, status, max_retries, scheduled_send_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (campaign_id, customer_id) DO NOTHING
			RETURNING id, created_at, updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			err := stmt.QueryRowContext(
				ctx,
				rec.CampaignID,
				rec.CustomerID,
				rec.Address,
				rec.Status,
				rec.MaxRetries,
				models.DateOf(rec.ScheduledSendDate),
			).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)

			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to attach recipient %d: %w", rec.CustomerID, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetByID retrieves a recipient record by ID
func (r *recipientRepository) GetByID(ctx context.Context, id int64) (*models.RecipientDispatchRecord, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE id = $1`

	rec, err := scanRecipient(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return rec, nil
}

// Dispatch runs fn in a transaction holding the campaign's advisory lock,
// so concurrent schedulers never compose overlapping batches
func (r *recipientRepository) Dispatch(ctx context.Context, campaignID int64, fn func(tx DispatchTx) error) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, campaignID); err != nil {
			return models.Transient("lock campaign", err)
		}
		return fn(&dispatchTx{tx: tx})
	})
}

// RevertDispatch undoes a dispatch whose send job could not be published
func (r *recipientRepository) RevertDispatch(ctx context.Context, recipientID, messageID int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outbound_messages WHERE id = $1 AND status = $2`,
			messageID, models.StatusQueued,
		); err != nil {
			return fmt.Errorf("failed to delete unpublished message: %w", err)
		}

		rec, err := scanRecipient(tx.QueryRowContext(ctx,
			`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = $1 FOR UPDATE`, recipientID))
		if err == sql.ErrNoRows {
			return models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", recipientID))
		}
		if err != nil {
			return fmt.Errorf("failed to lock recipient: %w", err)
		}
		if rec.Status != models.StatusQueued {
			return nil
		}

		day := models.CounterDay(rec)
		rec.Status = models.StatusPending
		rec.QueuedAt = nil
		if err := updateRecipient(ctx, tx, rec); err != nil {
			return err
		}
		return addCounters(ctx, tx, rec.CampaignID, day, models.TransitionDelta(models.StatusQueued, models.StatusPending))
	})
}

func updateRecipient(ctx context.Context, q queryer, rec *models.RecipientDispatchRecord) error {
	query := `
		UPDATE campaign_recipients
		SET status = $1, retry_count = $2, scheduled_send_date = $3, queued_at = $4,
			sent_at = $5, delivered_at = $6, read_at = $7, failed_at = $8, failure_reason = $9,
			provider_message_id = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at`

	err := q.QueryRowContext(
		ctx,
		query,
		rec.Status,
		rec.RetryCount,
		models.DateOf(rec.ScheduledSendDate),
		rec.QueuedAt,
		rec.SentAt,
		rec.DeliveredAt,
		rec.ReadAt,
		rec.FailedAt,
		rec.FailureReason,
		rec.ProviderMessageID,
		rec.ID,
	).Scan(&rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", rec.ID))
	}
	if err != nil {
		return fmt.Errorf("failed to update recipient: %w", err)
	}
	return nil
}

// dispatchTx implements DispatchTx on an open transaction
type dispatchTx struct {
	tx *sql.Tx
}

// CountDispatched counts send jobs created for the campaign in [from, to)
func (d *dispatchTx) CountDispatched(ctx context.Context, campaignID int64, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM outbound_messages
		WHERE campaign_id = $1 AND created_at >= $2 AND created_at < $3`

	var count int
	if err := d.tx.QueryRowContext(ctx, query, campaignID, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dispatched messages: %w", err)
	}
	return count, nil
}

// ListDue locks pending records scheduled on or before day, oldest first
func (d *dispatchTx) ListDue(ctx context.Context, campaignID int64, day time.Time, limit int) ([]*models.RecipientDispatchRecord, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients
		WHERE campaign_id = $1 AND status = $2 AND scheduled_send_date <= $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
		FOR UPDATE`

	rows, err := d.tx.QueryContext(ctx, query, campaignID, models.StatusPending, models.DateOf(day), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due recipients: %w", err)
	}
	return scanRecipients(rows)
}

// ListRetryEligible locks failed records with retry budget left, oldest failure first
func (d *dispatchTx) ListRetryEligible(ctx context.Context, campaignID int64, limit int) ([]*models.RecipientDispatchRecord, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients
		WHERE campaign_id = $1 AND status = $2 AND retry_count < max_retries
		ORDER BY failed_at ASC NULLS FIRST, id ASC
		LIMIT $3
		FOR UPDATE`

	rows, err := d.tx.QueryContext(ctx, query, campaignID, models.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry-eligible recipients: %w", err)
	}
	return scanRecipients(rows)
}

// CreateOutbound inserts the queued message for a selected recipient
func (d *dispatchTx) CreateOutbound(ctx context.Context, message *models.OutboundMessage) error {
	return insertOutbound(ctx, d.tx, message)
}

// SaveRecipient writes the record and counts its transition from the given status
func (d *dispatchTx) SaveRecipient(ctx context.Context, record *models.RecipientDispatchRecord, from models.DeliveryStatus) error {
	if err := updateRecipient(ctx, d.tx, record); err != nil {
		return err
	}
	return addCounters(ctx, d.tx, record.CampaignID, models.CounterDay(record), models.TransitionDelta(from, record.Status))
}
