package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// DeliveryMutation changes a message and its recipient record (nil for
// non-campaign messages) while both rows are locked. It reports whether
// anything changed and must be written back.
type DeliveryMutation func(message *models.OutboundMessage, recipient *models.RecipientDispatchRecord) (bool, error)

// OutboundMessageRepository defines the interface for outbound message data access
type OutboundMessageRepository interface {
	Create(ctx context.Context, message *models.OutboundMessage) error
	GetByID(ctx context.Context, id int64) (*models.OutboundMessage, error)
	UpdateByID(ctx context.Context, id int64, fn DeliveryMutation) error
	UpdateByProviderID(ctx context.Context, providerMessageID string, fn DeliveryMutation) error
}

// outboundMessageRepository implements OutboundMessageRepository using PostgreSQL
type outboundMessageRepository struct {
	db *sql.DB
}

// NewOutboundMessageRepository creates a new outbound message repository
func NewOutboundMessageRepository(db *sql.DB) OutboundMessageRepository {
	return &outboundMessageRepository{db: db}
}

const outboundColumns = `id, provider_message_id, campaign_id, recipient_id, to_address, payload, status,
	sent_at, delivered_at, read_at, failed_at, failure_reason, created_at, updated_at`

func scanOutbound(row rowScanner) (*models.OutboundMessage, error) {
	m := &models.OutboundMessage{}
	err := row.Scan(
		&m.ID,
		&m.ProviderMessageID,
		&m.CampaignID,
		&m.RecipientID,
		&m.To,
		&m.Payload,
		&m.Status,
		&m.SentAt,
		&m.DeliveredAt,
		&m.ReadAt,
		&m.FailedAt,
		&m.FailureReason,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func insertOutbound(ctx context.Context, q queryer, message *models.OutboundMessage) error {
	query := `
		INSERT INTO outbound_messages (campaign_id, recipient_id, to_address, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := q.QueryRowContext(
		ctx,
		query,
		message.CampaignID,
		message.RecipientID,
		message.To,
		message.Payload,
		message.Status,
	).Scan(&message.ID, &message.CreatedAt, &message.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create outbound message: %w", err)
	}
	return nil
}

// Create inserts a new queued outbound message
func (r *outboundMessageRepository) Create(ctx context.Context, message *models.OutboundMessage) error {
	return insertOutbound(ctx, r.db, message)
}

// GetByID retrieves an outbound message by ID
func (r *outboundMessageRepository) GetByID(ctx context.Context, id int64) (*models.OutboundMessage, error) {
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages WHERE id = $1`

	message, err := scanOutbound(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound message: %w", err)
	}
	return message, nil
}

// UpdateByID locks the message and its recipient record and applies fn
func (r *outboundMessageRepository) UpdateByID(ctx context.Context, id int64, fn DeliveryMutation) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		message, err := scanOutbound(tx.QueryRowContext(ctx,
			`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = $1 FOR UPDATE`, id))
		if err == sql.ErrNoRows {
			return models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with ID %d not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to lock outbound message: %w", err)
		}

		var recipient *models.RecipientDispatchRecord
		if message.RecipientID != nil {
			recipient, err = lockRecipient(ctx, tx, `id = $1`, *message.RecipientID)
			if err != nil {
				return err
			}
		}

		return applyMutation(ctx, tx, message, recipient, fn)
	})
}

// UpdateByProviderID locks the message carrying the provider id and the
// recipient record referencing it, and applies fn
func (r *outboundMessageRepository) UpdateByProviderID(ctx context.Context, providerMessageID string, fn DeliveryMutation) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		message, err := scanOutbound(tx.QueryRowContext(ctx,
			`SELECT `+outboundColumns+` FROM outbound_messages WHERE provider_message_id = $1 FOR UPDATE`, providerMessageID))
		if err == sql.ErrNoRows {
			return models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with provider id %s not found", providerMessageID))
		}
		if err != nil {
			return fmt.Errorf("failed to lock outbound message: %w", err)
		}

		recipient, err := lockRecipient(ctx, tx, `provider_message_id = $1`, providerMessageID)
		if err != nil {
			return err
		}

		return applyMutation(ctx, tx, message, recipient, fn)
	})
}

// lockRecipient returns the matching record locked FOR UPDATE, or nil if none
func lockRecipient(ctx context.Context, tx *sql.Tx, where string, arg any) (*models.RecipientDispatchRecord, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE ` + where + ` FOR UPDATE`

	recipient, err := scanRecipient(tx.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock recipient: %w", err)
	}
	return recipient, nil
}

func applyMutation(ctx context.Context, tx *sql.Tx, message *models.OutboundMessage, recipient *models.RecipientDispatchRecord, fn DeliveryMutation) error {
	var from models.DeliveryStatus
	if recipient != nil {
		from = recipient.Status
	}

	changed, err := fn(message, recipient)
	if err != nil || !changed {
		return err
	}

	if err := updateOutbound(ctx, tx, message); err != nil {
		return err
	}
	if recipient == nil {
		return nil
	}
	if err := updateRecipient(ctx, tx, recipient); err != nil {
		return err
	}
	return addCounters(ctx, tx, recipient.CampaignID, models.CounterDay(recipient), models.TransitionDelta(from, recipient.Status))
}

func updateOutbound(ctx context.Context, q queryer, message *models.OutboundMessage) error {
	query := `
		UPDATE outbound_messages
		SET provider_message_id = $1, status = $2, sent_at = $3, delivered_at = $4, read_at = $5,
			failed_at = $6, failure_reason = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at`

	err := q.QueryRowContext(
		ctx,
		query,
		message.ProviderMessageID,
		message.Status,
		message.SentAt,
		message.DeliveredAt,
		message.ReadAt,
		message.FailedAt,
		message.FailureReason,
		message.ID,
	).Scan(&message.UpdatedAt)

	if err == sql.ErrNoRows {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with ID %d not found", message.ID))
	}
	if err != nil {
		return fmt.Errorf("failed to update outbound message: %w", err)
	}
	return nil
}
