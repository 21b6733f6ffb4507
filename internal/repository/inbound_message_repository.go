package repository

import (
	"context"
	"database/sql"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// InboundMessageRepository defines the interface for inbound message data access
type InboundMessageRepository interface {
	Create(ctx context.Context, message *models.InboundMessage) (bool, error)
}

// inboundMessageRepository implements InboundMessageRepository using PostgreSQL
type inboundMessageRepository struct {
	db *sql.DB
}

// NewInboundMessageRepository creates a new inbound message repository
func NewInboundMessageRepository(db *sql.DB) InboundMessageRepository {
	return &inboundMessageRepository{db: db}
}

// Create stores the message once; it reports false when the id already exists
func (r *inboundMessageRepository) Create(ctx context.Context, message *models.InboundMessage) (bool, error) {
	query := `
		INSERT INTO inbound_messages (id, from_address, payload_type, content, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		message.ID,
		message.From,
		message.PayloadType,
		message.Content,
		message.ReceivedAt,
	).Scan(&message.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, models.Transient("persist inbound message", err)
	}
	return true, nil
}
