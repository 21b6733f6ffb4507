package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxPayloadLength bounds the size of a single outbound payload
const MaxPayloadLength = 4096

// OutboundMessage represents a message handed to the provider. It is created
// queued when a send job is enqueued and mutated only by the outbound
// processor and the status reconciler.
type OutboundMessage struct {
	ID                int64   `json:"id"`
	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	CampaignID        *int64  `json:"campaign_id,omitempty"`
	RecipientID       *int64  `json:"recipient_id,omitempty"`
	To                string  `json:"to"`
	Payload           string  `json:"payload"`
	DeliveryState
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutboundReply is the follow-up message a reaction hook may return for an
// inbound message
type OutboundReply struct {
	To      string `json:"to"`
	Payload string `json:"payload"`
}

// SendJob is the outbound queue job body
type SendJob struct {
	OutboundMessageID int64 `json:"outbound_message_id" validate:"required,gt=0"`
}

// NewQueuedMessage builds an outbound message ready to be enqueued
func NewQueuedMessage(to, payload string) *OutboundMessage {
	return &OutboundMessage{
		To:            to,
		Payload:       payload,
		DeliveryState: DeliveryState{Status: StatusQueued},
	}
}

// IsSendable reports whether the message still awaits a provider send.
// Anything past queued was already attempted and must not be resent.
func (m *OutboundMessage) IsSendable() bool {
	return m.Status == StatusQueued
}

// ValidateForSend rejects payloads that can never be delivered
func (m *OutboundMessage) ValidateForSend() error {
	if strings.TrimSpace(m.To) == "" {
		return ErrInvalidInput("recipient address is required")
	}
	if strings.TrimSpace(m.Payload) == "" {
		return ErrInvalidInput("payload is required")
	}
	if len(m.Payload) > MaxPayloadLength {
		return ErrInvalidInput(fmt.Sprintf("payload exceeds %d bytes", MaxPayloadLength))
	}
	return nil
}

// IsValidMessageStatus checks if the status can be stored on an outbound message
func IsValidMessageStatus(status DeliveryStatus) bool {
	switch status {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}
