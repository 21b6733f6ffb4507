package models

import "time"

// Inbound payload types
const (
	PayloadText        = "text"
	PayloadImage       = "image"
	PayloadInteractive = "interactive"
)

// InboundMessage is an event received from the provider. The ID is assigned
// by the provider and is globally unique; the record is immutable once stored.
type InboundMessage struct {
	ID          string    `json:"id" validate:"required,max=255"`
	From        string    `json:"from" validate:"required,max=64"`
	PayloadType string    `json:"payload_type" validate:"required,oneof=text image interactive"`
	Content     string    `json:"content" validate:"max=65536"`
	ReceivedAt  time.Time `json:"received_at" validate:"required"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Validate checks the inbound event before it is claimed
func (m *InboundMessage) Validate() error {
	return ValidateStruct(m)
}
