package service

import (
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// AttachRecipientsRequest represents a request to attach customers to a campaign
type AttachRecipientsRequest struct {
	CustomerIDs       []int64    `json:"customer_ids" validate:"required,min=1,max=10000,dive,gt=0"`
	ScheduledSendDate *time.Time `json:"scheduled_send_date,omitempty"`
	MaxRetries        int        `json:"max_retries,omitempty" validate:"gte=0,lte=10"`
}

// Validate performs validation on the attach request
func (r *AttachRecipientsRequest) Validate() error {
	return models.ValidateStruct(r)
}

// AttachRecipientsResult represents the outcome of attaching recipients
type AttachRecipientsResult struct {
	CampaignID       int64     `json:"campaign_id"`
	Requested        int       `json:"requested"`
	Attached         int       `json:"attached"`
	AlreadyAttached  int       `json:"already_attached"`
	MissingCustomers []int64   `json:"missing_customers,omitempty"`
	ScheduledFor     time.Time `json:"scheduled_send_date"`
}
