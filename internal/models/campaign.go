package models

import (
	"fmt"
	"time"
)

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusSent      = "sent"
	CampaignStatusFailed    = "failed"
)

// Campaign channel constants
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Campaign represents a messaging campaign dispatched under a daily quota
type Campaign struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	BaseTemplate   string    `json:"base_template"`
	DailySendLimit int       `json:"daily_send_limit"`
	CreatedAt      time.Time `json:"created_at"`
}

// CampaignDailyCounter aggregates recipient transitions for a campaign on one day
type CampaignDailyCounter struct {
	CampaignID      int64     `json:"campaign_id"`
	Day             time.Time `json:"day"`
	MessagesSent    int64     `json:"messages_sent"`
	MessagesPending int64     `json:"messages_pending"`
	MessagesFailed  int64     `json:"messages_failed"`
}

// CounterDelta is an increment applied to a CampaignDailyCounter
type CounterDelta struct {
	Sent    int64
	Pending int64
	Failed  int64
}

// IsZero reports whether the delta changes nothing
func (d CounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Pending == 0 && d.Failed == 0
}

// TransitionDelta is the counter change caused by a recipient moving from
// one status to another
func TransitionDelta(from, to DeliveryStatus) CounterDelta {
	var d CounterDelta
	if from == to {
		return d
	}
	if to == StatusQueued {
		d.Pending++
	}
	if from == StatusQueued {
		d.Pending--
	}
	if from.Level() == 0 && to.Level() > 0 && !to.IsUnconditional() {
		d.Sent++
	}
	if to == StatusFailed {
		d.Failed++
	}
	return d
}

// CounterDay is the day a recipient's transitions are counted against. Once
// queued this is the dispatch day in the scheduler's timezone, never the
// UTC date of QueuedAt.
func CounterDay(r *RecipientDispatchRecord) time.Time {
	return DateOf(r.ScheduledSendDate)
}

// Validate performs validation on campaign data
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrInvalidInput("name is required")
	}
	if !IsValidChannel(c.Channel) {
		return ErrInvalidInput(fmt.Sprintf("invalid channel: %s (must be 'sms' or 'whatsapp')", c.Channel))
	}
	if c.BaseTemplate == "" {
		return ErrInvalidInput("base_template is required")
	}
	if c.DailySendLimit < 0 {
		return ErrInvalidInput("daily_send_limit cannot be negative")
	}
	if c.Status != "" && !IsValidCampaignStatus(c.Status) {
		return ErrInvalidInput(fmt.Sprintf("invalid status: %s", c.Status))
	}
	return nil
}

// IsValidChannel checks if the channel is valid
func IsValidChannel(channel string) bool {
	return channel == ChannelSMS || channel == ChannelWhatsApp
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending, CampaignStatusSent, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the scheduler should dispatch the campaign
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusScheduled || c.Status == CampaignStatusSending
}

// AcceptsRecipients reports whether recipients can still be attached
func (c *Campaign) AcceptsRecipients() bool {
	return c.Status != CampaignStatusSent && c.Status != CampaignStatusFailed
}
