package models

import "time"

// DefaultMaxRetries is the retry budget given to new recipient records
const DefaultMaxRetries = 3

// RecipientDispatchRecord tracks delivery of one campaign to one recipient.
// There is exactly one record per (campaign, customer).
type RecipientDispatchRecord struct {
	ID         int64  `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	CustomerID int64  `json:"customer_id"`
	Address    string `json:"address"`
	DeliveryState
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	ScheduledSendDate time.Time  `json:"scheduled_send_date"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewRecipientRecord builds a pending record for a recipient attached to a
// campaign. A maxRetries of zero disables retries; a negative one takes the
// default budget.
func NewRecipientRecord(campaignID int64, customer *Customer, sendDate time.Time, maxRetries int) *RecipientDispatchRecord {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RecipientDispatchRecord{
		CampaignID:        campaignID,
		CustomerID:        customer.ID,
		Address:           customer.Phone,
		DeliveryState:     DeliveryState{Status: StatusPending},
		MaxRetries:        maxRetries,
		ScheduledSendDate: DateOf(sendDate),
	}
}

// IsDueOn reports whether a pending record is scheduled on or before day
func (r *RecipientDispatchRecord) IsDueOn(day time.Time) bool {
	return r.Status == StatusPending && !DateOf(r.ScheduledSendDate).After(DateOf(day))
}

// IsRetryEligible reports whether a failed record still has retry budget left
func (r *RecipientDispatchRecord) IsRetryEligible() bool {
	return r.Status == StatusFailed && r.RetryCount < r.MaxRetries
}

// IncrementRetry counts one more failed attempt, never past MaxRetries
func (r *RecipientDispatchRecord) IncrementRetry() {
	if r.RetryCount < r.MaxRetries {
		r.RetryCount++
	}
}

// ExhaustRetries excludes the record from any future retry selection
func (r *RecipientDispatchRecord) ExhaustRetries() {
	r.RetryCount = r.MaxRetries
}

// ResetForRetry returns a failed record to pending for a resend on day.
// Retry count, failure time and failure reason are kept as history.
func (r *RecipientDispatchRecord) ResetForRetry(day time.Time) {
	r.Status = StatusPending
	r.clearProgress()
	r.ProviderMessageID = nil
	r.QueuedAt = nil
	r.ScheduledSendDate = DateOf(day)
}

// MarkQueued records that a send job was enqueued for the record during the
// dispatch run of day. The record is rescheduled onto day so its counters
// follow the dispatcher's calendar rather than the UTC date of at.
func (r *RecipientDispatchRecord) MarkQueued(at, day time.Time) {
	at = at.UTC()
	r.Status = StatusQueued
	r.QueuedAt = &at
	r.ScheduledSendDate = DateOf(day)
}

// MarkSent records a successful provider send
func (r *RecipientDispatchRecord) MarkSent(at time.Time, providerMessageID string) {
	r.DeliveryState.MarkSent(at)
	r.ProviderMessageID = &providerMessageID
}

// MarkSendFailed records a failed send attempt and spends one retry
func (r *RecipientDispatchRecord) MarkSendFailed(at time.Time, reason string) {
	r.DeliveryState.MarkFailed(at, reason)
	r.IncrementRetry()
}

// MarkPermanentlyFailed records a failure that must never be retried
func (r *RecipientDispatchRecord) MarkPermanentlyFailed(at time.Time, reason string) {
	r.DeliveryState.MarkFailed(at, reason)
	r.ExhaustRetries()
}

// ApplyNotification reconciles a provider notification into the record. A
// newly applied failure spends one retry.
func (r *RecipientDispatchRecord) ApplyNotification(n StatusNotification, backfill bool) ReconcileOutcome {
	outcome := r.DeliveryState.Apply(n, backfill)
	if outcome == OutcomeApplied && n.Status == StatusFailed {
		r.IncrementRetry()
	}
	return outcome
}

// DateOf truncates t to its calendar date in UTC
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayWindow returns the instants bounding the calendar day of t in loc:
// local midnight and the following local midnight
func DayWindow(t time.Time, loc *time.Location) (start, end time.Time) {
	y, m, d := t.In(loc).Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
