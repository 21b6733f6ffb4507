package models

import (
	"fmt"
	"strings"
	"time"
)

// ProviderError carries the error details a provider attaches to a failed
// delivery notification
type ProviderError struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Reason formats the provider error as a stored failure reason
func (e *ProviderError) Reason() string {
	if e == nil {
		return "delivery failed"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Code, e.Title, e.Message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "delivery failed"
	}
	return strings.Join(parts, ": ")
}

// StatusNotification is a normalized delivery-status update from the provider.
// Notifications may arrive out of order and more than once.
type StatusNotification struct {
	ProviderMessageID string         `json:"provider_message_id" validate:"required,max=255"`
	Status            DeliveryStatus `json:"status" validate:"required"`
	Timestamp         time.Time      `json:"timestamp" validate:"required"`
	Error             *ProviderError `json:"error,omitempty"`
}

// Validate checks the notification before it is reconciled
func (n *StatusNotification) Validate() error {
	if err := ValidateStruct(n); err != nil {
		return err
	}
	if !n.Status.IsValid() {
		return ErrInvalidInput(fmt.Sprintf("unknown delivery status: %q", n.Status))
	}
	if !n.Status.IsNotifiable() {
		return ErrInvalidInput(fmt.Sprintf("status %q cannot be reported by a provider", n.Status))
	}
	return nil
}

// ReconcileOutcome describes what applying a notification did to a record
type ReconcileOutcome int

// Reconcile outcomes
const (
	OutcomeApplied ReconcileOutcome = iota
	OutcomeRegression
	OutcomeDuplicate
	OutcomeIgnored
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRegression:
		return "regression_skipped"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// DeliveryState is the status and per-transition timestamps shared by
// OutboundMessage and RecipientDispatchRecord
type DeliveryState struct {
	Status        DeliveryStatus `json:"status"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	ReadAt        *time.Time     `json:"read_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
}

// Apply reconciles a notification into the state. Failed always wins,
// lower levels are ignored, and skipped earlier timestamps are filled with
// the notification instant when backfill is set.
func (d *DeliveryState) Apply(n StatusNotification, backfill bool) ReconcileOutcome {
	at := n.Timestamp.UTC()

	if n.Status.IsUnconditional() {
		return d.applyTerminal(n.Status, at, n.Error.Reason())
	}

	if n.Status.Level() < d.Status.Level() {
		return OutcomeRegression
	}

	field := d.timestampField(n.Status)
	if n.Status == d.Status && field != nil && *field != nil {
		return OutcomeDuplicate
	}

	d.Status = n.Status
	if field != nil && *field == nil {
		*field = timePtr(at)
	}
	if backfill {
		d.backfill(n.Status, at)
	}
	return OutcomeApplied
}

// MarkSent records a successful provider send
func (d *DeliveryState) MarkSent(at time.Time) {
	d.Status = StatusSent
	d.SentAt = timePtr(at.UTC())
}

// MarkFailed records a failure with its reason
func (d *DeliveryState) MarkFailed(at time.Time, reason string) {
	d.applyTerminal(StatusFailed, at.UTC(), reason)
}

func (d *DeliveryState) applyTerminal(status DeliveryStatus, at time.Time, reason string) ReconcileOutcome {
	if status == StatusSkipped {
		if d.Status == StatusSkipped {
			return OutcomeDuplicate
		}
		d.Status = StatusSkipped
		return OutcomeApplied
	}

	if d.Status == StatusFailed && d.FailedAt != nil && d.FailedAt.Equal(at) {
		return OutcomeDuplicate
	}
	d.Status = StatusFailed
	d.FailedAt = timePtr(at)
	d.FailureReason = &reason
	return OutcomeApplied
}

func (d *DeliveryState) timestampField(status DeliveryStatus) **time.Time {
	switch status {
	case StatusSent:
		return &d.SentAt
	case StatusDelivered:
		return &d.DeliveredAt
	case StatusRead:
		return &d.ReadAt
	default:
		return nil
	}
}

func (d *DeliveryState) backfill(status DeliveryStatus, at time.Time) {
	for _, earlier := range []DeliveryStatus{StatusSent, StatusDelivered} {
		if earlier.Level() >= status.Level() {
			return
		}
		if field := d.timestampField(earlier); *field == nil {
			*field = timePtr(at)
		}
	}
}

// clearProgress drops the sent/delivered/read timestamps ahead of a resend
func (d *DeliveryState) clearProgress() {
	d.SentAt = nil
	d.DeliveredAt = nil
	d.ReadAt = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
