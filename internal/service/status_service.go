package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

// StatusService reconciles provider delivery-status notifications into the
// outbound message and its campaign recipient record
type StatusService interface {
	Reconcile(ctx context.Context, n models.StatusNotification) (models.ReconcileOutcome, error)
}

type statusService struct {
	messageRepo repository.OutboundMessageRepository
	backfill    bool
	logger      *slog.Logger
}

// NewStatusService creates a new status service. backfill fills skipped
// earlier timestamps with the instant of a later status.
func NewStatusService(
	messageRepo repository.OutboundMessageRepository,
	backfill bool,
	logger *slog.Logger,
) StatusService {
	return &statusService{
		messageRepo: messageRepo,
		backfill:    backfill,
		logger:      logger,
	}
}

// Reconcile applies n to both records under one transaction. The returned
// outcome is the message's; the recipient record is reconciled independently.
func (s *statusService) Reconcile(ctx context.Context, n models.StatusNotification) (models.ReconcileOutcome, error) {
	if err := n.Validate(); err != nil {
		return models.OutcomeIgnored, err
	}

	var (
		outcome          models.ReconcileOutcome
		recipientOutcome = models.OutcomeIgnored
		previous         models.DeliveryStatus
	)

	err := s.messageRepo.UpdateByProviderID(ctx, n.ProviderMessageID,
		func(message *models.OutboundMessage, recipient *models.RecipientDispatchRecord) (bool, error) {
			previous = message.Status
			outcome = message.Apply(n, s.backfill)
			if recipient != nil {
				recipientOutcome = recipient.ApplyNotification(n, s.backfill)
			}
			return outcome == models.OutcomeApplied || recipientOutcome == models.OutcomeApplied, nil
		})

	if errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("status notification for unknown message",
			slog.String("provider_message_id", n.ProviderMessageID),
			slog.String("status", n.Status.String()),
		)
		metrics.StatusNotifications.WithLabelValues(n.Status.String(), models.OutcomeIgnored.String()).Inc()
		return models.OutcomeIgnored, nil
	}
	if err != nil {
		s.logger.Error("failed to reconcile status",
			slog.String("provider_message_id", n.ProviderMessageID),
			slog.String("status", n.Status.String()),
			slog.String("error", err.Error()),
		)
		return models.OutcomeIgnored, err
	}

	metrics.StatusNotifications.WithLabelValues(n.Status.String(), outcome.String()).Inc()

	switch outcome {
	case models.OutcomeRegression:
		s.logger.Info("regression skipped",
			slog.String("provider_message_id", n.ProviderMessageID),
			slog.String("current_status", previous.String()),
			slog.String("notified_status", n.Status.String()),
		)
	case models.OutcomeDuplicate:
		s.logger.Debug("duplicate status notification",
			slog.String("provider_message_id", n.ProviderMessageID),
			slog.String("status", n.Status.String()),
		)
	default:
		s.logger.Info("status reconciled",
			slog.String("provider_message_id", n.ProviderMessageID),
			slog.String("from", previous.String()),
			slog.String("to", n.Status.String()),
			slog.String("recipient_outcome", recipientOutcome.String()),
		)
	}

	return outcome, nil
}
