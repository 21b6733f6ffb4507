package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/dedup"
	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

// OutboundProcessor sends queued outbound messages and records the result
type OutboundProcessor struct {
	messageRepo repository.OutboundMessageRepository
	claims      dedup.Store
	sender      MessageSender
	claimCfg    ClaimConfig
	logger      *slog.Logger

	now func() time.Time
}

// NewOutboundProcessor creates a new outbound processor
func NewOutboundProcessor(
	messageRepo repository.OutboundMessageRepository,
	claims dedup.Store,
	sender MessageSender,
	claimCfg ClaimConfig,
	logger *slog.Logger,
) *OutboundProcessor {
	return &OutboundProcessor{
		messageRepo: messageRepo,
		claims:      claims,
		sender:      sender,
		claimCfg:    claimCfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Handle processes one send job envelope. Send failures are recorded on
// the message and acked; only infrastructure errors leave the job for
// redelivery.
func (p *OutboundProcessor) Handle(ctx context.Context, env *queue.Envelope) error {
	var job models.SendJob
	if err := json.Unmarshal(env.Body, &job); err != nil {
		metrics.OutboundProcessed.WithLabelValues("rejected").Inc()
		return queue.Reject(models.ErrInvalidInput("malformed send job: " + err.Error()))
	}
	if err := models.ValidateStruct(&job); err != nil {
		metrics.OutboundProcessed.WithLabelValues("rejected").Inc()
		return queue.Reject(err)
	}

	claim, err := p.claims.TryClaim(ctx, fmt.Sprintf("outbound:%d", job.OutboundMessageID), p.claimCfg.Lease)
	if err != nil {
		metrics.OutboundProcessed.WithLabelValues("error").Inc()
		return models.Transient("claim send job", err)
	}
	if !claim.Won() {
		p.logger.Info("duplicate send job skipped",
			slog.Int64("message_id", job.OutboundMessageID),
			slog.Int("receive_count", env.ReceiveCount),
		)
		metrics.OutboundProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := p.Process(ctx, job); err != nil {
		if relErr := p.claims.Release(ctx, claim); relErr != nil {
			p.logger.Error("failed to release send claim",
				slog.Int64("message_id", job.OutboundMessageID),
				slog.String("error", relErr.Error()),
			)
		}
		metrics.OutboundProcessed.WithLabelValues("error").Inc()
		return err
	}

	if err := p.claims.Complete(ctx, claim, p.claimCfg.Retain); err != nil {
		p.logger.Warn("failed to retain send claim",
			slog.Int64("message_id", job.OutboundMessageID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Process sends a single queued message
func (p *OutboundProcessor) Process(ctx context.Context, job models.SendJob) error {
	message, err := p.messageRepo.GetByID(ctx, job.OutboundMessageID)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.Warn("send job for unknown message",
			slog.Int64("message_id", job.OutboundMessageID),
		)
		metrics.OutboundProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		p.logger.Error("failed to fetch message",
			slog.Int64("message_id", job.OutboundMessageID),
			slog.String("error", err.Error()),
		)
		return models.Transient("fetch message", err)
	}

	if !message.IsSendable() {
		p.logger.Info("message already processed",
			slog.Int64("message_id", message.ID),
			slog.String("status", message.Status.String()),
		)
		metrics.OutboundProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := message.ValidateForSend(); err != nil {
		p.logger.Warn("message rejected before send",
			slog.Int64("message_id", message.ID),
			slog.String("error", err.Error()),
		)
		return p.handleRejection(ctx, message, err)
	}

	p.logger.Info("processing message",
		slog.Int64("message_id", message.ID),
		slog.String("to", message.To),
	)

	start := time.Now()
	providerID, err := p.sender.Send(ctx, message.To, message.Payload)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		p.logger.Info("message sent successfully",
			slog.Int64("message_id", message.ID),
			slog.String("provider_message_id", providerID),
		)
		return p.handleSuccess(ctx, message, providerID)
	case models.IsPermanent(err):
		p.logger.Warn("provider rejected message",
			slog.Int64("message_id", message.ID),
			slog.String("error", err.Error()),
		)
		return p.handleRejection(ctx, message, err)
	default:
		p.logger.Warn("message send failed",
			slog.Int64("message_id", message.ID),
			slog.String("error", err.Error()),
		)
		return p.handleFailure(ctx, message, err)
	}
}

// handleSuccess records the provider id on the message and its recipient
func (p *OutboundProcessor) handleSuccess(ctx context.Context, message *models.OutboundMessage, providerID string) error {
	err := p.record(ctx, message.ID, func(m *models.OutboundMessage, rec *models.RecipientDispatchRecord) (bool, error) {
		if !m.IsSendable() {
			return false, nil
		}
		now := p.now()
		m.ProviderMessageID = &providerID
		m.MarkSent(now)
		if rec != nil && rec.Status == models.StatusQueued {
			rec.MarkSent(now, providerID)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.OutboundProcessed.WithLabelValues("sent").Inc()
	return nil
}

// handleFailure records a retryable send failure. The recipient spends one
// retry and becomes eligible for the next dispatch run.
func (p *OutboundProcessor) handleFailure(ctx context.Context, message *models.OutboundMessage, sendErr error) error {
	reason := sendErr.Error()
	err := p.record(ctx, message.ID, func(m *models.OutboundMessage, rec *models.RecipientDispatchRecord) (bool, error) {
		if !m.IsSendable() {
			return false, nil
		}
		now := p.now()
		m.MarkFailed(now, reason)
		if rec != nil && rec.Status == models.StatusQueued {
			rec.MarkSendFailed(now, reason)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.OutboundProcessed.WithLabelValues("failed").Inc()
	return nil
}

// handleRejection records a failure that can never succeed; the recipient
// is excluded from retries
func (p *OutboundProcessor) handleRejection(ctx context.Context, message *models.OutboundMessage, cause error) error {
	reason := cause.Error()
	err := p.record(ctx, message.ID, func(m *models.OutboundMessage, rec *models.RecipientDispatchRecord) (bool, error) {
		if !m.IsSendable() {
			return false, nil
		}
		now := p.now()
		m.MarkFailed(now, reason)
		if rec != nil && rec.Status == models.StatusQueued {
			rec.MarkPermanentlyFailed(now, reason)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.OutboundProcessed.WithLabelValues("rejected").Inc()
	return nil
}

func (p *OutboundProcessor) record(ctx context.Context, id int64, fn repository.DeliveryMutation) error {
	if err := p.messageRepo.UpdateByID(ctx, id, fn); err != nil {
		p.logger.Error("failed to record send result",
			slog.Int64("message_id", id),
			slog.String("error", err.Error()),
		)
		return models.Transient("record send result", err)
	}
	return nil
}
