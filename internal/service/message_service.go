package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

// MessageService moves messages onto the work queues
type MessageService interface {
	// EnqueueInbound validates a provider event and publishes it to the inbound queue
	EnqueueInbound(ctx context.Context, message *models.InboundMessage) error

	// QueueReply stores a queued outbound message for reply and publishes its send job
	QueueReply(ctx context.Context, reply *models.OutboundReply) (*models.OutboundMessage, error)
}

type messageService struct {
	messageRepo   repository.OutboundMessageRepository
	inboundQueue  queue.WorkQueue
	outboundQueue queue.WorkQueue
	logger        *slog.Logger

	now func() time.Time
}

// NewMessageService creates a new message service
func NewMessageService(
	messageRepo repository.OutboundMessageRepository,
	inboundQueue queue.WorkQueue,
	outboundQueue queue.WorkQueue,
	logger *slog.Logger,
) MessageService {
	return &messageService{
		messageRepo:   messageRepo,
		inboundQueue:  inboundQueue,
		outboundQueue: outboundQueue,
		logger:        logger,
		now:           time.Now,
	}
}

// EnqueueInbound publishes a validated inbound event
func (s *messageService) EnqueueInbound(ctx context.Context, message *models.InboundMessage) error {
	if message.ReceivedAt.IsZero() {
		message.ReceivedAt = s.now().UTC()
	}
	if err := message.Validate(); err != nil {
		return err
	}

	if err := queue.PublishJSON(ctx, s.inboundQueue, message); err != nil {
		s.logger.Error("failed to enqueue inbound message",
			slog.String("inbound_id", message.ID),
			slog.String("error", err.Error()),
		)
		return models.Transient("enqueue inbound message", err)
	}

	s.logger.Debug("inbound message enqueued", slog.String("inbound_id", message.ID))
	return nil
}

// QueueReply creates the outbound message and publishes its send job. A
// message whose job cannot be published is marked failed so it is never
// left queued without a job.
func (s *messageService) QueueReply(ctx context.Context, reply *models.OutboundReply) (*models.OutboundMessage, error) {
	message := models.NewQueuedMessage(reply.To, reply.Payload)
	if err := message.ValidateForSend(); err != nil {
		return nil, err
	}

	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create reply: %w", err)
	}

	job := models.SendJob{OutboundMessageID: message.ID}
	if err := queue.PublishJSON(ctx, s.outboundQueue, job); err != nil {
		s.logger.Error("failed to queue reply",
			slog.Int64("message_id", message.ID),
			slog.String("error", err.Error()),
		)

		markErr := s.messageRepo.UpdateByID(ctx, message.ID,
			func(m *models.OutboundMessage, _ *models.RecipientDispatchRecord) (bool, error) {
				if !m.IsSendable() {
					return false, nil
				}
				m.MarkFailed(s.now(), "enqueue failed: "+err.Error())
				return true, nil
			})
		if markErr != nil {
			s.logger.Error("failed to mark unqueued reply",
				slog.Int64("message_id", message.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return nil, models.Transient("queue reply", err)
	}

	s.logger.Info("reply queued",
		slog.Int64("message_id", message.ID),
		slog.String("to", message.To),
	)
	return message, nil
}
