package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/dedup"
	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

// ReplyQueuer stores a reply and publishes its send job
type ReplyQueuer interface {
	QueueReply(ctx context.Context, reply *models.OutboundReply) (*models.OutboundMessage, error)
}

// ClaimConfig sets how long claims are leased while processing and retained
// after success
type ClaimConfig struct {
	Lease  time.Duration
	Retain time.Duration
}

// InboundProcessor handles inbound provider events. Each event id is
// processed by at most one worker at a time through the claim store.
type InboundProcessor struct {
	claims      dedup.Store
	inboundRepo repository.InboundMessageRepository
	reactor     Reactor
	replies     ReplyQueuer
	claimCfg    ClaimConfig
	logger      *slog.Logger
}

// NewInboundProcessor creates a new inbound processor
func NewInboundProcessor(
	claims dedup.Store,
	inboundRepo repository.InboundMessageRepository,
	reactor Reactor,
	replies ReplyQueuer,
	claimCfg ClaimConfig,
	logger *slog.Logger,
) *InboundProcessor {
	if reactor == nil {
		reactor = NoopReactor
	}
	return &InboundProcessor{
		claims:      claims,
		inboundRepo: inboundRepo,
		reactor:     reactor,
		replies:     replies,
		claimCfg:    claimCfg,
		logger:      logger,
	}
}

// Handle processes one inbound queue envelope
func (p *InboundProcessor) Handle(ctx context.Context, env *queue.Envelope) error {
	var message models.InboundMessage
	if err := json.Unmarshal(env.Body, &message); err != nil {
		metrics.InboundProcessed.WithLabelValues("invalid").Inc()
		return queue.Reject(models.ErrInvalidInput("malformed inbound event: " + err.Error()))
	}
	if err := message.Validate(); err != nil {
		metrics.InboundProcessed.WithLabelValues("invalid").Inc()
		return queue.Reject(err)
	}

	claim, err := p.claims.TryClaim(ctx, "inbound:"+message.ID, p.claimCfg.Lease)
	if err != nil {
		metrics.InboundProcessed.WithLabelValues("claim_unavailable").Inc()
		return models.Transient("claim inbound message", err)
	}
	if !claim.Won() {
		p.logger.Info("duplicate inbound message skipped",
			slog.String("inbound_id", message.ID),
			slog.Int("receive_count", env.ReceiveCount),
		)
		metrics.InboundProcessed.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := p.process(ctx, &message); err != nil {
		if relErr := p.claims.Release(ctx, claim); relErr != nil {
			p.logger.Error("failed to release inbound claim",
				slog.String("inbound_id", message.ID),
				slog.String("error", relErr.Error()),
			)
		}
		metrics.InboundProcessed.WithLabelValues("error").Inc()
		return err
	}

	if err := p.claims.Complete(ctx, claim, p.claimCfg.Retain); err != nil {
		p.logger.Warn("failed to retain inbound claim",
			slog.String("inbound_id", message.ID),
			slog.String("error", err.Error()),
		)
	}
	metrics.InboundProcessed.WithLabelValues("processed").Inc()
	return nil
}

func (p *InboundProcessor) process(ctx context.Context, message *models.InboundMessage) error {
	inserted, err := p.inboundRepo.Create(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}

	p.logger.Info("inbound message persisted",
		slog.String("inbound_id", message.ID),
		slog.String("from", message.From),
		slog.String("payload_type", message.PayloadType),
		slog.Bool("inserted", inserted),
	)

	reply, err := p.reactor.React(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to react to inbound message: %w", err)
	}
	if reply == nil {
		return nil
	}

	outbound, err := p.replies.QueueReply(ctx, reply)
	if err != nil {
		return fmt.Errorf("failed to queue reply: %w", err)
	}

	p.logger.Info("reply queued for inbound message",
		slog.String("inbound_id", message.ID),
		slog.Int64("message_id", outbound.ID),
	)
	return nil
}
