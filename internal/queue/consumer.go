package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Handler processes one envelope. A nil return acks it; an error wrapped
// with Reject dead-letters it; any other error leaves it unacked so the
// queue redelivers it.
type Handler func(ctx context.Context, env *Envelope) error

// ConsumerConfig controls a Consume loop
type ConsumerConfig struct {
	Name        string
	Concurrency int
	BatchSize   int
	Wait        time.Duration
}

// Consume receives envelopes from q and processes them with handler until ctx
// is cancelled. concurrency bounds how many envelopes are processed at once;
// in-flight handlers finish before Consume returns.
func Consume(ctx context.Context, q WorkQueue, handler Handler, cfg ConsumerConfig, logger *slog.Logger) error {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	batch := cfg.BatchSize
	if batch < 1 || batch > concurrency {
		batch = concurrency
	}
	wait := cfg.Wait
	if wait <= 0 {
		wait = time.Second
	}

	logger = logger.With(slog.String("consumer", cfg.Name))
	logger.Info("starting queue consumer", slog.Int("concurrency", concurrency))

	// Semaphore to limit concurrent processing
	semaphore := make(chan struct{}, concurrency)
	drain := func() {
		for i := 0; i < concurrency; i++ {
			semaphore <- struct{}{}
		}
		logger.Info("all in-flight jobs completed")
	}

	// Handlers keep running through shutdown so leases are settled
	workCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopped by context, waiting for in-flight jobs to complete")
			drain()
			return ctx.Err()
		default:
		}

		envs, err := q.Receive(ctx, batch, wait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("consumer stopped by context")
				drain()
				return err
			}
			logger.Error("failed to receive from queue", slog.String("error", err.Error()))
			// Sleep briefly to avoid tight loop on persistent errors
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, env := range envs {
			// Acquire semaphore slot (blocks if all slots are busy)
			semaphore <- struct{}{}

			go func(env *Envelope) {
				defer func() { <-semaphore }()
				settle(workCtx, q, handler, env, logger)
			}(env)
		}
	}
}

func settle(ctx context.Context, q WorkQueue, handler Handler, env *Envelope, logger *slog.Logger) {
	err := handler(ctx, env)
	if IsRejected(err) {
		logger.Warn("envelope rejected, dead-lettering",
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
		if dlErr := q.DeadLetter(ctx, env); dlErr != nil {
			logger.Error("failed to dead-letter envelope",
				slog.String("envelope_id", env.ID),
				slog.String("error", dlErr.Error()),
			)
		}
		return
	}
	if err != nil {
		logger.Error("handler failed to process job",
			slog.String("envelope_id", env.ID),
			slog.Int("receive_count", env.ReceiveCount),
			slog.String("error", err.Error()),
		)
		if nackErr := q.Nack(ctx, env); nackErr != nil {
			logger.Error("failed to nack envelope",
				slog.String("envelope_id", env.ID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if err := q.Ack(ctx, env); err != nil {
		logger.Error("failed to ack envelope",
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
	}
}
