package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Raymond9734/messaging-pipeline/internal/config"
	"github.com/Raymond9734/messaging-pipeline/internal/db"
	"github.com/Raymond9734/messaging-pipeline/internal/dedup"
	"github.com/Raymond9734/messaging-pipeline/internal/logging"
	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
	"github.com/Raymond9734/messaging-pipeline/internal/service"
	"github.com/Raymond9734/messaging-pipeline/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File}, "worker")
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting messaging pipeline worker", slog.Any("roles", cfg.Worker.Roles))

	// Connect to database
	database, err := db.New(db.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.DBName,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to apply schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("connected to database")

	// Connect the claim store
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to parse Redis URL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	claims := dedup.NewRedisStore(redisClient, "claim")
	if err := claims.Health(context.Background()); err != nil {
		logger.Error("failed to connect to claim store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("connected to claim store")

	// Open work queues
	opts := queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceives:       cfg.Queue.MaxReceives,
		PollInterval:      cfg.Queue.PollInterval,
		Prefetch:          cfg.Queue.BatchSize,
	}
	inboundQueue, err := queue.Open(cfg.Queue.URL, cfg.Queue.InboundName, opts, logger)
	if err != nil {
		logger.Error("failed to open inbound queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer inboundQueue.Close()

	outboundQueue, err := queue.Open(cfg.Queue.URL, cfg.Queue.OutboundName, opts, logger)
	if err != nil {
		logger.Error("failed to open outbound queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer outboundQueue.Close()

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(database.DB)
	customerRepo := repository.NewCustomerRepository(database.DB)
	recipientRepo := repository.NewRecipientRepository(database.DB)
	messageRepo := repository.NewOutboundMessageRepository(database.DB)
	inboundRepo := repository.NewInboundMessageRepository(database.DB)

	claimCfg := worker.ClaimConfig{Lease: cfg.Claim.TTL, Retain: cfg.Claim.Retain}
	consumerCfg := func(name string) queue.ConsumerConfig {
		return queue.ConsumerConfig{
			Name:        name,
			Concurrency: cfg.Worker.Concurrency,
			BatchSize:   cfg.Queue.BatchSize,
			Wait:        cfg.Queue.WaitTime,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Worker.HasRole(config.RoleInbound) {
		var reactor worker.Reactor = worker.NoopReactor
		if cfg.Worker.ReplyPrefix != "" {
			reactor = worker.EchoReactor(cfg.Worker.ReplyPrefix)
		}
		messageSvc := service.NewMessageService(messageRepo, inboundQueue, outboundQueue, logger)
		processor := worker.NewInboundProcessor(claims, inboundRepo, reactor, messageSvc, claimCfg, logger)

		run(config.RoleInbound, func(ctx context.Context) error {
			return queue.Consume(ctx, inboundQueue, processor.Handle, consumerCfg(config.RoleInbound), logger)
		})
	}

	if cfg.Worker.HasRole(config.RoleOutbound) {
		sender := worker.NewMockSender(cfg.Worker.SendSuccessRate)
		processor := worker.NewOutboundProcessor(messageRepo, claims, sender, claimCfg, logger)

		run(config.RoleOutbound, func(ctx context.Context) error {
			return queue.Consume(ctx, outboundQueue, processor.Handle, consumerCfg(config.RoleOutbound), logger)
		})
	}

	if cfg.Worker.HasRole(config.RoleScheduler) {
		loc, err := cfg.Dispatch.Location()
		if err != nil {
			logger.Error("invalid dispatch timezone", slog.String("error", err.Error()))
			os.Exit(1)
		}
		scheduler := worker.NewDispatchScheduler(
			campaignRepo,
			customerRepo,
			recipientRepo,
			service.NewTemplateService(),
			outboundQueue,
			cfg.Dispatch.Schedule,
			loc,
			logger,
		)
		stop, err := scheduler.Start(ctx)
		if err != nil {
			logger.Error("failed to start dispatch scheduler", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer stop()
	}

	run("queue_depth", func(ctx context.Context) error {
		reportQueueDepth(ctx, 15*time.Second, logger, map[string]queue.WorkQueue{
			cfg.Queue.InboundName:  inboundQueue,
			cfg.Queue.OutboundName: outboundQueue,
		})
		return nil
	})

	var metricsServer *http.Server
	if cfg.Worker.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errs:
		logger.Error("worker error", slog.String("error", err.Error()))
		exitCode = 1
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	cancel()
	wg.Wait()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("worker stopped gracefully")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// reportQueueDepth publishes each queue's ready depth until ctx is done
func reportQueueDepth(ctx context.Context, interval time.Duration, logger *slog.Logger, queues map[string]queue.WorkQueue) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for name, q := range queues {
			l, ok := q.(queue.Lengther)
			if !ok {
				continue
			}
			depth, err := l.QueueLength(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to read queue depth",
						slog.String("queue", name),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
