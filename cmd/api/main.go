package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/config"
	"github.com/Raymond9734/messaging-pipeline/internal/db"
	"github.com/Raymond9734/messaging-pipeline/internal/handler"
	"github.com/Raymond9734/messaging-pipeline/internal/logging"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
	"github.com/Raymond9734/messaging-pipeline/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File}, "api")
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting messaging pipeline API server")

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

	// Open work queues
	opts := queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceives:       cfg.Queue.MaxReceives,
		PollInterval:      cfg.Queue.PollInterval,
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

	logger.Info("work queues ready",
		slog.String("inbound", cfg.Queue.InboundName),
		slog.String("outbound", cfg.Queue.OutboundName),
	)

	// Initialize repositories
	customerRepo := repository.NewCustomerRepository(database.DB)
	campaignRepo := repository.NewCampaignRepository(database.DB)
	recipientRepo := repository.NewRecipientRepository(database.DB)
	messageRepo := repository.NewOutboundMessageRepository(database.DB)

	// Initialize services
	statusSvc := service.NewStatusService(messageRepo, cfg.Reconcile.Backfill, logger)
	messageSvc := service.NewMessageService(messageRepo, inboundQueue, outboundQueue, logger)
	campaignSvc := service.NewCampaignService(
		campaignRepo,
		customerRepo,
		recipientRepo,
		service.NewTemplateService(),
		cfg.Worker.MaxRetries,
		logger,
	)

	router := handler.NewRouter(handler.Routes{
		Webhooks:  handler.NewWebhookHandler(statusSvc, messageSvc, logger),
		Campaigns: handler.NewCampaignHandler(campaignSvc, logger),
		Health: handler.NewHealthHandler(map[string]handler.HealthChecker{
			"database":       database,
			"inbound_queue":  inboundQueue,
			"outbound_queue": outboundQueue,
		}, logger),
	}, logger)

	// Create server
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}

	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("server stopped gracefully")
	}
}
