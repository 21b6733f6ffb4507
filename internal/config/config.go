package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Worker roles
const (
	RoleInbound   = "inbound"
	RoleOutbound  = "outbound"
	RoleScheduler = "scheduler"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Claim     ClaimConfig
	API       APIConfig
	Worker    WorkerConfig
	Dispatch  DispatchConfig
	Reconcile ReconcileConfig
	Log       LogConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	AutoMigrate  bool
}

// RedisConfig holds the Redis connection backing the claim store
type RedisConfig struct {
	URL string
}

// QueueConfig holds work queue configuration
type QueueConfig struct {
	URL               string
	InboundName       string
	OutboundName      string
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	BatchSize         int
	MaxReceives       int
	PollInterval      time.Duration
}

// ClaimConfig holds dedup claim configuration
type ClaimConfig struct {
	TTL    time.Duration
	Retain time.Duration
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port int
}

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	Concurrency     int
	MaxRetries      int
	Roles           []string
	SendSuccessRate float64
	ReplyPrefix     string
	MetricsPort     int
}

// DispatchConfig holds dispatch scheduler configuration
type DispatchConfig struct {
	Schedule string
	Timezone string
}

// ReconcileConfig holds status reconciliation configuration
type ReconcileConfig struct {
	Backfill bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
	File  string
}

// HasRole reports whether the worker should run role
func (w WorkerConfig) HasRole(role string) bool {
	for _, r := range w.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Location resolves the dispatch timezone
func (d DispatchConfig) Location() (*time.Location, error) {
	return time.LoadLocation(d.Timezone)
}

// Load reads configuration from a .env file (if present) and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:          getEnv("DATABASE_URL", ""),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         p.int("DB_PORT", 5432),
			User:         getEnv("DB_USER", "pipeline"),
			Password:     getEnv("DB_PASSWORD", "pipeline"),
			DBName:       getEnv("DB_NAME", "pipeline"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: p.int("DB_MAX_OPEN_CONNS", 25),
			AutoMigrate:  p.bool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Queue: QueueConfig{
			URL:               getEnv("QUEUE_URL", getEnv("REDIS_URL", "redis://localhost:6379/0")),
			InboundName:       getEnv("QUEUE_INBOUND_NAME", "inbound_events"),
			OutboundName:      getEnv("QUEUE_OUTBOUND_NAME", "outbound_sends"),
			VisibilityTimeout: p.duration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			WaitTime:          p.duration("QUEUE_WAIT_TIME", 20*time.Second),
			BatchSize:         p.int("QUEUE_BATCH_SIZE", 10),
			MaxReceives:       p.int("QUEUE_MAX_RECEIVES", 5),
			PollInterval:      p.duration("QUEUE_POLL_INTERVAL", 200*time.Millisecond),
		},
		Claim: ClaimConfig{
			TTL:    p.duration("CLAIM_TTL", 15*time.Minute),
			Retain: p.duration("CLAIM_RETAIN", 24*time.Hour),
		},
		API: APIConfig{
			Port: p.int("API_PORT", 8080),
		},
		Worker: WorkerConfig{
			Concurrency:     p.int("WORKER_CONCURRENCY", 5),
			MaxRetries:      p.int("MAX_RETRY_COUNT", 3),
			Roles:           splitList(getEnv("WORKER_ROLES", "inbound,outbound,scheduler")),
			SendSuccessRate: p.float("SEND_SUCCESS_RATE", 0.95),
			ReplyPrefix:     getEnv("AUTO_REPLY_PREFIX", ""),
			MetricsPort:     p.int("WORKER_METRICS_PORT", 9091),
		},
		Dispatch: DispatchConfig{
			Schedule: getEnv("DISPATCH_SCHEDULE", "@every 5m"),
			Timezone: getEnv("DISPATCH_TIMEZONE", "UTC"),
		},
		Reconcile: ReconcileConfig{
			Backfill: p.bool("RECONCILE_BACKFILL", true),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.Claim.TTL < c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("CLAIM_TTL (%s) must be at least QUEUE_VISIBILITY_TIMEOUT (%s)",
			c.Claim.TTL, c.Queue.VisibilityTimeout))
	}
	if c.Claim.Retain < 0 {
		errs = append(errs, fmt.Errorf("CLAIM_RETAIN cannot be negative"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRY_COUNT cannot be negative"))
	}
	if c.Worker.SendSuccessRate < 0 || c.Worker.SendSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("SEND_SUCCESS_RATE must be between 0 and 1"))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1"))
	}
	if c.Queue.MaxReceives < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RECEIVES must be at least 1"))
	}
	for _, role := range c.Worker.Roles {
		switch role {
		case RoleInbound, RoleOutbound, RoleScheduler:
		default:
			errs = append(errs, fmt.Errorf("unknown worker role: %s", role))
		}
	}
	if _, err := c.Dispatch.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEZONE: %w", err))
	}

	return errors.Join(errs...)
}

// parser collects conversion errors so Load reports them together
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
