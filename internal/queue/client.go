package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default queue tuning
const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxReceives       = 5
	DefaultPollInterval      = 200 * time.Millisecond
)

// Envelope is one leased delivery of a queued message
type Envelope struct {
	ID           string
	Body         []byte
	ReceiveCount int

	receipt any
}

// WorkQueue is a durable queue with visibility-timeout leasing. A received
// envelope is hidden from other consumers until it is acked or its lease
// lapses, after which it is redelivered. Envelopes delivered more than
// MaxReceives times are routed to the dead-letter queue.
type WorkQueue interface {
	// Publish appends a message body to the queue
	Publish(ctx context.Context, body []byte) error

	// Receive long-polls for up to maxBatch envelopes, blocking at most wait
	Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Envelope, error)

	// Ack removes a processed envelope permanently
	Ack(ctx context.Context, env *Envelope) error

	// Nack gives up the lease without acking; the envelope is redelivered
	Nack(ctx context.Context, env *Envelope) error

	// DeadLetter moves an envelope that can never succeed to the dead-letter queue
	DeadLetter(ctx context.Context, env *Envelope) error

	// Health checks if the queue backend is reachable
	Health(ctx context.Context) error

	// Close releases backend connections
	Close() error
}

// Options tunes a WorkQueue backend
type Options struct {
	VisibilityTimeout time.Duration
	MaxReceives       int
	PollInterval      time.Duration
	Prefetch          int
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.MaxReceives <= 0 {
		o.MaxReceives = DefaultMaxReceives
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	return o
}

// PublishJSON serializes v and publishes it to q
func PublishJSON(ctx context.Context, q WorkQueue, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.Publish(ctx, data)
}

// rejectError marks a handler failure that redelivery cannot fix
type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return "rejected: " + e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject wraps err so Consume dead-letters the envelope instead of
// leaving it for redelivery
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

// IsRejected reports whether err was produced by Reject
func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}
