package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// consumerChannel is the part of an AMQP channel a consumer uses
type consumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// deliveryReceipt ties a delivery tag to the channel that delivered it
type deliveryReceipt struct {
	ch  consumerChannel
	tag uint64
}

// AMQPQueue implements WorkQueue on a RabbitMQ quorum queue. The broker
// redelivers unacked messages when a consumer channel closes, and routes a
// message to the dead-letter exchange once it exceeds x-delivery-limit.
//
// The consumer is started by the first Receive, so a process that only
// publishes never holds prefetched deliveries. A closed delivery stream is
// replaced by a fresh subscription on the next Receive.
type AMQPQueue struct {
	conn         *amqp.Connection
	publishCh    *amqp.Channel
	openConsumer func() (consumerChannel, error)
	name         string
	opts         Options
	logger       *slog.Logger

	publishMu sync.Mutex
	receiveMu sync.Mutex

	consumeMu  sync.Mutex
	consumeCh  consumerChannel
	deliveries <-chan amqp.Delivery
}

// NewAMQPClient dials url and declares the queue topology for name
func NewAMQPClient(url, name string, opts Options, logger *slog.Logger) (*AMQPQueue, error) {
	opts = opts.withDefaults()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	q := &AMQPQueue{conn: conn, name: name, opts: opts, logger: logger}
	q.openConsumer = func() (consumerChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	if err := q.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("connected to RabbitMQ",
		slog.String("queue", name),
		slog.Int("prefetch", opts.Prefetch),
	)
	return q, nil
}

func (q *AMQPQueue) dlx() string       { return q.name + ".dlx" }
func (q *AMQPQueue) deadQueue() string { return q.name + ".dead" }

func (q *AMQPQueue) setup() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	q.publishCh = ch

	if err := ch.ExchangeDeclare(q.dlx(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(q.deadQueue(), true, false, false, false, amqp.Table{"x-queue-type": "quorum"}); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(q.deadQueue(), "", q.dlx(), false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	queueArgs := amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(q.opts.MaxReceives),
		"x-dead-letter-exchange": q.dlx(),
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}
	return nil
}

// subscription returns the live delivery stream, starting a consumer when
// there is none
func (q *AMQPQueue) subscription() (<-chan amqp.Delivery, consumerChannel, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, q.consumeCh, nil
	}

	ch, err := q.openConsumer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to start consumer on %s: %w", q.name, err)
	}

	q.consumeCh = ch
	q.deliveries = deliveries
	q.logger.Info("started RabbitMQ consumer",
		slog.String("queue", q.name),
		slog.Int("prefetch", q.opts.Prefetch),
	)
	return deliveries, ch, nil
}

// unsubscribe forgets a delivery stream the broker has closed
func (q *AMQPQueue) unsubscribe(deliveries <-chan amqp.Delivery) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if q.deliveries != deliveries {
		return
	}
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
	}
	q.consumeCh = nil
	q.deliveries = nil
	q.logger.Warn("RabbitMQ consumer closed, resubscribing on next receive", slog.String("queue", q.name))
}

// Publish sends a persistent message to the queue
func (q *AMQPQueue) Publish(_ context.Context, body []byte) error {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	err := q.publishCh.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.name, err)
	}
	return nil
}

// Receive collects up to maxBatch deliveries, blocking at most wait for the first
func (q *AMQPQueue) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Envelope, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}

	q.receiveMu.Lock()
	defer q.receiveMu.Unlock()

	deliveries, ch, err := q.subscription()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var envs []*Envelope
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			q.unsubscribe(deliveries)
			return nil, fmt.Errorf("delivery channel for %s closed", q.name)
		}
		envs = append(envs, toEnvelope(d, ch))
	}

	for len(envs) < maxBatch {
		select {
		case d, ok := <-deliveries:
			if !ok {
				q.unsubscribe(deliveries)
				return envs, nil
			}
			envs = append(envs, toEnvelope(d, ch))
		default:
			return envs, nil
		}
	}
	return envs, nil
}

func toEnvelope(d amqp.Delivery, ch consumerChannel) *Envelope {
	return &Envelope{
		ID:           d.MessageId,
		Body:         d.Body,
		ReceiveCount: deliveryCount(d.Headers) + 1,
		receipt:      deliveryReceipt{ch: ch, tag: d.DeliveryTag},
	}
}

// deliveryCount reads the quorum queue's x-delivery-count header
func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Ack acknowledges the delivery
func (q *AMQPQueue) Ack(_ context.Context, env *Envelope) error {
	r, ok := env.receipt.(deliveryReceipt)
	if !ok {
		return fmt.Errorf("envelope %s has no delivery tag", env.ID)
	}
	if err := r.ch.Ack(r.tag, false); err != nil {
		return fmt.Errorf("failed to ack envelope %s: %w", env.ID, err)
	}
	return nil
}

// Nack returns the delivery to the queue for redelivery
func (q *AMQPQueue) Nack(_ context.Context, env *Envelope) error {
	r, ok := env.receipt.(deliveryReceipt)
	if !ok {
		return fmt.Errorf("envelope %s has no delivery tag", env.ID)
	}
	if err := r.ch.Nack(r.tag, false, true); err != nil {
		return fmt.Errorf("failed to nack envelope %s: %w", env.ID, err)
	}
	return nil
}

// DeadLetter rejects the delivery without requeue so the broker routes it
// to the dead-letter exchange
func (q *AMQPQueue) DeadLetter(_ context.Context, env *Envelope) error {
	r, ok := env.receipt.(deliveryReceipt)
	if !ok {
		return fmt.Errorf("envelope %s has no delivery tag", env.ID)
	}
	if err := r.ch.Nack(r.tag, false, false); err != nil {
		return fmt.Errorf("failed to dead-letter envelope %s: %w", env.ID, err)
	}
	return nil
}

// Health checks that the broker connection is open
func (q *AMQPQueue) Health(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// QueueLength returns the number of ready messages reported by the broker
func (q *AMQPQueue) QueueLength(context.Context) (int64, error) {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	info, err := q.publishCh.QueueInspect(q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return int64(info.Messages), nil
}

// Close closes channels and the connection
func (q *AMQPQueue) Close() error {
	q.logger.Info("closing RabbitMQ connection", slog.String("queue", q.name))
	q.consumeMu.Lock()
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
	}
	q.consumeCh = nil
	q.deliveries = nil
	q.consumeMu.Unlock()
	if q.publishCh != nil {
		_ = q.publishCh.Close()
	}
	return q.conn.Close()
}
