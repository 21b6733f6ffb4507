package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryItem struct {
	body     []byte
	receives int
}

// MemoryQueue is a process-local WorkQueue with the same leasing rules as
// the Redis backend
type MemoryQueue struct {
	mu       sync.Mutex
	name     string
	opts     Options
	ready    []string
	items    map[string]*memoryItem
	inflight map[string]time.Time
	dead     [][]byte
	notify   chan struct{}

	Now func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(name string, opts Options) *MemoryQueue {
	return &MemoryQueue{
		name:     name,
		opts:     opts.withDefaults(),
		items:    map[string]*memoryItem{},
		inflight: map[string]time.Time{},
		notify:   make(chan struct{}, 1),
		Now:      time.Now,
	}
}

// Publish appends body to the ready list
func (q *MemoryQueue) Publish(_ context.Context, body []byte) error {
	id := uuid.NewString()
	cp := append([]byte(nil), body...)

	q.mu.Lock()
	q.items[id] = &memoryItem{body: cp}
	q.ready = append(q.ready, id)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive leases up to maxBatch envelopes, waiting at most wait for the first
func (q *MemoryQueue) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Envelope, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}
	deadline := time.Now().Add(wait)

	for {
		if envs := q.tryReceive(maxBatch); len(envs) > 0 {
			return envs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(min(q.opts.PollInterval, remaining)):
		}
	}
}

func (q *MemoryQueue) tryReceive(maxBatch int) []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	for id, until := range q.inflight {
		if !now.Before(until) {
			delete(q.inflight, id)
			q.ready = append([]string{id}, q.ready...)
		}
	}

	var envs []*Envelope
	for len(envs) < maxBatch && len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		item, ok := q.items[id]
		if !ok {
			continue
		}
		item.receives++
		if item.receives > q.opts.MaxReceives {
			q.dead = append(q.dead, item.body)
			delete(q.items, id)
			continue
		}

		q.inflight[id] = now.Add(q.opts.VisibilityTimeout)
		envs = append(envs, &Envelope{
			ID:           id,
			Body:         append([]byte(nil), item.body...),
			ReceiveCount: item.receives,
			receipt:      id,
		})
	}
	return envs
}

// Ack removes the envelope permanently
func (q *MemoryQueue) Ack(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, env.ID)
	delete(q.items, env.ID)
	return nil
}

// DeadLetter moves the envelope to the dead-letter list
func (q *MemoryQueue) DeadLetter(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, env.ID)
	delete(q.items, env.ID)
	q.dead = append(q.dead, append([]byte(nil), env.Body...))
	return nil
}

// Nack leaves the lease to expire
func (q *MemoryQueue) Nack(context.Context, *Envelope) error {
	return nil
}

// Health always succeeds for the in-memory queue
func (q *MemoryQueue) Health(context.Context) error {
	return nil
}

// Close is a no-op
func (q *MemoryQueue) Close() error {
	return nil
}

// QueueLength returns the number of ready envelopes
func (q *MemoryQueue) QueueLength(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// DeadLetterLength returns the number of dead-lettered envelopes
func (q *MemoryQueue) DeadLetterLength(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}
