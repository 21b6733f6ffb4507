package worker

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// MessageSender hands a payload to the messaging provider and returns the
// provider's message id. An error for which models.IsPermanent holds means
// the provider rejected the message outright.
type MessageSender interface {
	Send(ctx context.Context, to, payload string) (string, error)
}

var addressPattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// mockSender simulates a provider with a configurable success rate
type mockSender struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewMockSender creates a new mock message sender
// successRate: probability of success (0.0 to 1.0), default 0.92 (92%)
func NewMockSender(successRate float64) MessageSender {
	if successRate <= 0 || successRate > 1.0 {
		successRate = 0.92
	}

	return &mockSender{
		successRate: successRate,
		minDelay:    50 * time.Millisecond,
		maxDelay:    200 * time.Millisecond,
	}
}

// Send simulates a provider call
func (s *mockSender) Send(ctx context.Context, to, payload string) (string, error) {
	if !addressPattern.MatchString(to) {
		return "", models.ErrInvalidInput(fmt.Sprintf("invalid recipient address %q", to))
	}

	delay := s.minDelay
	if s.maxDelay > s.minDelay {
		delay += time.Duration(rand.Int63n(int64(s.maxDelay - s.minDelay)))
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if rand.Float64() > s.successRate {
		return "", fmt.Errorf("mock sender failed: simulated network error")
	}

	return "wamid." + uuid.NewString(), nil
}
