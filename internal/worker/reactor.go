package worker

import (
	"context"
	"strings"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// Reactor decides how to answer a persisted inbound message. A nil reply
// means no answer is sent.
type Reactor interface {
	React(ctx context.Context, message *models.InboundMessage) (*models.OutboundReply, error)
}

// ReactorFunc adapts a function to Reactor
type ReactorFunc func(ctx context.Context, message *models.InboundMessage) (*models.OutboundReply, error)

// React calls f
func (f ReactorFunc) React(ctx context.Context, message *models.InboundMessage) (*models.OutboundReply, error) {
	return f(ctx, message)
}

// NoopReactor never replies
var NoopReactor = ReactorFunc(func(context.Context, *models.InboundMessage) (*models.OutboundReply, error) {
	return nil, nil
})

// EchoReactor answers text messages with prefix followed by the received text
func EchoReactor(prefix string) Reactor {
	return ReactorFunc(func(_ context.Context, message *models.InboundMessage) (*models.OutboundReply, error) {
		if message.PayloadType != models.PayloadText {
			return nil, nil
		}
		text := strings.TrimSpace(message.Content)
		if text == "" {
			return nil, nil
		}

		payload := prefix + text
		if len(payload) > models.MaxPayloadLength {
			payload = payload[:models.MaxPayloadLength]
		}
		return &models.OutboundReply{To: message.From, Payload: payload}, nil
	})
}
