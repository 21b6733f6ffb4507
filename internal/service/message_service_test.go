package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository/repotest"
)

type brokenQueue struct {
	*queue.MemoryQueue
}

func (brokenQueue) Publish(context.Context, []byte) error {
	return errors.New("broker unavailable")
}

func receiveOne(t *testing.T, q queue.WorkQueue) *queue.Envelope {
	t.Helper()
	envs, err := q.Receive(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	return envs[0]
}

func TestMessageService_EnqueueInbound(t *testing.T) {
	inbound := queue.NewMemoryQueue("inbound", queue.Options{})
	svc := NewMessageService(repotest.New().OutboundMessages(), inbound, queue.NewMemoryQueue("outbound", queue.Options{}), discardLogger())

	msg := &models.InboundMessage{ID: "wamid.in", From: "+254700000001", PayloadType: models.PayloadText, Content: "hi"}
	require.NoError(t, svc.EnqueueInbound(context.Background(), msg))
	assert.False(t, msg.ReceivedAt.IsZero(), "received_at defaults to now")

	var got models.InboundMessage
	require.NoError(t, json.Unmarshal(receiveOne(t, inbound).Body, &got))
	assert.Equal(t, "wamid.in", got.ID)
	assert.Equal(t, "hi", got.Content)
}

func TestMessageService_EnqueueInboundErrors(t *testing.T) {
	inbound := queue.NewMemoryQueue("inbound", queue.Options{})
	svc := NewMessageService(repotest.New().OutboundMessages(), inbound, nil, discardLogger())

	err := svc.EnqueueInbound(context.Background(), &models.InboundMessage{From: "+1", PayloadType: models.PayloadText})
	assert.True(t, models.IsPermanent(err))

	broken := NewMessageService(repotest.New().OutboundMessages(), brokenQueue{inbound}, nil, discardLogger())
	err = broken.EnqueueInbound(context.Background(), &models.InboundMessage{ID: "a", From: "+1", PayloadType: models.PayloadText})
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestMessageService_QueueReply(t *testing.T) {
	store := repotest.New()
	outbound := queue.NewMemoryQueue("outbound", queue.Options{})
	svc := NewMessageService(store.OutboundMessages(), nil, outbound, discardLogger())

	msg, err := svc.QueueReply(context.Background(), &models.OutboundReply{To: "+254700000001", Payload: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, store.Message(msg.ID).Status)

	var job models.SendJob
	require.NoError(t, json.Unmarshal(receiveOne(t, outbound).Body, &job))
	assert.Equal(t, msg.ID, job.OutboundMessageID)
}

func TestMessageService_QueueReplyInvalid(t *testing.T) {
	store := repotest.New()
	svc := NewMessageService(store.OutboundMessages(), nil, queue.NewMemoryQueue("outbound", queue.Options{}), discardLogger())

	_, err := svc.QueueReply(context.Background(), &models.OutboundReply{To: "+1", Payload: strings.Repeat("x", models.MaxPayloadLength+1)})

	assert.True(t, models.IsPermanent(err))
	assert.Empty(t, store.Messages())
}

func TestMessageService_QueueReplyPublishFailureMarksFailed(t *testing.T) {
	store := repotest.New()
	svc := NewMessageService(store.OutboundMessages(), nil, brokenQueue{queue.NewMemoryQueue("outbound", queue.Options{})}, discardLogger())

	_, err := svc.QueueReply(context.Background(), &models.OutboundReply{To: "+1", Payload: "thanks"})
	assert.ErrorIs(t, err, models.ErrTransient)

	messages := store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusFailed, messages[0].Status, "no message is left queued without a job")
}
