package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
)

// queuedMessage seeds a queued message for a queued recipient
func (p *pipeline) queuedMessage(payload string) (messageID, recipientID int64) {
	campaign := p.addCampaign(10)
	queuedAt := p.clock
	recipientID = p.addRecipient(campaign.ID, func(r *models.RecipientDispatchRecord) {
		r.Status = models.StatusQueued
		r.QueuedAt = &queuedAt
	})
	rec := p.store.Recipient(recipientID)
	messageID = p.store.AddMessage(models.OutboundMessage{
		CampaignID:    &campaign.ID,
		RecipientID:   &recipientID,
		To:            rec.Address,
		Payload:       payload,
		DeliveryState: models.DeliveryState{Status: models.StatusQueued},
	})
	return messageID, recipientID
}

func (p *pipeline) publishJob(t *testing.T, messageID int64) {
	t.Helper()
	require.NoError(t, queue.PublishJSON(context.Background(), p.outbound, models.SendJob{OutboundMessageID: messageID}))
}

func TestOutboundProcessor_Success(t *testing.T) {
	p := newPipeline(t)
	messageID, recipientID := p.queuedMessage("hello")
	p.publishJob(t, messageID)

	require.Equal(t, 1, p.drainOutbound(t))

	msg := p.store.Message(messageID)
	assert.Equal(t, models.StatusSent, msg.Status)
	require.NotNil(t, msg.ProviderMessageID)
	assert.Equal(t, "prov-1", *msg.ProviderMessageID)
	require.NotNil(t, msg.SentAt)
	assert.True(t, msg.SentAt.Equal(day1))

	rec := p.store.Recipient(recipientID)
	assert.Equal(t, models.StatusSent, rec.Status)
	require.NotNil(t, rec.ProviderMessageID)
	assert.Equal(t, "prov-1", *rec.ProviderMessageID)
}

func TestOutboundProcessor_SendFailureIsRecordedAndAcked(t *testing.T) {
	p := newPipeline(t)
	messageID, recipientID := p.queuedMessage("hello")
	p.sender.results = []error{fmt.Errorf("provider timeout")}
	p.publishJob(t, messageID)

	require.Equal(t, 1, p.drainOutbound(t))

	msg := p.store.Message(messageID)
	assert.Equal(t, models.StatusFailed, msg.Status)
	require.NotNil(t, msg.FailureReason)
	assert.Equal(t, "provider timeout", *msg.FailureReason)

	rec := p.store.Recipient(recipientID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)

	depth, err := p.outbound.QueueLength(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestOutboundProcessor_InvalidPayloadFailsPermanently(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty payload", payload: "   "},
		{name: "oversized payload", payload: strings.Repeat("x", models.MaxPayloadLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			messageID, recipientID := p.queuedMessage(tt.payload)
			p.publishJob(t, messageID)

			p.drainOutbound(t)

			assert.Zero(t, p.sender.callCount())
			assert.Equal(t, models.StatusFailed, p.store.Message(messageID).Status)
			rec := p.store.Recipient(recipientID)
			assert.Equal(t, models.StatusFailed, rec.Status)
			assert.Equal(t, rec.MaxRetries, rec.RetryCount)
			assert.False(t, rec.IsRetryEligible())
		})
	}
}

func TestOutboundProcessor_ProviderRejectionFailsPermanently(t *testing.T) {
	p := newPipeline(t)
	messageID, recipientID := p.queuedMessage("hello")
	p.sender.results = []error{models.ErrInvalidInput("invalid recipient address")}
	p.publishJob(t, messageID)

	p.drainOutbound(t)

	rec := p.store.Recipient(recipientID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, rec.MaxRetries, rec.RetryCount)
}

func TestOutboundProcessor_DuplicateJobsSendOnce(t *testing.T) {
	p := newPipeline(t)
	messageID, _ := p.queuedMessage("hello")
	p.publishJob(t, messageID)
	p.publishJob(t, messageID)
	p.publishJob(t, messageID)

	assert.Equal(t, 3, p.drainOutbound(t))
	assert.Equal(t, 1, p.sender.callCount())
}

func TestOutboundProcessor_AlreadySentIsSkipped(t *testing.T) {
	p := newPipeline(t)
	messageID, _ := p.queuedMessage("hello")
	p.publishJob(t, messageID)
	p.drainOutbound(t)

	// A fresh claim store stands in for an expired dedup window
	p.processor.claims = newPipeline(t).claims
	p.publishJob(t, messageID)
	p.drainOutbound(t)

	assert.Equal(t, 1, p.sender.callCount())
}

func TestOutboundProcessor_UnknownMessageIsAcked(t *testing.T) {
	p := newPipeline(t)
	p.publishJob(t, 4242)

	assert.Equal(t, 1, p.drainOutbound(t))
	assert.Zero(t, p.sender.callCount())
	depth, err := p.outbound.QueueLength(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestOutboundProcessor_StoreErrorReleasesClaim(t *testing.T) {
	p := newPipeline(t)
	messageID, _ := p.queuedMessage("hello")
	body := []byte(fmt.Sprintf(`{"outbound_message_id":%d}`, messageID))

	p.store.SetErr(assert.AnError)
	err := p.processor.Handle(context.Background(), &queue.Envelope{ID: "e1", Body: body, ReceiveCount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.False(t, queue.IsRejected(err))

	p.store.SetErr(nil)
	err = p.processor.Handle(context.Background(), &queue.Envelope{ID: "e1", Body: body, ReceiveCount: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, p.store.Message(messageID).Status)
}

func TestOutboundProcessor_ClaimStoreDownFailsClosed(t *testing.T) {
	p := newPipeline(t)
	messageID, _ := p.queuedMessage("hello")
	p.processor.claims = failingClaims{}

	body := []byte(fmt.Sprintf(`{"outbound_message_id":%d}`, messageID))
	err := p.processor.Handle(context.Background(), &queue.Envelope{ID: "e1", Body: body, ReceiveCount: 1})

	require.Error(t, err)
	assert.Zero(t, p.sender.callCount())
	assert.Equal(t, models.StatusQueued, p.store.Message(messageID).Status)
}

func TestOutboundProcessor_MalformedJobIsRejected(t *testing.T) {
	p := newPipeline(t)

	for _, body := range []string{`not json`, `{"outbound_message_id":0}`} {
		err := p.processor.Handle(context.Background(), &queue.Envelope{ID: "e1", Body: []byte(body), ReceiveCount: 1})
		assert.True(t, queue.IsRejected(err), body)
	}
}

func TestOutboundProcessor_RejectedJobIsDeadLettered(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.outbound.Publish(context.Background(), []byte(`garbage`)))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = queue.Consume(ctx, p.outbound, p.processor.Handle, queue.ConsumerConfig{
		Name: "outbound", Concurrency: 1, Wait: 50 * time.Millisecond,
	}, discardLogger())

	dead, err := p.outbound.DeadLetterLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestMockSender(t *testing.T) {
	sender := NewMockSender(1.0)

	id, err := sender.Send(context.Background(), "+254700000001", "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "wamid."))

	_, err = sender.Send(context.Background(), "not-a-number", "hello")
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sender.Send(ctx, "+254700000001", "hello")
	assert.ErrorIs(t, err, context.Canceled)
}
