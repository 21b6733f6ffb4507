package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/repository/repotest"
)

var sentAt = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedSent stores a sent campaign message and its recipient record sharing providerID
func seedSent(store *repotest.Store, providerID string) (messageID, recipientID int64) {
	campaignID := store.AddCampaign(models.Campaign{
		Name: "launch", Channel: models.ChannelWhatsApp, Status: models.CampaignStatusSending,
		BaseTemplate: "hi", DailySendLimit: 10,
	})
	at := sentAt
	recipientID = store.AddRecipient(models.RecipientDispatchRecord{
		CampaignID:        campaignID,
		CustomerID:        1,
		Address:           "+254700000001",
		DeliveryState:     models.DeliveryState{Status: models.StatusSent, SentAt: &at},
		ScheduledSendDate: models.DateOf(sentAt),
		QueuedAt:          &at,
		ProviderMessageID: &providerID,
	})
	messageID = store.AddMessage(models.OutboundMessage{
		CampaignID:        &campaignID,
		RecipientID:       &recipientID,
		ProviderMessageID: &providerID,
		To:                "+254700000001",
		Payload:           "hi",
		DeliveryState:     models.DeliveryState{Status: models.StatusSent, SentAt: &at},
	})
	return messageID, recipientID
}

func notification(status models.DeliveryStatus, offset time.Duration) models.StatusNotification {
	return models.StatusNotification{ProviderMessageID: "wamid.1", Status: status, Timestamp: sentAt.Add(offset)}
}

func TestStatusService_ReconcilesBothRecords(t *testing.T) {
	store := repotest.New()
	messageID, recipientID := seedSent(store, "wamid.1")
	svc := NewStatusService(store.OutboundMessages(), true, discardLogger())

	outcome, err := svc.Reconcile(context.Background(), notification(models.StatusRead, 5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome)

	msg := store.Message(messageID)
	assert.Equal(t, models.StatusRead, msg.Status)
	require.NotNil(t, msg.DeliveredAt, "delivered is backfilled")

	rec := store.Recipient(recipientID)
	assert.Equal(t, models.StatusRead, rec.Status)
	require.NotNil(t, rec.ReadAt)
}

func TestStatusService_OutOfOrderNeverRegresses(t *testing.T) {
	store := repotest.New()
	messageID, _ := seedSent(store, "wamid.1")
	svc := NewStatusService(store.OutboundMessages(), false, discardLogger())
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, notification(models.StatusRead, 5*time.Minute))
	require.NoError(t, err)

	outcome, err := svc.Reconcile(ctx, notification(models.StatusDelivered, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRegression, outcome)

	msg := store.Message(messageID)
	assert.Equal(t, models.StatusRead, msg.Status)
	assert.Nil(t, msg.DeliveredAt)
}

func TestStatusService_DuplicateIsNoop(t *testing.T) {
	store := repotest.New()
	seedSent(store, "wamid.1")
	svc := NewStatusService(store.OutboundMessages(), true, discardLogger())
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, notification(models.StatusDelivered, time.Minute))
	require.NoError(t, err)

	outcome, err := svc.Reconcile(ctx, notification(models.StatusDelivered, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, outcome)
}

func TestStatusService_FailureSpendsRetryAndCounts(t *testing.T) {
	store := repotest.New()
	messageID, recipientID := seedSent(store, "wamid.1")
	svc := NewStatusService(store.OutboundMessages(), true, discardLogger())
	ctx := context.Background()

	n := notification(models.StatusFailed, time.Minute)
	n.Error = &models.ProviderError{Code: "131047", Title: "Re-engagement message"}
	outcome, err := svc.Reconcile(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome)

	msg := store.Message(messageID)
	assert.Equal(t, models.StatusFailed, msg.Status)
	require.NotNil(t, msg.FailureReason)
	assert.Equal(t, "131047: Re-engagement message", *msg.FailureReason)

	rec := store.Recipient(recipientID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, int64(1), store.Counter(rec.CampaignID, sentAt).MessagesFailed)

	_, err = svc.Reconcile(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Recipient(recipientID).RetryCount)
	assert.Equal(t, int64(1), store.Counter(rec.CampaignID, sentAt).MessagesFailed)
}

func TestStatusService_UnknownProviderIDIgnored(t *testing.T) {
	svc := NewStatusService(repotest.New().OutboundMessages(), true, discardLogger())

	outcome, err := svc.Reconcile(context.Background(), notification(models.StatusDelivered, 0))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, outcome)
}

func TestStatusService_InvalidNotificationRejected(t *testing.T) {
	store := repotest.New()
	seedSent(store, "wamid.1")
	svc := NewStatusService(store.OutboundMessages(), true, discardLogger())

	_, err := svc.Reconcile(context.Background(), notification(models.StatusQueued, 0))

	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
}

func TestStatusService_StoreErrorPropagates(t *testing.T) {
	store := repotest.New()
	seedSent(store, "wamid.1")
	store.SetErr(models.Transient("lock message", assert.AnError))
	svc := NewStatusService(store.OutboundMessages(), true, discardLogger())

	_, err := svc.Reconcile(context.Background(), notification(models.StatusDelivered, 0))

	assert.ErrorIs(t, err, models.ErrTransient)
}
