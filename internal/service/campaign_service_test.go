package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/repository/repotest"
)

func newCampaignService(store *repotest.Store) CampaignService {
	return NewCampaignService(
		store.Campaigns(),
		store.Customers(),
		store.Recipients(),
		NewTemplateService(),
		models.DefaultMaxRetries,
		discardLogger(),
	)
}

func addCampaign(store *repotest.Store, status, template string) int64 {
	return store.AddCampaign(models.Campaign{
		Name: "launch", Channel: models.ChannelSMS, Status: status,
		BaseTemplate: template, DailySendLimit: 100,
	})
}

func TestCampaignService_AttachRecipients(t *testing.T) {
	store := repotest.New()
	svc := newCampaignService(store)
	campaignID := addCampaign(store, models.CampaignStatusScheduled, "Hi {first_name}")
	c1 := store.AddCustomer(models.Customer{Phone: "+254700000001", FirstName: "Amina"})
	c2 := store.AddCustomer(models.Customer{Phone: "+254700000002"})
	noPhone := store.AddCustomer(models.Customer{FirstName: "Ghost"})

	sendDate := time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)
	result, err := svc.AttachRecipients(context.Background(), campaignID, &AttachRecipientsRequest{
		CustomerIDs:       []int64{c2, c1, c1, noPhone},
		ScheduledSendDate: &sendDate,
		MaxRetries:        5,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Requested)
	assert.Equal(t, 2, result.Attached)
	assert.Equal(t, []int64{noPhone}, result.MissingCustomers)
	assert.True(t, result.ScheduledFor.Equal(models.DateOf(sendDate)))

	// Recipient ids follow the customer seeds
	rec := store.Recipient(noPhone + 1)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 5, rec.MaxRetries)
	assert.True(t, rec.ScheduledSendDate.Equal(models.DateOf(sendDate)))
}

func TestCampaignService_AttachHonoursConfiguredRetryBudget(t *testing.T) {
	tests := []struct {
		name       string
		configured int
		requested  int
		want       int
	}{
		{name: "retries disabled", configured: 0, want: 0},
		{name: "configured budget", configured: 2, want: 2},
		{name: "request overrides", configured: 0, requested: 4, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repotest.New()
			svc := NewCampaignService(store.Campaigns(), store.Customers(), store.Recipients(), NewTemplateService(), tt.configured, discardLogger())
			campaignID := addCampaign(store, models.CampaignStatusScheduled, "Hi")
			customer := store.AddCustomer(models.Customer{Phone: "+254700000001"})

			_, err := svc.AttachRecipients(context.Background(), campaignID, &AttachRecipientsRequest{
				CustomerIDs: []int64{customer},
				MaxRetries:  tt.requested,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, store.Recipient(customer+1).MaxRetries)
		})
	}
}

func TestCampaignService_AttachIsIdempotent(t *testing.T) {
	store := repotest.New()
	svc := newCampaignService(store)
	campaignID := addCampaign(store, models.CampaignStatusDraft, "Hi")
	c1 := store.AddCustomer(models.Customer{Phone: "+254700000001"})
	req := &AttachRecipientsRequest{CustomerIDs: []int64{c1}}

	_, err := svc.AttachRecipients(context.Background(), campaignID, req)
	require.NoError(t, err)

	result, err := svc.AttachRecipients(context.Background(), campaignID, req)
	require.NoError(t, err)
	assert.Zero(t, result.Attached)
	assert.Equal(t, 1, result.AlreadyAttached)
}

func TestCampaignService_AttachErrors(t *testing.T) {
	store := repotest.New()
	svc := newCampaignService(store)
	customer := store.AddCustomer(models.Customer{Phone: "+254700000001"})
	finished := addCampaign(store, models.CampaignStatusSent, "Hi")
	badTemplate := addCampaign(store, models.CampaignStatusScheduled, "Hi {nickname}")
	open := addCampaign(store, models.CampaignStatusScheduled, "Hi")

	tests := []struct {
		name       string
		campaignID int64
		ids        []int64
		check      func(t *testing.T, err error)
	}{
		{name: "empty request", campaignID: open, ids: nil, check: func(t *testing.T, err error) {
			assert.True(t, models.IsPermanent(err))
		}},
		{name: "unknown campaign", campaignID: 4242, ids: []int64{customer}, check: func(t *testing.T, err error) {
			assert.ErrorIs(t, err, models.ErrNotFound)
		}},
		{name: "finished campaign", campaignID: finished, ids: []int64{customer}, check: func(t *testing.T, err error) {
			assert.ErrorIs(t, err, models.ErrConflict)
		}},
		{name: "unrenderable template", campaignID: badTemplate, ids: []int64{customer}, check: func(t *testing.T, err error) {
			assert.True(t, models.IsPermanent(err))
		}},
		{name: "no known customers", campaignID: open, ids: []int64{9999}, check: func(t *testing.T, err error) {
			assert.True(t, models.IsPermanent(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AttachRecipients(context.Background(), tt.campaignID, &AttachRecipientsRequest{CustomerIDs: tt.ids})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCampaignService_AttachStoreError(t *testing.T) {
	store := repotest.New()
	svc := newCampaignService(store)
	campaignID := addCampaign(store, models.CampaignStatusScheduled, "Hi")
	customer := store.AddCustomer(models.Customer{Phone: "+254700000001"})
	store.SetErr(errors.New("connection refused"))

	_, err := svc.AttachRecipients(context.Background(), campaignID, &AttachRecipientsRequest{CustomerIDs: []int64{customer}})

	assert.Error(t, err)
}

func TestCampaignService_DailyCounter(t *testing.T) {
	store := repotest.New()
	svc := newCampaignService(store)
	campaignID := addCampaign(store, models.CampaignStatusSending, "Hi")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	counter, err := svc.DailyCounter(context.Background(), campaignID, day)
	require.NoError(t, err)
	assert.Equal(t, campaignID, counter.CampaignID)

	_, err = svc.DailyCounter(context.Background(), 4242, day)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
