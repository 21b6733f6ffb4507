package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

// CampaignService handles campaign recipient management
type CampaignService interface {
	AttachRecipients(ctx context.Context, campaignID int64, req *AttachRecipientsRequest) (*AttachRecipientsResult, error)
	DailyCounter(ctx context.Context, campaignID int64, day time.Time) (*models.CampaignDailyCounter, error)
}

type campaignService struct {
	campaignRepo  repository.CampaignRepository
	customerRepo  repository.CustomerRepository
	recipientRepo repository.RecipientRepository
	templateSvc   TemplateService
	maxRetries    int
	logger        *slog.Logger

	now func() time.Time
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	customerRepo repository.CustomerRepository,
	recipientRepo repository.RecipientRepository,
	templateSvc TemplateService,
	maxRetries int,
	logger *slog.Logger,
) CampaignService {
	return &campaignService{
		campaignRepo:  campaignRepo,
		customerRepo:  customerRepo,
		recipientRepo: recipientRepo,
		templateSvc:   templateSvc,
		maxRetries:    maxRetries,
		logger:        logger,
		now:           time.Now,
	}
}

// AttachRecipients creates one pending dispatch record per customer.
// Customers already on the campaign are left untouched.
func (s *campaignService) AttachRecipients(ctx context.Context, campaignID int64, req *AttachRecipientsRequest) (*AttachRecipientsResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	campaign, err := s.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !campaign.AcceptsRecipients() {
		return nil, models.ErrConflictWithMsg(
			fmt.Sprintf("campaign with status '%s' cannot accept recipients", campaign.Status),
		)
	}

	// Fail early on a template the scheduler could never render
	if err := s.templateSvc.ValidateTemplate(campaign.BaseTemplate); err != nil {
		return nil, err
	}

	ids := slices.Clone(req.CustomerIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	customers, err := s.customerRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}

	sendDate := models.DateOf(s.now())
	if req.ScheduledSendDate != nil {
		sendDate = models.DateOf(*req.ScheduledSendDate)
	}
	// A zero request budget means unset and falls back to the configured one
	maxRetries := s.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	result := &AttachRecipientsResult{
		CampaignID:   campaignID,
		Requested:    len(ids),
		ScheduledFor: sendDate,
	}

	records := make([]*models.RecipientDispatchRecord, 0, len(ids))
	for _, id := range ids {
		customer, ok := customers[id]
		if !ok {
			result.MissingCustomers = append(result.MissingCustomers, id)
			continue
		}
		if err := customer.Validate(); err != nil {
			s.logger.Warn("customer cannot receive messages, skipping",
				slog.Int64("customer_id", id),
				slog.String("error", err.Error()),
			)
			result.MissingCustomers = append(result.MissingCustomers, id)
			continue
		}
		records = append(records, models.NewRecipientRecord(campaignID, customer, sendDate, maxRetries))
	}

	if len(records) == 0 {
		return nil, models.ErrInvalidInput("no valid customers found to attach")
	}

	attached, err := s.recipientRepo.Attach(ctx, records)
	if err != nil {
		s.logger.Error("failed to attach recipients",
			slog.Int64("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to attach recipients: %w", err)
	}

	result.Attached = attached
	result.AlreadyAttached = len(records) - attached

	s.logger.Info("recipients attached",
		slog.Int64("campaign_id", campaignID),
		slog.Int("attached", result.Attached),
		slog.Int("already_attached", result.AlreadyAttached),
		slog.Int("missing", len(result.MissingCustomers)),
	)

	return result, nil
}

// DailyCounter returns the campaign's aggregate counters for day
func (s *campaignService) DailyCounter(ctx context.Context, campaignID int64, day time.Time) (*models.CampaignDailyCounter, error) {
	if _, err := s.campaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.campaignRepo.GetDailyCounter(ctx, campaignID, day)
}
