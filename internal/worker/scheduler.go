package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/queue"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
	"github.com/Raymond9734/messaging-pipeline/internal/service"
)

// DispatchScheduler periodically selects today's recipients for every active
// campaign within its daily send limit and enqueues their send jobs
type DispatchScheduler struct {
	campaignRepo  repository.CampaignRepository
	customerRepo  repository.CustomerRepository
	recipientRepo repository.RecipientRepository
	templates     service.TemplateService
	outbound      queue.WorkQueue
	schedule      string
	loc           *time.Location
	logger        *slog.Logger

	now func() time.Time
}

// NewDispatchScheduler creates a scheduler running on the cron expression
// schedule, with calendar days evaluated in loc
func NewDispatchScheduler(
	campaignRepo repository.CampaignRepository,
	customerRepo repository.CustomerRepository,
	recipientRepo repository.RecipientRepository,
	templates service.TemplateService,
	outbound queue.WorkQueue,
	schedule string,
	loc *time.Location,
	logger *slog.Logger,
) *DispatchScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &DispatchScheduler{
		campaignRepo:  campaignRepo,
		customerRepo:  customerRepo,
		recipientRepo: recipientRepo,
		templates:     templates,
		outbound:      outbound,
		schedule:      schedule,
		loc:           loc,
		logger:        logger,
		now:           time.Now,
	}
}

// cronLogger routes cron's own logging through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

// Start runs one dispatch immediately and then on every schedule tick.
// Overlapping ticks are skipped. The returned function stops the scheduler
// and waits for a running dispatch to finish.
func (s *DispatchScheduler) Start(parent context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(parent)

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	// Both entries share one wrapper so the initial run never overlaps a tick
	job := cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("dispatch run failed", slog.String("error", err.Error()))
		}
	}))
	if _, err := c.AddJob(s.schedule, job); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid dispatch schedule %q: %w", s.schedule, err)
	}

	c.Start()
	c.Schedule(&onceSchedule{}, job)

	s.logger.Info("dispatch scheduler started",
		slog.String("schedule", s.schedule),
		slog.String("timezone", s.loc.String()),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("dispatch scheduler stopped")
	}, nil
}

// onceSchedule fires a single time, right away. cron treats a zero Next as
// never.
type onceSchedule struct {
	fired bool
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	if o.fired {
		return time.Time{}
	}
	o.fired = true
	return t
}

// RunOnce dispatches every active campaign. A failing campaign is logged and
// does not stop the others.
func (s *DispatchScheduler) RunOnce(ctx context.Context) error {
	campaigns, err := s.campaignRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}

	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.DispatchCampaign(ctx, campaign); err != nil {
			metrics.DispatchRuns.WithLabelValues("error").Inc()
			s.logger.Error("failed to dispatch campaign",
				slog.Int64("campaign_id", campaign.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.DispatchRuns.WithLabelValues("ok").Inc()
	}
	return nil
}

type dispatchedJob struct {
	recipientID int64
	messageID   int64
}

// DispatchCampaign selects and enqueues today's batch for one campaign
func (s *DispatchScheduler) DispatchCampaign(ctx context.Context, campaign *models.Campaign) (*models.DispatchPlan, error) {
	now := s.now()
	day := models.DateOf(now.In(s.loc))
	dayStart, dayEnd := models.DayWindow(now, s.loc)

	var (
		plan *models.DispatchPlan
		jobs []dispatchedJob
	)

	err := s.recipientRepo.Dispatch(ctx, campaign.ID, func(tx repository.DispatchTx) error {
		jobs = nil

		dispatched, err := tx.CountDispatched(ctx, campaign.ID, dayStart, dayEnd)
		if err != nil {
			return fmt.Errorf("failed to count dispatched messages: %w", err)
		}

		capacity := models.RemainingCapacity(campaign.DailySendLimit, dispatched)
		plan = &models.DispatchPlan{CampaignID: campaign.ID, Day: day, Capacity: capacity}
		if capacity == 0 {
			return nil
		}

		due, err := tx.ListDue(ctx, campaign.ID, day, capacity)
		if err != nil {
			return fmt.Errorf("failed to list due recipients: %w", err)
		}
		var retries []*models.RecipientDispatchRecord
		if len(due) < capacity {
			retries, err = tx.ListRetryEligible(ctx, campaign.ID, capacity-len(due))
			if err != nil {
				return fmt.Errorf("failed to list retry recipients: %w", err)
			}
		}

		plan.Selections = models.PlanDispatch(capacity, due, retries)
		if len(plan.Selections) == 0 {
			return nil
		}

		customerIDs := make([]int64, 0, len(plan.Selections))
		for _, sel := range plan.Selections {
			customerIDs = append(customerIDs, sel.Record.CustomerID)
		}
		customers, err := s.customerRepo.GetByIDs(ctx, customerIDs)
		if err != nil {
			return fmt.Errorf("failed to load customers: %w", err)
		}

		for _, sel := range plan.Selections {
			job, err := s.enqueueSelection(ctx, tx, campaign, sel, customers[sel.Record.CustomerID], day, now)
			if err != nil {
				return err
			}
			if job != nil {
				jobs = append(jobs, *job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	published := s.publish(ctx, jobs)

	if published > 0 && campaign.Status == models.CampaignStatusScheduled {
		if err := s.campaignRepo.UpdateStatus(ctx, campaign.ID, models.CampaignStatusSending); err != nil {
			s.logger.Warn("failed to mark campaign sending",
				slog.Int64("campaign_id", campaign.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.DispatchSelected.WithLabelValues("scheduled").Add(float64(plan.Scheduled()))
	metrics.DispatchSelected.WithLabelValues("retry").Add(float64(plan.Retries()))

	s.logger.Info("campaign dispatched",
		slog.Int64("campaign_id", campaign.ID),
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("capacity", plan.Capacity),
		slog.Int("scheduled", plan.Scheduled()),
		slog.Int("retries", plan.Retries()),
		slog.Int("published", published),
	)
	return plan, nil
}

// enqueueSelection creates the queued message for one selection. A recipient
// whose payload cannot be rendered is failed permanently and gets no job.
func (s *DispatchScheduler) enqueueSelection(
	ctx context.Context,
	tx repository.DispatchTx,
	campaign *models.Campaign,
	sel models.DispatchSelection,
	customer *models.Customer,
	day, now time.Time,
) (*dispatchedJob, error) {
	rec := sel.Record
	from := rec.Status

	if sel.Retry {
		rec.ResetForRetry(day)
	}

	payload, err := s.renderPayload(campaign, customer)
	if err != nil {
		s.logger.Warn("recipient cannot be rendered, failing permanently",
			slog.Int64("campaign_id", campaign.ID),
			slog.Int64("recipient_id", rec.ID),
			slog.String("error", err.Error()),
		)
		rec.MarkPermanentlyFailed(now, err.Error())
		if err := tx.SaveRecipient(ctx, rec, from); err != nil {
			return nil, fmt.Errorf("failed to save recipient %d: %w", rec.ID, err)
		}
		return nil, nil
	}

	message := models.NewQueuedMessage(rec.Address, payload)
	message.CampaignID = &campaign.ID
	message.RecipientID = &rec.ID
	if err := tx.CreateOutbound(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create outbound message for recipient %d: %w", rec.ID, err)
	}

	rec.MarkQueued(now, day)
	if err := tx.SaveRecipient(ctx, rec, from); err != nil {
		return nil, fmt.Errorf("failed to save recipient %d: %w", rec.ID, err)
	}
	return &dispatchedJob{recipientID: rec.ID, messageID: message.ID}, nil
}

func (s *DispatchScheduler) renderPayload(campaign *models.Campaign, customer *models.Customer) (string, error) {
	if customer == nil {
		return "", models.ErrInvalidInput("customer no longer exists")
	}
	return s.templates.Render(campaign.BaseTemplate, customer)
}

// publish sends one job per dispatched record. A record whose job cannot be
// published is put back to pending for the next run.
func (s *DispatchScheduler) publish(ctx context.Context, jobs []dispatchedJob) int {
	published := 0
	for _, job := range jobs {
		err := queue.PublishJSON(ctx, s.outbound, models.SendJob{OutboundMessageID: job.messageID})
		if err == nil {
			published++
			continue
		}

		s.logger.Error("failed to publish send job, reverting recipient",
			slog.Int64("recipient_id", job.recipientID),
			slog.Int64("message_id", job.messageID),
			slog.String("error", err.Error()),
		)
		if revErr := s.recipientRepo.RevertDispatch(ctx, job.recipientID, job.messageID); revErr != nil {
			s.logger.Error("failed to revert recipient",
				slog.Int64("recipient_id", job.recipientID),
				slog.String("error", revErr.Error()),
			)
		}
	}
	return published
}
