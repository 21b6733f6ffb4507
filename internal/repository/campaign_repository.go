package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

// CampaignRepository defines the interface for campaign data access
type CampaignRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	ListActive(ctx context.Context) ([]*models.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	GetDailyCounter(ctx context.Context, id int64, day time.Time) (*models.CampaignDailyCounter, error)
}

// campaignRepository implements CampaignRepository using PostgreSQL
type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sql.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `id, name, channel, status, base_template, daily_send_limit, created_at`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaign.Channel,
		&campaign.Status,
		&campaign.BaseTemplate,
		&campaign.DailySendLimit,
		&campaign.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return campaign, nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// ListActive returns campaigns the dispatch scheduler should process
func (r *campaignRepository) ListActive(ctx context.Context) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status IN ($1, $2)
		ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, models.CampaignStatusScheduled, models.CampaignStatusSending)
	if err != nil {
		return nil, models.Transient("list active campaigns", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, nil
}

// UpdateStatus updates the status of a campaign
func (r *campaignRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	if !models.IsValidCampaignStatus(status) {
		return models.ErrInvalidInput(fmt.Sprintf("invalid status: %s", status))
	}

	result, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}

	return nil
}

// GetDailyCounter returns the campaign's counters for day; a day with no
// activity yields zero counts
func (r *campaignRepository) GetDailyCounter(ctx context.Context, id int64, day time.Time) (*models.CampaignDailyCounter, error) {
	counter := &models.CampaignDailyCounter{CampaignID: id, Day: models.DateOf(day)}

	query := `
		SELECT messages_sent, messages_pending, messages_failed
		FROM campaign_daily_counters
		WHERE campaign_id = $1 AND day = $2`

	err := r.db.QueryRowContext(ctx, query, id, counter.Day).Scan(
		&counter.MessagesSent,
		&counter.MessagesPending,
		&counter.MessagesFailed,
	)
	if err == sql.ErrNoRows {
		return counter, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily counter: %w", err)
	}

	return counter, nil
}
