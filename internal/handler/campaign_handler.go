package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/service"
)

// CampaignHandler handles campaign recipient HTTP requests
type CampaignHandler struct {
	campaignService service.CampaignService
	logger          *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService service.CampaignService, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		logger:          logger,
	}
}

// AttachRecipients handles POST /campaigns/{id}/recipients
func (h *CampaignHandler) AttachRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	var req service.AttachRecipientsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	result, err := h.campaignService.AttachRecipients(r.Context(), id, &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, result)
}

// DailyCounter handles GET /campaigns/{id}/counters?day=YYYY-MM-DD
func (h *CampaignHandler) DailyCounter(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	day := models.DateOf(time.Now().UTC())
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, models.CodeInvalidInput, "day must be formatted as YYYY-MM-DD")
			return
		}
		day = parsed
	}

	counter, err := h.campaignService.DailyCounter(r.Context(), id, day)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, counter)
}

func campaignID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ErrInvalidInput("invalid campaign ID")
	}
	return id, nil
}
