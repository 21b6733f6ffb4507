package handler

import (
	"log/slog"
	"net/http"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/service"
)

// WebhookHandler receives provider callbacks
type WebhookHandler struct {
	statusService  service.StatusService
	messageService service.MessageService
	logger         *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(statusService service.StatusService, messageService service.MessageService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		statusService:  statusService,
		messageService: messageService,
		logger:         logger,
	}
}

// statusWebhookRequest accepts a single notification or a batch under "statuses"
type statusWebhookRequest struct {
	models.StatusNotification
	Statuses []models.StatusNotification `json:"statuses,omitempty"`
}

// StatusResult reports what reconciling one notification did
type StatusResult struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Outcome           string `json:"outcome"`
}

// StatusWebhookResponse is the body returned for a status webhook
type StatusWebhookResponse struct {
	Results []StatusResult `json:"results"`
}

// InboundWebhookResponse is the body returned once an inbound event is queued
type InboundWebhookResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Status handles POST /webhooks/status
func (h *WebhookHandler) Status(w http.ResponseWriter, r *http.Request) {
	var req statusWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	notifications := req.Statuses
	if len(notifications) == 0 {
		notifications = []models.StatusNotification{req.StatusNotification}
	}

	// Reject the whole batch before applying any of it
	for i := range notifications {
		if err := notifications[i].Validate(); err != nil {
			handleError(w, err, h.logger)
			return
		}
	}

	response := StatusWebhookResponse{Results: make([]StatusResult, 0, len(notifications))}
	for _, n := range notifications {
		outcome, err := h.statusService.Reconcile(r.Context(), n)
		if err != nil {
			handleError(w, err, h.logger)
			return
		}
		response.Results = append(response.Results, StatusResult{
			ProviderMessageID: n.ProviderMessageID,
			Status:            n.Status.String(),
			Outcome:           outcome.String(),
		})
	}

	respondSuccess(w, response)
}

// Inbound handles POST /webhooks/inbound
func (h *WebhookHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	var message models.InboundMessage
	if err := decodeJSON(w, r, &message); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	if err := h.messageService.EnqueueInbound(r.Context(), &message); err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondAccepted(w, InboundWebhookResponse{ID: message.ID, Status: "queued"})
}
