package httpx

import (
	"net/http"
	"strings"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
)

const (
	defaultWebhookListLimit = 50
	maxWebhookListLimit     = 500
)

// WebhookHandlers provides HTTP handlers for tenant webhooks and their delivery log.
type WebhookHandlers struct {
	Svc *service.WebhookService
}

// Create registers a webhook. The secret is write-only.
func (h *WebhookHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWebhookRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFrom(r)
	}

	wh, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err, "create_failed")
		return
	}
	WriteJSON(w, http.StatusCreated, wh)
}

// List handles HTTP requests to list a tenant's webhooks.
func (h *WebhookHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultWebhookListLimit, maxWebhookListLimit)

	hooks, err := h.Svc.List(r.Context(), tenantFrom(r), limit, offset)
	if err != nil {
		WriteServiceError(w, err, "list_failed")
		return
	}
	if hooks == nil {
		hooks = []*model.Webhook{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"webhooks": hooks,
		"limit":    limit,
		"offset":   offset,
	})
}

// Get handles HTTP requests to get a webhook by ID.
func (h *WebhookHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}

	wh, err := h.Svc.Get(r.Context(), id, tenantFrom(r))
	if err != nil {
		WriteServiceError(w, err, "get_failed")
		return
	}
	WriteJSON(w, http.StatusOK, wh)
}

// Update handles partial updates of target_url, active and payload_expression.
func (h *WebhookHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}

	var req model.UpdateWebhookRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	wh, err := h.Svc.Update(r.Context(), id, tenantFrom(r), &req)
	if err != nil {
		WriteServiceError(w, err, "update_failed")
		return
	}
	WriteJSON(w, http.StatusOK, wh)
}

// Delete handles HTTP requests to delete a webhook.
func (h *WebhookHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.Svc.Delete(r.Context(), id, tenantFrom(r)); err != nil {
		WriteServiceError(w, err, "delete_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliveries returns a webhook's delivery log, optionally filtered by status or job.
func (h *WebhookHandlers) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := ParseLimitOffset(r, defaultWebhookListLimit, maxWebhookListLimit)
	opts := model.DeliveryListOptions{
		JobID:  strings.TrimSpace(r.URL.Query().Get("job_id")),
		Limit:  limit,
		Offset: offset,
	}
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		st := model.DeliveryStatus(strings.ToLower(v))
		opts.Status = &st
	}

	deliveries, err := h.Svc.ListDeliveries(r.Context(), id, tenantFrom(r), opts)
	if err != nil {
		WriteServiceError(w, err, "list_deliveries_failed")
		return
	}
	if deliveries == nil {
		deliveries = []*model.WebhookDelivery{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"limit":      limit,
		"offset":     offset,
	})
}
