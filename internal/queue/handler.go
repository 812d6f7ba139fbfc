package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Handler serves the operator queue API.
type Handler struct {
	router *Router
	logger *logging.Logger
}

func NewHandler(router *Router, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{router: router, logger: logger}
}

// Routes mounts GET /queue and the item actions.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/queue", h.List)
	r.Post("/queue/{id}/send", h.Send)
	r.Post("/queue/{id}/return", h.Return)
	r.Post("/queue/{id}/dismiss", h.Dismiss)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	queueType := conversation.QueueType(r.URL.Query().Get("type"))
	items, err := h.router.List(r.Context(), tenantID, queueType, limit)
	if err != nil {
		h.logger.Error("failed to list queue", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type actionRequest struct {
	Text       string `json:"text,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(req actionRequest, tenantID, id string) (*Item, error) {
		return h.router.Send(r.Context(), tenantID, id, req.Text, req.ResolvedBy)
	})
}

func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(req actionRequest, tenantID, id string) (*Item, error) {
		return h.router.ReturnToAgent(r.Context(), tenantID, id, req.ResolvedBy)
	})
}

func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(req actionRequest, tenantID, id string) (*Item, error) {
		return h.router.Dismiss(r.Context(), tenantID, id, req.ResolvedBy)
	})
}

func (h *Handler) act(w http.ResponseWriter, r *http.Request, fn func(actionRequest, string, string) (*Item, error)) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	item, err := fn(req, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrItemNotFound):
			writeError(w, http.StatusNotFound, "queue item not found")
		case errors.Is(err, ErrItemClosed):
			writeError(w, http.StatusConflict, "queue item already closed")
		case errors.Is(err, ErrEmptyReply), errors.Is(err, ErrNoConversation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrSendFailed):
			h.logger.Error("queue reply send failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusBadGateway, "reply could not be delivered")
		default:
			h.logger.Error("queue action failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
