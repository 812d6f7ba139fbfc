package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives CRM webhook deliveries.
type WebhookHandler struct {
	processor EventProcessor
	logger    *logging.Logger
}

func NewWebhookHandler(processor EventProcessor, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

// Routes mounts GET and POST /webhook/crm/{crmType}.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/webhook/crm/{crmType}", h.Challenge)
	r.Post("/webhook/crm/{crmType}", h.Receive)
}

type webhookResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Challenge echoes the verification challenge some CRMs send when a
// subscription is created.
func (h *WebhookHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	if _, err := crm.ParseType(chi.URLParam(r, "crmType")); err != nil {
		writeError(w, http.StatusBadRequest, "unsupported crm type")
		return
	}
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// Receive handles POST /webhook/crm/{crmType}?triggerId=&token=.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	crmType, err := crm.ParseType(chi.URLParam(r, "crmType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported crm type")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := crm.ParsePayload(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// monday.com confirms a new subscription by POSTing {"challenge": ...}
	if challenge, ok := payload["challenge"].(string); ok && payload["event"] == nil {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	q := r.URL.Query()
	triggerID := q.Get("triggerId")
	if triggerID == "" {
		triggerID = q.Get("trigger_id")
	}
	res, err := h.processor.Process(r.Context(), Event{
		CRMType:   crmType,
		TriggerID: triggerID,
		Token:     q.Get("token"),
		Payload:   payload,
		Source:    SourceWebhook,
	})
	if err != nil {
		h.writeProcessError(r.Context(), w, crmType, err)
		return
	}

	resp := webhookResponse{Success: true, ConversationID: res.ConversationID, Message: res.Message}
	if res.Outcome == OutcomeSendFailed {
		resp.Success = false
		resp.Message = ""
		resp.Error = res.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WebhookHandler) writeProcessError(ctx context.Context, w http.ResponseWriter, crmType crm.Type, err error) {
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, crm.ErrUnsupportedCRM):
		writeError(w, http.StatusBadRequest, "invalid payload")
	case errors.Is(err, ErrMissingPhone):
		writeError(w, http.StatusBadRequest, "contact phone missing")
	case errors.Is(err, triggers.ErrNoMatchingTrigger), errors.Is(err, triggers.ErrTriggerNotFound):
		writeError(w, http.StatusNotFound, "no matching trigger")
	case errors.Is(err, triggers.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		logging.FromContext(ctx, h.logger).Error("crm webhook processing failed", "crm_type", string(crmType), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// AllPoller runs a full polling pass. Implemented by Poller.
type AllPoller interface {
	PollAll(ctx context.Context) (PollReport, error)
}

// CronHandler is the scheduler entry point for polling. When no secret is
// configured every caller is accepted.
type CronHandler struct {
	poller AllPoller
	secret string
	logger *logging.Logger
}

func NewCronHandler(poller AllPoller, secret string, logger *logging.Logger) *CronHandler {
	if logger == nil {
		logger = logging.Default()
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		logger.Warn("CRON_SECRET not set; /cron/poll-triggers accepts unauthenticated calls")
	}
	return &CronHandler{poller: poller, secret: secret, logger: logger}
}

// Routes mounts GET and POST /cron/poll-triggers.
func (h *CronHandler) Routes(r chi.Router) {
	r.Get("/cron/poll-triggers", h.PollTriggers)
	r.Post("/cron/poll-triggers", h.PollTriggers)
}

func (h *CronHandler) PollTriggers(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	report, err := h.poller.PollAll(r.Context())
	if err != nil {
		h.logger.Error("poll pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
