package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// InboundProcessor handles a parsed inbound message.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// WebhookHandler serves POST /webhook/gateway.
type WebhookHandler struct {
	processor InboundProcessor
	secret    string
	logger    *logging.Logger
}

// NewWebhookHandler creates the handler. An empty secret disables the
// shared-secret check.
func NewWebhookHandler(processor InboundProcessor, secret string, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{processor: processor, secret: strings.TrimSpace(secret), logger: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	msg, err := ParseWebhook(body)
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		h.logger.Debug("gateway event ignored", "reason", err.Error())
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if err := h.processor.HandleInbound(r.Context(), msg); err != nil {
		h.logger.Error("inbound message failed", "error", err, "account_id", msg.AccountID, "message_id", msg.MessageID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
