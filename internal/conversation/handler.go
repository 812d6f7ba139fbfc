package conversation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Handler exposes conversation reads and human status changes.
type Handler struct {
	repo   Repository
	logger *logging.Logger
	now    func() time.Time
}

func NewHandler(repo Repository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{repo: repo, logger: logger, now: time.Now}
}

// Routes mounts the handler under /conversations.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/status", h.UpdateStatus)
	})
}

type conversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages"`
}

// Get handles GET /conversations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	msgs, err := h.repo.RecentMessages(r.Context(), conv.ID, 50)
	if err != nil {
		h.logger.Error("failed to list messages", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles POST /conversations/{id}/status. The change goes
// through Transition; message effects are not performed for human changes.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, ok := ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	event, ok := EventForStatus(target)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	if conv.Status == target {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	next, effects, err := Transition(conv.Status, event)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	conv.Status = next
	if HasEffect(effects, EffectMarkEscalated) {
		now := h.now().UTC()
		conv.EscalatedAt = &now
	}
	if err := h.repo.Save(r.Context(), conv); err != nil {
		h.logger.Error("failed to save conversation status", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Info("conversation status changed", "conversation_id", conv.ID, "status", conv.Status)
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return nil, false
	}
	conv, err := h.repo.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return nil, false
		}
		h.logger.Error("failed to load conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
