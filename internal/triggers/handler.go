package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// PollResult summarizes one poll of a trigger.
type PollResult struct {
	TriggerID string     `json:"trigger_id"`
	Fetched   int        `json:"fetched"`
	Started   int        `json:"started"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	Watermark *time.Time `json:"watermark,omitempty"`
	Cursor    string     `json:"cursor,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Poller polls a single trigger on demand.
type Poller interface {
	PollNow(ctx context.Context, t *Trigger) (PollResult, error)
}

// Handler serves the trigger management API.
type Handler struct {
	repo         Repository
	integrations IntegrationStore
	provisioner  *Provisioner
	testMode     *TestMode
	poller       Poller
	logger       *logging.Logger
}

// NewHandler creates the management handler. poller may be nil, in which
// case poll-now answers 501.
func NewHandler(repo Repository, integrations IntegrationStore, provisioner *Provisioner, testMode *TestMode, poller Poller, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		repo:         repo,
		integrations: integrations,
		provisioner:  provisioner,
		testMode:     testMode,
		poller:       poller,
		logger:       logger,
	}
}

// Routes mounts the trigger endpoints. Callers put tenant middleware in front.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/triggers", func(r chi.Router) {
		r.Post("/", h.CreateTrigger)
		r.Get("/", h.ListTriggers)
		r.Delete("/", h.DeleteTrigger)
		r.Get("/{id}", h.GetTrigger)
		r.Get("/{id}/test-mode", h.TestModeStatus)
		r.Post("/{id}/test-mode", h.TestModeAction)
		r.Post("/{id}/poll-now", h.PollNow)
	})
	r.Put("/integrations/{crmType}", h.PutIntegration)
}

// CreateResponse is returned by POST /triggers.
type CreateResponse struct {
	Trigger     *Trigger `json:"trigger"`
	WebhookURL  string   `json:"webhook_url"`
	Provisioned bool     `json:"provisioned"`
}

// CreateTrigger handles POST /triggers.
func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ, err := req.Validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &Trigger{
		TenantID:             tenantID,
		Name:                 strings.TrimSpace(req.Name),
		Type:                 typ,
		TriggerEvent:         strings.TrimSpace(req.TriggerEvent),
		EventFilters:         req.EventFilters,
		State:                TriggerState{Options: req.Options},
		WebhookStatus:        WebhookPending,
		AgentID:              strings.TrimSpace(req.AgentID),
		WhatsAppAccountID:    strings.TrimSpace(req.WhatsAppAccountID),
		FirstMessageTemplate: req.FirstMessageTemplate,
		IsActive:             true,
	}
	if err := h.repo.Create(r.Context(), t); err != nil {
		h.logger.Error("failed to create trigger", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.provisioner.Provision(r.Context(), t); err != nil {
		h.logger.Error("failed to persist provisioning", "error", err, "trigger_id", t.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{
		Trigger:     t,
		WebhookURL:  h.provisioner.CallbackURL(t),
		Provisioned: t.Provisioned(),
	})
}

// ListTriggers handles GET /triggers.
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return
	}
	list, err := h.repo.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list triggers", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*Trigger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": list, "count": len(list)})
}

// GetTrigger handles GET /triggers/{id}.
func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trigger":     t,
		"webhook_url": h.provisioner.CallbackURL(t),
	})
}

// DeleteTrigger handles DELETE /triggers?id=.
func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r, r.URL.Query().Get("id"))
	if !ok {
		return
	}
	h.provisioner.Deprovision(r.Context(), t)
	if err := h.repo.Delete(r.Context(), t.TenantID, t.ID); err != nil && !errors.Is(err, ErrTriggerNotFound) {
		h.logger.Error("failed to delete trigger", "error", err, "trigger_id", t.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Info("trigger deleted", "trigger_id", t.ID, "tenant_id", t.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type testModeRequest struct {
	Action string `json:"action"`
}

// TestModeAction handles POST /triggers/{id}/test-mode.
func (h *Handler) TestModeAction(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req testModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	resp := map[string]any{"success": true, "action": req.Action}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		err = h.testMode.Start(ctx, t)
		resp["expires_at"] = t.State.TestModeUntil
		resp["webhook_url"] = h.provisioner.CallbackURL(t)
	case "stop":
		err = h.testMode.Stop(ctx, t)
	case "clear":
		var n int64
		n, err = h.testMode.Clear(ctx, t)
		resp["deleted"] = n
	default:
		writeError(w, http.StatusBadRequest, "action must be start, stop or clear")
		return
	}
	if err != nil {
		h.logger.Error("test mode action failed", "error", err, "trigger_id", t.ID, "action", req.Action)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TestModeStatus handles GET /triggers/{id}/test-mode.
func (h *Handler) TestModeStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	status, err := h.testMode.Status(r.Context(), t)
	if err != nil {
		h.logger.Error("test mode status failed", "error", err, "trigger_id", t.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PollNow handles POST /triggers/{id}/poll-now.
func (h *Handler) PollNow(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if h.poller == nil {
		writeError(w, http.StatusNotImplemented, "polling not configured")
		return
	}
	if !t.PollingEnabled {
		writeError(w, http.StatusConflict, "trigger receives webhooks; nothing to poll")
		return
	}
	result, err := h.poller.PollNow(r.Context(), t)
	if err != nil {
		h.logger.Warn("poll now failed", "error", err, "trigger_id", t.ID)
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type integrationRequest struct {
	APIKey  string            `json:"api_key"`
	BaseURL string            `json:"base_url"`
	Options map[string]string `json:"options"`
}

// PutIntegration handles PUT /integrations/{crmType}.
func (h *Handler) PutIntegration(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return
	}
	typ, err := crm.ParseType(chi.URLParam(r, "crmType"))
	if err != nil || !typ.IsCRM() {
		writeError(w, http.StatusBadRequest, "unsupported crm type")
		return
	}
	var req integrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	in := &Integration{
		TenantID: tenantID,
		CRMType:  typ,
		APIKey:   strings.TrimSpace(req.APIKey),
		BaseURL:  strings.TrimSpace(req.BaseURL),
		Options:  req.Options,
	}
	if err := h.integrations.Upsert(r.Context(), in); err != nil {
		h.logger.Error("failed to save integration", "error", err, "tenant_id", tenantID, "crm_type", typ)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) loadTrigger(w http.ResponseWriter, r *http.Request, id string) (*Trigger, bool) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "missing org context")
		return nil, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing trigger id")
		return nil, false
	}
	t, err := h.repo.Get(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, ErrTriggerNotFound) {
			writeError(w, http.StatusNotFound, "trigger not found")
			return nil, false
		}
		h.logger.Error("failed to load trigger", "error", err, "trigger_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
