package tenant

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Handler serves GET and PUT /settings for the calling tenant.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Routes mounts GET and PUT /settings.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)
}

// GetSettings handles GET /settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "missing org context"}`, http.StatusBadRequest)
		return
	}
	settings, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to get tenant settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettingsRequest carries the fields a tenant may change.
type UpdateSettingsRequest struct {
	Timezone           string         `json:"timezone,omitempty"`
	OfficeHoursEnabled *bool          `json:"office_hours_enabled,omitempty"`
	BusinessHours      *BusinessHours `json:"business_hours,omitempty"`
	NotifyEmails       []string       `json:"notify_emails,omitempty"`
}

// UpdateSettings handles PUT /settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "missing org context"}`, http.StatusBadRequest)
		return
	}
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	settings, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to get tenant settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			http.Error(w, `{"error": "unknown timezone"}`, http.StatusBadRequest)
			return
		}
		settings.Timezone = tz
	}
	if req.OfficeHoursEnabled != nil {
		settings.OfficeHoursEnabled = *req.OfficeHoursEnabled
	}
	if req.BusinessHours != nil {
		settings.BusinessHours = *req.BusinessHours
	}
	if req.NotifyEmails != nil {
		settings.NotifyEmails = req.NotifyEmails
	}
	if err := h.store.Set(r.Context(), settings); err != nil {
		h.logger.Error("failed to save tenant settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.logger.Info("tenant settings updated", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, settings)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
