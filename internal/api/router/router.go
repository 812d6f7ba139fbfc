package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	httpmiddleware "github.com/wolfman30/crm-trigger-engine/internal/http/middleware"
	"github.com/wolfman30/crm-trigger-engine/internal/ingest"
	"github.com/wolfman30/crm-trigger-engine/internal/queue"
	"github.com/wolfman30/crm-trigger-engine/internal/tenant"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration. Nil handlers leave their routes
// unmounted.
type Config struct {
	Logger             *logging.Logger
	Triggers           *triggers.Handler
	Conversations      *conversation.Handler
	Queue              *queue.Handler
	Settings           *tenant.Handler
	CRMWebhooks        *ingest.WebhookHandler
	Cron               *ingest.CronHandler
	GatewayWebhook     http.Handler
	MetricsHandler     http.Handler
	HealthChecks       map[string]HealthCheck
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	// WebhookRateLimit is requests per second per client on public
	// webhook routes. Zero disables limiting.
	WebhookRateLimit float64
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	// Public endpoints: health, metrics, scheduler and inbound webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Cron != nil {
			cfg.Cron.Routes(public)
		}
		public.Group(func(hooks chi.Router) {
			if cfg.WebhookRateLimit > 0 {
				hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, int(cfg.WebhookRateLimit*2)+1))
			}
			if cfg.CRMWebhooks != nil {
				cfg.CRMWebhooks.Routes(hooks)
			}
			if cfg.GatewayWebhook != nil {
				hooks.Method(http.MethodPost, "/webhook/gateway", cfg.GatewayWebhook)
			}
		})
	})

	// Tenant-scoped management API.
	r.Group(func(tenantRoutes chi.Router) {
		tenantRoutes.Use(requireOrgID)
		if cfg.AdminAuthSecret != "" {
			tenantRoutes.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		}
		if cfg.Triggers != nil {
			cfg.Triggers.Routes(tenantRoutes)
		}
		if cfg.Conversations != nil {
			cfg.Conversations.Routes(tenantRoutes)
		}
		if cfg.Queue != nil {
			cfg.Queue.Routes(tenantRoutes)
		}
		if cfg.Settings != nil {
			cfg.Settings.Routes(tenantRoutes)
		}
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]any{"status": "ok"}
		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp["checks"] = failed
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
