package triggers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Provisioner decides how a trigger receives events: a registered CRM
// webhook, or polling when the CRM cannot push or registration fails.
// Trigger creation never fails because of the CRM.
type Provisioner struct {
	repo          Repository
	integrations  IntegrationStore
	registry      *crm.Registry
	publicBaseURL string
	logger        *logging.Logger
}

// NewProvisioner creates a provisioner. publicBaseURL is the externally
// reachable origin used to build callback URLs.
func NewProvisioner(repo Repository, integrations IntegrationStore, registry *crm.Registry, publicBaseURL string, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Provisioner{
		repo:          repo,
		integrations:  integrations,
		registry:      registry,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
	}
}

// CallbackURL is the webhook URL handed to the CRM (or to the tenant for
// generic webhooks).
func (p *Provisioner) CallbackURL(t *Trigger) string {
	q := url.Values{}
	q.Set("triggerId", t.ID)
	if t.WebhookSecret != "" {
		q.Set("token", t.WebhookSecret)
	}
	return fmt.Sprintf("%s/webhook/crm/%s?%s", p.publicBaseURL, t.Type, q.Encode())
}

// Provision registers the webhook or falls back to polling and persists the
// outcome on t. Only a store failure is returned.
func (p *Provisioner) Provision(ctx context.Context, t *Trigger) error {
	if t.WebhookSecret == "" {
		t.WebhookSecret = newSecret()
	}
	p.resolve(ctx, t)
	if err := p.repo.UpdateProvisioning(ctx, t); err != nil {
		return err
	}
	p.logger.Info("trigger provisioned",
		"trigger_id", t.ID,
		"crm_type", t.Type,
		"webhook_status", t.WebhookStatus,
		"polling_enabled", t.PollingEnabled,
	)
	return nil
}

func (p *Provisioner) resolve(ctx context.Context, t *Trigger) {
	t.State.LastError = ""
	if !t.Type.IsCRM() {
		t.WebhookStatus = WebhookActive
		t.PollingEnabled = false
		return
	}

	provider, ok := p.registry.Provider(t.Type)
	if !ok || !p.registry.SupportsNativeWebhooks(t.Type) {
		p.fallBackToPolling(t, WebhookNotSupported, nil)
		return
	}
	if p.publicBaseURL == "" {
		p.fallBackToPolling(t, WebhookFailed, errors.New("public base url not configured"))
		return
	}
	integration, err := p.integrations.Get(ctx, t.TenantID, t.Type)
	if err != nil {
		p.fallBackToPolling(t, WebhookFailed, err)
		return
	}

	reg, err := provider.RegisterWebhook(ctx, integration.Credentials(), crm.RegisterRequest{
		CallbackURL: p.CallbackURL(t),
		Event:       t.EffectiveEvent(),
		Secret:      t.WebhookSecret,
		Name:        t.Name,
		Options:     t.Options(),
	})
	switch {
	case errors.Is(err, crm.ErrPollingRequired):
		p.fallBackToPolling(t, WebhookNotSupported, nil)
	case err != nil:
		p.fallBackToPolling(t, WebhookFailed, err)
	default:
		t.WebhookID = reg.ID
		if reg.Secret != "" {
			t.WebhookSecret = reg.Secret
		}
		t.WebhookStatus = WebhookActive
		t.PollingEnabled = false
	}
}

func (p *Provisioner) fallBackToPolling(t *Trigger, status WebhookStatus, cause error) {
	t.WebhookID = ""
	t.WebhookStatus = status
	t.PollingEnabled = true
	if cause != nil {
		t.State.LastError = cause.Error()
		p.logger.Warn("webhook registration failed; polling instead",
			"trigger_id", t.ID,
			"crm_type", t.Type,
			"error", cause,
		)
	}
}

// Deprovision removes the CRM webhook. Failures are logged, never returned,
// so deleting a trigger always succeeds.
func (p *Provisioner) Deprovision(ctx context.Context, t *Trigger) {
	if t == nil || t.WebhookID == "" || !t.Type.IsCRM() {
		return
	}
	provider, ok := p.registry.Provider(t.Type)
	if !ok {
		return
	}
	integration, err := p.integrations.Get(ctx, t.TenantID, t.Type)
	if err != nil {
		p.logger.Warn("webhook deregistration skipped", "trigger_id", t.ID, "error", err)
		return
	}
	if err := provider.DeleteWebhook(ctx, integration.Credentials(), t.WebhookID); err != nil {
		p.logger.Warn("webhook deregistration failed", "trigger_id", t.ID, "webhook_id", t.WebhookID, "error", err)
	}
}

func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
