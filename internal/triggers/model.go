// Package triggers holds tenant-configured lead triggers: their persistence,
// matching of inbound CRM events, webhook/polling provisioning and test mode.
package triggers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// WebhookStatus tracks the push subscription of a CRM trigger.
type WebhookStatus string

const (
	WebhookPending      WebhookStatus = "pending"
	WebhookActive       WebhookStatus = "active"
	WebhookFailed       WebhookStatus = "failed"
	WebhookNotSupported WebhookStatus = "not_supported"
)

// FilterValue is one filter condition: a single value or an any-of list. It
// decodes from either a JSON string or a JSON array of strings.
type FilterValue []string

func (f *FilterValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = FilterValue{single}
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("triggers: filter must be a string or list: %w", err)
	}
	out := make(FilterValue, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64, bool:
			out = append(out, fmt.Sprint(v))
		}
	}
	*f = out
	return nil
}

func (f FilterValue) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

// Values returns the trimmed non-empty values.
func (f FilterValue) Values() []string {
	out := make([]string, 0, len(f))
	for _, v := range f {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// TriggerState is the structured external configuration stored with a trigger.
type TriggerState struct {
	TriggerEvent  string     `json:"trigger_event,omitempty"`
	TestModeUntil *time.Time `json:"test_mode_until,omitempty"`
	TestStartedAt *time.Time `json:"test_started_at,omitempty"`
	PollingCursor string     `json:"polling_cursor,omitempty"`
	// PollingSince is the window start the held cursor pages through.
	PollingSince *time.Time        `json:"polling_since,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// PollProgress is what a poll pass persists. A nil Watermark leaves
// last_polled_at untouched; an empty Cursor clears the held window.
type PollProgress struct {
	Watermark *time.Time
	Cursor    string
	Since     *time.Time
}

// Trigger binds a CRM event source to a conversation start.
type Trigger struct {
	ID                   string                 `json:"id"`
	TenantID             string                 `json:"tenant_id"`
	Name                 string                 `json:"name"`
	Type                 crm.Type               `json:"type"`
	TriggerEvent         string                 `json:"trigger_event,omitempty"`
	EventFilters         map[string]FilterValue `json:"event_filters,omitempty"`
	State                TriggerState           `json:"state"`
	WebhookID            string                 `json:"webhook_id,omitempty"`
	WebhookSecret        string                 `json:"-"`
	WebhookStatus        WebhookStatus          `json:"webhook_status"`
	PollingEnabled       bool                   `json:"polling_enabled"`
	LastPolledAt         *time.Time             `json:"last_polled_at,omitempty"`
	AgentID              string                 `json:"agent_id,omitempty"`
	WhatsAppAccountID    string                 `json:"whatsapp_account_id,omitempty"`
	FirstMessageTemplate string                 `json:"first_message_template,omitempty"`
	IsActive             bool                   `json:"is_active"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// EffectiveEvent is the event type the trigger listens for. The state
// override wins over the column.
func (t *Trigger) EffectiveEvent() string {
	if ev := strings.TrimSpace(t.State.TriggerEvent); ev != "" {
		return ev
	}
	return strings.TrimSpace(t.TriggerEvent)
}

// InTestMode reports whether test capture is active at now. Expiry is lazy.
func (t *Trigger) InTestMode(now time.Time) bool {
	return t.State.TestModeUntil != nil && now.Before(*t.State.TestModeUntil)
}

// Options returns the CRM-specific options (board ids, pipeline filters).
func (t *Trigger) Options() map[string]string {
	if t.State.Options == nil {
		return map[string]string{}
	}
	return t.State.Options
}

// Provisioned reports whether exactly one ingestion path is live. Generic
// webhook triggers are always considered provisioned.
func (t *Trigger) Provisioned() bool {
	if !t.Type.IsCRM() {
		return true
	}
	webhookLive := t.WebhookStatus == WebhookActive
	return webhookLive != t.PollingEnabled
}

// CreateRequest is the body of POST /triggers.
type CreateRequest struct {
	Name                 string                 `json:"name"`
	Type                 string                 `json:"type"`
	TriggerEvent         string                 `json:"trigger_event"`
	EventFilters         map[string]FilterValue `json:"event_filters"`
	AgentID              string                 `json:"agent_id"`
	WhatsAppAccountID    string                 `json:"whatsapp_account_id"`
	FirstMessageTemplate string                 `json:"first_message_template"`
	Options              map[string]string      `json:"options"`
}

// Validate checks the request and returns the parsed CRM type.
func (r CreateRequest) Validate() (crm.Type, error) {
	if strings.TrimSpace(r.Name) == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTrigger)
	}
	typ, err := crm.ParseType(r.Type)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if strings.TrimSpace(r.AgentID) == "" && strings.TrimSpace(r.FirstMessageTemplate) == "" {
		return "", fmt.Errorf("%w: agent_id or first_message_template is required", ErrInvalidTrigger)
	}
	return typ, nil
}

// Integration holds a tenant's API credentials for one CRM.
type Integration struct {
	TenantID  string            `json:"tenant_id"`
	CRMType   crm.Type          `json:"crm_type"`
	APIKey    string            `json:"-"`
	BaseURL   string            `json:"base_url,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Credentials converts the integration into CRM API credentials.
func (i *Integration) Credentials() crm.Credentials {
	if i == nil {
		return crm.Credentials{}
	}
	return crm.Credentials{APIKey: i.APIKey, BaseURL: i.BaseURL, Options: i.Options}
}
