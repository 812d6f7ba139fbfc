// Package crm normalizes lead events from the supported CRMs into a single
// contact shape and wraps the CRM APIs used for webhook provisioning and polling.
package crm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Type identifies the CRM (or generic webhook) a trigger listens to.
type Type string

const (
	TypeWebhook        Type = "webhook"
	TypePipedrive      Type = "pipedrive"
	TypeHubSpot        Type = "hubspot"
	TypeMonday         Type = "monday"
	TypeClose          Type = "close"
	TypeActiveCampaign Type = "activecampaign"
)

var (
	// ErrUnsupportedCRM is returned for CRM types outside the supported set.
	ErrUnsupportedCRM = errors.New("crm: unsupported crm type")

	// ErrPollingRequired signals that the CRM cannot push events and must be polled.
	ErrPollingRequired = errors.New("crm: polling required")

	// ErrMissingCredentials is returned when an API call has no usable credentials.
	ErrMissingCredentials = errors.New("crm: missing api credentials")
)

// AllTypes lists every supported trigger type.
func AllTypes() []Type {
	return []Type{TypeWebhook, TypePipedrive, TypeHubSpot, TypeMonday, TypeClose, TypeActiveCampaign}
}

// ParseType converts a raw path or JSON value into a Type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrUnsupportedCRM
	}
	return t, nil
}

// Valid reports whether t is a supported type.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// IsCRM is true for every type that is backed by a CRM API (everything but
// the generic webhook).
func (t Type) IsCRM() bool {
	return t.Valid() && t != TypeWebhook
}

// ContactEvent is the canonical contact record every adapter produces.
type ContactEvent struct {
	CRMType    Type              `json:"crm_type"`
	EventType  string            `json:"event_type"`
	ExternalID string            `json:"external_id,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	FullName   string            `json:"full_name,omitempty"`
	Email      string            `json:"email,omitempty"`
	OccurredAt time.Time         `json:"occurred_at,omitempty"`
	RawPayload map[string]any    `json:"-"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// HasPhone reports whether the event carries a usable phone number.
func (e ContactEvent) HasPhone() bool {
	return strings.TrimSpace(e.Phone) != ""
}

// DisplayName returns the best available human name for the contact.
func (e ContactEvent) DisplayName() string {
	if strings.TrimSpace(e.FullName) != "" {
		return strings.TrimSpace(e.FullName)
	}
	return strings.TrimSpace(strings.TrimSpace(e.FirstName) + " " + strings.TrimSpace(e.LastName))
}

// Adapter knows the payload shape of one CRM.
type Adapter interface {
	Type() Type
	Normalize(payload map[string]any) (ContactEvent, error)
	ExtractEventType(payload map[string]any) string
	SupportsWebhooks() bool
	// FieldValue reads a filter field using the CRM's own field paths.
	FieldValue(payload map[string]any, key string) (string, bool)
}

// Credentials authorizes calls against a tenant's CRM account.
type Credentials struct {
	APIKey  string
	BaseURL string
	Options map[string]string
}

// Option returns a trimmed credential option.
func (c Credentials) Option(key string) string {
	if c.Options == nil {
		return ""
	}
	return strings.TrimSpace(c.Options[key])
}

// RegisterRequest describes a webhook subscription to create.
type RegisterRequest struct {
	CallbackURL string
	Event       string
	Secret      string
	Name        string
	Options     map[string]string
}

// WebhookRegistration is what the CRM returned for a created subscription.
type WebhookRegistration struct {
	ID     string
	Secret string
}

// FetchRequest asks a provider for events created after Since.
type FetchRequest struct {
	Since   time.Time
	Cursor  string
	Event   string
	Limit   int
	Options map[string]string
}

// PolledEvent is one item returned by a provider's list API, already wrapped
// into the same payload shape the CRM uses for webhooks.
type PolledEvent struct {
	ExternalID string
	EventType  string
	OccurredAt time.Time
	Payload    map[string]any
}

// Page is one batch of polled events.
type Page struct {
	Events     []PolledEvent
	NextCursor string
}

// Provider is implemented by adapters whose CRM exposes an API for webhook
// management and listing recent records.
type Provider interface {
	RegisterWebhook(ctx context.Context, creds Credentials, req RegisterRequest) (WebhookRegistration, error)
	DeleteWebhook(ctx context.Context, creds Credentials, webhookID string) error
	FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error)
}
