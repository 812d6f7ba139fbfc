package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ActiveCampaign webhooks arrive form-encoded (type=subscribe&contact[phone]=...)
// and the API lives under the account URL, so BaseURL is required.
type ActiveCampaign struct {
	client *HTTPClient
}

// NewActiveCampaign returns the ActiveCampaign adapter.
func NewActiveCampaign(client *HTTPClient) *ActiveCampaign {
	return &ActiveCampaign{client: client}
}

func (*ActiveCampaign) Type() Type { return TypeActiveCampaign }

func (*ActiveCampaign) SupportsWebhooks() bool { return true }

func (*ActiveCampaign) ExtractEventType(payload map[string]any) string {
	return StringAt(payload, "type", "event")
}

func (a *ActiveCampaign) Normalize(payload map[string]any) (ContactEvent, error) {
	evt := ContactEvent{
		CRMType:    TypeActiveCampaign,
		EventType:  a.ExtractEventType(payload),
		ExternalID: StringAt(payload, "contact.id"),
		Phone:      StringAt(payload, "contact.phone"),
		Email:      StringAt(payload, "contact.email"),
		FirstName:  StringAt(payload, "contact.first_name", "contact.firstName"),
		LastName:   StringAt(payload, "contact.last_name", "contact.lastName"),
		OccurredAt: parseTime(StringAt(payload, "date_time", "contact.cdate")),
	}
	fillNames(&evt)
	return evt, nil
}

func (*ActiveCampaign) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, "contact.fields", "contact", "")
}

func (a *ActiveCampaign) apiURL(creds Credentials, path string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if base == "" {
		return "", fmt.Errorf("%w: activecampaign account url", ErrMissingCredentials)
	}
	if !strings.HasSuffix(base, "/api/3") {
		base += "/api/3"
	}
	return base + path, nil
}

func (a *ActiveCampaign) headers(creds Credentials) map[string]string {
	return map[string]string{"Api-Token": creds.APIKey}
}

func (a *ActiveCampaign) RegisterWebhook(ctx context.Context, creds Credentials, req RegisterRequest) (WebhookRegistration, error) {
	if err := requireKey(creds); err != nil {
		return WebhookRegistration{}, err
	}
	endpoint, err := a.apiURL(creds, "/webhooks")
	if err != nil {
		return WebhookRegistration{}, err
	}
	event := strings.TrimSpace(req.Event)
	if event == "" {
		event = "subscribe"
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "lead trigger"
	}
	var out struct {
		Webhook struct {
			ID any `json:"id"`
		} `json:"webhook"`
	}
	err = a.client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Headers: a.headers(creds),
		Body: map[string]any{"webhook": map[string]any{
			"name":    name,
			"url":     req.CallbackURL,
			"events":  []string{event},
			"sources": []string{"public", "admin", "api", "system"},
		}},
	}, &out)
	if err != nil {
		return WebhookRegistration{}, err
	}
	id, _ := scalarString(out.Webhook.ID)
	if id == "" {
		return WebhookRegistration{}, fmt.Errorf("crm: activecampaign webhook registration returned no id")
	}
	return WebhookRegistration{ID: id, Secret: req.Secret}, nil
}

func (a *ActiveCampaign) DeleteWebhook(ctx context.Context, creds Credentials, webhookID string) error {
	if err := requireKey(creds); err != nil {
		return err
	}
	endpoint, err := a.apiURL(creds, "/webhooks/"+url.PathEscape(webhookID))
	if err != nil {
		return err
	}
	return a.client.Do(ctx, Request{Method: http.MethodDelete, URL: endpoint, Headers: a.headers(creds)}, nil)
}

// FetchSince lists contacts created after req.Since. The cursor is the offset.
func (a *ActiveCampaign) FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error) {
	if err := requireKey(creds); err != nil {
		return Page{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := 0
	if req.Cursor != "" {
		if n, err := strconv.Atoi(req.Cursor); err == nil && n > 0 {
			offset = n
		}
	}
	q := url.Values{}
	q.Set("filters[created_after]", req.Since.UTC().Format("2006-01-02T15:04:05-07:00"))
	q.Set("orders[cdate]", "ASC")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	endpoint, err := a.apiURL(creds, "/contacts?"+q.Encode())
	if err != nil {
		return Page{}, err
	}
	var out struct {
		Contacts []map[string]any `json:"contacts"`
		Meta     struct {
			Total any `json:"total"`
		} `json:"meta"`
	}
	if err := a.client.Do(ctx, Request{Method: http.MethodGet, URL: endpoint, Headers: a.headers(creds)}, &out); err != nil {
		return Page{}, err
	}

	eventType := strings.TrimSpace(req.Event)
	if eventType == "" {
		eventType = "subscribe"
	}
	page := Page{}
	for _, contact := range out.Contacts {
		created := parseTime(StringAt(contact, "cdate"))
		if !created.IsZero() && created.Before(req.Since) {
			continue
		}
		page.Events = append(page.Events, PolledEvent{
			ExternalID: StringAt(contact, "id"),
			EventType:  eventType,
			OccurredAt: created,
			Payload: map[string]any{
				"type":    eventType,
				"contact": contact,
			},
		})
	}
	total := 0
	if s, ok := scalarString(out.Meta.Total); ok {
		total, _ = strconv.Atoi(s)
	}
	if next := offset + len(out.Contacts); len(out.Contacts) > 0 && next < total {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

var _ Provider = (*ActiveCampaign)(nil)
