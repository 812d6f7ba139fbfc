package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const closeDefaultBaseURL = "https://api.close.com/api/v1"

// Close posts {event: {object_type, action, object_id, data}} and
// authenticates with the API key as the basic-auth user.
type Close struct {
	client *HTTPClient
}

// NewClose returns the Close adapter.
func NewClose(client *HTTPClient) *Close { return &Close{client: client} }

func (*Close) Type() Type { return TypeClose }

func (*Close) SupportsWebhooks() bool { return true }

func (*Close) ExtractEventType(payload map[string]any) string {
	object := StringAt(payload, "event.object_type")
	action := StringAt(payload, "event.action")
	if object == "" || action == "" {
		return StringAt(payload, "event_type", "type")
	}
	return object + "." + action
}

func (c *Close) Normalize(payload map[string]any) (ContactEvent, error) {
	data := MapAt(payload, "event.data")
	if data == nil {
		data = payload
	}
	evt := ContactEvent{
		CRMType:    TypeClose,
		EventType:  c.ExtractEventType(payload),
		ExternalID: StringAt(payload, "event.object_id", "event.data.id"),
		Phone:      StringAt(data, "contacts.0.phones.0.phone", "phones.0.phone", "phone"),
		Email:      StringAt(data, "contacts.0.emails.0.email", "emails.0.email", "email"),
		FullName:   StringAt(data, "contacts.0.name", "display_name", "name"),
		OccurredAt: parseTime(StringAt(data, "date_created")),
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = parseTime(StringAt(payload, "event.date_created"))
	}
	fillNames(&evt)
	return evt, nil
}

func (*Close) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, "event.data", "event.data.contacts.0", "event", "")
}

func closeObjectAction(event string) (object, action string) {
	object, action, ok := strings.Cut(strings.TrimSpace(event), ".")
	if !ok || object == "" || action == "" {
		return "lead", "created"
	}
	return object, action
}

func (c *Close) RegisterWebhook(ctx context.Context, creds Credentials, req RegisterRequest) (WebhookRegistration, error) {
	if err := requireKey(creds); err != nil {
		return WebhookRegistration{}, err
	}
	object, action := closeObjectAction(req.Event)
	var out struct {
		ID           string `json:"id"`
		SignatureKey string `json:"signature_key"`
	}
	err := c.client.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    baseURL(creds, closeDefaultBaseURL) + "/webhook/",
		Body: map[string]any{
			"url":    req.CallbackURL,
			"events": []any{map[string]string{"object_type": object, "action": action}},
		},
		User: creds.APIKey,
	}, &out)
	if err != nil {
		return WebhookRegistration{}, err
	}
	if out.ID == "" {
		return WebhookRegistration{}, fmt.Errorf("crm: close webhook registration returned no id")
	}
	secret := req.Secret
	if secret == "" {
		secret = out.SignatureKey
	}
	return WebhookRegistration{ID: out.ID, Secret: secret}, nil
}

func (c *Close) DeleteWebhook(ctx context.Context, creds Credentials, webhookID string) error {
	if err := requireKey(creds); err != nil {
		return err
	}
	return c.client.Do(ctx, Request{
		Method: http.MethodDelete,
		URL:    baseURL(creds, closeDefaultBaseURL) + "/webhook/" + url.PathEscape(webhookID) + "/",
		User:   creds.APIKey,
	}, nil)
}

// FetchSince lists leads created after req.Since. The cursor is the _skip offset.
func (c *Close) FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error) {
	if err := requireKey(creds); err != nil {
		return Page{}, err
	}
	object, action := closeObjectAction(req.Event)
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	skip := 0
	if req.Cursor != "" {
		if n, err := strconv.Atoi(req.Cursor); err == nil && n > 0 {
			skip = n
		}
	}
	q := url.Values{}
	q.Set("query", fmt.Sprintf(`date_created >= "%s" sort:date_created`, req.Since.UTC().Format("2006-01-02T15:04:05")))
	q.Set("_limit", strconv.Itoa(limit))
	q.Set("_skip", strconv.Itoa(skip))
	var out struct {
		Data    []map[string]any `json:"data"`
		HasMore bool             `json:"has_more"`
	}
	err := c.client.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    baseURL(creds, closeDefaultBaseURL) + "/lead/?" + q.Encode(),
		User:   creds.APIKey,
	}, &out)
	if err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, lead := range out.Data {
		created := parseTime(StringAt(lead, "date_created"))
		if !created.IsZero() && created.Before(req.Since) {
			continue
		}
		id := StringAt(lead, "id")
		page.Events = append(page.Events, PolledEvent{
			ExternalID: id,
			EventType:  object + "." + action,
			OccurredAt: created,
			Payload: map[string]any{"event": map[string]any{
				"object_type":  object,
				"action":       action,
				"object_id":    id,
				"date_created": StringAt(lead, "date_created"),
				"data":         lead,
			}},
		})
	}
	if out.HasMore {
		page.NextCursor = strconv.Itoa(skip + len(out.Data))
	}
	return page, nil
}

var _ Provider = (*Close)(nil)
