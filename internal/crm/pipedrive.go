package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const pipedriveDefaultBaseURL = "https://api.pipedrive.com/v1"

// Pipedrive supports v1 webhooks ({event, current}) and v2 webhooks
// ({meta: {action, entity}, data}).
type Pipedrive struct {
	client *HTTPClient
}

// NewPipedrive returns the Pipedrive adapter.
func NewPipedrive(client *HTTPClient) *Pipedrive { return &Pipedrive{client: client} }

func (*Pipedrive) Type() Type { return TypePipedrive }

func (*Pipedrive) SupportsWebhooks() bool { return true }

var pipedriveV2Actions = map[string]string{
	"create": "added",
	"change": "updated",
	"delete": "deleted",
}

func (*Pipedrive) ExtractEventType(payload map[string]any) string {
	if ev := StringAt(payload, "event"); ev != "" {
		return ev
	}
	action := strings.ToLower(StringAt(payload, "meta.action"))
	object := strings.ToLower(StringAt(payload, "meta.object", "meta.entity"))
	if action == "" || object == "" {
		return ""
	}
	if mapped, ok := pipedriveV2Actions[action]; ok {
		action = mapped
	}
	return action + "." + object
}

func pipedriveRecord(payload map[string]any) map[string]any {
	for _, root := range []string{"current", "data"} {
		if rec := MapAt(payload, root); rec != nil {
			return rec
		}
	}
	return payload
}

func (p *Pipedrive) Normalize(payload map[string]any) (ContactEvent, error) {
	rec := pipedriveRecord(payload)
	evt := ContactEvent{
		CRMType:    TypePipedrive,
		EventType:  p.ExtractEventType(payload),
		ExternalID: StringAt(rec, "id"),
		Phone:      StringAt(rec, "phone.0.value", "phones.0.value", "phone"),
		Email:      StringAt(rec, "email.0.value", "emails.0.value", "email"),
		FirstName:  StringAt(rec, "first_name"),
		LastName:   StringAt(rec, "last_name"),
		FullName:   StringAt(rec, "name"),
		OccurredAt: parseTime(StringAt(rec, "add_time")),
	}
	if evt.ExternalID == "" {
		evt.ExternalID = StringAt(payload, "meta.id", "meta.entity_id")
	}
	fillNames(&evt)
	return evt, nil
}

func (*Pipedrive) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, "current", "data", "")
}

func (p *Pipedrive) endpoint(creds Credentials, path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("api_token", creds.APIKey)
	return baseURL(creds, pipedriveDefaultBaseURL) + path + "?" + q.Encode()
}

func splitPipedriveEvent(event string) (action, object string) {
	action, object, ok := strings.Cut(strings.TrimSpace(event), ".")
	if !ok || action == "" || object == "" {
		return "added", "person"
	}
	return action, object
}

func (p *Pipedrive) RegisterWebhook(ctx context.Context, creds Credentials, req RegisterRequest) (WebhookRegistration, error) {
	if err := requireKey(creds); err != nil {
		return WebhookRegistration{}, err
	}
	action, object := splitPipedriveEvent(req.Event)
	body := map[string]any{
		"subscription_url": req.CallbackURL,
		"event_action":     action,
		"event_object":     object,
	}
	if req.Secret != "" {
		body["http_auth_user"] = "trigger"
		body["http_auth_password"] = req.Secret
	}
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			ID any `json:"id"`
		} `json:"data"`
	}
	if err := p.client.Do(ctx, Request{Method: http.MethodPost, URL: p.endpoint(creds, "/webhooks", nil), Body: body}, &out); err != nil {
		return WebhookRegistration{}, err
	}
	id, _ := scalarString(out.Data.ID)
	if !out.Success || id == "" {
		return WebhookRegistration{}, fmt.Errorf("crm: pipedrive webhook registration returned no id")
	}
	return WebhookRegistration{ID: id, Secret: req.Secret}, nil
}

func (p *Pipedrive) DeleteWebhook(ctx context.Context, creds Credentials, webhookID string) error {
	if err := requireKey(creds); err != nil {
		return err
	}
	return p.client.Do(ctx, Request{Method: http.MethodDelete, URL: p.endpoint(creds, "/webhooks/"+url.PathEscape(webhookID), nil)}, nil)
}

// FetchSince lists persons added after req.Since using the recents endpoint.
// The cursor is Pipedrive's pagination start offset.
func (p *Pipedrive) FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error) {
	if err := requireKey(creds); err != nil {
		return Page{}, err
	}
	action, object := splitPipedriveEvent(req.Event)
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("since_timestamp", pipedriveTimestamp(req.Since))
	q.Set("items", object)
	q.Set("limit", strconv.Itoa(limit))
	if req.Cursor != "" {
		q.Set("start", req.Cursor)
	}
	var out struct {
		Data []struct {
			Item string         `json:"item"`
			ID   any            `json:"id"`
			Data map[string]any `json:"data"`
		} `json:"data"`
		AdditionalData struct {
			Pagination struct {
				MoreItems bool `json:"more_items_in_collection"`
				NextStart any  `json:"next_start"`
			} `json:"pagination"`
		} `json:"additional_data"`
	}
	if err := p.client.Do(ctx, Request{Method: http.MethodGet, URL: p.endpoint(creds, "/recents", q)}, &out); err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, item := range out.Data {
		if item.Data == nil || (item.Item != "" && item.Item != object) {
			continue
		}
		added := parseTime(StringAt(item.Data, "add_time"))
		// Recents also reports updates; only creations count as "added".
		if action == "added" && !added.IsZero() && added.Before(req.Since) {
			continue
		}
		occurred := added
		if action != "added" {
			occurred = parseTime(StringAt(item.Data, "update_time"))
		}
		id, _ := scalarString(item.ID)
		page.Events = append(page.Events, PolledEvent{
			ExternalID: id,
			EventType:  action + "." + object,
			OccurredAt: occurred,
			Payload: map[string]any{
				"event":   action + "." + object,
				"meta":    map[string]any{"action": action, "object": object, "id": id},
				"current": item.Data,
			},
		})
	}
	if out.AdditionalData.Pagination.MoreItems {
		if next, ok := scalarString(out.AdditionalData.Pagination.NextStart); ok {
			page.NextCursor = next
		}
	}
	return page, nil
}

var _ Provider = (*Pipedrive)(nil)

func pipedriveTimestamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") }
