package crm

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

const hubspotDefaultBaseURL = "https://api.hubapi.com"

var hubspotDefaultProperties = []string{"firstname", "lastname", "email", "phone", "mobilephone", "createdate", "lifecyclestage", "hs_lead_status"}

// HubSpot webhooks are configured per developer app, not per portal, so
// triggers always fall back to polling the contacts search API.
type HubSpot struct {
	client *HTTPClient
}

// NewHubSpot returns the HubSpot adapter.
func NewHubSpot(client *HTTPClient) *HubSpot { return &HubSpot{client: client} }

func (*HubSpot) Type() Type { return TypeHubSpot }

func (*HubSpot) SupportsWebhooks() bool { return false }

func (*HubSpot) ExtractEventType(payload map[string]any) string {
	return StringAt(payload, "subscriptionType", "eventType")
}

func (h *HubSpot) Normalize(payload map[string]any) (ContactEvent, error) {
	evt := ContactEvent{
		CRMType:    TypeHubSpot,
		EventType:  h.ExtractEventType(payload),
		ExternalID: StringAt(payload, "objectId", "id"),
		Phone:      StringAt(payload, "properties.phone", "properties.mobilephone", "properties.phone.value", "properties.mobilephone.value"),
		Email:      StringAt(payload, "properties.email", "properties.email.value"),
		FirstName:  StringAt(payload, "properties.firstname", "properties.firstname.value"),
		LastName:   StringAt(payload, "properties.lastname", "properties.lastname.value"),
		OccurredAt: parseTime(StringAt(payload, "properties.createdate", "occurredAt")),
	}
	fillNames(&evt)
	return evt, nil
}

func (*HubSpot) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, "properties", "")
}

func (*HubSpot) RegisterWebhook(context.Context, Credentials, RegisterRequest) (WebhookRegistration, error) {
	return WebhookRegistration{}, ErrPollingRequired
}

func (*HubSpot) DeleteWebhook(context.Context, Credentials, string) error {
	return nil
}

// FetchSince searches contacts created at or after req.Since, oldest first.
// The cursor is HubSpot's paging "after" token.
func (h *HubSpot) FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error) {
	if err := requireKey(creds); err != nil {
		return Page{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	props := append([]string{}, hubspotDefaultProperties...)
	if extra := strings.TrimSpace(req.Options["properties"]); extra != "" {
		for _, p := range strings.Split(extra, ",") {
			if p = strings.TrimSpace(p); p != "" {
				props = append(props, p)
			}
		}
	}
	body := map[string]any{
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": "createdate",
				"operator":     "GTE",
				"value":        strconv.FormatInt(req.Since.UnixMilli(), 10),
			}},
		}},
		"sorts":      []any{map[string]any{"propertyName": "createdate", "direction": "ASCENDING"}},
		"properties": props,
		"limit":      limit,
	}
	if req.Cursor != "" {
		body["after"] = req.Cursor
	}
	var out struct {
		Results []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
			CreatedAt  string         `json:"createdAt"`
		} `json:"results"`
		Paging struct {
			Next struct {
				After string `json:"after"`
			} `json:"next"`
		} `json:"paging"`
	}
	err := h.client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     baseURL(creds, hubspotDefaultBaseURL) + "/crm/v3/objects/contacts/search",
		Headers: map[string]string{"Authorization": "Bearer " + creds.APIKey},
		Body:    body,
	}, &out)
	if err != nil {
		return Page{}, err
	}

	eventType := strings.TrimSpace(req.Event)
	if eventType == "" {
		eventType = "contact.creation"
	}
	page := Page{NextCursor: out.Paging.Next.After}
	for _, r := range out.Results {
		occurred := parseTime(r.CreatedAt)
		if occurred.IsZero() {
			occurred = parseTime(StringAt(r.Properties, "createdate"))
		}
		page.Events = append(page.Events, PolledEvent{
			ExternalID: r.ID,
			EventType:  eventType,
			OccurredAt: occurred,
			Payload: map[string]any{
				"subscriptionType": eventType,
				"objectId":         r.ID,
				"properties":       r.Properties,
			},
		})
	}
	return page, nil
}

var _ Provider = (*HubSpot)(nil)
