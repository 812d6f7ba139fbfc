package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const mondayDefaultBaseURL = "https://api.monday.com/v2"

// Monday delivers board events as {event: {type, pulseId, pulseName,
// columnValues}} and needs a board_id option for both webhooks and polling.
type Monday struct {
	client *HTTPClient
}

// NewMonday returns the monday.com adapter.
func NewMonday(client *HTTPClient) *Monday { return &Monday{client: client} }

func (*Monday) Type() Type { return TypeMonday }

func (*Monday) SupportsWebhooks() bool { return true }

func (*Monday) ExtractEventType(payload map[string]any) string {
	return StringAt(payload, "event.type", "type")
}

// mondayColumn scans column values for the first column whose id or value
// shape matches one of the hints.
func mondayColumn(columns map[string]any, valueKey string, idHints ...string) string {
	ids := make([]string, 0, len(columns))
	for id := range columns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		col, ok := columns[id].(map[string]any)
		if !ok {
			continue
		}
		if v := StringAt(col, valueKey); v != "" {
			return v
		}
	}
	for _, id := range ids {
		lower := strings.ToLower(id)
		for _, hint := range idHints {
			if !strings.Contains(lower, hint) {
				continue
			}
			if s, ok := scalarString(columns[id]); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
			if col, ok := columns[id].(map[string]any); ok {
				if v := StringAt(col, "text", "value"); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func (m *Monday) Normalize(payload map[string]any) (ContactEvent, error) {
	columns := MapAt(payload, "event.columnValues")
	evt := ContactEvent{
		CRMType:    TypeMonday,
		EventType:  m.ExtractEventType(payload),
		ExternalID: StringAt(payload, "event.pulseId", "event.itemId"),
		FullName:   StringAt(payload, "event.pulseName", "event.itemName"),
		OccurredAt: parseTime(StringAt(payload, "event.triggerTime", "event.created_at")),
	}
	if columns != nil {
		evt.Phone = mondayColumn(columns, "phone", "phone", "telefon", "mobile")
		evt.Email = mondayColumn(columns, "email", "email", "mail")
	}
	fillNames(&evt)
	return evt, nil
}

func (*Monday) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, "event.columnValues", "event", "")
}

func (m *Monday) graphql(ctx context.Context, creds Credentials, query string, out any) error {
	if err := requireKey(creds); err != nil {
		return err
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	err := m.client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     baseURL(creds, mondayDefaultBaseURL),
		Headers: map[string]string{"Authorization": creds.APIKey, "API-Version": "2024-10"},
		Body:    map[string]string{"query": query},
	}, &envelope)
	if err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("crm: monday graphql: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("crm: monday decode data: %w", err)
	}
	return nil
}

func mondayBoardID(creds Credentials, opts map[string]string) (string, error) {
	board := strings.TrimSpace(opts["board_id"])
	if board == "" {
		board = creds.Option("board_id")
	}
	if _, err := strconv.ParseInt(board, 10, 64); err != nil {
		return "", fmt.Errorf("crm: monday board_id option required")
	}
	return board, nil
}

func (m *Monday) RegisterWebhook(ctx context.Context, creds Credentials, req RegisterRequest) (WebhookRegistration, error) {
	board, err := mondayBoardID(creds, req.Options)
	if err != nil {
		return WebhookRegistration{}, err
	}
	event := strings.TrimSpace(req.Event)
	if event == "" || event == "create_pulse" {
		event = "create_item"
	}
	query := fmt.Sprintf(`mutation { create_webhook (board_id: %s, url: %s, event: %s) { id board_id } }`,
		board, strconv.Quote(req.CallbackURL), event)
	var out struct {
		CreateWebhook struct {
			ID json.Number `json:"id"`
		} `json:"create_webhook"`
	}
	if err := m.graphql(ctx, creds, query, &out); err != nil {
		return WebhookRegistration{}, err
	}
	if out.CreateWebhook.ID == "" {
		return WebhookRegistration{}, fmt.Errorf("crm: monday webhook registration returned no id")
	}
	return WebhookRegistration{ID: out.CreateWebhook.ID.String(), Secret: req.Secret}, nil
}

func (m *Monday) DeleteWebhook(ctx context.Context, creds Credentials, webhookID string) error {
	if _, err := strconv.ParseInt(webhookID, 10, 64); err != nil {
		return fmt.Errorf("crm: monday webhook id %q invalid", webhookID)
	}
	return m.graphql(ctx, creds, fmt.Sprintf(`mutation { delete_webhook (id: %s) { id } }`, webhookID), nil)
}

// FetchSince reads the newest board items and keeps those created after
// req.Since. Monday has no creation-time filter, so there is no cursor.
func (m *Monday) FetchSince(ctx context.Context, creds Credentials, req FetchRequest) (Page, error) {
	board, err := mondayBoardID(creds, req.Options)
	if err != nil {
		return Page{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := fmt.Sprintf(`query { boards (ids: [%s]) { items_page (limit: %d, query_params: {order_by: [{column_id: "__creation_log__", direction: desc}]}) { items { id name created_at column_values { id text value } } } } }`, board, limit)
	var out struct {
		Boards []struct {
			ItemsPage struct {
				Items []struct {
					ID           string `json:"id"`
					Name         string `json:"name"`
					CreatedAt    string `json:"created_at"`
					ColumnValues []struct {
						ID    string  `json:"id"`
						Text  string  `json:"text"`
						Value *string `json:"value"`
					} `json:"column_values"`
				} `json:"items"`
			} `json:"items_page"`
		} `json:"boards"`
	}
	if err := m.graphql(ctx, creds, query, &out); err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, b := range out.Boards {
		for _, item := range b.ItemsPage.Items {
			created := parseTime(item.CreatedAt)
			if !created.IsZero() && created.Before(req.Since) {
				continue
			}
			columns := map[string]any{}
			for _, cv := range item.ColumnValues {
				col := map[string]any{"text": cv.Text}
				if cv.Value != nil {
					var parsed map[string]any
					if json.Unmarshal([]byte(*cv.Value), &parsed) == nil {
						for k, v := range parsed {
							col[k] = v
						}
					}
				}
				columns[cv.ID] = col
			}
			page.Events = append(page.Events, PolledEvent{
				ExternalID: item.ID,
				EventType:  "create_pulse",
				OccurredAt: created,
				Payload: map[string]any{"event": map[string]any{
					"type":         "create_pulse",
					"pulseId":      item.ID,
					"pulseName":    item.Name,
					"boardId":      board,
					"columnValues": columns,
				}},
			})
		}
	}
	// Oldest first so watermarks and conversations follow creation order.
	sort.SliceStable(page.Events, func(i, j int) bool {
		return page.Events[i].OccurredAt.Before(page.Events[j].OccurredAt)
	})
	return page, nil
}

var _ Provider = (*Monday)(nil)
