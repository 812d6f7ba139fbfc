package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
)

func webhookRouter(processor EventProcessor) http.Handler {
	r := chi.NewRouter()
	NewWebhookHandler(processor, nil).Routes(r)
	return r
}

func post(h http.Handler, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookStartsConversation(t *testing.T) {
	processor := &fakeProcessor{}
	rec := post(webhookRouter(processor), "/webhook/crm/pipedrive?triggerId=trg-1&token=s3cret", "application/json",
		`{"event":"added.person","current":{"name":"Max Mustermann","phone":[{"value":"+49123456789"}]}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "conv-1", body["conversationId"])

	require.Len(t, processor.events, 1)
	ev := processor.events[0]
	assert.Equal(t, crm.TypePipedrive, ev.CRMType)
	assert.Equal(t, "trg-1", ev.TriggerID)
	assert.Equal(t, "s3cret", ev.Token)
	assert.Equal(t, SourceWebhook, ev.Source)
	assert.Equal(t, "added.person", ev.Payload["event"])
}

func TestWebhookAcceptsFormBodies(t *testing.T) {
	processor := &fakeProcessor{}
	rec := post(webhookRouter(processor), "/webhook/crm/activecampaign", "application/x-www-form-urlencoded",
		"type=subscribe&contact%5Bphone%5D=%2B4915112345678&contact%5Bfirst_name%5D=Max")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, processor.events, 1)
	contact, ok := processor.events[0].Payload["contact"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "+4915112345678", contact["phone"])
}

func TestWebhookMondayChallenge(t *testing.T) {
	processor := &fakeProcessor{}
	rec := post(webhookRouter(processor), "/webhook/crm/monday", "application/json", `{"challenge":"abc123"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", decodeBody(t, rec)["challenge"])
	assert.Empty(t, processor.events)
}

func TestWebhookGetChallengeEcho(t *testing.T) {
	h := webhookRouter(&fakeProcessor{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/crm/hubspot?challenge=xyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "xyz", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhook/crm/salesforce?challenge=xyz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookResponses(t *testing.T) {
	cases := []struct {
		name    string
		result  Result
		err     error
		status  int
		success any
	}{
		{"filtered", Result{Outcome: OutcomeFiltered, Message: "event does not match filter"}, nil, http.StatusOK, true},
		{"test capture", Result{Outcome: OutcomeTestCaptured, Message: "event captured in test mode"}, nil, http.StatusOK, true},
		{"send failed", Result{Outcome: OutcomeSendFailed, ConversationID: "conv-1", Message: "gateway down"}, nil, http.StatusOK, false},
		{"no trigger", Result{Outcome: OutcomeUnmatched}, triggers.ErrNoMatchingTrigger, http.StatusNotFound, nil},
		{"missing phone", Result{Outcome: OutcomeMissingPhone}, ErrMissingPhone, http.StatusBadRequest, nil},
		{"bad token", Result{Outcome: OutcomeRejected}, triggers.ErrInvalidToken, http.StatusUnauthorized, nil},
		{"unexpected", Result{Outcome: OutcomeFailed}, errDatabaseDown, http.StatusInternalServerError, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			processor := &fakeProcessor{fn: func(Event) (Result, error) { return tc.result, tc.err }}
			rec := post(webhookRouter(processor), "/webhook/crm/webhook", "application/json", `{"phone":"+4915112345678"}`)
			require.Equal(t, tc.status, rec.Code)
			body := decodeBody(t, rec)
			if tc.success != nil {
				assert.Equal(t, tc.success, body["success"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestWebhookRejectsBadInput(t *testing.T) {
	processor := &fakeProcessor{}
	h := webhookRouter(processor)

	assert.Equal(t, http.StatusBadRequest, post(h, "/webhook/crm/salesforce", "application/json", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/webhook/crm/hubspot", "application/json", `[1,2]`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/webhook/crm/hubspot", "application/json", ``).Code)
	assert.Empty(t, processor.events)
}

type fakeAllPoller struct {
	calls int
}

func (f *fakeAllPoller) PollAll(context.Context) (PollReport, error) {
	f.calls++
	return PollReport{Triggers: 2}, nil
}

func TestCronHandlerRequiresBearerSecret(t *testing.T) {
	poller := &fakeAllPoller{}
	r := chi.NewRouter()
	NewCronHandler(poller, "cron-secret", nil).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/cron/poll-triggers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cron/poll-triggers", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["triggers"])
	assert.Equal(t, 1, poller.calls)
}

func TestCronHandlerWithoutSecretIsPermissive(t *testing.T) {
	poller := &fakeAllPoller{}
	r := chi.NewRouter()
	NewCronHandler(poller, "", nil).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/cron/poll-triggers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, poller.calls)
}
