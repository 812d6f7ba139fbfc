package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
)

type stubPoller struct {
	calls  []string
	result PollResult
	err    error
}

func (s *stubPoller) PollNow(_ context.Context, t *Trigger) (PollResult, error) {
	s.calls = append(s.calls, t.ID)
	s.result.TriggerID = t.ID
	return s.result, s.err
}

type handlerFixture struct {
	router       http.Handler
	repo         *memRepo
	stub         *stubPipedrive
	poller       *stubPoller
	integrations *memIntegrations
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	repo := newMemRepo()
	stub := newStubPipedrive()
	integrations := pipedriveCreds()
	reg := crm.NewRegistry(crm.NewGeneric(), crm.NewHubSpot(nil), stub)
	poller := &stubPoller{}
	h := NewHandler(repo, integrations,
		NewProvisioner(repo, integrations, reg, "https://api.example.com", nil),
		NewTestMode(repo, &memEventLog{}),
		poller, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if org := req.Header.Get("X-Org-Id"); org != "" {
				req = req.WithContext(tenancy.WithOrgID(req.Context(), org))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.Routes(r)
	return &handlerFixture{router: r, repo: repo, stub: stub, poller: poller, integrations: integrations}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-Id", "org-1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTriggerProvisionsWebhook(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/triggers", `{"name":"Neue Personen","type":"pipedrive","trigger_event":"added.person","first_message_template":"Hallo {{first_name}}","event_filters":{"label":"hot"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Trigger     Trigger `json:"trigger"`
		WebhookURL  string  `json:"webhook_url"`
		Provisioned bool    `json:"provisioned"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, WebhookActive, resp.Trigger.WebhookStatus)
	assert.True(t, resp.Provisioned)
	assert.Contains(t, resp.WebhookURL, "/webhook/crm/pipedrive?")
	assert.Equal(t, "org-1", resp.Trigger.TenantID)
	assert.Equal(t, []string{"hot"}, resp.Trigger.EventFilters["label"].Values())
	require.Len(t, f.stub.registered, 1)
}

func TestCreateTriggerFallsBackToPolling(t *testing.T) {
	f := newHandlerFixture(t)
	f.stub.registerErr = errors.New("boom")
	rec := f.do(t, http.MethodPost, "/triggers", `{"name":"x","type":"pipedrive","agent_id":"8d6f1c1e-0000-4000-8000-000000000001"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"webhook_status":"failed"`)
	assert.Contains(t, rec.Body.String(), `"polling_enabled":true`)
}

func TestCreateTriggerValidation(t *testing.T) {
	f := newHandlerFixture(t)
	for _, body := range []string{
		`not json`,
		`{"type":"pipedrive","first_message_template":"hi"}`,
		`{"name":"x","type":"salesforce","first_message_template":"hi"}`,
		`{"name":"x","type":"pipedrive"}`,
	} {
		rec := f.do(t, http.MethodPost, "/triggers", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/triggers", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerCRUD(t *testing.T) {
	f := newHandlerFixture(t)
	tr := activePipedrive("", "added.person")
	tr.WebhookID = "wh-7"
	require.NoError(t, f.repo.Create(context.Background(), tr))
	other := &Trigger{TenantID: "org-2", Type: crm.TypeWebhook}
	require.NoError(t, f.repo.Create(context.Background(), other))

	rec := f.do(t, http.MethodGet, "/triggers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(t, http.MethodGet, "/triggers/"+tr.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/triggers/"+other.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/triggers?id="+tr.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"wh-7"}, f.stub.deleted)
	_, ok := f.repo.get(tr.ID)
	assert.False(t, ok)

	rec = f.do(t, http.MethodDelete, "/triggers", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestModeEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	tr := activePipedrive("", "added.person")
	require.NoError(t, f.repo.Create(context.Background(), tr))
	path := "/triggers/" + tr.ID + "/test-mode"

	rec := f.do(t, http.MethodPost, path, `{"action":"start"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expires_at")
	stored, _ := f.repo.get(tr.ID)
	require.NotNil(t, stored.State.TestModeUntil)

	rec = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = f.do(t, http.MethodPost, path, `{"action":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, _ = f.repo.get(tr.ID)
	assert.Nil(t, stored.State.TestModeUntil)

	rec = f.do(t, http.MethodPost, path, `{"action":"clear"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":0`)

	rec = f.do(t, http.MethodPost, path, `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollNowEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	webhook := activePipedrive("", "added.person")
	require.NoError(t, f.repo.Create(context.Background(), webhook))
	polling := activePipedrive("", "added.person")
	polling.WebhookStatus = WebhookNotSupported
	polling.PollingEnabled = true
	require.NoError(t, f.repo.Create(context.Background(), polling))

	rec := f.do(t, http.MethodPost, "/triggers/"+webhook.ID+"/poll-now", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.poller.result = PollResult{Fetched: 2, Started: 1}
	rec = f.do(t, http.MethodPost, "/triggers/"+polling.ID+"/poll-now", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{polling.ID}, f.poller.calls)
	assert.Contains(t, rec.Body.String(), `"fetched":2`)

	f.poller.err = errors.New("crm down")
	rec = f.do(t, http.MethodPost, "/triggers/"+polling.ID+"/poll-now", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPutIntegration(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPut, "/integrations/hubspot", `{"api_key":"pat-1","options":{"board_id":"1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	in, err := f.integrations.Get(context.Background(), "org-1", crm.TypeHubSpot)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", in.APIKey)
	assert.NotContains(t, rec.Body.String(), "pat-1")

	rec = f.do(t, http.MethodPut, "/integrations/webhook", `{"api_key":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/integrations/hubspot", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
