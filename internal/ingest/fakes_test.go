package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/archive"
	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
)

var testNow = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func testRegistry() *crm.Registry {
	return crm.NewRegistry(crm.NewGeneric(), crm.NewPipedrive(nil))
}

type fakeResolver struct {
	trigger  *triggers.Trigger
	err      error
	registry *crm.Registry
	calls    []string
}

func (f *fakeResolver) Resolve(_ context.Context, crmType crm.Type, triggerID string, _ map[string]any) (*triggers.Trigger, error) {
	f.calls = append(f.calls, string(crmType)+"/"+triggerID)
	if f.err != nil {
		return nil, f.err
	}
	return f.trigger, nil
}

func (f *fakeResolver) MatchesFilters(t *triggers.Trigger, payload map[string]any) triggers.FilterResult {
	adapter, _ := f.registry.Adapter(t.Type)
	return triggers.MatchFilters(adapter, t, payload)
}

type memAudit struct {
	records []*events.CRMWebhookEvent
	err     error
}

func (m *memAudit) Record(_ context.Context, evt *events.CRMWebhookEvent) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, evt)
	return nil
}

type memReplay struct {
	seen map[string]bool
}

func newMemReplay() *memReplay { return &memReplay{seen: map[string]bool{}} }

func (m *memReplay) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	return m.seen[provider+"|"+eventID], nil
}

func (m *memReplay) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	key := provider + "|" + eventID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type fakeStarter struct {
	requests []conversation.StartRequest
	result   conversation.StartResult
	err      error
}

func (f *fakeStarter) Start(_ context.Context, req conversation.StartRequest) (conversation.StartResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return conversation.StartResult{}, f.err
	}
	return f.result, nil
}

type fakeArchiver struct {
	records []archive.PayloadRecord
}

func (f *fakeArchiver) ArchivePayload(_ context.Context, record archive.PayloadRecord) (string, error) {
	f.records = append(f.records, record)
	return "key", nil
}

type fakeProcessor struct {
	events []Event
	fn     func(Event) (Result, error)
}

func (f *fakeProcessor) Process(_ context.Context, ev Event) (Result, error) {
	f.events = append(f.events, ev)
	if f.fn != nil {
		return f.fn(ev)
	}
	return Result{Outcome: OutcomeStarted, ConversationID: "conv-1"}, nil
}

type savedProgress struct {
	id        string
	watermark *time.Time
	cursor    string
	since     *time.Time
}

type memPollStore struct {
	triggers []*triggers.Trigger
	saved    []savedProgress
	listErr  error
}

func (m *memPollStore) ListPolling(context.Context) ([]*triggers.Trigger, error) {
	return m.triggers, m.listErr
}

func (m *memPollStore) SavePollProgress(_ context.Context, id string, progress triggers.PollProgress) error {
	m.saved = append(m.saved, savedProgress{id: id, watermark: progress.Watermark, cursor: progress.Cursor, since: progress.Since})
	return nil
}

type fakeCreds struct{}

func (fakeCreds) Get(_ context.Context, tenantID string, crmType crm.Type) (*triggers.Integration, error) {
	if tenantID == "" {
		return nil, triggers.ErrIntegrationNotFound
	}
	return &triggers.Integration{TenantID: tenantID, CRMType: crmType, APIKey: "key"}, nil
}

type fakeProvider struct {
	pages    map[string]crm.Page
	err      error
	requests []crm.FetchRequest
}

func (f *fakeProvider) RegisterWebhook(context.Context, crm.Credentials, crm.RegisterRequest) (crm.WebhookRegistration, error) {
	return crm.WebhookRegistration{}, crm.ErrPollingRequired
}

func (f *fakeProvider) DeleteWebhook(context.Context, crm.Credentials, string) error { return nil }

func (f *fakeProvider) FetchSince(_ context.Context, _ crm.Credentials, req crm.FetchRequest) (crm.Page, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return crm.Page{}, f.err
	}
	return f.pages[req.Cursor], nil
}

type providerMap map[crm.Type]crm.Provider

func (m providerMap) Provider(t crm.Type) (crm.Provider, bool) {
	p, ok := m[t]
	return p, ok
}

var errDatabaseDown = errors.New("database down")
