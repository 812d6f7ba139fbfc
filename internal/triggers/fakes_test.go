package triggers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
)

type memRepo struct {
	mu       sync.Mutex
	triggers map[string]*Trigger
	order    []string
}

func newMemRepo(seed ...*Trigger) *memRepo {
	r := &memRepo{triggers: map[string]*Trigger{}}
	for _, t := range seed {
		_ = r.Create(context.Background(), t)
	}
	return r
}

func (r *memRepo) Create(_ context.Context, t *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now()
	cp := *t
	r.triggers[t.ID] = &cp
	r.order = append(r.order, t.ID)
	return nil
}

func (r *memRepo) get(id string) (*Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (r *memRepo) Get(_ context.Context, tenantID, id string) (*Trigger, error) {
	t, ok := r.get(id)
	if !ok || t.TenantID != tenantID {
		return nil, ErrTriggerNotFound
	}
	return t, nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*Trigger, error) {
	t, ok := r.get(id)
	if !ok {
		return nil, ErrTriggerNotFound
	}
	return t, nil
}

func (r *memRepo) filter(keep func(*Trigger) bool) []*Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Trigger
	for _, id := range r.order {
		t, ok := r.triggers[id]
		if ok && keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (r *memRepo) List(_ context.Context, tenantID string) ([]*Trigger, error) {
	return r.filter(func(t *Trigger) bool { return t.TenantID == tenantID }), nil
}

func (r *memRepo) ListActiveByType(_ context.Context, crmType crm.Type) ([]*Trigger, error) {
	return r.filter(func(t *Trigger) bool { return t.IsActive && t.Type == crmType }), nil
}

func (r *memRepo) ListPolling(_ context.Context) ([]*Trigger, error) {
	out := r.filter(func(t *Trigger) bool { return t.IsActive && t.PollingEnabled })
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastPolledAt == nil && out[j].LastPolledAt != nil })
	return out, nil
}

func (r *memRepo) UpdateProvisioning(_ context.Context, t *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.triggers[t.ID]
	if !ok {
		return ErrTriggerNotFound
	}
	stored.WebhookID = t.WebhookID
	stored.WebhookSecret = t.WebhookSecret
	stored.WebhookStatus = t.WebhookStatus
	stored.PollingEnabled = t.PollingEnabled
	stored.State = t.State
	return nil
}

func (r *memRepo) SetTestWindow(_ context.Context, id string, startedAt, until *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	if until == nil {
		stored.State.TestModeUntil = nil
		return nil
	}
	stored.State.TestStartedAt = startedAt
	stored.State.TestModeUntil = until
	return nil
}

func (r *memRepo) SavePollProgress(_ context.Context, id string, progress PollProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	if wm := progress.Watermark; wm != nil && (stored.LastPolledAt == nil || wm.After(*stored.LastPolledAt)) {
		w := *wm
		stored.LastPolledAt = &w
	}
	stored.State.PollingCursor = progress.Cursor
	stored.State.PollingSince = nil
	if progress.Cursor != "" {
		stored.State.PollingSince = progress.Since
	}
	return nil
}

func (r *memRepo) Delete(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok || t.TenantID != tenantID {
		return ErrTriggerNotFound
	}
	delete(r.triggers, id)
	return nil
}

type memIntegrations struct {
	items map[string]*Integration
}

func newMemIntegrations(items ...*Integration) *memIntegrations {
	m := &memIntegrations{items: map[string]*Integration{}}
	for _, in := range items {
		m.items[in.TenantID+"/"+string(in.CRMType)] = in
	}
	return m
}

func (m *memIntegrations) Get(_ context.Context, tenantID string, crmType crm.Type) (*Integration, error) {
	in, ok := m.items[tenantID+"/"+string(crmType)]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	return in, nil
}

func (m *memIntegrations) Upsert(_ context.Context, in *Integration) error {
	m.items[in.TenantID+"/"+string(in.CRMType)] = in
	return nil
}

// stubPipedrive is the Pipedrive adapter with a scripted API.
type stubPipedrive struct {
	*crm.Pipedrive
	registerErr error
	deleteErr   error
	registered  []crm.RegisterRequest
	deleted     []string
}

func newStubPipedrive() *stubPipedrive {
	return &stubPipedrive{Pipedrive: crm.NewPipedrive(nil)}
}

func (s *stubPipedrive) RegisterWebhook(_ context.Context, _ crm.Credentials, req crm.RegisterRequest) (crm.WebhookRegistration, error) {
	s.registered = append(s.registered, req)
	if s.registerErr != nil {
		return crm.WebhookRegistration{}, s.registerErr
	}
	return crm.WebhookRegistration{ID: "wh-1"}, nil
}

func (s *stubPipedrive) DeleteWebhook(_ context.Context, _ crm.Credentials, id string) error {
	s.deleted = append(s.deleted, id)
	return s.deleteErr
}

func (s *stubPipedrive) FetchSince(context.Context, crm.Credentials, crm.FetchRequest) (crm.Page, error) {
	return crm.Page{}, nil
}

type memEventLog struct {
	events  []events.CRMWebhookEvent
	since   *time.Time
	cleared int
}

func (m *memEventLog) ListTestEvents(_ context.Context, _ string, since *time.Time, _ int) ([]events.CRMWebhookEvent, error) {
	m.since = since
	return m.events, nil
}

func (m *memEventLog) DeleteTestEvents(context.Context, string) (int64, error) {
	n := int64(len(m.events))
	m.events = nil
	m.cleared++
	return n, nil
}
