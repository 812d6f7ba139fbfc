package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
	"github.com/wolfman30/crm-trigger-engine/internal/tenant"
)

type memRepo struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      []Message
	seq           int
	clock         time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{conversations: map[string]*Conversation{}, clock: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) UpsertOpen(_ context.Context, c *Conversation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.conversations {
		if existing.TenantID == c.TenantID && existing.ContactPhone == c.ContactPhone && existing.Status.Open() {
			cp := *existing
			*c = cp
			return false, nil
		}
	}
	r.seq++
	c.ID = fmt.Sprintf("conv-%d", r.seq)
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.CreatedAt = r.tick()
	cp := *c
	r.conversations[c.ID] = &cp
	return true, nil
}

func (r *memRepo) Get(_ context.Context, tenantID, id string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) FindOpenByPhone(_ context.Context, tenantID, phone string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Conversation
	for _, c := range r.conversations {
		if c.TenantID != tenantID || c.ContactPhone != phone || !c.Status.Open() {
			continue
		}
		if latest == nil {
			latest = c
			continue
		}
		cEsc, lEsc := c.Status == StatusEscalated, latest.Status == StatusEscalated
		if (lEsc && !cEsc) || (cEsc == lEsc && c.CreatedAt.After(latest.CreatedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrConversationNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memRepo) Save(_ context.Context, c *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[c.ID]; !ok {
		return ErrConversationNotFound
	}
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *memRepo) InsertMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.ID = fmt.Sprintf("msg-%d", r.seq)
	m.CreatedAt = r.tick()
	r.messages = append(r.messages, *m)
	return nil
}

func (r *memRepo) MessageExists(_ context.Context, tenantID, externalID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if externalID == "" {
		return false, nil
	}
	for _, m := range r.messages {
		if m.TenantID == tenantID && m.ExternalMessageID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) CountMessages(_ context.Context, conversationID string, direction Direction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.Direction == direction {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memRepo) conversation(id string) Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.conversations[id]
}

func (r *memRepo) messagesFor(id string, direction Direction) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.ConversationID == id && m.Direction == direction {
			out = append(out, m)
		}
	}
	return out
}

type memAgents map[string]*Agent

func (a memAgents) GetAgent(_ context.Context, tenantID, id string) (*Agent, error) {
	agent, ok := a[id]
	if !ok || agent.TenantID != tenantID {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []gateway.SendRequest
	err  error
}

func (s *fakeSender) SendText(_ context.Context, req gateway.SendRequest) (gateway.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	if s.err != nil {
		return gateway.SendResult{}, s.err
	}
	return gateway.SendResult{MessageID: fmt.Sprintf("wamid-%d", len(s.sent)), Status: "sent"}, nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, req := range s.sent {
		out = append(out, req.Text)
	}
	return out
}

// memLocker serializes per key in process.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker { return &memLocker{locks: map[string]*sync.Mutex{}} }

func (l *memLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return func(context.Context) error {
		m.Unlock()
		return nil
	}, nil
}

type queuedItem struct {
	ConversationID string
	Original       string
	Reason         string
	QueueType      QueueType
}

type fakeQueue struct {
	items []queuedItem
}

func (q *fakeQueue) Enqueue(_ context.Context, conv *Conversation, original, reason, _ string, queueType QueueType) error {
	q.items = append(q.items, queuedItem{ConversationID: conv.ID, Original: original, Reason: reason, QueueType: queueType})
	return nil
}

type fakeDrafter struct {
	reply   string
	err     error
	history []Message
	calls   int
}

func (d *fakeDrafter) Reply(_ context.Context, _ *Agent, _ *Conversation, history []Message) (string, error) {
	d.calls++
	d.history = history
	return d.reply, d.err
}

type fakeAccounts map[string]Account

func (a fakeAccounts) ResolveAccount(_ context.Context, id string) (Account, error) {
	acct, ok := a[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

type fakeSettings struct {
	settings *tenant.Settings
	err      error
}

func (s fakeSettings) Get(context.Context, string) (*tenant.Settings, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.settings, nil
}

var errGatewayDown = errors.New("gateway unavailable")
