package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
)

type memItems struct {
	items map[string]*Item
	seq   int
}

func newMemItems() *memItems { return &memItems{items: map[string]*Item{}} }

func (m *memItems) Insert(_ context.Context, item *Item) error {
	m.seq++
	item.ID = fmt.Sprintf("q-%d", m.seq)
	item.CreatedAt = time.Date(2024, 6, 3, 9, m.seq, 0, 0, time.UTC)
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memItems) Get(_ context.Context, tenantID, id string) (*Item, error) {
	item, ok := m.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *memItems) ListPending(_ context.Context, tenantID string, queueType conversation.QueueType, _ int) ([]Item, error) {
	out := []Item{}
	for _, item := range m.items {
		if item.TenantID == tenantID && item.Status == StatusPending && (queueType == "" || item.QueueType == queueType) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memItems) Close(_ context.Context, tenantID, id string, status Status, resolvedBy string, at time.Time) error {
	item, ok := m.items[id]
	if !ok || item.TenantID != tenantID {
		return ErrItemNotFound
	}
	if item.Status != StatusPending {
		return ErrItemClosed
	}
	item.Status = status
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = &at
	return nil
}

type memConversations struct {
	convs    map[string]*conversation.Conversation
	messages []conversation.Message
}

func newMemConversations(convs ...*conversation.Conversation) *memConversations {
	m := &memConversations{convs: map[string]*conversation.Conversation{}}
	for _, c := range convs {
		m.convs[c.ID] = c
	}
	return m
}

func (m *memConversations) UpsertOpen(_ context.Context, c *conversation.Conversation) (bool, error) {
	m.convs[c.ID] = c
	return true, nil
}

func (m *memConversations) Get(_ context.Context, tenantID, id string) (*conversation.Conversation, error) {
	c, ok := m.convs[id]
	if !ok || c.TenantID != tenantID {
		return nil, conversation.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConversations) FindOpenByPhone(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, conversation.ErrConversationNotFound
}

func (m *memConversations) Save(_ context.Context, c *conversation.Conversation) error {
	cp := *c
	m.convs[c.ID] = &cp
	return nil
}

func (m *memConversations) InsertMessage(_ context.Context, msg *conversation.Message) error {
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memConversations) MessageExists(context.Context, string, string) (bool, error) {
	return false, nil
}

func (m *memConversations) CountMessages(context.Context, string, conversation.Direction) (int, error) {
	return len(m.messages), nil
}

func (m *memConversations) RecentMessages(context.Context, string, int) ([]conversation.Message, error) {
	return m.messages, nil
}

type fakeSender struct {
	sent []gateway.SendRequest
	err  error
}

func (s *fakeSender) SendText(_ context.Context, req gateway.SendRequest) (gateway.SendResult, error) {
	s.sent = append(s.sent, req)
	if s.err != nil {
		return gateway.SendResult{}, s.err
	}
	return gateway.SendResult{MessageID: "wamid-h1", Status: "sent"}, nil
}

type recordingNotifier struct {
	items []Item
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, item Item, _ *conversation.Conversation) error {
	n.items = append(n.items, item)
	return n.err
}

type capturePublisher struct {
	types []string
	data  []any
}

func (p *capturePublisher) Publish(_ context.Context, eventType string, data any) error {
	p.types = append(p.types, eventType)
	p.data = append(p.data, data)
	return nil
}
