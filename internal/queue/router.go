package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
	"github.com/wolfman30/crm-trigger-engine/internal/notify"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Notifier is told about every new queue item. Failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, item Item, conv *conversation.Conversation) error
}

// Router enqueues messages for humans and carries out operator actions.
type Router struct {
	items         Repository
	conversations conversation.Repository
	sender        gateway.Sender
	notifiers     []Notifier
	metrics       *metrics.EngineMetrics
	logger        *logging.Logger
	now           func() time.Time
}

func NewRouter(items Repository, conversations conversation.Repository, sender gateway.Sender, logger *logging.Logger, notifiers ...Notifier) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		items:         items,
		conversations: conversations,
		sender:        sender,
		notifiers:     notifiers,
		logger:        logger,
		now:           time.Now,
	}
}

// WithMetrics attaches metrics and returns r.
func (r *Router) WithMetrics(m *metrics.EngineMetrics) *Router {
	r.metrics = m
	return r
}

// Enqueue stores a pending item and fans out notifications.
func (r *Router) Enqueue(ctx context.Context, conv *conversation.Conversation, original, reason, suggested string, queueType conversation.QueueType) error {
	item := &Item{
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		QueueType:         queueType,
		Status:            StatusPending,
		Priority:          PriorityFor(queueType),
		OriginalMessage:   original,
		Reason:            reason,
		SuggestedResponse: suggested,
	}
	if err := r.items.Insert(ctx, item); err != nil {
		return err
	}
	r.metrics.ObserveQueueItem(string(queueType))
	r.logger.Info("message queued for humans", "tenant_id", item.TenantID, "queue_item_id", item.ID,
		"queue_type", queueType, "priority", item.Priority)

	for _, n := range r.notifiers {
		if err := n.Notify(ctx, *item, conv); err != nil {
			r.logger.Warn("queue notifier failed", "queue_item_id", item.ID, "error", err)
		}
	}
	return nil
}

// List returns pending items for a tenant.
func (r *Router) List(ctx context.Context, tenantID string, queueType conversation.QueueType, limit int) ([]Item, error) {
	return r.items.ListPending(ctx, tenantID, queueType, limit)
}

// Send delivers an operator reply (text, or the suggested response when
// text is empty) and resolves the item. The conversation status is kept.
func (r *Router) Send(ctx context.Context, tenantID, itemID, text, resolvedBy string) (*Item, error) {
	item, conv, err := r.loadPending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNoConversation
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = strings.TrimSpace(item.SuggestedResponse)
	}
	if text == "" {
		return nil, ErrEmptyReply
	}

	res, err := r.sender.SendText(ctx, gateway.SendRequest{AccountID: conv.WhatsAppAccountID, To: conv.ContactPhone, Text: text})
	if err != nil {
		r.metrics.ObserveOutbound(string(conversation.MessageFailed))
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	r.metrics.ObserveOutbound(string(conversation.MessageSent))
	if err := r.conversations.InsertMessage(ctx, &conversation.Message{
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		Direction:         conversation.DirectionOutbound,
		SenderType:        conversation.SenderHuman,
		Content:           text,
		Status:            conversation.MessageSent,
		ExternalMessageID: res.MessageID,
	}); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	conv.LastMessageAt = &now
	if err := r.conversations.Save(ctx, conv); err != nil {
		r.logger.Warn("failed to stamp conversation", "conversation_id", conv.ID, "error", err)
	}
	return r.close(ctx, item, StatusResolved, resolvedBy)
}

// ReturnToAgent resolves the item without sending. The conversation status
// is left alone; an operator changes it explicitly.
func (r *Router) ReturnToAgent(ctx context.Context, tenantID, itemID, resolvedBy string) (*Item, error) {
	item, _, err := r.loadPending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	return r.close(ctx, item, StatusResolved, resolvedBy)
}

// Dismiss closes the item without action.
func (r *Router) Dismiss(ctx context.Context, tenantID, itemID, resolvedBy string) (*Item, error) {
	item, _, err := r.loadPending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	return r.close(ctx, item, StatusDismissed, resolvedBy)
}

func (r *Router) loadPending(ctx context.Context, tenantID, itemID string) (*Item, *conversation.Conversation, error) {
	item, err := r.items.Get(ctx, tenantID, itemID)
	if err != nil {
		return nil, nil, err
	}
	if item.Status != StatusPending {
		return nil, nil, ErrItemClosed
	}
	if item.ConversationID == "" {
		return item, nil, nil
	}
	conv, err := r.conversations.Get(ctx, tenantID, item.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return item, nil, nil
		}
		return nil, nil, err
	}
	return item, conv, nil
}

func (r *Router) close(ctx context.Context, item *Item, status Status, resolvedBy string) (*Item, error) {
	now := r.now().UTC()
	if err := r.items.Close(ctx, item.TenantID, item.ID, status, resolvedBy, now); err != nil {
		return nil, err
	}
	item.Status = status
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = &now
	r.logger.Info("queue item closed", "tenant_id", item.TenantID, "queue_item_id", item.ID, "status", status)
	return item, nil
}

// EventNotifier publishes queue.item_created events.
type EventNotifier struct {
	publisher events.Publisher
}

func NewEventNotifier(publisher events.Publisher) *EventNotifier {
	return &EventNotifier{publisher: publisher}
}

func (n *EventNotifier) Notify(ctx context.Context, item Item, conv *conversation.Conversation) error {
	evt := events.QueueItemCreatedV1{
		EventID:         uuid.NewString(),
		TenantID:        item.TenantID,
		QueueItemID:     item.ID,
		ConversationID:  item.ConversationID,
		QueueType:       string(item.QueueType),
		Priority:        item.Priority,
		Reason:          item.Reason,
		OriginalMessage: item.OriginalMessage,
		CreatedAt:       item.CreatedAt,
	}
	if conv != nil {
		evt.ContactPhone = conv.ContactPhone
		evt.ContactName = conv.ContactName
	}
	return n.publisher.Publish(ctx, events.TypeQueueItemCreated, evt)
}

// EmailNotifier mails the tenant's operators.
type EmailNotifier struct {
	service *notify.Service
}

func NewEmailNotifier(service *notify.Service) *EmailNotifier {
	return &EmailNotifier{service: service}
}

func (n *EmailNotifier) Notify(ctx context.Context, item Item, conv *conversation.Conversation) error {
	notice := notify.QueueNotice{
		TenantID:        item.TenantID,
		QueueItemID:     item.ID,
		QueueType:       string(item.QueueType),
		Priority:        item.Priority,
		ConversationID:  item.ConversationID,
		OriginalMessage: item.OriginalMessage,
		Reason:          item.Reason,
	}
	if conv != nil {
		notice.ContactName = conv.ContactName
		notice.ContactPhone = conv.ContactPhone
	}
	return n.service.NotifyQueueItem(ctx, notice)
}

var _ conversation.HumanQueue = (*Router)(nil)
