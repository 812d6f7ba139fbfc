package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
)

func escalatedConv() *conversation.Conversation {
	return &conversation.Conversation{
		ID: "c-1", TenantID: "org-1", WhatsAppAccountID: "acct-1", ContactPhone: "+4915112345678",
		ContactName: "Max Mustermann", Status: conversation.StatusEscalated,
	}
}

func TestEnqueuePrioritisesAndNotifies(t *testing.T) {
	items := newMemItems()
	failing := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}
	router := NewRouter(items, newMemConversations(escalatedConv()), &fakeSender{}, nil, failing, ok)
	ctx := context.Background()

	conv := escalatedConv()
	require.NoError(t, router.Enqueue(ctx, conv, "Hallo?", "outside office hours", "", conversation.QueueOutsideHours))
	require.NoError(t, router.Enqueue(ctx, conv, "Anwalt!", "escalation keyword: anwalt", "", conversation.QueueEscalated))

	assert.Len(t, failing.items, 2, "a failing notifier does not stop the others")
	assert.Len(t, ok.items, 2)

	pending, err := router.List(ctx, "org-1", "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, conversation.QueueEscalated, pending[0].QueueType)
	assert.Equal(t, 2, pending[0].Priority)
	assert.Equal(t, 1, pending[1].Priority)

	onlyHours, err := router.List(ctx, "org-1", conversation.QueueOutsideHours, 0)
	require.NoError(t, err)
	assert.Len(t, onlyHours, 1)
}

func TestSendDeliversAndResolves(t *testing.T) {
	items := newMemItems()
	convs := newMemConversations(escalatedConv())
	sender := &fakeSender{}
	router := NewRouter(items, convs, sender, nil)
	ctx := context.Background()
	require.NoError(t, router.Enqueue(ctx, escalatedConv(), "Anwalt!", "", "Wir melden uns gleich.", conversation.QueueEscalated))

	item, err := router.Send(ctx, "org-1", "q-1", "", "anna@praxis.de")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, item.Status)
	assert.Equal(t, "anna@praxis.de", item.ResolvedBy)
	require.NotNil(t, item.ResolvedAt)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Wir melden uns gleich.", sender.sent[0].Text)
	assert.Equal(t, "+4915112345678", sender.sent[0].To)
	require.Len(t, convs.messages, 1)
	assert.Equal(t, conversation.SenderHuman, convs.messages[0].SenderType)
	assert.Equal(t, conversation.StatusEscalated, convs.convs["c-1"].Status, "status unchanged")

	_, err = router.Send(ctx, "org-1", "q-1", "nochmal", "")
	assert.ErrorIs(t, err, ErrItemClosed)
}

func TestSendFailureKeepsItemPending(t *testing.T) {
	items := newMemItems()
	router := NewRouter(items, newMemConversations(escalatedConv()), &fakeSender{err: errors.New("offline")}, nil)
	ctx := context.Background()
	require.NoError(t, router.Enqueue(ctx, escalatedConv(), "Hallo", "", "", conversation.QueueEscalated))

	_, err := router.Send(ctx, "org-1", "q-1", "Antwort", "")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, StatusPending, items.items["q-1"].Status)

	_, err = router.Send(ctx, "org-1", "q-1", " ", "")
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestReturnToAgentKeepsConversationStatus(t *testing.T) {
	items := newMemItems()
	convs := newMemConversations(escalatedConv())
	sender := &fakeSender{}
	router := NewRouter(items, convs, sender, nil)
	ctx := context.Background()
	require.NoError(t, router.Enqueue(ctx, escalatedConv(), "Hallo", "", "", conversation.QueueEscalated))

	item, err := router.ReturnToAgent(ctx, "org-1", "q-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, item.Status)
	assert.Equal(t, conversation.StatusEscalated, convs.convs["c-1"].Status)
	assert.Empty(t, sender.sent)

	_, err = router.ReturnToAgent(ctx, "org-1", "q-1", "ops")
	assert.ErrorIs(t, err, ErrItemClosed)
}

func TestDismiss(t *testing.T) {
	items := newMemItems()
	router := NewRouter(items, newMemConversations(escalatedConv()), &fakeSender{}, nil)
	ctx := context.Background()
	require.NoError(t, router.Enqueue(ctx, escalatedConv(), "Hallo", "", "", conversation.QueueOutsideHours))

	item, err := router.Dismiss(ctx, "org-1", "q-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, item.Status)

	_, err = router.Dismiss(ctx, "org-2", "q-1", "")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestEventNotifierPublishes(t *testing.T) {
	pub := &capturePublisher{}
	n := NewEventNotifier(pub)
	err := n.Notify(context.Background(), Item{ID: "q-1", TenantID: "org-1", QueueType: conversation.QueueEscalated, Priority: 2}, escalatedConv())
	require.NoError(t, err)
	require.Equal(t, []string{events.TypeQueueItemCreated}, pub.types)
	evt := pub.data[0].(events.QueueItemCreatedV1)
	assert.Equal(t, "q-1", evt.QueueItemID)
	assert.Equal(t, "+4915112345678", evt.ContactPhone)
	assert.NotEmpty(t, evt.EventID)
}
