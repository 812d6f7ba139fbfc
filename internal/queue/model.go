// Package queue holds messages that need a person: escalations and
// messages received outside office hours.
package queue

import (
	"errors"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

var (
	ErrItemNotFound   = errors.New("queue: item not found")
	ErrItemClosed     = errors.New("queue: item already closed")
	ErrNoConversation = errors.New("queue: item has no conversation")
	ErrEmptyReply     = errors.New("queue: reply text required")
	ErrSendFailed     = errors.New("queue: send failed")
)

// Item is one queued message.
type Item struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	ConversationID    string                 `json:"conversation_id,omitempty"`
	QueueType         conversation.QueueType `json:"queue_type"`
	Status            Status                 `json:"status"`
	Priority          int                    `json:"priority"`
	OriginalMessage   string                 `json:"original_message"`
	Reason            string                 `json:"reason,omitempty"`
	SuggestedResponse string                 `json:"suggested_response,omitempty"`
	ResolvedBy        string                 `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// PriorityFor ranks escalations above outside-hours messages.
func PriorityFor(t conversation.QueueType) int {
	switch t {
	case conversation.QueueEscalated:
		return 2
	case conversation.QueueOutsideHours:
		return 1
	}
	return 0
}
