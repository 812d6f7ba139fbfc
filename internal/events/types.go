package events

import "time"

const (
	TypeQueueItemCreated    = "queue.item_created.v1"
	TypeConversationStarted = "conversation.started.v1"
)

// QueueItemCreatedV1 is published when a message is routed to the human queue.
type QueueItemCreatedV1 struct {
	EventID         string    `json:"event_id"`
	TenantID        string    `json:"tenant_id"`
	QueueItemID     string    `json:"queue_item_id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	QueueType       string    `json:"queue_type"`
	Priority        int       `json:"priority"`
	Reason          string    `json:"reason,omitempty"`
	ContactPhone    string    `json:"contact_phone,omitempty"`
	ContactName     string    `json:"contact_name,omitempty"`
	OriginalMessage string    `json:"original_message"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConversationStartedV1 is published when a trigger starts a new conversation.
type ConversationStartedV1 struct {
	EventID        string    `json:"event_id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	TriggerID      string    `json:"trigger_id,omitempty"`
	ContactPhone   string    `json:"contact_phone"`
	Created        bool      `json:"created"`
	StartedAt      time.Time `json:"started_at"`
}

// Envelope wraps an event for transports that carry a single body.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
