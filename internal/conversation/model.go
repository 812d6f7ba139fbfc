// Package conversation starts scripted contact conversations from CRM
// triggers and advances them on inbound replies.
package conversation

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusEscalated    Status = "escalated"
	StatusCompleted    Status = "completed"
	StatusDisqualified Status = "disqualified"
	StatusBooked       Status = "booked"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusPaused, StatusEscalated, StatusCompleted, StatusDisqualified, StatusBooked:
		return st, true
	}
	return "", false
}

// Open reports whether the status counts toward the one-open-conversation
// per contact rule.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused || s == StatusEscalated
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderAgent   SenderType = "agent"
	SenderHuman   SenderType = "human"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Conversation is one scripted exchange with a contact.
type Conversation struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	WhatsAppAccountID string            `json:"whatsapp_account_id,omitempty"`
	AgentID           string            `json:"agent_id,omitempty"`
	ContactPhone      string            `json:"contact_phone"`
	ContactName       string            `json:"contact_name,omitempty"`
	ContactFirstName  string            `json:"contact_first_name,omitempty"`
	Status            Status            `json:"status"`
	CurrentScriptStep int               `json:"current_script_step"`
	TriggerID         string            `json:"trigger_id,omitempty"`
	TriggerData       map[string]string `json:"trigger_data,omitempty"`
	ExternalLeadID    string            `json:"external_lead_id,omitempty"`
	LastMessageAt     *time.Time        `json:"last_message_at,omitempty"`
	EscalatedAt       *time.Time        `json:"escalated_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Message is one inbound or outbound message. Only Status changes after
// insert.
type Message struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	ConversationID    string        `json:"conversation_id"`
	Direction         Direction     `json:"direction"`
	SenderType        SenderType    `json:"sender_type"`
	Content           string        `json:"content"`
	Status            MessageStatus `json:"status"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ScriptStep is one stage of an agent's script.
type ScriptStep struct {
	Step     int    `json:"step"`
	Name     string `json:"name"`
	Goal     string `json:"goal"`
	Template string `json:"template"`
}

type FAQEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Agent is the persona and script that drives a conversation.
type Agent struct {
	ID                         string       `json:"id"`
	TenantID                   string       `json:"tenant_id"`
	Name                       string       `json:"name"`
	Persona                    string       `json:"persona"`
	ScriptSteps                []ScriptStep `json:"script_steps"`
	FAQEntries                 []FAQEntry   `json:"faq_entries"`
	EscalationTopics           []string     `json:"escalation_topics"`
	DisqualifyCriteria         []string     `json:"disqualify_criteria"`
	EscalationMessage          string       `json:"escalation_message"`
	DisqualifyMessage          string       `json:"disqualify_message"`
	ResponseDelayMin           int          `json:"response_delay_min"`
	ResponseDelayMax           int          `json:"response_delay_max"`
	MaxMessagesPerConversation int          `json:"max_messages_per_conversation"`
	WhatsAppAccountID          string       `json:"whatsapp_account_id,omitempty"`
}

// Step returns the script step numbered n.
func (a *Agent) Step(n int) (ScriptStep, bool) {
	if a == nil {
		return ScriptStep{}, false
	}
	for _, s := range a.ScriptSteps {
		if s.Step == n {
			return s, true
		}
	}
	return ScriptStep{}, false
}

// LastStep is the highest step number in the script, 0 without steps.
func (a *Agent) LastStep() int {
	last := 0
	if a == nil {
		return last
	}
	for _, s := range a.ScriptSteps {
		if s.Step > last {
			last = s.Step
		}
	}
	return last
}

// ResponseDelay picks a delay between the configured bounds using pick,
// which returns a value in [0, n).
func (a *Agent) ResponseDelay(pick func(n int) int) time.Duration {
	if a == nil || a.ResponseDelayMax <= 0 {
		return 0
	}
	lo, hi := a.ResponseDelayMin, a.ResponseDelayMax
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	secs := lo
	if span := hi - lo; span > 0 && pick != nil {
		secs += pick(span + 1)
	}
	return time.Duration(secs) * time.Second
}
