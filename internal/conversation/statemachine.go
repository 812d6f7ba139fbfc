package conversation

import (
	"errors"
	"fmt"
)

// Event is something that may change a conversation's status.
type Event string

const (
	EventInbound    Event = "inbound"
	EventEscalate   Event = "escalate"
	EventDisqualify Event = "disqualify"
	EventBook       Event = "book"
	EventComplete   Event = "complete"
	EventPause      Event = "pause"
	EventResume     Event = "resume"
)

// Effect is a side effect the caller performs after a transition.
type Effect string

const (
	// EffectReply lets the agent answer the inbound message.
	EffectReply Effect = "reply"
	// EffectQueueHuman routes the inbound message to the human queue.
	EffectQueueHuman Effect = "queue_human"
	// EffectSendEscalation sends the canned escalation message.
	EffectSendEscalation Effect = "send_escalation"
	// EffectSendDisqualify sends the canned disqualification message.
	EffectSendDisqualify Effect = "send_disqualify"
	// EffectRecordOnly stores the message and nothing else.
	EffectRecordOnly Effect = "record_only"
	// EffectMarkEscalated stamps EscalatedAt.
	EffectMarkEscalated Effect = "mark_escalated"
)

// ErrInvalidTransition is returned for events a status does not accept.
var ErrInvalidTransition = errors.New("conversation: invalid status transition")

// Transition decides the next status and side effects for event. It is the
// only place conversation status changes are decided.
func Transition(from Status, event Event) (Status, []Effect, error) {
	switch event {
	case EventInbound:
		switch from {
		case StatusActive:
			return StatusActive, []Effect{EffectReply}, nil
		case StatusPaused:
			return StatusActive, []Effect{EffectReply}, nil
		case StatusEscalated:
			return StatusEscalated, []Effect{EffectQueueHuman}, nil
		case StatusCompleted, StatusDisqualified, StatusBooked:
			return from, []Effect{EffectRecordOnly}, nil
		}
	case EventEscalate:
		switch from {
		case StatusActive, StatusPaused:
			return StatusEscalated, []Effect{EffectMarkEscalated, EffectSendEscalation, EffectQueueHuman}, nil
		case StatusEscalated:
			return StatusEscalated, []Effect{EffectQueueHuman}, nil
		}
	case EventDisqualify:
		switch from {
		case StatusActive, StatusPaused:
			return StatusDisqualified, []Effect{EffectSendDisqualify}, nil
		case StatusEscalated:
			return StatusDisqualified, nil, nil
		}
	case EventBook:
		switch from {
		case StatusActive, StatusPaused, StatusEscalated:
			return StatusBooked, nil, nil
		}
	case EventComplete:
		switch from {
		case StatusActive, StatusPaused, StatusEscalated, StatusBooked:
			return StatusCompleted, nil, nil
		}
	case EventPause:
		switch from {
		case StatusActive, StatusEscalated:
			return StatusPaused, nil, nil
		}
	case EventResume:
		switch from {
		case StatusPaused, StatusEscalated:
			return StatusActive, nil, nil
		}
	}
	return from, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}

// EventForStatus maps a requested target status to the event that reaches
// it. Used by the human status endpoint.
func EventForStatus(target Status) (Event, bool) {
	switch target {
	case StatusActive:
		return EventResume, true
	case StatusPaused:
		return EventPause, true
	case StatusEscalated:
		return EventEscalate, true
	case StatusDisqualified:
		return EventDisqualify, true
	case StatusBooked:
		return EventBook, true
	case StatusCompleted:
		return EventComplete, true
	}
	return "", false
}

// HasEffect reports whether effects contains e.
func HasEffect(effects []Effect, e Effect) bool {
	for _, got := range effects {
		if got == e {
			return true
		}
	}
	return false
}
