package conversation

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/internal/tenant"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

var engineTracer = otel.Tracer("crmtrigger/conversation-engine")

// QueueType names a human queue.
type QueueType string

const (
	QueueEscalated    QueueType = "escalated"
	QueueOutsideHours QueueType = "outside_hours"
)

const (
	defaultEscalationMessage = "Vielen Dank für Ihre Nachricht. Ein Mitarbeiter meldet sich in Kürze persönlich bei Ihnen."
	defaultDisqualifyMessage = "Vielen Dank für Ihr Interesse. Leider können wir Ihnen in diesem Fall nicht weiterhelfen."
)

// HumanQueue receives messages that need a person.
type HumanQueue interface {
	Enqueue(ctx context.Context, conv *Conversation, original, reason, suggested string, queueType QueueType) error
}

// SettingsSource loads tenant office hours.
type SettingsSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Settings, error)
}

// Drafter drafts agent replies.
type Drafter interface {
	Reply(ctx context.Context, agent *Agent, conv *Conversation, history []Message) (string, error)
}

// Engine advances conversations on inbound contact messages.
type Engine struct {
	accounts AccountResolver
	repo     Repository
	agents   AgentSource
	drafter  Drafter
	sender   gateway.Sender
	queue    HumanQueue
	settings SettingsSource
	locker   Locker
	metrics  *metrics.EngineMetrics
	logger   *logging.Logger
	now      func() time.Time
	pick     func(int) int
}

// EngineDeps groups the collaborators of an Engine.
type EngineDeps struct {
	Accounts AccountResolver
	Repo     Repository
	Agents   AgentSource
	Drafter  Drafter
	Sender   gateway.Sender
	Queue    HumanQueue
	Settings SettingsSource
	Locker   Locker
	Metrics  *metrics.EngineMetrics
	Logger   *logging.Logger
	Now      func() time.Time
	Pick     func(int) int
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Pick == nil {
		deps.Pick = rand.IntN
	}
	return &Engine{
		accounts: deps.Accounts,
		repo:     deps.Repo,
		agents:   deps.Agents,
		drafter:  deps.Drafter,
		sender:   deps.Sender,
		queue:    deps.Queue,
		settings: deps.Settings,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		pick:     deps.Pick,
	}
}

// HandleInbound records an inbound message and decides the reply. Messages
// already seen (same external id) are skipped; unknown accounts are
// acknowledged and dropped.
func (e *Engine) HandleInbound(ctx context.Context, in gateway.InboundMessage) error {
	ctx, span := engineTracer.Start(ctx, "conversation.handle_inbound")
	defer span.End()

	acct, err := e.accounts.ResolveAccount(ctx, in.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.logger.Warn("inbound message for unknown account", "account_id", in.AccountID)
			return nil
		}
		return err
	}
	phone := gateway.NormalizePhone(in.From)
	if phone == "" {
		e.logger.Warn("inbound message without usable sender", "account_id", in.AccountID)
		return nil
	}
	log := e.logger.With("tenant_id", acct.TenantID, "account_id", acct.ID)
	span.SetAttributes(attribute.String("tenant.id", acct.TenantID))

	release, err := e.locker.Acquire(ctx, contactLockKey(acct.TenantID, phone))
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release contact lock", "error", err)
		}
	}()

	seen, err := e.repo.MessageExists(ctx, acct.TenantID, in.MessageID)
	if err != nil {
		return err
	}
	if seen {
		log.Debug("duplicate inbound message skipped", "message_id", in.MessageID)
		e.metrics.ObserveInbound("duplicate")
		return nil
	}

	conv, err := e.findOrCreate(ctx, acct, phone, in)
	if err != nil {
		return err
	}
	log = log.With("conversation_id", conv.ID)
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	if err := e.repo.InsertMessage(ctx, &Message{
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		Direction:         DirectionInbound,
		SenderType:        SenderContact,
		Content:           in.Text,
		Status:            MessageDelivered,
		ExternalMessageID: in.MessageID,
	}); err != nil {
		return err
	}
	received := in.ReceivedAt
	if received.IsZero() {
		received = e.now()
	}
	received = received.UTC()
	conv.LastMessageAt = &received

	agentID := conv.AgentID
	if agentID == "" {
		agentID = acct.AgentID
	}
	agent := e.loadAgent(ctx, conv.TenantID, agentID, log)

	action, err := e.decide(ctx, conv, agent, in.Text, log)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("conversation.action", action))
	e.metrics.ObserveInbound(action)

	if err := e.repo.Save(ctx, conv); err != nil {
		return err
	}
	log.Info("inbound message handled", "action", action, "status", conv.Status, "step", conv.CurrentScriptStep)
	return nil
}

func (e *Engine) findOrCreate(ctx context.Context, acct Account, phone string, in gateway.InboundMessage) (*Conversation, error) {
	conv, err := e.repo.FindOpenByPhone(ctx, acct.TenantID, phone)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}
	first, _ := crm.SplitName(in.PushName)
	conv = &Conversation{
		TenantID:          acct.TenantID,
		WhatsAppAccountID: acct.ID,
		AgentID:           acct.AgentID,
		ContactPhone:      phone,
		ContactName:       strings.TrimSpace(in.PushName),
		ContactFirstName:  first,
		Status:            StatusActive,
		CurrentScriptStep: 1,
	}
	if _, err := e.repo.UpsertOpen(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// decide applies, in order: the status rules, escalation, disqualification,
// the office hours gate, the message cap and finally an LLM reply.
func (e *Engine) decide(ctx context.Context, conv *Conversation, agent *Agent, text string, log *logging.Logger) (string, error) {
	if !conv.Status.Open() || conv.Status == StatusEscalated {
		next, effects, err := Transition(conv.Status, EventInbound)
		if err != nil {
			return "", err
		}
		conv.Status = next
		if HasEffect(effects, EffectQueueHuman) {
			e.enqueue(ctx, conv, text, "conversation is escalated", "", QueueEscalated, log)
			return "queued_escalated", nil
		}
		return "recorded", nil
	}

	verdict := Classify(ctx, agent, text)
	switch {
	case verdict.Escalate:
		return "escalated", e.apply(ctx, conv, agent, EventEscalate, text, "escalation keyword: "+verdict.MatchedTerm, log)
	case verdict.Disqualify:
		return "disqualified", e.apply(ctx, conv, agent, EventDisqualify, text, "", log)
	}

	next, _, err := Transition(conv.Status, EventInbound)
	if err != nil {
		return "", err
	}
	conv.Status = next

	if !e.openNow(ctx, conv.TenantID, log) {
		e.enqueue(ctx, conv, text, "outside office hours", "", QueueOutsideHours, log)
		return "outside_hours", nil
	}

	if agent != nil && agent.MaxMessagesPerConversation > 0 {
		sent, err := e.repo.CountMessages(ctx, conv.ID, DirectionOutbound)
		if err != nil {
			return "", err
		}
		if sent >= agent.MaxMessagesPerConversation {
			e.enqueue(ctx, conv, text, "message limit reached", "", QueueEscalated, log)
			return "message_cap", nil
		}
	}

	history, err := e.repo.RecentMessages(ctx, conv.ID, historyTurns)
	if err != nil {
		return "", err
	}
	reply, err := e.drafter.Reply(ctx, agent, conv, history)
	if err != nil {
		log.Error("reply draft failed, routing to queue", "error", err)
		e.enqueue(ctx, conv, text, "reply generation failed", "", QueueEscalated, log)
		return "draft_failed", nil
	}
	if err := e.send(ctx, conv, agent, reply, log); err != nil {
		return "send_failed", nil
	}
	if conv.CurrentScriptStep < agent.LastStep() {
		conv.CurrentScriptStep++
	}
	return "replied", nil
}

// apply runs an escalation or disqualification transition and its effects.
func (e *Engine) apply(ctx context.Context, conv *Conversation, agent *Agent, event Event, text, reason string, log *logging.Logger) error {
	next, effects, err := Transition(conv.Status, event)
	if err != nil {
		return err
	}
	conv.Status = next
	for _, effect := range effects {
		switch effect {
		case EffectMarkEscalated:
			now := e.now().UTC()
			conv.EscalatedAt = &now
		case EffectSendEscalation:
			msg := defaultEscalationMessage
			if agent != nil && strings.TrimSpace(agent.EscalationMessage) != "" {
				msg = agent.EscalationMessage
			}
			_ = e.send(ctx, conv, agent, msg, log)
		case EffectSendDisqualify:
			msg := defaultDisqualifyMessage
			if agent != nil && strings.TrimSpace(agent.DisqualifyMessage) != "" {
				msg = agent.DisqualifyMessage
			}
			_ = e.send(ctx, conv, agent, msg, log)
		case EffectQueueHuman:
			e.enqueue(ctx, conv, text, reason, "", QueueEscalated, log)
		}
	}
	return nil
}

// send delivers an agent message and records it. Failures are recorded on
// the message and logged.
func (e *Engine) send(ctx context.Context, conv *Conversation, agent *Agent, text string, log *logging.Logger) error {
	msg := &Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      DirectionOutbound,
		SenderType:     SenderAgent,
		Content:        text,
		Status:         MessageSent,
	}
	res, sendErr := e.sender.SendText(ctx, gateway.SendRequest{
		AccountID: conv.WhatsAppAccountID,
		To:        conv.ContactPhone,
		Text:      text,
		Delay:     agent.ResponseDelay(e.pick),
	})
	if sendErr != nil {
		msg.Status = MessageFailed
		log.Error("agent message send failed", "error", sendErr)
	} else {
		msg.ExternalMessageID = res.MessageID
	}
	e.metrics.ObserveOutbound(string(msg.Status))
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		log.Error("failed to record agent message", "error", err)
		if sendErr == nil {
			return err
		}
	}
	return sendErr
}

func (e *Engine) enqueue(ctx context.Context, conv *Conversation, text, reason, suggested string, queueType QueueType, log *logging.Logger) {
	if e.queue == nil {
		log.Warn("no human queue configured, message not routed", "queue_type", queueType)
		return
	}
	if err := e.queue.Enqueue(ctx, conv, text, reason, suggested, queueType); err != nil {
		log.Error("failed to enqueue message for humans", "queue_type", queueType, "error", err)
	}
}

func (e *Engine) openNow(ctx context.Context, tenantID string, log *logging.Logger) bool {
	if e.settings == nil {
		return true
	}
	settings, err := e.settings.Get(ctx, tenantID)
	if err != nil {
		log.Warn("failed to load tenant settings, treating as open", "error", err)
		return true
	}
	return settings.IsOpenAt(e.now())
}

func (e *Engine) loadAgent(ctx context.Context, tenantID, agentID string, log *logging.Logger) *Agent {
	if agentID == "" || e.agents == nil {
		return nil
	}
	agent, err := e.agents.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		log.Warn("agent unavailable, continuing without", "agent_id", agentID, "error", err)
		return nil
	}
	return agent
}
