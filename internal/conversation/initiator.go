package conversation

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/gateway"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/internal/templates"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// StartRequest asks for a conversation with a contact from a trigger.
type StartRequest struct {
	TenantID          string
	TriggerID         string
	AgentID           string
	WhatsAppAccountID string
	Phone             string
	ContactName       string
	ExternalLeadID    string
	// Template is the trigger's first message, used when there is no agent
	// or the agent has no step 1 template.
	Template    string
	TriggerData map[string]string
}

// StartResult reports the outcome. A send failure is not a Go error: the
// conversation exists and Success is false.
type StartResult struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	Created        bool   `json:"created"`
	Error          string `json:"error,omitempty"`
}

// Initiator opens conversations and sends the first message.
type Initiator struct {
	repo      Repository
	agents    AgentSource
	sender    gateway.Sender
	locker    Locker
	renderer  templates.Renderer
	publisher events.Publisher
	metrics   *metrics.EngineMetrics
	logger    *logging.Logger
	pick      func(int) int
}

type InitiatorOption func(*Initiator)

func WithRenderer(r templates.Renderer) InitiatorOption {
	return func(i *Initiator) { i.renderer = r }
}

func WithPublisher(p events.Publisher) InitiatorOption {
	return func(i *Initiator) { i.publisher = p }
}

func WithInitiatorMetrics(m *metrics.EngineMetrics) InitiatorOption {
	return func(i *Initiator) { i.metrics = m }
}

// WithDelayPicker overrides the random choice of response delays.
func WithDelayPicker(pick func(int) int) InitiatorOption {
	return func(i *Initiator) { i.pick = pick }
}

func NewInitiator(repo Repository, agents AgentSource, sender gateway.Sender, locker Locker, logger *logging.Logger, opts ...InitiatorOption) *Initiator {
	if logger == nil {
		logger = logging.Default()
	}
	i := &Initiator{
		repo:   repo,
		agents: agents,
		sender: sender,
		locker: locker,
		logger: logger,
		pick:   rand.IntN,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start opens (or reuses) the contact's conversation and sends the first
// message. Concurrent starts for one contact are serialized; a reused
// conversation is only messaged if nothing was sent on it yet.
func (i *Initiator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	phone := gateway.NormalizePhone(req.Phone)
	if phone == "" {
		return StartResult{}, ErrInvalidPhone
	}
	log := i.logger.With("tenant_id", req.TenantID, "trigger_id", req.TriggerID)

	release, err := i.locker.Acquire(ctx, contactLockKey(req.TenantID, phone))
	if err != nil {
		return StartResult{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release contact lock", "error", err)
		}
	}()

	agent := i.loadAgent(ctx, req.TenantID, req.AgentID, log)

	vars := startVariables(req)
	conv := &Conversation{
		TenantID:          req.TenantID,
		WhatsAppAccountID: req.WhatsAppAccountID,
		AgentID:           req.AgentID,
		ContactPhone:      phone,
		ContactName:       strings.TrimSpace(req.ContactName),
		ContactFirstName:  vars["first_name"],
		Status:            StatusActive,
		CurrentScriptStep: 1,
		TriggerID:         req.TriggerID,
		TriggerData:       vars,
		ExternalLeadID:    req.ExternalLeadID,
	}
	if agent == nil {
		conv.AgentID = ""
	}
	if conv.WhatsAppAccountID == "" && agent != nil {
		conv.WhatsAppAccountID = agent.WhatsAppAccountID
	}
	created, err := i.repo.UpsertOpen(ctx, conv)
	if err != nil {
		return StartResult{}, err
	}
	result := StartResult{ConversationID: conv.ID, Created: created}

	if !created {
		sent, err := i.repo.CountMessages(ctx, conv.ID, DirectionOutbound)
		if err != nil {
			return StartResult{}, err
		}
		if sent > 0 {
			log.Info("conversation already open", "conversation_id", conv.ID)
			i.metrics.ObserveConversationStart("reused")
			result.Success = true
			return result, nil
		}
	}

	text := i.firstMessage(agent, req.Template, vars)
	if text == "" {
		log.Warn("no first message template configured", "conversation_id", conv.ID)
		i.metrics.ObserveConversationStart("no_template")
		result.Error = "no first message template configured"
		return result, nil
	}

	msg := &Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      DirectionOutbound,
		SenderType:     SenderAgent,
		Content:        text,
		Status:         MessageSent,
	}
	sendRes, sendErr := i.sender.SendText(ctx, gateway.SendRequest{
		AccountID: conv.WhatsAppAccountID,
		To:        phone,
		Text:      text,
		Delay:     agent.ResponseDelay(i.pick),
	})
	if sendErr != nil {
		msg.Status = MessageFailed
		log.Error("first message send failed", "conversation_id", conv.ID, "error", sendErr)
	} else {
		msg.ExternalMessageID = sendRes.MessageID
	}
	if err := i.repo.InsertMessage(ctx, msg); err != nil {
		return StartResult{}, err
	}
	i.metrics.ObserveOutbound(string(msg.Status))
	if sendErr != nil {
		i.metrics.ObserveConversationStart("send_failed")
		result.Error = sendErr.Error()
		return result, nil
	}

	now := time.Now().UTC()
	conv.LastMessageAt = &now
	if err := i.repo.Save(ctx, conv); err != nil {
		log.Warn("failed to stamp last message time", "conversation_id", conv.ID, "error", err)
	}

	outcome := "reused"
	if created {
		outcome = "created"
	}
	i.metrics.ObserveConversationStart(outcome)
	i.publish(ctx, conv, created, log)
	log.Info("conversation started", "conversation_id", conv.ID, "created", created)
	result.Success = true
	return result, nil
}

func (i *Initiator) loadAgent(ctx context.Context, tenantID, agentID string, log *logging.Logger) *Agent {
	if agentID == "" || i.agents == nil {
		return nil
	}
	agent, err := i.agents.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			log.Warn("trigger agent not found, using trigger template", "agent_id", agentID)
		} else {
			log.Error("failed to load agent, using trigger template", "agent_id", agentID, "error", err)
		}
		return nil
	}
	return agent
}

// firstMessage prefers the agent's step 1 template over the trigger's.
func (i *Initiator) firstMessage(agent *Agent, fallback string, vars map[string]string) string {
	tmpl := strings.TrimSpace(fallback)
	if step, ok := agent.Step(1); ok && strings.TrimSpace(step.Template) != "" {
		tmpl = step.Template
	}
	if tmpl == "" {
		return ""
	}
	return i.renderer.Render(tmpl, vars)
}

func (i *Initiator) publish(ctx context.Context, conv *Conversation, created bool, log *logging.Logger) {
	if i.publisher == nil {
		return
	}
	err := i.publisher.Publish(ctx, events.TypeConversationStarted, events.ConversationStartedV1{
		EventID:        uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		TriggerID:      conv.TriggerID,
		ContactPhone:   conv.ContactPhone,
		Created:        created,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Warn("failed to publish conversation started", "conversation_id", conv.ID, "error", err)
	}
}

// startVariables copies the trigger data and derives first_name/last_name
// from the contact name when missing.
func startVariables(req StartRequest) map[string]string {
	vars := make(map[string]string, len(req.TriggerData)+3)
	for k, v := range req.TriggerData {
		vars[k] = v
	}
	name := strings.TrimSpace(req.ContactName)
	if name == "" {
		name = strings.TrimSpace(vars["name"])
	}
	if name != "" {
		if _, ok := vars["name"]; !ok {
			vars["name"] = name
		}
		first, last := crm.SplitName(name)
		if strings.TrimSpace(vars["first_name"]) == "" {
			vars["first_name"] = first
		}
		if strings.TrimSpace(vars["last_name"]) == "" && last != "" {
			vars["last_name"] = last
		}
	}
	return vars
}
