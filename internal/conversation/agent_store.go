package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// AgentSource loads agents.
type AgentSource interface {
	GetAgent(ctx context.Context, tenantID, id string) (*Agent, error)
}

// AgentStore reads agents from Postgres.
type AgentStore struct {
	pool PgxPool
}

func NewAgentStore(pool PgxPool) *AgentStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &AgentStore{pool: pool}
}

func (s *AgentStore) GetAgent(ctx context.Context, tenantID, id string) (*Agent, error) {
	query := `
		SELECT id::text, tenant_id, name, persona, script_steps, faq_entries, escalation_topics,
			disqualify_criteria, escalation_message, disqualify_message, response_delay_min,
			response_delay_max, max_messages_per_conversation, COALESCE(whatsapp_account_id, '')
		FROM agents
		WHERE id::text = $1 AND tenant_id = $2
	`
	var (
		a                              Agent
		steps, faq, topics, disqualify []byte
	)
	err := s.pool.QueryRow(ctx, query, id, tenantID).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Persona, &steps, &faq, &topics,
		&disqualify, &a.EscalationMessage, &a.DisqualifyMessage, &a.ResponseDelayMin,
		&a.ResponseDelayMax, &a.MaxMessagesPerConversation, &a.WhatsAppAccountID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("conversation: select agent failed: %w", err)
	}
	for _, field := range []struct {
		raw []byte
		dst any
	}{
		{steps, &a.ScriptSteps},
		{faq, &a.FAQEntries},
		{topics, &a.EscalationTopics},
		{disqualify, &a.DisqualifyCriteria},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dst); err != nil {
			return nil, fmt.Errorf("conversation: decode agent %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// FirstStepTemplate returns the template of the agent's first script step,
// or "" when the agent has none.
func (s *AgentStore) FirstStepTemplate(ctx context.Context, tenantID, agentID string) (string, error) {
	agent, err := s.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return "", err
	}
	step, ok := agent.Step(1)
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(step.Template), nil
}
