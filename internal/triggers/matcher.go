package triggers

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// Matcher resolves which trigger an inbound CRM event belongs to.
type Matcher struct {
	repo     Repository
	registry *crm.Registry
}

// NewMatcher creates a matcher.
func NewMatcher(repo Repository, registry *crm.Registry) *Matcher {
	return &Matcher{repo: repo, registry: registry}
}

// Resolve returns the trigger for an event. An explicit trigger id wins; it
// must be active and of the event's CRM type. Otherwise the active triggers
// with a live webhook are narrowed by event type; the first trigger naming
// the event wins.
func (m *Matcher) Resolve(ctx context.Context, crmType crm.Type, triggerID string, payload map[string]any) (*Trigger, error) {
	if id := strings.TrimSpace(triggerID); id != "" {
		t, err := m.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !t.IsActive || t.Type != crmType {
			return nil, fmt.Errorf("%w: trigger %s is inactive or not a %s trigger", ErrNoMatchingTrigger, id, crmType)
		}
		return t, nil
	}

	candidates, err := m.repo.ListActiveByType(ctx, crmType)
	if err != nil {
		return nil, err
	}
	live := make([]*Trigger, 0, len(candidates))
	for _, t := range candidates {
		if t.WebhookStatus == WebhookActive {
			live = append(live, t)
		}
	}
	switch len(live) {
	case 0:
		return nil, ErrNoMatchingTrigger
	case 1:
		return live[0], nil
	}

	eventType, err := m.registry.ExtractEventType(crmType, payload)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type missing", ErrNoMatchingTrigger)
	}
	for _, t := range live {
		if want := t.EffectiveEvent(); want != "" && strings.EqualFold(want, eventType) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: no trigger for event %s", ErrNoMatchingTrigger, eventType)
}

// MatchesFilters evaluates the trigger filters with the CRM's adapter.
func (m *Matcher) MatchesFilters(t *Trigger, payload map[string]any) FilterResult {
	adapter, _ := m.registry.Adapter(t.Type)
	return MatchFilters(adapter, t, payload)
}

// VerifyToken checks a delivery's shared secret against the trigger.
// Triggers without a secret accept any delivery.
func VerifyToken(t *Trigger, token string) error {
	if t == nil || t.WebhookSecret == "" {
		return nil
	}
	if !constantTimeEqual(strings.TrimSpace(token), t.WebhookSecret) {
		return ErrInvalidToken
	}
	return nil
}
