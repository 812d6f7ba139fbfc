package triggers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

func activePipedrive(id, event string) *Trigger {
	return &Trigger{
		ID:            id,
		TenantID:      "org-1",
		Name:          id,
		Type:          crm.TypePipedrive,
		TriggerEvent:  event,
		WebhookStatus: WebhookActive,
		IsActive:      true,
	}
}

func TestResolveExplicitTrigger(t *testing.T) {
	repo := newMemRepo(activePipedrive("a", ""), &Trigger{ID: "off", Type: crm.TypePipedrive})
	m := NewMatcher(repo, crm.NewRegistry(crm.NewPipedrive(nil)))
	ctx := context.Background()

	got, err := m.Resolve(ctx, crm.TypePipedrive, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = m.Resolve(ctx, crm.TypePipedrive, "off", nil)
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)

	_, err = m.Resolve(ctx, crm.TypeHubSpot, "a", nil)
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)

	_, err = m.Resolve(ctx, crm.TypePipedrive, "missing", nil)
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestResolveSingleLiveTrigger(t *testing.T) {
	polling := activePipedrive("polling", "added.deal")
	polling.WebhookStatus = WebhookNotSupported
	polling.PollingEnabled = true
	repo := newMemRepo(polling, activePipedrive("live", "added.deal"))
	m := NewMatcher(repo, crm.NewRegistry(crm.NewPipedrive(nil)))

	got, err := m.Resolve(context.Background(), crm.TypePipedrive, "", map[string]any{"event": "added.person"})
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)
}

func TestResolveByEventType(t *testing.T) {
	overridden := activePipedrive("state", "")
	overridden.State.TriggerEvent = "updated.person"
	repo := newMemRepo(
		activePipedrive("any", ""),
		activePipedrive("deals", "added.deal"),
		activePipedrive("persons", "added.person"),
		overridden,
	)
	m := NewMatcher(repo, crm.NewRegistry(crm.NewPipedrive(nil)))
	ctx := context.Background()

	got, err := m.Resolve(ctx, crm.TypePipedrive, "", map[string]any{"event": "added.person"})
	require.NoError(t, err)
	assert.Equal(t, "persons", got.ID)

	got, err = m.Resolve(ctx, crm.TypePipedrive, "", map[string]any{"event": "updated.person"})
	require.NoError(t, err)
	assert.Equal(t, "state", got.ID)

	// a trigger without an event never absorbs unmatched events
	_, err = m.Resolve(ctx, crm.TypePipedrive, "", map[string]any{"event": "deleted.person"})
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)

	_, err = m.Resolve(ctx, crm.TypePipedrive, "", map[string]any{})
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)
}

func TestResolveNoMatch(t *testing.T) {
	m := NewMatcher(newMemRepo(), crm.NewRegistry(crm.NewPipedrive(nil)))
	_, err := m.Resolve(context.Background(), crm.TypePipedrive, "", map[string]any{})
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)

	repo := newMemRepo(activePipedrive("a", "added.deal"), activePipedrive("b", "updated.deal"))
	m = NewMatcher(repo, crm.NewRegistry(crm.NewPipedrive(nil)))
	_, err = m.Resolve(context.Background(), crm.TypePipedrive, "", map[string]any{"event": "added.person"})
	assert.ErrorIs(t, err, ErrNoMatchingTrigger)
}

func TestVerifyToken(t *testing.T) {
	assert.NoError(t, VerifyToken(&Trigger{}, "anything"))
	tr := &Trigger{WebhookSecret: "s3cret"}
	assert.NoError(t, VerifyToken(tr, " s3cret "))
	assert.ErrorIs(t, VerifyToken(tr, "wrong"), ErrInvalidToken)
	assert.ErrorIs(t, VerifyToken(tr, ""), ErrInvalidToken)
}
