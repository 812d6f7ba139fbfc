package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/templates"
)

type staticTemplates map[string]string

func (s staticTemplates) FirstStepTemplate(_ context.Context, _, agentID string) (string, error) {
	return s[agentID], nil
}

func TestTestModeLifecycle(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := &Trigger{TenantID: "org-1", Type: crm.TypePipedrive, FirstMessageTemplate: "Hallo {{first_name}}!"}
	repo := newMemRepo(tr)
	log := &memEventLog{}
	tm := NewTestMode(repo, log, WithTestModeClock(clock))
	ctx := context.Background()

	require.NoError(t, tm.Start(ctx, tr))
	require.NotNil(t, tr.State.TestModeUntil)
	assert.Equal(t, now.Add(5*time.Minute), *tr.State.TestModeUntil)
	assert.True(t, tr.InTestMode(now.Add(4*time.Minute)))
	assert.False(t, tr.InTestMode(now.Add(5*time.Minute)))

	stored, _ := repo.get(tr.ID)
	assert.Equal(t, now, *stored.State.TestStartedAt)

	log.events = []events.CRMWebhookEvent{{
		TriggerID:   tr.ID,
		IsTestEvent: true,
		ExtractedData: &crm.ContactEvent{
			Phone:     "+49123456789",
			Variables: map[string]string{"first_name": "Max"},
		},
	}}
	status, err := tm.Status(ctx, tr)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Len(t, status.Events, 1)
	assert.Equal(t, "Hallo Max!", status.Preview)
	assert.Equal(t, now, *log.since)

	// a poll pass saves its cursor while the session is open
	require.NoError(t, repo.SavePollProgress(ctx, tr.ID, PollProgress{Cursor: "50", Since: &now}))

	require.NoError(t, tm.Stop(ctx, tr))
	assert.Nil(t, tr.State.TestModeUntil)
	stored, _ = repo.get(tr.ID)
	assert.Nil(t, stored.State.TestModeUntil)
	assert.Equal(t, now, *stored.State.TestStartedAt)
	assert.Equal(t, "50", stored.State.PollingCursor, "stop leaves the polling keys alone")
	status, err = tm.Status(ctx, tr)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Len(t, status.Events, 1, "stop keeps captured events")

	n, err := tm.Clear(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	status, err = tm.Status(ctx, tr)
	require.NoError(t, err)
	assert.Empty(t, status.Events)
	assert.Empty(t, status.Preview)
}

func TestTestModePreviewUsesAgentStep(t *testing.T) {
	tr := &Trigger{TenantID: "org-1", AgentID: "agent-1", FirstMessageTemplate: "fallback"}
	log := &memEventLog{events: []events.CRMWebhookEvent{{
		ExtractedData: &crm.ContactEvent{Variables: map[string]string{"first_name": "Eva"}},
	}}}
	tm := NewTestMode(newMemRepo(tr), log,
		WithTemplateSource(staticTemplates{"agent-1": "{Hi|Hallo} {{first_name}}"}),
		WithPreviewRenderer(templates.Renderer{Pick: func(int) int { return 1 }}),
	)
	status, err := tm.Status(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "Hallo Eva", status.Preview)
}

func TestPollAnchor(t *testing.T) {
	early := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	assert.Nil(t, PollAnchor(&Trigger{}))
	assert.Equal(t, early, *PollAnchor(&Trigger{LastPolledAt: &early}))
	assert.Equal(t, late, *PollAnchor(&Trigger{LastPolledAt: &early, State: TriggerState{TestStartedAt: &late}}))
	assert.Equal(t, late, *PollAnchor(&Trigger{LastPolledAt: &late, State: TriggerState{TestStartedAt: &early}}))
}
