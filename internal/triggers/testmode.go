package triggers

import (
	"context"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/templates"
)

// DefaultTestModeDuration is how long a capture session stays open.
const DefaultTestModeDuration = 5 * time.Minute

// TestEventLog reads and clears captured test events.
type TestEventLog interface {
	ListTestEvents(ctx context.Context, triggerID string, since *time.Time, limit int) ([]events.CRMWebhookEvent, error)
	DeleteTestEvents(ctx context.Context, triggerID string) (int64, error)
}

// TemplateSource returns the first-message template of an agent, if any.
type TemplateSource interface {
	FirstStepTemplate(ctx context.Context, tenantID, agentID string) (string, error)
}

// TestMode manages capture sessions. While a session is open, matched events
// are audited as test events and never start a conversation.
type TestMode struct {
	repo      Repository
	log       TestEventLog
	templates TemplateSource
	renderer  templates.Renderer
	duration  time.Duration
	now       func() time.Time
}

// TestModeOption customizes TestMode.
type TestModeOption func(*TestMode)

// WithTestModeDuration overrides the session length.
func WithTestModeDuration(d time.Duration) TestModeOption {
	return func(tm *TestMode) {
		if d > 0 {
			tm.duration = d
		}
	}
}

// WithTestModeClock overrides time.Now.
func WithTestModeClock(now func() time.Time) TestModeOption {
	return func(tm *TestMode) {
		if now != nil {
			tm.now = now
		}
	}
}

// WithTemplateSource lets previews render agent step templates.
func WithTemplateSource(src TemplateSource) TestModeOption {
	return func(tm *TestMode) { tm.templates = src }
}

// WithPreviewRenderer sets the renderer used for previews.
func WithPreviewRenderer(r templates.Renderer) TestModeOption {
	return func(tm *TestMode) { tm.renderer = r }
}

func NewTestMode(repo Repository, log TestEventLog, opts ...TestModeOption) *TestMode {
	tm := &TestMode{
		repo:     repo,
		log:      log,
		duration: DefaultTestModeDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Start opens a capture session on t.
func (tm *TestMode) Start(ctx context.Context, t *Trigger) error {
	now := tm.now().UTC()
	until := now.Add(tm.duration)
	if err := tm.repo.SetTestWindow(ctx, t.ID, &now, &until); err != nil {
		return err
	}
	t.State.TestStartedAt = &now
	t.State.TestModeUntil = &until
	return nil
}

// Stop closes the session early. Captured events are kept.
func (tm *TestMode) Stop(ctx context.Context, t *Trigger) error {
	if err := tm.repo.SetTestWindow(ctx, t.ID, nil, nil); err != nil {
		return err
	}
	t.State.TestModeUntil = nil
	return nil
}

// Clear deletes captured events.
func (tm *TestMode) Clear(ctx context.Context, t *Trigger) (int64, error) {
	return tm.log.DeleteTestEvents(ctx, t.ID)
}

// TestModeStatus is the GET /triggers/{id}/test-mode response.
type TestModeStatus struct {
	Active    bool                     `json:"active"`
	StartedAt *time.Time               `json:"started_at,omitempty"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
	Events    []events.CRMWebhookEvent `json:"events"`
	Preview   string                   `json:"preview,omitempty"`
}

// Status returns the session state, captured events and a rendered preview
// of the first message for the newest event.
func (tm *TestMode) Status(ctx context.Context, t *Trigger) (TestModeStatus, error) {
	status := TestModeStatus{
		Active:    t.InTestMode(tm.now()),
		StartedAt: t.State.TestStartedAt,
		ExpiresAt: t.State.TestModeUntil,
		Events:    []events.CRMWebhookEvent{},
	}
	captured, err := tm.log.ListTestEvents(ctx, t.ID, t.State.TestStartedAt, 20)
	if err != nil {
		return status, err
	}
	if captured != nil {
		status.Events = captured
	}
	if len(captured) > 0 && captured[0].ExtractedData != nil {
		tmpl := t.FirstMessageTemplate
		if tm.templates != nil && t.AgentID != "" {
			if step, err := tm.templates.FirstStepTemplate(ctx, t.TenantID, t.AgentID); err == nil && step != "" {
				tmpl = step
			}
		}
		status.Preview = tm.renderer.Render(tmpl, captured[0].ExtractedData.Variables)
	}
	return status, nil
}

// PollAnchor is the window start for an immediate poll during test mode:
// the later of the last watermark and the session start.
func PollAnchor(t *Trigger) *time.Time {
	anchor := t.LastPolledAt
	if started := t.State.TestStartedAt; started != nil && (anchor == nil || started.After(*anchor)) {
		anchor = started
	}
	return anchor
}
