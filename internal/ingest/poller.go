package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

const (
	defaultLookback = 2 * time.Minute
	defaultMaxPages = 5
	defaultPageSize = 100
)

// EventProcessor runs a single event. Implemented by Pipeline.
type EventProcessor interface {
	Process(ctx context.Context, ev Event) (Result, error)
}

// PollStore lists polling triggers and persists their progress.
type PollStore interface {
	ListPolling(ctx context.Context) ([]*triggers.Trigger, error)
	SavePollProgress(ctx context.Context, id string, progress triggers.PollProgress) error
}

// CredentialSource returns a tenant's API credentials for a CRM.
type CredentialSource interface {
	Get(ctx context.Context, tenantID string, crmType crm.Type) (*triggers.Integration, error)
}

// ProviderSource resolves the list API of a CRM.
type ProviderSource interface {
	Provider(t crm.Type) (crm.Provider, bool)
}

// PollReport is the outcome of one scheduler pass.
type PollReport struct {
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Triggers   int                   `json:"triggers"`
	Failed     int                   `json:"failed"`
	Results    []triggers.PollResult `json:"results"`
}

// Poller fetches new records for triggers whose CRM cannot push.
type Poller struct {
	store     PollStore
	creds     CredentialSource
	providers ProviderSource
	processor EventProcessor
	lookback  time.Duration
	maxPages  int
	pageSize  int
	metrics   *metrics.EngineMetrics
	logger    *logging.Logger
	now       func() time.Time
}

type PollerOption func(*Poller)

// WithLookback sets the window of a trigger's first poll.
func WithLookback(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.lookback = d
		}
	}
}

func WithMaxPages(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

func WithPollerMetrics(m *metrics.EngineMetrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPoller(store PollStore, creds CredentialSource, providers ProviderSource, processor EventProcessor, logger *logging.Logger, opts ...PollerOption) *Poller {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Poller{
		store:     store,
		creds:     creds,
		providers: providers,
		processor: processor,
		lookback:  defaultLookback,
		maxPages:  defaultMaxPages,
		pageSize:  defaultPageSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollAll polls every active polling trigger once. A failing trigger is
// reported and does not stop the others; only listing the triggers fails
// the pass.
func (p *Poller) PollAll(ctx context.Context) (PollReport, error) {
	report := PollReport{StartedAt: p.now(), Results: []triggers.PollResult{}}
	list, err := p.store.ListPolling(ctx)
	if err != nil {
		return report, fmt.Errorf("ingest: list polling triggers: %w", err)
	}
	report.Triggers = len(list)
	for _, t := range list {
		if ctx.Err() != nil {
			break
		}
		res, err := p.poll(ctx, t, t.LastPolledAt)
		if err != nil {
			report.Failed++
			p.logger.Warn("trigger poll failed", "trigger_id", t.ID, "crm_type", string(t.Type), "error", err)
		}
		report.Results = append(report.Results, res)
	}
	report.FinishedAt = p.now()
	p.logger.Info("poll pass finished", "triggers", report.Triggers, "failed", report.Failed)
	return report, ctx.Err()
}

// PollNow polls a single trigger immediately. During a test session the
// window starts at the later of the watermark and the session start.
func (p *Poller) PollNow(ctx context.Context, t *triggers.Trigger) (triggers.PollResult, error) {
	return p.poll(ctx, t, triggers.PollAnchor(t))
}

func (p *Poller) poll(ctx context.Context, t *triggers.Trigger, anchor *time.Time) (res triggers.PollResult, err error) {
	res.TriggerID = t.ID
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			res.Error = err.Error()
		}
		p.metrics.ObservePoll(string(t.Type), status)
	}()

	provider, ok := p.providers.Provider(t.Type)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNotPollable, t.Type)
	}
	integration, err := p.creds.Get(ctx, t.TenantID, t.Type)
	if err != nil {
		return res, fmt.Errorf("ingest: load credentials: %w", err)
	}

	fetchStartedAt := p.now()
	since := fetchStartedAt.Add(-p.lookback)
	if anchor != nil {
		since = *anchor
	}
	cursor := t.State.PollingCursor
	if cursor != "" && t.State.PollingSince != nil {
		// an offset cursor is only valid for the window it was issued in
		since = *t.State.PollingSince
	}

	for page := 0; page < p.maxPages; page++ {
		batch, err := provider.FetchSince(ctx, integration.Credentials(), crm.FetchRequest{
			Since:   since,
			Cursor:  cursor,
			Event:   t.EffectiveEvent(),
			Limit:   p.pageSize,
			Options: t.Options(),
		})
		if err != nil {
			return res, fmt.Errorf("ingest: fetch page: %w", err)
		}
		res.Fetched += len(batch.Events)
		for _, item := range batch.Events {
			if err := p.process(ctx, t, item, &res); err != nil {
				// watermark and cursor stay put so the batch is retried
				return res, err
			}
		}
		cursor = batch.NextCursor
		if cursor == "" {
			break
		}
	}

	var watermark *time.Time
	if cursor == "" {
		wm := fetchStartedAt
		if t.LastPolledAt != nil && t.LastPolledAt.After(wm) {
			wm = *t.LastPolledAt
		}
		watermark = &wm
	}
	progress := triggers.PollProgress{Watermark: watermark, Cursor: cursor}
	if cursor != "" {
		progress.Since = &since
	}
	if err := p.store.SavePollProgress(ctx, t.ID, progress); err != nil {
		return res, fmt.Errorf("ingest: save poll progress: %w", err)
	}
	if watermark != nil {
		t.LastPolledAt = watermark
	}
	t.State.PollingCursor = cursor
	t.State.PollingSince = progress.Since
	res.Watermark = t.LastPolledAt
	res.Cursor = cursor
	return res, nil
}

// process runs one polled record. Terminal per-event outcomes are counted;
// only unexpected errors abort the batch.
func (p *Poller) process(ctx context.Context, t *triggers.Trigger, item crm.PolledEvent, res *triggers.PollResult) error {
	out, err := p.processor.Process(ctx, Event{CRMType: t.Type, Trigger: t, Payload: item.Payload, Source: SourcePoll})
	switch {
	case errors.Is(err, ErrMissingPhone):
		res.Skipped++
		return nil
	case err != nil:
		res.Failed++
		return fmt.Errorf("ingest: process %s: %w", item.ExternalID, err)
	}
	switch out.Outcome {
	case OutcomeStarted:
		res.Started++
	case OutcomeSendFailed:
		res.Failed++
	default:
		res.Skipped++
	}
	return nil
}
