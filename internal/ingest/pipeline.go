// Package ingest runs CRM events through matching, filtering, test-mode
// capture and conversation start. Webhook deliveries and polled events share
// the same Pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/crm-trigger-engine/internal/archive"
	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/crm"
	"github.com/wolfman30/crm-trigger-engine/internal/events"
	"github.com/wolfman30/crm-trigger-engine/internal/observability/metrics"
	"github.com/wolfman30/crm-trigger-engine/internal/triggers"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

var tracer = otel.Tracer("crmtrigger/ingest")

// Source says how an event reached the engine.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Outcome is the terminal state of one processed event.
type Outcome string

const (
	OutcomeStarted      Outcome = "started"
	OutcomeFiltered     Outcome = "filtered"
	OutcomeTestCaptured Outcome = "test_captured"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeMissingPhone Outcome = "missing_phone"
	OutcomeSendFailed   Outcome = "send_failed"
	OutcomeUnmatched    Outcome = "unmatched"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

// Event is one raw CRM event. Polled events carry their Trigger, which skips
// resolution and token verification.
type Event struct {
	CRMType   crm.Type
	TriggerID string
	Token     string
	Trigger   *triggers.Trigger
	Payload   map[string]any
	Source    Source
}

// Result describes what happened to an event.
type Result struct {
	Outcome        Outcome `json:"outcome"`
	TriggerID      string  `json:"trigger_id,omitempty"`
	EventType      string  `json:"event_type,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// TriggerResolver finds the trigger of an event and evaluates its filters.
type TriggerResolver interface {
	Resolve(ctx context.Context, crmType crm.Type, triggerID string, payload map[string]any) (*triggers.Trigger, error)
	MatchesFilters(t *triggers.Trigger, payload map[string]any) triggers.FilterResult
}

// Normalizer turns a payload into a contact record.
type Normalizer interface {
	Normalize(t crm.Type, payload map[string]any) (crm.ContactEvent, error)
}

// AuditLog appends to crm_webhook_events.
type AuditLog interface {
	Record(ctx context.Context, evt *events.CRMWebhookEvent) error
}

// ReplayGuard remembers events that already started a conversation.
type ReplayGuard interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// ConversationStarter opens a conversation for a contact.
type ConversationStarter interface {
	Start(ctx context.Context, req conversation.StartRequest) (conversation.StartResult, error)
}

// PayloadArchiver keeps raw payloads of failed events.
type PayloadArchiver interface {
	ArchivePayload(ctx context.Context, record archive.PayloadRecord) (string, error)
}

// Pipeline processes CRM events.
type Pipeline struct {
	resolver   TriggerResolver
	normalizer Normalizer
	audit      AuditLog
	starter    ConversationStarter
	replay     ReplayGuard
	archiver   PayloadArchiver
	metrics    *metrics.EngineMetrics
	logger     *logging.Logger
	now        func() time.Time
}

type PipelineOption func(*Pipeline)

// WithReplayGuard skips events whose key was already processed.
func WithReplayGuard(g ReplayGuard) PipelineOption {
	return func(p *Pipeline) { p.replay = g }
}

func WithArchiver(a PayloadArchiver) PipelineOption {
	return func(p *Pipeline) { p.archiver = a }
}

func WithMetrics(m *metrics.EngineMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPipeline(resolver TriggerResolver, normalizer Normalizer, audit AuditLog, starter ConversationStarter, logger *logging.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pipeline{
		resolver:   resolver,
		normalizer: normalizer,
		audit:      audit,
		starter:    starter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one event. Filter mismatches, test-mode captures and replays
// are successful results. Errors wrap the triggers, crm and ingest sentinels
// so callers can map them to responses.
func (p *Pipeline) Process(ctx context.Context, ev Event) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("crm.type", string(ev.CRMType)),
		attribute.String("ingest.source", string(ev.Source)),
	)
	started := time.Now()

	res, err := p.process(ctx, ev)

	p.metrics.ObserveCRMEvent(string(ev.CRMType), string(res.Outcome))
	p.metrics.ObserveIngestLatency(string(ev.Source), time.Since(started).Seconds())
	span.SetAttributes(attribute.String("ingest.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) process(ctx context.Context, ev Event) (Result, error) {
	if ev.Payload == nil {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	t := ev.Trigger
	if t == nil {
		resolved, err := p.resolver.Resolve(ctx, ev.CRMType, ev.TriggerID, ev.Payload)
		if err != nil {
			if errors.Is(err, crm.ErrUnsupportedCRM) {
				return Result{Outcome: OutcomeRejected}, err
			}
			return Result{Outcome: OutcomeUnmatched}, err
		}
		if err := triggers.VerifyToken(resolved, ev.Token); err != nil {
			return Result{Outcome: OutcomeRejected, TriggerID: resolved.ID}, err
		}
		t = resolved
	}
	log := p.logger.With("trigger_id", t.ID, "tenant_id", t.TenantID, "crm_type", string(t.Type), "source", string(ev.Source))

	if fr := p.resolver.MatchesFilters(t, ev.Payload); !fr.Matched {
		log.Debug("event filtered", "field", fr.Field, "got", fr.Got)
		return Result{
			Outcome:   OutcomeFiltered,
			TriggerID: t.ID,
			Message:   fmt.Sprintf("event does not match filter %q (got %q)", fr.Field, fr.Got),
		}, nil
	}

	contact, err := p.normalizer.Normalize(t.Type, ev.Payload)
	if err != nil {
		p.archive(ctx, t, ev, "normalize", err.Error(), "")
		return Result{Outcome: OutcomeFailed, TriggerID: t.ID}, fmt.Errorf("ingest: normalize: %w", err)
	}
	res := Result{TriggerID: t.ID, EventType: contact.EventType}
	now := p.now()

	if t.InTestMode(now) {
		record := p.auditRecord(t, ev, contact)
		record.IsTestEvent = true
		if !contact.HasPhone() {
			record.ErrorMessage = ErrMissingPhone.Error()
		}
		if err := p.audit.Record(ctx, record); err != nil {
			res.Outcome = OutcomeFailed
			return res, fmt.Errorf("ingest: capture test event: %w", err)
		}
		log.Info("test event captured", "event_type", contact.EventType)
		res.Outcome = OutcomeTestCaptured
		res.Message = "event captured in test mode"
		return res, nil
	}

	if !contact.HasPhone() {
		p.recordFailure(ctx, t, ev, contact, ErrMissingPhone.Error())
		res.Outcome = OutcomeMissingPhone
		return res, ErrMissingPhone
	}

	key := ""
	if p.replay != nil && contact.ExternalID != "" {
		key = events.EventKey(t.ID, contact.ExternalID, contact.EventType)
		seen, err := p.replay.AlreadyProcessed(ctx, string(t.Type), key)
		if err != nil {
			log.Warn("replay check failed", "error", err)
		} else if seen {
			res.Outcome = OutcomeDuplicate
			res.Message = "event already processed"
			return res, nil
		}
	}

	start, err := p.starter.Start(ctx, conversation.StartRequest{
		TenantID:          t.TenantID,
		TriggerID:         t.ID,
		AgentID:           t.AgentID,
		WhatsAppAccountID: t.WhatsAppAccountID,
		Phone:             contact.Phone,
		ContactName:       contact.DisplayName(),
		ExternalLeadID:    contact.ExternalID,
		Template:          t.FirstMessageTemplate,
		TriggerData:       contact.Variables,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidPhone) {
			p.recordFailure(ctx, t, ev, contact, err.Error())
			res.Outcome = OutcomeMissingPhone
			return res, fmt.Errorf("%w: %v", ErrMissingPhone, err)
		}
		p.recordFailure(ctx, t, ev, contact, err.Error())
		p.archive(ctx, t, ev, "start_conversation", err.Error(), contact.Phone)
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("ingest: start conversation: %w", err)
	}
	res.ConversationID = start.ConversationID

	if key != "" {
		if _, err := p.replay.MarkProcessed(ctx, string(t.Type), key); err != nil {
			log.Warn("failed to mark event processed", "error", err, "event_key", key)
		}
	}

	if !start.Success {
		p.recordFailure(ctx, t, ev, contact, start.Error)
		p.archive(ctx, t, ev, "first_message", start.Error, contact.Phone)
		res.Outcome = OutcomeSendFailed
		res.Message = start.Error
		return res, nil
	}

	record := p.auditRecord(t, ev, contact)
	record.ProcessedAt = &now
	if err := p.audit.Record(ctx, record); err != nil {
		log.Warn("failed to audit crm event", "error", err)
	}
	log.Info("conversation started from crm event", "conversation_id", start.ConversationID, "created", start.Created)
	res.Outcome = OutcomeStarted
	return res, nil
}

func (p *Pipeline) auditRecord(t *triggers.Trigger, ev Event, contact crm.ContactEvent) *events.CRMWebhookEvent {
	c := contact
	return &events.CRMWebhookEvent{
		TriggerID:     t.ID,
		TenantID:      t.TenantID,
		CRMType:       t.Type,
		EventType:     contact.EventType,
		RawPayload:    ev.Payload,
		ExtractedData: &c,
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, t *triggers.Trigger, ev Event, contact crm.ContactEvent, msg string) {
	record := p.auditRecord(t, ev, contact)
	record.ErrorMessage = msg
	if err := p.audit.Record(ctx, record); err != nil {
		p.logger.Warn("failed to audit crm event failure", "error", err, "trigger_id", t.ID)
	}
}

func (p *Pipeline) archive(ctx context.Context, t *triggers.Trigger, ev Event, stage, msg, phone string) {
	if p.archiver == nil {
		return
	}
	if _, err := p.archiver.ArchivePayload(ctx, archive.PayloadRecord{
		TenantID:  t.TenantID,
		TriggerID: t.ID,
		CRMType:   string(t.Type),
		Source:    string(ev.Source),
		Stage:     stage,
		Error:     msg,
		PhoneHash: archive.HashPhone(phone),
		Payload:   ev.Payload,
	}); err != nil {
		p.logger.Warn("failed to archive crm payload", "error", err, "trigger_id", t.ID, "stage", stage)
	}
}
