package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// PgxPool is the subset of pgxpool.Pool used by the stores in this package.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CRMWebhookEvent is one row of the append-only ingestion audit log.
type CRMWebhookEvent struct {
	ID            string            `json:"id"`
	TriggerID     string            `json:"trigger_id"`
	TenantID      string            `json:"tenant_id"`
	CRMType       crm.Type          `json:"crm_type"`
	EventType     string            `json:"event_type"`
	RawPayload    map[string]any    `json:"raw_payload"`
	ExtractedData *crm.ContactEvent `json:"extracted_data,omitempty"`
	IsTestEvent   bool              `json:"is_test_event"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// AuditStore writes and reads crm_webhook_events.
type AuditStore struct {
	pool PgxPool
}

func NewAuditStore(pool PgxPool) *AuditStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &AuditStore{pool: pool}
}

// Record appends an event. ID and CreatedAt are filled in.
func (s *AuditStore) Record(ctx context.Context, evt *CRMWebhookEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	raw, err := json.Marshal(evt.RawPayload)
	if err != nil {
		return fmt.Errorf("events: marshal raw payload: %w", err)
	}
	var extracted []byte
	if evt.ExtractedData != nil {
		if extracted, err = json.Marshal(evt.ExtractedData); err != nil {
			return fmt.Errorf("events: marshal extracted data: %w", err)
		}
	}
	query := `
		INSERT INTO crm_webhook_events (id, trigger_id, tenant_id, crm_type, event_type, raw_payload,
			extracted_data, is_test_event, error_message, processed_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		RETURNING created_at
	`
	if err := s.pool.QueryRow(ctx, query,
		evt.ID, evt.TriggerID, evt.TenantID, string(evt.CRMType), evt.EventType, raw,
		extracted, evt.IsTestEvent, evt.ErrorMessage, evt.ProcessedAt,
	).Scan(&evt.CreatedAt); err != nil {
		return fmt.Errorf("events: insert webhook event: %w", err)
	}
	return nil
}

// ListTestEvents returns captured test events for a trigger, newest first.
// A non-nil since limits the result to events created at or after it.
func (s *AuditStore) ListTestEvents(ctx context.Context, triggerID string, since *time.Time, limit int) ([]CRMWebhookEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT id::text, COALESCE(trigger_id::text, ''), tenant_id, crm_type, event_type, raw_payload,
			extracted_data, is_test_event, COALESCE(error_message, ''), processed_at, created_at
		FROM crm_webhook_events
		WHERE trigger_id::text = $1 AND is_test_event
			AND ($2::timestamptz IS NULL OR created_at >= $2::timestamptz)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, triggerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("events: list test events: %w", err)
	}
	defer rows.Close()

	var out []CRMWebhookEvent
	for rows.Next() {
		var (
			evt       CRMWebhookEvent
			crmType   string
			raw       []byte
			extracted []byte
		)
		if err := rows.Scan(&evt.ID, &evt.TriggerID, &evt.TenantID, &crmType, &evt.EventType, &raw,
			&extracted, &evt.IsTestEvent, &evt.ErrorMessage, &evt.ProcessedAt, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan test event: %w", err)
		}
		evt.CRMType = crm.Type(crmType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &evt.RawPayload); err != nil {
				return nil, fmt.Errorf("events: decode raw payload: %w", err)
			}
		}
		if len(extracted) > 0 {
			var contact crm.ContactEvent
			if err := json.Unmarshal(extracted, &contact); err != nil {
				return nil, fmt.Errorf("events: decode extracted data: %w", err)
			}
			evt.ExtractedData = &contact
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// DeleteTestEvents removes every captured test event of a trigger.
func (s *AuditStore) DeleteTestEvents(ctx context.Context, triggerID string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM crm_webhook_events WHERE trigger_id::text = $1 AND is_test_event`, triggerID)
	if err != nil {
		return 0, fmt.Errorf("events: delete test events: %w", err)
	}
	return ct.RowsAffected(), nil
}
