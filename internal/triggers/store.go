package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// PgxPool is the subset of pgxpool.Pool the stores need.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists triggers.
type Repository interface {
	Create(ctx context.Context, t *Trigger) error
	Get(ctx context.Context, tenantID, id string) (*Trigger, error)
	GetByID(ctx context.Context, id string) (*Trigger, error)
	List(ctx context.Context, tenantID string) ([]*Trigger, error)
	ListActiveByType(ctx context.Context, crmType crm.Type) ([]*Trigger, error)
	ListPolling(ctx context.Context) ([]*Trigger, error)
	UpdateProvisioning(ctx context.Context, t *Trigger) error
	SetTestWindow(ctx context.Context, id string, startedAt, until *time.Time) error
	SavePollProgress(ctx context.Context, id string, progress PollProgress) error
	Delete(ctx context.Context, tenantID, id string) error
}

// PostgresStore implements Repository on crm_triggers.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	if pool == nil {
		panic("triggers: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

const triggerColumns = `id::text, tenant_id, name, crm_type, trigger_event, event_filters, state,
	COALESCE(webhook_id, ''), COALESCE(webhook_secret, ''), webhook_status, polling_enabled, last_polled_at,
	COALESCE(agent_id::text, ''), COALESCE(whatsapp_account_id, ''), first_message_template, is_active,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t         Trigger
		crmType   string
		status    string
		filtersJS []byte
		stateJS   []byte
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &crmType, &t.TriggerEvent, &filtersJS, &stateJS,
		&t.WebhookID, &t.WebhookSecret, &status, &t.PollingEnabled, &t.LastPolledAt,
		&t.AgentID, &t.WhatsAppAccountID, &t.FirstMessageTemplate, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Type = crm.Type(crmType)
	t.WebhookStatus = WebhookStatus(status)
	if len(filtersJS) > 0 {
		if err := json.Unmarshal(filtersJS, &t.EventFilters); err != nil {
			return nil, fmt.Errorf("triggers: decode filters for %s: %w", t.ID, err)
		}
	}
	if len(stateJS) > 0 {
		if err := json.Unmarshal(stateJS, &t.State); err != nil {
			return nil, fmt.Errorf("triggers: decode state for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// encodeJSON marshals v, storing nil maps as an empty object.
func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return []byte("{}"), nil
	}
	return raw, nil
}

// Create inserts a trigger, assigning an id when empty.
func (s *PostgresStore) Create(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.WebhookStatus == "" {
		t.WebhookStatus = WebhookPending
	}
	filters, err := encodeJSON(t.EventFilters)
	if err != nil {
		return fmt.Errorf("triggers: encode filters: %w", err)
	}
	state, err := encodeJSON(t.State)
	if err != nil {
		return fmt.Errorf("triggers: encode state: %w", err)
	}
	query := `
		INSERT INTO crm_triggers (id, tenant_id, name, crm_type, trigger_event, event_filters, state,
			webhook_secret, webhook_status, polling_enabled, agent_id, whatsapp_account_id,
			first_message_template, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, '')::uuid, NULLIF($12, ''), $13, $14)
		RETURNING created_at, updated_at
	`
	if err := s.pool.QueryRow(ctx, query,
		t.ID, t.TenantID, t.Name, string(t.Type), t.TriggerEvent, filters, state,
		t.WebhookSecret, string(t.WebhookStatus), t.PollingEnabled, t.AgentID, t.WhatsAppAccountID,
		t.FirstMessageTemplate, t.IsActive,
	).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("triggers: insert failed: %w", err)
	}
	return nil
}

// Get fetches a trigger scoped to the tenant.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Trigger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM crm_triggers WHERE id::text = $1 AND tenant_id = $2`, id, tenantID)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("triggers: select failed: %w", err)
	}
	return t, nil
}

// GetByID fetches a trigger without tenant scoping (webhook deliveries).
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Trigger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM crm_triggers WHERE id::text = $1`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("triggers: select failed: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Trigger, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("triggers: list failed: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("triggers: scan failed: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("triggers: list failed: %w", err)
	}
	return out, nil
}

// List returns every trigger of a tenant, newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*Trigger, error) {
	return s.list(ctx, `SELECT `+triggerColumns+` FROM crm_triggers WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
}

// ListActiveByType returns active triggers of a CRM type, oldest first so
// matching is stable.
func (s *PostgresStore) ListActiveByType(ctx context.Context, crmType crm.Type) ([]*Trigger, error) {
	return s.list(ctx, `SELECT `+triggerColumns+` FROM crm_triggers WHERE crm_type = $1 AND is_active ORDER BY created_at ASC`, string(crmType))
}

// ListPolling returns active triggers that rely on polling.
func (s *PostgresStore) ListPolling(ctx context.Context) ([]*Trigger, error) {
	return s.list(ctx, `SELECT `+triggerColumns+` FROM crm_triggers WHERE polling_enabled AND is_active ORDER BY last_polled_at ASC NULLS FIRST`)
}

// UpdateProvisioning stores the outcome of webhook registration.
func (s *PostgresStore) UpdateProvisioning(ctx context.Context, t *Trigger) error {
	state, err := encodeJSON(t.State)
	if err != nil {
		return fmt.Errorf("triggers: encode state: %w", err)
	}
	query := `
		UPDATE crm_triggers
		SET webhook_id = NULLIF($2, ''), webhook_secret = NULLIF($3, ''), webhook_status = $4,
			polling_enabled = $5, state = $6, updated_at = now()
		WHERE id::text = $1
	`
	ct, err := s.pool.Exec(ctx, query, t.ID, t.WebhookID, t.WebhookSecret, string(t.WebhookStatus), t.PollingEnabled, state)
	if err != nil {
		return fmt.Errorf("triggers: update provisioning: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// SetTestWindow writes only the test-mode keys of the state; polling keys
// are left alone. A nil until closes the session and keeps test_started_at.
func (s *PostgresStore) SetTestWindow(ctx context.Context, id string, startedAt, until *time.Time) error {
	query := `
		UPDATE crm_triggers
		SET state = CASE
				WHEN $3::timestamptz IS NULL THEN state - 'test_mode_until'
				ELSE state || jsonb_build_object('test_started_at', $2::timestamptz, 'test_mode_until', $3::timestamptz)
			END,
			updated_at = now()
		WHERE id::text = $1
	`
	ct, err := s.pool.Exec(ctx, query, id, startedAt, until)
	if err != nil {
		return fmt.Errorf("triggers: update test window: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// SavePollProgress persists the polling cursor with its window start and,
// when a watermark is set, advances last_polled_at. The watermark never
// moves backwards.
func (s *PostgresStore) SavePollProgress(ctx context.Context, id string, progress PollProgress) error {
	query := `
		UPDATE crm_triggers
		SET last_polled_at = CASE
				WHEN $2::timestamptz IS NULL THEN last_polled_at
				ELSE GREATEST(COALESCE(last_polled_at, $2::timestamptz), $2::timestamptz)
			END,
			state = CASE
				WHEN $3 = '' THEN state - 'polling_cursor' - 'polling_since'
				ELSE state || jsonb_build_object('polling_cursor', $3::text, 'polling_since', $4::timestamptz)
			END,
			updated_at = now()
		WHERE id::text = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, progress.Watermark, progress.Cursor, progress.Since); err != nil {
		return fmt.Errorf("triggers: save poll progress: %w", err)
	}
	return nil
}

// Delete removes a trigger of the tenant.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM crm_triggers WHERE id::text = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("triggers: delete failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

var _ Repository = (*PostgresStore)(nil)
