package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// IntegrationStore reads and writes per-tenant CRM credentials.
type IntegrationStore interface {
	Get(ctx context.Context, tenantID string, crmType crm.Type) (*Integration, error)
	Upsert(ctx context.Context, in *Integration) error
}

// PostgresIntegrationStore implements IntegrationStore on crm_integrations.
type PostgresIntegrationStore struct {
	pool PgxPool
}

func NewPostgresIntegrationStore(pool PgxPool) *PostgresIntegrationStore {
	if pool == nil {
		panic("triggers: pgx pool required")
	}
	return &PostgresIntegrationStore{pool: pool}
}

func (s *PostgresIntegrationStore) Get(ctx context.Context, tenantID string, crmType crm.Type) (*Integration, error) {
	query := `
		SELECT tenant_id, crm_type, api_key, COALESCE(base_url, ''), options, updated_at
		FROM crm_integrations
		WHERE tenant_id = $1 AND crm_type = $2
	`
	var (
		in      Integration
		typ     string
		options []byte
	)
	err := s.pool.QueryRow(ctx, query, tenantID, string(crmType)).Scan(&in.TenantID, &typ, &in.APIKey, &in.BaseURL, &options, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("triggers: select integration: %w", err)
	}
	in.CRMType = crm.Type(typ)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &in.Options); err != nil {
			return nil, fmt.Errorf("triggers: decode integration options: %w", err)
		}
	}
	return &in, nil
}

func (s *PostgresIntegrationStore) Upsert(ctx context.Context, in *Integration) error {
	if in == nil || strings.TrimSpace(in.TenantID) == "" || !in.CRMType.IsCRM() {
		return fmt.Errorf("%w: integration needs a tenant and crm type", ErrInvalidTrigger)
	}
	options, err := encodeJSON(in.Options)
	if err != nil {
		return fmt.Errorf("triggers: encode integration options: %w", err)
	}
	query := `
		INSERT INTO crm_integrations (tenant_id, crm_type, api_key, base_url, options)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (tenant_id, crm_type)
		DO UPDATE SET api_key = EXCLUDED.api_key, base_url = EXCLUDED.base_url,
			options = EXCLUDED.options, updated_at = now()
		RETURNING updated_at
	`
	if err := s.pool.QueryRow(ctx, query, in.TenantID, string(in.CRMType), in.APIKey, in.BaseURL, options).Scan(&in.UpdatedAt); err != nil {
		return fmt.Errorf("triggers: upsert integration: %w", err)
	}
	return nil
}

var _ IntegrationStore = (*PostgresIntegrationStore)(nil)
