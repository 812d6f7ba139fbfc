package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrAccountNotFound is returned for messaging accounts not bound to a tenant.
var ErrAccountNotFound = errors.New("conversation: messaging account not found")

// Account binds a messaging account to a tenant and its default agent.
type Account struct {
	ID       string
	TenantID string
	AgentID  string
}

// AccountResolver maps an inbound account id to its tenant.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, accountID string) (Account, error)
}

type AccountStore struct {
	pool PgxPool
}

func NewAccountStore(pool PgxPool) *AccountStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &AccountStore{pool: pool}
}

func (s *AccountStore) ResolveAccount(ctx context.Context, accountID string) (Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, COALESCE(default_agent_id::text, '')
		FROM whatsapp_accounts
		WHERE id = $1
	`, accountID).Scan(&a.ID, &a.TenantID, &a.AgentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("conversation: resolve account: %w", err)
	}
	return a, nil
}
