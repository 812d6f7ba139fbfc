package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists queue items.
type Repository interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, tenantID, id string) (*Item, error)
	ListPending(ctx context.Context, tenantID string, queueType conversation.QueueType, limit int) ([]Item, error)
	// Close moves a pending item to status. Closed items return ErrItemClosed.
	Close(ctx context.Context, tenantID, id string, status Status, resolvedBy string, at time.Time) error
}

type PostgresStore struct {
	pool PgxPool
}

func NewPostgresStore(pool PgxPool) *PostgresStore {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

const itemColumns = `id::text, tenant_id, COALESCE(conversation_id::text, ''), queue_type, status, priority,
	original_message, COALESCE(reason, ''), COALESCE(suggested_response, ''), COALESCE(resolved_by, ''),
	resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item              Item
		queueType, status string
	)
	if err := row.Scan(&item.ID, &item.TenantID, &item.ConversationID, &queueType, &status, &item.Priority,
		&item.OriginalMessage, &item.Reason, &item.SuggestedResponse, &item.ResolvedBy,
		&item.ResolvedAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.QueueType = conversation.QueueType(queueType)
	item.Status = Status(status)
	return &item, nil
}

func (s *PostgresStore) Insert(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	query := `
		INSERT INTO message_queue (id, tenant_id, conversation_id, queue_type, status, priority,
			original_message, reason, suggested_response)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		RETURNING created_at
	`
	if err := s.pool.QueryRow(ctx, query,
		item.ID, item.TenantID, item.ConversationID, string(item.QueueType), string(item.Status), item.Priority,
		item.OriginalMessage, item.Reason, item.SuggestedResponse,
	).Scan(&item.CreatedAt); err != nil {
		return fmt.Errorf("queue: insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM message_queue WHERE id::text = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("queue: select failed: %w", err)
	}
	return item, nil
}

// ListPending returns pending items, highest priority first, then oldest.
// An empty queueType lists all queues.
func (s *PostgresStore) ListPending(ctx context.Context, tenantID string, queueType conversation.QueueType, limit int) ([]Item, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM message_queue
		WHERE tenant_id = $1 AND status = 'pending' AND ($2 = '' OR queue_type = $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`, tenantID, string(queueType), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan failed: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate failed: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close(ctx context.Context, tenantID, id string, status Status, resolvedBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_queue
		SET status = $3, resolved_by = NULLIF($4, ''), resolved_at = $5
		WHERE id::text = $1 AND tenant_id = $2 AND status = 'pending'
	`, id, tenantID, string(status), resolvedBy, at)
	if err != nil {
		return fmt.Errorf("queue: close failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, tenantID, id); err != nil {
			return err
		}
		return ErrItemClosed
	}
	return nil
}
