package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the stores need.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists conversations and their messages.
type Repository interface {
	// UpsertOpen inserts c unless the contact already has an open
	// conversation, in which case c is overwritten with the existing row.
	UpsertOpen(ctx context.Context, c *Conversation) (created bool, err error)
	Get(ctx context.Context, tenantID, id string) (*Conversation, error)
	// FindOpenByPhone returns the contact's open conversation. Active and
	// paused rows are preferred over escalated ones, newest first.
	FindOpenByPhone(ctx context.Context, tenantID, phone string) (*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
	InsertMessage(ctx context.Context, m *Message) error
	MessageExists(ctx context.Context, tenantID, externalID string) (bool, error)
	CountMessages(ctx context.Context, conversationID string, direction Direction) (int, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// PostgresStore implements Repository on the conversations and messages
// tables.
type PostgresStore struct {
	pool PgxPool
	now  func() time.Time
}

func NewPostgresStore(pool PgxPool) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresStore{pool: pool, now: time.Now}
}

const conversationColumns = `id::text, tenant_id, COALESCE(whatsapp_account_id, ''), COALESCE(agent_id::text, ''),
	contact_phone, COALESCE(contact_name, ''), contact_first_name, status, current_script_step,
	COALESCE(trigger_id::text, ''), trigger_data, COALESCE(external_lead_id, ''),
	last_message_at, escalated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var (
		c      Conversation
		status string
		data   []byte
	)
	dest := []any{
		&c.ID, &c.TenantID, &c.WhatsAppAccountID, &c.AgentID,
		&c.ContactPhone, &c.ContactName, &c.ContactFirstName, &status, &c.CurrentScriptStep,
		&c.TriggerID, &data, &c.ExternalLeadID,
		&c.LastMessageAt, &c.EscalatedAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.TriggerData); err != nil {
			return nil, fmt.Errorf("conversation: decode trigger data for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) UpsertOpen(ctx context.Context, c *Conversation) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.CurrentScriptStep == 0 {
		c.CurrentScriptStep = 1
	}
	data, err := json.Marshal(c.TriggerData)
	if err != nil {
		return false, fmt.Errorf("conversation: encode trigger data: %w", err)
	}
	if c.TriggerData == nil {
		data = []byte("{}")
	}
	query := `
		INSERT INTO conversations (id, tenant_id, whatsapp_account_id, agent_id, contact_phone, contact_name,
			contact_first_name, status, current_script_step, trigger_id, trigger_data, external_lead_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid, $5, NULLIF($6, ''), $7, $8, $9,
			NULLIF($10, '')::uuid, $11, NULLIF($12, ''))
		ON CONFLICT (tenant_id, contact_phone) WHERE status IN ('active', 'paused', 'escalated')
		DO UPDATE SET updated_at = now()
		RETURNING ` + conversationColumns + `, (xmax = 0) AS inserted
	`
	var inserted bool
	got, err := scanConversation(s.pool.QueryRow(ctx, query,
		c.ID, c.TenantID, c.WhatsAppAccountID, c.AgentID, c.ContactPhone, c.ContactName,
		c.ContactFirstName, string(c.Status), c.CurrentScriptStep, c.TriggerID, data, c.ExternalLeadID,
	), &inserted)
	if err != nil {
		return false, fmt.Errorf("conversation: upsert failed: %w", err)
	}
	*c = *got
	return inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id::text = $1 AND tenant_id = $2`, id, tenantID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation: select failed: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FindOpenByPhone(ctx context.Context, tenantID, phone string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND contact_phone = $2 AND status IN ('active', 'paused', 'escalated')
		ORDER BY (status = 'escalated'), created_at DESC
		LIMIT 1`, tenantID, phone)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation: select open failed: %w", err)
	}
	return c, nil
}

// Save writes the mutable fields of c.
func (s *PostgresStore) Save(ctx context.Context, c *Conversation) error {
	query := `
		UPDATE conversations
		SET status = $2, current_script_step = $3, last_message_at = $4, escalated_at = $5, updated_at = $6
		WHERE id::text = $1
	`
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, query, c.ID, string(c.Status), c.CurrentScriptStep, c.LastMessageAt, c.EscalatedAt, now)
	if err != nil {
		return fmt.Errorf("conversation: update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MessagePending
	}
	query := `
		INSERT INTO messages (id, tenant_id, conversation_id, direction, sender_type, content, status, external_message_id)
		VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING created_at
	`
	if err := s.pool.QueryRow(ctx, query,
		m.ID, m.TenantID, m.ConversationID, string(m.Direction), string(m.SenderType),
		m.Content, string(m.Status), m.ExternalMessageID,
	).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("conversation: insert message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MessageExists(ctx context.Context, tenantID, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE tenant_id = $1 AND external_message_id = $2)`,
		tenantID, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conversation: message lookup failed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string, direction Direction) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id::text = $1 AND direction = $2`,
		conversationID, string(direction),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("conversation: count messages failed: %w", err)
	}
	return n, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, tenant_id, conversation_id::text, direction, sender_type, content, status,
			COALESCE(external_message_id, ''), created_at
		FROM messages
		WHERE conversation_id::text = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list messages failed: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                         Message
			direction, sender, status string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &direction, &sender, &m.Content, &status, &m.ExternalMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		m.Direction = Direction(direction)
		m.SenderType = SenderType(sender)
		m.Status = MessageStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
