package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
)

var itemCols = []string{"id", "tenant_id", "conversation_id", "queue_type", "status", "priority",
	"original_message", "reason", "suggested_response", "resolved_by", "resolved_at", "created_at"}

func TestInsertItem(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO message_queue`).
		WithArgs("q-1", "org-1", "c-1", "escalated", "pending", 2, "Anwalt!", "keyword", "").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))

	item := &Item{ID: "q-1", TenantID: "org-1", ConversationID: "c-1", QueueType: conversation.QueueEscalated,
		Priority: 2, OriginalMessage: "Anwalt!", Reason: "keyword"}
	require.NoError(t, NewPostgresStore(mock).Insert(context.Background(), item))
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, created, item.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingOrdersByPriority(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM message_queue WHERE tenant_id = \$1 AND status = 'pending' .* ORDER BY priority DESC, created_at ASC`).
		WithArgs("org-1", "", 50).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("q-2", "org-1", "c-1", "escalated", "pending", 2, "Anwalt!", "keyword", "", "", nil, created).
			AddRow("q-1", "org-1", "", "outside_hours", "pending", 1, "Hallo", "", "", "", nil, created))

	items, err := NewPostgresStore(mock).ListPending(context.Background(), "org-1", "", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, conversation.QueueEscalated, items[0].QueueType)
	assert.Empty(t, items[1].ConversationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseItem(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(mock)
	at := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE message_queue`).
		WithArgs("q-1", "org-1", "resolved", "ops", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.Close(context.Background(), "org-1", "q-1", StatusResolved, "ops", at))

	// Already closed: the follow-up lookup finds the row.
	mock.ExpectExec(`UPDATE message_queue`).
		WithArgs("q-1", "org-1", "dismissed", "", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM message_queue WHERE id::text = \$1`).
		WithArgs("q-1", "org-1").
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow("q-1", "org-1", "", "escalated", "resolved", 2, "x", "", "", "ops", &at, at))
	assert.ErrorIs(t, store.Close(context.Background(), "org-1", "q-1", StatusDismissed, "", at), ErrItemClosed)

	mock.ExpectExec(`UPDATE message_queue`).
		WithArgs("nope", "org-1", "dismissed", "", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM message_queue WHERE id::text = \$1`).
		WithArgs("nope", "org-1").
		WillReturnError(pgx.ErrNoRows)
	assert.ErrorIs(t, store.Close(context.Background(), "org-1", "nope", StatusDismissed, "", at), ErrItemNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
