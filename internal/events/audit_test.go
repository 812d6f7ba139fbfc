package events

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

func TestAuditStoreRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewAuditStore(mock)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO crm_webhook_events").
		WithArgs(pgxmock.AnyArg(), "trg-1", "tenant-1", "pipedrive", "added.person", pgxmock.AnyArg(),
			pgxmock.AnyArg(), true, "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))

	evt := &CRMWebhookEvent{
		TriggerID:     "trg-1",
		TenantID:      "tenant-1",
		CRMType:       crm.TypePipedrive,
		EventType:     "added.person",
		RawPayload:    map[string]any{"event": "added.person"},
		ExtractedData: &crm.ContactEvent{Phone: "+49123456789"},
		IsTestEvent:   true,
	}
	require.NoError(t, store.Record(context.Background(), evt))
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, created, evt.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreRecordError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO crm_webhook_events").
		WithArgs(pgxmock.AnyArg(), "", "t", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), false, "", pgxmock.AnyArg()).
		WillReturnError(errors.New("boom"))
	err = NewAuditStore(mock).Record(context.Background(), &CRMWebhookEvent{TenantID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert webhook event")
}

func TestAuditStoreListTestEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "trigger_id", "tenant_id", "crm_type", "event_type", "raw_payload",
		"extracted_data", "is_test_event", "error_message", "processed_at", "created_at"}).
		AddRow("evt-2", "trg-1", "tenant-1", "hubspot", "contact.creation", []byte(`{"objectId":"9"}`),
			[]byte(`{"crm_type":"hubspot","event_type":"contact.creation","phone":"+4915"}`), true, "", nil, created).
		AddRow("evt-1", "trg-1", "tenant-1", "hubspot", "contact.creation", []byte(`{}`),
			nil, true, "missing phone", nil, created.Add(-time.Minute))
	mock.ExpectQuery("FROM crm_webhook_events").
		WithArgs("trg-1", pgxmock.AnyArg(), 20).
		WillReturnRows(rows)

	events, err := NewAuditStore(mock).ListTestEvents(context.Background(), "trg-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, crm.TypeHubSpot, events[0].CRMType)
	require.NotNil(t, events[0].ExtractedData)
	assert.Equal(t, "+4915", events[0].ExtractedData.Phone)
	assert.Equal(t, "9", events[0].RawPayload["objectId"])
	assert.Nil(t, events[1].ExtractedData)
	assert.Equal(t, "missing phone", events[1].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreDeleteTestEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM crm_webhook_events").WithArgs("trg-1").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := NewAuditStore(mock).DeleteTestEvents(context.Background(), "trg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
