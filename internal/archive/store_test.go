package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte
	getErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{bucket: *input.Bucket, key: *input.Key, body: body})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestArchivePayload(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "forensics", nil)
	at := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

	key, err := store.ArchivePayload(context.Background(), PayloadRecord{
		EventID:    "evt-1",
		TenantID:   "org-1",
		TriggerID:  "trg-1",
		CRMType:    "pipedrive",
		Source:     "webhook",
		Stage:      "start_conversation",
		Error:      "gateway: api returned 500",
		ArchivedAt: at,
		Payload:    map[string]any{"current": map[string]any{"email": []any{"max@example.com"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "crm-events/v1/by-date/2024/06/03/pipedrive/evt-1.json", key)
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "forensics", mock.putCalls[0].bucket)

	var decoded PayloadRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &decoded))
	assert.Equal(t, "1.0", decoded.Version)
	assert.NotContains(t, string(mock.putCalls[0].body), "max@example.com")

	assert.Equal(t, "crm-events/v1/manifests/2024-06.jsonl", mock.putCalls[1].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, key, entry.S3Key)
	assert.Equal(t, "start_conversation", entry.Stage)
}

func TestStoreDisabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())

	key, err := store.ArchivePayload(context.Background(), PayloadRecord{})
	assert.NoError(t, err)
	assert.Empty(t, key)

	var nilStore *Store
	assert.False(t, nilStore.Enabled())
}

func TestManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "forensics", nil)
	at := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendManifest(context.Background(), at, ManifestEntry{EventID: "evt-1"}))
	require.NoError(t, store.AppendManifest(context.Background(), at, ManifestEntry{EventID: "evt-2"}))

	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestManifestReadFailureIsReported(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("access denied")
	store := NewStore(mock, "forensics", nil)

	err := store.AppendManifest(context.Background(), time.Now(), ManifestEntry{EventID: "evt-1"})
	require.Error(t, err)
	assert.Empty(t, mock.putCalls)

	// the payload itself is still archived
	_, err = store.ArchivePayload(context.Background(), PayloadRecord{EventID: "evt-2", CRMType: "hubspot"})
	require.NoError(t, err)
	assert.Len(t, mock.putCalls, 1)
}
