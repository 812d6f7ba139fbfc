package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSPublisherWrapsEnvelope(t *testing.T) {
	client := &fakeSQS{}
	pub := NewSQSPublisher(client, "https://sqs.eu-central-1.amazonaws.com/123/queue-items")

	err := pub.Publish(context.Background(), TypeQueueItemCreated, QueueItemCreatedV1{
		EventID:     "evt-1",
		TenantID:    "org-1",
		QueueItemID: "q-1",
		QueueType:   "escalated",
		Priority:    2,
		CreatedAt:   time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/123/queue-items", aws.ToString(in.QueueUrl))
	assert.Equal(t, TypeQueueItemCreated, aws.ToString(in.MessageAttributes["event_type"].StringValue))

	var env struct {
		Type string             `json:"type"`
		Data QueueItemCreatedV1 `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &env))
	assert.Equal(t, TypeQueueItemCreated, env.Type)
	assert.Equal(t, "q-1", env.Data.QueueItemID)
	assert.Equal(t, 2, env.Data.Priority)
}

func TestSQSPublisherError(t *testing.T) {
	pub := NewSQSPublisher(&fakeSQS{err: errors.New("throttled")}, "q")
	err := pub.Publish(context.Background(), TypeConversationStarted, ConversationStartedV1{})
	assert.ErrorContains(t, err, "throttled")
}

func TestNewSQSPublisherPanics(t *testing.T) {
	assert.Panics(t, func() { NewSQSPublisher(nil, "q") })
	assert.Panics(t, func() { NewSQSPublisher(&fakeSQS{}, "") })
}
