package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-uploads/internal/domain"
)

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func TestSQSPublisher_Standard(t *testing.T) {
	task := domain.NewUploadTask("owner-1", "a.mp4", 100, "d41d8cd98f00b204e9800998ecf8427e", 10, 10, time.Hour)
	evt := TaskEvent(TypeCancelled, task)

	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var got Event
		if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
			return false
		}
		return aws.ToString(in.QueueUrl) == "https://sqs/q" &&
			in.MessageGroupId == nil &&
			got.Type == TypeCancelled &&
			*got.TaskID == task.ID
	})).Return(&sqs.SendMessageOutput{}, nil)

	require.NoError(t, NewSQSPublisher(client, "https://sqs/q").Publish(context.Background(), evt))
	client.AssertExpectations(t)
}

func TestSQSPublisher_FIFO(t *testing.T) {
	task := domain.NewUploadTask("owner-1", "a.mp4", 100, "d41d8cd98f00b204e9800998ecf8427e", 10, 10, time.Hour)
	evt := TaskEvent(TypeCompleted, task)

	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.MessageGroupId) == "owner-1" &&
			aws.ToString(in.MessageDeduplicationId) == "upload.completed:"+task.ID.String()
	})).Return(&sqs.SendMessageOutput{}, nil)

	require.NoError(t, NewSQSPublisher(client, "https://sqs/q.fifo").Publish(context.Background(), evt))
	client.AssertExpectations(t)
}
