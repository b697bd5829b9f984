package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/prn-tf/alexander-uploads/internal/config"
)

// SQSAPI is the subset of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events as JSON messages to one queue. FIFO queues are
// grouped by owner so one owner's events stay ordered.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSClient builds an SQS client from configuration.
func NewSQSClient(ctx context.Context, cfg config.EventsConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Publish sends evt.
func (p *SQSPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(string(evt.Type))},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(evt.OwnerID)
		input.MessageDeduplicationId = aws.String(dedupID(evt))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send %s event: %w", evt.Type, err)
	}
	return nil
}

func dedupID(evt Event) string {
	switch {
	case evt.TaskID != nil:
		return string(evt.Type) + ":" + evt.TaskID.String()
	case evt.FileID != nil:
		return string(evt.Type) + ":" + evt.FileID.String()
	}
	return string(evt.Type) + ":" + evt.OwnerID + ":" + evt.OccurredAt.Format("20060102T150405.000000000")
}
