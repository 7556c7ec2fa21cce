package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"

	"github.com/idpops/teststudio/pkg/config"
)

const defaultSQSWaitTime = 20 * time.Second

// SQSQueue is a Queue backed by AWS SQS. Redelivery counts and
// dead-letter routing are handled by the queue's redrive policy; this
// driver only surfaces the receive count to the worker.
type SQSQueue struct {
	log      logrus.FieldLogger
	client   *sqs.Client
	queueURL string
	waitTime time.Duration
}

// Compile-time interface check.
var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates an SQS-backed queue from config.
func NewSQSQueue(
	log logrus.FieldLogger,
	cfg *config.SQSQueueConfig,
) (*SQSQueue, error) {
	waitTime := defaultSQSWaitTime

	if cfg.WaitTime != "" {
		d, err := time.ParseDuration(cfg.WaitTime)
		if err != nil {
			return nil, fmt.Errorf("parsing sqs wait time: %w", err)
		}

		waitTime = d
	}

	q := &SQSQueue{
		log:      log.WithField("component", "queue"),
		client:   newSQSClient(cfg),
		queueURL: cfg.QueueURL,
		waitTime: waitTime,
	}

	entry := q.log.WithField("queue_url", cfg.QueueURL)

	if cfg.DeadLetterQueueURL != "" {
		// Dead-lettering itself is the queue's redrive policy; the URL
		// is recorded so operators know where exhausted orders land.
		entry = entry.WithField(
			"dead_letter_queue_url", cfg.DeadLetterQueueURL,
		)
	}

	entry.Info("SQS queue configured")

	return q, nil
}

// Publish enqueues a message body.
func (q *SQSQueue) Publish(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sending sqs message: %w", err)
	}

	return nil
}

// Receive long-polls for one message.
func (q *SQSQueue) Receive(ctx context.Context) (*Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.waitTime / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving sqs message: %w", err)
	}

	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]

	receiveCount := 1
	if raw, ok := m.Attributes[string(
		sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
	)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			receiveCount = n
		}
	}

	return &Message{
		ID:            aws.ToString(m.MessageId),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		ReceiveCount:  receiveCount,
	}, nil
}

// Delete acknowledges a message.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting sqs message: %w", err)
	}

	return nil
}

// Release zeroes the visibility timeout so the message is immediately
// redeliverable.
func (q *SQSQueue) Release(ctx context.Context, receiptHandle string) error {
	_, err := q.client.ChangeMessageVisibility(ctx,
		&sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.queueURL),
			ReceiptHandle:     aws.String(receiptHandle),
			VisibilityTimeout: 0,
		})
	if err != nil {
		return fmt.Errorf("releasing sqs message: %w", err)
	}

	return nil
}

func newSQSClient(cfg *config.SQSQueueConfig) *sqs.Client {
	opts := []func(*sqs.Options){
		func(o *sqs.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return sqs.New(sqs.Options{}, opts...)
}
