// Package queue provides the at-least-once work queue that decouples
// test run submission from execution. Two drivers exist: an in-process
// memory queue with redelivery and a dead-letter buffer, and an AWS SQS
// queue where redelivery and dead-lettering follow the queue's own
// redrive policy.
package queue

import "context"

// Message is one delivery of a queued work order. The same body may be
// delivered more than once; ReceiveCount says how many times.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is an at-least-once message queue.
type Queue interface {
	// Publish enqueues a message body.
	Publish(ctx context.Context, body []byte) error

	// Receive waits for the next available message, up to the driver's
	// poll window. It returns (nil, nil) when no message arrived. A
	// received message stays invisible to other consumers until it is
	// either Deleted or Released, or its visibility window lapses.
	Receive(ctx context.Context) (*Message, error)

	// Delete acknowledges a message so it is never redelivered.
	Delete(ctx context.Context, receiptHandle string) error

	// Release makes a message immediately available for redelivery.
	Release(ctx context.Context, receiptHandle string) error
}
