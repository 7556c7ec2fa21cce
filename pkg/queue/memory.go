package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// memoryPollInterval is how often Receive re-checks for an available
// message while waiting.
const memoryPollInterval = 50 * time.Millisecond

// memoryMessage is the in-flight bookkeeping for one queued body.
type memoryMessage struct {
	id            string
	body          []byte
	receiptHandle string
	receiveCount  int
	visibleAt     time.Time
}

// MemoryQueue is an in-process Queue with SQS-like semantics: received
// messages become invisible for a redelivery window, unacknowledged
// messages come back, and messages exceeding the receive limit land in
// the dead-letter buffer.
type MemoryQueue struct {
	log            logrus.FieldLogger
	mu             sync.Mutex
	messages       []*memoryMessage
	deadLetters    []Message
	maxReceives    int
	redeliverAfter time.Duration
	pollWindow     time.Duration
}

// Compile-time interface check.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(
	log logrus.FieldLogger,
	maxReceives int,
	redeliverAfter time.Duration,
	pollWindow time.Duration,
) *MemoryQueue {
	if maxReceives <= 0 {
		maxReceives = 3
	}

	return &MemoryQueue{
		log:            log.WithField("component", "queue"),
		maxReceives:    maxReceives,
		redeliverAfter: redeliverAfter,
		pollWindow:     pollWindow,
	}
}

// Publish enqueues a message body.
func (q *MemoryQueue) Publish(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = append(q.messages, &memoryMessage{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	})

	return nil
}

// Receive returns the next visible message, waiting up to the poll
// window for one to arrive.
func (q *MemoryQueue) Receive(ctx context.Context) (*Message, error) {
	deadline := time.Now().Add(q.pollWindow)

	for {
		if msg := q.tryReceive(); msg != nil {
			return msg, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

// tryReceive claims the first visible message, routing exhausted
// messages to the dead-letter buffer as it scans.
func (q *MemoryQueue) tryReceive() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.messages[:0]

	var claimed *Message

	for _, m := range q.messages {
		if claimed != nil || m.visibleAt.After(now) {
			kept = append(kept, m)
			continue
		}

		if m.receiveCount >= q.maxReceives {
			// Exhausted redeliveries. This is the operator-visible
			// alarm condition: the associated run stays PROCESSING
			// until the reconciliation sweep times it out.
			q.deadLetters = append(q.deadLetters, Message{
				ID:           m.id,
				Body:         m.body,
				ReceiveCount: m.receiveCount,
			})

			q.log.WithField("message_id", m.id).
				WithField("receives", m.receiveCount).
				Error("Message exhausted redeliveries, moved to dead-letter queue")

			continue
		}

		m.receiveCount++
		m.receiptHandle = uuid.NewString()
		m.visibleAt = now.Add(q.redeliverAfter)

		claimed = &Message{
			ID:            m.id,
			Body:          append([]byte(nil), m.body...),
			ReceiptHandle: m.receiptHandle,
			ReceiveCount:  m.receiveCount,
		}

		kept = append(kept, m)
	}

	q.messages = kept

	return claimed
}

// Delete acknowledges a message by its receipt handle.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]

	for _, m := range q.messages {
		if m.receiptHandle == receiptHandle {
			continue
		}

		kept = append(kept, m)
	}

	q.messages = kept

	return nil
}

// Release makes a message immediately redeliverable.
func (q *MemoryQueue) Release(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.messages {
		if m.receiptHandle == receiptHandle {
			m.visibleAt = time.Time{}
			break
		}
	}

	return nil
}

// DeadLetters returns a copy of the dead-letter buffer.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]Message(nil), q.deadLetters...)
}
