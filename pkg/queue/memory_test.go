package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpops/teststudio/pkg/queue"
)

func newTestQueue(maxReceives int, redeliverAfter time.Duration) *queue.MemoryQueue {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return queue.NewMemoryQueue(log, maxReceives, redeliverAfter, 100*time.Millisecond)
}

func TestMemoryQueue_PublishReceiveDelete(t *testing.T) {
	q := newTestQueue(3, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte(`{"testRunId":"run-1"}`)))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `{"testRunId":"run-1"}`, string(msg.Body))
	assert.Equal(t, 1, msg.ReceiveCount)
	assert.NotEmpty(t, msg.ReceiptHandle)

	require.NoError(t, q.Delete(ctx, msg.ReceiptHandle))

	// Nothing left after the ack.
	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemoryQueue_EmptyReceiveReturnsNil(t *testing.T) {
	q := newTestQueue(3, time.Minute)

	msg, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemoryQueue_InFlightInvisible(t *testing.T) {
	q := newTestQueue(3, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("body")))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The message is in flight and must not be delivered again before
	// the redelivery window elapses.
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestMemoryQueue_RedeliversUnacknowledged(t *testing.T) {
	q := newTestQueue(3, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("body")))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Never acknowledged: it comes back with a fresh receipt handle.
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ReceiveCount)
	assert.NotEqual(t, first.ReceiptHandle, second.ReceiptHandle)
}

func TestMemoryQueue_ReleaseMakesVisibleImmediately(t *testing.T) {
	q := newTestQueue(3, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("body")))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, q.Release(ctx, first.ReceiptHandle))

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryQueue_DeadLettersAfterMaxReceives(t *testing.T) {
	q := newTestQueue(2, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("poison")))

	for i := 0; i < 2; i++ {
		msg, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, q.Release(ctx, msg.ReceiptHandle))
	}

	// Third receive attempt routes the exhausted message aside instead
	// of delivering it.
	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", string(dead[0].Body))
	assert.Equal(t, 2, dead[0].ReceiveCount)
}

func TestMemoryQueue_DeliveryOrder(t *testing.T) {
	q := newTestQueue(3, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte("first")))
	require.NoError(t, q.Publish(ctx, []byte("second")))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "first", string(msg.Body))

	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", string(msg.Body))
}
