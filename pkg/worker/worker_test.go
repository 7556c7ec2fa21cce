package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpops/teststudio/pkg/config"
	"github.com/idpops/teststudio/pkg/queue"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
	"github.com/idpops/teststudio/pkg/worker"
)

type fakeLister struct {
	files []string
	err   error
}

func (f *fakeLister) FindMatchingFiles(
	_ context.Context, _ string,
) ([]string, error) {
	return f.files, f.err
}

type fakeReplicator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReplicator) Replicate(
	_ context.Context, _ string, _ []string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.err
}

func (f *fakeReplicator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func setupStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func queuedRun(t *testing.T, s store.Store, runID string) {
	t.Helper()

	require.NoError(t, s.CreateRun(context.Background(), &store.TestRun{
		TestRunID:   runID,
		TestSetName: "invoices",
		FilePattern: "invoices/*.pdf",
		Status:      testrun.StatusQueued,
		FilesCount:  2,
	}))
}

func publishOrder(t *testing.T, q queue.Queue, runID string) {
	t.Helper()

	body, err := (&testrun.QueueMessage{
		TestRunID:      runID,
		FilePattern:    "invoices/*.pdf",
		InputBucket:    "input-bucket",
		BaselineBucket: "baseline-bucket",
		TrackingTable:  "test_runs",
	}).Encode()
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), body))
}

func startWorker(
	t *testing.T,
	s store.Store,
	q queue.Queue,
	lister *fakeLister,
	rep *fakeReplicator,
	opts worker.Options,
) {
	t.Helper()

	w := worker.NewWorker(testLogger(), s, q, lister, rep, opts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
}

func runStatus(s store.Store, runID string) func() testrun.Status {
	return func() testrun.Status {
		run, err := s.GetRun(context.Background(), runID)
		if err != nil {
			return ""
		}

		return run.Status
	}
}

func TestWorker_ReplicatesAndHandsOff(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}

	queuedRun(t, s, "run-1")
	publishOrder(t, q, "run-1")

	startWorker(t, s, q,
		&fakeLister{files: []string{"invoices/a.pdf", "invoices/b.pdf"}},
		rep, worker.Options{})

	status := runStatus(s, "run-1")
	require.Eventually(t, func() bool {
		return status() == testrun.StatusRunning
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, rep.callCount())
}

func TestWorker_ReplicationFailureFailsRun(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{err: errors.New(
		`no baseline data found for "invoices/a.pdf": process the document ` +
			"and mark it as baseline before running tests against it",
	)}

	queuedRun(t, s, "run-1")
	publishOrder(t, q, "run-1")

	startWorker(t, s, q,
		&fakeLister{files: []string{"invoices/a.pdf"}}, rep, worker.Options{})

	status := runStatus(s, "run-1")
	require.Eventually(t, func() bool {
		return status() == testrun.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Contains(t, run.ErrorMessage, "no baseline data found")
	require.NotNil(t, run.CompletedAt)
}

func TestWorker_ZeroFilesCompletesTrivially(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}

	queuedRun(t, s, "run-1")
	publishOrder(t, q, "run-1")

	startWorker(t, s, q, &fakeLister{files: nil}, rep, worker.Options{})

	status := runStatus(s, "run-1")
	require.Eventually(t, func() bool {
		return status() == testrun.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, rep.callCount(), "nothing to replicate")
}

func TestWorker_DuplicateDeliveryDiscarded(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}

	queuedRun(t, s, "run-1")
	publishOrder(t, q, "run-1")
	publishOrder(t, q, "run-1")

	startWorker(t, s, q,
		&fakeLister{files: []string{"invoices/a.pdf"}}, rep, worker.Options{})

	status := runStatus(s, "run-1")
	require.Eventually(t, func() bool {
		return status() == testrun.StatusRunning
	}, 3*time.Second, 20*time.Millisecond)

	// Give the second delivery time to be consumed and discarded.
	require.Eventually(t, func() bool {
		msg, err := q.Receive(context.Background())

		return err == nil && msg == nil
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, rep.callCount(),
		"duplicate delivery must not replicate again")
	assert.Equal(t, testrun.StatusRunning, status())
}

func TestWorker_MalformedOrderAcked(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}

	require.NoError(t, q.Publish(context.Background(), []byte("not json")))

	startWorker(t, s, q, &fakeLister{}, rep, worker.Options{})

	require.Eventually(t, func() bool {
		msg, err := q.Receive(context.Background())

		return err == nil && msg == nil
	}, 3*time.Second, 20*time.Millisecond)

	assert.Empty(t, q.DeadLetters(),
		"malformed orders are acked, not redelivered to exhaustion")
}

func TestWorker_UnknownRunAcked(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}

	publishOrder(t, q, "run-ghost")

	startWorker(t, s, q, &fakeLister{}, rep, worker.Options{})

	require.Eventually(t, func() bool {
		msg, err := q.Receive(context.Background())

		return err == nil && msg == nil
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, rep.callCount())
}

func TestWorker_SweepFailsStaleRuns(t *testing.T) {
	s := setupStore(t)
	q := queue.NewMemoryQueue(testLogger(), 3, time.Minute, 100*time.Millisecond)
	rep := &fakeReplicator{}
	ctx := context.Background()

	queuedRun(t, s, "run-1")
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusProcessing, testrun.StatusRunning))

	startWorker(t, s, q, &fakeLister{}, rep, worker.Options{
		StaleAfter:    time.Nanosecond,
		SweepInterval: 20 * time.Millisecond,
	})

	status := runStatus(s, "run-1")
	require.Eventually(t, func() bool {
		return status() == testrun.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Contains(t, run.ErrorMessage, "timed out")
}
