// Package worker consumes test run work orders from the queue and
// drives each run through its status transitions. The queue is
// at-least-once, so every step re-reads the run record and uses
// conditional status writes; a redelivered message for a run that
// already moved on is discarded without touching the record.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idpops/teststudio/pkg/queue"
	"github.com/idpops/teststudio/pkg/replicate"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
)

const defaultSweepInterval = time.Minute

// Worker is the background execution worker.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log        logrus.FieldLogger
	store      store.Store
	queue      queue.Queue
	lister     replicate.Lister
	replicator replicate.Replicator

	staleAfter    time.Duration
	sweepInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// Options configures optional worker behavior.
type Options struct {
	// StaleAfter enables the reconciliation sweep: active runs whose
	// record has not been touched for this long are marked FAILED.
	// Zero disables the sweep.
	StaleAfter time.Duration

	// SweepInterval is how often the sweep runs. Defaults to one
	// minute when StaleAfter is set.
	SweepInterval time.Duration
}

// NewWorker creates an execution worker.
func NewWorker(
	log logrus.FieldLogger,
	st store.Store,
	q queue.Queue,
	lister replicate.Lister,
	replicator replicate.Replicator,
	opts Options,
) Worker {
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	return &worker{
		log:           log.WithField("component", "worker"),
		store:         st,
		queue:         q,
		lister:        lister,
		replicator:    replicator,
		staleAfter:    opts.StaleAfter,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// Start launches the consume loop and, when configured, the stale-run
// reconciliation sweep.
func (w *worker) Start(ctx context.Context) error {
	w.log.Info("Starting execution worker")

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		w.consumeLoop(ctx)
	}()

	if w.staleAfter > 0 {
		w.wg.Add(1)

		go func() {
			defer w.wg.Done()
			w.sweepLoop(ctx)
		}()
	}

	return nil
}

// Stop signals the worker goroutines to stop and waits for them.
func (w *worker) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.log.Info("Execution worker stopped")

	return nil
}

func (w *worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			w.log.WithError(err).Warn("Queue receive failed")

			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		if msg == nil {
			continue
		}

		w.processMessage(ctx, msg)
	}
}

// processMessage handles one delivery. Outcomes:
//   - the message is acknowledged when the run finished its
//     transitions, when the run is already terminal (duplicate
//     delivery), or when the failure was recorded on the run;
//   - the message is released for redelivery only for transient
//     failures that happened before any run mutation.
func (w *worker) processMessage(ctx context.Context, msg *queue.Message) {
	order, err := testrun.DecodeQueueMessage(msg.Body)
	if err != nil {
		w.log.WithError(err).
			WithField("message_id", msg.ID).
			Error("Discarding malformed work order")
		w.ack(ctx, msg)

		return
	}

	log := w.log.WithField("run_id", order.TestRunID)

	run, err := w.store.GetRun(ctx, order.TestRunID)
	if err != nil {
		if errors.Is(err, testrun.ErrNotFound) {
			log.Warn("Discarding work order for unknown run")
			w.ack(ctx, msg)

			return
		}

		// Nothing mutated yet: safe to let the queue redeliver.
		log.WithError(err).Warn("Fetching run failed, releasing message")
		w.release(ctx, msg)

		return
	}

	if run.Status.Terminal() {
		log.WithField("status", run.Status).
			Debug("Run already terminal, discarding duplicate delivery")
		w.ack(ctx, msg)

		return
	}

	if err := w.store.UpdateRunStatus(
		ctx, order.TestRunID, testrun.StatusQueued, testrun.StatusProcessing,
	); err != nil {
		if errors.Is(err, testrun.ErrStaleStatus) {
			// Another delivery already advanced the run.
			log.Debug("Run already picked up, discarding duplicate delivery")
			w.ack(ctx, msg)

			return
		}

		log.WithError(err).Warn("Claiming run failed, releasing message")
		w.release(ctx, msg)

		return
	}

	w.executeRun(ctx, log, order)
	w.ack(ctx, msg)
}

// executeRun performs the file replication and hands the run to the
// pipeline. The run is PROCESSING on entry; any failure from here on
// is recorded on the run record, not retried.
func (w *worker) executeRun(
	ctx context.Context,
	log logrus.FieldLogger,
	order *testrun.QueueMessage,
) {
	files, err := w.lister.FindMatchingFiles(ctx, order.FilePattern)
	if err != nil {
		w.fail(ctx, log, order.TestRunID, err)

		return
	}

	if len(files) == 0 {
		// Nothing to process: the run completes trivially.
		w.completeEmpty(ctx, log, order.TestRunID)

		return
	}

	log.WithField("files", len(files)).Info("Replicating test files")

	if err := w.replicator.Replicate(ctx, order.TestRunID, files); err != nil {
		w.fail(ctx, log, order.TestRunID, err)

		return
	}

	// The copied input documents trigger the document pipeline; from
	// here completion arrives asynchronously through finalize.
	if err := w.store.UpdateRunStatus(
		ctx, order.TestRunID,
		testrun.StatusProcessing, testrun.StatusRunning,
	); err != nil {
		w.fail(ctx, log, order.TestRunID, err)

		return
	}

	log.Info("Run handed off to document pipeline")
}

// completeEmpty walks a zero-file run through RUNNING to COMPLETED so
// the status history stays monotonic.
func (w *worker) completeEmpty(
	ctx context.Context, log logrus.FieldLogger, runID string,
) {
	if err := w.store.UpdateRunStatus(
		ctx, runID, testrun.StatusProcessing, testrun.StatusRunning,
	); err != nil {
		w.fail(ctx, log, runID, err)

		return
	}

	if err := w.store.FinalizeRun(ctx, runID, &store.Finalization{
		Status: testrun.StatusCompleted,
	}); err != nil {
		w.fail(ctx, log, runID, err)

		return
	}

	log.Info("Run completed with no matching files")
}

// fail records a terminal failure on the run. The error text is kept
// verbatim so the UI can surface it.
func (w *worker) fail(
	ctx context.Context, log logrus.FieldLogger, runID string, cause error,
) {
	log.WithError(cause).Error("Test run failed")

	if err := w.store.MarkRunFailed(ctx, runID, cause.Error()); err != nil {
		log.WithError(err).Error("Recording run failure failed")
	}
}

func (w *worker) ack(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.log.WithError(err).
			WithField("message_id", msg.ID).
			Warn("Acknowledging message failed")
	}
}

func (w *worker) release(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Release(ctx, msg.ReceiptHandle); err != nil {
		w.log.WithError(err).
			WithField("message_id", msg.ID).
			Warn("Releasing message failed")
	}
}

// sweepLoop periodically fails active runs abandoned by the pipeline.
func (w *worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweepStaleRuns(ctx)
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) sweepStaleRuns(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.staleAfter)

	stale, err := w.store.ListStaleActiveRuns(ctx, cutoff)
	if err != nil {
		w.log.WithError(err).Warn("Listing stale runs failed")

		return
	}

	for _, run := range stale {
		w.log.WithField("run_id", run.TestRunID).
			WithField("status", run.Status).
			Warn("Failing stale run")

		if err := w.store.MarkRunFailed(
			ctx, run.TestRunID,
			"run timed out waiting for pipeline completion",
		); err != nil && !errors.Is(err, testrun.ErrStaleStatus) {
			w.log.WithError(err).
				WithField("run_id", run.TestRunID).
				Warn("Failing stale run failed")
		}
	}
}
