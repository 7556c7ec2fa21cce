// Package submit implements test run submission: it validates the test
// set, resolves matching input files, enforces the one-active-run
// admission policy, creates the QUEUED run record, and publishes the
// work order. All variable-duration work (file copies, processing)
// happens on the other side of the queue, so Submit returns within a
// request/response deadline regardless of dataset size.
package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idpops/teststudio/pkg/config"
	"github.com/idpops/teststudio/pkg/queue"
	"github.com/idpops/teststudio/pkg/replicate"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
)

// Service handles test run submission.
type Service struct {
	log     logrus.FieldLogger
	store   store.Store
	queue   queue.Queue
	lister  replicate.Lister
	storage *config.StorageConfig
}

// NewService creates a submission service.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	q queue.Queue,
	lister replicate.Lister,
	storage *config.StorageConfig,
) *Service {
	return &Service{
		log:     log.WithField("component", "submit"),
		store:   st,
		queue:   q,
		lister:  lister,
		storage: storage,
	}
}

// CanAdmit reports whether a new run may start now. This is the
// fast-path admission check; CreateRun re-checks inside its
// transaction, which is what actually closes the race.
func (s *Service) CanAdmit(ctx context.Context) (bool, error) {
	active, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return false, fmt.Errorf("checking active runs: %w", err)
	}

	return len(active) == 0, nil
}

// Submit starts a test run for the given test set and returns the new
// run ID. It fails with testrun.ErrNotFound for an unknown set and
// testrun.ErrConflict when another run is still active; a conflicting
// submission is refused outright rather than queued behind the active
// run.
func (s *Service) Submit(
	ctx context.Context, testSetID string,
) (string, error) {
	ts, err := s.store.GetTestSet(ctx, testSetID)
	if err != nil {
		return "", err
	}

	// Zero matches is not an error: the run is created anyway and
	// completes trivially in the worker.
	files, err := s.lister.FindMatchingFiles(ctx, ts.FilePattern)
	if err != nil {
		return "", fmt.Errorf("resolving files for pattern %q: %w",
			ts.FilePattern, err)
	}

	if err := s.rejectIfActive(ctx); err != nil {
		return "", err
	}

	runID := testrun.NewRunID(ts.Name, time.Now())

	run := &store.TestRun{
		TestRunID:   runID,
		TestSetName: ts.Name,
		FilePattern: ts.FilePattern,
		Status:      testrun.StatusQueued,
		FilesCount:  len(files),
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	msg := testrun.QueueMessage{
		TestRunID:      runID,
		FilePattern:    ts.FilePattern,
		InputBucket:    s.storage.InputBucket,
		BaselineBucket: s.storage.BaselineBucket,
		TrackingTable:  s.storage.TrackingTable,
	}

	body, err := msg.Encode()
	if err != nil {
		return "", s.failUnqueued(ctx, runID, err)
	}

	if err := s.queue.Publish(ctx, body); err != nil {
		return "", s.failUnqueued(ctx, runID,
			fmt.Errorf("publishing work order: %w", err))
	}

	s.log.WithField("run_id", runID).
		WithField("test_set", ts.Name).
		WithField("files", len(files)).
		Info("Test run submitted")

	return runID, nil
}

// rejectIfActive surfaces the conflicting run in the error so the
// caller can tell the user which run is in the way.
func (s *Service) rejectIfActive(ctx context.Context) error {
	active, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}

	if len(active) == 0 {
		return nil
	}

	return fmt.Errorf("run %q is %s: %w",
		active[0].TestRunID, active[0].Status, testrun.ErrConflict)
}

// failUnqueued marks a run FAILED when its work order never made it
// onto the queue. Leaving it QUEUED would hold the execution slot
// forever with no worker ever picking it up.
func (s *Service) failUnqueued(
	ctx context.Context, runID string, cause error,
) error {
	if err := s.store.MarkRunFailed(
		ctx, runID, cause.Error(),
	); err != nil {
		s.log.WithError(err).
			WithField("run_id", runID).
			Warn("Failed to mark unqueued run as failed")
	}

	return cause
}
