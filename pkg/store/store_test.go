package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpops/teststudio/pkg/config"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newRun(runID string, status testrun.Status) *store.TestRun {
	return &store.TestRun{
		TestRunID:   runID,
		TestSetName: "invoices",
		FilePattern: "invoices/*.pdf",
		Status:      status,
		FilesCount:  3,
	}
}

func TestStore_TestSetCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ts := &store.TestSet{
		ID:          "invoices",
		Name:        "Invoices",
		FilePattern: "invoices/*.pdf",
		Description: "Invoice extraction accuracy",
	}

	require.NoError(t, s.CreateTestSet(ctx, ts))

	got, err := s.GetTestSet(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, "Invoices", got.Name)
	assert.Equal(t, store.SourceUser, got.Source)

	got.FilePattern = "invoices/2024/*.pdf"
	got.Description = "narrowed"
	require.NoError(t, s.UpdateTestSet(ctx, got))

	updated, err := s.GetTestSet(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, "invoices/2024/*.pdf", updated.FilePattern)

	sets, err := s.ListTestSets(ctx)
	require.NoError(t, err)
	assert.Len(t, sets, 1)

	require.NoError(t, s.DeleteTestSet(ctx, "invoices"))

	_, err = s.GetTestSet(ctx, "invoices")
	assert.ErrorIs(t, err, testrun.ErrNotFound)
}

func TestStore_TestSetNotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetTestSet(ctx, "missing")
	assert.ErrorIs(t, err, testrun.ErrNotFound)

	err = s.UpdateTestSet(ctx, &store.TestSet{ID: "missing", FilePattern: "*"})
	assert.ErrorIs(t, err, testrun.ErrNotFound)

	err = s.DeleteTestSet(ctx, "missing")
	assert.ErrorIs(t, err, testrun.ErrNotFound)
}

func TestStore_SeedTestSets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seeds := []config.TestSetSeed{
		{ID: "builtin", Name: "Built-in", FilePattern: "builtin/*"},
	}

	require.NoError(t, s.SeedTestSets(ctx, seeds))

	got, err := s.GetTestSet(ctx, "builtin")
	require.NoError(t, err)
	assert.Equal(t, store.SourceConfig, got.Source)

	// Re-seeding with a changed pattern updates the config-sourced set.
	seeds[0].FilePattern = "builtin/v2/*"
	require.NoError(t, s.SeedTestSets(ctx, seeds))

	got, err = s.GetTestSet(ctx, "builtin")
	require.NoError(t, err)
	assert.Equal(t, "builtin/v2/*", got.FilePattern)
}

func TestStore_CreateRunEnforcesSingleActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))

	// A second active run is refused while the first holds the slot.
	err := s.CreateRun(ctx, newRun("run-2", testrun.StatusQueued))
	assert.ErrorIs(t, err, testrun.ErrConflict)

	// Terminal runs do not hold the slot.
	require.NoError(t, s.MarkRunFailed(ctx, "run-1", "boom"))
	require.NoError(t, s.CreateRun(ctx, newRun("run-2", testrun.StatusQueued)))
}

func TestStore_CreateRunConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup

		errs := make([]error, 2)

		for j := 0; j < 2; j++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				errs[j] = s.CreateRun(ctx, newRun(
					fmt.Sprintf("run-%d-%d", i, j), testrun.StatusQueued,
				))
			}()
		}

		wg.Wait()

		if errs[0] == nil && errs[1] == nil {
			t.Fatal("both concurrent submissions were admitted")
		}

		active, err := s.ListActiveRuns(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, len(active), 1,
			"more than one run holds the execution slot")

		// Release the slot for the next round.
		for _, run := range active {
			require.NoError(t, s.MarkRunFailed(ctx, run.TestRunID, "reset"))
		}
	}
}

func TestStore_SingleActiveInvariant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "run-1", active[0].TestRunID)
}

func TestStore_UpdateRunStatusCAS(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))

	// Replaying the same transition loses the conditional write.
	err := s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing)
	assert.ErrorIs(t, err, testrun.ErrStaleStatus)

	// Skipping a state is rejected before touching the database.
	err = s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusRunning)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, testrun.ErrStaleStatus)

	// Unknown runs surface as not found.
	err = s.UpdateRunStatus(ctx, "missing",
		testrun.StatusQueued, testrun.StatusProcessing)
	assert.ErrorIs(t, err, testrun.ErrNotFound)
}

func TestStore_StatusUpdateStampsUpdatedAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))

	before, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))

	after, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestStore_MarkRunFailedFromAnyActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))
	require.NoError(t, s.MarkRunFailed(ctx, "run-1", "replication failed"))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusFailed, run.Status)
	assert.Equal(t, "replication failed", run.ErrorMessage)
	require.NotNil(t, run.CompletedAt)

	// Failing an already-terminal run is refused.
	err = s.MarkRunFailed(ctx, "run-1", "again")
	assert.ErrorIs(t, err, testrun.ErrStaleStatus)
}

func TestStore_RecordProgressMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))

	require.NoError(t, s.RecordProgress(ctx, "run-1", 2, 1))

	// Lower values from a late duplicate callback are ignored.
	require.NoError(t, s.RecordProgress(ctx, "run-1", 1, 0))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.CompletedFiles)
	assert.Equal(t, 1, run.FailedFiles)

	err = s.RecordProgress(ctx, "missing", 1, 0)
	assert.ErrorIs(t, err, testrun.ErrNotFound)
}

func TestStore_FinalizeRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusProcessing, testrun.StatusRunning))

	sim := 0.97
	completed := 3

	require.NoError(t, s.FinalizeRun(ctx, "run-1", &store.Finalization{
		Status:             testrun.StatusCompleted,
		Test:               store.Document(`{"cost":{"total_cost":10.0}}`),
		Baseline:           store.Document(`{"cost":{"total_cost":8.0}}`),
		AccuracySimilarity: &sim,
		CompletedFiles:     &completed,
	}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.CompletedFiles)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.AccuracySimilarity)
	assert.InDelta(t, 0.97, *run.AccuracySimilarity, 0.0001)
	assert.JSONEq(t, `{"cost":{"total_cost":10.0}}`, string(run.Test))

	// Re-finalizing a terminal run is an idempotent no-op.
	require.NoError(t, s.FinalizeRun(ctx, "run-1", &store.Finalization{
		Status: testrun.StatusFailed,
	}))

	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCompleted, run.Status)
}

func TestStore_FinalizeRequiresRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))

	err := s.FinalizeRun(ctx, "run-1", &store.Finalization{
		Status: testrun.StatusCompleted,
	})
	assert.ErrorIs(t, err, testrun.ErrStaleStatus)

	err = s.FinalizeRun(ctx, "run-1", &store.Finalization{
		Status: testrun.StatusRunning,
	})
	assert.Error(t, err, "finalize must demand a terminal status")
}

func TestStore_ListRunsSince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-old", testrun.StatusCompleted)))
	require.NoError(t, s.CreateRun(ctx, newRun("run-new", testrun.StatusCompleted)))

	all, err := s.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := s.ListRuns(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_ListStaleActiveRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", testrun.StatusQueued)))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1",
		testrun.StatusQueued, testrun.StatusProcessing))

	stale, err := s.ListStaleActiveRuns(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "run-1", stale[0].TestRunID)

	fresh, err := s.ListStaleActiveRuns(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}
