package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/idpops/teststudio/pkg/config"
	"github.com/idpops/teststudio/pkg/testrun"
)

// Store provides persistence for test sets and test run records. It is
// the source of truth for run status; all status writes are conditional
// on the expected prior status so that concurrent writers cannot roll a
// run backwards or resurrect a terminal run.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Test set CRUD.
	CreateTestSet(ctx context.Context, ts *TestSet) error
	GetTestSet(ctx context.Context, id string) (*TestSet, error)
	ListTestSets(ctx context.Context) ([]TestSet, error)
	UpdateTestSet(ctx context.Context, ts *TestSet) error
	DeleteTestSet(ctx context.Context, id string) error
	SeedTestSets(ctx context.Context, seeds []config.TestSetSeed) error

	// Test run lifecycle.
	CreateRun(ctx context.Context, run *TestRun) error
	GetRun(ctx context.Context, runID string) (*TestRun, error)
	ListRuns(ctx context.Context, since time.Time) ([]TestRun, error)
	ListActiveRuns(ctx context.Context) ([]TestRun, error)
	ListStaleActiveRuns(
		ctx context.Context, updatedBefore time.Time,
	) ([]TestRun, error)

	UpdateRunStatus(
		ctx context.Context, runID string, from, to testrun.Status,
	) error
	MarkRunFailed(ctx context.Context, runID, errorMessage string) error
	RecordProgress(
		ctx context.Context, runID string, completedFiles, failedFiles int,
	) error
	FinalizeRun(
		ctx context.Context, runID string, fin *Finalization,
	) error
}

// Finalization carries the terminal state and metric documents written
// when the downstream pipeline reports completion.
type Finalization struct {
	Status               testrun.Status
	Baseline             Document
	Test                 Document
	ConfigSnapshot       Document
	AccuracySimilarity   *float64
	ConfidenceSimilarity *float64
	ErrorMessage         string
	CompletedFiles       *int
	FailedFiles          *int
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&TestSet{},
		&TestRun{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Test set CRUD ---

func (s *store) CreateTestSet(ctx context.Context, ts *TestSet) error {
	if ts.Source == "" {
		ts.Source = SourceUser
	}

	if err := s.db.WithContext(ctx).Create(ts).Error; err != nil {
		return fmt.Errorf("creating test set: %w", err)
	}

	return nil
}

func (s *store) GetTestSet(
	ctx context.Context, id string,
) (*TestSet, error) {
	var ts TestSet
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&ts).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("test set %q: %w", id, testrun.ErrNotFound)
		}

		return nil, fmt.Errorf("getting test set: %w", err)
	}

	return &ts, nil
}

func (s *store) ListTestSets(ctx context.Context) ([]TestSet, error) {
	var sets []TestSet
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&sets).Error; err != nil {
		return nil, fmt.Errorf("listing test sets: %w", err)
	}

	return sets, nil
}

func (s *store) UpdateTestSet(ctx context.Context, ts *TestSet) error {
	result := s.db.WithContext(ctx).
		Model(&TestSet{}).
		Where("id = ?", ts.ID).
		Updates(map[string]any{
			"file_pattern": ts.FilePattern,
			"description":  ts.Description,
		})
	if result.Error != nil {
		return fmt.Errorf("updating test set: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("test set %q: %w", ts.ID, testrun.ErrNotFound)
	}

	return nil
}

// DeleteTestSet removes a test set. Historical runs keep their
// denormalized test set name and are unaffected.
func (s *store) DeleteTestSet(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&TestSet{})
	if result.Error != nil {
		return fmt.Errorf("deleting test set: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("test set %q: %w", id, testrun.ErrNotFound)
	}

	return nil
}

// SeedTestSets upserts config-sourced test sets. Only sets with
// source="config" are updated; user-created sets are preserved.
func (s *store) SeedTestSets(
	ctx context.Context, seeds []config.TestSetSeed,
) error {
	for _, seed := range seeds {
		var existing TestSet

		result := s.db.WithContext(ctx).
			Where("id = ? AND source = ?", seed.ID, SourceConfig).
			First(&existing)

		if result.Error == nil {
			existing.Name = seed.Name
			existing.FilePattern = seed.FilePattern
			existing.Description = seed.Description

			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return fmt.Errorf("updating seeded test set %q: %w", seed.ID, err)
			}

			continue
		}

		ts := TestSet{
			ID:          seed.ID,
			Name:        seed.Name,
			FilePattern: seed.FilePattern,
			Description: seed.Description,
			Source:      SourceConfig,
		}

		if err := s.db.WithContext(ctx).
			Where("id = ?", seed.ID).
			FirstOrCreate(&ts).Error; err != nil {
			return fmt.Errorf("seeding test set %q: %w", seed.ID, err)
		}
	}

	if len(seeds) > 0 {
		s.log.WithField("count", len(seeds)).
			Info("Seeded test sets from config")
	}

	return nil
}

// --- Test run lifecycle ---

// activeStatusValues returns the active statuses as plain strings for
// use in SQL IN clauses.
func activeStatusValues() []string {
	active := testrun.ActiveStatuses()
	values := make([]string, 0, len(active))

	for _, st := range active {
		values = append(values, string(st))
	}

	return values
}

// createRunLockID scopes the advisory lock serializing run admission
// on postgres.
const createRunLockID = 7601

// CreateRun inserts the initial QUEUED record. The admission check and
// the insert run in one transaction; on postgres the transaction takes
// an advisory lock first, since under READ COMMITTED two concurrent
// transactions could otherwise both count zero active runs and both
// insert. sqlite serializes writers on its own.
func (s *store) CreateRun(ctx context.Context, run *TestRun) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.cfg.Driver == "postgres" {
			if err := tx.Exec(
				"SELECT pg_advisory_xact_lock(?)", createRunLockID,
			).Error; err != nil {
				return fmt.Errorf("acquiring admission lock: %w", err)
			}
		}

		var active int64
		if err := tx.Model(&TestRun{}).
			Where("status IN ?", activeStatusValues()).
			Count(&active).Error; err != nil {
			return fmt.Errorf("counting active runs: %w", err)
		}

		if active > 0 {
			return testrun.ErrConflict
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating test run: %w", err)
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, testrun.ErrConflict) {
			return err
		}

		return fmt.Errorf("creating test run %q: %w", run.TestRunID, err)
	}

	return nil
}

func (s *store) GetRun(
	ctx context.Context, runID string,
) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("test run %q: %w", runID, testrun.ErrNotFound)
		}

		return nil, fmt.Errorf("getting test run: %w", err)
	}

	return &run, nil
}

// ListRuns returns runs created at or after since, newest first. A zero
// since returns all runs.
func (s *store) ListRuns(
	ctx context.Context, since time.Time,
) ([]TestRun, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")

	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	var runs []TestRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing test runs: %w", err)
	}

	return runs, nil
}

// ListActiveRuns returns runs holding the execution slot (QUEUED,
// PROCESSING, or RUNNING).
func (s *store) ListActiveRuns(ctx context.Context) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("status IN ?", activeStatusValues()).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}

	return runs, nil
}

// ListStaleActiveRuns returns active runs not touched since
// updatedBefore. Used by the reconciliation sweep for runs abandoned by
// a crashed downstream pipeline.
func (s *store) ListStaleActiveRuns(
	ctx context.Context, updatedBefore time.Time,
) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			activeStatusValues(), updatedBefore).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing stale active runs: %w", err)
	}

	return runs, nil
}

// UpdateRunStatus advances a run one step along the state machine. The
// write is conditional on the expected prior status; a lost race
// returns ErrStaleStatus so redelivered messages and duplicate workers
// cannot repeat a transition.
func (s *store) UpdateRunStatus(
	ctx context.Context, runID string, from, to testrun.Status,
) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf(
			"illegal status transition %s -> %s for run %q", from, to, runID,
		)
	}

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ? AND status = ?", runID, from).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("updating run status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return s.classifyMissedWrite(ctx, runID)
	}

	return nil
}

// MarkRunFailed transitions any still-active run to FAILED and records
// the error. Already-terminal runs are left untouched.
func (s *store) MarkRunFailed(
	ctx context.Context, runID, errorMessage string,
) error {
	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ? AND status IN ?",
			runID, activeStatusValues()).
		Updates(map[string]any{
			"status":        testrun.StatusFailed,
			"error_message": errorMessage,
			"completed_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("marking run failed: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return s.classifyMissedWrite(ctx, runID)
	}

	return nil
}

// RecordProgress raises the per-file counters. Counters only move
// forward: a late or duplicate callback with lower values is a no-op.
func (s *store) RecordProgress(
	ctx context.Context, runID string, completedFiles, failedFiles int,
) error {
	if completedFiles < 0 || failedFiles < 0 {
		return fmt.Errorf("progress counters must be non-negative")
	}

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ? AND status IN ?",
			runID, activeStatusValues()).
		Updates(map[string]any{
			"completed_files": gorm.Expr(
				"CASE WHEN completed_files < ? THEN ? ELSE completed_files END",
				completedFiles, completedFiles,
			),
			"failed_files": gorm.Expr(
				"CASE WHEN failed_files < ? THEN ? ELSE failed_files END",
				failedFiles, failedFiles,
			),
		})
	if result.Error != nil {
		return fmt.Errorf("recording progress: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Progress arriving after the run went terminal is dropped.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}

	return nil
}

// FinalizeRun is the only path from RUNNING to a terminal status. It
// writes the metric documents and stamps completedAt. Re-finalizing an
// already-terminal run is an idempotent no-op.
func (s *store) FinalizeRun(
	ctx context.Context, runID string, fin *Finalization,
) error {
	if !fin.Status.Terminal() {
		return fmt.Errorf(
			"finalize requires a terminal status, got %s", fin.Status,
		)
	}

	now := time.Now().UTC()

	updates := map[string]any{
		"status":       fin.Status,
		"completed_at": now,
	}

	if len(fin.Baseline) > 0 {
		updates["baseline"] = string(fin.Baseline)
	}

	if len(fin.Test) > 0 {
		updates["test"] = string(fin.Test)
	}

	if len(fin.ConfigSnapshot) > 0 {
		updates["config_snapshot"] = string(fin.ConfigSnapshot)
	}

	if fin.AccuracySimilarity != nil {
		updates["accuracy_similarity"] = *fin.AccuracySimilarity
	}

	if fin.ConfidenceSimilarity != nil {
		updates["confidence_similarity"] = *fin.ConfidenceSimilarity
	}

	if fin.ErrorMessage != "" {
		updates["error_message"] = fin.ErrorMessage
	}

	if fin.CompletedFiles != nil {
		updates["completed_files"] = *fin.CompletedFiles
	}

	if fin.FailedFiles != nil {
		updates["failed_files"] = *fin.FailedFiles
	}

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ? AND status = ?",
			runID, testrun.StatusRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finalizing run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		// Duplicate finalize after the run already went terminal.
		if run.Status.Terminal() {
			return nil
		}

		return fmt.Errorf(
			"finalizing run %q in status %s: %w",
			runID, run.Status, testrun.ErrStaleStatus,
		)
	}

	return nil
}

// classifyMissedWrite distinguishes a missing run from a conditional
// write that lost to a concurrent status change.
func (s *store) classifyMissedWrite(
	ctx context.Context, runID string,
) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}

	return fmt.Errorf("run %q: %w", runID, testrun.ErrStaleStatus)
}
