// Package store persists runs: an immutable per-run artifact tree under a
// storage root plus an append-only sqlite index of finished runs. The
// design assumes single-writer ownership of a storage root; concurrent
// processes against one root are not coordinated.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/measuroor/pkg/summary"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultDBName is the index database file name under the storage root.
const DefaultDBName = "runs.db"

// ErrNotFound is returned when a run id is not known to the store.
var ErrNotFound = errors.New("run not found")

// IndexError reports a persist whose artifacts were written but whose
// index append failed. The run remains reachable by Get through its
// artifact directory, but will not appear in List. Never hidden from the
// caller.
type IndexError struct {
	RunID string
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("run %s: artifacts written but index append failed: %v", e.RunID, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Store allocates run identity, writes immutable artifacts, appends to the
// run index and answers lookups.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Begin allocates a run id and creates its artifact directory tree.
	Begin(targetID string) (*Run, error)

	// Persist finalizes a run: writes summary.json and report.md, then
	// appends the index row. An IndexError means the artifacts are on disk
	// but the run is not indexed.
	Persist(ctx context.Context, run *Run, sum *summary.Summary, report string, row *IndexedRun) error

	// IndexFailure appends an index row for a run that failed before
	// producing a summary (configure/build/test failures).
	IndexFailure(ctx context.Context, row *IndexedRun) error

	// Get returns the indexed row for a run id, falling back to the
	// artifact tree for runs whose index append failed.
	Get(ctx context.Context, runID string) (*IndexedRun, error)

	// List returns finished runs newest-first, optionally filtered by
	// target id and status (both case-insensitive).
	List(ctx context.Context, filter *Filter, limit int) ([]IndexedRun, error)

	// LoadSummary reads a persisted summary.json.
	LoadSummary(ctx context.Context, runID string) (*summary.Summary, error)

	// LoadReport reads a persisted report.md.
	LoadReport(ctx context.Context, runID string) (string, error)
}

// Config for the store.
type Config struct {
	// Root is the artifact storage root.
	Root string

	// DB overrides the index database path. Defaults to Root/runs.db.
	DB string
}

// NewStore creates a run store over the given storage root.
func NewStore(log logrus.FieldLogger, cfg *Config) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

type store struct {
	log logrus.FieldLogger
	cfg *Config
	db  *gorm.DB
}

// Ensure interface compliance.
var _ Store = (*store)(nil)

// Start creates the storage root, opens the index database and runs
// migrations.
func (s *store) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}

	dbPath := s.cfg.DB
	if dbPath == "" {
		dbPath = filepath.Join(s.cfg.Root, DefaultDBName)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening run index: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&IndexedRun{}); err != nil {
		return fmt.Errorf("migrating run index: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"root": s.cfg.Root,
		"db":   dbPath,
	}).Debug("Run store started")

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

// Begin allocates a unique run id and creates its artifact directories.
func (s *store) Begin(targetID string) (*Run, error) {
	runID := uuid.NewString()
	runDir := filepath.Join(s.cfg.Root, runID)

	if err := os.Mkdir(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	if err := os.Mkdir(filepath.Join(runDir, BenchDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating bench directory: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"target": targetID,
	}).Info("Run directory created")

	return &Run{ID: runID, TargetID: targetID, Dir: runDir}, nil
}

// Persist writes the final artifacts and appends the index row.
func (s *store) Persist(
	ctx context.Context,
	run *Run,
	sum *summary.Summary,
	report string,
	row *IndexedRun,
) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	if err := os.WriteFile(run.SummaryPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if err := os.WriteFile(run.ReportPath(), []byte(report), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if err := s.appendRow(ctx, row); err != nil {
		return &IndexError{RunID: run.ID, Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": row.Status,
	}).Info("Run persisted")

	return nil
}

// IndexFailure appends an index row for a stage-failed run.
func (s *store) IndexFailure(ctx context.Context, row *IndexedRun) error {
	if err := s.appendRow(ctx, row); err != nil {
		return &IndexError{RunID: row.RunID, Err: err}
	}

	return nil
}

// appendRow inserts one run row. Rows are never updated.
func (s *store) appendRow(ctx context.Context, row *IndexedRun) error {
	if s.db == nil {
		return fmt.Errorf("store not started")
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("inserting run row: %w", err)
	}

	return nil
}

// Get returns the indexed row for a run id. Runs whose index append failed
// stay reachable here through their artifact directory.
func (s *store) Get(ctx context.Context, runID string) (*IndexedRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not started")
	}

	var row IndexedRun

	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err == nil {
		return &row, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up run: %w", err)
	}

	return s.getFromArtifacts(runID)
}

// getFromArtifacts reconstructs a row from a run directory's summary.json
// for runs missing from the index.
func (s *store) getFromArtifacts(runID string) (*IndexedRun, error) {
	runDir := filepath.Join(s.cfg.Root, runID)

	sum, err := readSummary(filepath.Join(runDir, SummaryName))
	if err != nil {
		return nil, ErrNotFound
	}

	s.log.WithField("run_id", runID).Warn("Run found in artifacts but not in index")

	return &IndexedRun{
		RunID:       sum.RunID,
		ProjectName: sum.ProjectName,
		TargetID:    sum.Target,
		Status:      sum.Status(),
		Stage:       "DONE",
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		Launch:      sum.Launch,
		RunDir:      runDir,
		SummaryPath: filepath.Join(runDir, SummaryName),
		ReportPath:  filepath.Join(runDir, ReportName),
	}, nil
}

// List returns finished runs newest-first with case-insensitive filters.
func (s *store) List(ctx context.Context, filter *Filter, limit int) ([]IndexedRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not started")
	}

	query := s.db.WithContext(ctx).Model(&IndexedRun{})

	if filter != nil {
		if filter.TargetID != "" {
			query = query.Where("LOWER(target_id) = LOWER(?)", filter.TargetID)
		}

		if filter.Status != "" {
			query = query.Where("UPPER(status) = UPPER(?)", filter.Status)
		}
	}

	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []IndexedRun
	if err := query.
		Order("finished_at DESC").
		Order("run_id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return rows, nil
}

// LoadSummary reads the persisted summary.json for a run.
func (s *store) LoadSummary(ctx context.Context, runID string) (*summary.Summary, error) {
	row, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	path := row.SummaryPath
	if path == "" {
		path = filepath.Join(row.RunDir, SummaryName)
	}

	sum, err := readSummary(path)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	return sum, nil
}

// LoadReport reads the persisted report.md for a run.
func (s *store) LoadReport(ctx context.Context, runID string) (string, error) {
	row, err := s.Get(ctx, runID)
	if err != nil {
		return "", err
	}

	path := row.ReportPath
	if path == "" {
		path = filepath.Join(row.RunDir, ReportName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("run %s: reading report: %w", runID, err)
	}

	return string(data), nil
}

// readSummary loads and decodes a summary.json file.
func readSummary(path string) (*summary.Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}

	var sum summary.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parsing summary: %w", err)
	}

	return &sum, nil
}

// NewRow builds the index row for a finished run.
func NewRow(run *Run, sum *summary.Summary, projectName string, live bool) *IndexedRun {
	return &IndexedRun{
		RunID:       run.ID,
		ProjectName: projectName,
		TargetID:    run.TargetID,
		Status:      sum.Status(),
		Stage:       "DONE",
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		Launch:      sum.Launch,
		RunDir:      run.Dir,
		SummaryPath: run.SummaryPath(),
		ReportPath:  run.ReportPath(),
		Live:        live,
	}
}

// NewFailureRow builds the index row for a run that failed at a stage
// before measuring completed.
func NewFailureRow(
	run *Run,
	projectName, stage, message, launch string,
	startedAt time.Time,
	live bool,
) *IndexedRun {
	return &IndexedRun{
		RunID:       run.ID,
		ProjectName: projectName,
		TargetID:    run.TargetID,
		Status:      summary.StatusFail,
		Stage:       stage,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
		Launch:      launch,
		RunDir:      run.Dir,
		ReportPath:  run.ReportPath(),
		Live:        live,
		Message:     message,
	}
}
