package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/measuroor/pkg/summary"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newTestStore(t *testing.T) Store {
	t.Helper()

	s := NewStore(testLogger(), &Config{Root: t.TempDir()})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func testSummary(run *Run, status string, finishedAt time.Time) *summary.Summary {
	return &summary.Summary{
		Version:    summary.Version,
		RunID:      run.ID,
		Target:     run.TargetID,
		Launch:     "cmd",
		LaunchCmd:  []string{"./bench"},
		StartedAt:  finishedAt.Add(-time.Minute),
		FinishedAt: finishedAt,
		Totals: summary.Totals{
			TotalRuns: 1,
			Passed:    1,
			PassRate:  1,
			Status:    status,
		},
	}
}

func TestBegin_CreatesArtifactTree(t *testing.T) {
	s := newTestStore(t)

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "matmul", run.TargetID)
	assert.DirExists(t, run.Dir)
	assert.DirExists(t, run.BenchDir())

	other, err := s.Begin("matmul")
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, other.ID)
}

func TestPersist_WritesArtifactsAndIndexes(t *testing.T) {
	s := newTestStore(t)

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	sum := testSummary(run, summary.StatusPass, time.Now())
	require.NoError(t, s.Persist(context.Background(), run, sum, "# Report\n", NewRow(run, sum, "proj", false)))

	assert.FileExists(t, run.SummaryPath())
	assert.FileExists(t, run.ReportPath())

	row, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "matmul", row.TargetID)
	assert.Equal(t, summary.StatusPass, row.Status)
	assert.Equal(t, "proj", row.ProjectName)
	assert.Equal(t, "DONE", row.Stage)

	loaded, err := s.LoadSummary(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.RunID)
	assert.Equal(t, summary.StatusPass, loaded.Status())

	report, err := s.LoadReport(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", report)
}

func TestPersist_IndexAppendFailureReturnsIndexError(t *testing.T) {
	root := t.TempDir()

	s := NewStore(testLogger(), &Config{Root: root})
	require.NoError(t, s.Start(context.Background()))

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	// Closing the database between Begin and Persist makes the index
	// append fail while the artifact writes still go through.
	require.NoError(t, s.Stop())

	sum := testSummary(run, summary.StatusPass, time.Now())

	err = s.Persist(context.Background(), run, sum, "# Report\n", NewRow(run, sum, "proj", false))
	require.Error(t, err)

	var idxErr *IndexError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, run.ID, idxErr.RunID)

	assert.FileExists(t, run.SummaryPath())
	assert.FileExists(t, run.ReportPath())

	// A fresh store over the same root still resolves the run through
	// its artifact directory even though the row never landed.
	reopened := NewStore(testLogger(), &Config{Root: root})
	require.NoError(t, reopened.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, reopened.Stop())
	})

	row, err := reopened.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "matmul", row.TargetID)
	assert.Equal(t, "DONE", row.Stage)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_FallsBackToArtifacts(t *testing.T) {
	root := t.TempDir()
	s := NewStore(testLogger(), &Config{Root: root})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	// Write the summary artifact directly without indexing, as happens
	// when the index append fails after artifacts are on disk.
	sum := testSummary(run, summary.StatusPass, time.Now())
	require.NoError(t, writeSummaryFile(run, sum))

	row, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, row.RunID)
	assert.Equal(t, "matmul", row.TargetID)
	assert.Equal(t, summary.StatusPass, row.Status)

	loaded, err := s.LoadSummary(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.RunID)

	// Unindexed runs do not show up in listings.
	rows, err := s.List(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func writeSummaryFile(run *Run, sum *summary.Summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(run.Dir, SummaryName), data, 0o644)
}

func TestIndexFailure_RowListedAsFail(t *testing.T) {
	s := newTestStore(t)

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	row := NewFailureRow(run, "proj", "BUILD", "build exited with code 2", "cmd", time.Now(), false)
	require.NoError(t, s.IndexFailure(context.Background(), row))

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, summary.StatusFail, got.Status)
	assert.Equal(t, "BUILD", got.Stage)
	assert.Equal(t, "build exited with code 2", got.Message)
}

func TestList_OrderAndFilters(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	persist := func(target, status string, finishedAt time.Time) string {
		run, err := s.Begin(target)
		require.NoError(t, err)

		sum := testSummary(run, status, finishedAt)
		require.NoError(t, s.Persist(context.Background(), run, sum, "r", NewRow(run, sum, "proj", false)))

		return run.ID
	}

	oldest := persist("matmul", summary.StatusPass, base)
	middle := persist("reduce", summary.StatusFail, base.Add(time.Minute))
	newest := persist("matmul", summary.StatusPass, base.Add(2*time.Minute))

	rows, err := s.List(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, newest, rows[0].RunID)
	assert.Equal(t, middle, rows[1].RunID)
	assert.Equal(t, oldest, rows[2].RunID)

	rows, err = s.List(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, newest, rows[0].RunID)

	// Filters match regardless of case.
	rows, err = s.List(context.Background(), &Filter{TargetID: "MatMul"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, newest, rows[0].RunID)
	assert.Equal(t, oldest, rows[1].RunID)

	rows, err = s.List(context.Background(), &Filter{Status: "fail"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, middle, rows[0].RunID)

	rows, err = s.List(context.Background(), &Filter{TargetID: "reduce", Status: "PASS"}, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestList_TiesBreakOnRunID(t *testing.T) {
	s := newTestStore(t)

	finished := time.Now()
	var ids []string

	for i := 0; i < 3; i++ {
		run, err := s.Begin("matmul")
		require.NoError(t, err)

		sum := testSummary(run, summary.StatusPass, finished)
		require.NoError(t, s.Persist(context.Background(), run, sum, "r", NewRow(run, sum, "proj", false)))
		ids = append(ids, run.ID)
	}

	rows, err := s.List(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i-1].RunID, rows[i].RunID)
	}
	assert.ElementsMatch(t, ids, []string{rows[0].RunID, rows[1].RunID, rows[2].RunID})
}

func TestLayout_BenchArtifactNames(t *testing.T) {
	s := newTestStore(t)

	run, err := s.Begin("matmul")
	require.NoError(t, err)

	require.NoError(t, run.WriteBenchOutput(true, 1, "warm out", "warm err"))
	require.NoError(t, run.WriteBenchOutput(false, 12, "run out", "run err"))

	assert.FileExists(t, filepath.Join(run.BenchDir(), "warmup_001.stdout.txt"))
	assert.FileExists(t, filepath.Join(run.BenchDir(), "warmup_001.stderr.txt"))
	assert.FileExists(t, filepath.Join(run.BenchDir(), "run_012.stdout.txt"))
	assert.FileExists(t, filepath.Join(run.BenchDir(), "run_012.stderr.txt"))

	require.NoError(t, run.WriteBenchMetrics(&summary.Record{Ordinal: 12, ExitCode: 0, Pass: true}))
	assert.FileExists(t, filepath.Join(run.BenchDir(), "run_012.metrics.json"))
}
