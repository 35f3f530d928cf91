package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/measuroor/pkg/config"
	"github.com/ethpandaops/measuroor/pkg/summary"
	"gopkg.in/yaml.v3"
)

// Fixed artifact file names under a run directory. The layout is a
// compatibility contract and must be reproduced exactly.
const (
	ConfigSnapshotName = "config_snapshot.yaml"
	EnvName            = "env.json"
	BuildLogName       = "build.log"
	TestLogName        = "test.log"
	BenchDirName       = "bench"
	SummaryName        = "summary.json"
	ReportName         = "report.md"
)

// Run is an allocated run identity with its artifact directory. It is
// handed out by Begin and carries no mutable state.
type Run struct {
	ID       string
	TargetID string
	Dir      string
}

// BenchDir returns the per-invocation output directory.
func (r *Run) BenchDir() string {
	return filepath.Join(r.Dir, BenchDirName)
}

// ConfigSnapshotPath returns the config snapshot artifact path.
func (r *Run) ConfigSnapshotPath() string {
	return filepath.Join(r.Dir, ConfigSnapshotName)
}

// EnvPath returns the environment snapshot artifact path.
func (r *Run) EnvPath() string {
	return filepath.Join(r.Dir, EnvName)
}

// BuildLogPath returns the build log artifact path.
func (r *Run) BuildLogPath() string {
	return filepath.Join(r.Dir, BuildLogName)
}

// TestLogPath returns the test log artifact path.
func (r *Run) TestLogPath() string {
	return filepath.Join(r.Dir, TestLogName)
}

// SummaryPath returns the summary.json artifact path.
func (r *Run) SummaryPath() string {
	return filepath.Join(r.Dir, SummaryName)
}

// ReportPath returns the report.md artifact path.
func (r *Run) ReportPath() string {
	return filepath.Join(r.Dir, ReportName)
}

// benchStem returns the fixed-width, 1-based file stem for an invocation.
func benchStem(warmup bool, ordinal int) string {
	if warmup {
		return fmt.Sprintf("warmup_%03d", ordinal)
	}

	return fmt.Sprintf("run_%03d", ordinal)
}

// WriteText writes a text artifact inside the run directory.
func (r *Run) WriteText(name, content string) error {
	if err := os.WriteFile(filepath.Join(r.Dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

// WriteConfigSnapshot freezes the resolved configuration used by this run.
func (r *Run) WriteConfigSnapshot(cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config snapshot: %w", err)
	}

	if err := os.WriteFile(r.ConfigSnapshotPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}

	return nil
}

// WriteBenchOutput writes the captured stdout/stderr for one invocation.
func (r *Run) WriteBenchOutput(warmup bool, ordinal int, stdout, stderr string) error {
	stem := benchStem(warmup, ordinal)

	outPath := filepath.Join(r.BenchDir(), stem+".stdout.txt")
	if err := os.WriteFile(outPath, []byte(stdout), 0o644); err != nil {
		return fmt.Errorf("writing %s stdout: %w", stem, err)
	}

	errPath := filepath.Join(r.BenchDir(), stem+".stderr.txt")
	if err := os.WriteFile(errPath, []byte(stderr), 0o644); err != nil {
		return fmt.Errorf("writing %s stderr: %w", stem, err)
	}

	return nil
}

// WriteBenchMetrics writes the parsed per-run record for one measured
// invocation.
func (r *Run) WriteBenchMetrics(record *summary.Record) error {
	stem := benchStem(false, record.Ordinal)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s metrics: %w", stem, err)
	}

	path := filepath.Join(r.BenchDir(), stem+".metrics.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s metrics: %w", stem, err)
	}

	return nil
}
