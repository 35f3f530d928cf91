// Package report renders the human-readable report.md artifact for a run.
package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/ethpandaops/measuroor/pkg/summary"
)

const noisiestLimit = 5

// Meta carries the run identity fields the summary does not hold, most
// notably the failing stage for runs that never produced a summary.
type Meta struct {
	RunID     string
	Timestamp time.Time
	Target    string
	Live      bool
	Launch    string
	Stage     string
	Status    string
	Message   string
}

// Render builds the report markdown. sum may be nil for runs that failed
// before measuring.
func Render(run *store.Run, meta *Meta, sum *summary.Summary) string {
	status := meta.Status
	if sum != nil {
		status = sum.Status()
	}

	launch := meta.Launch
	if launch == "" {
		launch = "N/A"
	}

	lines := []string{
		"# Measuroor Report",
		"",
		"## Run",
		fmt.Sprintf("- **run_id:** `%s`", meta.RunID),
		fmt.Sprintf("- **timestamp:** `%s`", meta.Timestamp.UTC().Format(time.RFC3339)),
		fmt.Sprintf("- **target:** `%s`", meta.Target),
		fmt.Sprintf("- **launch:** `%s`", launch),
		fmt.Sprintf("- **live:** `%t`", meta.Live),
		fmt.Sprintf("- **status:** `%s`", status),
		fmt.Sprintf("- **stage:** `%s`", meta.Stage),
	}

	if meta.Message != "" {
		lines = append(lines, fmt.Sprintf("- **message:** %s", meta.Message))
	}

	lines = append(lines,
		"",
		"## Artifacts",
		fmt.Sprintf("- `%s`: `%s`", store.BuildLogName, relPath(run.Dir, run.BuildLogPath())),
		fmt.Sprintf("- `%s`: `%s`", store.TestLogName, relPath(run.Dir, run.TestLogPath())),
		fmt.Sprintf("- `%s`: `%s`", store.ConfigSnapshotName, relPath(run.Dir, run.ConfigSnapshotPath())),
		fmt.Sprintf("- `%s`: `%s`", store.EnvName, relPath(run.Dir, run.EnvPath())),
		fmt.Sprintf("- `%s/`: `%s/`", store.BenchDirName, relPath(run.Dir, run.BenchDir())),
	)

	if sum != nil {
		lines = append(lines, fmt.Sprintf("- `%s`: `%s`", store.SummaryName, relPath(run.Dir, run.SummaryPath())))
	}

	lines = append(lines, "")

	if sum != nil {
		lines = append(lines, renderSummary(sum)...)
		lines = append(lines, renderAggregates(sum)...)
	}

	lines = append(lines,
		"## Notes",
		"- `build.log` / `test.log` include full stdout/stderr for reproducibility.",
		"- `bench/` contains per-run stdout/stderr and parsed per-run metrics JSON.",
		"",
	)

	return strings.Join(lines, "\n")
}

func renderSummary(sum *summary.Summary) []string {
	totals := sum.Totals

	passRule := totals.PassRule
	if passRule == "" {
		passRule = "N/A"
	}

	return []string{
		"## Summary",
		fmt.Sprintf("- **total_runs:** `%d`", totals.TotalRuns),
		fmt.Sprintf("- **warmup_runs:** `%d`", totals.WarmupRuns),
		fmt.Sprintf("- **pass_rule:** `%s`", passRule),
		fmt.Sprintf("- **passed:** `%d`", totals.Passed),
		fmt.Sprintf("- **failed:** `%d`", totals.Failed),
		fmt.Sprintf(
			"- **pass_rate:** `%s` (min `%s`)",
			formatNum(totals.PassRate),
			formatNum(totals.MinPassRate),
		),
		"",
	}
}

func renderAggregates(sum *summary.Summary) []string {
	numeric := sum.Aggregates.Numeric
	if len(numeric) == 0 {
		return nil
	}

	lines := []string{
		"## Numeric aggregates",
		"",
		"| metric | n | min | mean | max | stdev | cv |",
		"|---|---:|---:|---:|---:|---:|---:|",
	}

	for _, name := range sum.MetricNames() {
		agg := numeric[name]
		lines = append(lines, fmt.Sprintf(
			"| %s | %d | %s | %s | %s | %s | %s |",
			strings.ReplaceAll(name, "|", "\\|"),
			agg.N,
			formatNum(agg.Min),
			formatNum(agg.Mean),
			formatNum(agg.Max),
			formatNum(agg.Stddev),
			formatCV(agg.CV),
		))
	}

	lines = append(lines, "", "## Stability notes", "")
	lines = append(lines, renderStability(numeric)...)

	return lines
}

// renderStability buckets metrics by coefficient of variation.
func renderStability(numeric map[string]summary.Aggregate) []string {
	type noisyMetric struct {
		name string
		cv   float64
	}

	var (
		veryStable []string
		stable     []string
		noisy      []noisyMetric
	)

	for name, agg := range numeric {
		if agg.CV == nil {
			continue
		}

		switch cv := *agg.CV; {
		case cv <= 0.01:
			veryStable = append(veryStable, name)
		case cv <= 0.05:
			stable = append(stable, name)
		default:
			noisy = append(noisy, noisyMetric{name: name, cv: cv})
		}
	}

	if len(veryStable) == 0 && len(stable) == 0 && len(noisy) == 0 {
		return []string{"- No CV values computed (missing metrics or mean == 0).", ""}
	}

	var lines []string

	sort.Strings(veryStable)
	sort.Strings(stable)

	if len(veryStable) > 0 {
		lines = append(lines, fmt.Sprintf("- **Very stable (CV <= 1%%)**: %s", backtickList(veryStable)))
	}

	if len(stable) > 0 {
		lines = append(lines, fmt.Sprintf("- **Stable-ish (1%% < CV <= 5%%)**: %s", backtickList(stable)))
	}

	if len(noisy) > 0 {
		sort.Slice(noisy, func(i, j int) bool {
			if noisy[i].cv != noisy[j].cv {
				return noisy[i].cv > noisy[j].cv
			}

			return noisy[i].name > noisy[j].name
		})

		if len(noisy) > noisiestLimit {
			noisy = noisy[:noisiestLimit]
		}

		lines = append(lines, "- **Noisiest (CV > 5%)** (top 5):")

		for _, m := range noisy {
			lines = append(lines, fmt.Sprintf("  - `%s`: CV %s", m.name, formatCV(&m.cv)))
		}
	}

	return append(lines, "")
}

func backtickList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "`" + name + "`"
	}

	return strings.Join(quoted, ", ")
}

func formatNum(value float64) string {
	return fmt.Sprintf("%.6g", value)
}

func formatCV(cv *float64) string {
	if cv == nil {
		return "N/A"
	}

	return fmt.Sprintf("%.3g%%", *cv*100)
}

func relPath(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}

	return "./" + filepath.ToSlash(rel)
}
