package compare

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/measuroor/pkg/store"
)

// RenderMarkdown builds the compare output shown by the CLI.
func RenderMarkdown(result *Result) string {
	lines := []string{
		"# Measuroor Compare",
		"",
	}

	lines = append(lines, renderSide("Baseline", &result.Baseline)...)
	lines = append(lines, renderSide("Candidate", &result.Candidate)...)

	lines = append(lines,
		"## Status",
		fmt.Sprintf(
			"- summary_status: `%s` -> `%s`",
			result.Baseline.Summary.Status(),
			result.Candidate.Summary.Status(),
		),
		fmt.Sprintf(
			"- pass_rate: `%s` -> `%s`",
			formatPct(result.Baseline.Summary.Totals.PassRate*100),
			formatPct(result.Candidate.Summary.Totals.PassRate*100),
		),
		fmt.Sprintf("- stage: `%s` -> `%s`", result.Baseline.Row.Stage, result.Candidate.Row.Stage),
		"",
	)

	if len(result.Metrics) == 0 {
		lines = append(lines,
			"## Shared Numeric Aggregates",
			"",
			"No shared numeric aggregates found.",
			"",
		)
	} else {
		lines = append(lines, renderDeltaTable(result.Metrics)...)
	}

	lines = append(lines, renderChangedSets(result)...)

	return strings.Join(lines, "\n")
}

func renderSide(title string, side *Side) []string {
	row := side.Row

	return []string{
		"## " + title,
		fmt.Sprintf("- run_id: `%s`", row.RunID),
		fmt.Sprintf("- project: `%s`", orDash(row.ProjectName)),
		fmt.Sprintf("- target: `%s`", row.TargetID),
		fmt.Sprintf("- status: `%s`", row.Status),
		fmt.Sprintf("- finished_at: `%s`", row.FinishedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("- launch: `%s`", orDash(row.Launch)),
		fmt.Sprintf("- summary: `%s`", summaryPath(row)),
		fmt.Sprintf("- report: `%s`", reportPath(row)),
		"",
	}
}

func renderDeltaTable(metrics []MetricDelta) []string {
	lines := []string{
		"## Shared Numeric Aggregates",
		"",
		"| metric | direction | baseline_mean | candidate_mean | delta | delta_pct | assessment |",
		"|---|---|---:|---:|---:|---:|---|",
	}

	var highlights []string

	for _, m := range metrics {
		name := displayName(&m)

		deltaPct := "N/A"
		if m.DeltaPct != nil {
			deltaPct = formatPct(*m.DeltaPct)
		}

		lines = append(lines, fmt.Sprintf(
			"| %s | %s | %s | %s | %s | %s | %s |",
			name,
			directionLabel(m.Direction),
			formatNum(m.BaselineMean),
			formatNum(m.CandidateMean),
			formatNum(m.Delta),
			deltaPct,
			m.Assessment,
		))

		if m.Assessment == AssessmentImprovement || m.Assessment == AssessmentRegression {
			highlights = append(highlights, fmt.Sprintf(
				"- `%s`: %s (%s, baseline %s, candidate %s)",
				name,
				m.Assessment,
				directionLabel(m.Direction),
				formatNum(m.BaselineMean),
				formatNum(m.CandidateMean),
			))
		}
	}

	lines = append(lines, "")

	if len(highlights) > 0 {
		lines = append(lines, "## Highlights", "")
		lines = append(lines, highlights...)
		lines = append(lines, "")
	}

	return lines
}

func renderChangedSets(result *Result) []string {
	if len(result.Added) == 0 && len(result.Removed) == 0 {
		return nil
	}

	lines := []string{"## Changed Metric Sets", ""}

	for _, name := range result.Added {
		lines = append(lines, fmt.Sprintf("- `%s`: only in candidate", name))
	}

	for _, name := range result.Removed {
		lines = append(lines, fmt.Sprintf("- `%s`: only in baseline", name))
	}

	return append(lines, "")
}

func displayName(m *MetricDelta) string {
	name := m.Name
	if m.Units != "" {
		name = fmt.Sprintf("%s (%s)", name, m.Units)
	}

	return strings.ReplaceAll(name, "|", "\\|")
}

func directionLabel(direction string) string {
	switch direction {
	case DirectionHigher:
		return "higher is better"
	case DirectionLower:
		return "lower is better"
	default:
		return "unknown"
	}
}

func summaryPath(row *store.IndexedRun) string {
	if row.SummaryPath != "" {
		return row.SummaryPath
	}

	return filepath.Join(row.RunDir, store.SummaryName)
}

func reportPath(row *store.IndexedRun) string {
	if row.ReportPath != "" {
		return row.ReportPath
	}

	return filepath.Join(row.RunDir, store.ReportName)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}

	return value
}

func formatNum(value float64) string {
	return fmt.Sprintf("%.6g", value)
}

func formatPct(value float64) string {
	return fmt.Sprintf("%.3g%%", value)
}
