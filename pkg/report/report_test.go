package report

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/ethpandaops/measuroor/pkg/summary"
	"github.com/stretchr/testify/assert"
)

func testRun(t *testing.T) *store.Run {
	t.Helper()

	return &store.Run{
		ID:       "run-1",
		TargetID: "matmul",
		Dir:      filepath.Join(t.TempDir(), "run-1"),
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestRender_StageFailureWithoutSummary(t *testing.T) {
	out := Render(testRun(t), &Meta{
		RunID:     "run-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Target:    "matmul",
		Launch:    "cmd",
		Stage:     "BUILD",
		Status:    summary.StatusFail,
		Message:   "build exited with code 2",
	}, nil)

	assert.Contains(t, out, "# Measuroor Report")
	assert.Contains(t, out, "- **run_id:** `run-1`")
	assert.Contains(t, out, "- **status:** `FAIL`")
	assert.Contains(t, out, "- **stage:** `BUILD`")
	assert.Contains(t, out, "- **message:** build exited with code 2")
	assert.Contains(t, out, "- `build.log`: `./build.log`")
	assert.Contains(t, out, "- `bench/`: `./bench/`")
	assert.NotContains(t, out, "## Summary")
	assert.NotContains(t, out, "summary.json")
}

func TestRender_SummaryAndAggregates(t *testing.T) {
	sum := &summary.Summary{
		RunID:  "run-1",
		Target: "matmul",
		Totals: summary.Totals{
			TotalRuns:   5,
			WarmupRuns:  2,
			PassRule:    "status",
			Passed:      4,
			Failed:      1,
			PassRate:    0.8,
			MinPassRate: 0.6,
			Status:      summary.StatusPass,
		},
		Aggregates: summary.Aggregates{
			Numeric: map[string]summary.Aggregate{
				"latency_ms": {N: 5, Min: 9, Mean: 10, Max: 11, Stddev: 0.8, CV: floatPtr(0.08)},
				"gflops":     {N: 5, Min: 99, Mean: 100, Max: 101, Stddev: 0.5, CV: floatPtr(0.005)},
			},
		},
	}

	out := Render(testRun(t), &Meta{
		RunID:     "run-1",
		Timestamp: time.Now(),
		Target:    "matmul",
		Launch:    "cmd",
		Stage:     "DONE",
	}, sum)

	assert.Contains(t, out, "- **status:** `PASS`")
	assert.Contains(t, out, "- **total_runs:** `5`")
	assert.Contains(t, out, "- **pass_rate:** `0.8` (min `0.6`)")
	assert.Contains(t, out, "| metric | n | min | mean | max | stdev | cv |")
	assert.Contains(t, out, "| gflops | 5 | 99 | 100 | 101 | 0.5 | 0.5% |")
	assert.Contains(t, out, "| latency_ms | 5 | 9 | 10 | 11 | 0.8 | 8% |")
	assert.Contains(t, out, "- **Very stable (CV <= 1%)**: `gflops`")
	assert.Contains(t, out, "- **Noisiest (CV > 5%)** (top 5):")
	assert.Contains(t, out, "  - `latency_ms`: CV 8%")
	assert.Contains(t, out, "- `summary.json`: `./summary.json`")

	// Table rows come out in metric name order.
	assert.Less(t, strings.Index(out, "| gflops"), strings.Index(out, "| latency_ms"))
}

func TestRender_NoCVValues(t *testing.T) {
	sum := &summary.Summary{
		Totals: summary.Totals{Status: summary.StatusPass},
		Aggregates: summary.Aggregates{
			Numeric: map[string]summary.Aggregate{
				"delta": {N: 3, Mean: 0},
			},
		},
	}

	out := Render(testRun(t), &Meta{RunID: "run-1", Timestamp: time.Now(), Stage: "DONE"}, sum)
	assert.Contains(t, out, "- No CV values computed (missing metrics or mean == 0).")
}

func TestRender_NoisiestCapped(t *testing.T) {
	numeric := map[string]summary.Aggregate{}
	for _, name := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		numeric[name] = summary.Aggregate{N: 3, Mean: 1, CV: floatPtr(0.5)}
	}

	sum := &summary.Summary{
		Totals:     summary.Totals{Status: summary.StatusFail},
		Aggregates: summary.Aggregates{Numeric: numeric},
	}

	out := Render(testRun(t), &Meta{RunID: "run-1", Timestamp: time.Now(), Stage: "DONE"}, sum)
	assert.Equal(t, 5, strings.Count(out, "`: CV 50%"))
}
