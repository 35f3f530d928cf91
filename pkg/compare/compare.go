// Package compare computes direction-aware deltas between two persisted
// runs. The first run is the baseline, the second the candidate; deltas
// always read candidate minus baseline.
package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/measuroor/pkg/store"
	"github.com/ethpandaops/measuroor/pkg/summary"
)

// Direction says which way a metric should move to improve.
const (
	DirectionHigher = "higher"
	DirectionLower  = "lower"
)

// Assessment labels for a metric delta.
const (
	AssessmentImprovement = "improvement"
	AssessmentRegression  = "regression"
	AssessmentNoChange    = "no change"
	AssessmentChange      = "change"
)

// lowerNameMarkers flag metrics where a smaller value is better.
var lowerNameMarkers = []string{
	"latency", "time", "duration", "delay",
	"p50", "p90", "p95", "p99",
	"error", "loss",
}

// higherNameMarkers flag metrics where a larger value is better.
var higherNameMarkers = []string{
	"throughput", "bandwidth", "gflops", "tflops", "fps",
	"ops_per_sec", "ops/sec", "qps", "requests_per_sec", "rps", "score",
}

var lowerUnits = map[string]bool{
	"s": true, "sec": true, "secs": true,
	"second": true, "seconds": true,
	"ms": true, "us": true, "ns": true,
}

var higherUnits = map[string]bool{
	"ops_per_sec": true, "ops/sec": true,
	"qps": true, "rps": true, "fps": true,
	"gflops": true, "tflops": true, "gbps": true,
}

// Side is one run of a comparison.
type Side struct {
	Row     *store.IndexedRun
	Summary *summary.Summary
}

// MetricDelta is the comparison of one shared numeric metric.
type MetricDelta struct {
	Name          string
	Units         string
	Direction     string
	BaselineMean  float64
	CandidateMean float64

	// Delta is candidate mean minus baseline mean.
	Delta float64

	// DeltaPct is the delta relative to the baseline mean, in percent.
	// Nil when the baseline mean is zero.
	DeltaPct *float64

	Assessment string
}

// Result is a full two-run comparison.
type Result struct {
	Baseline  Side
	Candidate Side

	// Metrics holds shared numeric metrics sorted by name.
	Metrics []MetricDelta

	// Added metrics appear only in the candidate, Removed only in the
	// baseline. Neither contributes delta math.
	Added   []string
	Removed []string
}

// Compare loads both runs from the store and computes their deltas.
func Compare(ctx context.Context, runs store.Store, baselineID, candidateID string) (*Result, error) {
	baseline, err := loadSide(ctx, runs, baselineID)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}

	candidate, err := loadSide(ctx, runs, candidateID)
	if err != nil {
		return nil, fmt.Errorf("candidate: %w", err)
	}

	result := &Result{Baseline: *baseline, Candidate: *candidate}

	baseNumeric := baseline.Summary.Aggregates.Numeric
	candNumeric := candidate.Summary.Aggregates.Numeric

	for _, name := range baseline.Summary.MetricNames() {
		if _, shared := candNumeric[name]; shared {
			result.Metrics = append(result.Metrics, computeDelta(name, baseline.Summary, candidate.Summary))
		} else {
			result.Removed = append(result.Removed, name)
		}
	}

	for _, name := range candidate.Summary.MetricNames() {
		if _, shared := baseNumeric[name]; !shared {
			result.Added = append(result.Added, name)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)

	return result, nil
}

func loadSide(ctx context.Context, runs store.Store, runID string) (*Side, error) {
	row, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	sum, err := runs.LoadSummary(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &Side{Row: row, Summary: sum}, nil
}

func computeDelta(name string, baseline, candidate *summary.Summary) MetricDelta {
	baseAgg := baseline.Aggregates.Numeric[name]
	candAgg := candidate.Aggregates.Numeric[name]

	units := firstNonEmpty(metricUnits(candidate, name), metricUnits(baseline, name))
	direction := metricDirection(name, units, baseAgg, candAgg)

	delta := MetricDelta{
		Name:          name,
		Units:         units,
		Direction:     direction,
		BaselineMean:  baseAgg.Mean,
		CandidateMean: candAgg.Mean,
		Delta:         candAgg.Mean - baseAgg.Mean,
		Assessment:    assess(direction, baseAgg.Mean, candAgg.Mean),
	}

	if baseAgg.Mean != 0 {
		pct := delta.Delta / abs(baseAgg.Mean) * 100
		delta.DeltaPct = &pct
	}

	return delta
}

// metricDirection prefers an explicit better hint, candidate first, then
// falls back to the name and unit heuristic.
func metricDirection(name, units string, baseAgg, candAgg summary.Aggregate) string {
	for _, better := range []string{candAgg.Better, baseAgg.Better} {
		if better == DirectionHigher || better == DirectionLower {
			return better
		}
	}

	return InferDirection(name, units)
}

// InferDirection guesses which way a metric improves from its name and
// units. Returns empty when neither gives a signal.
func InferDirection(name, units string) string {
	lowered := strings.ToLower(name)

	for _, marker := range lowerNameMarkers {
		if strings.Contains(lowered, marker) {
			return DirectionLower
		}
	}

	for _, marker := range higherNameMarkers {
		if strings.Contains(lowered, marker) {
			return DirectionHigher
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(units))

	switch {
	case lowerUnits[normalized]:
		return DirectionLower
	case higherUnits[normalized]:
		return DirectionHigher
	default:
		return ""
	}
}

func assess(direction string, baselineMean, candidateMean float64) string {
	if candidateMean == baselineMean {
		return AssessmentNoChange
	}

	switch direction {
	case DirectionHigher:
		if candidateMean > baselineMean {
			return AssessmentImprovement
		}

		return AssessmentRegression
	case DirectionLower:
		if candidateMean < baselineMean {
			return AssessmentImprovement
		}

		return AssessmentRegression
	default:
		return AssessmentChange
	}
}

// metricUnits looks up units for a metric, preferring the aggregate and
// falling back to per-record metric payloads.
func metricUnits(sum *summary.Summary, name string) string {
	if agg, ok := sum.Aggregates.Numeric[name]; ok && strings.TrimSpace(agg.Units) != "" {
		return agg.Units
	}

	for _, record := range sum.Records {
		if metric, ok := record.Metrics[name]; ok && strings.TrimSpace(metric.Units) != "" {
			return metric.Units
		}
	}

	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}
