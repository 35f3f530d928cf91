// Package summary holds the immutable record of one pipeline execution:
// per-run records, per-metric aggregates and the overall verdict. Its JSON
// shape is the on-disk summary.json contract.
package summary

import (
	"math"
	"sort"
	"time"

	"github.com/ethpandaops/measuroor/pkg/parse"
)

const (
	// Version is the summary.json schema version.
	Version = 1

	// StatusPass marks a run whose pass rate met the policy.
	StatusPass = "PASS"

	// StatusFail marks a run that missed the policy or never measured.
	StatusFail = "FAIL"
)

// Record is one measured invocation. Warmup invocations never become
// Records; they are written as raw artifacts only.
type Record struct {
	Ordinal    int           `json:"ordinal"`
	ExitCode   int           `json:"exit_code"`
	DurationMS int64         `json:"duration_ms"`
	// Metrics is always non-nil so the record serializes an object,
	// never null.
	Metrics    parse.Metrics `json:"metrics"`
	ParseError string        `json:"parse_error,omitempty"`
	Pass       bool          `json:"pass"`
}

// Totals is the pass/fail accounting block of a summary.
type Totals struct {
	Timestamp        string  `json:"timestamp"`
	TotalRuns        int     `json:"total_runs"`
	WarmupRuns       int     `json:"warmup_runs"`
	ExpectedExitCode int     `json:"expected_exit_code"`
	PassRule         string  `json:"pass_rule,omitempty"`
	Passed           int     `json:"passed"`
	Failed           int     `json:"failed"`
	PassRate         float64 `json:"pass_rate"`
	MinPassRate      float64 `json:"min_pass_rate"`
	Status           string  `json:"status"`
	BadExitCodeRuns  int     `json:"bad_exit_code_runs"`
	ParseErrorRuns   int     `json:"parse_error_runs"`
}

// Aggregate holds per-metric statistics over the measured runs where the
// metric parsed numerically. Missing samples are excluded, never zeroed.
type Aggregate struct {
	N      int      `json:"n"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	Mean   float64  `json:"mean"`
	Stddev float64  `json:"stdev"`
	CV     *float64 `json:"cv"`
	Units  string   `json:"units,omitempty"`
	Better string   `json:"better,omitempty"`
}

// Aggregates groups metric aggregates by kind.
type Aggregates struct {
	Numeric map[string]Aggregate `json:"numeric"`
}

// Summary is the frozen result of one full pipeline execution.
type Summary struct {
	Version     int        `json:"version"`
	RunID       string     `json:"run_id"`
	ProjectName string     `json:"project,omitempty"`
	Target      string     `json:"target"`
	Launch      string     `json:"launch"`
	LaunchCmd   []string   `json:"launch_cmd"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
	Totals      Totals     `json:"summary"`
	Records     []Record   `json:"runs"`
	Aggregates  Aggregates `json:"aggregates"`
}

// Status returns the overall run status.
func (s *Summary) Status() string {
	return s.Totals.Status
}

// MetricNames returns the names of numeric aggregates in sorted order.
func (s *Summary) MetricNames() []string {
	names := make([]string, 0, len(s.Aggregates.Numeric))
	for name := range s.Aggregates.Numeric {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ComputeAggregates builds per-metric numeric aggregates from measured
// records. A metric with zero numeric samples gets no entry at all.
func ComputeAggregates(records []Record) Aggregates {
	type samples struct {
		values []float64
		units  string
		better string
	}

	byName := make(map[string]*samples)

	for _, record := range records {
		for name, metric := range record.Metrics {
			value, ok := metric.Float()
			if !ok {
				continue
			}

			s, exists := byName[name]
			if !exists {
				s = &samples{}
				byName[name] = s
			}

			s.values = append(s.values, value)

			if metric.Units != "" {
				s.units = metric.Units
			}

			if metric.Better != "" {
				s.better = metric.Better
			}
		}
	}

	numeric := make(map[string]Aggregate, len(byName))

	for name, s := range byName {
		agg := Aggregate{
			N:      len(s.values),
			Min:    s.values[0],
			Max:    s.values[0],
			Units:  s.units,
			Better: s.better,
		}

		var sum float64

		for _, v := range s.values {
			sum += v

			if v < agg.Min {
				agg.Min = v
			}

			if v > agg.Max {
				agg.Max = v
			}
		}

		agg.Mean = sum / float64(agg.N)
		agg.Stddev = sampleStddev(s.values, agg.Mean)

		if meanAbs := math.Abs(agg.Mean); meanAbs > 0 {
			cv := agg.Stddev / meanAbs
			agg.CV = &cv
		}

		numeric[name] = agg
	}

	return Aggregates{Numeric: numeric}
}

// sampleStddev is the n-1 standard deviation, zero for a single sample.
func sampleStddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}

	var sum float64

	for _, v := range values {
		d := v - mean
		sum += d * d
	}

	return math.Sqrt(sum / float64(len(values)-1))
}
