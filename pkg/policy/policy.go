// Package policy reduces per-run outcomes into one overall run status.
// Evaluation is pure and idempotent: the same records and policy always
// yield the same outcome.
package policy

import (
	"strings"

	"github.com/ethpandaops/measuroor/pkg/summary"
)

// Policy is the configured rule set converting per-run outcomes into one
// overall status.
type Policy struct {
	// ExpectedExitCode is the exit code a record must have to pass.
	ExpectedExitCode int

	// PassRule optionally names a metric that must be boolean true or the
	// literal "PASS" on each record. An absent metric fails the record.
	PassRule string

	// MinPassRate is the fraction of records that must pass for the overall
	// status to be PASS.
	MinPassRate float64
}

// Outcome is the aggregated verdict over a record set.
type Outcome struct {
	Status   string
	Passed   int
	Failed   int
	PassRate float64
}

// RecordPasses reports whether a single measured record satisfies the
// policy: expected exit code, clean parse, and the pass rule when set.
func RecordPasses(record *summary.Record, p *Policy) bool {
	if record.ExitCode != p.ExpectedExitCode {
		return false
	}

	if record.ParseError != "" {
		return false
	}

	if p.PassRule == "" {
		return true
	}

	metric, ok := record.Metrics[p.PassRule]
	if !ok {
		return false
	}

	switch v := metric.Value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "PASS")
	default:
		return false
	}
}

// Evaluate reduces measured records to one overall status. Zero records is
// always FAIL.
func Evaluate(records []summary.Record, p *Policy) Outcome {
	out := Outcome{Status: summary.StatusFail}

	for i := range records {
		if RecordPasses(&records[i], p) {
			out.Passed++
		} else {
			out.Failed++
		}
	}

	total := len(records)
	if total == 0 {
		return out
	}

	out.PassRate = float64(out.Passed) / float64(total)
	if out.PassRate >= p.MinPassRate {
		out.Status = summary.StatusPass
	}

	return out
}
