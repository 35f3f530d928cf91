// Package parse extracts typed metrics from captured run output using
// ordered regex rules. Extraction is pure: the same text and rules always
// produce the same result.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/measuroor/pkg/config"
)

// Metric is one extracted value with its declared unit and direction hint.
type Metric struct {
	Value  interface{} `json:"value"`
	Units  string      `json:"units,omitempty"`
	Better string      `json:"better,omitempty"`
}

// Float returns the metric value as a float64 when it is numeric.
func (m Metric) Float() (float64, bool) {
	switch v := m.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Metrics maps rule name to extracted metric. Rules that did not match are
// simply absent; absence is never zero.
type Metrics map[string]Metric

// RuleError reports a rule that failed to extract: a required pattern that
// did not match, an unparsable numeric capture, or an enum value outside
// its domain. Any RuleError marks the owning run's parse as failed.
type RuleError struct {
	Rule   string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
}

// Rule is one compiled extraction rule.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Type     string
	Units    string
	Better   string
	Required bool
	Enum     []string
}

// CompileRules compiles a target's configured parse rules. Returns nil for
// targets with no parse section.
func CompileRules(cfg *config.ParseConfig) ([]Rule, error) {
	if cfg == nil {
		return nil, nil
	}

	rules := make([]Rule, 0, len(cfg.Rules))

	for _, rc := range cfg.Rules {
		re, err := regexp.Compile("(?m)" + rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling rule %q: %w", rc.Name, err)
		}

		rules = append(rules, Rule{
			Name:     rc.Name,
			Pattern:  re,
			Type:     rc.Type,
			Units:    rc.Units,
			Better:   rc.Better,
			Required: rc.Required,
			Enum:     rc.Enum,
		})
	}

	return rules, nil
}

// Extract applies every rule once to the full text. For each rule the first
// match wins; capture group 1 is the source text when present, otherwise
// the whole match. Rules are mutually independent.
func Extract(text string, rules []Rule) (Metrics, error) {
	out := make(Metrics, len(rules))

	for i := range rules {
		rule := &rules[i]

		raw, matched := rule.capture(text)

		var (
			value interface{}
			err   error
		)

		if matched {
			value, err = rule.coerce(raw)
			if err != nil {
				// An enum value outside its domain fails the parse even
				// for optional rules. Unparsable numeric captures count
				// as no match.
				if rule.Type == "enum" {
					return nil, err
				}

				matched = false
			}
		}

		if !matched {
			if rule.Required {
				if err != nil {
					return nil, err
				}

				return nil, &RuleError{Rule: rule.Name, Reason: "required pattern did not match"}
			}

			continue
		}

		out[rule.Name] = Metric{
			Value:  value,
			Units:  rule.Units,
			Better: rule.Better,
		}
	}

	return out, nil
}

// capture applies the rule's pattern and returns the trimmed source text.
func (r *Rule) capture(text string) (string, bool) {
	groups := r.Pattern.FindStringSubmatch(text)
	if groups == nil {
		return "", false
	}

	raw := groups[0]
	if len(groups) > 1 {
		raw = groups[1]
	}

	return strings.TrimSpace(raw), true
}

// coerce converts the captured text to the rule's declared type.
func (r *Rule) coerce(raw string) (interface{}, error) {
	switch r.Type {
	case "float":
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &RuleError{Rule: r.Name, Reason: fmt.Sprintf("expected float, got %q", raw)}
		}

		return value, nil
	case "int":
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &RuleError{Rule: r.Name, Reason: fmt.Sprintf("expected int, got %q", raw)}
		}

		return value, nil
	case "enum":
		for _, allowed := range r.Enum {
			if raw == allowed {
				return raw, nil
			}
		}

		return nil, &RuleError{
			Rule:   r.Name,
			Reason: fmt.Sprintf("got %q, expected one of %v", raw, r.Enum),
		}
	default:
		return raw, nil
	}
}
