package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CorrelationType selects the multi-event matching strategy.
type CorrelationType string

const (
	// CorrelationEventCount counts base-rule matches per group inside a
	// sliding window.
	CorrelationEventCount CorrelationType = "event_count"
	// CorrelationValueCount counts distinct field values per group inside
	// a sliding window.
	CorrelationValueCount CorrelationType = "value_count"
	// CorrelationTemporal requires all base rules to fire near an anchor
	// match, in any order.
	CorrelationTemporal CorrelationType = "temporal"
	// CorrelationTemporalOrdered requires all base rules to fire in rule
	// order, each strictly after the previous.
	CorrelationTemporalOrdered CorrelationType = "temporal_ordered"
)

// Threshold operators accepted in a correlation condition.
const (
	OpGT  = "gt"
	OpGTE = "gte"
	OpLT  = "lt"
	OpLTE = "lte"
	OpEQ  = "eq"
	OpNEQ = "neq"
)

var thresholdOps = []string{OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ}

// ThresholdCondition is the parsed numeric condition of a counting
// correlation. Field is set for value_count only and names the field
// whose distinct values are counted.
type ThresholdCondition struct {
	Op    string
	Value float64
	Field string
}

// Satisfied reports whether a count meets the condition.
func (c ThresholdCondition) Satisfied(count int) bool {
	n := float64(count)
	switch c.Op {
	case OpGT:
		return n > c.Value
	case OpGTE:
		return n >= c.Value
	case OpLT:
		return n < c.Value
	case OpLTE:
		return n <= c.Value
	case OpEQ:
		return n == c.Value
	case OpNEQ:
		return n != c.Value
	}
	return false
}

// CorrelationSpec is the correlation section of a correlation document.
//
// Aliases maps a virtual group-by field to the concrete field per base
// rule, keyed by rule reference, so heterogeneous rules can group on the
// same logical value (e.g. User -> {failed_logon: TargetUserName,
// process_spawn: SubjectUserName}).
type CorrelationSpec struct {
	Type      CorrelationType              `yaml:"type" json:"type" validate:"required,oneof=event_count value_count temporal temporal_ordered"`
	Rules     []string                     `yaml:"rules" json:"rules" validate:"required,min=1,dive,required"`
	GroupBy   []string                     `yaml:"group-by" json:"groupBy,omitempty"`
	Timespan  string                       `yaml:"timespan" json:"timespan" validate:"required"`
	Condition map[string]any               `yaml:"condition" json:"condition,omitempty"`
	Aliases   map[string]map[string]string `yaml:"aliases" json:"aliases,omitempty"`
}

// CorrelationDocument is the YAML shape of one correlation rule.
type CorrelationDocument struct {
	Title       string          `yaml:"title" json:"title" validate:"required"`
	ID          string          `yaml:"id" json:"id" validate:"required"`
	Status      string          `yaml:"status" json:"status,omitempty"`
	Description string          `yaml:"description" json:"description,omitempty"`
	Tags        []string        `yaml:"tags" json:"tags,omitempty"`
	Level       string          `yaml:"level" json:"level,omitempty"`
	Correlation CorrelationSpec `yaml:"correlation" json:"correlation"`
}

var docValidator = validator.New()

// Validate checks the document structurally and per correlation type.
func (d *CorrelationDocument) Validate() error {
	if err := docValidator.Struct(d); err != nil {
		return fmt.Errorf("correlation %q: %w", d.Title, err)
	}
	if _, err := ParseTimespan(d.Correlation.Timespan); err != nil {
		return fmt.Errorf("correlation %q: %w", d.Title, err)
	}
	switch d.Correlation.Type {
	case CorrelationEventCount:
		if _, err := d.Correlation.ThresholdCondition(); err != nil {
			return fmt.Errorf("correlation %q: %w", d.Title, err)
		}
	case CorrelationValueCount:
		cond, err := d.Correlation.ThresholdCondition()
		if err != nil {
			return fmt.Errorf("correlation %q: %w", d.Title, err)
		}
		if cond.Field == "" {
			return fmt.Errorf("correlation %q: value_count condition requires a field", d.Title)
		}
	case CorrelationTemporal, CorrelationTemporalOrdered:
		if len(d.Correlation.Rules) < 2 {
			return fmt.Errorf("correlation %q: %s requires at least two rules", d.Title, d.Correlation.Type)
		}
	}
	return nil
}

// MitreTechnique returns the first ATT&CK technique tag, as on rules.
func (d *CorrelationDocument) MitreTechnique() string {
	for _, tag := range d.Tags {
		if m := mitreTagPattern.FindStringSubmatch(strings.TrimSpace(tag)); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

// Severity maps the document level, defaulting to informational.
func (d *CorrelationDocument) Severity() Severity {
	return ParseSeverity(d.Level)
}

// Skipped reports whether the document's status excludes it.
func (d *CorrelationDocument) Skipped() bool {
	switch strings.ToLower(strings.TrimSpace(d.Status)) {
	case StatusDeprecated, StatusUnsupported:
		return true
	}
	return false
}

// ThresholdCondition parses the condition map. Exactly one operator key
// must be present with a numeric value; a "field" key is carried through.
func (s *CorrelationSpec) ThresholdCondition() (ThresholdCondition, error) {
	if len(s.Condition) == 0 {
		return ThresholdCondition{}, fmt.Errorf("condition is required for %s", s.Type)
	}
	var cond ThresholdCondition
	found := 0
	for key, raw := range s.Condition {
		key = strings.ToLower(key)
		if key == "field" {
			f, ok := raw.(string)
			if !ok {
				return ThresholdCondition{}, fmt.Errorf("condition field must be a string, got %T", raw)
			}
			cond.Field = f
			continue
		}
		op := ""
		for _, known := range thresholdOps {
			if key == known {
				op = known
				break
			}
		}
		if op == "" {
			return ThresholdCondition{}, fmt.Errorf("unknown condition operator %q", key)
		}
		value, err := toFloat(raw)
		if err != nil {
			return ThresholdCondition{}, fmt.Errorf("condition %s: %w", op, err)
		}
		cond.Op = op
		cond.Value = value
		found++
	}
	if found != 1 {
		return ThresholdCondition{}, fmt.Errorf("condition must have exactly one operator, got %d", found)
	}
	return cond, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// timespanPattern accepts a positive integer and a single unit suffix.
var timespanPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseTimespan parses correlation timespans of the form "<n><s|m|h|d>",
// e.g. "30s", "5m", "12h", "7d".
func ParseTimespan(s string) (time.Duration, error) {
	m := timespanPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid timespan %q: want <number><s|m|h|d>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timespan %q: count must be a positive integer", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timespan %q", s)
}
