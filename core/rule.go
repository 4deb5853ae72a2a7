package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule status values that exclude a rule from compilation.
const (
	// StatusDeprecated marks a rule replaced by a newer one.
	StatusDeprecated = "deprecated"
	// StatusUnsupported marks a rule the engine cannot evaluate.
	StatusUnsupported = "unsupported"
)

// ConditionKey is the reserved detection entry holding the condition
// expression; every other detection entry is a named block.
const ConditionKey = "condition"

// LogSource identifies the event log a rule applies to, either by a
// generic category (process_creation, network_connection, ...) or by a
// concrete service name (security, sysmon, ...).
type LogSource struct {
	Category string `yaml:"category" json:"category,omitempty"`
	Product  string `yaml:"product" json:"product,omitempty"`
	Service  string `yaml:"service" json:"service,omitempty"`
}

// RuleDocument is the YAML shape of one detection rule. Detection holds
// the named field-predicate blocks plus the condition entry; the detect
// package compiles it into an executable matcher.
type RuleDocument struct {
	Title          string         `yaml:"title" json:"title"`
	ID             string         `yaml:"id" json:"id"`
	Status         string         `yaml:"status" json:"status,omitempty"`
	Description    string         `yaml:"description" json:"description,omitempty"`
	Author         string         `yaml:"author" json:"author,omitempty"`
	References     []string       `yaml:"references" json:"references,omitempty"`
	Tags           []string       `yaml:"tags" json:"tags,omitempty"`
	Level          string         `yaml:"level" json:"level,omitempty"`
	LogSource      LogSource      `yaml:"logsource" json:"logsource"`
	Detection      map[string]any `yaml:"detection" json:"detection"`
	FalsePositives []string       `yaml:"falsepositives" json:"falsePositives,omitempty"`
}

// mitreTagPattern matches ATT&CK technique tags like attack.t1059 and
// attack.t1059.001. Tactic tags (attack.execution) do not match.
var mitreTagPattern = regexp.MustCompile(`(?i)^attack\.(t\d{4}(?:\.\d{3})?)$`)

// Validate checks the structural requirements a rule must meet before
// compilation is attempted.
func (r *RuleDocument) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("rule title is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule %q: id is required", r.Title)
	}
	if len(r.Detection) == 0 {
		return fmt.Errorf("rule %q: detection section is required", r.Title)
	}
	cond, ok := r.Detection[ConditionKey]
	if !ok {
		return fmt.Errorf("rule %q: detection has no condition", r.Title)
	}
	if _, ok := cond.(string); !ok {
		return fmt.Errorf("rule %q: condition must be a string", r.Title)
	}
	if len(r.Detection) < 2 {
		return fmt.Errorf("rule %q: detection has no named blocks", r.Title)
	}
	return nil
}

// Condition returns the condition expression string.
func (r *RuleDocument) Condition() string {
	cond, _ := r.Detection[ConditionKey].(string)
	return cond
}

// Blocks returns the named detection blocks, excluding the condition.
func (r *RuleDocument) Blocks() map[string]any {
	blocks := make(map[string]any, len(r.Detection))
	for name, body := range r.Detection {
		if name == ConditionKey {
			continue
		}
		blocks[name] = body
	}
	return blocks
}

// MitreTechnique returns the first ATT&CK technique ID found in the tags
// (uppercased, e.g. "T1059.001"), or "" when no tag matches.
func (r *RuleDocument) MitreTechnique() string {
	for _, tag := range r.Tags {
		if m := mitreTagPattern.FindStringSubmatch(strings.TrimSpace(tag)); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

// Severity maps the rule level to the ordered enum, defaulting to
// informational.
func (r *RuleDocument) Severity() Severity {
	return ParseSeverity(r.Level)
}

// Skipped reports whether the rule's status excludes it from compilation.
func (r *RuleDocument) Skipped() bool {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case StatusDeprecated, StatusUnsupported:
		return true
	}
	return false
}
