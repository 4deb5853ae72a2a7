package core

import "strings"

// Severity is the ordered rule level. Higher values are more severe.
type Severity int

const (
	// SeverityInformational is the default level for rules without one.
	SeverityInformational Severity = iota
	// SeverityLow indicates activity that is rarely actionable alone.
	SeverityLow
	// SeverityMedium indicates suspicious activity worth review.
	SeverityMedium
	// SeverityHigh indicates likely malicious activity.
	SeverityHigh
	// SeverityCritical indicates activity that demands immediate response.
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInformational: "informational",
	SeverityLow:           "low",
	SeverityMedium:        "medium",
	SeverityHigh:          "high",
	SeverityCritical:      "critical",
}

// String returns the lowercase level name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "informational"
}

// IsValid checks if the severity is one of the defined levels.
func (s Severity) IsValid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity maps a rule level string to a Severity. Unknown or empty
// levels default to SeverityInformational.
func ParseSeverity(level string) Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInformational
	}
}
