package core

import "testing"

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  Severity
	}{
		{"critical", "critical", SeverityCritical},
		{"high", "high", SeverityHigh},
		{"medium", "medium", SeverityMedium},
		{"low", "low", SeverityLow},
		{"informational", "informational", SeverityInformational},
		{"mixed case", "High", SeverityHigh},
		{"surrounding whitespace", "  critical  ", SeverityCritical},
		{"unknown defaults to informational", "catastrophic", SeverityInformational},
		{"empty defaults to informational", "", SeverityInformational},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseSeverity(tt.level); got != tt.want {
				t.Errorf("ParseSeverity(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !(SeverityInformational < SeverityLow &&
		SeverityLow < SeverityMedium &&
		SeverityMedium < SeverityHigh &&
		SeverityHigh < SeverityCritical) {
		t.Error("severity levels are not strictly ordered")
	}
}

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInformational, "informational"},
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "informational"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}
