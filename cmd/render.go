package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"argus/anomaly"
	"argus/core"
	"argus/detect"
	"argus/store"
)

// severityColor picks the display color for a rule level.
func severityColor(s core.Severity) *color.Color {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case core.SeverityHigh:
		return color.New(color.FgRed)
	case core.SeverityMedium:
		return color.New(color.FgYellow)
	case core.SeverityLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// renderDetections displays the rules that fired in a formatted table.
func renderDetections(set *detect.RuleSet, result *core.DetectionMap, totalEvents int) {
	if len(result.All) == 0 {
		successColor.Println("No detections")
		fmt.Printf("%d events scanned in module %s\n", totalEvents, set.Module)
		return
	}

	// Flagged events per rule
	counts := make(map[string]int)
	for _, list := range result.ByEvent {
		for _, d := range list {
			counts[d.RuleID]++
		}
	}

	headerColor.Printf("DETECTIONS (%s)\n", set.Module)
	headerColor.Println(strings.Repeat("=", 96))
	fmt.Printf("%-36s %-10s %-38s %8s\n", "Rule", "Severity", "Name", "Events")
	fmt.Println(strings.Repeat("-", 96))

	for _, d := range result.All {
		fmt.Printf("%-36s %-10s %-38s %8d\n",
			truncate(d.RuleID, 36),
			d.Severity.String(),
			truncate(d.RuleName, 38),
			counts[d.RuleID])
	}

	fmt.Println(strings.Repeat("=", 96))
	fmt.Printf("%d events scanned, %d flagged\n", totalEvents, len(result.ByEvent))
	fmt.Printf("Severity: %s\n", formatSeverityCounts(result.SeverityCounts))
}

// formatSeverityCounts renders the non-empty severity buckets, highest
// first.
func formatSeverityCounts(counts map[core.Severity]int) string {
	order := []core.Severity{
		core.SeverityCritical,
		core.SeverityHigh,
		core.SeverityMedium,
		core.SeverityLow,
		core.SeverityInformational,
	}

	var parts []string
	for _, sev := range order {
		if n := counts[sev]; n > 0 {
			parts = append(parts, severityColor(sev).Sprintf("%s %d", sev, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// renderEntities displays ranked entity activity with anomaly scores.
func renderEntities(entities []*anomaly.EntityActivity, threshold float64) {
	if len(entities) == 0 {
		warningColor.Println("No entities found")
		return
	}

	headerColor.Println("ENTITY ANOMALIES")
	headerColor.Println(strings.Repeat("=", 84))
	fmt.Printf("%-28s %10s %10s %10s %12s %8s\n",
		"Entity", "Events", "Failed", "Success", "Peak Score", "Status")
	fmt.Println(strings.Repeat("-", 84))

	for _, e := range entities {
		status := "ok"
		if e.Anomalous(threshold) {
			status = "FLAGGED"
		}
		line := fmt.Sprintf("%-28s %10d %10d %10d %12.2f %8s",
			truncate(e.Name, 28), e.TotalEvents, e.FailedEvents,
			e.SuccessEvents, e.PeakAnomaly, status)
		if status == "FLAGGED" {
			errorColor.Println(line)
		} else {
			fmt.Println(line)
		}
	}

	fmt.Println(strings.Repeat("=", 84))
}

// renderDocuments displays stored rule documents in a table.
func renderDocuments(metas []store.Meta) {
	if len(metas) == 0 {
		warningColor.Println("No documents stored")
		return
	}

	headerColor.Println("RULE STORE")
	headerColor.Println(strings.Repeat("=", 100))
	fmt.Printf("%-36s %-12s %-10s %-24s %-16s\n", "ID", "Kind", "Level", "Title", "Updated")
	fmt.Println(strings.Repeat("-", 100))

	for _, m := range metas {
		level := m.Level
		if level == "" {
			level = "-"
		}
		fmt.Printf("%-36s %-12s %-10s %-24s %-16s\n",
			truncate(m.ID, 36), m.Kind, level, truncate(m.Title, 24),
			m.UpdatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%d documents\n", len(metas))
}
