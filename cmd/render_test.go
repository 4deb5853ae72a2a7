package cmd

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"argus/anomaly"
	"argus/core"
	"argus/detect"
	"argus/store"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// what fn printed. Colored headers bypass the pipe, so assertions stick
// to the plain-formatted rows.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	assert.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	assert.NoError(t, err)
	return buf.String()
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "trunca...", truncate("truncate me please", 9))
}

func TestFormatSeverityCounts(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = old }()

	counts := map[core.Severity]int{
		core.SeverityCritical: 1,
		core.SeverityLow:      4,
		core.SeverityMedium:   2,
	}
	assert.Equal(t, "critical 1, medium 2, low 4", formatSeverityCounts(counts))

	assert.Equal(t, "none", formatSeverityCounts(nil))
	assert.Equal(t, "none", formatSeverityCounts(map[core.Severity]int{core.SeverityHigh: 0}))
}

func TestRenderDetections(t *testing.T) {
	set := detect.NewRuleSet(detect.ModuleSecurity, nil, nil)

	result := core.NewDetectionMap()
	result.Add("ev-1", core.Detection{
		RuleID:   "rule-fail",
		RuleName: "Failed Logon Burst",
		Severity: core.SeverityHigh,
	})
	result.Add("ev-2", core.Detection{
		RuleID:   "rule-fail",
		RuleName: "Failed Logon Burst",
		Severity: core.SeverityHigh,
	})
	result.Finalize()

	output := captureStdout(t, func() {
		renderDetections(set, result, 10)
	})

	assert.Contains(t, output, "rule-fail")
	assert.Contains(t, output, "Failed Logon Burst")
	assert.Contains(t, output, "10 events scanned, 2 flagged")
}

func TestRenderDetectionsEmpty(t *testing.T) {
	set := detect.NewRuleSet(detect.ModuleSecurity, nil, nil)

	output := captureStdout(t, func() {
		renderDetections(set, core.NewDetectionMap(), 5)
	})

	assert.Contains(t, output, "5 events scanned in module Security")
}

func TestRenderEntities(t *testing.T) {
	entities := []*anomaly.EntityActivity{
		{Name: "alice", TotalEvents: 40, FailedEvents: 3, SuccessEvents: 37, PeakAnomaly: 2.1},
	}

	output := captureStdout(t, func() {
		renderEntities(entities, 8.0)
	})

	assert.Contains(t, output, "alice")
	assert.Contains(t, output, "ok")
}

func TestRenderEntitiesEmpty(t *testing.T) {
	// Output goes through the color writer, so only assert it renders.
	assert.NotPanics(t, func() {
		renderEntities(nil, 8.0)
	})
}

func TestRenderDocuments(t *testing.T) {
	metas := []store.Meta{
		{
			ID:        "rule-fail",
			Kind:      store.KindRule,
			Title:     "Failed Logon Burst",
			Level:     "high",
			UpdatedAt: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
		},
		{
			ID:        "corr-burst",
			Kind:      store.KindCorrelation,
			UpdatedAt: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
		},
	}

	output := captureStdout(t, func() {
		renderDocuments(metas)
	})

	assert.Contains(t, output, "rule-fail")
	assert.Contains(t, output, "corr-burst")
	assert.Contains(t, output, "2024-03-01 08:30")
	assert.Contains(t, output, "2 documents")
}

func TestRenderDocumentsEmpty(t *testing.T) {
	assert.NotPanics(t, func() {
		renderDocuments(nil)
	})
}
