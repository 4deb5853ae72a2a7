// Package metrics defines the Prometheus instrumentation for the
// detection engine and the anomaly scorer. All metrics register
// automatically on first import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RulesCompiled counts rules that compiled successfully, by module.
	RulesCompiled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "rules_compiled_total",
			Help:      "Total number of successfully compiled rules",
		},
		[]string{"module", "kind"},
	)

	// CompileFailures counts rules skipped at compile time.
	// Labels:
	//   - kind: "rule" or "correlation"
	CompileFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "rule_compile_failures_total",
			Help:      "Total number of rules skipped because compilation failed",
		},
		[]string{"kind"},
	)

	// RuleMatches counts detections produced, by module and severity.
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "rule_matches_total",
			Help:      "Total number of per-event detections produced",
		},
		[]string{"module", "severity"},
	)

	// DetectionRuns counts runner invocations.
	// Labels:
	//   - mode: "full" or "incremental"
	DetectionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "runs_total",
			Help:      "Total number of detection runs",
		},
		[]string{"module", "mode"},
	)

	// RunDuration measures end-to-end detection run time.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "run_duration_seconds",
			Help:      "Time spent in one detection run",
			// Buckets: 1ms to ~16s, doubling
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"module"},
	)

	// EventsScanned counts events evaluated against single-event rules.
	EventsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "events_scanned_total",
			Help:      "Total number of events evaluated by the runner",
		},
		[]string{"module"},
	)

	// RegexTimeouts counts rule regex matches aborted by the match
	// timeout. A non-zero rate usually means a pathological pattern.
	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "regex_timeouts_total",
			Help:      "Total number of regex evaluations aborted by timeout",
		},
	)

	// SeriesScored counts per-entity timelines run through the scorer.
	SeriesScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "anomaly",
			Name:      "series_scored_total",
			Help:      "Total number of entity timelines scored",
		},
	)

	// EntitiesFlagged counts entities whose peak score crossed the
	// anomaly threshold.
	EntitiesFlagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "anomaly",
			Name:      "entities_flagged_total",
			Help:      "Total number of entities flagged as anomalous",
		},
	)
)
