package detect

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"argus/core"
	"argus/metrics"
	"argus/util"
)

// ErrBatchMutated reports that the previously scanned batch prefix is no
// longer the same events. The runner logs it and recovers with a full
// scan; it never produces results from a mismatched prefix.
var ErrBatchMutated = errors.New("batch prefix changed since previous run")

// RunnerState carries detection results between incremental runs. It is
// an explicit value the caller holds on to; the runner keeps no state
// of its own. Checkpoint files serialize it with msgpack.
type RunnerState struct {
	Module      string             `msgpack:"module" json:"module"`
	LastCount   int                `msgpack:"lastCount" json:"lastCount"`
	Fingerprint []byte             `msgpack:"fingerprint" json:"fingerprint"`
	UpdatedAt   time.Time          `msgpack:"updatedAt" json:"updatedAt"`
	FullScan    bool               `msgpack:"fullScan" json:"fullScan"`
	Result      *core.DetectionMap `msgpack:"result" json:"result"`
}

// Encode serializes the state for a checkpoint file.
func (s *RunnerState) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode runner state: %w", err)
	}
	return data, nil
}

// DecodeRunnerState restores a checkpointed state.
func DecodeRunnerState(data []byte) (*RunnerState, error) {
	var s RunnerState
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode runner state: %w", err)
	}
	return &s, nil
}

// Runner drives rule evaluation across an event batch.
//
// Run with a previous state extends it: only events past the previous
// count are evaluated against single-event rules, while correlation
// rules always re-scan the whole batch (a new event can complete or
// break a window anywhere). A full run and any sequence of incremental
// runs over the same final batch produce identical results.
type Runner struct {
	config EngineConfig
	logger *zap.SugaredLogger
}

// NewRunner creates a runner. A nil logger falls back to a no-op.
func NewRunner(config EngineConfig, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{config: config, logger: logger}
}

// Run evaluates a rule set over an event batch, extending prev when its
// preconditions hold (same module, batch only grew, prefix unchanged).
// Events must be ordered by time; the loader guarantees this.
func (r *Runner) Run(set *RuleSet, events []*core.Event, prev *RunnerState) *RunnerState {
	start := time.Now()
	fr := NewFieldReader(r.config.PayloadCacheSize, r.config.ValueCacheSize)

	from, result := r.resume(set, events, prev)
	mode := "incremental"
	if from == 0 {
		mode = "full"
	}

	// Single-event rules over the new events only.
	for _, ev := range events[from:] {
		for _, rule := range set.byEventID[ev.EventID] {
			if rule.Match(fr, ev) {
				result.Add(ev.ID, rule.Detection())
				metrics.RuleMatches.WithLabelValues(set.Module, rule.Severity.String()).Inc()
			}
		}
		for _, rule := range set.unrestricted {
			if rule.Match(fr, ev) {
				result.Add(ev.ID, rule.Detection())
				metrics.RuleMatches.WithLabelValues(set.Module, rule.Severity.String()).Inc()
			}
		}
	}

	// Correlation rules re-scan the full batch every run; their stale
	// detections were stripped in resume, so merging stays exact even
	// when an lt/neq window stops qualifying.
	for _, cr := range set.Correlations {
		d := cr.Detection()
		for id := range cr.MatchAll(fr, events) {
			result.Add(id, d)
			metrics.RuleMatches.WithLabelValues(set.Module, cr.Severity.String()).Inc()
		}
	}

	result.Finalize()

	metrics.DetectionRuns.WithLabelValues(set.Module, mode).Inc()
	metrics.EventsScanned.WithLabelValues(set.Module).Add(float64(len(events) - from))
	metrics.RunDuration.WithLabelValues(set.Module).Observe(time.Since(start).Seconds())

	r.logger.Debugw("detection run finished",
		"module", set.Module,
		"mode", mode,
		"events", len(events),
		"new_events", len(events)-from,
		"detections", result.Total(),
		"duration", time.Since(start))

	return &RunnerState{
		Module:      set.Module,
		LastCount:   len(events),
		Fingerprint: util.FingerprintIDs(eventIDList(events)),
		UpdatedAt:   time.Now().UTC(),
		FullScan:    mode == "full",
		Result:      result,
	}
}

// resume decides between extending prev and starting over. It returns
// the index to scan from and the result to build on: for an incremental
// run, a clone of the previous map with correlation detections removed.
func (r *Runner) resume(set *RuleSet, events []*core.Event, prev *RunnerState) (int, *core.DetectionMap) {
	switch {
	case prev == nil || prev.Result == nil:
		return 0, core.NewDetectionMap()
	case prev.Module != set.Module:
		r.logger.Warnw("module changed, running full scan",
			"previous", prev.Module, "current", set.Module)
		return 0, core.NewDetectionMap()
	case prev.LastCount > len(events):
		r.logger.Warnw("batch shrank, running full scan",
			"previous_count", prev.LastCount, "current_count", len(events))
		return 0, core.NewDetectionMap()
	}

	fp := util.FingerprintIDs(eventIDList(events[:prev.LastCount]))
	if !bytes.Equal(fp, prev.Fingerprint) {
		r.logger.Warnw("running full scan", "error", ErrBatchMutated,
			"prefix_count", prev.LastCount)
		return 0, core.NewDetectionMap()
	}

	return prev.LastCount, prev.Result.Clone(func(d core.Detection) bool {
		return !set.IsCorrelationRule(d.RuleID)
	})
}

func eventIDList(events []*core.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
