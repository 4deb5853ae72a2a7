package core

import "sort"

// Detection records one rule firing. The same Detection value is attached
// to every event the rule flagged.
type Detection struct {
	RuleID      string   `json:"ruleId"`
	RuleName    string   `json:"ruleName"`
	Severity    Severity `json:"severity"`
	Mitre       string   `json:"mitre,omitempty"`
	Description string   `json:"description,omitempty"`
}

// DetectionMap is the result of a detection run.
//
// ByEvent maps event IDs to the detections that flagged them, each list
// deduplicated by rule ID. All holds one entry per distinct rule that
// fired anywhere in the batch. SeverityCounts is the histogram over all
// per-event detection instances (an event flagged by two high rules
// contributes two to the high bucket).
type DetectionMap struct {
	ByEvent        map[string][]Detection `json:"byEvent"`
	All            []Detection            `json:"all"`
	SeverityCounts map[Severity]int       `json:"severityCounts"`
}

// NewDetectionMap returns an empty result.
func NewDetectionMap() *DetectionMap {
	return &DetectionMap{
		ByEvent:        make(map[string][]Detection),
		SeverityCounts: make(map[Severity]int),
	}
}

// Add attaches a detection to an event, skipping rule IDs already present
// for that event.
func (m *DetectionMap) Add(eventID string, d Detection) {
	existing := m.ByEvent[eventID]
	for _, prev := range existing {
		if prev.RuleID == d.RuleID {
			return
		}
	}
	m.ByEvent[eventID] = append(existing, d)
}

// Clone deep-copies the per-event lists. keep decides which detections
// survive the copy; a nil keep copies everything. All and SeverityCounts
// are not copied; callers rebuild them with Finalize after merging.
func (m *DetectionMap) Clone(keep func(Detection) bool) *DetectionMap {
	out := NewDetectionMap()
	for id, list := range m.ByEvent {
		for _, d := range list {
			if keep == nil || keep(d) {
				out.ByEvent[id] = append(out.ByEvent[id], d)
			}
		}
	}
	return out
}

// Finalize rebuilds the global detection list and the severity histogram
// from the per-event lists. Events with empty lists are dropped. The
// global list is ordered by severity (highest first), then rule ID, so
// identical maps serialize identically regardless of merge order.
func (m *DetectionMap) Finalize() {
	m.All = m.All[:0]
	m.SeverityCounts = make(map[Severity]int)
	seen := make(map[string]struct{})
	for id, list := range m.ByEvent {
		if len(list) == 0 {
			delete(m.ByEvent, id)
			continue
		}
		for _, d := range list {
			m.SeverityCounts[d.Severity]++
			if _, ok := seen[d.RuleID]; !ok {
				seen[d.RuleID] = struct{}{}
				m.All = append(m.All, d)
			}
		}
	}
	sort.Slice(m.All, func(i, j int) bool {
		if m.All[i].Severity != m.All[j].Severity {
			return m.All[i].Severity > m.All[j].Severity
		}
		return m.All[i].RuleID < m.All[j].RuleID
	})
}

// Total returns the number of per-event detection instances.
func (m *DetectionMap) Total() int {
	n := 0
	for _, c := range m.SeverityCounts {
		n += c
	}
	return n
}
