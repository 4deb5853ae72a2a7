package detect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"argus/core"
)

// ErrUnresolvedReference marks a correlation whose base rules are not
// all present in the set being built. The engine treats it as "belongs
// to another module", not as a broken document.
var ErrUnresolvedReference = errors.New("unresolved rule reference")

// CorrelationRule is an executable multi-event rule built over compiled
// base rules.
type CorrelationRule struct {
	ID          string
	Name        string
	Description string
	Mitre       string
	Severity    core.Severity
	Type        core.CorrelationType

	baseRules []*CompiledRule
	groupBy   []string
	aliases   map[string]map[string]string // group-by field -> base rule ID -> actual field
	timespan  time.Duration
	condition core.ThresholdCondition
}

// Detection returns the record this correlation attaches to flagged
// events.
func (cr *CorrelationRule) Detection() core.Detection {
	return core.Detection{
		RuleID:      cr.ID,
		RuleName:    cr.Name,
		Severity:    cr.Severity,
		Mitre:       cr.Mitre,
		Description: cr.Description,
	}
}

// BaseRuleIDs returns the IDs of the base rules, in rule order.
func (cr *CorrelationRule) BaseRuleIDs() []string {
	ids := make([]string, len(cr.baseRules))
	for i, r := range cr.baseRules {
		ids[i] = r.ID
	}
	return ids
}

// CompileCorrelation resolves and compiles one correlation document.
// resolve maps a base-rule reference (rule ID or title) to a compiled
// rule; any unresolvable reference fails the compilation.
func CompileCorrelation(doc *core.CorrelationDocument, resolve func(ref string) *CompiledRule) (*CorrelationRule, error) {
	fail := func(cause error) (*CorrelationRule, error) {
		return nil, &CompileError{RuleID: doc.ID, RuleTitle: doc.Title, Err: cause}
	}

	if err := doc.Validate(); err != nil {
		return fail(err)
	}
	if doc.Skipped() {
		return fail(fmt.Errorf("status %q is not compiled", doc.Status))
	}

	span, err := core.ParseTimespan(doc.Correlation.Timespan)
	if err != nil {
		return fail(err)
	}

	var cond core.ThresholdCondition
	switch doc.Correlation.Type {
	case core.CorrelationEventCount, core.CorrelationValueCount:
		cond, err = doc.Correlation.ThresholdCondition()
		if err != nil {
			return fail(err)
		}
	}

	baseRules := make([]*CompiledRule, 0, len(doc.Correlation.Rules))
	refToID := make(map[string]string, len(doc.Correlation.Rules))
	for _, ref := range doc.Correlation.Rules {
		rule := resolve(ref)
		if rule == nil {
			return fail(fmt.Errorf("%w %q", ErrUnresolvedReference, ref))
		}
		baseRules = append(baseRules, rule)
		refToID[ref] = rule.ID
	}

	// Alias keys arrive as rule references; store them by resolved rule
	// ID so group-key lookups skip the indirection. Aliases for rules not
	// in the list are dropped.
	aliases := make(map[string]map[string]string, len(doc.Correlation.Aliases))
	for field, byRef := range doc.Correlation.Aliases {
		byID := make(map[string]string, len(byRef))
		for ref, actual := range byRef {
			if id, ok := refToID[ref]; ok {
				byID[id] = actual
			}
		}
		if len(byID) > 0 {
			aliases[field] = byID
		}
	}

	return &CorrelationRule{
		ID:          doc.ID,
		Name:        doc.Title,
		Description: doc.Description,
		Mitre:       doc.MitreTechnique(),
		Severity:    doc.Severity(),
		Type:        doc.Correlation.Type,
		baseRules:   baseRules,
		groupBy:     doc.Correlation.GroupBy,
		aliases:     aliases,
		timespan:    span,
		condition:   cond,
	}, nil
}

// ruleMatch is one (event, base rule) hit recorded during the batch scan.
type ruleMatch struct {
	ev         *core.Event
	timeMS     int64
	ruleID     string
	countValue string // value_count field, resolved at scan time
}

// MatchAll scans the whole batch and returns the set of flagged event
// IDs. Correlation has no incremental mode: a new event can complete a
// window anywhere in the batch, or break one under lt/neq conditions.
func (cr *CorrelationRule) MatchAll(fr *FieldReader, events []*core.Event) (flagged map[string]struct{}) {
	flagged = make(map[string]struct{})
	defer func() {
		if recover() != nil {
			flagged = map[string]struct{}{}
		}
	}()

	for _, matches := range cr.collectMatches(fr, events) {
		switch cr.Type {
		case core.CorrelationEventCount:
			cr.evalEventCount(matches, flagged)
		case core.CorrelationValueCount:
			cr.evalValueCount(matches, flagged)
		case core.CorrelationTemporal:
			cr.evalTemporal(matches, flagged)
		case core.CorrelationTemporalOrdered:
			cr.evalTemporalOrdered(matches, flagged)
		}
	}
	return flagged
}

// collectMatches runs every base rule over the batch once and buckets
// the hits by group key, each bucket sorted by time.
func (cr *CorrelationRule) collectMatches(fr *FieldReader, events []*core.Event) map[string][]ruleMatch {
	groups := make(map[string][]ruleMatch)
	for _, ev := range events {
		for _, rule := range cr.baseRules {
			if !rule.Match(fr, ev) {
				continue
			}
			m := ruleMatch{ev: ev, timeMS: ev.TimeMS(), ruleID: rule.ID}
			if cr.condition.Field != "" {
				// The distinct-count field reads directly, without alias
				// resolution; only group-by fields are aliased.
				m.countValue = fr.Field(ev, cr.condition.Field)
			}
			key := cr.groupKey(fr, ev, rule.ID)
			groups[key] = append(groups[key], m)
		}
	}
	for _, matches := range groups {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].timeMS < matches[j].timeMS
		})
	}
	return groups
}

// groupKey joins the lowercased group-by values for an event. Each field
// resolves through the alias table for the rule that produced the match.
func (cr *CorrelationRule) groupKey(fr *FieldReader, ev *core.Event, ruleID string) string {
	if len(cr.groupBy) == 0 {
		return ""
	}
	parts := make([]string, len(cr.groupBy))
	for i, field := range cr.groupBy {
		name := field
		if byID, ok := cr.aliases[field]; ok {
			if actual, ok := byID[ruleID]; ok {
				name = actual
			}
		}
		parts[i] = strings.ToLower(fr.Field(ev, name))
	}
	return strings.Join(parts, ",")
}

// evalEventCount slides a timespan-wide window anchored at each match;
// whenever the window's match count satisfies the condition, every match
// in the window is flagged.
func (cr *CorrelationRule) evalEventCount(matches []ruleMatch, flagged map[string]struct{}) {
	span := cr.timespan.Milliseconds()
	j := 0
	for i := range matches {
		if j < i {
			j = i
		}
		for j+1 < len(matches) && matches[j+1].timeMS <= matches[i].timeMS+span {
			j++
		}
		if cr.condition.Satisfied(j - i + 1) {
			for k := i; k <= j; k++ {
				flagged[matches[k].ev.ID] = struct{}{}
			}
		}
	}
}

// evalValueCount is evalEventCount with the count replaced by the number
// of distinct non-empty condition-field values in the window.
func (cr *CorrelationRule) evalValueCount(matches []ruleMatch, flagged map[string]struct{}) {
	span := cr.timespan.Milliseconds()
	j := 0
	for i := range matches {
		if j < i {
			j = i
		}
		for j+1 < len(matches) && matches[j+1].timeMS <= matches[i].timeMS+span {
			j++
		}
		distinct := make(map[string]struct{})
		for k := i; k <= j; k++ {
			if v := matches[k].countValue; v != "" {
				distinct[v] = struct{}{}
			}
		}
		if cr.condition.Satisfied(len(distinct)) {
			for k := i; k <= j; k++ {
				flagged[matches[k].ev.ID] = struct{}{}
			}
		}
	}
}

// evalTemporal anchors a ±timespan window at each match of the first
// base rule; the window qualifies when every other base rule has at
// least one match inside it. The anchor and all other-rule matches in a
// qualifying window are flagged.
func (cr *CorrelationRule) evalTemporal(matches []ruleMatch, flagged map[string]struct{}) {
	anchorID := cr.baseRules[0].ID
	required := make(map[string]struct{})
	for _, r := range cr.baseRules[1:] {
		if r.ID != anchorID {
			required[r.ID] = struct{}{}
		}
	}

	span := cr.timespan.Milliseconds()
	for _, anchor := range matches {
		if anchor.ruleID != anchorID {
			continue
		}
		lo, hi := anchor.timeMS-span, anchor.timeMS+span

		present := make(map[string]struct{}, len(required))
		var window []ruleMatch
		for _, m := range matches {
			if m.timeMS > hi {
				break
			}
			if m.timeMS < lo || m.ruleID == anchorID {
				continue
			}
			present[m.ruleID] = struct{}{}
			window = append(window, m)
		}
		if len(present) == len(required) {
			flagged[anchor.ev.ID] = struct{}{}
			for _, m := range window {
				flagged[m.ev.ID] = struct{}{}
			}
		}
	}
}

// evalTemporalOrdered walks a greedy chain per anchor: for each
// subsequent base rule, the earliest match strictly after the previous
// link and within timespan of the anchor. Only complete chains flag.
func (cr *CorrelationRule) evalTemporalOrdered(matches []ruleMatch, flagged map[string]struct{}) {
	anchorID := cr.baseRules[0].ID
	span := cr.timespan.Milliseconds()

	for _, anchor := range matches {
		if anchor.ruleID != anchorID {
			continue
		}
		deadline := anchor.timeMS + span
		chain := []ruleMatch{anchor}
		prev := anchor.timeMS

		// The cursor only moves forward: a later link must be strictly
		// after the previous one, and matches are time-sorted.
		cursor := 0
		complete := true
		for _, target := range cr.baseRules[1:] {
			found := false
			for ; cursor < len(matches); cursor++ {
				m := matches[cursor]
				if m.timeMS > deadline {
					break
				}
				if m.timeMS <= prev || m.ruleID != target.ID {
					continue
				}
				chain = append(chain, m)
				prev = m.timeMS
				cursor++
				found = true
				break
			}
			if !found {
				complete = false
				break
			}
		}
		if complete {
			for _, m := range chain {
				flagged[m.ev.ID] = struct{}{}
			}
		}
	}
}
