package detect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"argus/core"
)

// eventPayload builds the JSON payload carried in Event.EventData.
func eventPayload(t *testing.T, data map[string]any) string {
	t.Helper()
	doc := map[string]any{
		"Event": map[string]any{
			"EventData": data,
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(raw)
}

// makeEvent builds an event with the given numeric type and payload fields.
func makeEvent(t *testing.T, id string, eventID int, data map[string]any) *core.Event {
	t.Helper()
	return &core.Event{
		ID:          id,
		EventID:     eventID,
		LogName:     "Security",
		MachineName: "HOST01",
		Level:       "Information",
		TimeCreated: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		EventData:   eventPayload(t, data),
	}
}

// makeTimedEvent builds an event at a specific time, for window tests.
func makeTimedEvent(t *testing.T, id string, eventID int, at time.Time, data map[string]any) *core.Event {
	t.Helper()
	ev := makeEvent(t, id, eventID, data)
	ev.TimeCreated = at
	return ev
}

// eventSeries builds n events of the same type spaced gap apart.
func eventSeries(t *testing.T, eventID int, start time.Time, gap time.Duration, n int, data map[string]any) []*core.Event {
	t.Helper()
	events := make([]*core.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := makeTimedEvent(t, fmt.Sprintf("ev-%d", i), eventID, start.Add(time.Duration(i)*gap), data)
		events = append(events, ev)
	}
	return events
}

// parseRuleDoc decodes a YAML rule document.
func parseRuleDoc(t *testing.T, source string) core.RuleDocument {
	t.Helper()
	var doc core.RuleDocument
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		t.Fatalf("parse rule yaml: %v", err)
	}
	return doc
}

// parseCorrelationDoc decodes a YAML correlation document.
func parseCorrelationDoc(t *testing.T, source string) core.CorrelationDocument {
	t.Helper()
	var doc core.CorrelationDocument
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		t.Fatalf("parse correlation yaml: %v", err)
	}
	return doc
}

// mustCompileRule parses and compiles a single rule document from YAML.
func mustCompileRule(t *testing.T, source string) *CompiledRule {
	t.Helper()
	doc := parseRuleDoc(t, source)
	rule, err := NewCompiler(0, nil).Compile(&doc)
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	return rule
}

// mustCompileCorrelation compiles a correlation over the given base rules.
func mustCompileCorrelation(t *testing.T, source string, base ...*CompiledRule) *CorrelationRule {
	t.Helper()
	doc := parseCorrelationDoc(t, source)
	byRef := make(map[string]*CompiledRule, len(base))
	for _, r := range base {
		byRef[r.ID] = r
		byRef[r.Name] = r
	}
	rule, err := CompileCorrelation(&doc, func(ref string) *CompiledRule { return byRef[ref] })
	if err != nil {
		t.Fatalf("compile correlation: %v", err)
	}
	return rule
}
