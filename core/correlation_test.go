package core

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestCorrelationDocument_ParseYAML(t *testing.T) {
	raw := `
title: Brute Force Followed By Success
id: 3b1f6a4e-5c5d-4d7e-8a2f-9f0e1d2c3b4a
level: high
tags:
  - attack.credential_access
  - attack.t1110
correlation:
  type: temporal_ordered
  rules:
    - failed_logon_burst
    - successful_logon
  group-by:
    - User
  timespan: 10m
  aliases:
    User:
      failed_logon_burst: TargetUserName
      successful_logon: TargetUserName
`
	var doc CorrelationDocument
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Correlation.Type != CorrelationTemporalOrdered {
		t.Errorf("type = %q", doc.Correlation.Type)
	}
	if len(doc.Correlation.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(doc.Correlation.Rules))
	}
	if doc.Correlation.Aliases["User"]["failed_logon_burst"] != "TargetUserName" {
		t.Error("alias lookup failed")
	}
	if doc.MitreTechnique() != "T1110" {
		t.Errorf("mitre = %q", doc.MitreTechnique())
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestCorrelationDocument_Validate(t *testing.T) {
	base := func() CorrelationDocument {
		return CorrelationDocument{
			Title: "t",
			ID:    "c-1",
			Correlation: CorrelationSpec{
				Type:      CorrelationEventCount,
				Rules:     []string{"base"},
				GroupBy:   []string{"User"},
				Timespan:  "5m",
				Condition: map[string]any{"gte": 5},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*CorrelationDocument)
		wantErr bool
	}{
		{"valid event_count", func(d *CorrelationDocument) {}, false},
		{"missing title", func(d *CorrelationDocument) { d.Title = "" }, true},
		{"missing id", func(d *CorrelationDocument) { d.ID = "" }, true},
		{"unknown type", func(d *CorrelationDocument) { d.Correlation.Type = "sequence" }, true},
		{"no rules", func(d *CorrelationDocument) { d.Correlation.Rules = nil }, true},
		{"bad timespan", func(d *CorrelationDocument) { d.Correlation.Timespan = "5 minutes" }, true},
		{"event_count without condition", func(d *CorrelationDocument) { d.Correlation.Condition = nil }, true},
		{"value_count without field", func(d *CorrelationDocument) {
			d.Correlation.Type = CorrelationValueCount
		}, true},
		{"value_count with field", func(d *CorrelationDocument) {
			d.Correlation.Type = CorrelationValueCount
			d.Correlation.Condition = map[string]any{"gt": 3, "field": "TargetUserName"}
		}, false},
		{"temporal needs two rules", func(d *CorrelationDocument) {
			d.Correlation.Type = CorrelationTemporal
			d.Correlation.Condition = nil
		}, true},
		{"temporal with two rules", func(d *CorrelationDocument) {
			d.Correlation.Type = CorrelationTemporal
			d.Correlation.Rules = []string{"a", "b"}
			d.Correlation.Condition = nil
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := base()
			tt.mutate(&doc)
			err := doc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCorrelationSpec_ThresholdCondition(t *testing.T) {
	tests := []struct {
		name      string
		condition map[string]any
		wantOp    string
		wantValue float64
		wantField string
		wantErr   bool
	}{
		{"gte int", map[string]any{"gte": 5}, OpGTE, 5, "", false},
		{"gt float", map[string]any{"gt": 2.5}, OpGT, 2.5, "", false},
		{"lt with field", map[string]any{"lt": 10, "field": "DestinationIp"}, OpLT, 10, "DestinationIp", false},
		{"numeric string", map[string]any{"eq": "3"}, OpEQ, 3, "", false},
		{"empty", nil, "", 0, "", true},
		{"unknown operator", map[string]any{"between": 5}, "", 0, "", true},
		{"two operators", map[string]any{"gt": 1, "lt": 9}, "", 0, "", true},
		{"field only", map[string]any{"field": "User"}, "", 0, "", true},
		{"non-numeric value", map[string]any{"gte": "many"}, "", 0, "", true},
		{"non-string field", map[string]any{"gte": 5, "field": 7}, "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := CorrelationSpec{Type: CorrelationEventCount, Condition: tt.condition}
			cond, err := spec.ThresholdCondition()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ThresholdCondition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cond.Op != tt.wantOp || cond.Value != tt.wantValue || cond.Field != tt.wantField {
				t.Errorf("got %+v, want {%s %v %s}", cond, tt.wantOp, tt.wantValue, tt.wantField)
			}
		})
	}
}

func TestThresholdCondition_Satisfied(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		count int
		want  bool
	}{
		{OpGT, 5, 6, true},
		{OpGT, 5, 5, false},
		{OpGTE, 5, 5, true},
		{OpGTE, 5, 4, false},
		{OpLT, 5, 4, true},
		{OpLT, 5, 5, false},
		{OpLTE, 5, 5, true},
		{OpLTE, 5, 6, false},
		{OpEQ, 5, 5, true},
		{OpEQ, 5, 4, false},
		{OpNEQ, 5, 4, true},
		{OpNEQ, 5, 5, false},
	}

	for _, tt := range tests {
		cond := ThresholdCondition{Op: tt.op, Value: tt.value}
		if got := cond.Satisfied(tt.count); got != tt.want {
			t.Errorf("%s %v with count %d = %v, want %v", tt.op, tt.value, tt.count, got, tt.want)
		}
	}
}

func TestParseTimespan(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"12h", 12 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1s", time.Second, false},
		{" 5m ", 5 * time.Minute, false},
		{"", 0, true},
		{"5", 0, true},
		{"m", 0, true},
		{"5w", 0, true},
		{"-5m", 0, true},
		{"0m", 0, true},
		{"5.5m", 0, true},
		{"5 m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimespan(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimespan(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTimespan(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
