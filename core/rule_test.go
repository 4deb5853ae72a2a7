package core

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func sampleRuleYAML() string {
	return `
title: Suspicious PowerShell Download
id: 6f8b1c2d-0a43-4e21-9a6e-2f1f6c1b7a01
status: stable
description: Detects download cradles in PowerShell command lines
author: SOC Team
level: high
tags:
  - attack.execution
  - attack.t1059.001
logsource:
  category: process_creation
detection:
  selection:
    Image|endswith: '\powershell.exe'
    CommandLine|contains:
      - 'DownloadString'
      - 'DownloadFile'
  condition: selection
`
}

func TestRuleDocument_ParseYAML(t *testing.T) {
	var doc RuleDocument
	if err := yaml.Unmarshal([]byte(sampleRuleYAML()), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Title != "Suspicious PowerShell Download" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.LogSource.Category != "process_creation" {
		t.Errorf("logsource category = %q", doc.LogSource.Category)
	}
	if doc.Condition() != "selection" {
		t.Errorf("condition = %q", doc.Condition())
	}
	blocks := doc.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	if _, ok := blocks["selection"]; !ok {
		t.Error("selection block missing")
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestRuleDocument_Validate(t *testing.T) {
	valid := func() RuleDocument {
		return RuleDocument{
			Title: "t",
			ID:    "r-1",
			Detection: map[string]any{
				"selection": map[string]any{"EventID": 4625},
				"condition": "selection",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*RuleDocument)
		wantErr bool
	}{
		{"valid", func(r *RuleDocument) {}, false},
		{"missing title", func(r *RuleDocument) { r.Title = "" }, true},
		{"missing id", func(r *RuleDocument) { r.ID = "" }, true},
		{"nil detection", func(r *RuleDocument) { r.Detection = nil }, true},
		{"missing condition", func(r *RuleDocument) { delete(r.Detection, "condition") }, true},
		{"non-string condition", func(r *RuleDocument) { r.Detection["condition"] = 42 }, true},
		{"no named blocks", func(r *RuleDocument) { delete(r.Detection, "selection") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := valid()
			tt.mutate(&doc)
			err := doc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleDocument_MitreTechnique(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"technique", []string{"attack.t1059"}, "T1059"},
		{"sub-technique", []string{"attack.t1059.001"}, "T1059.001"},
		{"tactic tags skipped", []string{"attack.execution", "attack.t1021.002"}, "T1021.002"},
		{"first match wins", []string{"attack.t1003", "attack.t1550"}, "T1003"},
		{"uppercase input", []string{"ATTACK.T1027"}, "T1027"},
		{"no technique tags", []string{"attack.defense_evasion", "cve.2021.44228"}, ""},
		{"no tags", nil, ""},
		{"five digit id rejected", []string{"attack.t10590"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := RuleDocument{Tags: tt.tags}
			if got := doc.MitreTechnique(); got != tt.want {
				t.Errorf("MitreTechnique() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRuleDocument_Skipped(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"stable", false},
		{"experimental", false},
		{"", false},
		{"deprecated", true},
		{"Deprecated", true},
		{"unsupported", true},
	}

	for _, tt := range tests {
		doc := RuleDocument{Status: tt.status}
		if got := doc.Skipped(); got != tt.want {
			t.Errorf("Skipped() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}
