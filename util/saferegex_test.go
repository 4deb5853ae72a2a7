package util

import (
	"strings"
	"testing"
	"time"
)

func TestCompileRegex(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"simple pattern", `powershell\.exe$`, false},
		{"alternation", `(cmd|powershell|wscript)`, false},
		{"empty pattern", "", true},
		{"unbalanced paren", `(abc`, true},
		{"too long", strings.Repeat("a", MaxPatternLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRegex(tt.pattern, DefaultRegexTimeout)
			if (err != nil) != tt.wantErr {
				t.Errorf("CompileRegex(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestSafeRegex_MatchString(t *testing.T) {
	re, err := CompileRegex(`(?i)mimikatz`, DefaultRegexTimeout)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	match, err := re.MatchString("Invoke-Mimikatz -DumpCreds")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !match {
		t.Error("expected match")
	}

	match, err = re.MatchString("notepad.exe")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match {
		t.Error("unexpected match")
	}
}

func TestSafeRegex_TimeoutDoesNotHang(t *testing.T) {
	// Catastrophic backtracking pattern: must return within the timeout
	// instead of stalling.
	re, err := CompileRegex(`(a+)+$`, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	input := strings.Repeat("a", 64) + "b"
	start := time.Now()
	match, _ := re.MatchString(input)
	elapsed := time.Since(start)

	if match {
		t.Error("pattern should not match")
	}
	if elapsed > 5*time.Second {
		t.Errorf("match took %v, timeout did not engage", elapsed)
	}
}
