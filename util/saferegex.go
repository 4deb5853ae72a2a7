// Package util holds small helpers shared across the engine: bounded
// regular-expression matching and batch fingerprinting.
package util

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxPatternLength is the maximum allowed regex pattern length.
	MaxPatternLength = 500
	// DefaultRegexTimeout is the default timeout for a single match.
	DefaultRegexTimeout = 100 * time.Millisecond
)

// SafeRegex is a compiled pattern with a hard match timeout. regexp2
// enforces the timeout inside its backtracking loop, so a pathological
// pattern cannot stall rule evaluation.
type SafeRegex struct {
	re      *regexp2.Regexp
	pattern string
}

// CompileRegex validates and compiles a rule-supplied pattern. A zero or
// negative timeout falls back to DefaultRegexTimeout.
func CompileRegex(pattern string, timeout time.Duration) (*SafeRegex, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxPatternLength {
		return nil, fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxPatternLength)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re, err := regexp2.Compile(pattern, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = timeout
	return &SafeRegex{re: re, pattern: pattern}, nil
}

// MatchString reports whether the pattern matches s. A timeout surfaces
// as an error so the caller can count it; callers treat it as no match.
func (r *SafeRegex) MatchString(s string) (bool, error) {
	match, err := r.re.MatchString(s)
	if err != nil {
		return false, fmt.Errorf("regex match %q: %w", r.pattern, err)
	}
	return match, nil
}

// Pattern returns the source pattern.
func (r *SafeRegex) Pattern() string {
	return r.pattern
}
