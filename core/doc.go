// Package core defines the domain model for the Argus detection engine.
//
// The core package provides:
//   - Event: the parsed Windows event-log record the engine consumes
//   - RuleDocument / CorrelationDocument: the YAML shapes of detection
//     and correlation rules before compilation
//   - Detection and DetectionMap: the results a detection run produces
//   - Severity: the ordered rule-level enum
//
// Compilation and evaluation live in the detect package; core holds only
// data types, their parsing, and their validation so every other package
// can depend on it without cycles.
package core
