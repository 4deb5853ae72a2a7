package detect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"argus/core"
)

// Module names group rules by the Windows log channel they apply to.
const (
	ModuleSecurity    = "Security"
	ModuleSysmon      = "Sysmon"
	ModulePowerShell  = "PowerShell"
	ModuleSystem      = "System"
	ModuleApplication = "Application"
)

// logsourceTarget is what a logsource category resolves to: the module
// and the event IDs the category is defined by.
type logsourceTarget struct {
	module   string
	eventIDs []int
}

// categoryTargets maps generic logsource categories to Sysmon telemetry.
var categoryTargets = map[string]logsourceTarget{
	"process_creation":   {ModuleSysmon, []int{1}},
	"network_connection": {ModuleSysmon, []int{3}},
	"image_load":         {ModuleSysmon, []int{7}},
	"process_access":     {ModuleSysmon, []int{10}},
	"file_event":         {ModuleSysmon, []int{11}},
	"registry_event":     {ModuleSysmon, []int{12, 13, 14}},
	"registry_add":       {ModuleSysmon, []int{12}},
	"registry_set":       {ModuleSysmon, []int{13}},
	"dns_query":          {ModuleSysmon, []int{22}},
}

// serviceModules maps concrete logsource services to their module; a
// service carries no event-ID restriction of its own.
var serviceModules = map[string]string{
	"security":    ModuleSecurity,
	"sysmon":      ModuleSysmon,
	"powershell":  ModulePowerShell,
	"system":      ModuleSystem,
	"application": ModuleApplication,
}

// resolveLogsource maps a rule's logsource to (module, fixed event IDs).
// Category wins over service; an unknown logsource yields module "",
// which Compile rejects.
func resolveLogsource(ls core.LogSource) (string, []int) {
	if cat := strings.ToLower(strings.TrimSpace(ls.Category)); cat != "" {
		if target, ok := categoryTargets[cat]; ok {
			return target.module, target.eventIDs
		}
	}
	if svc := strings.ToLower(strings.TrimSpace(ls.Service)); svc != "" {
		if module, ok := serviceModules[svc]; ok {
			return module, nil
		}
	}
	return "", nil
}

// CompiledRule is an executable single-event detection rule.
type CompiledRule struct {
	ID          string
	Name        string
	Description string
	Module      string
	Mitre       string
	Severity    core.Severity

	eventIDs   map[int]struct{} // nil when unrestricted
	blocks     map[string]*detectionBlock
	conditions []ConditionNode // top-level alternatives, OR'd
}

// EventIDs returns the sorted event-ID filter, empty when unrestricted.
func (r *CompiledRule) EventIDs() []int {
	if r.eventIDs == nil {
		return nil
	}
	ids := make([]int, 0, len(r.eventIDs))
	for id := range r.eventIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Match evaluates the rule against one event: the event-ID gate first,
// then the condition alternatives over a shared lazy block scope.
// A panic in hostile input is contained as a non-match.
func (r *CompiledRule) Match(fr *FieldReader, ev *core.Event) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()

	if r.eventIDs != nil {
		if _, ok := r.eventIDs[ev.EventID]; !ok {
			return false
		}
	}
	scope := newBlockScope(r.blocks, fr, ev)
	for _, cond := range r.conditions {
		if cond.eval(scope) {
			return true
		}
	}
	return false
}

// Detection returns the record this rule attaches to flagged events.
func (r *CompiledRule) Detection() core.Detection {
	return core.Detection{
		RuleID:      r.ID,
		RuleName:    r.Name,
		Severity:    r.Severity,
		Mitre:       r.Mitre,
		Description: r.Description,
	}
}

// CompileError wraps a per-rule compilation failure. Callers log it,
// skip the rule, and keep compiling the rest of the set.
type CompileError struct {
	RuleID    string
	RuleTitle string
	Err       error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile rule %q (%s): %v", e.RuleTitle, e.RuleID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compiler turns rule documents into compiled rules.
type Compiler struct {
	builder *predicateBuilder
	logger  *zap.SugaredLogger
}

// NewCompiler creates a compiler. regexTimeout bounds every rule-supplied
// regex; a nil logger falls back to a no-op.
func NewCompiler(regexTimeout time.Duration, logger *zap.SugaredLogger) *Compiler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Compiler{
		builder: newPredicateBuilder(regexTimeout, logger),
		logger:  logger,
	}
}

// Compile validates and compiles one rule document. Every failure comes
// back as a *CompileError; the document itself is never mutated.
func (c *Compiler) Compile(doc *core.RuleDocument) (rule *CompiledRule, err error) {
	fail := func(cause error) (*CompiledRule, error) {
		return nil, &CompileError{RuleID: doc.ID, RuleTitle: doc.Title, Err: cause}
	}
	defer func() {
		if r := recover(); r != nil {
			rule, err = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := doc.Validate(); err != nil {
		return fail(err)
	}
	if doc.Skipped() {
		return fail(fmt.Errorf("status %q is not compiled", doc.Status))
	}

	module, fixedIDs := resolveLogsource(doc.LogSource)
	if module == "" {
		return fail(fmt.Errorf("unresolvable logsource (category %q, service %q)",
			doc.LogSource.Category, doc.LogSource.Service))
	}

	rawBlocks := doc.Blocks()
	blocks := make(map[string]*detectionBlock, len(rawBlocks))
	blockNames := make([]string, 0, len(rawBlocks))
	for name, body := range rawBlocks {
		blk, buildErr := c.builder.buildBlock(name, body)
		if buildErr != nil {
			return fail(buildErr)
		}
		blocks[name] = blk
		blockNames = append(blockNames, name)
	}

	var conditions []ConditionNode
	for _, alt := range splitAlternatives(doc.Condition()) {
		node, parseErr := parseCondition(alt, blockNames)
		if parseErr != nil {
			return fail(parseErr)
		}
		conditions = append(conditions, node)
	}

	eventIDs := fixedIDs
	if len(eventIDs) == 0 {
		eventIDs = extractEventIDs(rawBlocks)
	}
	var idSet map[int]struct{}
	if len(eventIDs) > 0 {
		idSet = make(map[int]struct{}, len(eventIDs))
		for _, id := range eventIDs {
			idSet[id] = struct{}{}
		}
	}

	return &CompiledRule{
		ID:          doc.ID,
		Name:        doc.Title,
		Description: doc.Description,
		Module:      module,
		Mitre:       doc.MitreTechnique(),
		Severity:    doc.Severity(),
		eventIDs:    idSet,
		blocks:      blocks,
		conditions:  conditions,
	}, nil
}

// splitAlternatives splits a condition on top-level '|' into independent
// alternatives. Whitespace-only parts stay in so a stray pipe surfaces
// as a parse error instead of vanishing.
func splitAlternatives(condition string) []string {
	parts := strings.Split(condition, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// extractEventIDs unions the plain EventID equality constraints found in
// the detection blocks. Only unmodified EventID keys with integer values
// contribute; a rule with no such constraint stays unrestricted.
func extractEventIDs(blocks map[string]any) []int {
	seen := make(map[int]struct{})
	for _, body := range blocks {
		switch v := body.(type) {
		case map[string]any:
			collectEventIDs(v, seen)
		case []any:
			for _, item := range v {
				if fields, ok := item.(map[string]any); ok {
					collectEventIDs(fields, seen)
				}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func collectEventIDs(fields map[string]any, seen map[int]struct{}) {
	for key, raw := range fields {
		if key != FieldEventID {
			continue
		}
		values, ok := normalizeValues(raw)
		if !ok {
			continue
		}
		for _, v := range values {
			if id, ok := toEventID(v); ok {
				seen[id] = struct{}{}
			}
		}
	}
}

func toEventID(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case string:
		if id, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return id, true
		}
	}
	return 0, false
}
