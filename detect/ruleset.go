package detect

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"argus/core"
	"argus/metrics"
)

// RuleSource supplies rule documents to the engine. Implementations:
// the directory loader and the SQLite rule store.
type RuleSource interface {
	LoadDocuments() ([]core.RuleDocument, []core.CorrelationDocument, error)
}

// RuleSet is the compiled, event-type-indexed rule collection for one
// module. Sets are immutable after construction and safe to share.
type RuleSet struct {
	Module       string
	Rules        []*CompiledRule
	Correlations []*CorrelationRule

	byEventID      map[int][]*CompiledRule
	unrestricted   []*CompiledRule
	correlationIDs map[string]struct{}
}

// NewRuleSet indexes compiled rules for a module. Rules restricted to
// event IDs go into the type index; the rest are evaluated for every
// event.
func NewRuleSet(module string, rules []*CompiledRule, correlations []*CorrelationRule) *RuleSet {
	set := &RuleSet{
		Module:         module,
		Rules:          rules,
		Correlations:   correlations,
		byEventID:      make(map[int][]*CompiledRule),
		correlationIDs: make(map[string]struct{}, len(correlations)),
	}
	for _, rule := range rules {
		ids := rule.EventIDs()
		if len(ids) == 0 {
			set.unrestricted = append(set.unrestricted, rule)
			continue
		}
		for _, id := range ids {
			set.byEventID[id] = append(set.byEventID[id], rule)
		}
	}
	for _, cr := range correlations {
		set.correlationIDs[cr.ID] = struct{}{}
	}
	return set
}

// RulesFor returns the single-event rules that can match an event type.
func (s *RuleSet) RulesFor(eventID int) []*CompiledRule {
	indexed := s.byEventID[eventID]
	if len(s.unrestricted) == 0 {
		return indexed
	}
	out := make([]*CompiledRule, 0, len(indexed)+len(s.unrestricted))
	out = append(out, indexed...)
	return append(out, s.unrestricted...)
}

// IsCorrelationRule reports whether a rule ID belongs to one of the
// set's correlation rules. The runner uses it to strip correlation
// detections from a previous result before re-scanning.
func (s *RuleSet) IsCorrelationRule(id string) bool {
	_, ok := s.correlationIDs[id]
	return ok
}

// Size returns the number of compiled rules, correlations included.
func (s *RuleSet) Size() int {
	return len(s.Rules) + len(s.Correlations)
}

// EngineConfig tunes compilation and evaluation.
type EngineConfig struct {
	// RegexTimeout bounds every rule-supplied regex match.
	RegexTimeout time.Duration
	// PayloadCacheSize / ValueCacheSize size the per-run field caches.
	PayloadCacheSize int
	ValueCacheSize   int
}

// DefaultEngineConfig returns the settings used when none are given.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RegexTimeout:     100 * time.Millisecond,
		PayloadCacheSize: defaultPayloadCacheSize,
		ValueCacheSize:   defaultValueCacheSize,
	}
}

// Engine compiles documents from its source on demand and caches one
// RuleSet per module. Safe for concurrent use; each module compiles
// once until invalidated.
type Engine struct {
	source   RuleSource
	compiler *Compiler
	config   EngineConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	rules    []*CompiledRule            // all modules, compile order
	corrDocs []core.CorrelationDocument // resolved per module set
	loaded   bool
	sets     map[string]*RuleSet
}

// NewEngine creates an engine over a rule source. A nil logger falls
// back to a no-op.
func NewEngine(source RuleSource, config EngineConfig, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.RegexTimeout <= 0 {
		config.RegexTimeout = DefaultEngineConfig().RegexTimeout
	}
	return &Engine{
		source:   source,
		compiler: NewCompiler(config.RegexTimeout, logger),
		config:   config,
		logger:   logger,
		sets:     make(map[string]*RuleSet),
	}
}

// Detect runs the module's rule set over an event batch, extending prev
// when it is a valid continuation. See Runner.Run.
func (e *Engine) Detect(module string, events []*core.Event, prev *RunnerState) (*RunnerState, error) {
	set, err := e.RuleSetFor(module)
	if err != nil {
		return nil, err
	}
	return NewRunner(e.config, e.logger).Run(set, events, prev), nil
}

// RuleSetFor returns the compiled set for a module, compiling it on
// first use. Per-rule failures are logged and skipped; only a source
// failure is an error.
func (e *Engine) RuleSetFor(module string) (*RuleSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if set, ok := e.sets[module]; ok {
		return set, nil
	}
	if err := e.ensureCompiledLocked(); err != nil {
		return nil, err
	}
	set := e.buildSetLocked(module)
	e.sets[module] = set
	return set, nil
}

// Modules returns the distinct modules of the compiled rules, sorted.
func (e *Engine) Modules() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureCompiledLocked(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, rule := range e.rules {
		seen[rule.Module] = struct{}{}
	}
	modules := make([]string, 0, len(seen))
	for m := range seen {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules, nil
}

// Invalidate drops the cached set for one module; the next RuleSetFor
// rebuilds it from the already compiled rules.
func (e *Engine) Invalidate(module string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sets, module)
}

// Reload drops everything and re-reads the source on next use.
func (e *Engine) Reload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.corrDocs = nil
	e.loaded = false
	e.sets = make(map[string]*RuleSet)
}

func (e *Engine) ensureCompiledLocked() error {
	if e.loaded {
		return nil
	}
	ruleDocs, corrDocs, err := e.source.LoadDocuments()
	if err != nil {
		return fmt.Errorf("load rule documents: %w", err)
	}

	rules := make([]*CompiledRule, 0, len(ruleDocs))
	for i := range ruleDocs {
		rule, err := e.compiler.Compile(&ruleDocs[i])
		if err != nil {
			metrics.CompileFailures.WithLabelValues("rule").Inc()
			e.logger.Warnw("skipping rule", "error", err)
			continue
		}
		metrics.RulesCompiled.WithLabelValues(rule.Module, "rule").Inc()
		rules = append(rules, rule)
	}

	e.rules = rules
	e.corrDocs = corrDocs
	e.loaded = true
	return nil
}

// buildSetLocked filters the compiled rules into a module set and
// resolves the correlation documents against it. A correlation whose
// references cannot all be resolved within the set is skipped.
func (e *Engine) buildSetLocked(module string) *RuleSet {
	var rules []*CompiledRule
	byID := make(map[string]*CompiledRule)
	byTitle := make(map[string]*CompiledRule)
	for _, rule := range e.rules {
		if rule.Module != module {
			continue
		}
		rules = append(rules, rule)
		if _, dup := byID[rule.ID]; !dup {
			byID[rule.ID] = rule
		}
		if _, dup := byTitle[rule.Name]; !dup {
			byTitle[rule.Name] = rule
		}
	}

	resolve := func(ref string) *CompiledRule {
		if rule, ok := byID[ref]; ok {
			return rule
		}
		return byTitle[ref]
	}

	var correlations []*CorrelationRule
	for i := range e.corrDocs {
		cr, err := CompileCorrelation(&e.corrDocs[i], resolve)
		if err != nil {
			if errors.Is(err, ErrUnresolvedReference) {
				e.logger.Debugw("correlation not in module set", "module", module, "error", err)
			} else {
				metrics.CompileFailures.WithLabelValues("correlation").Inc()
				e.logger.Warnw("skipping correlation", "error", err)
			}
			continue
		}
		metrics.RulesCompiled.WithLabelValues(module, "correlation").Inc()
		correlations = append(correlations, cr)
	}

	e.logger.Infow("compiled rule set",
		"module", module,
		"rules", len(rules),
		"correlations", len(correlations))
	return NewRuleSet(module, rules, correlations)
}
