package detect

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"argus/core"
	"argus/metrics"
	"argus/util"
)

// Modifier names accepted after a field name, e.g. "CommandLine|contains".
const (
	modContains   = "contains"
	modStartsWith = "startswith"
	modEndsWith   = "endswith"
	modRegex      = "re"
	modCIDR       = "cidr"
	modAll        = "all"
	modCased      = "cased"
	modWindash    = "windash"
)

// matchKind is the closed set of value matching strategies. New kinds
// are added here and in valueMatcher.match, nowhere else.
type matchKind int

const (
	kindEquals matchKind = iota
	kindContains
	kindPrefix
	kindSuffix
	kindRegex
	kindCIDR
	kindAbsent
	kindNever
)

// fieldModifiers is the parsed modifier chain of one field key. mode is
// one of the comparison modifiers or "" for exact equality; the booleans
// are the composable meta-modifiers.
type fieldModifiers struct {
	mode    string
	all     bool
	cased   bool
	windash bool
}

// parseFieldKey splits "field|mod1|mod2" and validates the modifier
// chain. Comparison modifiers are mutually exclusive.
func parseFieldKey(key string) (string, fieldModifiers, error) {
	var mods fieldModifiers
	parts := strings.Split(key, "|")
	field := strings.TrimSpace(parts[0])
	if field == "" {
		return "", mods, fmt.Errorf("empty field name in key %q", key)
	}
	for _, raw := range parts[1:] {
		switch m := strings.ToLower(strings.TrimSpace(raw)); m {
		case modContains, modStartsWith, modEndsWith, modRegex, modCIDR:
			if mods.mode != "" {
				return "", mods, fmt.Errorf("field %q: modifiers %q and %q are mutually exclusive", field, mods.mode, m)
			}
			mods.mode = m
		case modAll:
			mods.all = true
		case modCased:
			mods.cased = true
		case modWindash:
			mods.windash = true
		case "":
			return "", mods, fmt.Errorf("field %q: empty modifier", field)
		default:
			return "", mods, fmt.Errorf("field %q: unknown modifier %q", field, m)
		}
	}
	return field, mods, nil
}

// valueMatcher matches a single expected value (or one windash variant of
// it) against a resolved field value.
type valueMatcher struct {
	kind   matchKind
	needle string // pre-folded for case-insensitive kinds
	cased  bool
	re     *util.SafeRegex
	cidrIP uint32 // network address under cidrMask
	cidrMk uint32
}

func (m valueMatcher) match(value string) bool {
	switch m.kind {
	case kindEquals:
		return fold(value, m.cased) == m.needle
	case kindContains:
		return strings.Contains(fold(value, m.cased), m.needle)
	case kindPrefix:
		return strings.HasPrefix(fold(value, m.cased), m.needle)
	case kindSuffix:
		return strings.HasSuffix(fold(value, m.cased), m.needle)
	case kindRegex:
		ok, err := m.re.MatchString(value)
		if err != nil {
			metrics.RegexTimeouts.Inc()
			return false
		}
		return ok
	case kindCIDR:
		ip, ok := parseIPv4(value)
		return ok && ip&m.cidrMk == m.cidrIP
	case kindAbsent:
		return value == ""
	case kindNever:
		return false
	}
	return false
}

func fold(s string, cased bool) string {
	if cased {
		return s
	}
	return strings.ToLower(s)
}

// parseIPv4 parses a dotted IPv4 address into its uint32 form. IPv6 and
// garbage return false.
func parseIPv4(s string) (uint32, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// fieldPredicate matches one field against its expected values.
//
// Matchers are grouped per original rule value: windash expansion adds
// variants inside a group, never new groups, so `all` keeps its meaning
// of "every listed value must match", each via any of its own variants.
type fieldPredicate struct {
	field      string
	groups     [][]valueMatcher
	requireAll bool
}

func (p *fieldPredicate) match(fr *FieldReader, ev *core.Event) bool {
	value := fr.Field(ev, p.field)
	if p.requireAll {
		for _, group := range p.groups {
			if !matchAnyVariant(group, value) {
				return false
			}
		}
		return true
	}
	for _, group := range p.groups {
		if matchAnyVariant(group, value) {
			return true
		}
	}
	return false
}

func matchAnyVariant(group []valueMatcher, value string) bool {
	for _, m := range group {
		if m.match(value) {
			return true
		}
	}
	return false
}

// predicateBuilder compiles field keys and expected values. Invalid
// regex and CIDR values degrade to never-matching matchers (logged);
// structural problems (bad modifier chains, empty values) are errors
// that fail the whole rule.
type predicateBuilder struct {
	regexTimeout time.Duration
	logger       *zap.SugaredLogger
}

func newPredicateBuilder(regexTimeout time.Duration, logger *zap.SugaredLogger) *predicateBuilder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &predicateBuilder{regexTimeout: regexTimeout, logger: logger}
}

func (b *predicateBuilder) buildFieldPredicate(key string, rawValue any) (*fieldPredicate, error) {
	field, mods, err := parseFieldKey(key)
	if err != nil {
		return nil, err
	}

	values, ok := normalizeValues(rawValue)
	if !ok {
		return nil, fmt.Errorf("field %q: unsupported value type %T", field, rawValue)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("field %q: no values", field)
	}

	pred := &fieldPredicate{field: field, requireAll: mods.all}
	for _, raw := range values {
		if raw == nil {
			// A null value matches events where the field is absent.
			pred.groups = append(pred.groups, []valueMatcher{{kind: kindAbsent}})
			continue
		}
		s := scalarString(raw)
		variants := []string{s}
		if mods.windash && strings.HasPrefix(s, "-") {
			variants = append(variants, "/"+s[1:])
		}
		group := make([]valueMatcher, 0, len(variants))
		for _, v := range variants {
			group = append(group, b.compileMatcher(field, v, mods))
		}
		pred.groups = append(pred.groups, group)
	}
	return pred, nil
}

func (b *predicateBuilder) compileMatcher(field, value string, mods fieldModifiers) valueMatcher {
	switch mods.mode {
	case modRegex:
		re, err := util.CompileRegex(value, b.regexTimeout)
		if err != nil {
			b.logger.Warnw("invalid regex value never matches", "field", field, "pattern", value, "error", err)
			return valueMatcher{kind: kindNever}
		}
		return valueMatcher{kind: kindRegex, re: re}
	case modCIDR:
		ip, mask, err := parseCIDRv4(value)
		if err != nil {
			b.logger.Warnw("invalid cidr value never matches", "field", field, "value", value, "error", err)
			return valueMatcher{kind: kindNever}
		}
		return valueMatcher{kind: kindCIDR, cidrIP: ip, cidrMk: mask}
	case modContains:
		return valueMatcher{kind: kindContains, needle: fold(value, mods.cased), cased: mods.cased}
	case modStartsWith:
		return valueMatcher{kind: kindPrefix, needle: fold(value, mods.cased), cased: mods.cased}
	case modEndsWith:
		return valueMatcher{kind: kindSuffix, needle: fold(value, mods.cased), cased: mods.cased}
	default:
		return valueMatcher{kind: kindEquals, needle: fold(value, mods.cased), cased: mods.cased}
	}
}

// parseCIDRv4 parses "a.b.c.d/n" into a masked network address and mask.
func parseCIDRv4(value string) (uint32, uint32, error) {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(value))
	if err != nil {
		return 0, 0, err
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return 0, 0, fmt.Errorf("cidr %q is not IPv4", value)
	}
	mask := net.IP(ipnet.Mask).To4()
	if mask == nil {
		return 0, 0, fmt.Errorf("cidr %q has no IPv4 mask", value)
	}
	m := binary.BigEndian.Uint32(mask)
	return binary.BigEndian.Uint32(v4) & m, m, nil
}

// normalizeValues flattens the YAML value side into a scalar list.
func normalizeValues(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case map[string]any:
		return nil, false
	default:
		return []any{v}, true
	}
}

// detectionBlock is one compiled named block. A map body is the AND of
// its field predicates; a list body is the OR of its map items.
type detectionBlock struct {
	name         string
	alternatives [][]*fieldPredicate
}

func (blk *detectionBlock) match(fr *FieldReader, ev *core.Event) bool {
	for _, preds := range blk.alternatives {
		if allPredicatesMatch(preds, fr, ev) {
			return true
		}
	}
	return false
}

func allPredicatesMatch(preds []*fieldPredicate, fr *FieldReader, ev *core.Event) bool {
	for _, p := range preds {
		if !p.match(fr, ev) {
			return false
		}
	}
	return true
}

func (b *predicateBuilder) buildBlock(name string, body any) (*detectionBlock, error) {
	blk := &detectionBlock{name: name}
	switch v := body.(type) {
	case map[string]any:
		preds, err := b.buildPredicateList(v)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", name, err)
		}
		blk.alternatives = [][]*fieldPredicate{preds}
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("block %q: empty list", name)
		}
		for i, item := range v {
			fields, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("block %q: list item %d is %T, want a field map", name, i, item)
			}
			preds, err := b.buildPredicateList(fields)
			if err != nil {
				return nil, fmt.Errorf("block %q item %d: %w", name, i, err)
			}
			blk.alternatives = append(blk.alternatives, preds)
		}
	default:
		return nil, fmt.Errorf("block %q: unsupported body type %T", name, body)
	}
	return blk, nil
}

// buildPredicateList compiles a field map in sorted key order so block
// evaluation is deterministic.
func (b *predicateBuilder) buildPredicateList(fields map[string]any) ([]*fieldPredicate, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields")
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]*fieldPredicate, 0, len(keys))
	for _, k := range keys {
		p, err := b.buildFieldPredicate(k, fields[k])
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}
