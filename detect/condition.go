package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"argus/core"
)

// tokenType identifies a lexical token in a condition expression.
type tokenType int

const (
	tokenAnd tokenType = iota
	tokenOr
	tokenNot
	tokenAll
	tokenOf
	tokenThem
	tokenNumber
	tokenWildcard
	tokenIdentifier
	tokenLParen
	tokenRParen
)

var tokenNames = map[tokenType]string{
	tokenAnd:        "and",
	tokenOr:         "or",
	tokenNot:        "not",
	tokenAll:        "all",
	tokenOf:         "of",
	tokenThem:       "them",
	tokenNumber:     "number",
	tokenWildcard:   "wildcard",
	tokenIdentifier: "identifier",
	tokenLParen:     "(",
	tokenRParen:     ")",
}

type token struct {
	typ   tokenType
	value string
	pos   int
}

// tokenPatterns are tried in order at each position; keywords precede
// identifiers so "and" lexes as a keyword, not a block name.
var tokenPatterns = []struct {
	typ tokenType
	re  *regexp.Regexp
}{
	{tokenAnd, regexp.MustCompile(`^(?i)\band\b`)},
	{tokenOr, regexp.MustCompile(`^(?i)\bor\b`)},
	{tokenNot, regexp.MustCompile(`^(?i)\bnot\b`)},
	{tokenAll, regexp.MustCompile(`^(?i)\ball\b`)},
	{tokenOf, regexp.MustCompile(`^(?i)\bof\b`)},
	{tokenThem, regexp.MustCompile(`^(?i)\bthem\b`)},
	{tokenNumber, regexp.MustCompile(`^\d+\b`)},
	{tokenWildcard, regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*\*`)},
	{tokenIdentifier, regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*`)},
	{tokenLParen, regexp.MustCompile(`^\(`)},
	{tokenRParen, regexp.MustCompile(`^\)`)},
}

// ParseError reports why and where a condition expression was rejected.
type ParseError struct {
	Condition string
	Position  int
	Message   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("condition %q: %s (position %d)", e.Condition, e.Message, e.Position)
}

func tokenize(condition string) ([]token, error) {
	var tokens []token
	pos := 0
	for pos < len(condition) {
		rest := condition[pos:]
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		pos += len(rest) - len(trimmed)
		if pos >= len(condition) {
			break
		}
		rest = condition[pos:]

		matched := false
		for _, tp := range tokenPatterns {
			if loc := tp.re.FindStringIndex(rest); loc != nil {
				tokens = append(tokens, token{typ: tp.typ, value: rest[:loc[1]], pos: pos})
				pos += loc[1]
				matched = true
				break
			}
		}
		if !matched {
			return nil, &ParseError{Condition: condition, Position: pos,
				Message: fmt.Sprintf("unexpected character %q", rest[0])}
		}
	}
	if len(tokens) == 0 {
		return nil, &ParseError{Condition: condition, Message: "empty condition"}
	}
	return tokens, nil
}

// blockScope resolves block names during one (rule, event) evaluation.
// Each block's predicate runs at most once; the scope memoizes results
// so shared sub-expressions and quantifiers stay cheap.
type blockScope struct {
	blocks map[string]*detectionBlock
	fr     *FieldReader
	ev     *core.Event
	memo   map[string]bool
}

func newBlockScope(blocks map[string]*detectionBlock, fr *FieldReader, ev *core.Event) *blockScope {
	return &blockScope{blocks: blocks, fr: fr, ev: ev, memo: make(map[string]bool, len(blocks))}
}

func (s *blockScope) match(name string) bool {
	if v, ok := s.memo[name]; ok {
		return v
	}
	blk := s.blocks[name]
	v := blk != nil && blk.match(s.fr, s.ev)
	s.memo[name] = v
	return v
}

// ConditionNode is one node of a parsed condition expression. Evaluation
// is lazy and short-circuiting against the scope.
type ConditionNode interface {
	eval(s *blockScope) bool
}

type refNode struct{ name string }

func (n *refNode) eval(s *blockScope) bool { return s.match(n.name) }

type notNode struct{ child ConditionNode }

func (n *notNode) eval(s *blockScope) bool { return !n.child.eval(s) }

type andNode struct{ left, right ConditionNode }

func (n *andNode) eval(s *blockScope) bool { return n.left.eval(s) && n.right.eval(s) }

type orNode struct{ left, right ConditionNode }

func (n *orNode) eval(s *blockScope) bool { return n.left.eval(s) || n.right.eval(s) }

type quantMode int

const (
	oneOf quantMode = iota
	allOf
)

// quantNode is a "1 of x" / "all of x" quantifier with its pattern
// already resolved to concrete block names.
type quantNode struct {
	mode  quantMode
	names []string
}

func (n *quantNode) eval(s *blockScope) bool {
	if n.mode == oneOf {
		for _, name := range n.names {
			if s.match(name) {
				return true
			}
		}
		return false
	}
	for _, name := range n.names {
		if !s.match(name) {
			return false
		}
	}
	return true
}

// conditionParser is a recursive-descent parser over the token stream.
// Precedence, loosest first: or, and, not, primary.
type conditionParser struct {
	condition  string
	tokens     []token
	pos        int
	blockNames []string
	blockSet   map[string]struct{}
}

// parseCondition parses one condition alternative against the rule's
// block names. Wildcards and "them" resolve at parse time; references to
// unknown blocks are errors.
func parseCondition(condition string, blockNames []string) (ConditionNode, error) {
	tokens, err := tokenize(condition)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(blockNames))
	for _, name := range blockNames {
		set[name] = struct{}{}
	}
	sorted := append([]string(nil), blockNames...)
	sort.Strings(sorted)

	p := &conditionParser{condition: condition, tokens: tokens, blockNames: sorted, blockSet: set}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, p.errorAt(p.tokens[p.pos].pos, fmt.Sprintf("unexpected %q after expression", p.tokens[p.pos].value))
	}
	return node, nil
}

func (p *conditionParser) errorAt(pos int, msg string) error {
	return &ParseError{Condition: p.condition, Position: pos, Message: msg}
}

func (p *conditionParser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *conditionParser) consume() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *conditionParser) expect(typ tokenType) (token, error) {
	t, ok := p.consume()
	if !ok {
		return token{}, p.errorAt(len(p.condition), fmt.Sprintf("expected %s, found end of condition", tokenNames[typ]))
	}
	if t.typ != typ {
		return token{}, p.errorAt(t.pos, fmt.Sprintf("expected %s, found %q", tokenNames[typ], t.value))
	}
	return t, nil
}

func (p *conditionParser) parseOr() (ConditionNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.typ != tokenOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
}

func (p *conditionParser) parseAnd() (ConditionNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.typ != tokenAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
}

func (p *conditionParser) parseNot() (ConditionNode, error) {
	t, ok := p.peek()
	if ok && t.typ == tokenNot {
		p.pos++
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{child: child}, nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (ConditionNode, error) {
	t, ok := p.consume()
	if !ok {
		return nil, p.errorAt(len(p.condition), "expected expression, found end of condition")
	}

	switch t.typ {
	case tokenLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return node, nil

	case tokenNumber:
		if t.value != "1" {
			return nil, p.errorAt(t.pos, fmt.Sprintf("only \"1 of\" quantifiers are supported, found %q", t.value))
		}
		if _, err := p.expect(tokenOf); err != nil {
			return nil, err
		}
		names, err := p.parsePattern()
		if err != nil {
			return nil, err
		}
		return &quantNode{mode: oneOf, names: names}, nil

	case tokenAll:
		if _, err := p.expect(tokenOf); err != nil {
			return nil, err
		}
		names, err := p.parsePattern()
		if err != nil {
			return nil, err
		}
		return &quantNode{mode: allOf, names: names}, nil

	case tokenIdentifier:
		if _, known := p.blockSet[t.value]; !known {
			return nil, p.errorAt(t.pos, fmt.Sprintf("unknown block %q", t.value))
		}
		return &refNode{name: t.value}, nil

	case tokenWildcard:
		return nil, p.errorAt(t.pos, fmt.Sprintf("wildcard %q is only valid after \"of\"", t.value))

	default:
		return nil, p.errorAt(t.pos, fmt.Sprintf("unexpected %q", t.value))
	}
}

// parsePattern resolves the pattern after "of": an exact block name,
// "them", or a trailing-* wildcard. Resolution happens here, at parse
// time, so evaluation never sees an unresolved pattern.
func (p *conditionParser) parsePattern() ([]string, error) {
	t, ok := p.consume()
	if !ok {
		return nil, p.errorAt(len(p.condition), "expected block pattern, found end of condition")
	}

	switch t.typ {
	case tokenThem:
		if len(p.blockNames) == 0 {
			return nil, p.errorAt(t.pos, "\"them\" matches no blocks")
		}
		return p.blockNames, nil

	case tokenWildcard:
		prefix := strings.TrimSuffix(t.value, "*")
		var names []string
		for _, name := range p.blockNames {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return nil, p.errorAt(t.pos, fmt.Sprintf("pattern %q matches no blocks", t.value))
		}
		return names, nil

	case tokenIdentifier:
		if _, known := p.blockSet[t.value]; !known {
			return nil, p.errorAt(t.pos, fmt.Sprintf("unknown block %q", t.value))
		}
		return []string{t.value}, nil

	default:
		return nil, p.errorAt(t.pos, fmt.Sprintf("expected block pattern, found %q", t.value))
	}
}
