// Package selector evaluates message selector expressions against message headers.
//
// The supported grammar is the header-equality subset of SQL-92 conditional
// expressions used by message brokers:
//
//	expr    = term { OR term }
//	term    = factor { AND factor }
//	factor  = NOT factor | "(" expr ")" | ident ( "=" | "<>" ) literal | ident IS [NOT] NULL
//	literal = 'quoted string' | number | TRUE | FALSE
//
// Keywords are case-insensitive. Evaluation uses SQL three-valued logic: a
// comparison against a missing header is unknown, NOT unknown stays unknown,
// and a message is selected only when the whole expression is true.
package selector

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrSyntax is returned for malformed selector expressions
var ErrSyntax = errors.New("selector: syntax error")

// Selector is a compiled selector expression
type Selector struct {
	source string
	root   node
}

// Parse compiles a selector expression. An empty or blank expression matches everything.
func Parse(expr string) (*Selector, error) {
	s := &Selector{source: expr}
	if strings.TrimSpace(expr) == "" {
		return s, nil
	}

	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	s.root = root
	return s, nil
}

// MustParse is like Parse but panics on error
func MustParse(expr string) *Selector {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether headers satisfy the selector
func (s *Selector) Matches(headers map[string]string) bool {
	if s == nil || s.root == nil {
		return true
	}
	return s.root.eval(headers) == truthTrue
}

// String returns the source expression
func (s *Selector) String() string {
	return s.source
}

type truth int8

const (
	truthUnknown truth = iota
	truthFalse
	truthTrue
)

func truthOf(b bool) truth {
	if b {
		return truthTrue
	}
	return truthFalse
}

type node interface {
	eval(headers map[string]string) truth
}

type orNode struct{ left, right node }

func (n orNode) eval(h map[string]string) truth {
	l, r := n.left.eval(h), n.right.eval(h)
	switch {
	case l == truthTrue || r == truthTrue:
		return truthTrue
	case l == truthFalse && r == truthFalse:
		return truthFalse
	default:
		return truthUnknown
	}
}

type andNode struct{ left, right node }

func (n andNode) eval(h map[string]string) truth {
	l, r := n.left.eval(h), n.right.eval(h)
	switch {
	case l == truthFalse || r == truthFalse:
		return truthFalse
	case l == truthTrue && r == truthTrue:
		return truthTrue
	default:
		return truthUnknown
	}
}

type notNode struct{ inner node }

func (n notNode) eval(h map[string]string) truth {
	switch n.inner.eval(h) {
	case truthTrue:
		return truthFalse
	case truthFalse:
		return truthTrue
	default:
		return truthUnknown
	}
}

type compareNode struct {
	ident  string
	value  string
	negate bool
}

func (n compareNode) eval(h map[string]string) truth {
	v, ok := h[n.ident]
	if !ok {
		return truthUnknown
	}
	return truthOf((v == n.value) != n.negate)
}

type nullNode struct {
	ident  string
	negate bool
}

func (n nullNode) eval(h map[string]string) truth {
	_, ok := h[n.ident]
	return truthOf(ok == n.negate)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokEq
	tokNeq
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '=':
			toks = append(toks, token{kind: tokEq, text: "=", pos: i})
			i++
		case r == '<':
			if i+1 >= len(runes) || runes[i+1] != '>' {
				return nil, fmt.Errorf("%w: expected <> at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{kind: tokNeq, text: "<>", pos: i})
			i += 2
		case r == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					// '' is an escaped quote
					if i+1 < len(runes) && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case unicode.IsDigit(r) || r == '-' || r == '+':
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(runes[start:i]), pos: start})
		case unicode.IsLetter(r) || r == '_' || r == '$':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$' || runes[i] == '.' || runes[i] == '-') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(runes[start:i]), pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, r, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{text: "end of input", pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) keyword(word string) bool {
	if p.done() {
		return false
	}
	t := p.toks[p.pos]
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}

	t := p.peek()
	if p.done() {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrSyntax)
	}

	if t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.toks[p.pos].kind != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrSyntax)
		}
		p.pos++
		return inner, nil
	}

	if t.kind != tokIdent || isReserved(t.text) {
		return nil, fmt.Errorf("%w: expected identifier at offset %d, got %q", ErrSyntax, t.pos, t.text)
	}
	p.pos++
	ident := t.text

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("%w: expected NULL after IS", ErrSyntax)
		}
		return nullNode{ident: ident, negate: negate}, nil
	}

	op := p.peek()
	if p.done() || (op.kind != tokEq && op.kind != tokNeq) {
		return nil, fmt.Errorf("%w: expected = or <> after %q", ErrSyntax, ident)
	}
	p.pos++

	lit := p.peek()
	if p.done() {
		return nil, fmt.Errorf("%w: expected literal after %s", ErrSyntax, op.text)
	}
	var value string
	switch {
	case lit.kind == tokString || lit.kind == tokNumber:
		value = lit.text
	case lit.kind == tokIdent && (strings.EqualFold(lit.text, "TRUE") || strings.EqualFold(lit.text, "FALSE")):
		value = strings.ToLower(lit.text)
	default:
		return nil, fmt.Errorf("%w: expected literal at offset %d, got %q", ErrSyntax, lit.pos, lit.text)
	}
	p.pos++

	return compareNode{ident: ident, value: value, negate: op.kind == tokNeq}, nil
}

func isReserved(word string) bool {
	switch strings.ToUpper(word) {
	case "AND", "OR", "NOT", "IS", "NULL", "TRUE", "FALSE":
		return true
	}
	return false
}
