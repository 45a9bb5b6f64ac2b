package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed condition or value expression.
type Expr interface {
	eval(s *scope) (any, error)
}

// ── lexer ────────────────────────────────────────────────────────────────────

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokStr
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case r == '"' || r == '\'':
			j := i + 1
			var sb strings.Builder
			for j < len(rs) && rs[j] != r {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				sb.WriteRune(rs[j])
				j++
			}
			if j >= len(rs) {
				return nil, errors.New("unterminated string")
			}
			toks = append(toks, token{kind: tokStr, text: sb.String()})
			i = j + 1
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(string(rs[i:j]), 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", string(rs[i:j]))
			}
			toks = append(toks, token{kind: tokNum, text: string(rs[i:j]), num: f})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		default:
			op := string(r)
			if i+1 < len(rs) {
				if two := string(rs[i : i+2]); isTwoCharOp(two) {
					op = two
				}
			}
			if !isOneCharOp(op) && !isTwoCharOp(op) {
				return nil, fmt.Errorf("unexpected character %q", r)
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += len([]rune(op))
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", "<=", ">=", "&&", "||":
		return true
	}
	return false
}

func isOneCharOp(s string) bool {
	switch s {
	case "<", ">", "!", "+", "-", "*", "/", "%":
		return true
	}
	return false
}

// ── parser ───────────────────────────────────────────────────────────────────

type parser struct {
	toks []token
	pos  int
}

// ParseExpr parses a DSL expression.
func ParseExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// accept consumes the next token when it is one of the given operators or
// keywords.
func (p *parser) accept(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("||", "or"); !ok {
			return left, nil
		}
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = logical{op: "||", l: left, r: right}
	}
}

func (p *parser) and() (Expr, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("&&", "and"); !ok {
			return left, nil
		}
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = logical{op: "&&", l: left, r: right}
	}
}

func (p *parser) not() (Expr, error) {
	if _, ok := p.accept("!", "not"); ok {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return negation{x: x}, nil
	}
	return p.cmp()
}

func (p *parser) cmp() (Expr, error) {
	left, err := p.add()
	if err != nil {
		return nil, err
	}
	op, ok := p.accept("==", "!=", "<", "<=", ">", ">=", "contains")
	if !ok {
		return left, nil
	}
	right, err := p.add()
	if err != nil {
		return nil, err
	}
	return binary{op: op, l: left, r: right}, nil
}

func (p *parser) add() (Expr, error) {
	left, err := p.mul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.mul()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
}

func (p *parser) mul() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
}

func (p *parser) unary() (Expr, error) {
	if _, ok := p.accept("-"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return binary{op: "-", l: literal{v: 0.0}, r: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return literal{v: t.num}, nil
	case tokStr:
		return literal{v: t.text}, nil
	case tokLParen:
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errors.New("missing )")
		}
		return e, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "none", "nil":
			return literal{v: nil}, nil
		}
		return ident{name: t.text}, nil
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

// ── evaluation ───────────────────────────────────────────────────────────────

type literal struct{ v any }

func (l literal) eval(*scope) (any, error) { return l.v, nil }

type ident struct{ name string }

func (i ident) eval(s *scope) (any, error) {
	v, _ := s.lookup(i.name)
	return v, nil
}

type negation struct{ x Expr }

func (n negation) eval(s *scope) (any, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logical struct {
	op   string
	l, r Expr
}

func (e logical) eval(s *scope) (any, error) {
	lv, err := e.l.eval(s)
	if err != nil {
		return nil, err
	}
	if e.op == "&&" && !truthy(lv) {
		return false, nil
	}
	if e.op == "||" && truthy(lv) {
		return true, nil
	}
	rv, err := e.r.eval(s)
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

type binary struct {
	op   string
	l, r Expr
}

func (e binary) eval(s *scope) (any, error) {
	lv, err := e.l.eval(s)
	if err != nil {
		return nil, err
	}
	rv, err := e.r.eval(s)
	if err != nil {
		return nil, err
	}

	switch e.op {
	case "==":
		return equal(lv, rv), nil
	case "!=":
		return !equal(lv, rv), nil
	case "contains":
		return strings.Contains(Format(lv), Format(rv)), nil
	}

	lf, lnum := number(lv)
	rf, rnum := number(rv)

	if e.op == "+" && (!lnum || !rnum) {
		return Format(lv) + Format(rv), nil
	}

	switch e.op {
	case "<", "<=", ">", ">=":
		if lnum && rnum {
			return compare(e.op, lf, rf), nil
		}
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if lok && rok {
			return compare(e.op, float64(strings.Compare(ls, rs)), 0), nil
		}
		return nil, fmt.Errorf("cannot compare %v %s %v", lv, e.op, rv)
	}

	if !lnum || !rnum {
		return nil, fmt.Errorf("operator %s needs numbers, got %v and %v", e.op, lv, rv)
	}
	switch e.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	case "%":
		if int64(rf) == 0 {
			return nil, errors.New("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("unknown operator %s", e.op)
}

func compare(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return Format(a) == Format(b)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}

// Format renders a value for substitution into prompt text. Integral
// numbers print without a fraction.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	}
	return fmt.Sprint(v)
}

// Eval evaluates e against vars.
func Eval(e Expr, vars map[string]any) (any, error) {
	return e.eval(&scope{vars: vars})
}
