package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled condition or value expression.
//
// Supported: comparison (== != > < >= <=), logic (&& || !), arithmetic
// (+ - * /), parentheses, number/string/bool literals and dot-notation
// variable access ("result.score" reads vars["result"]["score"]).
type Expr struct {
	source string
	root   exprNode
}

// Compile parses an expression once so it can be evaluated many times.
func Compile(expr string) (*Expr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return &Expr{source: expr, root: root}, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.source }

// Eval returns the expression's value.
func (e *Expr) Eval(vars map[string]any) (any, error) {
	return e.root.eval(vars)
}

// Bool evaluates the expression as a condition. Evaluation errors count as
// false.
func (e *Expr) Bool(vars map[string]any) bool {
	v, err := e.root.eval(vars)
	if err != nil {
		return false
	}
	return toBool(v)
}

// --- AST ---

type exprNode interface {
	eval(vars map[string]any) (any, error)
}

type literal struct{ value any }

func (n literal) eval(map[string]any) (any, error) { return n.value, nil }

type variable struct{ path []string }

func (n variable) eval(vars map[string]any) (any, error) {
	var current any = vars
	for _, part := range n.path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nil
		}
		if current, ok = m[part]; !ok {
			return nil, nil
		}
	}
	return current, nil
}

type not struct{ operand exprNode }

func (n not) eval(vars map[string]any) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	return !toBool(v), nil
}

type binary struct {
	op          string
	left, right exprNode
}

func (n binary) eval(vars map[string]any) (any, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	// && and || short-circuit.
	switch n.op {
	case "&&":
		if !toBool(left) {
			return false, nil
		}
	case "||":
		if toBool(left) {
			return true, nil
		}
	}
	right, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&", "||":
		return toBool(right), nil
	case "==", "!=", ">", "<", ">=", "<=":
		return compare(left, n.op, right), nil
	default:
		return arithmetic(left, n.op, right)
	}
}

// --- Tokenizer ---

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
		case ch == '"' || ch == '\'':
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			tokens = append(tokens, token{tkOp, string(runes[i : i+2])})
			i += 2
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && isNumberStart(tokens)):
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
		case strings.ContainsRune("><!+-*/", ch):
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
		case isIdentStart(ch):
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = n
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
		}
	}
	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) {
			i++
			sb.WriteRune(runes[i])
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// isNumberStart reports whether a '-' starts a negative literal rather than
// a subtraction: at the start, or after an operator or '('.
func isNumberStart(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// --- Parser ---

// Precedence, lowest first: || && comparison +- */ unary.
type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	v := p.tokens[p.pos].value
	for _, op := range ops {
		if v == op {
			return v, true
		}
	}
	return "", false
}

func (p *exprParser) binaryLevel(next func() (exprNode, error), ops ...string) (exprNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp(ops...)
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseOr() (exprNode, error) {
	return p.binaryLevel(p.parseAnd, "||")
}

func (p *exprParser) parseAnd() (exprNode, error) {
	return p.binaryLevel(p.parseComparison, "&&")
}

// parseComparison does not chain: "a < b < c" is an error.
func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return binary{op: op, left: left, right: right}, nil
}

func (p *exprParser) parseAdditive() (exprNode, error) {
	return p.binaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *exprParser) parseMultiplicative() (exprNode, error) {
	return p.binaryLevel(p.parseUnary, "*", "/")
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.value)
		}
		return literal{f}, nil
	case tkString:
		return literal{t.value}, nil
	case tkIdent:
		switch t.value {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		}
		return variable{path: strings.Split(t.value, ".")}, nil
	case tkLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.value)
}

// --- Evaluation helpers ---

// compare treats nil as less than any value; two nils are equal. Numbers
// compare numerically, everything else by string form.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		var c int
		switch {
		case left == nil && right == nil:
			c = 0
		case left == nil:
			c = -1
		default:
			c = 1
		}
		return ordered(c, op)
	}

	if lf, ok := toFloat64(left); ok {
		if rf, ok := toFloat64(right); ok {
			switch {
			case lf < rf:
				return ordered(-1, op)
			case lf > rf:
				return ordered(1, op)
			}
			return ordered(0, op)
		}
	}
	return ordered(strings.Compare(fmt.Sprint(left), fmt.Sprint(right)), op)
}

func ordered(c int, op string) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

// arithmetic returns an int when both operands are integral and the
// operator is not division, so counters stay ints in workflow state.
func arithmetic(left any, op string, right any) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			return ls + fmt.Sprint(right), nil
		}
	}
	if left == nil {
		left = 0
	}
	if right == nil {
		right = 0
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", op, left, right)
	}

	var out float64
	switch op {
	case "+":
		out = lf + rf
	case "-":
		out = lf - rf
	case "*":
		out = lf * rf
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	if out == float64(int64(out)) && integral(left) && integral(right) {
		return int(out), nil
	}
	return out, nil
}

func integral(v any) bool {
	switch n := v.(type) {
	case int, int64, int32:
		return true
	case float64:
		return n == float64(int64(n))
	}
	return false
}

func toBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	}
	return true
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}
