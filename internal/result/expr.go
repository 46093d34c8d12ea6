package result

import (
	"fmt"
	"strconv"
	"strings"
)

// The expression grammar, smallest first:
//
//	or         := and { "or" and }
//	and        := not { "and" not }
//	not        := "not" not | comparison
//	comparison := operand [ ("==" "!=" "<" ">" "<=" ">=") operand ]
//	operand    := literal | key | func "(" key ")" | "(" or ")"
//
// Keys resolve against the parsed mapping; the builtin key return_value is
// the process exit code. Functions (len, sum, avg, min, max) aggregate all
// captured values of a key. Boolean operators evaluate both operands, so a
// missing key is always surfaced no matter where it appears.

// Expression is a compiled verdict expression.
type Expression struct {
	src  string
	root node
}

// Source returns the expression text as configured.
func (e *Expression) Source() string { return e.src }

// Eval evaluates the expression against parsed output and the run's exit
// code. The result must be a boolean; anything else, a missing key, or a
// type mismatch is an EvaluationError.
func (e *Expression) Eval(parsed Parsed, exitCode int) (bool, error) {
	v, err := e.root.eval(&evalEnv{parsed: parsed, exitCode: exitCode})
	if err != nil {
		return false, &EvaluationError{Expr: e.src, Msg: err.Error()}
	}
	if v.Kind() != KindBool {
		return false, &EvaluationError{
			Expr: e.src,
			Msg:  fmt.Sprintf("evaluated to %s %q, not a boolean", v.Kind(), v.String()),
		}
	}
	return v.Bool(), nil
}

// CompileExpression parses an expression, returning a ParseError on any
// syntax problem. Compile at configuration time so bad expressions never
// reach a running series.
func CompileExpression(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, &ParseError{Target: src, Msg: err.Error()}
	}
	p := &exprParser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, &ParseError{Target: src, Msg: err.Error()}
	}
	if p.peek().kind != tokEOF {
		return nil, &ParseError{Target: src, Msg: fmt.Sprintf("unexpected %q at position %d", p.peek().text, p.peek().pos)}
	}
	return &Expression{src: src, root: root}, nil
}

type evalEnv struct {
	parsed   Parsed
	exitCode int
}

// scalar resolves a key to a single value: the exit code for return_value,
// otherwise the first captured value.
func (ev *evalEnv) scalar(name string) (Value, error) {
	if name == "return_value" {
		return intValue(int64(ev.exitCode)), nil
	}
	values, ok := ev.parsed[name]
	if !ok || len(values) == 0 {
		return Value{}, fmt.Errorf("key %q not present in parsed results", name)
	}
	return stringValue(values[0]), nil
}

// list resolves a key to all its captured values.
func (ev *evalEnv) list(name string) ([]Value, error) {
	if name == "return_value" {
		return []Value{intValue(int64(ev.exitCode))}, nil
	}
	values, ok := ev.parsed[name]
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("key %q not present in parsed results", name)
	}
	out := make([]Value, len(values))
	for i, s := range values {
		out[i] = stringValue(s)
	}
	return out, nil
}

type node interface {
	eval(ev *evalEnv) (Value, error)
}

type literalNode struct{ val Value }

func (n literalNode) eval(*evalEnv) (Value, error) { return n.val, nil }

type keyNode struct{ name string }

func (n keyNode) eval(ev *evalEnv) (Value, error) { return ev.scalar(n.name) }

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(ev *evalEnv) (Value, error) {
	left, err := n.left.eval(ev)
	if err != nil {
		return Value{}, err
	}
	right, err := n.right.eval(ev)
	if err != nil {
		return Value{}, err
	}
	ok, err := compare(n.op, left, right)
	if err != nil {
		return Value{}, err
	}
	return boolValue(ok), nil
}

type logicalNode struct {
	op          string
	left, right node
}

func (n logicalNode) eval(ev *evalEnv) (Value, error) {
	left, err := n.left.eval(ev)
	if err != nil {
		return Value{}, err
	}
	right, err := n.right.eval(ev)
	if err != nil {
		return Value{}, err
	}
	if left.Kind() != KindBool || right.Kind() != KindBool {
		return Value{}, fmt.Errorf("%s requires boolean operands", n.op)
	}
	if n.op == "and" {
		return boolValue(left.Bool() && right.Bool()), nil
	}
	return boolValue(left.Bool() || right.Bool()), nil
}

type notNode struct{ operand node }

func (n notNode) eval(ev *evalEnv) (Value, error) {
	v, err := n.operand.eval(ev)
	if err != nil {
		return Value{}, err
	}
	if v.Kind() != KindBool {
		return Value{}, fmt.Errorf("not requires a boolean operand")
	}
	return boolValue(!v.Bool()), nil
}

type callNode struct {
	fn  string
	key string
}

func (n callNode) eval(ev *evalEnv) (Value, error) {
	values, err := ev.list(n.key)
	if err != nil {
		return Value{}, err
	}
	if n.fn == "len" {
		return intValue(int64(len(values))), nil
	}

	nums := make([]float64, len(values))
	for i, v := range values {
		c := v.coerce()
		if c.Kind() != KindInt && c.Kind() != KindFloat {
			return Value{}, fmt.Errorf("%s(%s): value %q is not numeric", n.fn, n.key, v.String())
		}
		nums[i] = c.asFloat()
	}

	switch n.fn {
	case "sum", "avg":
		total := 0.0
		for _, f := range nums {
			total += f
		}
		if n.fn == "avg" {
			total /= float64(len(nums))
		}
		return floatValue(total), nil
	case "min", "max":
		best := nums[0]
		for _, f := range nums[1:] {
			if (n.fn == "min" && f < best) || (n.fn == "max" && f > best) {
				best = f
			}
		}
		return floatValue(best), nil
	}
	return Value{}, fmt.Errorf("unknown function %s", n.fn)
}

var exprFuncs = map[string]bool{
	"len": true, "sum": true, "avg": true, "min": true, "max": true,
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected %q at position %d", op, start)
			}
			toks = append(toks, token{tokOp, op, start})
		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			for i < len(src) && src[i] != quote {
				i++
			}
			if i >= len(src) {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			toks = append(toks, token{tokString, src[start+1 : i], start})
			i++
		case c >= '0' && c <= '9' || c == '-':
			start := i
			if c == '-' {
				i++
				if i >= len(src) || src[i] < '0' || src[i] > '9' {
					return nil, fmt.Errorf("unexpected %q at position %d", "-", start)
				}
			}
			kind := tokInt
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				if src[i] == '.' {
					if kind == tokFloat {
						return nil, fmt.Errorf("malformed number at position %d", start)
					}
					kind = tokFloat
				}
				i++
			}
			toks = append(toks, token{kind, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected %q at position %d", string(c), i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type exprParser struct {
	src  string
	toks []token
	pos  int
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (node, error) {
	if p.peek().kind == tokIdent && p.peek().text == "not" {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *exprParser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q at position %d", t.text, t.pos)
		}
		return literalNode{val: intValue(i)}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q at position %d", t.text, t.pos)
		}
		return literalNode{val: floatValue(f)}, nil
	case tokString:
		return literalNode{val: stringValue(t.text)}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing ) at position %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalNode{val: boolValue(true)}, nil
		case "false":
			return literalNode{val: boolValue(false)}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
		}
		if p.peek().kind == tokLParen {
			if !exprFuncs[t.text] {
				return nil, fmt.Errorf("unknown function %q at position %d; have %s",
					t.text, t.pos, strings.Join(funcNames(), ", "))
			}
			p.next()
			arg := p.next()
			if arg.kind != tokIdent {
				return nil, fmt.Errorf("%s() takes a key name, got %q", t.text, arg.text)
			}
			if p.peek().kind != tokRParen {
				return nil, fmt.Errorf("missing ) at position %d", p.peek().pos)
			}
			p.next()
			return callNode{fn: t.text, key: arg.text}, nil
		}
		return keyNode{name: t.text}, nil
	}
	return nil, fmt.Errorf("unexpected end of expression")
}

func funcNames() []string {
	return []string{"avg", "len", "max", "min", "sum"}
}
