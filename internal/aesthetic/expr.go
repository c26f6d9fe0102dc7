package aesthetic

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/cockroachdb/errors"
)

// Lambda is a compiled single-parameter expression such as
// "d => d > 0.5 ? 1 : 0". Booleans are numbers: comparisons yield 1 or 0 and
// any value other than 0 or NaN is true.
type Lambda struct {
	Source string
	Param  string
	body   Expr
	// customs names each registered function the lambda bound, with the
	// registration generation it saw.
	customs []string
}

// Eval applies the lambda to x.
func (l *Lambda) Eval(x float64) float64 { return l.body.Eval(x) }

// Key identifies what the lambda computes: its source plus the generation of
// every registered function it calls.
func (l *Lambda) Key() string {
	if len(l.customs) == 0 {
		return l.Source
	}
	return l.Source + "|" + strings.Join(l.customs, ",")
}

// Expr is a node of a lambda body.
type Expr interface {
	Eval(param float64) float64
}

type (
	// ParamRef reads the lambda parameter.
	ParamRef struct{}
	// Number is a literal.
	Number float64
	// Unary applies - or ! to its operand.
	Unary struct {
		Op string
		X  Expr
	}
	// Binary applies an arithmetic or logical operator.
	Binary struct {
		Op   string
		L, R Expr
	}
	// Compare applies a comparison, yielding 1 or 0.
	Compare struct {
		Op   string
		L, R Expr
	}
	// Conditional is cond ? then : else.
	Conditional struct {
		Cond, Then, Else Expr
	}
	// Call invokes a built-in math function.
	Call struct {
		Name string
		Args []Expr
		fn   func(args []float64) float64
	}
	// Custom invokes a function registered with RegisterLambda.
	Custom struct {
		Name string
		Arg  Expr
		fn   func(float64) float64
	}
)

func truthy(v float64) bool { return v != 0 && !math.IsNaN(v) }

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (ParamRef) Eval(p float64) float64 { return p }

func (n Number) Eval(float64) float64 { return float64(n) }

func (u Unary) Eval(p float64) float64 {
	v := u.X.Eval(p)
	if u.Op == "!" {
		return boolean(!truthy(v))
	}
	return -v
}

func (b Binary) Eval(p float64) float64 {
	switch b.Op {
	case "&&":
		l := b.L.Eval(p)
		if !truthy(l) {
			return l
		}
		return b.R.Eval(p)
	case "||":
		l := b.L.Eval(p)
		if truthy(l) {
			return l
		}
		return b.R.Eval(p)
	}
	l, r := b.L.Eval(p), b.R.Eval(p)
	switch b.Op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		return l / r
	case "%":
		return math.Mod(l, r)
	}
	return math.NaN()
}

func (c Compare) Eval(p float64) float64 {
	l, r := c.L.Eval(p), c.R.Eval(p)
	switch c.Op {
	case "<":
		return boolean(l < r)
	case "<=":
		return boolean(l <= r)
	case ">":
		return boolean(l > r)
	case ">=":
		return boolean(l >= r)
	case "==", "===":
		return boolean(l == r)
	case "!=", "!==":
		return boolean(l != r)
	}
	return math.NaN()
}

func (c Conditional) Eval(p float64) float64 {
	if truthy(c.Cond.Eval(p)) {
		return c.Then.Eval(p)
	}
	return c.Else.Eval(p)
}

func (c Call) Eval(p float64) float64 {
	args := make([]float64, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.Eval(p)
	}
	return c.fn(args)
}

func (c Custom) Eval(p float64) float64 { return c.fn(c.Arg.Eval(p)) }

type builtin struct {
	arity int // -1 for variadic with at least one argument
	fn    func(args []float64) float64
}

func unary(f func(float64) float64) builtin {
	return builtin{arity: 1, fn: func(a []float64) float64 { return f(a[0]) }}
}

var builtins = map[string]builtin{
	"sqrt":  unary(math.Sqrt),
	"log":   unary(math.Log),
	"exp":   unary(math.Exp),
	"abs":   unary(math.Abs),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"round": unary(func(v float64) float64 { return math.Floor(v + 0.5) }),
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"pow":   {arity: 2, fn: func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"min": {arity: -1, fn: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {arity: -1, fn: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

type registered struct {
	fn  func(float64) float64
	gen uint64
}

var (
	customMu  sync.RWMutex
	customGen uint64
	customs   = map[string]registered{}
)

// RegisterLambda makes fn callable from lambdas as @name(x), or as the whole
// lambda "@name". Registering a name twice replaces the function for lambdas
// compiled afterwards.
func RegisterLambda(name string, fn func(float64) float64) {
	customMu.Lock()
	defer customMu.Unlock()
	customGen++
	customs[name] = registered{fn: fn, gen: customGen}
}

func lookupCustom(name string) (registered, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	r, ok := customs[name]
	return r, ok
}

// bindCustom resolves a registered function and records its generation.
func (p *parser) bindCustom(name string) (func(float64) float64, error) {
	r, ok := lookupCustom(name)
	if !ok {
		return nil, errors.Newf("unknown function @%s", name)
	}
	p.customs = append(p.customs, "@"+name+"#"+strconv.FormatUint(r.gen, 10))
	return r.fn, nil
}

// ParseLambda compiles "param => expr", "(param) => expr" or "@name".
func ParseLambda(src string) (*Lambda, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "lambda %q", src), ErrEncodingParse)
	}
	p := &parser{toks: toks}
	l, err := p.lambda()
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "lambda %q", src), ErrEncodingParse)
	}
	l.Source = src
	l.customs = p.customs
	return l, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokCustom
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

var operators = []string{"===", "!==", "=>", "<=", ">=", "==", "!=", "&&", "||", "+", "-", "*", "/", "%", "<", ">", "!", "?", ":", "(", ")", ","}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '-' || src[j] == '+') && j > i && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, errors.Newf("bad number %q at %d", src[i:j], i)
			}
			toks = append(toks, token{kind: tokNum, num: v, text: src[i:j], pos: i})
			i = j
		case c == '@' || c == '_' || unicode.IsLetter(c):
			j := i + 1
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			kind := tokIdent
			text := src[i:j]
			if c == '@' {
				kind = tokCustom
				text = text[1:]
				if text == "" {
					return nil, errors.Newf("empty function name at %d", i)
				}
			}
			toks = append(toks, token{kind: kind, text: text, pos: i})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, errors.Newf("unexpected %q at %d", c, i)
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks    []token
	i       int
	param   string
	customs []string
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) expect(text string) error {
	t := p.next()
	if t.kind != tokOp || t.text != text {
		return errors.Newf("expected %q at %d", text, t.pos)
	}
	return nil
}

func (p *parser) lambda() (*Lambda, error) {
	if t := p.peek(); t.kind == tokCustom && p.toks[p.i+1].kind == tokEOF {
		fn, err := p.bindCustom(t.text)
		if err != nil {
			return nil, err
		}
		p.next()
		return &Lambda{Param: "x", body: Custom{Name: t.text, Arg: ParamRef{}, fn: fn}}, nil
	}

	paren := p.isOp("(")
	if paren {
		p.next()
	}
	t := p.next()
	if t.kind != tokIdent {
		return nil, errors.Newf("expected parameter name at %d", t.pos)
	}
	p.param = t.text
	if paren {
		if err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expect("=>"); err != nil {
		return nil, err
	}
	body, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errors.Newf("unexpected %q at %d", t.text, t.pos)
	}
	return &Lambda{Param: p.param, body: body}, nil
}

func (p *parser) conditional() (Expr, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if !p.isOp("?") {
		return cond, nil
	}
	p.next()
	then, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.conditional()
	if err != nil {
		return nil, err
	}
	return Conditional{Cond: cond, Then: then, Else: els}, nil
}

// Binary operator precedence, lowest first.
var precedence = [][]string{
	{"||"},
	{"&&"},
	{"==", "!=", "===", "!=="},
	{"<", "<=", ">", ">="},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *parser) binary(level int) (Expr, error) {
	if level == len(precedence) {
		return p.unary()
	}
	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || !contains(precedence[level], t.text) {
			return left, nil
		}
		p.next()
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		if level == 2 || level == 3 {
			left = Compare{Op: t.text, L: left, R: right}
		} else {
			left = Binary{Op: t.text, L: left, R: right}
		}
	}
}

func contains(ops []string, s string) bool {
	for _, o := range ops {
		if o == s {
			return true
		}
	}
	return false
}

func (p *parser) unary() (Expr, error) {
	if p.isOp("-") || p.isOp("!") || p.isOp("+") {
		op := p.next().text
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return Unary{Op: op, X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return Number(t.num), nil
	case tokOp:
		if t.text == "(" {
			e, err := p.conditional()
			if err != nil {
				return nil, err
			}
			return e, p.expect(")")
		}
	case tokIdent:
		if t.text == p.param {
			return ParamRef{}, nil
		}
		switch t.text {
		case "true":
			return Number(1), nil
		case "false":
			return Number(0), nil
		}
		if b, ok := builtins[t.text]; ok {
			args, err := p.args()
			if err != nil {
				return nil, err
			}
			if len(args) == 0 {
				return nil, errors.Newf("%s needs arguments", t.text)
			}
			if b.arity >= 0 && len(args) != b.arity {
				return nil, errors.Newf("%s takes %d arguments, got %d", t.text, b.arity, len(args))
			}
			return Call{Name: t.text, Args: args, fn: b.fn}, nil
		}
		return nil, errors.Newf("unknown identifier %q at %d", t.text, t.pos)
	case tokCustom:
		fn, err := p.bindCustom(t.text)
		if err != nil {
			return nil, err
		}
		args, err := p.args()
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, errors.Newf("@%s takes 1 argument, got %d", t.text, len(args))
		}
		return Custom{Name: t.text, Arg: args[0], fn: fn}, nil
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, errors.Newf("unexpected %q at %d", t.text, t.pos)
}

func (p *parser) args() ([]Expr, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []Expr
	if p.isOp(")") {
		p.next()
		return args, nil
	}
	for {
		a, err := p.conditional()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.isOp(",") {
			p.next()
			continue
		}
		return args, p.expect(")")
	}
}
