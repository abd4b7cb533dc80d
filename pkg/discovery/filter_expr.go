package discovery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// expr is a FILTER expression. eval reports false when the expression
// raises an error, for example on an unbound variable; a filter treats
// that as a rejected solution.
type expr interface {
	eval(b map[string]term) (term, bool)
}

type varExpr struct{ name string }

func (e varExpr) eval(b map[string]term) (term, bool) {
	v, ok := b[e.name]
	return v, ok
}

type constExpr struct{ value term }

func (e constExpr) eval(map[string]term) (term, bool) { return e.value, true }

type notExpr struct{ x expr }

func (e notExpr) eval(b map[string]term) (term, bool) {
	v, ok := ebv(e.x.eval(b))
	if !ok {
		return term{}, false
	}
	return boolTerm(!v), true
}

type logicExpr struct {
	and  bool
	l, r expr
}

func (e logicExpr) eval(b map[string]term) (term, bool) {
	l, lok := ebv(e.l.eval(b))
	r, rok := ebv(e.r.eval(b))
	// An error on one side is masked when the other side decides the result.
	if e.and {
		switch {
		case lok && !l, rok && !r:
			return boolTerm(false), true
		case lok && rok:
			return boolTerm(true), true
		}
		return term{}, false
	}
	switch {
	case lok && l, rok && r:
		return boolTerm(true), true
	case lok && rok:
		return boolTerm(false), true
	}
	return term{}, false
}

type compareExpr struct {
	op   string
	l, r expr
}

func (e compareExpr) eval(b map[string]term) (term, bool) {
	l, lok := e.l.eval(b)
	r, rok := e.r.eval(b)
	if !lok || !rok {
		return term{}, false
	}
	switch e.op {
	case "=":
		return boolTerm(l.equal(r)), true
	case "!=":
		return boolTerm(!l.equal(r)), true
	}
	c, ok := compareTerms(l, r)
	if !ok {
		return term{}, false
	}
	switch e.op {
	case "<":
		return boolTerm(c < 0), true
	case "<=":
		return boolTerm(c <= 0), true
	case ">":
		return boolTerm(c > 0), true
	default:
		return boolTerm(c >= 0), true
	}
}

// compareTerms orders numeric literals by value and other literals of the
// same datatype lexically.
func compareTerms(l, r term) (int, bool) {
	if l.kind != termLiteral || r.kind != termLiteral {
		return 0, false
	}
	if isNumeric(l.datatype) && isNumeric(r.datatype) {
		a, errA := strconv.ParseFloat(l.value, 64)
		c, errB := strconv.ParseFloat(r.value, 64)
		if errA != nil || errB != nil {
			return 0, false
		}
		switch {
		case a < c:
			return -1, true
		case a > c:
			return 1, true
		}
		return 0, true
	}
	if l.datatype != r.datatype {
		return 0, false
	}
	return strings.Compare(l.value, r.value), true
}

type callExpr struct {
	name string
	args []expr
	re   *regexp.Regexp // precompiled when the REGEX pattern is constant
}

func (e callExpr) eval(b map[string]term) (term, bool) {
	if e.name == "BOUND" {
		_, ok := e.args[0].eval(b)
		return boolTerm(ok), true
	}

	args := make([]term, len(e.args))
	for i, a := range e.args {
		v, ok := a.eval(b)
		if !ok {
			return term{}, false
		}
		args[i] = v
	}

	switch e.name {
	case "STR":
		if args[0].kind == termBlank {
			return term{}, false
		}
		return literal(args[0].value, "", ""), true
	case "LANG":
		if args[0].kind != termLiteral {
			return term{}, false
		}
		return literal(args[0].lang, "", ""), true
	case "DATATYPE":
		if args[0].kind != termLiteral {
			return term{}, false
		}
		return iri(args[0].datatype), true
	case "LCASE", "UCASE":
		if args[0].kind != termLiteral {
			return term{}, false
		}
		v := args[0]
		if e.name == "LCASE" {
			v.value = strings.ToLower(v.value)
		} else {
			v.value = strings.ToUpper(v.value)
		}
		return v, true
	case "ISIRI", "ISURI":
		return boolTerm(args[0].kind == termIRI), true
	case "ISLITERAL":
		return boolTerm(args[0].kind == termLiteral), true
	case "ISBLANK":
		return boolTerm(args[0].kind == termBlank), true
	case "CONTAINS", "STRSTARTS", "STRENDS":
		if !isStringLiteral(args[0]) || !isStringLiteral(args[1]) {
			return term{}, false
		}
		switch e.name {
		case "CONTAINS":
			return boolTerm(strings.Contains(args[0].value, args[1].value)), true
		case "STRSTARTS":
			return boolTerm(strings.HasPrefix(args[0].value, args[1].value)), true
		default:
			return boolTerm(strings.HasSuffix(args[0].value, args[1].value)), true
		}
	case "REGEX":
		if !isStringLiteral(args[0]) {
			return term{}, false
		}
		re := e.re
		if re == nil {
			flags := ""
			if len(args) == 3 {
				flags = args[2].value
			}
			var err error
			if re, err = compileRegex(args[1].value, flags); err != nil {
				return term{}, false
			}
		}
		return boolTerm(re.MatchString(args[0].value)), true
	}
	return term{}, false
}

// builtins maps the supported functions to their arity range.
var builtins = map[string][2]int{
	"BOUND":     {1, 1},
	"STR":       {1, 1},
	"LANG":      {1, 1},
	"DATATYPE":  {1, 1},
	"LCASE":     {1, 1},
	"UCASE":     {1, 1},
	"ISIRI":     {1, 1},
	"ISURI":     {1, 1},
	"ISLITERAL": {1, 1},
	"ISBLANK":   {1, 1},
	"CONTAINS":  {2, 2},
	"STRSTARTS": {2, 2},
	"STRENDS":   {2, 2},
	"REGEX":     {2, 3},
}

func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	var prefix string
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix += string(f)
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", f)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func isStringLiteral(t term) bool {
	return t.kind == termLiteral && (t.datatype == xsdString || t.datatype == rdfLangString)
}

func boolTerm(v bool) term {
	return literal(strconv.FormatBool(v), xsdBoolean, "")
}

// ebv is the effective boolean value of an expression result.
func ebv(t term, ok bool) (bool, bool) {
	if !ok || t.kind != termLiteral {
		return false, false
	}
	switch {
	case t.datatype == xsdBoolean:
		return t.value == "true" || t.value == "1", true
	case isNumeric(t.datatype):
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return false, false
		}
		return f != 0, true
	case isStringLiteral(t):
		return t.value != "", true
	}
	return false, false
}

func effectiveBool(t term, ok bool) bool {
	v, valid := ebv(t, ok)
	return valid && v
}

// parseConstraint parses what follows FILTER: a bracketed expression or
// a function call.
func (p *queryParser) parseConstraint() (expr, error) {
	if p.isPunct("(") {
		return p.parseBracketed()
	}
	if t := p.peek(); t.kind == tokKeyword {
		if _, ok := builtins[t.text]; ok {
			return p.parseCall()
		}
	}
	return nil, fmt.Errorf("expected FILTER constraint, found %s", p.peek())
}

func (p *queryParser) parseBracketed() (expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *queryParser) isOp(s string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == s
}

func (p *queryParser) parseOr() (expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = logicExpr{l: l, r: r}
	}
	return l, nil
}

func (p *queryParser) parseAnd() (expr, error) {
	l, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		r, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		l = logicExpr{and: true, l: l, r: r}
	}
	return l, nil
}

func (p *queryParser) parseRelational() (expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp {
		switch t.text {
		case "=", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compareExpr{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *queryParser) parseUnary() (expr, error) {
	if p.isOp("!") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *queryParser) parsePrimary() (expr, error) {
	t := p.peek()
	switch {
	case t.kind == tokPunct && t.text == "(":
		return p.parseBracketed()
	case t.kind == tokVar:
		p.next()
		return varExpr{name: t.text}, nil
	case t.kind == tokKeyword && t.text != "a" && t.text != "true" && t.text != "false":
		if _, ok := builtins[t.text]; !ok {
			return nil, fmt.Errorf("unsupported SPARQL function %s", t)
		}
		return p.parseCall()
	}
	v, err := p.parseTerm(true)
	if err != nil {
		return nil, err
	}
	if v.kind == termVar {
		return nil, fmt.Errorf("blank nodes are not allowed in FILTER")
	}
	return constExpr{value: v}, nil
}

func (p *queryParser) parseCall() (expr, error) {
	name := p.next()
	arity := builtins[name.text]
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []expr
	for !p.isPunct(")") {
		if len(args) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		a, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	p.next()
	if len(args) < arity[0] || len(args) > arity[1] {
		return nil, fmt.Errorf("%s expects %d to %d arguments, got %d", name.text, arity[0], arity[1], len(args))
	}

	call := callExpr{name: name.text, args: args}
	switch name.text {
	case "BOUND":
		if _, ok := args[0].(varExpr); !ok {
			return nil, fmt.Errorf("BOUND expects a variable")
		}
	case "REGEX":
		pattern, ok := args[1].(constExpr)
		if !ok {
			break
		}
		flags := ""
		if len(args) == 3 {
			f, ok := args[2].(constExpr)
			if !ok {
				break
			}
			flags = f.value.value
		}
		re, err := compileRegex(pattern.value.value, flags)
		if err != nil {
			return nil, fmt.Errorf("invalid REGEX: %w", err)
		}
		call.re = re
	}
	return call, nil
}
