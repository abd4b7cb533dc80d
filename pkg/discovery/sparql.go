package discovery

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/twinfer/wotkit/pkg/wot"
)

// The query language understood here is the SPARQL subset needed to match
// Thing Descriptions: PREFIX/BASE declarations, SELECT [DISTINCT] with
// variables and an optional single GRAPH block. Group patterns hold triple
// patterns with the ';' and ',' abbreviations, nested groups, OPTIONAL and
// FILTER. Blank node labels act as variables that are never projected.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIRI
	tokPName
	tokVar
	tokBlank
	tokString
	tokLang
	tokDatatype
	tokNumber
	tokKeyword
	tokPunct
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of query"
	}
	return fmt.Sprintf("%q at offset %d", t.text, t.pos)
}

func isNameChar(r byte) bool {
	return r == '_' || r == '-' || r < 0x80 && (unicode.IsLetter(rune(r)) || unicode.IsDigit(rune(r))) || r >= 0x80
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#':
			for i < len(input) && input[i] != '\n' {
				i++
			}
		case c == '<':
			if end := strings.IndexByte(input[i:], '>'); end > 0 && !strings.ContainsAny(input[i+1:i+end], " \t\n\"{}|^`<") {
				toks = append(toks, token{tokIRI, input[i+1 : i+end], i})
				i += end + 1
				continue
			}
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "<=", i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "<", i})
				i++
			}
		case c == '>' || c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, string(c) + "=", i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c), i})
				i++
			}
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case (c == '&' || c == '|') && i+1 < len(input) && input[i+1] == c:
			toks = append(toks, token{tokOp, input[i : i+2], i})
			i += 2
		case c == '?' || c == '$':
			j := i + 1
			for j < len(input) && isNameChar(input[j]) && input[j] != '-' {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty variable name at offset %d", i)
			}
			toks = append(toks, token{tokVar, input[i+1 : j], i})
			i = j
		case c == '"' || c == '\'':
			s, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i = next
		case c == '@':
			j := i + 1
			for j < len(input) && (isNameChar(input[j])) {
				j++
			}
			toks = append(toks, token{tokLang, input[i+1 : j], i})
			i = j
		case c == '^' && i+1 < len(input) && input[i+1] == '^':
			toks = append(toks, token{tokDatatype, "^^", i})
			i += 2
		case c >= '0' && c <= '9' || (c == '+' || c == '-' || c == '.') && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9':
			j := i + 1
			for j < len(input) {
				d := input[j]
				if d >= '0' && d <= '9' || d == 'e' || d == 'E' {
					j++
					continue
				}
				if (d == '+' || d == '-') && (input[j-1] == 'e' || input[j-1] == 'E') {
					j++
					continue
				}
				if d == '.' && j+1 < len(input) && input[j+1] >= '0' && input[j+1] <= '9' {
					j++
					continue
				}
				break
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j
		case strings.IndexByte("{}.;,*()[]", c) >= 0:
			toks = append(toks, token{tokPunct, string(c), i})
			i++
		case c == '_' && i+1 < len(input) && input[i+1] == ':':
			j := i + 2
			for j < len(input) && (isNameChar(input[j]) || input[j] == '.') {
				j++
			}
			for j > i+2 && input[j-1] == '.' {
				j--
			}
			toks = append(toks, token{tokBlank, input[i+2 : j], i})
			i = j
		case c == ':' || isNameChar(c):
			j := i
			for j < len(input) && (isNameChar(input[j]) || input[j] == ':' || input[j] == '.' || input[j] == '%') {
				j++
			}
			for j > i && input[j-1] == '.' {
				j--
			}
			word := input[i:j]
			if strings.Contains(word, ":") {
				toks = append(toks, token{tokPName, word, i})
			} else if word == "a" || word == "true" || word == "false" {
				toks = append(toks, token{tokKeyword, word, i})
			} else {
				toks = append(toks, token{tokKeyword, strings.ToUpper(word), i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(input)}), nil
}

func lexString(input string, start int) (string, int, error) {
	quote := input[start]
	var b strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(input):
			switch input[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(input[i+1])
			}
			i += 2
		case c == '\n':
			return "", 0, fmt.Errorf("unterminated string at offset %d", start)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

type triplePattern struct{ s, p, o term }

// groupPattern is a { ... } block. Its elements are evaluated in order and
// its filters constrain the solutions of the whole group.
type groupPattern struct {
	elements []groupElement
	filters  []expr
}

// groupElement is exactly one of a run of triple patterns, an OPTIONAL
// group or a nested group.
type groupElement struct {
	triples  []triplePattern
	optional *groupPattern
	group    *groupPattern
}

type selectQuery struct {
	vars     []string
	distinct bool
	graph    *term
	where    *groupPattern
}

type queryParser struct {
	toks     []token
	i        int
	base     string
	prefixes map[string]string
	anon     int
}

func newQueryParser(toks []token) *queryParser {
	p := &queryParser{toks: toks, prefixes: make(map[string]string, len(wot.StandardNamespaces))}
	for k, v := range wot.StandardNamespaces {
		p.prefixes[k] = v
	}
	return p
}

func (p *queryParser) peek() token { return p.toks[p.i] }

func (p *queryParser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *queryParser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *queryParser) isKeyword(s string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == s
}

func (p *queryParser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return fmt.Errorf("expected %q, found %s", s, p.peek())
	}
	p.next()
	return nil
}

func (p *queryParser) expectKeyword(s string) error {
	if !p.isKeyword(s) {
		return fmt.Errorf("expected %s, found %s", s, p.peek())
	}
	p.next()
	return nil
}

// parsePrologue consumes PREFIX and BASE declarations.
func (p *queryParser) parsePrologue() error {
	for {
		switch {
		case p.isKeyword("PREFIX"):
			p.next()
			name := p.next()
			if name.kind != tokPName || !strings.HasSuffix(name.text, ":") {
				return fmt.Errorf("expected prefix name, found %s", name)
			}
			ref := p.next()
			if ref.kind != tokIRI {
				return fmt.Errorf("expected IRI for prefix %s, found %s", name.text, ref)
			}
			p.prefixes[strings.TrimSuffix(name.text, ":")] = p.resolve(ref.text)
		case p.isKeyword("BASE"):
			p.next()
			ref := p.next()
			if ref.kind != tokIRI {
				return fmt.Errorf("expected IRI after BASE, found %s", ref)
			}
			p.base = ref.text
		default:
			return nil
		}
	}
}

func (p *queryParser) resolve(ref string) string {
	if p.base == "" || strings.Contains(ref, ":") {
		return ref
	}
	return p.base + ref
}

func (p *queryParser) parseSelect() (*selectQuery, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	q := &selectQuery{}
	if p.isKeyword("DISTINCT") || p.isKeyword("REDUCED") {
		p.next()
		q.distinct = true
	}
	for p.peek().kind == tokVar || p.isPunct("*") {
		q.vars = append(q.vars, p.next().text)
	}
	if len(q.vars) == 0 {
		return nil, fmt.Errorf("expected projection, found %s", p.peek())
	}
	if p.isKeyword("WHERE") {
		p.next()
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}

	if p.isKeyword("GRAPH") {
		p.next()
		g, err := p.parseTerm(false)
		if err != nil {
			return nil, err
		}
		q.graph = &g
		if err := p.expectPunct("{"); err != nil {
			return nil, err
		}
		if q.where, err = p.parseGroup(); err != nil {
			return nil, err
		}
		if err := p.expectPunct("}"); err != nil {
			return nil, err
		}
		if p.isPunct(".") {
			p.next()
		}
	} else {
		var err error
		if q.where, err = p.parseGroup(); err != nil {
			return nil, err
		}
	}

	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unsupported trailing content %s", t)
	}
	return q, nil
}

// parseGroup parses the content of a group up to, not including, its
// closing brace.
func (p *queryParser) parseGroup() (*groupPattern, error) {
	g := &groupPattern{}
	for !p.isPunct("}") && p.peek().kind != tokEOF {
		switch {
		case p.isKeyword("FILTER"):
			p.next()
			f, err := p.parseConstraint()
			if err != nil {
				return nil, err
			}
			g.filters = append(g.filters, f)
		case p.isKeyword("OPTIONAL"):
			p.next()
			inner, err := p.parseBracedGroup()
			if err != nil {
				return nil, err
			}
			g.elements = append(g.elements, groupElement{optional: inner})
		case p.isPunct("{"):
			inner, err := p.parseBracedGroup()
			if err != nil {
				return nil, err
			}
			g.elements = append(g.elements, groupElement{group: inner})
		default:
			subject, err := p.parseTerm(false)
			if err != nil {
				return nil, err
			}
			if subject.kind == termLiteral {
				return nil, fmt.Errorf("literal cannot be a subject")
			}
			var patterns []triplePattern
			if patterns, err = p.parsePropertyList(subject, nil); err != nil {
				return nil, err
			}
			if n := len(g.elements); n > 0 && g.elements[n-1].triples != nil {
				g.elements[n-1].triples = append(g.elements[n-1].triples, patterns...)
			} else {
				g.elements = append(g.elements, groupElement{triples: patterns})
			}
			if !p.isPunct(".") && !p.isPunct("}") && !p.isPunct("{") &&
				!p.isKeyword("FILTER") && !p.isKeyword("OPTIONAL") {
				return nil, fmt.Errorf("expected '.' or '}', found %s", p.peek())
			}
		}
		if p.isPunct(".") {
			p.next()
		}
	}
	return g, nil
}

func (p *queryParser) parseBracedGroup() (*groupPattern, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	g, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *queryParser) parsePropertyList(subject term, patterns []triplePattern) ([]triplePattern, error) {
	for {
		var verb term
		if p.isKeyword("a") {
			p.next()
			verb = iri(rdfType)
		} else {
			var err error
			if verb, err = p.parseTerm(false); err != nil {
				return nil, err
			}
			if verb.kind != termIRI && verb.kind != termVar {
				return nil, fmt.Errorf("predicate must be an IRI or a variable")
			}
		}
		for {
			object, err := p.parseTerm(true)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, triplePattern{s: subject, p: verb, o: object})
			if !p.isPunct(",") {
				break
			}
			p.next()
		}
		if !p.isPunct(";") {
			return patterns, nil
		}
		for p.isPunct(";") {
			p.next()
		}
		if p.isPunct(".") || p.isPunct("}") {
			return patterns, nil
		}
	}
}

func (p *queryParser) parseTerm(allowLiteral bool) (term, error) {
	t := p.next()
	switch t.kind {
	case tokIRI:
		return iri(p.resolve(t.text)), nil
	case tokPName:
		prefix, local, _ := strings.Cut(t.text, ":")
		ns, ok := p.prefixes[prefix]
		if !ok {
			return term{}, fmt.Errorf("unknown prefix %q", prefix)
		}
		return iri(ns + local), nil
	case tokVar:
		return variable(t.text), nil
	case tokBlank:
		return variable("_:" + t.text), nil
	case tokPunct:
		if t.text == "[" && p.isPunct("]") {
			p.next()
			p.anon++
			return variable(fmt.Sprintf("_:anon%d", p.anon)), nil
		}
	case tokString:
		if !allowLiteral {
			break
		}
		switch p.peek().kind {
		case tokLang:
			return literal(t.text, "", p.next().text), nil
		case tokDatatype:
			p.next()
			dt, err := p.parseTerm(false)
			if err != nil {
				return term{}, err
			}
			if dt.kind != termIRI {
				return term{}, fmt.Errorf("datatype must be an IRI")
			}
			return literal(t.text, dt.value, ""), nil
		}
		return literal(t.text, "", ""), nil
	case tokNumber:
		if !allowLiteral {
			break
		}
		switch {
		case strings.ContainsAny(t.text, "eE"):
			return literal(t.text, xsdDouble, ""), nil
		case strings.Contains(t.text, "."):
			return literal(t.text, xsdDecimal, ""), nil
		default:
			return literal(strings.TrimPrefix(t.text, "+"), xsdInteger, ""), nil
		}
	case tokKeyword:
		if allowLiteral && (t.text == "true" || t.text == "false") {
			return literal(t.text, xsdBoolean, ""), nil
		}
		return term{}, fmt.Errorf("unsupported SPARQL construct %s", t)
	}
	return term{}, fmt.Errorf("unexpected %s", t)
}

// solutions evaluates q against the store and returns the distinct values
// bound to the first projected variable, in graph load order.
func (q *selectQuery) solutions(st *quadStore) []string {
	var out []string
	seen := make(map[string]bool)
	// one solution per graph is enough when the projection is the graph itself
	perGraph := q.graph != nil && q.graph.kind == termVar && q.graph.value == q.vars[0]
	for _, g := range st.order {
		b := map[string]term{}
		if q.graph != nil {
			switch q.graph.kind {
			case termVar:
				b[q.graph.value] = iri(g)
			case termIRI:
				if q.graph.value != g {
					continue
				}
			}
		}
		for _, sol := range q.where.eval(st.graphs[g], []map[string]term{b}) {
			v, ok := sol[q.vars[0]]
			if !ok {
				continue
			}
			if !seen[v.value] || !q.distinct {
				seen[v.value] = true
				out = append(out, v.value)
			}
			if perGraph {
				break
			}
		}
	}
	return out
}

// eval extends every input solution through the group. OPTIONAL keeps a
// solution unchanged when its group has no match.
func (g *groupPattern) eval(triples []triple, input []map[string]term) []map[string]term {
	sols := input
	for _, el := range g.elements {
		var next []map[string]term
		switch {
		case el.triples != nil:
			for _, sol := range sols {
				matchPatterns(el.triples, triples, sol, func(s map[string]term) bool {
					next = append(next, s)
					return true
				})
			}
		case el.optional != nil:
			for _, sol := range sols {
				if ext := el.optional.eval(triples, []map[string]term{sol}); len(ext) > 0 {
					next = append(next, ext...)
				} else {
					next = append(next, sol)
				}
			}
		case el.group != nil:
			next = el.group.eval(triples, sols)
		}
		if len(next) == 0 {
			return nil
		}
		sols = next
	}
	if len(g.filters) == 0 {
		return sols
	}
	kept := sols[:0:0]
	for _, sol := range sols {
		if g.accepts(sol) {
			kept = append(kept, sol)
		}
	}
	return kept
}

func (g *groupPattern) accepts(sol map[string]term) bool {
	for _, f := range g.filters {
		if !effectiveBool(f.eval(sol)) {
			return false
		}
	}
	return true
}

// matchPatterns backtracks over patterns, calling emit for every solution
// until emit returns false. It reports whether evaluation should continue.
func matchPatterns(patterns []triplePattern, triples []triple, b map[string]term, emit func(map[string]term) bool) bool {
	if len(patterns) == 0 {
		return emit(b)
	}
	pat := patterns[0]
	for _, tr := range triples {
		nb, ok := unify(pat, tr, b)
		if !ok {
			continue
		}
		if !matchPatterns(patterns[1:], triples, nb, emit) {
			return false
		}
	}
	return true
}

func unify(pat triplePattern, tr triple, b map[string]term) (map[string]term, bool) {
	out := b
	copied := false
	bind := func(p, v term) bool {
		if p.kind != termVar {
			return p.equal(v)
		}
		if bound, ok := out[p.value]; ok {
			return bound.equal(v)
		}
		if !copied {
			out = make(map[string]term, len(b)+3)
			for k, val := range b {
				out[k] = val
			}
			copied = true
		}
		out[p.value] = v
		return true
	}
	if bind(pat.s, tr.s) && bind(pat.p, tr.p) && bind(pat.o, tr.o) {
		return out, true
	}
	return nil, false
}
