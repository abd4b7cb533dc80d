package discovery

import (
	"strconv"
	"strings"

	"github.com/piprate/json-gold/ld"
)

const (
	xsdNS          = "http://www.w3.org/2001/XMLSchema#"
	xsdString      = xsdNS + "string"
	xsdBoolean     = xsdNS + "boolean"
	xsdInteger     = xsdNS + "integer"
	xsdDecimal     = xsdNS + "decimal"
	xsdDouble      = xsdNS + "double"
	rdfType        = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfLangString  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#langString"
	reservedIDName = "__id__"
)

type termKind int

const (
	termIRI termKind = iota + 1
	termBlank
	termLiteral
	termVar
)

type term struct {
	kind     termKind
	value    string
	datatype string
	lang     string
}

func iri(v string) term      { return term{kind: termIRI, value: v} }
func variable(v string) term { return term{kind: termVar, value: v} }

func literal(value, datatype, lang string) term {
	switch {
	case lang != "":
		datatype = rdfLangString
		lang = strings.ToLower(lang)
	case datatype == "":
		datatype = xsdString
	}
	return term{kind: termLiteral, value: value, datatype: datatype, lang: lang}
}

func isNumeric(datatype string) bool {
	switch strings.TrimPrefix(datatype, xsdNS) {
	case "integer", "decimal", "double", "float", "int", "long", "short",
		"nonNegativeInteger", "positiveInteger", "unsignedInt", "unsignedLong":
		return strings.HasPrefix(datatype, xsdNS)
	}
	return false
}

func (t term) equal(o term) bool {
	if t.kind != o.kind {
		return false
	}
	if t.kind != termLiteral {
		return t.value == o.value
	}
	if isNumeric(t.datatype) && isNumeric(o.datatype) {
		a, errA := strconv.ParseFloat(t.value, 64)
		b, errB := strconv.ParseFloat(o.value, 64)
		if errA == nil && errB == nil {
			return a == b
		}
	}
	return t.value == o.value && t.datatype == o.datatype && t.lang == o.lang
}

type triple struct{ s, p, o term }

// quadStore is an ephemeral in-memory store of named graphs.
type quadStore struct {
	graphs map[string][]triple
	order  []string
}

func newQuadStore() *quadStore {
	return &quadStore{graphs: make(map[string][]triple)}
}

// load adds every quad of dataset to the named graph. Blank node labels are
// scoped to the graph so datasets loaded separately never share nodes.
func (s *quadStore) load(graph string, dataset *ld.RDFDataset) int {
	if _, exists := s.graphs[graph]; !exists {
		s.order = append(s.order, graph)
	}
	n := 0
	for _, quads := range dataset.Graphs {
		for _, q := range quads {
			s.graphs[graph] = append(s.graphs[graph], triple{
				s: fromNode(graph, q.Subject),
				p: fromNode(graph, q.Predicate),
				o: fromNode(graph, q.Object),
			})
			n++
		}
	}
	return n
}

func fromNode(graph string, n ld.Node) term {
	switch v := n.(type) {
	case *ld.IRI:
		return iri(v.Value)
	case *ld.BlankNode:
		return term{kind: termBlank, value: graph + "#" + v.Attribute}
	case *ld.Literal:
		return literal(v.Value, v.Datatype, v.Language)
	default:
		return iri(n.GetValue())
	}
}

func (s *quadStore) size() int {
	n := 0
	for _, triples := range s.graphs {
		n += len(triples)
	}
	return n
}
