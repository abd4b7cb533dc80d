package discovery

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/piprate/json-gold/ld"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/pkg/wot"
)

// frameKeywords only steer JSON-LD framing and carry no triples.
var frameKeywords = []string{"@explicit", "@embed", "@omitDefault", "@requireAll", "@default"}

// JSONThingQuery matches Things against a JSON-LD frame. The frame is
// turned into triples whose blank nodes become query variables, and the
// result is evaluated as a SparqlThingQuery.
type JSONThingQuery struct {
	frame  map[string]any
	sparql *SparqlThingQuery
}

// NewJSONThingQuery parses a JSON-LD frame document. A frame without
// @context is interpreted with the TD context.
func NewJSONThingQuery(frame string) (*JSONThingQuery, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(frame), &doc); err != nil {
		return nil, &QueryError{Query: frame, Reason: "frame is not a JSON object", WrappedErr: err}
	}
	return NewJSONThingQueryFromMap(doc)
}

// NewJSONThingQueryFromMap is NewJSONThingQuery for an already decoded frame.
func NewJSONThingQueryFromMap(frame map[string]any) (*JSONThingQuery, error) {
	doc := stripFrameKeywords(frame).(map[string]any)
	if _, ok := doc["@context"]; !ok {
		doc["@context"] = wot.TDContextV11
	}

	raw, _ := json.Marshal(frame)
	dataset, err := wot.NewJSONLDParser().ToRDF(doc)
	if err != nil {
		return nil, &QueryError{Query: string(raw), Reason: "frame is not valid JSON-LD", WrappedErr: err}
	}
	pattern := framePattern(dataset)
	if pattern == "" {
		return nil, &QueryError{Query: string(raw), Reason: "frame does not produce any triple to match"}
	}

	sparql, err := NewSparqlThingQuery(pattern)
	if err != nil {
		return nil, err
	}
	return &JSONThingQuery{frame: frame, sparql: sparql}, nil
}

// framePattern writes the frame triples as a graph pattern with every
// blank node turned into a variable.
func framePattern(dataset *ld.RDFDataset) string {
	graphs := make([]string, 0, len(dataset.Graphs))
	for name := range dataset.Graphs {
		graphs = append(graphs, name)
	}
	sort.Strings(graphs)

	var b strings.Builder
	for _, name := range graphs {
		for _, q := range dataset.Graphs[name] {
			b.WriteString(patternTerm(q.Subject))
			b.WriteByte(' ')
			b.WriteString(patternTerm(q.Predicate))
			b.WriteByte(' ')
			b.WriteString(patternTerm(q.Object))
			b.WriteString(" .\n")
		}
	}
	return b.String()
}

func patternTerm(n ld.Node) string {
	switch v := n.(type) {
	case *ld.BlankNode:
		label := strings.TrimPrefix(v.Attribute, "_:")
		return "?" + strings.Map(func(r rune) rune {
			if r < 0x80 && !isNameChar(byte(r)) || r == '-' {
				return '_'
			}
			return r
		}, label)
	case *ld.Literal:
		s := quoteLiteral(v.Value)
		switch {
		case v.Language != "":
			s += "@" + v.Language
		case v.Datatype != "" && v.Datatype != xsdString:
			s += "^^<" + v.Datatype + ">"
		}
		return s
	default:
		return "<" + n.GetValue() + ">"
	}
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func quoteLiteral(s string) string {
	return `"` + literalEscaper.Replace(s) + `"`
}

// Sparql returns the translated query.
func (q *JSONThingQuery) Sparql() *SparqlThingQuery { return q.sparql }

func (q *JSONThingQuery) Filter(logger logrus.FieldLogger, things []*wot.Thing) ([]*wot.Thing, error) {
	return q.sparql.Filter(logger, things)
}

// stripFrameKeywords returns a copy of v without framing-only keywords.
func stripFrameKeywords(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			skip := false
			for _, kw := range frameKeywords {
				if k == kw {
					skip = true
					break
				}
			}
			if !skip {
				out[k] = stripFrameKeywords(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripFrameKeywords(item)
		}
		return out
	default:
		return v
	}
}
