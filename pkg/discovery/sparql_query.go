package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/pkg/wot"
)

var reservedVarPattern = regexp.MustCompile(`[?$]` + reservedIDName + `\b`)

// SparqlThingQuery matches Things against a SPARQL graph pattern. The
// pattern may be preceded by PREFIX declarations; the standard TD prefixes
// (td, hctl, htv, mqv, wotsec, jsonschema, rdf, rdfs, xsd) are predeclared.
type SparqlThingQuery struct {
	pattern string
	query   string
	parsed  *selectQuery
	parser  *wot.JSONLDParser
}

// NewSparqlThingQuery validates pattern and builds the full query
//
//	SELECT DISTINCT ?__id__ WHERE { GRAPH ?__id__ { <pattern> } }
//
// The variable __id__ is reserved.
func NewSparqlThingQuery(pattern string) (*SparqlThingQuery, error) {
	if reservedVarPattern.MatchString(pattern) {
		return nil, &QueryError{Query: pattern, Reason: "variable ?" + reservedIDName + " is reserved"}
	}

	prologue, body, err := splitPrologue(pattern)
	if err != nil {
		return nil, &QueryError{Query: pattern, Reason: "syntax error", WrappedErr: err}
	}
	full := fmt.Sprintf("%sSELECT DISTINCT ?%s WHERE { GRAPH ?%s { %s } }", prologue, reservedIDName, reservedIDName, body)

	toks, err := lex(full)
	if err != nil {
		return nil, &QueryError{Query: pattern, Reason: "syntax error", WrappedErr: err}
	}
	parsed, err := newQueryParser(toks).parseSelect()
	if err != nil {
		return nil, &QueryError{Query: pattern, Reason: "syntax error", WrappedErr: err}
	}

	return &SparqlThingQuery{
		pattern: pattern,
		query:   full,
		parsed:  parsed,
		parser:  wot.NewJSONLDParser(),
	}, nil
}

// splitPrologue separates leading PREFIX/BASE declarations from the graph
// pattern so they can be placed ahead of SELECT.
func splitPrologue(pattern string) (string, string, error) {
	toks, err := lex(pattern)
	if err != nil {
		return "", "", err
	}
	p := newQueryParser(toks)
	if err := p.parsePrologue(); err != nil {
		return "", "", err
	}
	offset := p.peek().pos
	prologue := strings.TrimSpace(pattern[:offset])
	if prologue != "" {
		prologue += "\n"
	}
	return prologue, pattern[offset:], nil
}

// Pattern returns the graph pattern as given.
func (q *SparqlThingQuery) Pattern() string { return q.pattern }

// Query returns the full SELECT query that is evaluated.
func (q *SparqlThingQuery) Query() string { return q.query }

func (q *SparqlThingQuery) String() string { return q.query }

// Filter loads every Thing as its own named graph and returns the Things
// whose graph satisfies the pattern, in input order. Things that cannot be
// converted to RDF are logged and skipped.
func (q *SparqlThingQuery) Filter(logger logrus.FieldLogger, things []*wot.Thing) ([]*wot.Thing, error) {
	if len(things) == 0 {
		return []*wot.Thing{}, nil
	}

	store := newQuadStore()
	byGraph := make(map[string]*wot.Thing, len(things))
	for _, thing := range things {
		dataset, err := q.parser.ThingToRDF(thing)
		if err != nil {
			logger.WithError(err).WithField("thing_id", thing.ID).Warn("Skipping thing that is not valid JSON-LD")
			continue
		}
		graph := "urn:uuid:" + uuid.NewString()
		store.load(graph, dataset)
		byGraph[graph] = thing
	}

	logger.WithFields(logrus.Fields{
		"things":  len(byGraph),
		"triples": store.size(),
	}).Debugf("Evaluating thing query: %s", q.query)

	ids := q.parsed.solutions(store)
	result := make([]*wot.Thing, 0, len(ids))
	for _, id := range ids {
		if thing, ok := byGraph[id]; ok {
			result = append(result, thing)
		}
	}
	return result, nil
}
