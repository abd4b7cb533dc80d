package wot

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/piprate/json-gold/ld"
)

//go:embed contexts/td-context.jsonld
var tdContextDocument []byte

// StandardNamespaces are the vocabularies every TD may use without
// declaring them.
var StandardNamespaces = map[string]string{
	"td":         TDNamespace,
	"htv":        "http://www.w3.org/2011/http#",
	"mqv":        "http://www.w3.org/2018/wot/mqtt#",
	"wotsec":     "https://www.w3.org/2019/wot/security#",
	"hctl":       "https://www.w3.org/2019/wot/hypermedia#",
	"jsonschema": "https://www.w3.org/2019/wot/json-schema#",
	"rdf":        "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"rdfs":       "http://www.w3.org/2000/01/rdf-schema#",
	"xsd":        "http://www.w3.org/2001/XMLSchema#",
}

// JSONLDParser turns Thing Descriptions into expanded JSON-LD and RDF using
// json-gold. The TD context documents are served from memory, so parsing
// works offline.
type JSONLDParser struct {
	processor *ld.JsonLdProcessor
	loader    *ld.CachingDocumentLoader
}

// NewJSONLDParser creates a parser whose document loader is preloaded with
// the TD contexts. Both TD context URLs resolve to the embedded TD 1.1
// context, a superset of the 1.0 one. Other context URLs are fetched over
// HTTP.
func NewJSONLDParser() *JSONLDParser {
	client := &http.Client{Timeout: 10 * time.Second}
	loader := ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(client))

	var doc any
	if err := json.Unmarshal(tdContextDocument, &doc); err != nil {
		panic(fmt.Sprintf("embedded td context is invalid: %v", err))
	}
	loader.AddDocument(TDContextV1, doc)
	loader.AddDocument(TDContextV11, doc)

	return &JSONLDParser{
		processor: ld.NewJsonLdProcessor(),
		loader:    loader,
	}
}

func (p *JSONLDParser) options() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = p.loader
	return opts
}

// ThingDocument returns the JSON-LD form of a Thing. An id that is not an
// absolute IRI is dropped so the Thing becomes a blank node instead of a
// relative IRI, which RDF cannot carry.
func ThingDocument(t *Thing) (map[string]any, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize thing %q: %w", t.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if id, ok := doc["id"].(string); ok && !isAbsoluteIRI(id) {
		delete(doc, "id")
	}
	return doc, nil
}

func isAbsoluteIRI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// Expand returns the expanded JSON-LD form of a TD document.
func (p *JSONLDParser) Expand(doc any) ([]any, error) {
	expanded, err := p.processor.Expand(doc, p.options())
	if err != nil {
		return nil, fmt.Errorf("failed to expand JSON-LD document: %w", err)
	}
	return expanded, nil
}

// ToRDF converts a JSON-LD document into an RDF dataset.
func (p *JSONLDParser) ToRDF(doc any) (*ld.RDFDataset, error) {
	out, err := p.processor.ToRDF(doc, p.options())
	if err != nil {
		return nil, fmt.Errorf("failed to convert JSON-LD to RDF: %w", err)
	}
	dataset, ok := out.(*ld.RDFDataset)
	if !ok {
		return nil, fmt.Errorf("unexpected RDF result of type %T", out)
	}
	return dataset, nil
}

// ToNQuads converts a JSON-LD document into an N-Quads document. Default
// graph statements come out as N-Triples lines.
func (p *JSONLDParser) ToNQuads(doc any) (string, error) {
	opts := p.options()
	opts.Format = "application/n-quads"
	out, err := p.processor.ToRDF(doc, opts)
	if err != nil {
		return "", fmt.Errorf("failed to convert JSON-LD to N-Quads: %w", err)
	}
	nquads, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("unexpected N-Quads result of type %T", out)
	}
	return nquads, nil
}

// ThingToRDF is ThingDocument followed by ToRDF.
func (p *JSONLDParser) ThingToRDF(t *Thing) (*ld.RDFDataset, error) {
	doc, err := ThingDocument(t)
	if err != nil {
		return nil, err
	}
	return p.ToRDF(doc)
}

// Namespaces returns the prefixes usable with t: the standard vocabularies
// overridden by the Thing's own declarations.
func Namespaces(t *Thing) map[string]string {
	ns := make(map[string]string, len(StandardNamespaces)+len(t.Context.Prefixes))
	for k, v := range StandardNamespaces {
		ns[k] = v
	}
	for k, v := range t.Context.Prefixes {
		ns[k] = v
	}
	return ns
}

// LocalName returns the part of an IRI after the last '#' or '/'.
func LocalName(iri string) string {
	i := strings.LastIndexAny(iri, "#/")
	if i >= 0 && i < len(iri)-1 {
		return iri[i+1:]
	}
	return iri
}
