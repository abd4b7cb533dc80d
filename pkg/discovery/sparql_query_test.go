package discovery

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/wotkit/pkg/wot"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testThings(t *testing.T) []*wot.Thing {
	t.Helper()

	counter, err := wot.NewThingBuilder("urn:dev:counter", "Counter").
		WithProperty("count", wot.NewProperty("integer")).
		WithAction("increment", wot.NewAction(nil, nil)).
		Build()
	require.NoError(t, err)

	lamp, err := wot.NewThingBuilder("urn:dev:lamp", "Lamp").
		WithPrefix("saref", "https://w3id.org/saref#").
		WithType("saref:LightSwitch").
		WithProperty("on", wot.NewProperty("boolean")).
		Build()
	require.NoError(t, err)

	anonymous, err := wot.NewThingBuilder("sensor-without-iri", "Sensor").
		WithPrefix("saref", "https://w3id.org/saref#").
		WithType("saref:Sensor").
		Build()
	require.NoError(t, err)

	return []*wot.Thing{counter, lamp, anonymous}
}

func TestNewSparqlThingQuery_ReservedVariable(t *testing.T) {
	for _, pattern := range []string{
		`?__id__ td:title "Counter" .`,
		`?x td:title $__id__ .`,
	} {
		q, err := NewSparqlThingQuery(pattern)
		assert.Nil(t, q)

		var queryErr *QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Contains(t, queryErr.Reason, "reserved")
	}

	_, err := NewSparqlThingQuery(`?__id__x td:title "Counter" .`)
	assert.NoError(t, err, "only the exact variable name is reserved")
}

func TestNewSparqlThingQuery_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"unclosed filter", `?x td:title ?t . FILTER(?t = "x"`},
		{"unknown function", `?x td:title ?t . FILTER(sha1(?t) = "x")`},
		{"bound of a literal", `?x td:title ?t . FILTER(bound("x"))`},
		{"invalid regex", `?x td:title ?t . FILTER regex(?t, "(")`},
		{"wrong arity", `?x td:title ?t . FILTER(contains(?t))`},
		{"optional without group", `?x td:title ?t . OPTIONAL ?x td:description ?d`},
		{"unknown prefix", `?x foo:bar ?y .`},
		{"unterminated iri", `?x <http://broken ?y .`},
		{"unterminated string", `?x td:title "abc .`},
		{"literal subject", `"x" td:title ?y .`},
		{"unclosed group", `{ ?x td:title ?y`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSparqlThingQuery(tt.pattern)
			var queryErr *QueryError
			assert.ErrorAs(t, err, &queryErr)
		})
	}
}

func TestSparqlThingQuery_Query(t *testing.T) {
	q, err := NewSparqlThingQuery("PREFIX ex: <http://example.org/>\n?x ex:p ?y .")
	require.NoError(t, err)
	assert.Equal(t, "PREFIX ex: <http://example.org/>\nSELECT DISTINCT ?__id__ WHERE { GRAPH ?__id__ { ?x ex:p ?y . } }", q.Query())
}

func TestSparqlThingQuery_EmptyInput(t *testing.T) {
	q, err := NewSparqlThingQuery(`?x td:title ?t .`)
	require.NoError(t, err)

	result, err := q.Filter(newTestLogger(), nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Empty(t, result)
}

func TestSparqlThingQuery_Filter(t *testing.T) {
	things := testThings(t)
	logger := newTestLogger()

	tests := []struct {
		name     string
		pattern  string
		expected []string
	}{
		{"title literal", `?x td:title "Counter" .`, []string{"Counter"}},
		{"full iri", `?x <https://www.w3.org/2019/wot/td#title> "Lamp" .`, []string{"Lamp"}},
		{"subject iri", `<urn:dev:lamp> td:title ?t .`, []string{"Lamp"}},
		{"semantic type with prefix decl", "PREFIX saref: <https://w3id.org/saref#>\n?x a saref:LightSwitch .", []string{"Lamp"}},
		{"blank node thing", "PREFIX saref: <https://w3id.org/saref#>\n?x a saref:Sensor ; td:title ?t .", []string{"Sensor"}},
		{"any title", `?x td:title ?t .`, []string{"Counter", "Lamp", "Sensor"}},
		{"join through property", `?x td:hasPropertyAffordance ?p . ?p a jsonschema:IntegerSchema .`, []string{"Counter"}},
		{"affordance name", `?x td:hasPropertyAffordance ?p . ?p td:name "on" .`, []string{"Lamp"}},
		{"object list", `?x td:title "Counter", "Lamp" .`, nil},
		{"blank node variable", `_:thing td:hasActionAffordance [] .`, []string{"Counter"}},
		{"no match", `?x td:title "Toaster" .`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewSparqlThingQuery(tt.pattern)
			require.NoError(t, err)

			result, err := q.Filter(logger, things)
			require.NoError(t, err)

			var titles []string
			for _, th := range result {
				titles = append(titles, th.Title)
			}
			assert.Equal(t, tt.expected, titles)
		})
	}
}

func TestSparqlThingQuery_GroupPatterns(t *testing.T) {
	things := testThings(t)
	logger := newTestLogger()

	tests := []struct {
		name     string
		pattern  string
		expected []string
	}{
		{"filter equality", `?x td:title ?t . FILTER(?t = "Counter")`, []string{"Counter"}},
		{"filter inequality", `?x td:title ?t . FILTER(?t != "Counter")`, []string{"Lamp", "Sensor"}},
		{"filter or", `?x td:title ?t FILTER(?t = "Lamp" || ?t = "Sensor")`, []string{"Lamp", "Sensor"}},
		{"regex with flags", `?x td:title ?t . FILTER regex(?t, "^c", "i")`, []string{"Counter"}},
		{"contains", `?x td:title ?t . FILTER(contains(?t, "am"))`, []string{"Lamp"}},
		{"negated contains", `?x td:title ?t . FILTER(!contains(?t, "o"))`, []string{"Lamp"}},
		{"strstarts on lcase", `?x td:title ?t . FILTER(strstarts(lcase(?t), "sen"))`, []string{"Sensor"}},
		{"iri subjects only", `?x td:title ?t . FILTER(isIRI(?x))`, []string{"Counter", "Lamp"}},
		{"optional keeps unmatched", `?x td:title ?t . OPTIONAL { ?x td:hasActionAffordance ?a }`, []string{"Counter", "Lamp", "Sensor"}},
		{"optional with bound", `?x td:title ?t . OPTIONAL { ?x td:hasActionAffordance ?a } FILTER(!bound(?a))`, []string{"Lamp", "Sensor"}},
		{"filter on unbound is false", `?x td:title ?t . OPTIONAL { ?x td:hasActionAffordance ?a } FILTER(isBlank(?a))`, []string{"Counter"}},
		{"nested group", `{ ?x td:title "Lamp" }`, []string{"Lamp"}},
		{"filter inside optional", `?x td:title ?t . OPTIONAL { ?x td:title ?u FILTER(?u = "Lamp") } FILTER(bound(?u))`, []string{"Lamp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewSparqlThingQuery(tt.pattern)
			require.NoError(t, err)

			result, err := q.Filter(logger, things)
			require.NoError(t, err)

			var titles []string
			for _, th := range result {
				titles = append(titles, th.Title)
			}
			assert.Equal(t, tt.expected, titles)
		})
	}
}

func TestSparqlThingQuery_NumericLiterals(t *testing.T) {
	thing, err := wot.NewThingBuilder("urn:dev:dimmer", "Dimmer").
		WithProperty("level", &wot.PropertyAffordance{DataSchemaCore: wot.DataSchemaCore{Type: "integer", Maximum: ptr(100.0)}}).
		Build()
	require.NoError(t, err)

	q, err := NewSparqlThingQuery(`?x td:hasPropertyAffordance ?p . ?p jsonschema:maximum 100 .`)
	require.NoError(t, err)

	result, err := q.Filter(newTestLogger(), []*wot.Thing{thing})
	require.NoError(t, err)
	assert.Len(t, result, 1)

	for pattern, matches := range map[string]bool{
		`?p jsonschema:maximum ?m . FILTER(?m >= 50 && ?m < 200)`: true,
		`?p jsonschema:maximum ?m . FILTER(?m > 100)`:             false,
		`?p jsonschema:maximum ?m . FILTER(?m<=100)`:              true,
	} {
		q, err := NewSparqlThingQuery(pattern)
		require.NoError(t, err, pattern)
		result, err := q.Filter(newTestLogger(), []*wot.Thing{thing})
		require.NoError(t, err)
		assert.Equal(t, matches, len(result) == 1, pattern)
	}
}

func ptr[T any](v T) *T { return &v }

func TestThingFilter(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		assert.NoError(t, NewThingFilter("").Validate())
		assert.Equal(t, MethodAny, NewThingFilter("").Method)
		assert.Error(t, NewThingFilter(MethodDirectory).Validate())
		assert.NoError(t, NewThingFilter(MethodDirectory).WithURL("http://dir").Validate())
		assert.Error(t, (&ThingFilter{Method: "bogus"}).Validate())
	})

	t.Run("apply without query keeps all", func(t *testing.T) {
		things := testThings(t)
		result, err := NewThingFilter(MethodLocal).Apply(newTestLogger(), things)
		require.NoError(t, err)
		assert.Equal(t, things, result)
	})

	t.Run("apply with query", func(t *testing.T) {
		q, err := NewSparqlThingQuery(`?x td:title "Lamp" .`)
		require.NoError(t, err)

		result, err := NewThingFilter(MethodLocal).WithQuery(q).Apply(newTestLogger(), testThings(t))
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, "urn:dev:lamp", result[0].ID)
	})
}
