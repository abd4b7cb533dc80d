// Package discovery selects Things by where to look for them and by a
// semantic query over their RDF form.
package discovery

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/pkg/wot"
)

// Method is the discovery scope.
type Method string

const (
	// MethodAny asks every registered binding's own discovery mechanism.
	MethodAny Method = "any"
	// MethodLocal only considers Things held by the local servient.
	MethodLocal Method = "local"
	// MethodDirectory fetches the Things listed by a directory URL.
	MethodDirectory Method = "directory"
)

// ThingQuery narrows down a batch of Things.
type ThingQuery interface {
	Filter(logger logrus.FieldLogger, things []*wot.Thing) ([]*wot.Thing, error)
}

// ThingFilter combines a discovery scope with an optional query.
type ThingFilter struct {
	Method Method
	URL    string
	Query  ThingQuery
}

// NewThingFilter returns a filter for method. A zero method means MethodAny.
func NewThingFilter(method Method) *ThingFilter {
	if method == "" {
		method = MethodAny
	}
	return &ThingFilter{Method: method}
}

func (f *ThingFilter) WithURL(url string) *ThingFilter {
	f.URL = url
	return f
}

func (f *ThingFilter) WithQuery(q ThingQuery) *ThingFilter {
	f.Query = q
	return f
}

// Validate checks that the scope has what it needs.
func (f *ThingFilter) Validate() error {
	switch f.Method {
	case MethodAny, MethodLocal:
		return nil
	case MethodDirectory:
		if f.URL == "" {
			return fmt.Errorf("directory discovery requires a URL")
		}
		return nil
	default:
		return fmt.Errorf("unknown discovery method %q", f.Method)
	}
}

// Apply runs the query, if any, over things.
func (f *ThingFilter) Apply(logger logrus.FieldLogger, things []*wot.Thing) ([]*wot.Thing, error) {
	if f == nil || f.Query == nil {
		return things, nil
	}
	return f.Query.Filter(logger, things)
}

// QueryError reports a query that cannot be built or evaluated.
type QueryError struct {
	Query      string
	Reason     string
	WrappedErr error
}

func (e *QueryError) Error() string {
	if e.WrappedErr != nil {
		return fmt.Sprintf("invalid thing query: %s: %v", e.Reason, e.WrappedErr)
	}
	return fmt.Sprintf("invalid thing query: %s", e.Reason)
}
func (e *QueryError) Unwrap() error { return e.WrappedErr }
