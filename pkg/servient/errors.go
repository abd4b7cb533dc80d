package servient

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/twinfer/wotkit/pkg/wot"
)

var (
	// ErrUnknownInteraction is returned for names a Thing does not declare.
	ErrUnknownInteraction = errors.New("unknown interaction")
	// ErrInteractionExists is returned when registering a name twice.
	ErrInteractionExists = errors.New("interaction already exists")
	// ErrThingExists is returned when producing a Thing id twice.
	ErrThingExists = errors.New("thing already exists")
	// ErrThingDestroyed is returned when exposing a destroyed Thing.
	ErrThingDestroyed = errors.New("thing destroyed")
)

// NoFormForInteractionError means no form offers a usable scheme for the
// requested operation.
type NoFormForInteractionError struct {
	ThingID     string
	Interaction string
	Operation   wot.Operation
	Schemes     []string
}

func (e *NoFormForInteractionError) Error() string {
	if len(e.Schemes) == 0 {
		return fmt.Sprintf("no form for operation '%s' on '%s' of thing '%s'", e.Operation, e.Interaction, e.ThingID)
	}
	return fmt.Sprintf("no form for operation '%s' on '%s' of thing '%s' with schemes [%s]",
		e.Operation, e.Interaction, e.ThingID, strings.Join(e.Schemes, ", "))
}

// NoClientFactoryForSchemesError means none of the candidate schemes could
// produce a protocol client.
type NoClientFactoryForSchemesError struct {
	ThingID    string
	Schemes    []string
	WrappedErr error
}

func (e *NoClientFactoryForSchemesError) Error() string {
	msg := fmt.Sprintf("no protocol client available for thing '%s' with schemes [%s]", e.ThingID, strings.Join(e.Schemes, ", "))
	if e.WrappedErr != nil {
		return fmt.Sprintf("%s: %v", msg, e.WrappedErr)
	}
	return msg
}
func (e *NoClientFactoryForSchemesError) Unwrap() error { return e.WrappedErr }

// ProtocolClientError is a transport failure reported by a binding.
type ProtocolClientError struct {
	Scheme     string
	Href       string
	Operation  wot.Operation
	WrappedErr error
}

func (e *ProtocolClientError) Error() string {
	return fmt.Sprintf("%s client failed on %s for '%s': %v", e.Scheme, e.Operation, e.Href, e.WrappedErr)
}
func (e *ProtocolClientError) Unwrap() error { return e.WrappedErr }

// ConsumedThingError is what callers of a ConsumedThing receive. The cause
// is available through errors.As / errors.Is.
type ConsumedThingError struct {
	ThingID     string
	Interaction string
	Operation   wot.Operation
	WrappedErr  error
}

func (e *ConsumedThingError) Error() string {
	return fmt.Sprintf("%s '%s' on thing '%s' failed: %v", e.Operation, e.Interaction, e.ThingID, e.WrappedErr)
}
func (e *ConsumedThingError) Unwrap() error { return e.WrappedErr }

// AggregateError collects the per-name failures of a multi-property
// operation.
type AggregateError struct {
	Operation string
	Errors    map[string]error
}

// Add records err for name. Nil errors are ignored.
func (e *AggregateError) Add(name string, err error) {
	if err == nil {
		return
	}
	if e.Errors == nil {
		e.Errors = make(map[string]error)
	}
	e.Errors[name] = err
}

// HasErrors checks if any errors have been added.
func (e *AggregateError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *AggregateError) names() []string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, name := range e.names() {
		msgs = append(msgs, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return fmt.Sprintf("%s encountered %d error(s): %s", e.Operation, len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes every per-name error to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, name := range e.names() {
		errs = append(errs, e.Errors[name])
	}
	return errs
}

// HandlerError wraps a failure or panic in an application handler.
type HandlerError struct {
	Interaction string
	Panic       any
	WrappedErr  error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for '%s' panicked: %v", e.Interaction, e.Panic)
	}
	return fmt.Sprintf("handler for '%s' failed: %v", e.Interaction, e.WrappedErr)
}
func (e *HandlerError) Unwrap() error { return e.WrappedErr }
