package wot

import (
	"errors"
	"fmt"
)

// DefaultSecurityName is the definition name used when a Thing is built
// without any security configuration.
const DefaultSecurityName = "nosec_sc"

// ThingBuilder assembles a Thing. Errors are collected and reported by Build.
type ThingBuilder struct {
	thing *Thing
	errs  []error
}

// NewThingBuilder starts a Thing with the given id and title.
func NewThingBuilder(id, title string) *ThingBuilder {
	return &ThingBuilder{thing: &Thing{
		Context:             DefaultContext(),
		ID:                  id,
		Title:               title,
		SecurityDefinitions: SecurityDefinitions{},
		Properties:          map[string]*PropertyAffordance{},
		Actions:             map[string]*ActionAffordance{},
		Events:              map[string]*EventAffordance{},
	}}
}

func (b *ThingBuilder) WithDescription(description string) *ThingBuilder {
	b.thing.Description = description
	return b
}

// WithType adds JSON-LD @type values.
func (b *ThingBuilder) WithType(types ...string) *ThingBuilder {
	b.thing.ObjectType = append(b.thing.ObjectType, types...)
	return b
}

// WithContextURL adds another context document reference.
func (b *ThingBuilder) WithContextURL(url string) *ThingBuilder {
	b.thing.Context.URLs = append(b.thing.Context.URLs, url)
	return b
}

// WithPrefix declares a context prefix used by semantic types.
func (b *ThingBuilder) WithPrefix(prefix, url string) *ThingBuilder {
	if b.thing.Context.Prefixes == nil {
		b.thing.Context.Prefixes = make(map[string]string)
	}
	b.thing.Context.Prefixes[prefix] = url
	return b
}

func (b *ThingBuilder) WithBase(base string) *ThingBuilder {
	b.thing.Base = base
	return b
}

// WithForm adds a Thing-level form.
func (b *ThingBuilder) WithForm(form *Form) *ThingBuilder {
	b.thing.Forms = append(b.thing.Forms, form)
	return b
}

// WithSecurity registers a definition and requires it.
func (b *ThingBuilder) WithSecurity(name string, scheme SecurityScheme) *ThingBuilder {
	b.thing.SecurityDefinitions[name] = scheme
	if !b.thing.Security.Contains(name) {
		b.thing.Security = append(b.thing.Security, name)
	}
	return b
}

// WithSecurityDefinition registers a definition without requiring it.
func (b *ThingBuilder) WithSecurityDefinition(name string, scheme SecurityScheme) *ThingBuilder {
	b.thing.SecurityDefinitions[name] = scheme
	return b
}

func (b *ThingBuilder) WithProperty(name string, p *PropertyAffordance) *ThingBuilder {
	if _, exists := b.thing.Properties[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate property %q", name))
		return b
	}
	b.thing.Properties[name] = p
	return b
}

func (b *ThingBuilder) WithAction(name string, a *ActionAffordance) *ThingBuilder {
	if _, exists := b.thing.Actions[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate action %q", name))
		return b
	}
	b.thing.Actions[name] = a
	return b
}

func (b *ThingBuilder) WithEvent(name string, e *EventAffordance) *ThingBuilder {
	if _, exists := b.thing.Events[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate event %q", name))
		return b
	}
	b.thing.Events[name] = e
	return b
}

// Build validates and returns the Thing. A Thing without security
// requirements gets a nosec definition.
func (b *ThingBuilder) Build() (*Thing, error) {
	errs := append([]error(nil), b.errs...)
	if b.thing.Title == "" {
		errs = append(errs, errors.New("thing title is required"))
	}
	for _, name := range b.thing.Security {
		if _, ok := b.thing.SecurityDefinitions[name]; !ok {
			errs = append(errs, fmt.Errorf("security %q has no definition", name))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid thing %q: %w", b.thing.ID, errors.Join(errs...))
	}
	if len(b.thing.Security) == 0 {
		b.thing.SecurityDefinitions[DefaultSecurityName] = &NoSecurityScheme{}
		b.thing.Security = StringList{DefaultSecurityName}
	}
	return b.thing.Clone(), nil
}

// NewProperty is a shorthand for a property of the given JSON type.
func NewProperty(typ string) *PropertyAffordance {
	return &PropertyAffordance{DataSchemaCore: DataSchemaCore{Type: typ}}
}

// NewAction is a shorthand for an action with optional input and output.
func NewAction(input, output *DataSchema) *ActionAffordance {
	return &ActionAffordance{Input: input, Output: output}
}

// NewEvent is a shorthand for an event with an optional data schema.
func NewEvent(data *DataSchema) *EventAffordance {
	return &EventAffordance{Data: data}
}

// Schema is a shorthand for a data schema of the given JSON type.
func Schema(typ string) *DataSchema {
	return &DataSchema{DataSchemaCore: DataSchemaCore{Type: typ}}
}
