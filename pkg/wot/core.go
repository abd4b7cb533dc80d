package wot

// DataSchemaCore holds the structural JSON Schema keywords shared by data
// schemas and property affordances.
type DataSchemaCore struct {
	Type    string `json:"type,omitempty"` // object, array, string, number, integer, boolean, null
	Format  string `json:"format,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Enum    []any  `json:"enum,omitempty"`
	Const   any    `json:"const,omitempty"`
	Default any    `json:"default,omitempty"`

	Pattern   string `json:"pattern,omitempty"`
	MinLength *uint  `json:"minLength,omitempty"`
	MaxLength *uint  `json:"maxLength,omitempty"`

	Minimum    *float64 `json:"minimum,omitempty"`
	Maximum    *float64 `json:"maximum,omitempty"`
	MultipleOf *float64 `json:"multipleOf,omitempty"`

	Properties map[string]*DataSchema `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`

	Items    *DataSchema `json:"items,omitempty"`
	MinItems *uint       `json:"minItems,omitempty"`
	MaxItems *uint       `json:"maxItems,omitempty"`

	OneOf []DataSchema `json:"oneOf,omitempty"`

	ReadOnly   bool `json:"readOnly,omitempty"`
	WriteOnly  bool `json:"writeOnly,omitempty"`
	Observable bool `json:"observable,omitempty"`
}

// DataSchema describes a value exchanged with a Thing. It is a subset of
// JSON Schema plus the TD annotations.
type DataSchema struct {
	DataSchemaCore

	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	SemanticType StringList `json:"@type,omitempty"`
}

// InteractionAffordance carries the metadata common to properties, actions
// and events.
type InteractionAffordance struct {
	SemanticType StringList             `json:"@type,omitempty"`
	Title        string                 `json:"title,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Forms        []*Form                `json:"forms,omitempty"`
	URIVariables map[string]*DataSchema `json:"uriVariables,omitempty"`
}

// PropertyAffordance is a readable, writable or observable state of a Thing.
type PropertyAffordance struct {
	InteractionAffordance
	DataSchemaCore
}

// Schema returns the property value schema without the affordance metadata.
func (pa *PropertyAffordance) Schema() *DataSchema {
	return &DataSchema{DataSchemaCore: pa.DataSchemaCore, Title: pa.Title}
}

// IsReadOnly reports whether writes must be rejected.
func (pa *PropertyAffordance) IsReadOnly() bool { return pa.ReadOnly }

// IsWriteOnly reports whether reads must be rejected.
func (pa *PropertyAffordance) IsWriteOnly() bool { return pa.WriteOnly }

// IsObservable reports whether value changes are pushed to observers.
func (pa *PropertyAffordance) IsObservable() bool { return pa.Observable }

// ActionAffordance is a function of a Thing.
type ActionAffordance struct {
	InteractionAffordance
	Input      *DataSchema `json:"input,omitempty"`
	Output     *DataSchema `json:"output,omitempty"`
	Safe       bool        `json:"safe,omitempty"`
	Idempotent bool        `json:"idempotent,omitempty"`
}

// EventAffordance is an event source of a Thing.
type EventAffordance struct {
	InteractionAffordance
	Data *DataSchema `json:"data,omitempty"`
}

// InteractionKind names the three affordance maps of a Thing.
type InteractionKind string

const (
	KindProperty InteractionKind = "properties"
	KindAction   InteractionKind = "actions"
	KindEvent    InteractionKind = "events"
)
