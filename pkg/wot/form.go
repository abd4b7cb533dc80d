package wot

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Operation is a TD operation type.
type Operation string

const (
	OpReadProperty            Operation = "readproperty"
	OpWriteProperty           Operation = "writeproperty"
	OpObserveProperty         Operation = "observeproperty"
	OpUnobserveProperty       Operation = "unobserveproperty"
	OpInvokeAction            Operation = "invokeaction"
	OpSubscribeEvent          Operation = "subscribeevent"
	OpUnsubscribeEvent        Operation = "unsubscribeevent"
	OpReadAllProperties       Operation = "readallproperties"
	OpWriteAllProperties      Operation = "writeallproperties"
	OpReadMultipleProperties  Operation = "readmultipleproperties"
	OpWriteMultipleProperties Operation = "writemultipleproperties"
)

// DefaultContentType is assumed when a form omits contentType.
const DefaultContentType = "application/json"

// Form binds an interaction to one transport endpoint. Members other than
// the ones modelled here (htv:methodName, mqv:qos, ...) are carried in
// Extensions and written back unchanged.
type Form struct {
	Href        string
	ContentType string
	Op          []Operation
	Subprotocol string
	Security    StringList
	Extensions  map[string]any
}

// NewForm returns a form for href restricted to the given operations.
func NewForm(href, contentType string, ops ...Operation) *Form {
	return &Form{Href: href, ContentType: contentType, Op: ops}
}

// Scheme returns the lower-cased URI scheme of the href, or "" when the href
// has none. Templates are accepted; only the scheme part is inspected.
func (f *Form) Scheme() string {
	scheme, _, ok := strings.Cut(f.Href, ":")
	if !ok || scheme == "" {
		return ""
	}
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return ""
		}
	}
	return strings.ToLower(scheme)
}

// HasOp reports whether the form explicitly lists op.
func (f *Form) HasOp(op Operation) bool {
	for _, o := range f.Op {
		if o == op {
			return true
		}
	}
	return false
}

// MediaType returns the declared content type or the TD default.
func (f *Form) MediaType() string {
	if f.ContentType == "" {
		return DefaultContentType
	}
	return f.ContentType
}

// Extension returns a pass-through member such as "htv:methodName".
func (f *Form) Extension(key string) (any, bool) {
	v, ok := f.Extensions[key]
	return v, ok
}

// StringExtension returns a pass-through member when it is a string.
func (f *Form) StringExtension(key string) string {
	s, _ := f.Extensions[key].(string)
	return s
}

// SetExtension stores a pass-through member.
func (f *Form) SetExtension(key string, value any) {
	if f.Extensions == nil {
		f.Extensions = make(map[string]any)
	}
	f.Extensions[key] = value
}

// Clone returns a copy that does not share slices or maps with f.
func (f *Form) Clone() *Form {
	if f == nil {
		return nil
	}
	c := *f
	c.Op = append([]Operation(nil), f.Op...)
	c.Security = append(StringList(nil), f.Security...)
	if f.Extensions != nil {
		c.Extensions = make(map[string]any, len(f.Extensions))
		for k, v := range f.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}

// Equal reports whether f and o describe the same endpoint and operations.
func (f *Form) Equal(o *Form) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Href == o.Href &&
		f.MediaType() == o.MediaType() &&
		f.Subprotocol == o.Subprotocol &&
		slices.Equal(f.Op, o.Op) &&
		slices.Equal(f.Security, o.Security) &&
		(len(f.Extensions) == 0 && len(o.Extensions) == 0 || reflect.DeepEqual(f.Extensions, o.Extensions))
}

func (f *Form) String() string {
	return fmt.Sprintf("%s %v", f.Href, f.Op)
}

func (f Form) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.Extensions)+5)
	for k, v := range f.Extensions {
		m[k] = v
	}
	m["href"] = f.Href
	if f.ContentType != "" {
		m["contentType"] = f.ContentType
	}
	switch len(f.Op) {
	case 0:
	case 1:
		m["op"] = f.Op[0]
	default:
		m["op"] = f.Op
	}
	if f.Subprotocol != "" {
		m["subprotocol"] = f.Subprotocol
	}
	if len(f.Security) > 0 {
		m["security"] = f.Security
	}
	return json.Marshal(m)
}

func (f *Form) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Form{}
	for key, value := range raw {
		var err error
		switch key {
		case "href":
			err = json.Unmarshal(value, &f.Href)
		case "contentType":
			err = json.Unmarshal(value, &f.ContentType)
		case "subprotocol":
			err = json.Unmarshal(value, &f.Subprotocol)
		case "security":
			err = json.Unmarshal(value, &f.Security)
		case "op":
			var ops StringList
			if err = json.Unmarshal(value, &ops); err == nil {
				for _, op := range ops {
					f.Op = append(f.Op, Operation(op))
				}
			}
		default:
			var v any
			if err = json.Unmarshal(value, &v); err == nil {
				f.SetExtension(key, v)
			}
		}
		if err != nil {
			return fmt.Errorf("form member %q: %w", key, err)
		}
	}
	if f.Href == "" {
		return fmt.Errorf("form is missing href")
	}
	return nil
}
