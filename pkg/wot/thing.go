package wot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known Thing Description context URLs.
const (
	TDContextV1  = "https://www.w3.org/2019/wot/td/v1"
	TDContextV11 = "https://www.w3.org/2022/wot/td/v1.1"
	TDNamespace  = "https://www.w3.org/2019/wot/td#"
)

// Thing describes the interaction surface of a networked resource. It is
// built once (see ThingBuilder) and treated as read-only afterwards; live
// engines work on a Clone.
type Thing struct {
	Context             Context                        `json:"@context"`
	ObjectType          StringList                     `json:"@type,omitempty"`
	ID                  string                         `json:"id,omitempty"`
	Title               string                         `json:"title"`
	Description         string                         `json:"description,omitempty"`
	Base                string                         `json:"base,omitempty"`
	Forms               []*Form                        `json:"forms,omitempty"`
	Security            StringList                     `json:"security,omitempty"`
	SecurityDefinitions SecurityDefinitions            `json:"securityDefinitions,omitempty"`
	Properties          map[string]*PropertyAffordance `json:"properties,omitempty"`
	Actions             map[string]*ActionAffordance   `json:"actions,omitempty"`
	Events              map[string]*EventAffordance    `json:"events,omitempty"`
}

// ParseThing decodes a Thing Description document.
func ParseThing(data []byte) (*Thing, error) {
	var t Thing
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse thing description: %w", err)
	}
	return &t, nil
}

func (t *Thing) UnmarshalJSON(data []byte) error {
	type plain Thing
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Thing(p)
	return t.Validate()
}

// Validate rejects null affordances and null forms, which a decoder
// accepts but nothing can interact with.
func (t *Thing) Validate() error {
	if err := checkForms("thing", t.Forms); err != nil {
		return err
	}
	for name, p := range t.Properties {
		if p == nil {
			return fmt.Errorf("property %q is null", name)
		}
		if err := checkForms("property "+name, p.Forms); err != nil {
			return err
		}
	}
	for name, a := range t.Actions {
		if a == nil {
			return fmt.Errorf("action %q is null", name)
		}
		if err := checkForms("action "+name, a.Forms); err != nil {
			return err
		}
	}
	for name, e := range t.Events {
		if e == nil {
			return fmt.Errorf("event %q is null", name)
		}
		if err := checkForms("event "+name, e.Forms); err != nil {
			return err
		}
	}
	return nil
}

func checkForms(owner string, forms []*Form) error {
	for i, f := range forms {
		if f == nil {
			return fmt.Errorf("%s form %d is null", owner, i)
		}
	}
	return nil
}

// ExpandedType resolves a "prefix:suffix" type against the prefixes declared
// in the Thing's context. Unknown prefixes and unprefixed values come back
// unchanged.
func (t *Thing) ExpandedType(prefixed string) string {
	prefix, suffix, ok := strings.Cut(prefixed, ":")
	if !ok {
		return prefixed
	}
	base, found := t.Context.Prefixes[prefix]
	if !found {
		return prefixed
	}
	return base + suffix
}

// PropertiesByExpandedType returns the properties carrying a semantic type
// that expands to typ.
func (t *Thing) PropertiesByExpandedType(typ string) map[string]*PropertyAffordance {
	result := make(map[string]*PropertyAffordance)
	for name, p := range t.Properties {
		for _, st := range p.SemanticType {
			if t.ExpandedType(st) == typ {
				result[name] = p
				break
			}
		}
	}
	return result
}

// Property, Action and Event are nil-safe lookups.
func (t *Thing) Property(name string) (*PropertyAffordance, bool) {
	p, ok := t.Properties[name]
	return p, ok
}

func (t *Thing) Action(name string) (*ActionAffordance, bool) {
	a, ok := t.Actions[name]
	return a, ok
}

func (t *Thing) Event(name string) (*EventAffordance, bool) {
	e, ok := t.Events[name]
	return e, ok
}

// SecuritySchemes resolves the Thing's security requirement names against
// its definitions. Names without a definition are skipped.
func (t *Thing) SecuritySchemes() []SecurityScheme {
	schemes := make([]SecurityScheme, 0, len(t.Security))
	for _, name := range t.Security {
		if s, ok := t.SecurityDefinitions[name]; ok {
			schemes = append(schemes, s)
		}
	}
	return schemes
}

// Clone returns a deep copy of the Thing's mutable parts: the forms and the
// affordance maps. Data schemas and security schemes are shared.
func (t *Thing) Clone() *Thing {
	c := *t
	c.Context = t.Context.clone()
	c.ObjectType = append(StringList(nil), t.ObjectType...)
	c.Security = append(StringList(nil), t.Security...)
	c.Forms = cloneForms(t.Forms)
	if t.SecurityDefinitions != nil {
		c.SecurityDefinitions = make(SecurityDefinitions, len(t.SecurityDefinitions))
		for k, v := range t.SecurityDefinitions {
			c.SecurityDefinitions[k] = v
		}
	}
	if t.Properties != nil {
		c.Properties = make(map[string]*PropertyAffordance, len(t.Properties))
		for k, v := range t.Properties {
			p := *v
			p.InteractionAffordance = v.InteractionAffordance.clone()
			c.Properties[k] = &p
		}
	}
	if t.Actions != nil {
		c.Actions = make(map[string]*ActionAffordance, len(t.Actions))
		for k, v := range t.Actions {
			a := *v
			a.InteractionAffordance = v.InteractionAffordance.clone()
			c.Actions[k] = &a
		}
	}
	if t.Events != nil {
		c.Events = make(map[string]*EventAffordance, len(t.Events))
		for k, v := range t.Events {
			e := *v
			e.InteractionAffordance = v.InteractionAffordance.clone()
			c.Events[k] = &e
		}
	}
	return &c
}

func (ia InteractionAffordance) clone() InteractionAffordance {
	ia.SemanticType = append(StringList(nil), ia.SemanticType...)
	ia.Forms = cloneForms(ia.Forms)
	return ia
}

func cloneForms(forms []*Form) []*Form {
	if forms == nil {
		return nil
	}
	out := make([]*Form, len(forms))
	for i, f := range forms {
		out[i] = f.Clone()
	}
	return out
}

// Context is the JSON-LD @context of a Thing: one or more context URLs plus
// prefix declarations. Other object members are kept verbatim.
type Context struct {
	URLs     []string
	Prefixes map[string]string
	Extra    map[string]any
}

// DefaultContext returns a context referencing the TD 1.1 vocabulary.
func DefaultContext() Context {
	return Context{URLs: []string{TDContextV11}}
}

func (c Context) clone() Context {
	out := Context{URLs: append([]string(nil), c.URLs...)}
	if c.Prefixes != nil {
		out.Prefixes = make(map[string]string, len(c.Prefixes))
		for k, v := range c.Prefixes {
			out.Prefixes[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// IsZero reports whether nothing was declared.
func (c Context) IsZero() bool {
	return len(c.URLs) == 0 && len(c.Prefixes) == 0 && len(c.Extra) == 0
}

func (c Context) MarshalJSON() ([]byte, error) {
	if len(c.Prefixes) == 0 && len(c.Extra) == 0 {
		switch len(c.URLs) {
		case 0:
			return json.Marshal(TDContextV11)
		case 1:
			return json.Marshal(c.URLs[0])
		}
	}
	items := make([]any, 0, len(c.URLs)+1)
	for _, u := range c.URLs {
		items = append(items, u)
	}
	if len(c.Prefixes) > 0 || len(c.Extra) > 0 {
		obj := make(map[string]any, len(c.Prefixes)+len(c.Extra))
		for k, v := range c.Extra {
			obj[k] = v
		}
		for k, v := range c.Prefixes {
			obj[k] = v
		}
		items = append(items, obj)
	}
	return json.Marshal(items)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Context{}
	return c.add(raw)
}

func (c *Context) add(v any) error {
	switch ctx := v.(type) {
	case nil:
		return nil
	case string:
		c.URLs = append(c.URLs, ctx)
	case []any:
		for _, item := range ctx {
			if err := c.add(item); err != nil {
				return err
			}
		}
	case map[string]any:
		for key, value := range ctx {
			if s, ok := value.(string); ok && !strings.HasPrefix(key, "@") {
				if c.Prefixes == nil {
					c.Prefixes = make(map[string]string)
				}
				c.Prefixes[key] = s
				continue
			}
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[key] = value
		}
	default:
		return fmt.Errorf("invalid @context entry of type %T", v)
	}
	return nil
}

// StringList is a JSON value that may be written either as a single string
// or as an array of strings.
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = many
	return nil
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
