package wot

import (
	"encoding/json"
	"fmt"
)

// SecurityScheme is one of the concrete scheme types below. The concrete
// type is chosen from the "scheme" member when decoding.
type SecurityScheme interface {
	SchemeName() string
}

// SecuritySchemeCore holds the members every scheme may carry.
type SecuritySchemeCore struct {
	Type        StringList `json:"@type,omitempty"`
	Description string     `json:"description,omitempty"`
	Proxy       string     `json:"proxy,omitempty"`
}

type NoSecurityScheme struct {
	SecuritySchemeCore
}

type BasicSecurityScheme struct {
	SecuritySchemeCore
	In   string `json:"in,omitempty"`
	Name string `json:"name,omitempty"`
}

type DigestSecurityScheme struct {
	SecuritySchemeCore
	QOP  string `json:"qop,omitempty"`
	In   string `json:"in,omitempty"`
	Name string `json:"name,omitempty"`
}

// APIKeySecurityScheme carries the key in a header, query parameter or
// cookie named Name.
type APIKeySecurityScheme struct {
	SecuritySchemeCore
	In   string `json:"in,omitempty"`
	Name string `json:"name,omitempty"`
}

type BearerSecurityScheme struct {
	SecuritySchemeCore
	Authorization string `json:"authorization,omitempty"`
	Alg           string `json:"alg,omitempty"`
	Format        string `json:"format,omitempty"`
	In            string `json:"in,omitempty"`
	Name          string `json:"name,omitempty"`
}

type PSKSecurityScheme struct {
	SecuritySchemeCore
	Identity string `json:"identity,omitempty"`
}

type OAuth2SecurityScheme struct {
	SecuritySchemeCore
	Authorization string     `json:"authorization,omitempty"`
	Token         string     `json:"token,omitempty"`
	Refresh       string     `json:"refresh,omitempty"`
	Scopes        StringList `json:"scopes,omitempty"`
	Flow          string     `json:"flow,omitempty"`
}

// UnknownSecurityScheme keeps a scheme this package does not model.
type UnknownSecurityScheme struct {
	Scheme  string
	Members map[string]any
}

func (NoSecurityScheme) SchemeName() string        { return "nosec" }
func (BasicSecurityScheme) SchemeName() string     { return "basic" }
func (DigestSecurityScheme) SchemeName() string    { return "digest" }
func (APIKeySecurityScheme) SchemeName() string    { return "apikey" }
func (BearerSecurityScheme) SchemeName() string    { return "bearer" }
func (PSKSecurityScheme) SchemeName() string       { return "psk" }
func (OAuth2SecurityScheme) SchemeName() string    { return "oauth2" }
func (s UnknownSecurityScheme) SchemeName() string { return s.Scheme }

func (s NoSecurityScheme) MarshalJSON() ([]byte, error) {
	type plain NoSecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s BasicSecurityScheme) MarshalJSON() ([]byte, error) {
	type plain BasicSecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s DigestSecurityScheme) MarshalJSON() ([]byte, error) {
	type plain DigestSecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s APIKeySecurityScheme) MarshalJSON() ([]byte, error) {
	type plain APIKeySecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s BearerSecurityScheme) MarshalJSON() ([]byte, error) {
	type plain BearerSecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s PSKSecurityScheme) MarshalJSON() ([]byte, error) {
	type plain PSKSecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s OAuth2SecurityScheme) MarshalJSON() ([]byte, error) {
	type plain OAuth2SecurityScheme
	return marshalWithScheme(s.SchemeName(), plain(s))
}

func (s UnknownSecurityScheme) MarshalJSON() ([]byte, error) {
	return marshalWithScheme(s.Scheme, s.Members)
}

func marshalWithScheme(name string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	m["scheme"] = name
	return json.Marshal(m)
}

// SecurityDefinitions maps definition names to schemes.
type SecurityDefinitions map[string]SecurityScheme

func (d *SecurityDefinitions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	defs := make(SecurityDefinitions, len(raw))
	for name, msg := range raw {
		scheme, err := DecodeSecurityScheme(msg)
		if err != nil {
			return fmt.Errorf("security definition %q: %w", name, err)
		}
		defs[name] = scheme
	}
	*d = defs
	return nil
}

// DecodeSecurityScheme decodes a single scheme object, dispatching on its
// "scheme" member.
func DecodeSecurityScheme(data []byte) (SecurityScheme, error) {
	var head struct {
		Scheme string `json:"scheme"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var target SecurityScheme
	switch head.Scheme {
	case "nosec":
		target = &NoSecurityScheme{}
	case "basic":
		target = &BasicSecurityScheme{}
	case "digest":
		target = &DigestSecurityScheme{}
	case "apikey":
		target = &APIKeySecurityScheme{}
	case "bearer":
		target = &BearerSecurityScheme{}
	case "psk":
		target = &PSKSecurityScheme{}
	case "oauth2":
		target = &OAuth2SecurityScheme{}
	case "":
		return nil, fmt.Errorf("missing scheme member")
	default:
		var members map[string]any
		if err := json.Unmarshal(data, &members); err != nil {
			return nil, err
		}
		delete(members, "scheme")
		return &UnknownSecurityScheme{Scheme: head.Scheme, Members: members}, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("invalid %s scheme: %w", head.Scheme, err)
	}
	return target, nil
}
