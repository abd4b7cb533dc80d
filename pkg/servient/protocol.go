package servient

import (
	"context"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

// ProtocolClient drives interactions over one transport. Implementations
// must be safe for concurrent use.
type ProtocolClient interface {
	ReadResource(ctx context.Context, form *wot.Form) (content.Content, error)
	WriteResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error)
	InvokeResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error)
	// ObserveResource returns a stream of content.Content values. The
	// transport subscription is opened by the first subscriber and closed
	// when the last one leaves.
	ObserveResource(ctx context.Context, form *wot.Form) (stream.Observable, error)
	// Discover streams the Things found by the transport's own discovery
	// mechanism. The channel is closed when discovery is over.
	Discover(ctx context.Context, filter *discovery.ThingFilter) (<-chan *wot.Thing, error)
	SetSecurity(schemes []wot.SecurityScheme, creds Credentials) error
	Close() error
}

// ProtocolServer exposes Things over one transport.
type ProtocolServer interface {
	Scheme() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Expose publishes the Thing and adds this server's forms to it.
	Expose(ctx context.Context, thing *ExposedThing) error
	Destroy(ctx context.Context, thingID string) error
	DirectoryURL() string
	ThingURL(thingID string) string
}

// ClientFactory creates a client for the scheme it was registered with.
type ClientFactory func() (ProtocolClient, error)

// Credentials are the secrets used to satisfy a Thing's security schemes.
type Credentials struct {
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	Token    string `yaml:"token" json:"token,omitempty"`
	APIKey   string `yaml:"apiKey" json:"apiKey,omitempty"`
}

// IsZero reports whether no secret is set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// CredentialStore looks up credentials by Thing id.
type CredentialStore interface {
	Credentials(thingID string) (Credentials, bool)
}

// StaticCredentials is an in-memory CredentialStore.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(thingID string) (Credentials, bool) {
	c, ok := s[thingID]
	return c, ok
}

// InteractionOptions carries per-call parameters.
type InteractionOptions struct {
	URIVariables map[string]any
	Data         any
}

// PropertyReadHandler produces the current value of a property.
type PropertyReadHandler func(ctx context.Context, opts InteractionOptions) (any, error)

// PropertyWriteHandler applies a new value and returns the value to store.
type PropertyWriteHandler func(ctx context.Context, value any, opts InteractionOptions) (any, error)

// ActionHandler runs an action.
type ActionHandler func(ctx context.Context, input any, opts InteractionOptions) (any, error)
