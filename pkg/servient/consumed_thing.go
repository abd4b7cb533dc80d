package servient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

// ConsumedThing drives interactions with a remote Thing through the
// protocol clients of its servient. It caches one client per scheme for
// its whole lifetime.
type ConsumedThing struct {
	servient *Servient
	thing    *wot.Thing
	logger   logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]ProtocolClient
	closed  bool
	// creating serializes first use of a scheme so that concurrent callers
	// share one client.
	creating singleflight.Group
}

func newConsumedThing(s *Servient, thing *wot.Thing) *ConsumedThing {
	t := thing.Clone()
	resolveForms(t.Base, t.Forms)
	for _, p := range t.Properties {
		resolveForms(t.Base, p.Forms)
	}
	for _, a := range t.Actions {
		resolveForms(t.Base, a.Forms)
	}
	for _, ev := range t.Events {
		resolveForms(t.Base, ev.Forms)
	}
	return &ConsumedThing{
		servient: s,
		thing:    t,
		logger:   s.logger.WithField("thing_id", t.ID),
		clients:  make(map[string]ProtocolClient),
	}
}

// resolveForms makes relative hrefs absolute against base.
func resolveForms(base string, forms []*wot.Form) {
	if base == "" {
		return
	}
	for _, f := range forms {
		if f.Scheme() != "" {
			continue
		}
		f.Href = resolveHref(base, f.Href)
	}
}

func resolveHref(base, href string) string {
	// templates do not survive url.Parse
	if strings.ContainsAny(href, "{}") {
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(href, "/")
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	r, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(r).String()
}

// Description returns a copy of the consumed Thing with absolute hrefs.
func (c *ConsumedThing) Description() *wot.Thing {
	return c.thing.Clone()
}

// ID returns the id of the consumed Thing.
func (c *ConsumedThing) ID() string {
	return c.thing.ID
}

func formSchemes(forms []*wot.Form) []string {
	var schemes []string
	seen := make(map[string]bool)
	for _, f := range forms {
		s := f.Scheme()
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		schemes = append(schemes, s)
	}
	return schemes
}

// selectForm prefers a form listing op and falls back to one without ops.
func selectForm(forms []*wot.Form, scheme string, op wot.Operation) *wot.Form {
	for _, f := range forms {
		if f.Scheme() == scheme && f.HasOp(op) {
			return f
		}
	}
	for _, f := range forms {
		if f.Scheme() == scheme && len(f.Op) == 0 {
			return f
		}
	}
	return nil
}

// resolve picks the client and form for op among forms.
func (c *ConsumedThing) resolve(interaction string, forms []*wot.Form, op wot.Operation) (ProtocolClient, *wot.Form, error) {
	noForm := func(schemes []string) error {
		return &NoFormForInteractionError{ThingID: c.thing.ID, Interaction: interaction, Operation: op, Schemes: schemes}
	}

	candidates := formSchemes(forms)
	if len(candidates) == 0 {
		return nil, nil, noForm(nil)
	}
	schemes := c.servient.orderSchemes(candidates)
	if len(schemes) == 0 {
		return nil, nil, noForm(candidates)
	}

	pick := func(scheme string, client ProtocolClient) (ProtocolClient, *wot.Form, error) {
		form := selectForm(forms, scheme, op)
		if form == nil {
			return nil, nil, noForm([]string{scheme})
		}
		return client, form, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, errors.New("consumed thing is closed")
	}
	for _, scheme := range schemes {
		if client, ok := c.clients[scheme]; ok {
			c.mu.Unlock()
			return pick(scheme, client)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, scheme := range schemes {
		client, err := c.client(scheme)
		if err != nil {
			c.logger.WithError(err).Debugf("No %s client", scheme)
			errs = append(errs, err)
			continue
		}
		return pick(scheme, client)
	}
	return nil, nil, &NoClientFactoryForSchemesError{ThingID: c.thing.ID, Schemes: schemes, WrappedErr: errors.Join(errs...)}
}

// client returns the cached client for scheme, creating and securing it on
// first use. Concurrent first callers wait for the same creation.
func (c *ConsumedThing) client(scheme string) (ProtocolClient, error) {
	v, err, _ := c.creating.Do(scheme, func() (any, error) {
		c.mu.Lock()
		if client, ok := c.clients[scheme]; ok {
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		client, err := c.servient.NewClient(scheme)
		if err != nil {
			return nil, err
		}
		creds := c.servient.credentialsFor(c.thing.ID)
		if err := client.SetSecurity(c.thing.SecuritySchemes(), creds); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set %s client security: %w", scheme, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			client.Close()
			return nil, errors.New("consumed thing is closed")
		}
		c.clients[scheme] = client
		c.logger.Debugf("Created %s client", scheme)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ProtocolClient), nil
}

func (c *ConsumedThing) fail(interaction string, op wot.Operation, err error) error {
	c.logger.WithFields(logrus.Fields{
		"interaction": interaction,
		"operation":   op,
	}).WithError(err).Debug("Interaction failed")
	return &ConsumedThingError{ThingID: c.thing.ID, Interaction: interaction, Operation: op, WrappedErr: err}
}

func clientError(form *wot.Form, op wot.Operation, err error) error {
	return &ProtocolClientError{Scheme: form.Scheme(), Href: form.Href, Operation: op, WrappedErr: err}
}

func uriVariables(opts []InteractionOptions) map[string]any {
	return firstOptions(opts).URIVariables
}

// ReadProperty reads the remote value of name.
func (c *ConsumedThing) ReadProperty(ctx context.Context, name string, opts ...InteractionOptions) (any, error) {
	op := wot.OpReadProperty
	p, ok := c.thing.Property(name)
	if !ok {
		return nil, c.fail(name, op, ErrUnknownInteraction)
	}
	client, form, err := c.resolve(name, p.Forms, op)
	if err != nil {
		return nil, c.fail(name, op, err)
	}
	form, err = wot.ExpandURIVariables(form, uriVariables(opts))
	if err != nil {
		return nil, c.fail(name, op, err)
	}
	ct, err := client.ReadResource(ctx, form)
	if err != nil {
		return nil, c.fail(name, op, clientError(form, op, err))
	}
	value, err := c.servient.content.ContentToValue(ct, p.Schema())
	if err != nil {
		return nil, c.fail(name, op, err)
	}
	return value, nil
}

// WriteProperty sends value for name.
func (c *ConsumedThing) WriteProperty(ctx context.Context, name string, value any, opts ...InteractionOptions) error {
	op := wot.OpWriteProperty
	p, ok := c.thing.Property(name)
	if !ok {
		return c.fail(name, op, ErrUnknownInteraction)
	}
	client, form, err := c.resolve(name, p.Forms, op)
	if err != nil {
		return c.fail(name, op, err)
	}
	form, err = wot.ExpandURIVariables(form, uriVariables(opts))
	if err != nil {
		return c.fail(name, op, err)
	}
	ct, err := c.servient.content.ValueToContent(value, p.Schema(), form.MediaType())
	if err != nil {
		return c.fail(name, op, err)
	}
	if _, err := client.WriteResource(ctx, form, ct); err != nil {
		return c.fail(name, op, clientError(form, op, err))
	}
	return nil
}

// InvokeAction invokes name with input and decodes the output.
func (c *ConsumedThing) InvokeAction(ctx context.Context, name string, input any, opts ...InteractionOptions) (any, error) {
	op := wot.OpInvokeAction
	a, ok := c.thing.Action(name)
	if !ok {
		return nil, c.fail(name, op, ErrUnknownInteraction)
	}
	client, form, err := c.resolve(name, a.Forms, op)
	if err != nil {
		return nil, c.fail(name, op, err)
	}
	form, err = wot.ExpandURIVariables(form, uriVariables(opts))
	if err != nil {
		return nil, c.fail(name, op, err)
	}

	var ct content.Content
	if input != nil {
		ct, err = c.servient.content.ValueToContent(input, a.Input, form.MediaType())
		if err != nil {
			return nil, c.fail(name, op, err)
		}
	}
	out, err := client.InvokeResource(ctx, form, ct)
	if err != nil {
		return nil, c.fail(name, op, clientError(form, op, err))
	}
	value, err := c.servient.content.ContentToValue(out, a.Output)
	if err != nil {
		return nil, c.fail(name, op, err)
	}
	return value, nil
}

// decoded relays upstream content to observers as decoded values.
func (c *ConsumedThing) decoded(upstream stream.Observable, schema *wot.DataSchema, interaction string) stream.ConnectFunc {
	return func(sink *stream.Subject) (func(), error) {
		sub := upstream.Subscribe(stream.Observer{
			Next: func(v any) {
				ct, ok := v.(content.Content)
				if !ok {
					sink.Next(v)
					return
				}
				value, err := c.servient.content.ContentToValue(ct, schema)
				if err != nil {
					c.logger.WithError(err).Warnf("Dropped undecodable notification for %s", interaction)
					return
				}
				sink.Next(value)
			},
			Error:    sink.Error,
			Complete: sink.Complete,
		})
		return sub.Unsubscribe, nil
	}
}

func (c *ConsumedThing) observe(ctx context.Context, interaction string, forms []*wot.Form, op wot.Operation, schema *wot.DataSchema, opts []InteractionOptions) (stream.Observable, error) {
	client, form, err := c.resolve(interaction, forms, op)
	if err != nil {
		return nil, c.fail(interaction, op, err)
	}
	form, err = wot.ExpandURIVariables(form, uriVariables(opts))
	if err != nil {
		return nil, c.fail(interaction, op, err)
	}
	// the stream outlives the call that created it
	ctx = context.WithoutCancel(ctx)
	connect := func(sink *stream.Subject) (func(), error) {
		upstream, err := client.ObserveResource(ctx, form)
		if err != nil {
			return nil, c.fail(interaction, op, clientError(form, op, err))
		}
		return c.decoded(upstream, schema, interaction)(sink)
	}
	return stream.NewShared(connect), nil
}

// ObserveProperty returns a stream of the values of name. The transport
// subscription opens with the first subscriber and closes after the last.
func (c *ConsumedThing) ObserveProperty(ctx context.Context, name string, opts ...InteractionOptions) (stream.Observable, error) {
	p, ok := c.thing.Property(name)
	if !ok {
		return nil, c.fail(name, wot.OpObserveProperty, ErrUnknownInteraction)
	}
	return c.observe(ctx, name, p.Forms, wot.OpObserveProperty, p.Schema(), opts)
}

// SubscribeEvent returns a stream of the occurrences of name.
func (c *ConsumedThing) SubscribeEvent(ctx context.Context, name string, opts ...InteractionOptions) (stream.Observable, error) {
	ev, ok := c.thing.Event(name)
	if !ok {
		return nil, c.fail(name, wot.OpSubscribeEvent, ErrUnknownInteraction)
	}
	return c.observe(ctx, name, ev.Forms, wot.OpSubscribeEvent, ev.Data, opts)
}

// ReadAllProperties uses the Thing-level readallproperties form when there
// is one, otherwise it reads every property in parallel.
func (c *ConsumedThing) ReadAllProperties(ctx context.Context) (map[string]any, error) {
	op := wot.OpReadAllProperties
	if selectAnyForm(c.thing.Forms, op) {
		client, form, err := c.resolve("", c.thing.Forms, op)
		if err != nil {
			return nil, c.fail("", op, err)
		}
		ct, err := client.ReadResource(ctx, form)
		if err != nil {
			return nil, c.fail("", op, clientError(form, op, err))
		}
		raw, err := c.servient.content.ContentToValue(ct, nil)
		if err != nil {
			return nil, c.fail("", op, err)
		}
		values, ok := raw.(map[string]any)
		if !ok {
			return nil, c.fail("", op, fmt.Errorf("expected an object of property values, got %T", raw))
		}
		return values, nil
	}

	names := make([]string, 0, len(c.thing.Properties))
	for name, p := range c.thing.Properties {
		if !p.IsWriteOnly() {
			names = append(names, name)
		}
	}
	return c.readEach(ctx, names)
}

func selectAnyForm(forms []*wot.Form, op wot.Operation) bool {
	for _, f := range forms {
		if f.HasOp(op) {
			return true
		}
	}
	return false
}

func (c *ConsumedThing) readEach(ctx context.Context, names []string) (map[string]any, error) {
	var (
		mu     sync.Mutex
		values = make(map[string]any, len(names))
		aggErr = &AggregateError{Operation: string(wot.OpReadAllProperties)}
		g      errgroup.Group
	)
	for _, name := range names {
		name := name // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			value, err := c.ReadProperty(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				aggErr.Add(name, err)
				return nil
			}
			values[name] = value
			return nil
		})
	}
	_ = g.Wait()
	if aggErr.HasErrors() {
		return nil, aggErr
	}
	return values, nil
}

// ReadProperties reads all properties and keeps the requested ones.
func (c *ConsumedThing) ReadProperties(ctx context.Context, names ...string) (map[string]any, error) {
	all, err := c.ReadAllProperties(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return all, nil
	}
	values := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := all[name]; ok {
			values[name] = v
		}
	}
	return values, nil
}

// WriteProperties uses the Thing-level writemultipleproperties form when
// there is one, otherwise it writes each value in parallel. Any failure
// fails the whole call.
func (c *ConsumedThing) WriteProperties(ctx context.Context, values map[string]any) error {
	op := wot.OpWriteMultipleProperties
	if selectAnyForm(c.thing.Forms, op) {
		client, form, err := c.resolve("", c.thing.Forms, op)
		if err != nil {
			return c.fail("", op, err)
		}
		ct, err := c.servient.content.ValueToContent(values, nil, form.MediaType())
		if err != nil {
			return c.fail("", op, err)
		}
		if _, err := client.WriteResource(ctx, form, ct); err != nil {
			return c.fail("", op, clientError(form, op, err))
		}
		return nil
	}

	var (
		mu     sync.Mutex
		aggErr = &AggregateError{Operation: string(op)}
		g      errgroup.Group
	)
	for name, value := range values {
		name, value := name, value // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := c.WriteProperty(ctx, name, value); err != nil {
				mu.Lock()
				aggErr.Add(name, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if aggErr.HasErrors() {
		return aggErr
	}
	return nil
}

// Close releases every cached client. The ConsumedThing is unusable
// afterwards.
func (c *ConsumedThing) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]ProtocolClient)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for scheme, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s client: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
