package servient

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twinfer/wotkit/internal/models"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

// PropertyOption configures a property at registration.
type PropertyOption func(*propertyConfig)

type propertyConfig struct {
	read       PropertyReadHandler
	write      PropertyWriteHandler
	initial    any
	hasInitial bool
}

// WithReadHandler serves reads from h instead of the cached value.
func WithReadHandler(h PropertyReadHandler) PropertyOption {
	return func(c *propertyConfig) { c.read = h }
}

// WithWriteHandler passes writes through h; its result is what gets stored.
func WithWriteHandler(h PropertyWriteHandler) PropertyOption {
	return func(c *propertyConfig) { c.write = h }
}

// WithInitialValue writes v through the property's write path during
// registration.
func WithInitialValue(v any) PropertyOption {
	return func(c *propertyConfig) {
		c.initial = v
		c.hasInitial = true
	}
}

// ExposedThing binds handlers and state to a Thing and serves it through
// the servient's protocol servers.
type ExposedThing struct {
	servient *Servient
	logger   logrus.FieldLogger

	mu         sync.RWMutex
	thing      *wot.Thing
	properties map[string]*PropertyState
	actions    map[string]*ActionState
	events     map[string]*EventState
	destroyed  bool

	changes *stream.Subject
}

func newExposedThing(s *Servient, t *wot.Thing) *ExposedThing {
	if t.Properties == nil {
		t.Properties = make(map[string]*wot.PropertyAffordance)
	}
	if t.Actions == nil {
		t.Actions = make(map[string]*wot.ActionAffordance)
	}
	if t.Events == nil {
		t.Events = make(map[string]*wot.EventAffordance)
	}
	e := &ExposedThing{
		servient:   s,
		logger:     s.logger.WithField("thing_id", t.ID),
		thing:      t,
		properties: make(map[string]*PropertyState, len(t.Properties)),
		actions:    make(map[string]*ActionState, len(t.Actions)),
		events:     make(map[string]*EventState, len(t.Events)),
		changes:    stream.NewSubject(),
	}
	for name := range t.Properties {
		e.properties[name] = newPropertyState()
	}
	for name := range t.Actions {
		e.actions[name] = &ActionState{}
	}
	for name := range t.Events {
		e.events[name] = newEventState()
	}
	return e
}

func (e *ExposedThing) ID() string {
	return e.thing.ID
}

// Description returns a snapshot of the Thing, including the forms added
// by the servers.
func (e *ExposedThing) Description() *wot.Thing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thing.Clone()
}

// Changes streams the whole description after each expose and destroy.
func (e *ExposedThing) Changes() stream.Observable {
	return e.changes
}

// AddProperty declares a property and creates its state. An initial value
// failing to write is logged and the property stays registered.
func (e *ExposedThing) AddProperty(name string, p *wot.PropertyAffordance, opts ...PropertyOption) error {
	if p == nil {
		p = &wot.PropertyAffordance{}
	}
	cfg := propertyConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	state := newPropertyState()
	state.setHandlers(cfg.read, cfg.write)

	e.mu.Lock()
	if _, exists := e.properties[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: property %s", ErrInteractionExists, name)
	}
	e.thing.Properties[name] = p
	e.properties[name] = state
	e.mu.Unlock()

	if cfg.hasInitial {
		ctx := models.WithUpdateContext(context.Background(), models.NewUpdateContext(models.UpdateSourceSystem))
		if _, err := state.write(ctx, name, cfg.initial, InteractionOptions{}); err != nil {
			e.logger.WithError(err).Warnf("Failed to write initial value of property %s", name)
		}
	}
	e.logger.Debugf("Added property %s", name)
	return nil
}

// RemoveProperty drops the property and completes its stream.
func (e *ExposedThing) RemoveProperty(name string) error {
	e.mu.Lock()
	state, ok := e.properties[name]
	if ok {
		delete(e.properties, name)
		delete(e.thing.Properties, name)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: property %s", ErrUnknownInteraction, name)
	}
	state.subject.Complete()
	return nil
}

// AddAction declares an action. A nil handler makes invocations no-ops.
func (e *ExposedThing) AddAction(name string, a *wot.ActionAffordance, h ActionHandler) error {
	if a == nil {
		a = &wot.ActionAffordance{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.actions[name]; exists {
		return fmt.Errorf("%w: action %s", ErrInteractionExists, name)
	}
	state := &ActionState{}
	state.setHandler(h)
	e.thing.Actions[name] = a
	e.actions[name] = state
	e.logger.Debugf("Added action %s", name)
	return nil
}

// RemoveAction drops the action and its handler.
func (e *ExposedThing) RemoveAction(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.actions[name]; !ok {
		return fmt.Errorf("%w: action %s", ErrUnknownInteraction, name)
	}
	delete(e.actions, name)
	delete(e.thing.Actions, name)
	return nil
}

// AddEvent declares an event.
func (e *ExposedThing) AddEvent(name string, ev *wot.EventAffordance) error {
	if ev == nil {
		ev = &wot.EventAffordance{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.events[name]; exists {
		return fmt.Errorf("%w: event %s", ErrInteractionExists, name)
	}
	e.thing.Events[name] = ev
	e.events[name] = newEventState()
	e.logger.Debugf("Added event %s", name)
	return nil
}

// RemoveEvent drops the event and completes its stream.
func (e *ExposedThing) RemoveEvent(name string) error {
	e.mu.Lock()
	state, ok := e.events[name]
	if ok {
		delete(e.events, name)
		delete(e.thing.Events, name)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: event %s", ErrUnknownInteraction, name)
	}
	state.subject.Complete()
	return nil
}

// SetPropertyReadHandler replaces the read handler of a property. A nil h is ignored.
func (e *ExposedThing) SetPropertyReadHandler(name string, h PropertyReadHandler) error {
	state, _, err := e.property(name)
	if err != nil {
		return err
	}
	state.setHandlers(h, nil)
	return nil
}

// SetPropertyWriteHandler replaces the write handler of a property. A nil h is ignored.
func (e *ExposedThing) SetPropertyWriteHandler(name string, h PropertyWriteHandler) error {
	state, _, err := e.property(name)
	if err != nil {
		return err
	}
	state.setHandlers(nil, h)
	return nil
}

// SetActionHandler replaces the handler of an action.
func (e *ExposedThing) SetActionHandler(name string, h ActionHandler) error {
	state, _, err := e.action(name)
	if err != nil {
		return err
	}
	state.setHandler(h)
	return nil
}

func (e *ExposedThing) property(name string) (*PropertyState, *wot.PropertyAffordance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.properties[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: property %s", ErrUnknownInteraction, name)
	}
	return state, e.thing.Properties[name], nil
}

func (e *ExposedThing) action(name string) (*ActionState, *wot.ActionAffordance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.actions[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: action %s", ErrUnknownInteraction, name)
	}
	return state, e.thing.Actions[name], nil
}

func (e *ExposedThing) event(name string) (*EventState, *wot.EventAffordance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.events[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: event %s", ErrUnknownInteraction, name)
	}
	return state, e.thing.Events[name], nil
}

func firstOptions(opts []InteractionOptions) InteractionOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return InteractionOptions{}
}

func (e *ExposedThing) interactionLogger(ctx context.Context, kind wot.InteractionKind, name string) logrus.FieldLogger {
	return e.logger.WithFields(logrus.Fields{
		"interaction": string(kind) + "/" + name,
		"source":      models.SourceOf(ctx),
	})
}

// ReadProperty returns the value of name. With a read handler the handler
// result also replaces the cached value.
func (e *ExposedThing) ReadProperty(ctx context.Context, name string, opts ...InteractionOptions) (any, error) {
	state, _, err := e.property(name)
	if err != nil {
		return nil, err
	}
	value, err := state.read(ctx, name, firstOptions(opts))
	if err != nil {
		e.servient.metrics.IncrementErrors(e.ID(), string(wot.OpReadProperty))
		e.interactionLogger(ctx, wot.KindProperty, name).WithError(err).Error("Property read failed")
		return nil, err
	}
	e.servient.metrics.IncrementPropertyReads(e.ID())
	return value, nil
}

// WriteProperty validates value and applies it. Observers are notified
// only when the stored value changes.
func (e *ExposedThing) WriteProperty(ctx context.Context, name string, value any, opts ...InteractionOptions) error {
	state, affordance, err := e.property(name)
	if err != nil {
		return err
	}
	logger := e.interactionLogger(ctx, wot.KindProperty, name)
	if err := e.servient.content.Validate(affordance.Schema(), value); err != nil {
		e.servient.metrics.IncrementErrors(e.ID(), string(wot.OpWriteProperty))
		return err
	}

	changed, err := state.write(ctx, name, value, firstOptions(opts))
	if err != nil {
		e.servient.metrics.IncrementErrors(e.ID(), string(wot.OpWriteProperty))
		logger.WithError(err).Error("Property write failed")
		return err
	}
	e.servient.metrics.IncrementPropertyWrites(e.ID())
	if changed {
		e.servient.metrics.IncrementNotifications(e.ID())
		logger.Debug("Property changed")
	}
	return nil
}

// InvokeAction runs the action handler with input.
func (e *ExposedThing) InvokeAction(ctx context.Context, name string, input any, opts ...InteractionOptions) (any, error) {
	state, affordance, err := e.action(name)
	if err != nil {
		return nil, err
	}
	logger := e.interactionLogger(ctx, wot.KindAction, name)
	if input != nil {
		if err := e.servient.content.Validate(affordance.Input, input); err != nil {
			e.servient.metrics.IncrementErrors(e.ID(), string(wot.OpInvokeAction))
			return nil, err
		}
	}

	output, err := state.invoke(ctx, name, input, firstOptions(opts))
	if err != nil {
		e.servient.metrics.IncrementErrors(e.ID(), string(wot.OpInvokeAction))
		logger.WithError(err).Error("Action invocation failed")
		return nil, err
	}
	if output == nil && affordance.Output != nil {
		logger.Warn("Action handler returned no result")
	}
	e.servient.metrics.IncrementActionInvokes(e.ID())
	return output, nil
}

// EmitEvent pushes data to the current subscribers of name. Nothing is
// kept when there are none.
func (e *ExposedThing) EmitEvent(name string, data any) error {
	state, _, err := e.event(name)
	if err != nil {
		return err
	}
	state.subject.Next(data)
	e.servient.metrics.IncrementEventEmissions(e.ID())
	return nil
}

// ObserveProperty returns the change stream of name. Subscribing does not
// read the property.
func (e *ExposedThing) ObserveProperty(name string) (stream.Observable, error) {
	state, _, err := e.property(name)
	if err != nil {
		return nil, err
	}
	return state.subject, nil
}

// SubscribeEvent returns the stream of name.
func (e *ExposedThing) SubscribeEvent(name string) (stream.Observable, error) {
	state, _, err := e.event(name)
	if err != nil {
		return nil, err
	}
	return state.subject, nil
}

func (e *ExposedThing) propertyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.properties))
	for name := range e.properties {
		names = append(names, name)
	}
	return names
}

// ReadProperties reads names, or every property when none are given, in
// parallel. If any read fails the result is nil and the error is an
// *AggregateError listing every failure.
func (e *ExposedThing) ReadProperties(ctx context.Context, names ...string) (map[string]any, error) {
	if len(names) == 0 {
		names = e.propertyNames()
	}

	var (
		mu     sync.Mutex
		values = make(map[string]any, len(names))
		aggErr = &AggregateError{Operation: string(wot.OpReadMultipleProperties)}
		g      errgroup.Group
	)
	for _, name := range names {
		name := name // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			value, err := e.ReadProperty(ctx, name)
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

// WriteProperties writes every entry of values in parallel and waits for
// all of them. Any failure is reported in an *AggregateError.
func (e *ExposedThing) WriteProperties(ctx context.Context, values map[string]any) error {
	var (
		mu     sync.Mutex
		aggErr = &AggregateError{Operation: string(wot.OpWriteMultipleProperties)}
		g      errgroup.Group
	)
	for name, value := range values {
		name, value := name, value // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := e.WriteProperty(ctx, name, value); err != nil {
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

// AddForm attaches form to the named interaction. Servers call it while
// exposing the Thing.
func (e *ExposedThing) AddForm(kind wot.InteractionKind, name string, form *wot.Form) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var affordance *wot.InteractionAffordance
	switch kind {
	case wot.KindProperty:
		if p, ok := e.thing.Properties[name]; ok {
			affordance = &p.InteractionAffordance
		}
	case wot.KindAction:
		if a, ok := e.thing.Actions[name]; ok {
			affordance = &a.InteractionAffordance
		}
	case wot.KindEvent:
		if ev, ok := e.thing.Events[name]; ok {
			affordance = &ev.InteractionAffordance
		}
	default:
		return fmt.Errorf("unknown interaction kind %q", kind)
	}
	if affordance == nil {
		return fmt.Errorf("%w: %s %s", ErrUnknownInteraction, kind, name)
	}
	affordance.Forms = appendForm(affordance.Forms, form)
	return nil
}

// AddThingForm attaches a Thing-level form such as readallproperties.
func (e *ExposedThing) AddThingForm(form *wot.Form) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thing.Forms = appendForm(e.thing.Forms, form)
}

// appendForm adds form unless an equal one is already listed, so exposing
// a Thing again does not duplicate its forms.
func appendForm(forms []*wot.Form, form *wot.Form) []*wot.Form {
	for _, f := range forms {
		if f.Equal(form) {
			return forms
		}
	}
	return append(forms, form)
}

// AddSecurityScheme declares scheme under name and makes it required. A
// nosec requirement is dropped.
func (e *ExposedThing) AddSecurityScheme(name string, scheme wot.SecurityScheme) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thing.SecurityDefinitions == nil {
		e.thing.SecurityDefinitions = make(wot.SecurityDefinitions)
	}
	e.thing.SecurityDefinitions[name] = scheme

	security := make(wot.StringList, 0, len(e.thing.Security)+1)
	for _, required := range e.thing.Security {
		if def, ok := e.thing.SecurityDefinitions[required]; ok && def.SchemeName() == "nosec" {
			continue
		}
		security = append(security, required)
	}
	if !security.Contains(name) {
		security = append(security, name)
	}
	e.thing.Security = security
}

// Expose publishes the Thing on every registered server. With no server
// registered it succeeds without doing anything.
func (e *ExposedThing) Expose(ctx context.Context) error {
	e.mu.RLock()
	destroyed := e.destroyed
	e.mu.RUnlock()
	if destroyed {
		return fmt.Errorf("%w: %s", ErrThingDestroyed, e.ID())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range e.servient.Servers() {
		srv := srv // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := srv.Expose(gctx, e); err != nil {
				return fmt.Errorf("%s server failed to expose %s: %w", srv.Scheme(), e.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.WithError(err).Error("Failed to expose thing")
		return err
	}
	e.logger.Info("Thing exposed")
	e.changes.Next(e.Description())
	return nil
}

// Destroy withdraws the Thing from every server, completes all of its
// streams and removes it from the servient.
func (e *ExposedThing) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range e.servient.Servers() {
		srv := srv // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := srv.Destroy(gctx, e.ID()); err != nil {
				return fmt.Errorf("%s server failed to destroy %s: %w", srv.Scheme(), e.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.WithError(err).Error("Failed to destroy thing")
		return err
	}

	e.mu.Lock()
	e.destroyed = true
	properties := e.properties
	events := e.events
	e.properties = make(map[string]*PropertyState)
	e.actions = make(map[string]*ActionState)
	e.events = make(map[string]*EventState)
	e.mu.Unlock()

	e.changes.Next(e.Description())
	for _, state := range properties {
		state.subject.Complete()
	}
	for _, state := range events {
		state.subject.Complete()
	}
	e.changes.Complete()
	e.servient.removeThing(e.ID())
	e.logger.Info("Thing destroyed")
	return nil
}
