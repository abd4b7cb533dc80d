// Package servient hosts exposed and consumed Things and the registry of
// protocol bindings they use.
package servient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twinfer/wotkit/internal/metrics"
	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/wot"
)

// Config holds the collaborators shared by every Thing of a servient.
// Zero fields get defaults.
type Config struct {
	Logger      logrus.FieldLogger
	Content     *content.Manager
	Credentials CredentialStore
	Metrics     *metrics.Collector
}

// Servient is the process-level container of client factories, servers
// and local Things.
type Servient struct {
	logger      logrus.FieldLogger
	content     *content.Manager
	credentials CredentialStore
	metrics     *metrics.Collector

	mu        sync.RWMutex
	schemes   []string // factory registration order is client priority
	factories map[string]ClientFactory
	servers   []ProtocolServer
	things    map[string]*ExposedThing
	running   bool
}

// New creates a servient without bindings.
func New(cfg Config) *Servient {
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	cm := cfg.Content
	if cm == nil {
		cm = content.NewManager(logger)
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = StaticCredentials{}
	}
	return &Servient{
		logger:      logger,
		content:     cm,
		credentials: creds,
		metrics:     cfg.Metrics,
		factories:   make(map[string]ClientFactory),
		things:      make(map[string]*ExposedThing),
	}
}

func (s *Servient) Logger() logrus.FieldLogger { return s.logger }
func (s *Servient) Content() *content.Manager { return s.content }
func (s *Servient) Metrics() *metrics.Collector { return s.metrics }

// AddClientFactory registers factory for scheme. Re-registering a scheme
// replaces its factory but keeps its priority.
func (s *Servient) AddClientFactory(scheme string, factory ClientFactory) {
	scheme = strings.ToLower(scheme)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[scheme]; !exists {
		s.schemes = append(s.schemes, scheme)
	}
	s.factories[scheme] = factory
	s.logger.Debugf("Registered protocol client factory for scheme %s", scheme)
}

// ClientSchemes returns the registered schemes in priority order.
func (s *Servient) ClientSchemes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.schemes...)
}

// HasClientFactory reports whether scheme can produce clients.
func (s *Servient) HasClientFactory(scheme string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.factories[strings.ToLower(scheme)]
	return ok
}

// NewClient creates a fresh client for scheme. The caller owns it.
func (s *Servient) NewClient(scheme string) (ProtocolClient, error) {
	scheme = strings.ToLower(scheme)
	s.mu.RLock()
	factory, ok := s.factories[scheme]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client factory registered for scheme %q", scheme)
	}
	client, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", scheme, err)
	}
	s.metrics.IncrementClientsCreated(scheme)
	return client, nil
}

// orderSchemes keeps the schemes that have a factory, in priority order.
func (s *Servient) orderSchemes(candidates []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := make([]string, 0, len(candidates))
	for _, scheme := range s.schemes {
		for _, c := range candidates {
			if c == scheme {
				ordered = append(ordered, scheme)
				break
			}
		}
	}
	return ordered
}

// AddServer registers a server. Servers added after Start are started by
// the next Start call.
func (s *Servient) AddServer(server ProtocolServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = append(s.servers, server)
	s.logger.Debugf("Registered protocol server for scheme %s", server.Scheme())
}

// Servers returns the registered servers.
func (s *Servient) Servers() []ProtocolServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProtocolServer(nil), s.servers...)
}

// Start starts every server. If one fails the ones already started are
// stopped again.
func (s *Servient) Start(ctx context.Context) error {
	servers := s.Servers()
	started := make([]ProtocolServer, 0, len(servers))
	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			for _, prev := range started {
				if stopErr := prev.Stop(ctx); stopErr != nil {
					s.logger.WithError(stopErr).Warnf("Failed to stop %s server after start failure", prev.Scheme())
				}
			}
			return fmt.Errorf("failed to start %s server: %w", srv.Scheme(), err)
		}
		started = append(started, srv)
		s.logger.Infof("Started %s server", srv.Scheme())
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Shutdown destroys every local Thing and stops the servers.
func (s *Servient) Shutdown(ctx context.Context) error {
	var errs []error
	for _, t := range s.Things() {
		if err := t.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, srv := range s.Servers() {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s server: %w", srv.Scheme(), err))
			continue
		}
		s.logger.Infof("Stopped %s server", srv.Scheme())
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Shutdown was not called.
func (s *Servient) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Produce wraps a copy of thing in an ExposedThing held by this servient.
// A Thing without id gets a urn:uuid one.
func (s *Servient) Produce(thing *wot.Thing) (*ExposedThing, error) {
	if thing == nil {
		return nil, errors.New("thing is required")
	}
	t := thing.Clone()
	if t.ID == "" {
		t.ID = "urn:uuid:" + uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.things[t.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrThingExists, t.ID)
	}
	exposed := newExposedThing(s, t)
	s.things[t.ID] = exposed
	s.logger.WithField("thing_id", t.ID).Debug("Produced thing")
	return exposed, nil
}

func (s *Servient) removeThing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.things, id)
}

// Things returns the local Things ordered by id.
func (s *Servient) Things() []*ExposedThing {
	s.mu.RLock()
	things := make([]*ExposedThing, 0, len(s.things))
	for _, t := range s.things {
		things = append(things, t)
	}
	s.mu.RUnlock()
	sort.Slice(things, func(i, j int) bool { return things[i].ID() < things[j].ID() })
	return things
}

// Thing returns the local Thing with id.
func (s *Servient) Thing(id string) (*ExposedThing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.things[id]
	return t, ok
}

// Consume wraps a copy of thing in a ConsumedThing.
func (s *Servient) Consume(thing *wot.Thing) (*ConsumedThing, error) {
	if thing == nil {
		return nil, errors.New("thing is required")
	}
	if err := thing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thing %s: %w", thing.ID, err)
	}
	return newConsumedThing(s, thing), nil
}

func (s *Servient) credentialsFor(thingID string) Credentials {
	creds, _ := s.credentials.Credentials(thingID)
	return creds
}

// read fetches rawURL with a throwaway client for its scheme.
func (s *Servient) read(ctx context.Context, rawURL string) (content.Content, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return content.Content{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	client, err := s.NewClient(u.Scheme)
	if err != nil {
		return content.Content{}, err
	}
	defer client.Close()

	form := wot.NewForm(rawURL, content.MediaTypeTDJSON, wot.OpReadProperty)
	ct, err := client.ReadResource(ctx, form)
	if err != nil {
		return content.Content{}, &ProtocolClientError{Scheme: u.Scheme, Href: rawURL, Operation: wot.OpReadProperty, WrappedErr: err}
	}
	return ct, nil
}

// Fetch retrieves the Thing Description published at rawURL.
func (s *Servient) Fetch(ctx context.Context, rawURL string) (*wot.Thing, error) {
	ct, err := s.read(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return wot.ParseThing(ct.Body)
}

// FetchDirectory retrieves the list of Thing Descriptions served at rawURL.
func (s *Servient) FetchDirectory(ctx context.Context, rawURL string) ([]*wot.Thing, error) {
	ct, err := s.read(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	var things []*wot.Thing
	if err := json.Unmarshal(ct.Body, &things); err != nil {
		return nil, fmt.Errorf("failed to parse thing directory from %s: %w", rawURL, err)
	}
	return compact(things), nil
}

// compact drops null directory entries.
func compact(things []*wot.Thing) []*wot.Thing {
	out := things[:0]
	for _, t := range things {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Discover finds Things according to filter and applies its query.
func (s *Servient) Discover(ctx context.Context, filter *discovery.ThingFilter) ([]*wot.Thing, error) {
	if filter == nil {
		filter = discovery.NewThingFilter(discovery.MethodAny)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var candidates []*wot.Thing
	switch filter.Method {
	case discovery.MethodLocal:
		candidates = s.localDescriptions()
	case discovery.MethodDirectory:
		things, err := s.FetchDirectory(ctx, filter.URL)
		if err != nil {
			return nil, err
		}
		candidates = things
	case discovery.MethodAny:
		candidates = append(s.localDescriptions(), s.discoverRemote(ctx, filter)...)
	}

	s.logger.WithFields(logrus.Fields{
		"method":     filter.Method,
		"candidates": len(candidates),
	}).Debug("Discovery candidates collected")
	return filter.Apply(s.logger, candidates)
}

func (s *Servient) localDescriptions() []*wot.Thing {
	local := s.Things()
	things := make([]*wot.Thing, 0, len(local))
	for _, t := range local {
		things = append(things, t.Description())
	}
	return things
}

// discoverRemote asks a fresh client of every scheme. Failing bindings are
// logged and skipped.
func (s *Servient) discoverRemote(ctx context.Context, filter *discovery.ThingFilter) []*wot.Thing {
	var (
		mu     sync.Mutex
		things []*wot.Thing
		g      errgroup.Group
	)
	for _, scheme := range s.ClientSchemes() {
		scheme := scheme // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			logger := s.logger.WithField("scheme", scheme)
			client, err := s.NewClient(scheme)
			if err != nil {
				logger.WithError(err).Warn("Discovery skipped binding")
				return nil
			}
			defer client.Close()

			found, err := client.Discover(ctx, filter)
			if err != nil {
				logger.WithError(err).Warn("Discovery failed")
				return nil
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case t, ok := <-found:
					if !ok {
						return nil
					}
					mu.Lock()
					things = append(things, t)
					mu.Unlock()
				}
			}
		})
	}
	_ = g.Wait()
	return things
}
