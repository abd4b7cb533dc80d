package httpbinding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/internal/models"
	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

const (
	// SubprotocolWebSocket marks forms served over a WebSocket upgrade.
	SubprotocolWebSocket = "websocket"

	writeWait = 5 * time.Second
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string
	Port int
	// BaseURL is the externally visible root used in forms. When empty it
	// is derived from the listener address.
	BaseURL string
	Auth    AuthConfig
}

// httpError pairs an error with the status it should be answered with.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func newHTTPError(status int, err error) error {
	return &httpError{status: status, err: err}
}

// Server implements servient.ProtocolServer over HTTP.
type Server struct {
	cfg      ServerConfig
	content  *content.Manager
	logger   logrus.FieldLogger
	auth     *authenticator
	router   *mux.Router
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	baseURL    string
	things     map[string]*servient.ExposedThing
	httpServer *http.Server
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg ServerConfig, cm *content.Manager, logger logrus.FieldLogger) *Server {
	s := &Server{
		cfg:     cfg,
		content: cm,
		logger:  logger.WithField("binding", "http"),
		auth:    newAuthenticator(cfg.Auth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		things:  make(map[string]*servient.ExposedThing),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handle(s.handleDirectory)).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handle(s.handleThing)).Methods(http.MethodGet)

	interactions := r.PathPrefix("/{id}").Subrouter()
	interactions.Use(s.authMiddleware)
	interactions.HandleFunc("/properties", s.handle(s.handleAllProperties)).Methods(http.MethodGet, http.MethodPut)
	interactions.HandleFunc("/properties/{name}", s.handle(s.handleProperty)).Methods(http.MethodGet, http.MethodPut)
	interactions.HandleFunc("/properties/{name}/observable", s.handle(s.handlePropertyObserve)).Methods(http.MethodGet)
	interactions.HandleFunc("/actions/{name}", s.handle(s.handleAction)).Methods(http.MethodPost)
	interactions.HandleFunc("/events/{name}", s.handle(s.handleEvent)).Methods(http.MethodGet)
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Scheme() string {
	return "http"
}

// Start listens on Host:Port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	if s.baseURL == "" {
		host := s.cfg.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		s.baseURL = "http://" + net.JoinHostPort(host, port)
	}
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	s.logger.Infof("Listening on %s", ln.Addr())
	return nil
}

// Stop shuts the listener down and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

func (s *Server) DirectoryURL() string {
	return s.base() + "/"
}

func (s *Server) ThingURL(thingID string) string {
	return s.base() + "/" + thingID
}

// Expose serves thing and adds the HTTP forms of its interactions.
func (s *Server) Expose(ctx context.Context, thing *servient.ExposedThing) error {
	td := thing.Description()
	root := s.ThingURL(td.ID)

	if name, scheme := s.auth.securityScheme(); scheme != nil {
		thing.AddSecurityScheme(name, scheme)
	}

	thing.AddThingForm(wot.NewForm(root+"/properties", content.MediaTypeJSON,
		wot.OpReadAllProperties, wot.OpReadMultipleProperties))
	thing.AddThingForm(wot.NewForm(root+"/properties", content.MediaTypeJSON,
		wot.OpWriteAllProperties, wot.OpWriteMultipleProperties))

	for name, p := range td.Properties {
		href := templated(root+"/properties/"+name, p.URIVariables)
		var ops []wot.Operation
		if !p.IsWriteOnly() {
			ops = append(ops, wot.OpReadProperty)
		}
		if !p.IsReadOnly() {
			ops = append(ops, wot.OpWriteProperty)
		}
		if err := thing.AddForm(wot.KindProperty, name, wot.NewForm(href, content.MediaTypeJSON, ops...)); err != nil {
			return err
		}
		if p.IsObservable() {
			form := wot.NewForm(root+"/properties/"+name+"/observable", content.MediaTypeJSON, wot.OpObserveProperty, wot.OpUnobserveProperty)
			form.Subprotocol = SubprotocolWebSocket
			if err := thing.AddForm(wot.KindProperty, name, form); err != nil {
				return err
			}
		}
	}
	for name, a := range td.Actions {
		form := wot.NewForm(templated(root+"/actions/"+name, a.URIVariables), content.MediaTypeJSON, wot.OpInvokeAction)
		form.SetExtension(MethodNameKey, http.MethodPost)
		if err := thing.AddForm(wot.KindAction, name, form); err != nil {
			return err
		}
	}
	for name := range td.Events {
		form := wot.NewForm(root+"/events/"+name, content.MediaTypeJSON, wot.OpSubscribeEvent, wot.OpUnsubscribeEvent)
		form.Subprotocol = SubprotocolWebSocket
		if err := thing.AddForm(wot.KindEvent, name, form); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.things[td.ID] = thing
	s.mu.Unlock()
	s.logger.WithField("thing_id", td.ID).Infof("Serving thing at %s", root)
	return nil
}

// templated appends an RFC 6570 query expansion for vars to href.
func templated(href string, vars map[string]*wot.DataSchema) string {
	if len(vars) == 0 {
		return href
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return href + "{?" + strings.Join(names, ",") + "}"
}

func (s *Server) Destroy(ctx context.Context, thingID string) error {
	s.mu.Lock()
	delete(s.things, thingID)
	s.mu.Unlock()
	return nil
}

func (s *Server) thing(id string) (*servient.ExposedThing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.things[id]
	if !ok {
		return nil, newHTTPError(http.StatusNotFound, fmt.Errorf("thing %s not found", id))
	}
	return t, nil
}

// handle adapts an error-returning handler, answering errors with the
// status they map to.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithError(err).Errorf("%s %s failed", r.Method, r.URL.Path)
		} else {
			s.logger.WithError(err).Debugf("%s %s rejected", r.Method, r.URL.Path)
		}
		http.Error(w, err.Error(), status)
	}
}

func statusFor(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.status
	}
	var codecErr *content.CodecError
	switch {
	case errors.Is(err, servient.ErrUnknownInteraction):
		return http.StatusNotFound
	case errors.Is(err, content.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &codecErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestContext tags the request context as an HTTP interaction.
func requestContext(r *http.Request) context.Context {
	uc := models.NewUpdateContext(models.UpdateSourceHTTP)
	uc.UserAgent = r.UserAgent()
	uc.Principal = principalFrom(r.Context())
	return models.WithUpdateContext(r.Context(), uc)
}

// interactionOptions turns query parameters into URI variables.
func interactionOptions(r *http.Request) servient.InteractionOptions {
	query := r.URL.Query()
	if len(query) == 0 {
		return servient.InteractionOptions{}
	}
	vars := make(map[string]any, len(query))
	for k, v := range query {
		if len(v) == 1 {
			vars[k] = v[0]
		} else {
			vars[k] = v
		}
	}
	return servient.InteractionOptions{URIVariables: vars}
}

// responseMediaType honours Accept when a codec exists for it.
func (s *Server) responseMediaType(r *http.Request) string {
	for _, accepted := range strings.Split(r.Header.Get(headerAccept), ",") {
		mt := content.BaseMediaType(strings.TrimSpace(accepted))
		if mt != "" && mt != "*/*" && s.content.IsSupported(mt) {
			return mt
		}
	}
	return content.MediaTypeJSON
}

func (s *Server) readBody(r *http.Request, schema *wot.DataSchema) (any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, err)
	}
	mediaType := r.Header.Get(headerContentType)
	if mediaType == "" {
		mediaType = content.MediaTypeJSON
	}
	return s.content.ContentToValue(content.New(mediaType, body), schema)
}

func (s *Server) writeValue(w http.ResponseWriter, r *http.Request, status int, value any, schema *wot.DataSchema) error {
	ct, err := s.content.ValueToContent(value, schema, s.responseMediaType(r))
	if err != nil {
		return err
	}
	w.Header().Set(headerContentType, ct.MediaType())
	w.WriteHeader(status)
	_, err = w.Write(ct.Body)
	return err
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) error {
	s.mu.RLock()
	things := make([]*wot.Thing, 0, len(s.things))
	for _, t := range s.things {
		things = append(things, t.Description())
	}
	s.mu.RUnlock()

	w.Header().Set(headerContentType, content.MediaTypeJSON)
	return json.NewEncoder(w).Encode(things)
}

func (s *Server) handleThing(w http.ResponseWriter, r *http.Request) error {
	thing, err := s.thing(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	w.Header().Set(headerContentType, content.MediaTypeTDJSON)
	return json.NewEncoder(w).Encode(thing.Description())
}

func (s *Server) handleAllProperties(w http.ResponseWriter, r *http.Request) error {
	thing, err := s.thing(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	ctx := requestContext(r)

	switch r.Method {
	case http.MethodGet:
		var names []string
		for name, p := range thing.Description().Properties {
			if !p.IsWriteOnly() {
				names = append(names, name)
			}
		}
		values, err := thing.ReadProperties(ctx, names...)
		if err != nil {
			return err
		}
		return s.writeValue(w, r, http.StatusOK, values, nil)
	default:
		raw, err := s.readBody(r, nil)
		if err != nil {
			return err
		}
		values, ok := raw.(map[string]any)
		if !ok {
			return newHTTPError(http.StatusBadRequest, fmt.Errorf("expected an object of property values"))
		}
		td := thing.Description()
		for name := range values {
			if p, ok := td.Properties[name]; ok && p.IsReadOnly() {
				return newHTTPError(http.StatusForbidden, fmt.Errorf("property %s is read-only", name))
			}
		}
		if err := thing.WriteProperties(ctx, values); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

func (s *Server) handleProperty(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	thing, err := s.thing(vars["id"])
	if err != nil {
		return err
	}
	name := vars["name"]
	property, ok := thing.Description().Property(name)
	if !ok {
		return fmt.Errorf("%w: property %s", servient.ErrUnknownInteraction, name)
	}

	switch r.Method {
	case http.MethodGet:
		return s.handlePropertyRead(w, r, thing, name, property)
	default:
		return s.handlePropertyWrite(w, r, thing, name, property)
	}
}

func (s *Server) handlePropertyRead(w http.ResponseWriter, r *http.Request, thing *servient.ExposedThing, name string, property *wot.PropertyAffordance) error {
	if property.IsWriteOnly() {
		return newHTTPError(http.StatusForbidden, fmt.Errorf("property %s is write-only", name))
	}
	value, err := thing.ReadProperty(requestContext(r), name, interactionOptions(r))
	if err != nil {
		return err
	}
	return s.writeValue(w, r, http.StatusOK, value, property.Schema())
}

func (s *Server) handlePropertyWrite(w http.ResponseWriter, r *http.Request, thing *servient.ExposedThing, name string, property *wot.PropertyAffordance) error {
	if property.IsReadOnly() {
		return newHTTPError(http.StatusForbidden, fmt.Errorf("property %s is read-only", name))
	}
	value, err := s.readBody(r, property.Schema())
	if err != nil {
		return err
	}
	if err := thing.WriteProperty(requestContext(r), name, value, interactionOptions(r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	thing, err := s.thing(vars["id"])
	if err != nil {
		return err
	}
	name := vars["name"]
	action, ok := thing.Description().Action(name)
	if !ok {
		return fmt.Errorf("%w: action %s", servient.ErrUnknownInteraction, name)
	}

	input, err := s.readBody(r, action.Input)
	if err != nil {
		return err
	}
	output, err := thing.InvokeAction(requestContext(r), name, input, interactionOptions(r))
	if err != nil {
		return err
	}
	if output == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	return s.writeValue(w, r, http.StatusOK, output, action.Output)
}

func (s *Server) handlePropertyObserve(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	thing, err := s.thing(vars["id"])
	if err != nil {
		return err
	}
	name := vars["name"]
	property, ok := thing.Description().Property(name)
	if !ok {
		return fmt.Errorf("%w: property %s", servient.ErrUnknownInteraction, name)
	}
	obs, err := thing.ObserveProperty(name)
	if err != nil {
		return err
	}
	return s.serveStream(w, r, obs, property.Schema())
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	thing, err := s.thing(vars["id"])
	if err != nil {
		return err
	}
	name := vars["name"]
	event, ok := thing.Description().Event(name)
	if !ok {
		return fmt.Errorf("%w: event %s", servient.ErrUnknownInteraction, name)
	}
	obs, err := thing.SubscribeEvent(name)
	if err != nil {
		return err
	}
	return s.serveStream(w, r, obs, event.Data)
}

// serveStream upgrades to a WebSocket and forwards every notification of
// obs as one message until either side closes.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, obs stream.Observable, schema *wot.DataSchema) error {
	mediaType := s.responseMediaType(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return nil
	}
	defer conn.Close()

	var (
		writeMu  sync.Mutex
		done     = make(chan struct{})
		doneOnce sync.Once
	)
	finish := func() { doneOnce.Do(func() { close(done) }) }
	closeWith := func(code int, text string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		finish()
	}

	msgType := websocket.TextMessage
	if mediaType != content.MediaTypeJSON && mediaType != content.MediaTypeText {
		msgType = websocket.BinaryMessage
	}

	sub := obs.Subscribe(stream.Observer{
		Next: func(v any) {
			ct, err := s.content.ValueToContent(v, schema, mediaType)
			if err != nil {
				s.logger.WithError(err).Warn("Dropped notification that could not be encoded")
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(msgType, ct.Body); err != nil {
				finish()
			}
		},
		Error:    func(err error) { closeWith(websocket.CloseInternalServerErr, err.Error()) },
		Complete: func() { closeWith(websocket.CloseNormalClosure, "") },
	})
	defer sub.Unsubscribe()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				finish()
				return
			}
		}
	}()

	select {
	case <-done:
	case <-r.Context().Done():
	}
	return nil
}
