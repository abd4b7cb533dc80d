// Package httpbinding carries Thing interactions over HTTP, with WebSocket
// channels for observations and events.
package httpbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yosida95/uritemplate/v3"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

const (
	headerAccept          = "Accept"
	headerAuthorization   = "Authorization"
	headerContentType     = "Content-Type"
	headerWWWAuthenticate = "WWW-Authenticate"

	// MethodNameKey is the form member overriding the default HTTP method.
	MethodNameKey = "htv:methodName"

	defaultAPIKeyHeader = "X-API-Key"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// ClientConfig tunes the HTTP client.
type ClientConfig struct {
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Client implements servient.ProtocolClient for http and https.
type Client struct {
	http   *http.Client
	dialer *websocket.Dialer
	logger logrus.FieldLogger

	mu     sync.RWMutex
	scheme wot.SecurityScheme
	creds  servient.Credentials
}

// NewClient creates a client. A zero timeout means 30 seconds.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
		logger: logger.WithField("binding", "http"),
	}
}

// Factory returns a servient.ClientFactory producing clients with cfg.
func Factory(cfg ClientConfig) servient.ClientFactory {
	return func() (servient.ProtocolClient, error) {
		return NewClient(cfg), nil
	}
}

// SetSecurity picks the first scheme the client can satisfy.
func (c *Client) SetSecurity(schemes []wot.SecurityScheme, creds servient.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	if len(schemes) == 0 {
		c.scheme = nil
		return nil
	}
	for _, s := range schemes {
		switch s.SchemeName() {
		case "nosec", "basic", "bearer", "apikey":
			c.scheme = s
			return nil
		}
	}
	return fmt.Errorf("none of the security schemes is supported by the http client")
}

// authorize adds credentials to req according to the selected scheme.
func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	scheme, creds := c.scheme, c.creds
	c.mu.RUnlock()

	switch s := scheme.(type) {
	case *wot.BasicSecurityScheme:
		req.SetBasicAuth(creds.Username, creds.Password)
	case *wot.BearerSecurityScheme:
		name := s.Name
		if name == "" {
			name = headerAuthorization
		}
		req.Header.Set(name, "Bearer "+creds.Token)
	case *wot.APIKeySecurityScheme:
		name := s.Name
		if name == "" {
			name = defaultAPIKeyHeader
		}
		if s.In == "query" {
			q := req.URL.Query()
			q.Set(name, creds.APIKey)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(name, creds.APIKey)
		}
	}
}

// methodFor returns htv:methodName or the default method for op.
func methodFor(form *wot.Form, op wot.Operation) string {
	if m := form.StringExtension(MethodNameKey); m != "" {
		return strings.ToUpper(m)
	}
	switch op {
	case wot.OpWriteProperty, wot.OpWriteMultipleProperties, wot.OpWriteAllProperties:
		return http.MethodPut
	case wot.OpInvokeAction:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

func (c *Client) do(ctx context.Context, method string, form *wot.Form, ct content.Content) (content.Content, error) {
	var body io.Reader
	if !ct.IsEmpty() {
		body = bytes.NewReader(ct.Body)
	}
	href, err := concreteHref(form.Href)
	if err != nil {
		return content.Content{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, href, body)
	if err != nil {
		return content.Content{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerAccept, form.MediaType())
	if body != nil {
		req.Header.Set(headerContentType, ct.MediaType())
	}
	c.authorize(req)

	c.logger.Debugf("%s %s", method, href)
	resp, err := c.http.Do(req)
	if err != nil {
		return content.Content{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return content.Content{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return content.Content{}, &StatusError{Method: method, URL: href, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	mediaType := resp.Header.Get(headerContentType)
	if mediaType == "" {
		mediaType = form.MediaType()
	}
	return content.New(mediaType, data), nil
}

func (c *Client) ReadResource(ctx context.Context, form *wot.Form) (content.Content, error) {
	return c.do(ctx, methodFor(form, wot.OpReadProperty), form, content.Content{})
}

func (c *Client) WriteResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	return c.do(ctx, methodFor(form, wot.OpWriteProperty), form, ct)
}

func (c *Client) InvokeResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	return c.do(ctx, methodFor(form, wot.OpInvokeAction), form, ct)
}

// concreteHref drops template expressions left unexpanded because the
// caller supplied none of their variables.
func concreteHref(href string) (string, error) {
	if !strings.Contains(href, "{") {
		return href, nil
	}
	tmpl, err := uritemplate.New(href)
	if err != nil {
		return "", fmt.Errorf("invalid uri template %q: %w", href, err)
	}
	return tmpl.Expand(uritemplate.Values{})
}

// websocketURL maps http(s) hrefs onto ws(s).
func websocketURL(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("cannot observe %q over websocket", href)
	}
	return u.String(), nil
}

// ObserveResource opens a WebSocket when the first observer subscribes and
// closes it after the last one leaves. Every message becomes one
// content.Content notification.
func (c *Client) ObserveResource(ctx context.Context, form *wot.Form) (stream.Observable, error) {
	if _, err := websocketURL(form.Href); err != nil {
		return nil, err
	}
	mediaType := form.MediaType()

	connect := func(sink *stream.Subject) (func(), error) {
		href, err := concreteHref(form.Href)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodGet, href, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		wsURL, err := websocketURL(req.URL.String())
		if err != nil {
			return nil, err
		}

		conn, resp, err := c.dialer.DialContext(ctx, wsURL, req.Header)
		if err != nil {
			if resp != nil {
				return nil, &StatusError{Method: http.MethodGet, URL: wsURL, StatusCode: resp.StatusCode}
			}
			return nil, fmt.Errorf("failed to open websocket %s: %w", wsURL, err)
		}
		c.logger.Debugf("Observing %s", wsURL)

		var closing atomic.Bool
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if closing.Load() {
						return
					}
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						sink.Complete()
					} else {
						sink.Error(err)
					}
					return
				}
				sink.Next(content.New(mediaType, data))
			}
		}()

		return func() {
			closing.Store(true)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			c.logger.Debugf("Stopped observing %s", wsURL)
		}, nil
	}
	return stream.NewShared(connect), nil
}

// Discover lists the Things of an HTTP directory. Other methods find
// nothing over plain HTTP.
func (c *Client) Discover(ctx context.Context, filter *discovery.ThingFilter) (<-chan *wot.Thing, error) {
	out := make(chan *wot.Thing)
	if filter == nil || filter.Method != discovery.MethodDirectory {
		close(out)
		return out, nil
	}

	ct, err := c.do(ctx, http.MethodGet, wot.NewForm(filter.URL, content.MediaTypeJSON), content.Content{})
	if err != nil {
		close(out)
		return nil, err
	}
	var things []*wot.Thing
	if err := json.Unmarshal(ct.Body, &things); err != nil {
		close(out)
		return nil, fmt.Errorf("failed to parse directory %s: %w", filter.URL, err)
	}

	go func() {
		defer close(out)
		for _, t := range things {
			if t == nil {
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
