package mqttbinding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

const (
	// QoSKey and RetainKey are the form members of the MQTT vocabulary.
	QoSKey    = "mqv:qos"
	RetainKey = "mqv:retain"

	defaultReadTimeout     = 5 * time.Second
	defaultDiscoveryWindow = 2 * time.Second
	defaultTopicPrefix     = "things"
)

// ClientConfig tunes the MQTT client.
type ClientConfig struct {
	Pool     *Pool
	ClientID string
	QoS      byte
	// ReadTimeout bounds reads when the context has no deadline.
	ReadTimeout time.Duration
	// DiscoveryBroker is asked for retained Thing descriptions under
	// DiscoveryPrefix when discovering with MethodAny.
	DiscoveryBroker string
	DiscoveryPrefix string
	DiscoveryWindow time.Duration
	Logger          logrus.FieldLogger
}

// Client implements servient.ProtocolClient for mqtt and mqtts.
type Client struct {
	cfg    ClientConfig
	pool   *Pool
	logger logrus.FieldLogger

	mu      sync.Mutex
	creds   servient.Credentials
	brokers map[string]*Broker
	closed  bool
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.DiscoveryWindow == 0 {
		cfg.DiscoveryWindow = defaultDiscoveryWindow
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = defaultTopicPrefix
	}
	pool := cfg.Pool
	if pool == nil {
		pool = NewPool(logger)
	}
	return &Client{
		cfg:     cfg,
		pool:    pool,
		logger:  logger.WithField("binding", "mqtt"),
		brokers: make(map[string]*Broker),
	}
}

// Factory returns a servient.ClientFactory producing clients with cfg.
func Factory(cfg ClientConfig) servient.ClientFactory {
	return func() (servient.ProtocolClient, error) {
		return NewClient(cfg), nil
	}
}

// SetSecurity accepts nosec and basic. Basic credentials become the
// broker user name and password.
func (c *Client) SetSecurity(schemes []wot.SecurityScheme, creds servient.Credentials) error {
	for _, s := range schemes {
		switch s.SchemeName() {
		case "nosec", "basic":
			c.mu.Lock()
			c.creds = creds
			c.mu.Unlock()
			return nil
		}
	}
	if len(schemes) == 0 {
		return nil
	}
	return fmt.Errorf("none of the security schemes is supported by the mqtt client")
}

// broker returns the connection for brokerURL, acquiring it on first use.
// Handles are released by Close.
func (c *Client) broker(ctx context.Context, brokerURL string) (*Broker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("mqtt client is closed")
	}
	if b, ok := c.brokers[brokerURL]; ok {
		return b, nil
	}
	b, err := c.pool.Acquire(ctx, BrokerConfig{
		URL:      brokerURL,
		ClientID: c.cfg.ClientID,
		Username: c.creds.Username,
		Password: c.creds.Password,
	})
	if err != nil {
		return nil, err
	}
	c.brokers[brokerURL] = b
	return b, nil
}

func (c *Client) target(ctx context.Context, form *wot.Form) (*Broker, string, error) {
	brokerURL, topic, err := splitHref(form.Href)
	if err != nil {
		return nil, "", err
	}
	b, err := c.broker(ctx, brokerURL)
	if err != nil {
		return nil, "", err
	}
	return b, topic, nil
}

// qos reads mqv:qos, which TDs carry as a string or a number.
func (c *Client) qos(form *wot.Form) byte {
	v, ok := form.Extension(QoSKey)
	if !ok {
		return c.cfg.QoS
	}
	var n int
	switch q := v.(type) {
	case string:
		parsed, err := strconv.Atoi(q)
		if err != nil {
			return c.cfg.QoS
		}
		n = parsed
	case float64:
		n = int(q)
	case int:
		n = q
	default:
		return c.cfg.QoS
	}
	if n < 0 || n > 2 {
		return c.cfg.QoS
	}
	return byte(n)
}

func retain(form *wot.Form) bool {
	v, _ := form.Extension(RetainKey)
	r, _ := v.(bool)
	return r
}

// ReadResource returns the current message of the form topic.
func (c *Client) ReadResource(ctx context.Context, form *wot.Form) (content.Content, error) {
	b, topic, err := c.target(ctx, form)
	if err != nil {
		return content.Content{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()
	}
	payload, err := b.Get(ctx, topic, c.qos(form))
	if err != nil {
		return content.Content{}, err
	}
	return content.New(form.MediaType(), payload), nil
}

func (c *Client) publish(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	b, topic, err := c.target(ctx, form)
	if err != nil {
		return content.Content{}, err
	}
	c.logger.Debugf("Publishing %d bytes to %s", len(ct.Body), topic)
	return content.Content{}, b.Publish(ctx, topic, c.qos(form), retain(form), ct.Body)
}

// WriteResource publishes the value. MQTT has no reply channel, so the
// result is always empty.
func (c *Client) WriteResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	return c.publish(ctx, form, ct)
}

// InvokeResource publishes the input. Actions invoked over MQTT have no
// output.
func (c *Client) InvokeResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	return c.publish(ctx, form, ct)
}

// ObserveResource subscribes to the form topic while the stream has
// observers.
func (c *Client) ObserveResource(ctx context.Context, form *wot.Form) (stream.Observable, error) {
	brokerURL, topic, err := splitHref(form.Href)
	if err != nil {
		return nil, err
	}
	mediaType := form.MediaType()
	qos := c.qos(form)

	return stream.NewShared(func(sink *stream.Subject) (func(), error) {
		b, err := c.broker(ctx, brokerURL)
		if err != nil {
			return nil, err
		}
		return b.Subscribe(ctx, topic, qos, func(_ string, payload []byte) {
			sink.Next(content.New(mediaType, payload))
		})
	}), nil
}

// Discover collects the retained Thing descriptions published under a
// topic prefix during the discovery window. Directory filters name the
// prefix with an mqtt URL; MethodAny uses the configured broker.
func (c *Client) Discover(ctx context.Context, filter *discovery.ThingFilter) (<-chan *wot.Thing, error) {
	out := make(chan *wot.Thing)

	var brokerURL, prefix string
	switch {
	case filter == nil || filter.Method == discovery.MethodLocal:
	case filter.Method == discovery.MethodDirectory:
		var err error
		if brokerURL, prefix, err = splitHref(filter.URL); err != nil {
			close(out)
			return nil, fmt.Errorf("invalid directory url: %w", err)
		}
	default:
		brokerURL, prefix = c.cfg.DiscoveryBroker, c.cfg.DiscoveryPrefix
	}
	if brokerURL == "" {
		close(out)
		return out, nil
	}

	b, err := c.broker(ctx, brokerURL)
	if err != nil {
		close(out)
		return nil, err
	}

	found := make(chan *wot.Thing, 64)
	cancel, err := b.Subscribe(ctx, prefix+"/+", c.cfg.QoS, func(topic string, payload []byte) {
		if len(payload) == 0 {
			return
		}
		var thing wot.Thing
		if err := json.Unmarshal(payload, &thing); err != nil {
			c.logger.WithError(err).Debugf("Ignored non-TD message on %s", topic)
			return
		}
		select {
		case found <- &thing:
		default:
			c.logger.Warnf("Discovery buffer full, dropped %s", thing.ID)
		}
	})
	if err != nil {
		close(out)
		return nil, err
	}

	go func() {
		defer close(out)
		defer cancel()
		window := time.NewTimer(c.cfg.DiscoveryWindow)
		defer window.Stop()
		seen := make(map[string]bool)
		for {
			select {
			case thing := <-found:
				if seen[thing.ID] {
					continue
				}
				seen[thing.ID] = true
				select {
				case out <- thing:
				case <-ctx.Done():
					return
				}
			case <-window.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases every broker connection of the client.
func (c *Client) Close() error {
	c.mu.Lock()
	brokers := c.brokers
	c.brokers = make(map[string]*Broker)
	c.closed = true
	c.mu.Unlock()

	for _, b := range brokers {
		c.pool.Release(b)
	}
	return nil
}
