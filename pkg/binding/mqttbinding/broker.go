// Package mqttbinding carries Thing interactions over MQTT topics.
package mqttbinding

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// BrokerConfig identifies a broker connection.
type BrokerConfig struct {
	URL      string `yaml:"url" json:"url"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	// ConnectTimeout bounds Connect when the caller's context has no
	// deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

func (c BrokerConfig) key() string {
	return c.URL + "|" + c.Username
}

// MessageHandler receives the messages of a subscription.
type MessageHandler func(topic string, payload []byte)

// PahoFactory builds the underlying paho client.
type PahoFactory func(opts *paho.ClientOptions) paho.Client

// Pool shares one connection per broker between every user of it.
type Pool struct {
	logger    logrus.FieldLogger
	newClient PahoFactory

	mu      sync.Mutex
	brokers map[string]*Broker
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithPahoFactory replaces paho.NewClient.
func WithPahoFactory(f PahoFactory) PoolOption {
	return func(p *Pool) { p.newClient = f }
}

func NewPool(logger logrus.FieldLogger, opts ...PoolOption) *Pool {
	p := &Pool{
		logger:    logger.WithField("binding", "mqtt"),
		newClient: paho.NewClient,
		brokers:   make(map[string]*Broker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the connected handle for cfg, connecting on first use.
// Every Acquire must be paired with a Release.
func (p *Pool) Acquire(ctx context.Context, cfg BrokerConfig) (*Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.brokers[cfg.key()]; ok {
		b.users++
		return b, nil
	}

	b := &Broker{
		url:           cfg.URL,
		logger:        p.logger.WithField("broker", cfg.URL),
		subscriptions: make(map[string]*subscription),
		users:         1,
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.URL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wotkit-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	// handlers publish, so they must not block the delivery goroutine
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = p.newClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wait(cctx, b.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", cfg.URL, err)
	}
	b.logger.Info("Connected to broker")

	b.release = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		b.users--
		if b.users > 0 {
			return
		}
		delete(p.brokers, cfg.key())
		b.client.Disconnect(disconnectQuiesce)
		b.logger.Info("Disconnected from broker")
	}
	p.brokers[cfg.key()] = b
	return b, nil
}

// Release gives up one reference to b. The connection is closed when the
// last user releases it.
func (p *Pool) Release(b *Broker) {
	if b != nil && b.release != nil {
		b.release()
	}
}

// Broker is a shared connection to one MQTT broker.
type Broker struct {
	url     string
	client  paho.Client
	logger  logrus.FieldLogger
	release func()
	users   int // guarded by the pool

	mu            sync.Mutex
	subscriptions map[string]*subscription
	nextID        uint64
}

// subscription is one topic filter with every local receiver of it.
type subscription struct {
	topic string
	qos   byte

	mu        sync.Mutex
	receivers map[uint64]MessageHandler
	last      []byte
	hasLast   bool
}

func (s *subscription) onMessage(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()
	s.mu.Lock()
	s.last = payload
	s.hasLast = true
	handlers := make([]MessageHandler, 0, len(s.receivers))
	for _, h := range s.receivers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg.Topic(), payload)
	}
}

// URL returns the broker URL this handle is connected to.
func (b *Broker) URL() string {
	return b.url
}

// Subscribe adds handler as a receiver of topic. The broker subscription
// is made for the first receiver and dropped after the last one calls the
// returned function.
func (b *Broker) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub, exists := b.subscriptions[topic]
	if !exists {
		sub = &subscription{topic: topic, qos: qos, receivers: make(map[uint64]MessageHandler)}
	}
	sub.mu.Lock()
	sub.receivers[id] = handler
	sub.mu.Unlock()

	if !exists {
		if err := wait(ctx, b.client.Subscribe(topic, qos, sub.onMessage)); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		b.subscriptions[topic] = sub
		b.logger.Debugf("Subscribed to %s", topic)
	}

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(sub, id) }) }, nil
}

func (b *Broker) unsubscribe(sub *subscription, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.mu.Lock()
	delete(sub.receivers, id)
	remaining := len(sub.receivers)
	sub.mu.Unlock()
	if remaining > 0 || b.subscriptions[sub.topic] != sub {
		return
	}

	delete(b.subscriptions, sub.topic)
	if token := b.client.Unsubscribe(sub.topic); token.WaitTimeout(defaultConnectTimeout) && token.Error() != nil {
		b.logger.WithError(token.Error()).Warnf("Failed to unsubscribe from %s", sub.topic)
		return
	}
	b.logger.Debugf("Unsubscribed from %s", sub.topic)
}

// Get returns the current message of topic: the last one seen by an
// active subscription, or else the first one delivered to a temporary
// subscription, which is normally the retained message.
func (b *Broker) Get(ctx context.Context, topic string, qos byte) ([]byte, error) {
	b.mu.Lock()
	if sub, ok := b.subscriptions[topic]; ok {
		sub.mu.Lock()
		last, hasLast := sub.last, sub.hasLast
		sub.mu.Unlock()
		if hasLast {
			b.mu.Unlock()
			return last, nil
		}
	}
	b.mu.Unlock()

	received := make(chan []byte, 1)
	cancel, err := b.Subscribe(ctx, topic, qos, func(_ string, payload []byte) {
		select {
		case received <- payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	select {
	case payload := <-received:
		return payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no message on %s: %w", topic, ctx.Err())
	}
}

// Publish sends payload to topic and waits for the broker to accept it.
func (b *Broker) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, b.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) onConnect(client paho.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// paho does not restore subscriptions after a reconnect
	for topic, sub := range b.subscriptions {
		if token := client.Subscribe(topic, sub.qos, sub.onMessage); token.WaitTimeout(defaultConnectTimeout) && token.Error() != nil {
			b.logger.WithError(token.Error()).Errorf("Failed to resubscribe to %s", topic)
		}
	}
}

func (b *Broker) onConnectionLost(_ paho.Client, err error) {
	b.logger.WithError(err).Warn("Connection to broker lost")
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitHref returns the broker URL and topic of an mqtt(s) href.
func splitHref(href string) (string, string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case "mqtt", "mqtts":
	default:
		return "", "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, href)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("missing broker host in %s", href)
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return "", "", errors.New("missing topic in " + href)
	}
	return u.Scheme + "://" + u.Host, topic, nil
}
