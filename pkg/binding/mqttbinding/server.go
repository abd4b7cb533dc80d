package mqttbinding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/internal/models"
	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

// ServerConfig configures the MQTT server.
type ServerConfig struct {
	Broker BrokerConfig
	// Prefix is the root of every topic. Thing descriptions are retained
	// on <prefix>/<thing id>.
	Prefix string
	QoS    byte
}

// Server implements servient.ProtocolServer over one MQTT broker.
type Server struct {
	cfg     ServerConfig
	pool    *Pool
	content *content.Manager
	logger  logrus.FieldLogger

	mu     sync.Mutex
	broker *Broker
	things map[string]*exposure
}

// exposure is everything a served Thing holds on the broker.
type exposure struct {
	retained []string
	cleanup  []func()
}

func (e *exposure) onDestroy(f func()) {
	e.cleanup = append(e.cleanup, f)
}

func NewServer(cfg ServerConfig, pool *Pool, cm *content.Manager, logger logrus.FieldLogger) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultTopicPrefix
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Server{
		cfg:     cfg,
		pool:    pool,
		content: cm,
		logger:  logger.WithField("binding", "mqtt"),
		things:  make(map[string]*exposure),
	}
}

// Scheme is mqtts when the broker URL is.
func (s *Server) Scheme() string {
	if strings.HasPrefix(s.cfg.Broker.URL, "mqtts://") {
		return "mqtts"
	}
	return "mqtt"
}

func (s *Server) Start(ctx context.Context) error {
	b, err := s.pool.Acquire(ctx, s.cfg.Broker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.broker = b
	s.mu.Unlock()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	b := s.broker
	s.broker = nil
	s.mu.Unlock()
	s.pool.Release(b)
	return nil
}

func (s *Server) connected() (*Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broker == nil {
		return nil, errors.New("mqtt server is not started")
	}
	return s.broker, nil
}

// DirectoryURL names the topic prefix Thing descriptions are retained
// under; mqtt clients discover with it.
func (s *Server) DirectoryURL() string {
	return strings.TrimSuffix(s.cfg.Broker.URL, "/") + "/" + s.cfg.Prefix
}

func (s *Server) ThingURL(thingID string) string {
	return s.DirectoryURL() + "/" + thingID
}

func (s *Server) topic(parts ...string) string {
	return s.cfg.Prefix + "/" + strings.Join(parts, "/")
}

func (s *Server) href(topic string) string {
	return strings.TrimSuffix(s.cfg.Broker.URL, "/") + "/" + topic
}

func (s *Server) form(topic string, ops ...wot.Operation) *wot.Form {
	f := wot.NewForm(s.href(topic), content.MediaTypeJSON, ops...)
	f.SetExtension(QoSKey, strconv.Itoa(int(s.cfg.QoS)))
	return f
}

func mqttContext(ctx context.Context) context.Context {
	return models.WithUpdateContext(ctx, models.NewUpdateContext(models.UpdateSourceMQTT))
}

// Expose adds the MQTT forms to thing, publishes its description and
// current property values retained, and starts relaying interactions.
func (s *Server) Expose(ctx context.Context, thing *servient.ExposedThing) error {
	b, err := s.connected()
	if err != nil {
		return err
	}
	td := thing.Description()
	exp := &exposure{}
	logger := s.logger.WithField("thing_id", td.ID)
	// background work of the exposure must not end with the Expose call
	bg := context.WithoutCancel(ctx)

	fail := func(err error) error {
		for _, f := range exp.cleanup {
			f()
		}
		return err
	}

	for name, p := range td.Properties {
		valueTopic := s.topic(td.ID, "properties", name)
		if !p.IsWriteOnly() {
			if err := thing.AddForm(wot.KindProperty, name, s.form(valueTopic,
				wot.OpReadProperty, wot.OpObserveProperty, wot.OpUnobserveProperty)); err != nil {
				return fail(err)
			}
			if err := s.exposeValue(bg, b, thing, exp, name, p.Schema(), valueTopic); err != nil {
				return fail(err)
			}
		}
		if !p.IsReadOnly() {
			writeTopic := valueTopic + "/" + string(wot.OpWriteProperty)
			if err := thing.AddForm(wot.KindProperty, name, s.form(writeTopic, wot.OpWriteProperty)); err != nil {
				return fail(err)
			}
			name, schema := name, p.Schema()
			cancel, err := b.Subscribe(ctx, writeTopic, s.cfg.QoS, func(_ string, payload []byte) {
				value, err := s.content.ContentToValue(content.New(content.MediaTypeJSON, payload), schema)
				if err == nil {
					err = thing.WriteProperty(mqttContext(bg), name, value)
				}
				if err != nil {
					logger.WithError(err).Warnf("Rejected write of property %s", name)
				}
			})
			if err != nil {
				return fail(err)
			}
			exp.onDestroy(cancel)
		}
	}

	for name, a := range td.Actions {
		actionTopic := s.topic(td.ID, "actions", name)
		if err := thing.AddForm(wot.KindAction, name, s.form(actionTopic, wot.OpInvokeAction)); err != nil {
			return fail(err)
		}
		name, input := name, a.Input
		cancel, err := b.Subscribe(ctx, actionTopic, s.cfg.QoS, func(_ string, payload []byte) {
			value, err := s.content.ContentToValue(content.New(content.MediaTypeJSON, payload), input)
			if err == nil {
				_, err = thing.InvokeAction(mqttContext(bg), name, value)
			}
			if err != nil {
				logger.WithError(err).Warnf("Invocation of action %s failed", name)
			}
		})
		if err != nil {
			return fail(err)
		}
		exp.onDestroy(cancel)
	}

	for name, ev := range td.Events {
		eventTopic := s.topic(td.ID, "events", name)
		if err := thing.AddForm(wot.KindEvent, name, s.form(eventTopic, wot.OpSubscribeEvent, wot.OpUnsubscribeEvent)); err != nil {
			return fail(err)
		}
		obs, err := thing.SubscribeEvent(name)
		if err != nil {
			return fail(err)
		}
		exp.onDestroy(s.relay(bg, b, obs, ev.Data, eventTopic, false).Unsubscribe)
	}

	// republish the description whenever it changes, starting now
	tdTopic := s.topic(td.ID)
	exp.retained = append(exp.retained, tdTopic)
	publishTD := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.WithError(err).Error("Failed to encode thing description")
			return
		}
		if err := b.Publish(bg, tdTopic, s.cfg.QoS, true, data); err != nil {
			logger.WithError(err).Warn("Failed to publish thing description")
		}
	}
	publishTD(thing.Description())
	changes := thing.Changes().Subscribe(stream.Observer{Next: publishTD})
	exp.onDestroy(changes.Unsubscribe)

	s.mu.Lock()
	previous := s.things[td.ID]
	s.things[td.ID] = exp
	s.mu.Unlock()
	// exposing again replaces the relays of the earlier exposure
	if previous != nil {
		for _, f := range previous.cleanup {
			f()
		}
	}
	logger.Infof("Serving thing on %s", tdTopic)
	return nil
}

// exposeValue publishes the current value of a property retained and
// republishes it on every change.
func (s *Server) exposeValue(ctx context.Context, b *Broker, thing *servient.ExposedThing, exp *exposure, name string, schema *wot.DataSchema, topic string) error {
	exp.retained = append(exp.retained, topic)
	value, err := thing.ReadProperty(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read property %s: %w", name, err)
	}
	if value != nil {
		ct, err := s.content.ValueToContent(value, schema, content.MediaTypeJSON)
		if err != nil {
			return err
		}
		if err := b.Publish(ctx, topic, s.cfg.QoS, true, ct.Body); err != nil {
			return err
		}
	}
	obs, err := thing.ObserveProperty(name)
	if err != nil {
		return err
	}
	exp.onDestroy(s.relay(ctx, b, obs, schema, topic, true).Unsubscribe)
	return nil
}

// relay publishes every notification of obs to topic.
func (s *Server) relay(ctx context.Context, b *Broker, obs stream.Observable, schema *wot.DataSchema, topic string, retained bool) *stream.Subscription {
	return obs.Subscribe(stream.Observer{
		Next: func(v any) {
			ct, err := s.content.ValueToContent(v, schema, content.MediaTypeJSON)
			if err != nil {
				s.logger.WithError(err).Warnf("Dropped notification for %s", topic)
				return
			}
			if err := b.Publish(ctx, topic, s.cfg.QoS, retained, ct.Body); err != nil {
				s.logger.WithError(err).Warnf("Failed to publish to %s", topic)
			}
		},
	})
}

// Destroy stops relaying the Thing and clears its retained messages.
func (s *Server) Destroy(ctx context.Context, thingID string) error {
	s.mu.Lock()
	exp, ok := s.things[thingID]
	delete(s.things, thingID)
	b := s.broker
	s.mu.Unlock()
	if !ok {
		return nil
	}

	for _, f := range exp.cleanup {
		f()
	}
	if b == nil {
		return nil
	}
	var errs []error
	for _, topic := range exp.retained {
		// an empty retained message deletes the retained one
		if err := b.Publish(ctx, topic, s.cfg.QoS, true, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
