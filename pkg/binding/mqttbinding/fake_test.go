package mqttbinding

import (
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// fakeBroker is an in-memory MQTT broker with retained messages and
// wildcard filters. Messages are delivered synchronously.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     []*fakeSub
	connects int
}

type fakeSub struct {
	client  *fakeClient
	filter  string
	handler paho.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: make(map[string][]byte)}
}

func (fb *fakeBroker) newClient(*paho.ClientOptions) paho.Client {
	return &fakeClient{broker: fb}
}

func (fb *fakeBroker) subscriptions(filter string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, s := range fb.subs {
		if s.filter == filter {
			n++
		}
	}
	return n
}

func (fb *fakeBroker) retainedMessage(topic string) ([]byte, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	msg, ok := fb.retained[topic]
	return msg, ok
}

func (fb *fakeBroker) publish(topic string, retained bool, payload []byte) {
	fb.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(fb.retained, topic)
		} else {
			fb.retained[topic] = payload
		}
	}
	var targets []*fakeSub
	for _, s := range fb.subs {
		if topicMatches(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	fb.mu.Unlock()

	for _, s := range targets {
		s.handler(s.client, &fakeMessage{topic: topic, payload: payload})
	}
}

// topicMatches implements MQTT filter matching with + and #.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

type fakeClient struct {
	broker *fakeBroker

	mu        sync.Mutex
	connected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.broker.mu.Lock()
	c.broker.connects++
	c.broker.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	fb := c.broker
	fb.mu.Lock()
	defer fb.mu.Unlock()
	kept := fb.subs[:0]
	for _, s := range fb.subs {
		if s.client != c {
			kept = append(kept, s)
		}
	}
	fb.subs = kept
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.broker.publish(topic, retained, data)
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	fb := c.broker
	fb.mu.Lock()
	fb.subs = append(fb.subs, &fakeSub{client: c, filter: topic, handler: callback})
	var replay []*fakeMessage
	for t, payload := range fb.retained {
		if topicMatches(topic, t) {
			replay = append(replay, &fakeMessage{topic: t, payload: payload, retained: true})
		}
	}
	fb.mu.Unlock()

	for _, msg := range replay {
		callback(c, msg)
	}
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	fb := c.broker
	fb.mu.Lock()
	defer fb.mu.Unlock()
	kept := fb.subs[:0]
	for _, s := range fb.subs {
		remove := false
		if s.client == c {
			for _, t := range topics {
				if s.filter == t {
					remove = true
				}
			}
		}
		if !remove {
			kept = append(kept, s)
		}
	}
	fb.subs = kept
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
