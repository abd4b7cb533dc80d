package mqttbinding

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

const brokerURL = "mqtt://broker.test:1883"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func TestPool_RefCounting(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker()
	pool := NewPool(quietLogger(), WithPahoFactory(fb.newClient))
	cfg := BrokerConfig{URL: brokerURL}

	first, err := pool.Acquire(ctx, cfg)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fb.connects)

	other, err := pool.Acquire(ctx, BrokerConfig{URL: brokerURL, Username: "bob"})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, fb.connects)
	pool.Release(other)

	pool.Release(first)
	assert.True(t, first.client.IsConnected())
	pool.Release(second)
	assert.False(t, first.client.IsConnected())

	again, err := pool.Acquire(ctx, cfg)
	require.NoError(t, err)
	assert.NotSame(t, first, again)
	pool.Release(again)
}

func TestBroker_Subscriptions(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker()
	pool := NewPool(quietLogger(), WithPahoFactory(fb.newClient))
	b, err := pool.Acquire(ctx, BrokerConfig{URL: brokerURL})
	require.NoError(t, err)
	defer pool.Release(b)

	var a, c atomic.Int32
	cancelA, err := b.Subscribe(ctx, "things/x", 0, func(string, []byte) { a.Add(1) })
	require.NoError(t, err)
	cancelC, err := b.Subscribe(ctx, "things/x", 0, func(string, []byte) { c.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, fb.subscriptions("things/x"), "one broker subscription per topic")

	require.NoError(t, b.Publish(ctx, "things/x", 0, false, []byte("1")))
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), c.Load())

	cancelA()
	cancelA()
	assert.Equal(t, 1, fb.subscriptions("things/x"))
	require.NoError(t, b.Publish(ctx, "things/x", 0, false, []byte("2")))
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), c.Load())

	cancelC()
	assert.Equal(t, 0, fb.subscriptions("things/x"))
}

func TestBroker_Get(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker()
	pool := NewPool(quietLogger(), WithPahoFactory(fb.newClient))
	b, err := pool.Acquire(ctx, BrokerConfig{URL: brokerURL})
	require.NoError(t, err)
	defer pool.Release(b)

	require.NoError(t, b.Publish(ctx, "things/x/properties/p", 0, true, []byte("42")))
	got, err := b.Get(ctx, "things/x/properties/p", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), got)
	assert.Equal(t, 0, fb.subscriptions("things/x/properties/p"), "temporary subscription is dropped")

	// an active subscription answers from its last message
	cancel, err := b.Subscribe(ctx, "things/x/properties/p", 0, func(string, []byte) {})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "things/x/properties/p", 0, false, []byte("43")))
	got, err = b.Get(ctx, "things/x/properties/p", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("43"), got)
	cancel()

	short, done := context.WithTimeout(ctx, 50*time.Millisecond)
	defer done()
	_, err = b.Get(short, "things/x/properties/missing", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type testBed struct {
	broker   *fakeBroker
	producer *servient.Servient
	server   *Server
	exposed  *servient.ExposedThing
	consumer *servient.Servient
}

func newTestBed(t *testing.T) *testBed {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()
	fb := newFakeBroker()

	producer := servient.New(servient.Config{Logger: logger})
	srv := NewServer(ServerConfig{Broker: BrokerConfig{URL: brokerURL}, QoS: 1},
		NewPool(logger, WithPahoFactory(fb.newClient)), producer.Content(), logger)
	producer.AddServer(srv)
	require.NoError(t, producer.Start(ctx))
	t.Cleanup(func() { _ = producer.Shutdown(context.Background()) })

	thing, err := wot.NewThingBuilder("urn:dev:counter", "Counter").Build()
	require.NoError(t, err)
	exposed, err := producer.Produce(thing)
	require.NoError(t, err)

	count := wot.NewProperty("integer")
	count.Observable = true
	require.NoError(t, exposed.AddProperty("count", count, servient.WithInitialValue(42)))
	require.NoError(t, exposed.AddAction("increment", wot.NewAction(nil, nil),
		func(ctx context.Context, _ any, _ servient.InteractionOptions) (any, error) {
			v, err := exposed.ReadProperty(ctx, "count")
			if err != nil {
				return nil, err
			}
			return nil, exposed.WriteProperty(ctx, "count", toInt(v)+1)
		}))
	require.NoError(t, exposed.AddEvent("overheated", wot.NewEvent(wot.Schema("number"))))
	require.NoError(t, exposed.Expose(ctx))

	consumer := servient.New(servient.Config{Logger: logger})
	consumer.AddClientFactory("mqtt", Factory(ClientConfig{
		Pool:            NewPool(logger, WithPahoFactory(fb.newClient)),
		DiscoveryBroker: brokerURL,
		DiscoveryWindow: 100 * time.Millisecond,
		Logger:          logger,
	}))
	return &testBed{broker: fb, producer: producer, server: srv, exposed: exposed, consumer: consumer}
}

func TestMQTTBinding_RoundTrip(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t)

	td, err := bed.consumer.Fetch(ctx, bed.server.ThingURL("urn:dev:counter"))
	require.NoError(t, err)
	require.Contains(t, td.Properties, "count")

	consumed, err := bed.consumer.Consume(td)
	require.NoError(t, err)
	defer consumed.Close()

	v, err := consumed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	require.NoError(t, consumed.WriteProperty(ctx, "count", 7))
	local, err := bed.exposed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(7), local)

	_, err = consumed.InvokeAction(ctx, "increment", nil)
	require.NoError(t, err)
	v, err = consumed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(8), v)

	t.Run("invalid write is dropped", func(t *testing.T) {
		assert.Error(t, consumed.WriteProperty(ctx, "count", 9.5))

		b, err := bed.server.connected()
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, "things/urn:dev:counter/properties/count/writeproperty", 0, false, []byte(`"nine"`)))
		v, err := bed.exposed.ReadProperty(ctx, "count")
		require.NoError(t, err)
		assert.Equal(t, float64(8), v)
	})
}

func TestMQTTBinding_Observe(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t)
	td, err := bed.consumer.Fetch(ctx, bed.server.ThingURL("urn:dev:counter"))
	require.NoError(t, err)
	consumed, err := bed.consumer.Consume(td)
	require.NoError(t, err)
	defer consumed.Close()

	obs, err := consumed.ObserveProperty(ctx, "count")
	require.NoError(t, err)
	values := make(chan any, 8)
	sub := obs.Subscribe(stream.Observer{Next: func(v any) { values <- v }})

	require.NoError(t, bed.exposed.WriteProperty(ctx, "count", 100))
	select {
	case v := <-values:
		assert.Equal(t, float64(100), v)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	valueTopic := "things/urn:dev:counter/properties/count"
	assert.Equal(t, 1, bed.broker.subscriptions(valueTopic))
	sub.Unsubscribe()
	assert.Equal(t, 0, bed.broker.subscriptions(valueTopic))

	events, err := consumed.SubscribeEvent(ctx, "overheated")
	require.NoError(t, err)
	received := make(chan any, 8)
	eventSub := events.Subscribe(stream.Observer{Next: func(v any) { received <- v }})
	defer eventSub.Unsubscribe()

	require.NoError(t, bed.exposed.EmitEvent("overheated", 81.5))
	select {
	case v := <-received:
		assert.Equal(t, 81.5, v)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestMQTTBinding_DestroyClearsRetained(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t)

	tdTopic := "things/urn:dev:counter"
	_, ok := bed.broker.retainedMessage(tdTopic)
	require.True(t, ok)

	require.NoError(t, bed.exposed.Destroy(ctx))
	_, ok = bed.broker.retainedMessage(tdTopic)
	assert.False(t, ok)
	_, ok = bed.broker.retainedMessage(tdTopic + "/properties/count")
	assert.False(t, ok)
	assert.Equal(t, 0, bed.broker.subscriptions(tdTopic+"/actions/increment"))
}

func TestMQTTBinding_Discover(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t)

	lamp, err := wot.NewThingBuilder("urn:dev:lamp", "Lamp").Build()
	require.NoError(t, err)
	exposed, err := bed.producer.Produce(lamp)
	require.NoError(t, err)
	require.NoError(t, exposed.Expose(ctx))

	things, err := bed.consumer.Discover(ctx, discovery.NewThingFilter(discovery.MethodAny))
	require.NoError(t, err)
	ids := make([]string, 0, len(things))
	for _, thing := range things {
		ids = append(ids, thing.ID)
	}
	assert.ElementsMatch(t, []string{"urn:dev:counter", "urn:dev:lamp"}, ids)

	t.Run("topic prefix", func(t *testing.T) {
		client := NewClient(ClientConfig{
			Pool:            NewPool(quietLogger(), WithPahoFactory(bed.broker.newClient)),
			DiscoveryWindow: 100 * time.Millisecond,
		})
		defer client.Close()

		found, err := client.Discover(ctx,
			discovery.NewThingFilter(discovery.MethodDirectory).WithURL(bed.server.DirectoryURL()))
		require.NoError(t, err)
		n := 0
		for range found {
			n++
		}
		assert.Equal(t, 2, n)
	})

	t.Run("invalid directory url", func(t *testing.T) {
		client := NewClient(ClientConfig{
			Pool:            NewPool(quietLogger(), WithPahoFactory(bed.broker.newClient)),
			DiscoveryWindow: 100 * time.Millisecond,
		})
		defer client.Close()

		for _, url := range []string{"http://b/things", "mqtt:///things", "mqtt://b"} {
			found, err := client.Discover(ctx, discovery.NewThingFilter(discovery.MethodDirectory).WithURL(url))
			assert.Error(t, err, url)
			assert.Nil(t, found, url)
		}
	})
}

func TestClient_QoS(t *testing.T) {
	c := NewClient(ClientConfig{QoS: 1})
	tests := []struct {
		value any
		want  byte
	}{
		{nil, 1},
		{"0", 0},
		{"2", 2},
		{float64(2), 2},
		{"7", 1},
		{"x", 1},
	}
	for _, tt := range tests {
		form := wot.NewForm(brokerURL+"/t", "")
		if tt.value != nil {
			form.SetExtension(QoSKey, tt.value)
		}
		assert.Equal(t, tt.want, c.qos(form), "%v", tt.value)
	}
}

func TestSplitHref(t *testing.T) {
	broker, topic, err := splitHref("mqtts://b:8883/things/urn:dev:x/properties/p")
	require.NoError(t, err)
	assert.Equal(t, "mqtts://b:8883", broker)
	assert.Equal(t, "things/urn:dev:x/properties/p", topic)

	for _, href := range []string{"http://b/t", "mqtt:///t", "mqtt://b"} {
		_, _, err := splitHref(href)
		assert.Error(t, err, href)
	}
}
