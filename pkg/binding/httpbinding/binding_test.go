package httpbinding

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

const counterID = "urn:dev:counter"

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

type testBed struct {
	exposed  *servient.ExposedThing
	server   *httptest.Server
	consumer *servient.Servient
}

// newTestBed exposes a counter Thing over an httptest server and returns a
// second servient able to consume it.
func newTestBed(t *testing.T, auth AuthConfig, creds servient.Credentials) *testBed {
	t.Helper()
	logger := quietLogger()

	producer := servient.New(servient.Config{Logger: logger})
	srv := NewServer(ServerConfig{Auth: auth}, producer.Content(), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	srv.baseURL = ts.URL
	producer.AddServer(srv)

	thing, err := wot.NewThingBuilder(counterID, "Counter").Build()
	require.NoError(t, err)
	exposed, err := producer.Produce(thing)
	require.NoError(t, err)

	observable := wot.NewProperty("integer")
	observable.Observable = true
	require.NoError(t, exposed.AddProperty("count", observable, servient.WithInitialValue(42)))
	model := wot.NewProperty("string")
	model.ReadOnly = true
	require.NoError(t, exposed.AddProperty("model", model, servient.WithInitialValue("C-1")))
	require.NoError(t, exposed.AddAction("increment", wot.NewAction(nil, nil),
		func(ctx context.Context, _ any, _ servient.InteractionOptions) (any, error) {
			v, err := exposed.ReadProperty(ctx, "count")
			if err != nil {
				return nil, err
			}
			return nil, exposed.WriteProperty(ctx, "count", toInt(v)+1)
		}))
	require.NoError(t, exposed.AddAction("add", wot.NewAction(wot.Schema("integer"), wot.Schema("integer")),
		func(ctx context.Context, input any, opts servient.InteractionOptions) (any, error) {
			return toInt(input) + len(opts.URIVariables), nil
		}))
	require.NoError(t, exposed.AddEvent("overheated", wot.NewEvent(wot.Schema("number"))))
	require.NoError(t, exposed.Expose(context.Background()))

	consumer := servient.New(servient.Config{
		Logger:      logger,
		Credentials: servient.StaticCredentials{counterID: creds},
	})
	consumer.AddClientFactory("http", Factory(ClientConfig{Timeout: 5 * time.Second, Logger: logger}))
	return &testBed{exposed: exposed, server: ts, consumer: consumer}
}

func (b *testBed) consume(t *testing.T) *servient.ConsumedThing {
	t.Helper()
	td, err := b.consumer.Fetch(context.Background(), b.server.URL+"/"+counterID)
	require.NoError(t, err)
	consumed, err := b.consumer.Consume(td)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumed.Close() })
	return consumed
}

func TestHTTPBinding_RoundTrip(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t, AuthConfig{}, servient.Credentials{})
	consumed := bed.consume(t)

	td := consumed.Description()
	require.Contains(t, td.Properties, "count")
	assert.NotEmpty(t, td.Properties["count"].Forms)
	assert.Equal(t, http.MethodPost, td.Actions["increment"].Forms[0].StringExtension(MethodNameKey))

	v, err := consumed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	out, err := consumed.InvokeAction(ctx, "increment", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	v, err = consumed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(43), v)

	out, err = consumed.InvokeAction(ctx, "add", 5)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)

	require.NoError(t, consumed.WriteProperty(ctx, "count", 7))
	local, err := bed.exposed.ReadProperty(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(7), local)

	all, err := consumed.ReadAllProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(7), "model": "C-1"}, all)

	t.Run("read-only property has no write form", func(t *testing.T) {
		err := consumed.WriteProperty(ctx, "model", "C-2")
		var noForm *servient.NoFormForInteractionError
		assert.ErrorAs(t, err, &noForm)
	})

	t.Run("invalid input is rejected", func(t *testing.T) {
		_, err := consumed.InvokeAction(ctx, "add", "five")
		require.Error(t, err)
	})
}

func TestHTTPBinding_StatusCodes(t *testing.T) {
	bed := newTestBed(t, AuthConfig{}, servient.Credentials{})
	thingPath := "/" + counterID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		ctype  string
		status int
	}{
		{"directory", http.MethodGet, "/", "", "", http.StatusOK},
		{"thing description", http.MethodGet, "/" + counterID, "", "", http.StatusOK},
		{"unknown thing", http.MethodGet, "/urn:dev:missing/properties/count", "", "", http.StatusNotFound},
		{"unknown property", http.MethodGet, thingPath + "/properties/missing", "", "", http.StatusNotFound},
		{"read property", http.MethodGet, thingPath + "/properties/count", "", "", http.StatusOK},
		{"write read-only", http.MethodPut, thingPath + "/properties/model", `"x"`, content.MediaTypeJSON, http.StatusForbidden},
		{"write wrong type", http.MethodPut, thingPath + "/properties/count", `"x"`, content.MediaTypeJSON, http.StatusBadRequest},
		{"unsupported media type", http.MethodPut, thingPath + "/properties/count", `1`, "application/x-unknown", http.StatusUnsupportedMediaType},
		{"write property", http.MethodPut, thingPath + "/properties/count", `1`, content.MediaTypeJSON, http.StatusNoContent},
		{"action without output", http.MethodPost, thingPath + "/actions/increment", "", "", http.StatusNoContent},
		{"unknown action", http.MethodPost, thingPath + "/actions/reset", "", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req, err := http.NewRequest(tt.method, bed.server.URL+tt.path, body)
			require.NoError(t, err)
			if tt.ctype != "" {
				req.Header.Set(headerContentType, tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHTTPBinding_Auth(t *testing.T) {
	ctx := context.Background()

	t.Run("basic", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
		require.NoError(t, err)
		auth := AuthConfig{BasicUsers: map[string]string{"alice": string(hash)}}

		bed := newTestBed(t, auth, servient.Credentials{Username: "alice", Password: "s3cret"})
		consumed := bed.consume(t)
		assert.Equal(t, wot.StringList{basicSchemeName}, consumed.Description().Security)

		v, err := consumed.ReadProperty(ctx, "count")
		require.NoError(t, err)
		assert.Equal(t, float64(42), v)

		resp, err := http.Get(bed.server.URL + "/" + counterID + "/properties/count")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get(headerWWWAuthenticate), "Basic")

		wrong := newTestBed(t, auth, servient.Credentials{Username: "alice", Password: "guess"})
		_, err = wrong.consume(t).ReadProperty(ctx, "count")
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("bearer", func(t *testing.T) {
		auth := AuthConfig{BearerSecret: "topsecret"}
		sign := func(secret string) string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			})
			signed, err := token.SignedString([]byte(secret))
			require.NoError(t, err)
			return signed
		}

		bed := newTestBed(t, auth, servient.Credentials{Token: sign("topsecret")})
		consumed := bed.consume(t)
		assert.Equal(t, wot.StringList{bearerSchemeName}, consumed.Description().Security)
		require.NoError(t, consumed.WriteProperty(ctx, "count", 1))

		forged := newTestBed(t, auth, servient.Credentials{Token: sign("other")})
		err := forged.consume(t).WriteProperty(ctx, "count", 1)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})
}

func TestHTTPBinding_Observe(t *testing.T) {
	ctx := context.Background()
	bed := newTestBed(t, AuthConfig{}, servient.Credentials{})
	consumed := bed.consume(t)

	t.Run("property", func(t *testing.T) {
		obs, err := consumed.ObserveProperty(ctx, "count")
		require.NoError(t, err)

		var last atomic.Value
		sub := obs.Subscribe(stream.Observer{Next: func(v any) { last.Store(v) }})
		defer sub.Unsubscribe()

		// the server subscribes after the upgrade completes
		next := 100
		assert.Eventually(t, func() bool {
			next++
			_ = bed.exposed.WriteProperty(ctx, "count", next)
			return last.Load() != nil
		}, 5*time.Second, 20*time.Millisecond)
		assert.Greater(t, toInt(last.Load()), 100)
	})

	t.Run("event", func(t *testing.T) {
		obs, err := consumed.SubscribeEvent(ctx, "overheated")
		require.NoError(t, err)

		received := make(chan any, 16)
		sub := obs.Subscribe(stream.Observer{Next: func(v any) {
			select {
			case received <- v:
			default:
			}
		}})
		defer sub.Unsubscribe()

		assert.Eventually(t, func() bool {
			_ = bed.exposed.EmitEvent("overheated", 81.5)
			return len(received) > 0
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, 81.5, <-received)
	})

	t.Run("destroy completes the stream", func(t *testing.T) {
		obs, err := consumed.SubscribeEvent(ctx, "overheated")
		require.NoError(t, err)

		received := make(chan any, 16)
		sub := obs.Subscribe(stream.Observer{Next: func(v any) {
			select {
			case received <- v:
			default:
			}
		}})
		assert.Eventually(t, func() bool {
			_ = bed.exposed.EmitEvent("overheated", 1.0)
			return len(received) > 0
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, bed.exposed.Destroy(ctx))
		select {
		case <-sub.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("subscription still open after destroy")
		}
	})
}

func TestMethodFor(t *testing.T) {
	patch := wot.NewForm("http://h/x", "")
	patch.SetExtension(MethodNameKey, "patch")

	tests := []struct {
		form *wot.Form
		op   wot.Operation
		want string
	}{
		{wot.NewForm("http://h/x", ""), wot.OpReadProperty, http.MethodGet},
		{wot.NewForm("http://h/x", ""), wot.OpWriteProperty, http.MethodPut},
		{wot.NewForm("http://h/x", ""), wot.OpWriteMultipleProperties, http.MethodPut},
		{wot.NewForm("http://h/x", ""), wot.OpInvokeAction, http.MethodPost},
		{wot.NewForm("http://h/x", ""), wot.OpReadAllProperties, http.MethodGet},
		{patch, wot.OpWriteProperty, http.MethodPatch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, methodFor(tt.form, tt.op), string(tt.op))
	}
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("http://h:8080/t/properties/p/observable")
	require.NoError(t, err)
	assert.Equal(t, "ws://h:8080/t/properties/p/observable", got)

	got, err = websocketURL("https://h/e")
	require.NoError(t, err)
	assert.Equal(t, "wss://h/e", got)

	_, err = websocketURL("mqtt://h/e")
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(servient.ErrUnknownInteraction))
	assert.Equal(t, http.StatusForbidden, statusFor(newHTTPError(http.StatusForbidden, errors.New("read-only"))))
	assert.Equal(t, http.StatusBadRequest, statusFor(&content.CodecError{Operation: "validate", WrappedErr: errors.New("bad")}))
	assert.Equal(t, http.StatusUnsupportedMediaType, statusFor(&content.CodecError{Operation: "decode", WrappedErr: content.ErrUnsupportedMediaType}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&servient.HandlerError{Interaction: "x", WrappedErr: errors.New("boom")}))
}
