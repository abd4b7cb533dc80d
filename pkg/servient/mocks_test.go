package servient

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/twinfer/wotkit/pkg/content"
	"github.com/twinfer/wotkit/pkg/discovery"
	"github.com/twinfer/wotkit/pkg/stream"
	"github.com/twinfer/wotkit/pkg/wot"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) ReadResource(ctx context.Context, form *wot.Form) (content.Content, error) {
	args := m.Called(ctx, form)
	return args.Get(0).(content.Content), args.Error(1)
}

func (m *mockClient) WriteResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	args := m.Called(ctx, form, ct)
	return args.Get(0).(content.Content), args.Error(1)
}

func (m *mockClient) InvokeResource(ctx context.Context, form *wot.Form, ct content.Content) (content.Content, error) {
	args := m.Called(ctx, form, ct)
	return args.Get(0).(content.Content), args.Error(1)
}

func (m *mockClient) ObserveResource(ctx context.Context, form *wot.Form) (stream.Observable, error) {
	args := m.Called(ctx, form)
	if obs, ok := args.Get(0).(stream.Observable); ok {
		return obs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) Discover(ctx context.Context, filter *discovery.ThingFilter) (<-chan *wot.Thing, error) {
	args := m.Called(ctx, filter)
	if ch, ok := args.Get(0).(<-chan *wot.Thing); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) SetSecurity(schemes []wot.SecurityScheme, creds Credentials) error {
	return m.Called(schemes, creds).Error(0)
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

// newMockClient returns a client that accepts security and close calls.
func newMockClient() *mockClient {
	c := &mockClient{}
	c.On("SetSecurity", mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("Close").Return(nil).Maybe()
	return c
}

type mockServer struct {
	mock.Mock
	scheme string
}

func (m *mockServer) Scheme() string { return m.scheme }

func (m *mockServer) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockServer) Stop(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockServer) Expose(ctx context.Context, thing *ExposedThing) error {
	return m.Called(ctx, thing).Error(0)
}

func (m *mockServer) Destroy(ctx context.Context, thingID string) error {
	return m.Called(ctx, thingID).Error(0)
}

func (m *mockServer) DirectoryURL() string { return m.scheme + "://localhost/" }
func (m *mockServer) ThingURL(thingID string) string { return m.DirectoryURL() + thingID }

type recorder struct {
	mu        sync.Mutex
	values    []any
	err       error
	completed bool
}

func (r *recorder) observer() stream.Observer {
	return stream.Observer{
		Next: func(v any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.values = append(r.values, v)
		},
		Error: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.err = err
		},
		Complete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = true
		},
	}
}

func (r *recorder) snapshot() ([]any, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...), r.err, r.completed
}

func jsonContent(body string) content.Content {
	return content.New(content.MediaTypeJSON, []byte(body))
}
