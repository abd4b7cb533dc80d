package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	values    []any
	err       error
	completed bool
}

func (r *recorder) observer() Observer {
	return Observer{
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

func TestSubject_HotMulticast(t *testing.T) {
	s := NewSubject()
	early := &recorder{}
	s.Subscribe(early.observer())

	s.Next(1)

	late := &recorder{}
	lateSub := s.Subscribe(late.observer())
	assert.Equal(t, 2, s.Observers())

	s.Next(2)
	lateSub.Unsubscribe()
	s.Next(3)

	earlyValues, _, _ := early.snapshot()
	lateValues, _, _ := late.snapshot()
	assert.Equal(t, []any{1, 2, 3}, earlyValues)
	assert.Equal(t, []any{2}, lateValues, "late subscriber must not see history")
	assert.Equal(t, 1, s.Observers())

	select {
	case <-lateSub.Done():
	default:
		t.Fatal("unsubscribed subscription should be done")
	}
}

func TestSubject_NoSubscribers(t *testing.T) {
	s := NewSubject()
	assert.NotPanics(t, func() { s.Next("dropped") })

	r := &recorder{}
	s.Subscribe(r.observer())
	values, _, _ := r.snapshot()
	assert.Empty(t, values)
}

func TestSubject_Error(t *testing.T) {
	s := NewSubject()
	r := &recorder{}
	sub := s.Subscribe(r.observer())

	boom := errors.New("boom")
	s.Error(boom)
	s.Next("ignored")

	values, err, completed := r.snapshot()
	assert.Empty(t, values)
	assert.Equal(t, boom, err)
	assert.False(t, completed)
	assert.True(t, s.Closed())
	assert.Equal(t, 0, s.Observers())
	<-sub.Done()

	later := &recorder{}
	s.Subscribe(later.observer())
	_, err, _ = later.snapshot()
	assert.Equal(t, boom, err)
}

func TestSubject_Complete(t *testing.T) {
	s := NewSubject()
	a, b := &recorder{}, &recorder{}
	s.Subscribe(a.observer())
	s.Subscribe(b.observer())

	s.Complete()
	s.Complete()

	_, _, aDone := a.snapshot()
	_, _, bDone := b.snapshot()
	assert.True(t, aDone)
	assert.True(t, bDone)
}

func TestSubject_ConcurrentSubscribers(t *testing.T) {
	s := NewSubject()
	var received atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i // per-iteration copy (go 1.21 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := s.Subscribe(Observer{Next: func(any) { received.Add(1) }})
			s.Next(i)
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, s.Observers())
	assert.Positive(t, received.Load())
}

func TestShared_RefCounting(t *testing.T) {
	var connects, disconnects atomic.Int32
	var sink *Subject
	shared := NewShared(func(s *Subject) (func(), error) {
		connects.Add(1)
		sink = s
		return func() { disconnects.Add(1) }, nil
	})

	assert.False(t, shared.Connected())

	a := &recorder{}
	subA := shared.Subscribe(a.observer())
	b := &recorder{}
	subB := shared.Subscribe(b.observer())
	assert.Equal(t, int32(1), connects.Load())
	assert.True(t, shared.Connected())

	sink.Next("x")

	subA.Unsubscribe()
	assert.Equal(t, int32(0), disconnects.Load())
	sink.Next("y")

	subB.Unsubscribe()
	assert.Equal(t, int32(1), disconnects.Load())
	assert.False(t, shared.Connected())

	aValues, _, _ := a.snapshot()
	bValues, _, _ := b.snapshot()
	assert.Equal(t, []any{"x"}, aValues)
	assert.Equal(t, []any{"x", "y"}, bValues)

	subC := shared.Subscribe(Observer{})
	assert.Equal(t, int32(2), connects.Load())
	subC.Unsubscribe()
	assert.Equal(t, int32(2), disconnects.Load())
}

func TestShared_ConnectFailure(t *testing.T) {
	attempts := 0
	shared := NewShared(func(s *Subject) (func(), error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("unreachable")
		}
		return func() {}, nil
	})

	r := &recorder{}
	sub := shared.Subscribe(r.observer())
	_, err, _ := r.snapshot()
	assert.EqualError(t, err, "unreachable")
	<-sub.Done()
	assert.False(t, shared.Connected())

	sub = shared.Subscribe(Observer{})
	assert.True(t, shared.Connected())
	sub.Unsubscribe()
}

func TestShared_UpstreamTermination(t *testing.T) {
	var disconnects atomic.Int32
	var sink *Subject
	shared := NewShared(func(s *Subject) (func(), error) {
		sink = s
		return func() { disconnects.Add(1) }, nil
	})

	r := &recorder{}
	sub := shared.Subscribe(r.observer())
	sink.Error(errors.New("connection lost"))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not terminated")
	}
	_, err, _ := r.snapshot()
	require.Error(t, err)

	assert.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, shared.Connected())
}
