package servient

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/wI2L/jsondiff"

	"github.com/twinfer/wotkit/pkg/stream"
)

// PropertyState is the live value of one exposed property.
type PropertyState struct {
	// writeMu serializes writers across handler, compare, store and
	// notify. Readers only take mu, so a write handler may read its own
	// property.
	writeMu sync.Mutex

	mu           sync.RWMutex
	value        any
	readHandler  PropertyReadHandler
	writeHandler PropertyWriteHandler

	subject *stream.Subject
}

func newPropertyState() *PropertyState {
	return &PropertyState{subject: stream.NewSubject()}
}

// Value returns the cached value.
func (s *PropertyState) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *PropertyState) setHandlers(read PropertyReadHandler, write PropertyWriteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if read != nil {
		s.readHandler = read
	}
	if write != nil {
		s.writeHandler = write
	}
}

func (s *PropertyState) handlers() (PropertyReadHandler, PropertyWriteHandler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readHandler, s.writeHandler
}

// read returns the handler result, mirrored into the cache, or the cached
// value when there is no handler.
func (s *PropertyState) read(ctx context.Context, name string, opts InteractionOptions) (any, error) {
	readHandler, _ := s.handlers()
	if readHandler == nil {
		return s.Value(), nil
	}
	value, err := callHandler(name, func() (any, error) { return readHandler(ctx, opts) })
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
	return value, nil
}

// write applies value and notifies observers when the stored value changed.
func (s *PropertyState) write(ctx context.Context, name string, value any, opts InteractionOptions) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, writeHandler := s.handlers()
	next := value
	if writeHandler != nil {
		result, err := callHandler(name, func() (any, error) { return writeHandler(ctx, value, opts) })
		if err != nil {
			return false, err
		}
		next = result
	}

	s.mu.Lock()
	if valuesEqual(s.value, next) {
		s.mu.Unlock()
		return false, nil
	}
	s.value = next
	s.mu.Unlock()

	s.subject.Next(next)
	return true, nil
}

// ActionState holds the handler of one exposed action.
type ActionState struct {
	mu      sync.RWMutex
	handler ActionHandler
}

func (s *ActionState) setHandler(h ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// invoke runs the handler. Without one the invocation succeeds with nil.
func (s *ActionState) invoke(ctx context.Context, name string, input any, opts InteractionOptions) (any, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, nil
	}
	return callHandler(name, func() (any, error) { return h(ctx, input, opts) })
}

// EventState is the stream of one exposed event.
type EventState struct {
	subject *stream.Subject
}

func newEventState() *EventState {
	return &EventState{subject: stream.NewSubject()}
}

func callHandler(name string, fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &HandlerError{Interaction: name, Panic: r}
		}
	}()
	value, err = fn()
	if err != nil {
		return nil, &HandlerError{Interaction: name, WrappedErr: err}
	}
	return value, nil
}

// valuesEqual compares the JSON forms of a and b, so 42 and 42.0 are the
// same value.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	patch, err := jsondiff.CompareJSON(ja, jb)
	if err != nil {
		return reflect.DeepEqual(a, b)
	}
	return len(patch) == 0
}
