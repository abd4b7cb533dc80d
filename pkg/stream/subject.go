// Package stream provides hot multicast streams: values are delivered only
// to the observers subscribed at the time of emission and nothing is kept
// for late subscribers.
package stream

import (
	"sync"
	"sync/atomic"
)

// Observer receives stream notifications. Nil callbacks are skipped.
type Observer struct {
	Next     func(value any)
	Error    func(err error)
	Complete func()
}

// Observable is anything that can be subscribed to.
type Observable interface {
	Subscribe(o Observer) *Subscription
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	done   chan struct{}
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{done: make(chan struct{}), cancel: cancel}
}

// Unsubscribe detaches the observer. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

// Done is closed once the subscription ended, by Unsubscribe or because the
// stream terminated.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) terminate() {
	s.once.Do(func() { close(s.done) })
}

type subscriber struct {
	id       uint64
	observer Observer
	sub      *Subscription
}

// Subject is a hot multicast stream. Emissions are delivered synchronously
// to a snapshot of the current subscribers. Error and Complete terminate
// the subject: current subscribers are notified and detached, later
// subscribers receive the terminal notification immediately.
type Subject struct {
	mu          sync.Mutex
	subscribers []subscriber // copy-on-write
	nextID      uint64
	stopped     bool
	err         error
	count       atomic.Int32
}

// NewSubject creates an open subject.
func NewSubject() *Subject {
	return &Subject{}
}

// Subscribe attaches o. Subscribing to a terminated subject replays only
// the terminal notification.
func (s *Subject) Subscribe(o Observer) *Subscription {
	s.mu.Lock()
	if s.stopped {
		err := s.err
		s.mu.Unlock()
		sub := newSubscription(nil)
		if err != nil {
			if o.Error != nil {
				o.Error(err)
			}
		} else if o.Complete != nil {
			o.Complete()
		}
		sub.terminate()
		return sub
	}

	s.nextID++
	id := s.nextID
	sub := newSubscription(func() { s.remove(id) })

	subs := make([]subscriber, len(s.subscribers)+1)
	copy(subs, s.subscribers)
	subs[len(s.subscribers)] = subscriber{id: id, observer: o, sub: sub}
	s.subscribers = subs
	s.count.Store(int32(len(subs)))
	s.mu.Unlock()
	return sub
}

func (s *Subject) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]subscriber, 0, len(s.subscribers))
	for _, sb := range s.subscribers {
		if sb.id != id {
			subs = append(subs, sb)
		}
	}
	s.subscribers = subs
	s.count.Store(int32(len(subs)))
}

func (s *Subject) snapshot() []subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers
}

// Next delivers value to the current subscribers.
func (s *Subject) Next(value any) {
	for _, sb := range s.snapshot() {
		if sb.observer.Next != nil {
			sb.observer.Next(value)
		}
	}
}

// Error delivers err and terminates the subject.
func (s *Subject) Error(err error) {
	for _, sb := range s.stop(err) {
		if sb.observer.Error != nil {
			sb.observer.Error(err)
		}
		sb.sub.terminate()
	}
}

// Complete delivers completion and terminates the subject.
func (s *Subject) Complete() {
	for _, sb := range s.stop(nil) {
		if sb.observer.Complete != nil {
			sb.observer.Complete()
		}
		sb.sub.terminate()
	}
}

func (s *Subject) stop(err error) []subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.err = err
	subs := s.subscribers
	s.subscribers = nil
	s.count.Store(0)
	return subs
}

// Observers returns the number of current subscribers.
func (s *Subject) Observers() int {
	return int(s.count.Load())
}

// Closed reports whether Error or Complete was called.
func (s *Subject) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
