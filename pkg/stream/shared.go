package stream

import "sync"

// ConnectFunc starts an upstream source that feeds sink and returns the
// function tearing it down.
type ConnectFunc func(sink *Subject) (disconnect func(), err error)

// Shared multicasts one upstream source to any number of observers. The
// source is connected when the first observer subscribes and disconnected
// when the last one leaves. A failed connect is reported to the subscriber
// through its Error callback and the next subscriber tries again.
type Shared struct {
	mu         sync.Mutex
	connect    ConnectFunc
	subject    *Subject
	disconnect func()
	refs       int
}

// NewShared wraps connect. Nothing happens until the first Subscribe.
func NewShared(connect ConnectFunc) *Shared {
	return &Shared{connect: connect}
}

// Subscribe attaches o, connecting the upstream if o is the first observer.
func (s *Shared) Subscribe(o Observer) *Subscription {
	s.mu.Lock()
	if s.subject != nil && s.subject.Closed() {
		// upstream terminated on its own
		s.teardownLocked()
	}
	if s.subject == nil {
		subject := NewSubject()
		disconnect, err := s.connect(subject)
		if err != nil {
			s.mu.Unlock()
			sub := newSubscription(nil)
			if o.Error != nil {
				o.Error(err)
			}
			sub.terminate()
			return sub
		}
		s.subject = subject
		s.disconnect = disconnect
	}
	subject := s.subject
	s.refs++
	inner := subject.Subscribe(o)
	s.mu.Unlock()

	outer := newSubscription(func() {
		inner.Unsubscribe()
		s.release(subject)
	})
	go func() {
		<-inner.Done()
		outer.Unsubscribe()
	}()
	return outer
}

func (s *Shared) release(subject *Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subject != subject {
		return
	}
	s.refs--
	if s.refs <= 0 {
		s.teardownLocked()
	}
}

func (s *Shared) teardownLocked() {
	if s.disconnect != nil {
		s.disconnect()
	}
	s.subject = nil
	s.disconnect = nil
	s.refs = 0
}

// Connected reports whether the upstream is currently connected.
func (s *Shared) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject != nil && !s.subject.Closed()
}
