package identity

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrInvalidIdentity indicates a sign-in without a usable identifier.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Session is an in-process identity provider for a single application session.
//
// Events are delivered to listeners in arrival order. A publish issued from
// inside a listener is queued and delivered after the current event finishes,
// so listeners may call SignOut without re-entering themselves.
type Session struct {
	mu        sync.Mutex
	current   *Identity
	listeners map[int64]*sessionListener
	nextID    int64
	queue     []sessionEvent
	draining  bool
	closed    bool
}

type sessionListener struct {
	fn     Listener
	primed bool
}

// sessionEvent is either a broadcast of a new identity or the initial
// delivery of the current identity to a single new listener.
type sessionEvent struct {
	identity *Identity
	initial  bool
	target   int64
}

// NewSession constructs a signed-out session provider.
func NewSession() *Session {
	return &Session{listeners: make(map[int64]*sessionListener)}
}

// Current returns a copy of the current identity, or nil when signed out.
func (s *Session) Current() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Subscribe implements Provider.
func (s *Session) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = &sessionListener{fn: listener}
	s.mu.Unlock()

	s.enqueue(sessionEvent{initial: true, target: id})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SignIn replaces the current identity and notifies listeners.
func (s *Session) SignIn(current Identity) error {
	if !current.Valid() {
		return ErrInvalidIdentity
	}
	s.enqueue(sessionEvent{identity: &current})
	return nil
}

// SignOut implements Provider.
func (s *Session) SignOut(_ context.Context) error {
	s.enqueue(sessionEvent{})
	return nil
}

// Close drops every listener; later publishes are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[int64]*sessionListener)
	s.queue = nil
	s.mu.Unlock()
}

func (s *Session) enqueue(event sessionEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	event.identity = event.identity.Clone()
	s.queue = append(s.queue, event)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		var recipients []Listener
		var payload *Identity
		if event.initial {
			if entry, ok := s.listeners[event.target]; ok {
				entry.primed = true
				recipients = append(recipients, entry.fn)
			}
			payload = s.current
		} else {
			s.current = event.identity
			recipients = s.primedListeners()
			payload = event.identity
		}
		s.mu.Unlock()

		for _, listener := range recipients {
			listener(payload.Clone())
		}
	}
}

// primedListeners must be called with mu held. Listeners are returned in
// registration order.
func (s *Session) primedListeners() []Listener {
	ids := make([]int64, 0, len(s.listeners))
	for id, entry := range s.listeners {
		if entry.primed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id].fn)
	}
	return listeners
}
