package event

import "sync"

// Package event provides a way for listeners to subscribe to synchronous,
// typed events. The manifest and the project each carry a Sender of their own
// event type, so dispatch and handling are checked at compile time.

// Listener receives events of type T.
// We use an interface instead of a function, because functions cannot be
// compared for equality. Comparison for equality is essential for removing an
// existing listener.
type Listener[T any] interface {
	OnEvent(sender *Sender[T], event T)
}

// Sender sends events of type T
type Sender[T any] struct {
	listenersLock sync.Mutex
	listeners     []Listener[T]
}

// Add a new listener
// If the listener is already present, then the function returns immediately
func (s *Sender[T]) AddListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// Remove an existing listener
// If the listener is not present, then the function returns immediately
func (s *Sender[T]) RemoveListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Send an event to all listeners
// The listener list is snapshotted under the lock, so a listener may add or
// remove listeners from inside its handler without deadlocking.
func (s *Sender[T]) SendEvent(event T) {
	s.listenersLock.Lock()
	list := make([]Listener[T], len(s.listeners))
	copy(list, s.listeners)
	s.listenersLock.Unlock()

	for _, l := range list {
		l.OnEvent(s, event)
	}
}
