package event

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// HandlerID identifies a registered Source handler. Identity is by opaque
// handle, never by function identity.
type HandlerID uint64

// Source is a consumer-facing event with register/deregister semantics:
// on-connect, on-disconnect, on-notification, on-passkey-display and so on.
// Notify runs on the dispatch goroutine; handlers receive a stable snapshot
// of the registration list, so deregistering from within a handler never
// skips the next handler for the same notification.
type Source[T any] struct {
	name   string
	logger *logrus.Logger

	mu       sync.Mutex
	handlers []sourceEntry[T]
	nextID   HandlerID
}

type sourceEntry[T any] struct {
	id HandlerID
	fn func(T)
}

// NewSource creates a named Source. The name appears in handler panic
// diagnostics.
func NewSource[T any](logger *logrus.Logger, name string) *Source[T] {
	return &Source[T]{name: name, logger: logger}
}

// Register adds a handler and returns its handle.
func (s *Source[T]) Register(fn func(T)) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers = append(s.handlers, sourceEntry[T]{id: s.nextID, fn: fn})
	return s.nextID
}

// Deregister removes a handler by handle. Unknown handles are ignored.
func (s *Source[T]) Deregister(id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.handlers {
		if e.id == id {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// HasHandlers reports whether any handler is registered.
func (s *Source[T]) HasHandlers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers) > 0
}

// Clear removes all handlers.
func (s *Source[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

// Notify invokes all handlers registered at the time of the call with the
// given argument. Handler panics are logged and never propagate.
func (s *Source[T]) Notify(arg T) {
	s.mu.Lock()
	snapshot := make([]sourceEntry[T], len(s.handlers))
	copy(snapshot, s.handlers)
	s.mu.Unlock()

	for _, e := range snapshot {
		s.invoke(e.fn, arg)
	}
}

func (s *Source[T]) invoke(fn func(T), arg T) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.WithFields(logrus.Fields{
				"event": s.name,
				"panic": r,
			}).Error("Error occurred while handling event")
		}
	}()
	fn(arg)
}
