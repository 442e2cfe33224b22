// Package waitable implements the completion bridge returned by every
// asynchronous operation. A Waitable is resolved exactly once and can be
// consumed three ways: a blocking Wait with timeout, a Then callback invoked
// from the dispatch context, or a Done channel for select/await-style use.
// All consumers observe the same terminal outcome.
package waitable

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/status"
)

// State is the lifecycle state of a Waitable. Exactly one terminal
// transition is permitted: Pending -> Ready | Failed | Expired | Cancelled.
type State int32

const (
	Pending State = iota
	Ready
	Failed
	Expired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DispatchGuard reports whether the calling goroutine is the event dispatch
// context. Blocking waits from that context can never complete (it is the
// only context able to resolve them) and are rejected as programming errors.
type DispatchGuard interface {
	InDispatch() bool
}

// Outcome carries the terminal result delivered on the Done channel.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Waitable is a one-shot completion bridge.
type Waitable[T any] struct {
	mu        sync.Mutex
	state     State
	value     T
	err       error
	done      chan struct{}
	callbacks []func(T, error)

	guard     DispatchGuard
	canceller func() // best-effort downstream cancellation, set by the owner
	logger    *logrus.Logger
	name      string
}

// New creates a pending Waitable. The name identifies the owning operation
// in diagnostics.
func New[T any](logger *logrus.Logger, name string) *Waitable[T] {
	return &Waitable[T]{
		done:   make(chan struct{}),
		logger: logger,
		name:   name,
	}
}

// WithGuard attaches the dispatch-context guard used to detect waits issued
// from the dispatch goroutine. Returns the Waitable for chaining.
func (w *Waitable[T]) WithGuard(g DispatchGuard) *Waitable[T] {
	w.mu.Lock()
	w.guard = g
	w.mu.Unlock()
	return w
}

// WithCanceller attaches the hook that unregisters the Waitable from
// whatever state machine owns it. Invoked on timeout and on Cancel.
func (w *Waitable[T]) WithCanceller(fn func()) *Waitable[T] {
	w.mu.Lock()
	w.canceller = fn
	w.mu.Unlock()
	return w
}

// State returns the current lifecycle state.
func (w *Waitable[T]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Resolve completes the Waitable with a value. The first terminal
// transition wins; a second call is a no-op surfaced as a diagnostic.
func (w *Waitable[T]) Resolve(value T) bool {
	return w.complete(value, nil)
}

// Fail completes the Waitable with an error outcome.
func (w *Waitable[T]) Fail(err error) bool {
	var zero T
	return w.complete(zero, err)
}

func (w *Waitable[T]) complete(value T, err error) bool {
	w.mu.Lock()
	if w.state != Pending {
		prior := w.state
		w.mu.Unlock()
		if w.logger != nil {
			if prior == Ready || prior == Failed {
				// Resolving twice is a caller bug, not a crash.
				w.logger.WithField("waitable", w.name).Warn("Waitable resolved more than once; second result discarded")
			} else {
				w.logger.WithFields(logrus.Fields{
					"waitable": w.name,
					"state":    prior.String(),
				}).Debug("Late completion on settled waitable discarded")
			}
		}
		return false
	}
	if err != nil {
		w.state = Failed
	} else {
		w.state = Ready
	}
	w.value = value
	w.err = err
	callbacks := w.callbacks
	w.callbacks = nil
	close(w.done)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.invoke(cb, value, err)
	}
	return true
}

func (w *Waitable[T]) invoke(cb func(T, error), value T, err error) {
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.WithFields(logrus.Fields{
				"waitable": w.name,
				"panic":    r,
			}).Error("Waitable callback panicked")
		}
	}()
	cb(value, err)
}

// Wait blocks the calling goroutine until the Waitable settles or the
// timeout elapses. A timeout transitions the Waitable to Expired, detaches
// it from its owner and returns status.ErrTimeout; an in-flight operation
// that completes later is discarded, not delivered.
//
// Wait must never be called from the dispatch context. Doing so is detected
// and reported as status.ErrDispatchContext instead of deadlocking.
func (w *Waitable[T]) Wait(timeout time.Duration) (T, error) {
	var zero T

	w.mu.Lock()
	guard := w.guard
	w.mu.Unlock()
	if guard != nil && guard.InDispatch() {
		if w.logger != nil {
			w.logger.WithField("waitable", w.name).Error("Wait called from the event dispatch context; this would deadlock")
		}
		return zero, status.ErrDispatchContext
	}

	if timeout <= 0 {
		<-w.done
		return w.outcome()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.outcome()
	case <-timer.C:
	}

	// Race: the waitable may have settled between the timer firing and us
	// taking the lock. complete() arbitrates; if Expired wins, detach.
	if w.expire() {
		return zero, status.ErrTimeout
	}
	return w.outcome()
}

func (w *Waitable[T]) expire() bool {
	var zero T
	w.mu.Lock()
	if w.state != Pending {
		w.mu.Unlock()
		return false
	}
	w.state = Expired
	w.value = zero
	w.err = status.ErrTimeout
	callbacks := w.callbacks
	w.callbacks = nil
	canceller := w.canceller
	close(w.done)
	w.mu.Unlock()

	if canceller != nil {
		canceller()
	}
	for _, cb := range callbacks {
		w.invoke(cb, zero, status.ErrTimeout)
	}
	return true
}

func (w *Waitable[T]) outcome() (T, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.err
}

// Then registers a callback invoked with the terminal outcome. Callbacks
// run on the dispatch context and must be cheap and non-blocking. If the
// Waitable has already settled the callback is invoked inline.
func (w *Waitable[T]) Then(cb func(T, error)) *Waitable[T] {
	w.mu.Lock()
	if w.state == Pending {
		w.callbacks = append(w.callbacks, cb)
		w.mu.Unlock()
		return w
	}
	value, err := w.value, w.err
	w.mu.Unlock()
	w.invoke(cb, value, err)
	return w
}

// Done returns a channel that receives the terminal outcome exactly once
// and is then closed. Suitable for select-based await.
func (w *Waitable[T]) Done() <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	w.Then(func(value T, err error) {
		ch <- Outcome[T]{Value: value, Err: err}
		close(ch)
	})
	return ch
}

// Cancel cancels a pending Waitable, detaching it from its owner. It is
// idempotent; cancelling a settled Waitable does nothing.
func (w *Waitable[T]) Cancel() {
	var zero T
	w.mu.Lock()
	if w.state != Pending {
		w.mu.Unlock()
		return
	}
	cancelErr := status.Aborted("cancelled by caller")
	w.state = Cancelled
	w.value = zero
	w.err = cancelErr
	callbacks := w.callbacks
	w.callbacks = nil
	canceller := w.canceller
	close(w.done)
	w.mu.Unlock()

	if canceller != nil {
		canceller()
	}
	for _, cb := range callbacks {
		w.invoke(cb, zero, cancelErr)
	}
}
