// Package event implements the concurrency backbone of the engine: a Bus
// that funnels all decoded controller events and consumer commands through
// a single dispatch goroutine, plus Source (consumer-facing callback
// events) and RingChannel (bounded notification streams).
//
// All protocol state machines mutate their state only from the Bus dispatch
// goroutine; consumer threads hand work over with Submit. This single-writer
// discipline is what removes per-object locking from the state machines.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/gid"
	"github.com/srg/blehost/transport"
)

// Handler consumes a dispatched event. Handlers run on the dispatch
// goroutine and must not block.
type Handler func(transport.Event)

// Subscription is an opaque registration handle.
type Subscription struct {
	id    uint64
	conn  transport.ConnID
	kinds map[transport.Kind]struct{} // nil means all kinds
	fn    Handler
}

// item is one queue entry: either an event to dispatch or a command to run.
type item struct {
	ev  transport.Event
	cmd func()
}

// Bus is the event channel. Publish and Submit never block producers; the
// queue grows without bound and a diagnostic is logged once the backlog
// crosses the configured threshold (events are never silently dropped).
type Bus struct {
	logger      *logrus.Logger
	backlogWarn int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	closed  bool
	warned  bool
	seqByID map[transport.ConnID]uint64

	subs    *hashmap.Map[uint64, *Subscription]
	nextSub atomic.Uint64

	dispatchGID atomic.Uint64
	done        chan struct{}
}

// NewBus creates a Bus. backlogWarn is the queued-item depth above which a
// warning diagnostic is emitted; zero disables the diagnostic.
func NewBus(logger *logrus.Logger, backlogWarn int) *Bus {
	b := &Bus{
		logger:      logger,
		backlogWarn: backlogWarn,
		seqByID:     make(map[transport.ConnID]uint64),
		subs:        hashmap.New[uint64, *Subscription](),
		done:        make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the dispatch goroutine. It must be called exactly once.
func (b *Bus) Start() {
	go b.run()
}

func (b *Bus) run() {
	b.dispatchGID.Store(gid.Get())
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if next.cmd != nil {
			b.runCommand(next.cmd)
		} else {
			b.dispatch(next.ev)
		}
	}
}

func (b *Bus) runCommand(cmd func()) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithField("panic", r).Error("Submitted command panicked in dispatch context")
		}
	}()
	cmd()
}

// dispatch delivers one event to a stable snapshot of matching subscribers.
// The snapshot is taken before the first handler runs, so a handler that
// unsubscribes itself (or a neighbor) never causes the next handler to be
// skipped for this event.
func (b *Bus) dispatch(ev transport.Event) {
	var matched []*Subscription
	b.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.conn != ev.Conn && sub.conn != transport.InvalidConn {
			return true
		}
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				return true
			}
		}
		matched = append(matched, sub)
		return true
	})
	// Registration order keeps delivery deterministic.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j-1].id > matched[j].id; j-- {
			matched[j-1], matched[j] = matched[j], matched[j-1]
		}
	}

	for _, sub := range matched {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *Subscription, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"conn":  ev.Conn,
				"kind":  ev.Kind.String(),
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	sub.fn(ev)
}

// Publish enqueues a decoded controller event in global arrival order,
// assigning the per-connection sequence number. It never blocks and is safe
// to call from any goroutine (typically the driver's receive loop).
func (b *Bus) Publish(ev transport.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if b.logger != nil {
			b.logger.WithField("kind", ev.Kind.String()).Debug("Event published after bus close, discarded")
		}
		return
	}
	b.seqByID[ev.Conn]++
	ev.Seq = b.seqByID[ev.Conn]
	b.queue = append(b.queue, item{ev: ev})
	b.checkBacklogLocked()
	b.mu.Unlock()
	b.cond.Signal()
}

// Submit hands a function to the dispatch goroutine. All consumer-side
// operations that mutate protocol state go through here.
func (b *Bus) Submit(cmd func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, item{cmd: cmd})
	b.checkBacklogLocked()
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *Bus) checkBacklogLocked() {
	if b.backlogWarn <= 0 || b.logger == nil {
		return
	}
	if len(b.queue) > b.backlogWarn {
		if !b.warned {
			b.warned = true
			b.logger.WithField("depth", len(b.queue)).Warn("Event backlog exceeded diagnostic threshold; dispatch is falling behind")
		}
	} else {
		b.warned = false
	}
}

// Subscribe registers a handler for events on the given connection,
// optionally filtered by kind (no kinds means all kinds). Subscribing with
// transport.InvalidConn receives events for every connection. Safe from any
// goroutine.
func (b *Bus) Subscribe(conn transport.ConnID, fn Handler, kinds ...transport.Kind) *Subscription {
	sub := &Subscription{
		id:   b.nextSub.Add(1),
		conn: conn,
		fn:   fn,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[transport.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.subs.Set(sub.id, sub)
	return sub
}

// Unsubscribe removes a registration. Idempotent; safe from any goroutine,
// including from inside a handler currently running for the same event.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subs.Del(sub.id)
}

// InDispatch reports whether the calling goroutine is the dispatch
// goroutine. Used to reject blocking waits that could never complete.
func (b *Bus) InDispatch() bool {
	return b.dispatchGID.Load() != 0 && gid.Get() == b.dispatchGID.Load()
}

// Close stops the dispatch loop after draining already-queued work and
// waits for it to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	<-b.done
}
