package gattc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/event"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

// Conn is the view of the owning connection a client needs.
type Conn interface {
	ID() transport.ConnID
	MTU() uint16
}

// Config sizes the operation queues and the notification buffering.
type Config struct {
	AckQueueSize       int
	NoAckQueueSize     int
	NotificationBuffer int
}

// Value is one received notification or indication.
type Value struct {
	Data       []byte
	Timestamp  time.Time
	Seq        uint64
	Indication bool
}

// Stream delivers a characteristic's notifications. Callback consumers
// register on OnValue; channel consumers read Updates, where the oldest
// value is dropped when the buffer overruns.
type Stream struct {
	source     *event.Source[Value]
	ring       *event.RingChannel[Value]
	seq        uint64
	subscribed atomic.Bool
}

// OnValue is the callback side of the stream. Handlers run on the dispatch
// goroutine and must not block.
func (s *Stream) OnValue() *event.Source[Value] { return s.source }

// Updates is the channel side of the stream. Closed on disconnect.
func (s *Stream) Updates() <-chan Value { return s.ring.C() }

// Dropped reports how many values were overwritten before being read.
func (s *Stream) Dropped() uint64 { return s.ring.Overwritten() }

// Subscribed reports whether the peer is currently configured to send
// notifications for this characteristic.
func (s *Stream) Subscribed() bool { return s.subscribed.Load() }

// Client runs GATT client procedures against one connected peer. Consumer
// methods hand their work to the dispatch goroutine and return a waitable;
// event handling runs on the dispatch goroutine only.
type Client struct {
	log    *logrus.Logger
	logger *logrus.Entry
	bus    *event.Bus
	sender transport.Sender
	conn   Conn
	cfg    Config

	queue   *opQueue
	disc    *discoverer
	db      atomic.Pointer[Database]
	streams *hashmap.Map[uint16, *Stream]
	closed  bool
}

// NewClient creates a client for an established connection. The caller
// routes the connection's events into HandleEvent.
func NewClient(log *logrus.Logger, bus *event.Bus, sender transport.Sender, conn Conn, cfg Config) *Client {
	logger := log.WithFields(logrus.Fields{
		"prefix": "gattc",
		"conn":   conn.ID(),
	})
	return &Client{
		log:     log,
		logger:  logger,
		bus:     bus,
		sender:  sender,
		conn:    conn,
		cfg:     cfg,
		queue:   newOpQueue(logger, cfg.AckQueueSize, cfg.NoAckQueueSize),
		streams: hashmap.New[uint16, *Stream](),
	}
}

// Database returns the discovered attribute database, or nil before
// discovery completes.
func (c *Client) Database() *Database { return c.db.Load() }

func (c *Client) setDatabase(db *Database) { c.db.Store(db) }

// PendingOps reports how many operations are queued for a characteristic.
func (c *Client) PendingOps(char *Characteristic) int {
	return c.queue.Depth(char.ValueHandle)
}

// Busy reports whether a characteristic has queued or in-flight work.
func (c *Client) Busy(char *Characteristic) bool {
	return c.PendingOps(char) > 0
}

// Stream returns the notification stream for a characteristic, creating
// it on first use.
func (c *Client) Stream(char *Characteristic) *Stream {
	s, _ := c.streams.GetOrInsert(char.ValueHandle, &Stream{
		source: event.NewSource[Value](c.log, fmt.Sprintf("notify(%s)", char.UUID)),
		ring:   event.NewRingChannel[Value](c.cfg.NotificationBuffer),
	})
	return s
}

func (c *Client) newWaitable(name string) *waitable.Waitable[int] {
	return waitable.New[int](c.log, name).WithGuard(c.bus)
}

// ----------------------------------------------------------------------------
// Procedures
// ----------------------------------------------------------------------------

// Discover enumerates the peer's services, characteristics and
// descriptors. The database becomes visible only once the procedure
// completes; a second call while one runs fails with a busy error.
func (c *Client) Discover() *waitable.Waitable[*Database] {
	w := waitable.New[*Database](c.log, "discover").WithGuard(c.bus)
	c.bus.Submit(func() {
		if c.closed {
			w.Fail(status.Aborted("connection closed"))
			return
		}
		if c.disc != nil && c.disc.phase != phaseDone {
			w.Fail(errDiscoveryBusy)
			return
		}
		c.disc = newDiscoverer(c, w)
		c.disc.start()
	})
	return w
}

// Read reads a characteristic's value, transparently chaining offset reads
// for values longer than a single response.
func (c *Client) Read(char *Characteristic) *waitable.Waitable[[]byte] {
	w := waitable.New[[]byte](c.log, fmt.Sprintf("read(%s)", char.UUID)).WithGuard(c.bus)
	c.enqueue(&readOp{c: c, handle: char.ValueHandle, w: w}, func(err error) { w.Fail(err) })
	return w
}

// Write writes a characteristic's value with acknowledgement, using a
// prepare/execute chain when the value exceeds a single request. The
// waitable resolves with the number of bytes written.
func (c *Client) Write(char *Characteristic, data []byte) *waitable.Waitable[int] {
	w := c.newWaitable(fmt.Sprintf("write(%s)", char.UUID))
	c.bus.Submit(func() {
		if c.closed {
			w.Fail(status.Aborted("connection closed"))
			return
		}
		if len(data) <= int(c.conn.MTU())-writeOverhead {
			c.queue.enqueue(&writeOp{
				c:          c,
				fifoHandle: char.ValueHandle,
				attrHandle: char.ValueHandle,
				data:       data,
				ack:        true,
				w:          w,
			})
			return
		}
		c.queue.enqueue(&longWriteOp{
			c:      c,
			handle: char.ValueHandle,
			data:   data,
			chunk:  int(c.conn.MTU()) - longWriteOverhead,
			w:      w,
		})
	})
	return w
}

// WriteWithoutResponse writes a characteristic's value unacknowledged.
// The waitable resolves once the packet is handed to the controller; the
// value must fit a single packet.
func (c *Client) WriteWithoutResponse(char *Characteristic, data []byte) *waitable.Waitable[int] {
	w := c.newWaitable(fmt.Sprintf("write-cmd(%s)", char.UUID))
	if max := int(c.conn.MTU()) - writeOverhead; len(data) > max {
		w.Fail(fmt.Errorf("value of %d bytes exceeds the %d byte packet limit", len(data), max))
		return w
	}
	c.enqueue(&writeOp{
		c:          c,
		fifoHandle: char.ValueHandle,
		attrHandle: char.ValueHandle,
		data:       data,
		w:          w,
	}, func(err error) { w.Fail(err) })
	return w
}

// Subscribe enables notifications (or indications, when that is all the
// characteristic supports) by writing its CCCD. Values arrive on the
// characteristic's Stream.
func (c *Client) Subscribe(char *Characteristic) *waitable.Waitable[int] {
	return c.writeCCCD(char, true)
}

// Unsubscribe disables notifications by clearing the CCCD.
func (c *Client) Unsubscribe(char *Characteristic) *waitable.Waitable[int] {
	return c.writeCCCD(char, false)
}

func (c *Client) writeCCCD(char *Characteristic, enable bool) *waitable.Waitable[int] {
	name := "unsubscribe"
	if enable {
		name = "subscribe"
	}
	w := c.newWaitable(fmt.Sprintf("%s(%s)", name, char.UUID))
	cccd := char.CCCDHandle()
	if cccd == 0 || !char.Subscribable() {
		w.Fail(fmt.Errorf("characteristic %s does not support subscriptions", char.UUID))
		return w
	}
	value := []byte{0x00, 0x00}
	if enable {
		if char.Properties&transport.PropNotify != 0 {
			value[0] = 0x01
		} else {
			value[0] = 0x02
		}
	}
	stream := c.Stream(char)
	c.enqueue(&writeOp{
		c:          c,
		fifoHandle: char.ValueHandle,
		attrHandle: cccd,
		data:       value,
		ack:        true,
		w:          w,
		then:       func() { stream.subscribed.Store(enable) },
	}, func(err error) { w.Fail(err) })
	return w
}

func (c *Client) enqueue(op queuedOp, fail func(error)) {
	c.bus.Submit(func() {
		if c.closed {
			fail(status.Aborted("connection closed"))
			return
		}
		c.queue.enqueue(op)
	})
}

// ----------------------------------------------------------------------------
// Event handling (dispatch goroutine)
// ----------------------------------------------------------------------------

// HandleEvent consumes the connection's GATT events. Called on the
// dispatch goroutine by the owning connection.
func (c *Client) HandleEvent(ev transport.Event) {
	if c.closed {
		return
	}
	switch p := ev.Payload.(type) {
	case transport.ServiceDiscoveryPayload,
		transport.CharacteristicDiscoveryPayload,
		transport.DescriptorDiscoveryPayload:
		if !c.disc.routeDiscoveryEvent(ev) {
			c.logger.WithField("kind", ev.Kind).Debug("Discovery response with no procedure running")
		}
	case transport.ReadResponsePayload:
		if !c.queue.onResponse(p.Handle, p) {
			c.logger.WithField("handle", p.Handle).Debug("Unmatched read response")
		}
	case transport.WriteResponsePayload:
		if !c.queue.onResponse(p.Handle, p) {
			c.logger.WithField("handle", p.Handle).Debug("Unmatched write response")
		}
	case transport.NotificationPayload:
		c.handleNotification(p)
	case transport.CreditFreedPayload:
		c.queue.onCreditFreed(p.Class, p.Count)
	}
}

func (c *Client) handleNotification(p transport.NotificationPayload) {
	if p.Indication {
		// the peer expects a confirmation before it sends the next one
		c.queue.enqueue(&confirmOp{c: c, handle: p.Handle})
	}
	s, ok := c.streams.Get(p.Handle)
	if !ok {
		c.logger.WithField("handle", p.Handle).Debug("Notification for handle with no stream")
		return
	}
	s.seq++
	v := Value{
		Data:       p.Data,
		Timestamp:  time.Now(),
		Seq:        s.seq,
		Indication: p.Indication,
	}
	if s.ring.Send(v) {
		c.logger.WithField("handle", p.Handle).Debug("Notification buffer full, dropped oldest")
	}
	s.source.Notify(v)
}

// Abort fails every pending procedure and queued operation, discards the
// database and closes the notification streams. Called on the dispatch
// goroutine when the connection drops.
func (c *Client) Abort(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.disc != nil && c.disc.phase != phaseDone {
		c.disc.abort(err)
	}
	c.queue.abortAll(err)
	c.db.Store(nil)
	c.streams.Range(func(_ uint16, s *Stream) bool {
		s.subscribed.Store(false)
		s.ring.Close()
		s.source.Clear()
		return true
	})
}
