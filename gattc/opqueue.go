package gattc

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/transport"
)

// queuedOp is one logical GATT operation. Long transfers implement it as a
// chain of packets behind a single queue slot.
type queuedOp interface {
	Name() string
	// FIFOHandle keys the per-characteristic FIFO the operation lives in.
	FIFOHandle() uint16
	// AttrHandle is the attribute handle responses for this operation
	// carry. May differ from FIFOHandle (descriptor writes).
	AttrHandle() uint16
	Class() transport.DirectionClass
	// Issue sends the next packet. done=true means the operation finished
	// at issue time and expects no response.
	Issue() (done bool, err error)
	// OnResponse consumes a routed ATT response. done reports the logical
	// operation finished (outcome already delivered); more reports that
	// another packet wants to go out as soon as a credit allows.
	OnResponse(payload interface{}) (done bool, more bool)
	// Abort delivers err and discards any partial state.
	Abort(err error)
}

type opEntry struct {
	op       queuedOp
	inFlight bool // packet issued, awaiting its response
}

// opQueue serializes GATT operations per characteristic and paces packet
// issue against the hardware queue credits of each direction class. All
// methods run on the dispatch goroutine.
type opQueue struct {
	logger  *logrus.Entry
	credits map[transport.DirectionClass]int
	max     map[transport.DirectionClass]int

	fifos map[uint16][]*opEntry
	order []uint16 // round-robin order of handles with queued work
	rr    int

	depths *hashmap.Map[uint16, *atomic.Int32]
}

func newOpQueue(logger *logrus.Entry, ackCredits, noAckCredits int) *opQueue {
	return &opQueue{
		logger: logger,
		credits: map[transport.DirectionClass]int{
			transport.ClassAck:   ackCredits,
			transport.ClassNoAck: noAckCredits,
		},
		max: map[transport.DirectionClass]int{
			transport.ClassAck:   ackCredits,
			transport.ClassNoAck: noAckCredits,
		},
		fifos:  make(map[uint16][]*opEntry),
		depths: hashmap.New[uint16, *atomic.Int32](),
	}
}

// Depth returns the number of queued operations for a characteristic.
// Safe to call from any goroutine.
func (q *opQueue) Depth(handle uint16) int {
	if d, ok := q.depths.Get(handle); ok {
		return int(d.Load())
	}
	return 0
}

func (q *opQueue) depth(handle uint16) *atomic.Int32 {
	d, _ := q.depths.GetOrInsert(handle, &atomic.Int32{})
	return d
}

func (q *opQueue) enqueue(op queuedOp) {
	h := op.FIFOHandle()
	if _, ok := q.fifos[h]; !ok {
		q.order = append(q.order, h)
	}
	q.fifos[h] = append(q.fifos[h], &opEntry{op: op})
	q.depth(h).Add(1)
	q.issueEligible(op.Class())
}

// onCreditFreed returns credits to a class and dispatches whatever became
// eligible.
func (q *opQueue) onCreditFreed(class transport.DirectionClass, count int) {
	q.credits[class] += count
	if q.credits[class] > q.max[class] {
		q.logger.WithFields(logrus.Fields{
			"class":   class,
			"credits": q.credits[class],
			"max":     q.max[class],
		}).Warn("Credit count exceeded queue size, clamping")
		q.credits[class] = q.max[class]
	}
	q.issueEligible(class)
}

// onResponse routes an ATT response to the in-flight operation whose
// attribute handle matches. Returns false when no operation claims it.
func (q *opQueue) onResponse(attrHandle uint16, payload interface{}) bool {
	entry, fifoHandle := q.findInFlight(attrHandle)
	if entry == nil {
		return false
	}
	class := entry.op.Class()
	done, more := entry.op.OnResponse(payload)
	switch {
	case done:
		q.remove(fifoHandle)
		q.issueEligible(class)
	case more:
		entry.inFlight = false
		q.issueEligible(class)
	default:
		// still awaiting another response for the same packet
	}
	return true
}

func (q *opQueue) findInFlight(attrHandle uint16) (*opEntry, uint16) {
	for _, h := range q.order {
		fifo := q.fifos[h]
		if len(fifo) == 0 {
			continue
		}
		if entry := fifo[0]; entry.inFlight && entry.op.AttrHandle() == attrHandle {
			return entry, h
		}
	}
	return nil, 0
}

// abortAll fails every queued operation with err and resets the credit
// pools. Called on disconnect.
func (q *opQueue) abortAll(err error) {
	for _, h := range q.order {
		for _, entry := range q.fifos[h] {
			entry.op.Abort(err)
		}
		q.depth(h).Store(0)
	}
	q.fifos = make(map[uint16][]*opEntry)
	q.order = nil
	q.rr = 0
	for class, max := range q.max {
		q.credits[class] = max
	}
}

func (q *opQueue) issueEligible(class transport.DirectionClass) {
	for q.credits[class] > 0 {
		entry, handle, ok := q.nextEligible(class)
		if !ok {
			return
		}
		q.issueOne(handle, entry)
	}
}

// nextEligible finds the next FIFO head of the given class that is not in
// flight, scanning handles round-robin so one busy characteristic cannot
// starve the rest.
func (q *opQueue) nextEligible(class transport.DirectionClass) (*opEntry, uint16, bool) {
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.rr + i) % n
		h := q.order[idx]
		fifo := q.fifos[h]
		if len(fifo) == 0 {
			continue
		}
		entry := fifo[0]
		if entry.inFlight || entry.op.Class() != class {
			continue
		}
		q.rr = (idx + 1) % n
		return entry, h, true
	}
	return nil, 0, false
}

func (q *opQueue) issueOne(handle uint16, entry *opEntry) {
	q.credits[entry.op.Class()]--
	done, err := entry.op.Issue()
	if err != nil {
		// packet never left, credit stays with us
		q.credits[entry.op.Class()]++
		q.logger.WithError(err).WithField("op", entry.op.Name()).
			Error("Failed to issue operation")
		q.remove(handle)
		entry.op.Abort(err)
		return
	}
	if done {
		q.remove(handle)
		return
	}
	entry.inFlight = true
}

func (q *opQueue) remove(handle uint16) {
	fifo := q.fifos[handle]
	if len(fifo) == 0 {
		return
	}
	q.fifos[handle] = fifo[1:]
	q.depth(handle).Add(-1)
	if len(q.fifos[handle]) == 0 {
		delete(q.fifos, handle)
		for i, h := range q.order {
			if h == handle {
				q.order = append(q.order[:i], q.order[i+1:]...)
				if q.rr > i {
					q.rr--
				}
				break
			}
		}
		if len(q.order) > 0 {
			q.rr %= len(q.order)
		} else {
			q.rr = 0
		}
	}
}
