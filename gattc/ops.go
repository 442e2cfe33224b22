package gattc

import (
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

// ATT PDU overheads relative to the negotiated MTU.
const (
	readChunkOverhead = 1 // opcode
	writeOverhead     = 3 // opcode + handle
	longWriteOverhead = 5 // opcode + handle + offset
)

func attError(verb string, st transport.AttStatus) error {
	return status.Errorf(status.CodePeerRejected, "%s rejected by peer: %s", verb, st)
}

// ----------------------------------------------------------------------------
// Read
// ----------------------------------------------------------------------------

// readOp reads an attribute value, chaining offset reads while each chunk
// comes back full (len == MTU-1).
type readOp struct {
	c      *Client
	handle uint16
	w      *waitable.Waitable[[]byte]

	buf    []byte
	offset uint16
}

func (op *readOp) Name() string                    { return "read" }
func (op *readOp) FIFOHandle() uint16              { return op.handle }
func (op *readOp) AttrHandle() uint16              { return op.handle }
func (op *readOp) Class() transport.DirectionClass { return transport.ClassAck }

func (op *readOp) Issue() (bool, error) {
	return false, op.c.sender.Send(transport.ReadCommand{
		Conn:   op.c.conn.ID(),
		Handle: op.handle,
		Offset: op.offset,
	})
}

func (op *readOp) OnResponse(payload interface{}) (bool, bool) {
	rp, ok := payload.(transport.ReadResponsePayload)
	if !ok {
		return false, false
	}
	if rp.Status != transport.AttSuccess {
		op.w.Fail(attError("read", rp.Status))
		return true, false
	}
	op.buf = append(op.buf, rp.Data...)
	if len(rp.Data) == int(op.c.conn.MTU())-readChunkOverhead {
		// full chunk, there may be more
		op.offset = uint16(len(op.buf))
		return false, true
	}
	op.w.Resolve(op.buf)
	return true, false
}

func (op *readOp) Abort(err error) {
	op.buf = nil
	op.w.Fail(err)
}

// ----------------------------------------------------------------------------
// Write (single request or command)
// ----------------------------------------------------------------------------

// writeOp is a single write. With ack it is a write request awaiting its
// response; without ack it is a write command that completes at issue.
type writeOp struct {
	c          *Client
	fifoHandle uint16
	attrHandle uint16
	data       []byte
	ack        bool
	w          *waitable.Waitable[int]

	// then runs on success before the waitable resolves. Used for CCCD
	// writes to flip the subscription state.
	then func()
}

func (op *writeOp) Name() string {
	if op.ack {
		return "write"
	}
	return "write-no-response"
}
func (op *writeOp) FIFOHandle() uint16 { return op.fifoHandle }
func (op *writeOp) AttrHandle() uint16 { return op.attrHandle }
func (op *writeOp) Class() transport.DirectionClass {
	if op.ack {
		return transport.ClassAck
	}
	return transport.ClassNoAck
}

func (op *writeOp) Issue() (bool, error) {
	wireOp := transport.WriteRequest
	if !op.ack {
		wireOp = transport.WriteCmd
	}
	err := op.c.sender.Send(transport.WriteCommand{
		Conn:   op.c.conn.ID(),
		Handle: op.attrHandle,
		Op:     wireOp,
		Data:   op.data,
	})
	if err != nil {
		return false, err
	}
	if !op.ack {
		op.w.Resolve(len(op.data))
		return true, nil
	}
	return false, nil
}

func (op *writeOp) OnResponse(payload interface{}) (bool, bool) {
	wp, ok := payload.(transport.WriteResponsePayload)
	if !ok {
		return false, false
	}
	if wp.Status != transport.AttSuccess {
		op.w.Fail(attError("write", wp.Status))
		return true, false
	}
	if op.then != nil {
		op.then()
	}
	op.w.Resolve(len(op.data))
	return true, false
}

func (op *writeOp) Abort(err error) { op.w.Fail(err) }

// ----------------------------------------------------------------------------
// Long write (prepare/execute chain)
// ----------------------------------------------------------------------------

// longWriteOp writes a value larger than a single request by chaining
// prepare writes followed by an execute. The whole chain holds one queue
// slot; a NACK or disconnect mid-chain reports how much the peer actually
// acknowledged.
type longWriteOp struct {
	c      *Client
	handle uint16
	data   []byte
	chunk  int
	w      *waitable.Waitable[int]

	next      int // offset of the next chunk to send
	lastChunk int // size of the chunk awaiting its response
	acked     int // bytes the peer acknowledged so far
	executing bool
}

func (op *longWriteOp) Name() string                    { return "long-write" }
func (op *longWriteOp) FIFOHandle() uint16              { return op.handle }
func (op *longWriteOp) AttrHandle() uint16              { return op.handle }
func (op *longWriteOp) Class() transport.DirectionClass { return transport.ClassAck }

func (op *longWriteOp) Issue() (bool, error) {
	if op.next >= len(op.data) {
		op.executing = true
		return false, op.c.sender.Send(transport.WriteCommand{
			Conn:   op.c.conn.ID(),
			Handle: op.handle,
			Op:     transport.WriteExecute,
		})
	}
	end := op.next + op.chunk
	if end > len(op.data) {
		end = len(op.data)
	}
	op.lastChunk = end - op.next
	err := op.c.sender.Send(transport.WriteCommand{
		Conn:   op.c.conn.ID(),
		Handle: op.handle,
		Op:     transport.WritePrepare,
		Offset: uint16(op.next),
		Data:   op.data[op.next:end],
	})
	if err == nil {
		op.next = end
	}
	return false, err
}

func (op *longWriteOp) OnResponse(payload interface{}) (bool, bool) {
	wp, ok := payload.(transport.WriteResponsePayload)
	if !ok {
		return false, false
	}
	if wp.Status != transport.AttSuccess {
		if op.executing {
			op.w.Fail(attError("execute write", wp.Status))
		} else {
			op.w.Fail(&status.PartialWriteError{BytesWritten: op.acked})
		}
		return true, false
	}
	if op.executing {
		op.w.Resolve(len(op.data))
		return true, false
	}
	op.acked += op.lastChunk
	op.lastChunk = 0
	return false, true
}

func (op *longWriteOp) Abort(err error) {
	if op.acked > 0 && status.IsCode(err, status.CodeAborted) {
		op.w.Fail(&status.PartialWriteError{BytesWritten: op.acked})
		return
	}
	op.w.Fail(err)
}

// ----------------------------------------------------------------------------
// Indication confirm
// ----------------------------------------------------------------------------

// confirmOp acknowledges a received indication. It completes at issue and
// its credit returns through the controller's credit-freed event.
type confirmOp struct {
	c      *Client
	handle uint16
}

func (op *confirmOp) Name() string                    { return "confirm" }
func (op *confirmOp) FIFOHandle() uint16              { return op.handle }
func (op *confirmOp) AttrHandle() uint16              { return op.handle }
func (op *confirmOp) Class() transport.DirectionClass { return transport.ClassAck }

func (op *confirmOp) Issue() (bool, error) {
	return true, op.c.sender.Send(transport.HVConfirmCommand{
		Conn:   op.c.conn.ID(),
		Handle: op.handle,
	})
}

func (op *confirmOp) OnResponse(interface{}) (bool, bool) { return false, false }
func (op *confirmOp) Abort(error)                         {}
