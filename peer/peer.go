// Package peer models one established connection: its link state, the
// negotiated link parameters, and the per-connection security manager and
// GATT client. Consumer methods hand work to the dispatch goroutine and
// return waitables; negotiated values are snapshots safe to read from any
// goroutine.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/bond"
	"github.com/srg/blehost/event"
	"github.com/srg/blehost/gattc"
	"github.com/srg/blehost/smp"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

// State of the connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Default link values before any negotiation.
const (
	DefaultMTU        = 23
	DefaultDataLength = 27
)

// Negotiated is a snapshot of the link parameters in effect.
type Negotiated struct {
	MTU        uint16
	TxPhy      transport.Phy
	RxPhy      transport.Phy
	DataLength uint16
	Params     transport.ConnParams
}

// ParamUpdateRequest is a peer-initiated connection parameter change
// handed to the consumer. Exactly one of Accept or Reject should be
// called; both are safe from any goroutine. An unanswered request is
// rejected when the configured timeout elapses.
type ParamUpdateRequest struct {
	Params transport.ConnParams
	Accept func()
	Reject func()
}

// Options configures a peer at creation.
type Options struct {
	Log    *logrus.Logger
	Bus    *event.Bus
	Sender transport.Sender
	Store  bond.Store

	SecurityParams transport.SecurityParams
	SecurityPolicy smp.Policy
	Client         gattc.Config

	// PreferredMTU is the MTU requested when ExchangeMTU is called with 0.
	PreferredMTU uint16
	// ParamRequestTimeout bounds how long a peer-initiated parameter
	// update request may sit unanswered before it is rejected.
	ParamRequestTimeout time.Duration
	// AcceptParamUpdates answers peer requests automatically when no
	// consumer handler is registered.
	AcceptParamUpdates bool
}

// Peer is one established connection.
type Peer struct {
	id      transport.ConnID
	role    transport.Role
	address transport.Addr

	logger *logrus.Entry
	bus    *event.Bus
	sender transport.Sender
	opts   Options

	state atomic.Int32

	mu         sync.RWMutex
	negotiated Negotiated

	security *smp.Manager
	client   *gattc.Client
	sub      *event.Subscription

	// single-outstanding procedures, dispatch goroutine only
	mtuW        *waitable.Waitable[uint16]
	mtuDone     bool
	phyW        *waitable.Waitable[Negotiated]
	dleW        *waitable.Waitable[Negotiated]
	paramsW     *waitable.Waitable[Negotiated]
	disconnectW *waitable.Waitable[uint8]

	paramReqPending bool
	paramReqTimer   *time.Timer

	// OnDisconnect fires with the link-layer reason code after all
	// pending work has been failed. OnParamUpdateRequest lets the
	// consumer arbitrate peer-initiated parameter changes.
	OnDisconnect         *event.Source[uint8]
	OnConnParamsChanged  *event.Source[transport.ConnParams]
	OnParamUpdateRequest *event.Source[ParamUpdateRequest]
}

// New creates a peer for a connection the controller just reported
// established and starts routing its events.
func New(id transport.ConnID, role transport.Role, address transport.Addr,
	params transport.ConnParams, opts Options) (*Peer, error) {

	p := &Peer{
		id:      id,
		role:    role,
		address: address,
		logger: opts.Log.WithFields(logrus.Fields{
			"prefix": "peer",
			"conn":   id,
			"peer":   address.MAC,
		}),
		bus:    opts.Bus,
		sender: opts.Sender,
		opts:   opts,
		negotiated: Negotiated{
			MTU:        DefaultMTU,
			TxPhy:      transport.Phy1Mbps,
			RxPhy:      transport.Phy1Mbps,
			DataLength: DefaultDataLength,
			Params:     params,
		},
		OnDisconnect:         event.NewSource[uint8](opts.Log, "peer.disconnect"),
		OnConnParamsChanged:  event.NewSource[transport.ConnParams](opts.Log, "peer.conn_params"),
		OnParamUpdateRequest: event.NewSource[ParamUpdateRequest](opts.Log, "peer.param_request"),
	}
	p.state.Store(int32(StateConnected))

	security, err := smp.NewManager(opts.Log, opts.Bus, opts.Sender, p, opts.Store,
		opts.SecurityParams, opts.SecurityPolicy)
	if err != nil {
		return nil, err
	}
	p.security = security
	p.client = gattc.NewClient(opts.Log, opts.Bus, opts.Sender, p, opts.Client)
	p.sub = opts.Bus.Subscribe(id, p.handleEvent)
	return p, nil
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

// ID returns the connection handle.
func (p *Peer) ID() transport.ConnID { return p.id }

// Role returns our GAP role on this connection.
func (p *Peer) Role() transport.Role { return p.role }

// PeerAddress returns the peer's address, resolved to its identity when a
// stored bond matched at connection time.
func (p *Peer) PeerAddress() transport.Addr { return p.address }

// State returns the connection state. Safe from any goroutine.
func (p *Peer) State() State { return State(p.state.Load()) }

// Connected reports whether the link is up.
func (p *Peer) Connected() bool { return p.State() == StateConnected }

// MTU returns the ATT MTU in effect.
func (p *Peer) MTU() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.negotiated.MTU
}

// Negotiated returns a snapshot of the link parameters in effect.
func (p *Peer) Negotiated() Negotiated {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.negotiated
}

// Security returns the connection's security manager.
func (p *Peer) Security() *smp.Manager { return p.security }

// Client returns the connection's GATT client.
func (p *Peer) Client() *gattc.Client { return p.client }

func (p *Peer) updateNegotiated(fn func(*Negotiated)) Negotiated {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.negotiated)
	return p.negotiated
}

// ----------------------------------------------------------------------------
// Procedures
// ----------------------------------------------------------------------------

// ValidateConnParams checks the link-layer ranges: interval 7.5..4000 ms,
// latency below 500 events, supervision timeout 100 ms..32 s.
func ValidateConnParams(params transport.ConnParams) error {
	switch {
	case params.MinIntervalMs < 7.5 || params.MaxIntervalMs > 4000:
		return fmt.Errorf("connection interval %.1f..%.1f ms outside 7.5..4000 ms",
			params.MinIntervalMs, params.MaxIntervalMs)
	case params.MinIntervalMs > params.MaxIntervalMs:
		return fmt.Errorf("min interval %.1f ms above max %.1f ms",
			params.MinIntervalMs, params.MaxIntervalMs)
	case params.SlaveLatency > 499:
		return fmt.Errorf("slave latency %d above 499", params.SlaveLatency)
	case params.SupervisionTimeout < 100 || params.SupervisionTimeout > 32000:
		return fmt.Errorf("supervision timeout %d ms outside 100..32000 ms",
			params.SupervisionTimeout)
	}
	return nil
}

var errNotConnected = status.Aborted("peer not connected")

// ExchangeMTU negotiates the ATT MTU. The exchange happens at most once
// per connection; a repeat attempt fails busy.
func (p *Peer) ExchangeMTU(mtu uint16) *waitable.Waitable[uint16] {
	w := waitable.New[uint16](p.opts.Log, "mtu_exchange").WithGuard(p.bus)
	if mtu == 0 {
		mtu = p.opts.PreferredMTU
	}
	p.bus.Submit(func() {
		switch {
		case !p.Connected():
			w.Fail(errNotConnected)
		case p.mtuW != nil:
			w.Fail(status.Errorf(status.CodeBusy, "MTU exchange already in progress"))
		case p.mtuDone:
			w.Fail(status.Errorf(status.CodeBusy, "MTU already negotiated on this connection"))
		default:
			p.mtuW = w
			p.send(transport.MTUExchangeCommand{Conn: p.id, ClientRxMTU: mtu}, func(err error) {
				p.mtuW = nil
				w.Fail(err)
			})
		}
	})
	return w
}

// UpdatePhy requests a PHY change. One request may be outstanding at a
// time.
func (p *Peer) UpdatePhy(tx, rx transport.Phy) *waitable.Waitable[Negotiated] {
	w := waitable.New[Negotiated](p.opts.Log, "phy_update").WithGuard(p.bus)
	p.bus.Submit(func() {
		switch {
		case !p.Connected():
			w.Fail(errNotConnected)
		case p.phyW != nil:
			w.Fail(status.Errorf(status.CodeBusy, "PHY update already in progress"))
		default:
			p.phyW = w
			p.send(transport.PHYUpdateCommand{Conn: p.id, TxPhy: tx, RxPhy: rx}, func(err error) {
				p.phyW = nil
				w.Fail(err)
			})
		}
	})
	return w
}

// UpdateDataLength requests a link-layer data length change. One request
// may be outstanding at a time.
func (p *Peer) UpdateDataLength(txOctets uint16) *waitable.Waitable[Negotiated] {
	w := waitable.New[Negotiated](p.opts.Log, "data_length_update").WithGuard(p.bus)
	p.bus.Submit(func() {
		switch {
		case !p.Connected():
			w.Fail(errNotConnected)
		case p.dleW != nil:
			w.Fail(status.Errorf(status.CodeBusy, "data length update already in progress"))
		default:
			p.dleW = w
			p.send(transport.DataLengthUpdateCommand{Conn: p.id, TxOctets: txOctets}, func(err error) {
				p.dleW = nil
				w.Fail(err)
			})
		}
	})
	return w
}

// UpdateConnParams requests new connection parameters. One request may be
// outstanding at a time.
func (p *Peer) UpdateConnParams(params transport.ConnParams) *waitable.Waitable[Negotiated] {
	w := waitable.New[Negotiated](p.opts.Log, "conn_param_update").WithGuard(p.bus)
	if err := ValidateConnParams(params); err != nil {
		w.Fail(err)
		return w
	}
	p.bus.Submit(func() {
		switch {
		case !p.Connected():
			w.Fail(errNotConnected)
		case p.paramsW != nil:
			w.Fail(status.Errorf(status.CodeBusy, "parameter update already in progress"))
		default:
			p.paramsW = w
			p.send(transport.ConnParamUpdateCommand{Conn: p.id, Params: params}, func(err error) {
				p.paramsW = nil
				w.Fail(err)
			})
		}
	})
	return w
}

// Disconnect tears the link down. The waitable resolves with the
// link-layer reason once the controller confirms. Calling again while a
// disconnect is in flight attaches to the same outcome.
func (p *Peer) Disconnect(reason uint8) *waitable.Waitable[uint8] {
	w := waitable.New[uint8](p.opts.Log, "disconnect").WithGuard(p.bus)
	p.bus.Submit(func() {
		switch p.State() {
		case StateDisconnected:
			w.Resolve(reason)
		case StateDisconnecting:
			p.disconnectW.Then(func(r uint8, err error) {
				if err != nil {
					w.Fail(err)
					return
				}
				w.Resolve(r)
			})
		default:
			p.disconnectW = w
			p.state.Store(int32(StateDisconnecting))
			p.send(transport.DisconnectCommand{Conn: p.id, Reason: reason}, func(err error) {
				p.disconnectW = nil
				p.state.Store(int32(StateConnected))
				w.Fail(err)
			})
		}
	})
	return w
}

func (p *Peer) send(cmd transport.Command, onErr func(error)) {
	if err := p.sender.Send(cmd); err != nil {
		p.logger.WithError(err).WithField("cmd", cmd.CommandName()).
			Error("Failed to send command")
		onErr(err)
	}
}

// ----------------------------------------------------------------------------
// Event handling (dispatch goroutine)
// ----------------------------------------------------------------------------

func (p *Peer) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.KindDisconnected:
		payload, _ := ev.Payload.(transport.DisconnectedPayload)
		p.handleDisconnected(payload.Reason)
	case transport.KindMTUExchanged:
		payload, ok := ev.Payload.(transport.MTUExchangedPayload)
		if !ok {
			failPending(&p.mtuW, p.violation(ev))
			return
		}
		p.updateNegotiated(func(n *Negotiated) { n.MTU = payload.MTU })
		p.mtuDone = true
		if w := p.mtuW; w != nil {
			p.mtuW = nil
			w.Resolve(payload.MTU)
		}
		p.logger.WithField("mtu", payload.MTU).Info("MTU exchanged")
	case transport.KindPHYUpdated:
		payload, ok := ev.Payload.(transport.PHYUpdatedPayload)
		if !ok {
			failPending(&p.phyW, p.violation(ev))
			return
		}
		n := p.updateNegotiated(func(n *Negotiated) {
			n.TxPhy, n.RxPhy = payload.TxPhy, payload.RxPhy
		})
		if w := p.phyW; w != nil {
			p.phyW = nil
			w.Resolve(n)
		}
	case transport.KindDataLengthUpdated:
		payload, ok := ev.Payload.(transport.DataLengthUpdatedPayload)
		if !ok {
			failPending(&p.dleW, p.violation(ev))
			return
		}
		n := p.updateNegotiated(func(n *Negotiated) { n.DataLength = payload.TxOctets })
		if w := p.dleW; w != nil {
			p.dleW = nil
			w.Resolve(n)
		}
	case transport.KindConnParamsUpdated:
		payload, ok := ev.Payload.(transport.ConnParamsUpdatedPayload)
		if !ok {
			failPending(&p.paramsW, p.violation(ev))
			return
		}
		n := p.updateNegotiated(func(n *Negotiated) { n.Params = payload.Params })
		if w := p.paramsW; w != nil {
			p.paramsW = nil
			w.Resolve(n)
		}
		p.OnConnParamsChanged.Notify(payload.Params)
	case transport.KindConnParamUpdateRequest:
		payload, ok := ev.Payload.(transport.ConnParamUpdateRequestPayload)
		if !ok {
			p.violation(ev)
			return
		}
		p.handleParamRequest(payload)
	case transport.KindServiceDiscovery, transport.KindCharacteristicDiscovery,
		transport.KindDescriptorDiscovery, transport.KindReadResponse,
		transport.KindWriteResponse, transport.KindNotification,
		transport.KindCreditFreed:
		p.client.HandleEvent(ev)
	case transport.KindSecurityRequest, transport.KindPairingRequest,
		transport.KindPasskeyDisplay, transport.KindPasskeyRequest,
		transport.KindDHKeyRequest, transport.KindSecurityLevel,
		transport.KindAuthStatus, transport.KindSecInfoRequest:
		p.security.HandleEvent(ev)
	}
}

// violation reports a malformed controller event and builds the error
// delivered to the affected pending operation.
func (p *Peer) violation(ev transport.Event) error {
	p.logger.WithFields(logrus.Fields{
		"kind":    ev.Kind.String(),
		"payload": fmt.Sprintf("%T", ev.Payload),
	}).Error("Malformed controller event")
	return status.Errorf(status.CodeProtocolViolation, "malformed %s payload", ev.Kind)
}

// failPending settles and detaches the pending waitable, if any.
func failPending[T any](slot **waitable.Waitable[T], err error) {
	if w := *slot; w != nil {
		*slot = nil
		w.Fail(err)
	}
}

// handleParamRequest arbitrates a peer-initiated parameter change: the
// consumer decides when a handler is registered, otherwise the configured
// auto-accept policy answers. An unanswered request is rejected on
// timeout so the peer is never left hanging.
func (p *Peer) handleParamRequest(payload transport.ConnParamUpdateRequestPayload) {
	if !p.OnParamUpdateRequest.HasHandlers() {
		accept := p.opts.AcceptParamUpdates
		p.logger.WithFields(logrus.Fields{
			"interval_ms": payload.Params.MaxIntervalMs,
			"accept":      accept,
		}).Debug("Answering peer parameter update request per policy")
		p.replyParamRequest(accept, payload.Params)
		return
	}
	p.paramReqPending = true
	if p.opts.ParamRequestTimeout > 0 {
		p.paramReqTimer = time.AfterFunc(p.opts.ParamRequestTimeout, func() {
			p.bus.Submit(func() {
				if !p.paramReqPending {
					return
				}
				p.logger.Warn("Peer parameter update request unanswered, rejecting")
				p.answerParamRequest(false, payload.Params)
			})
		})
	}
	p.OnParamUpdateRequest.Notify(ParamUpdateRequest{
		Params: payload.Params,
		Accept: func() {
			p.bus.Submit(func() { p.answerParamRequest(true, payload.Params) })
		},
		Reject: func() {
			p.bus.Submit(func() { p.answerParamRequest(false, payload.Params) })
		},
	})
}

// answerParamRequest replies at most once per request.
func (p *Peer) answerParamRequest(accept bool, params transport.ConnParams) {
	if !p.paramReqPending {
		return
	}
	p.paramReqPending = false
	if p.paramReqTimer != nil {
		p.paramReqTimer.Stop()
		p.paramReqTimer = nil
	}
	p.replyParamRequest(accept, params)
}

func (p *Peer) replyParamRequest(accept bool, params transport.ConnParams) {
	if !p.Connected() {
		return
	}
	p.send(transport.ConnParamReplyCommand{
		Conn:   p.id,
		Accept: accept,
		Params: params,
	}, func(error) {})
}

// Terminate runs the disconnect cascade without waiting for the
// controller, failing all pending work as if the link dropped. Must be
// called on the dispatch goroutine; used on host shutdown.
func (p *Peer) Terminate(reason uint8) {
	if p.State() == StateDisconnected {
		return
	}
	p.handleDisconnected(reason)
}

// handleDisconnected fails everything pending before announcing the drop,
// so no waitable outlives the link.
func (p *Peer) handleDisconnected(reason uint8) {
	p.state.Store(int32(StateDisconnected))
	p.paramReqPending = false
	if p.paramReqTimer != nil {
		p.paramReqTimer.Stop()
		p.paramReqTimer = nil
	}

	abortErr := status.Aborted("peer disconnected")
	if w := p.mtuW; w != nil {
		p.mtuW = nil
		w.Fail(abortErr)
	}
	if w := p.phyW; w != nil {
		p.phyW = nil
		w.Fail(abortErr)
	}
	if w := p.dleW; w != nil {
		p.dleW = nil
		w.Fail(abortErr)
	}
	if w := p.paramsW; w != nil {
		p.paramsW = nil
		w.Fail(abortErr)
	}
	p.client.Abort(abortErr)
	p.security.Abort(abortErr)

	if w := p.disconnectW; w != nil {
		p.disconnectW = nil
		w.Resolve(reason)
	}
	p.logger.WithField("reason", reason).Info("Disconnected")
	p.OnDisconnect.Notify(reason)
	p.bus.Unsubscribe(p.sub)
}
