// Package blehost is a host-side connection and GATT protocol engine. It
// sits between a controller transport and the consumer: controller events
// flow in through a single dispatch goroutine that owns all protocol
// state, and consumers drive procedures through waitables that bridge the
// two worlds.
package blehost

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/bond"
	"github.com/srg/blehost/event"
	"github.com/srg/blehost/gattc"
	"github.com/srg/blehost/peer"
	"github.com/srg/blehost/smp"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

// reason code for links torn down by host shutdown
const reasonLocalTermination = 0x16

// Host owns the dispatch loop, the bond store and the set of live peers.
type Host struct {
	log    *logrus.Logger
	logger *logrus.Entry
	cfg    Config
	bus    *event.Bus
	sender transport.Sender
	store  bond.Store
	peers  *peer.Registry

	secParams transport.SecurityParams
	secPolicy smp.Policy

	sub    *event.Subscription
	closed bool

	// dispatch goroutine only; one outgoing connection at a time
	connecting *waitable.Waitable[*peer.Peer]

	// OnPeerConnected fires for every established connection, outgoing
	// and incoming alike.
	OnPeerConnected *event.Source[*peer.Peer]
}

// New creates a host over the given controller transport and starts the
// dispatch loop. The sender is only ever used from the dispatch
// goroutine.
func New(log *logrus.Logger, cfg Config, sender transport.Sender) (*Host, error) {
	secParams, err := cfg.Security.params()
	if err != nil {
		return nil, err
	}
	secPolicy, err := securityPolicy(cfg.Security.Policy)
	if err != nil {
		return nil, err
	}

	var store bond.Store
	if cfg.BondFile != "" {
		fs, err := bond.OpenFileStore(cfg.BondFile, log)
		if err != nil {
			return nil, err
		}
		store = fs
	} else {
		store = bond.NewMemoryStore()
	}

	h := &Host{
		log:             log,
		logger:          log.WithField("prefix", "host"),
		cfg:             cfg,
		bus:             event.NewBus(log, cfg.EventBacklogWarn),
		sender:          sender,
		store:           store,
		peers:           peer.NewRegistry(),
		secParams:       secParams,
		secPolicy:       secPolicy,
		OnPeerConnected: event.NewSource[*peer.Peer](log, "host.peer_connected"),
	}
	h.sub = h.bus.Subscribe(transport.InvalidConn, h.handleEvent,
		transport.KindConnected, transport.KindConnectTimeout)
	h.bus.Start()
	return h, nil
}

func securityPolicy(name string) (smp.Policy, error) {
	switch name {
	case "allow", "":
		return smp.PolicyAllowAll, nil
	case "reject":
		return smp.PolicyRejectAll, nil
	case "bonded-only":
		return smp.PolicyAllowBondedOnly, nil
	default:
		return 0, fmt.Errorf("invalid security policy: %s (must be allow, reject, or bonded-only)", name)
	}
}

// Bus returns the event bus; the controller adapter publishes into it.
func (h *Host) Bus() *event.Bus { return h.bus }

// Bonds returns the bond store.
func (h *Host) Bonds() bond.Store { return h.store }

// Peer returns the live peer for a connection handle.
func (h *Host) Peer(id transport.ConnID) (*peer.Peer, bool) {
	return h.peers.Get(id)
}

// Peers returns a snapshot of all live peers.
func (h *Host) Peers() []*peer.Peer { return h.peers.All() }

// Connect initiates an outgoing connection. One may be in flight at a
// time; the waitable's timeout cancels the attempt at the controller.
func (h *Host) Connect(address transport.Addr) *waitable.Waitable[*peer.Peer] {
	w := waitable.New[*peer.Peer](h.log, fmt.Sprintf("connect(%s)", address.MAC)).
		WithGuard(h.bus).
		WithCanceller(func() { h.CancelConnect() })
	h.bus.Submit(func() {
		switch {
		case h.closed:
			w.Fail(status.Aborted("host closed"))
		case h.connecting != nil:
			w.Fail(status.Errorf(status.CodeBusy, "connection attempt already in progress"))
		default:
			if err := h.sender.Send(transport.ConnectCommand{
				Address: address,
				Params:  h.cfg.ConnParams,
			}); err != nil {
				w.Fail(err)
				return
			}
			h.logger.WithField("peer", address.MAC).Info("Connecting")
			h.connecting = w
		}
	})
	return w
}

// CancelConnect aborts the in-flight connection attempt, if any. The
// pending waitable fails once the controller confirms.
func (h *Host) CancelConnect() {
	h.bus.Submit(func() {
		if h.connecting == nil {
			return
		}
		if err := h.sender.Send(transport.CancelConnectCommand{}); err != nil {
			h.logger.WithError(err).Error("Failed to cancel connection attempt")
		}
	})
}

func (h *Host) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.KindConnected:
		payload, ok := ev.Payload.(transport.ConnectedPayload)
		if !ok {
			h.logger.WithFields(logrus.Fields{
				"kind":    ev.Kind.String(),
				"payload": fmt.Sprintf("%T", ev.Payload),
			}).Error("Malformed controller event")
			if w := h.connecting; w != nil {
				h.connecting = nil
				w.Fail(status.Errorf(status.CodeProtocolViolation, "malformed %s payload", ev.Kind))
			}
			return
		}
		h.handleConnected(ev.Conn, payload)
	case transport.KindConnectTimeout:
		if w := h.connecting; w != nil {
			h.connecting = nil
			w.Fail(status.Errorf(status.CodeTimeout, "connection attempt timed out"))
		}
	}
}

func (h *Host) handleConnected(id transport.ConnID, payload transport.ConnectedPayload) {
	address := payload.Address
	// a resolvable private address that matches a stored IRK is replaced
	// by the bonded identity, so the bond is found on re-connection
	if rec, ok := smp.ResolveIdentity(h.store, address); ok {
		h.logger.WithFields(logrus.Fields{
			"address":  address.MAC,
			"identity": rec.IdentityAddress.MAC,
		}).Debug("Resolved peer identity")
		address = rec.IdentityAddress
	}

	p, err := peer.New(id, payload.Role, address, payload.Params, peer.Options{
		Log:            h.log,
		Bus:            h.bus,
		Sender:         h.sender,
		Store:          h.store,
		SecurityParams: h.secParams,
		SecurityPolicy: h.secPolicy,
		Client: gattc.Config{
			AckQueueSize:       h.cfg.AckQueueSize,
			NoAckQueueSize:     h.cfg.NoAckQueueSize,
			NotificationBuffer: h.cfg.NotificationBuffer,
		},
		PreferredMTU:        h.cfg.PreferredMTU,
		ParamRequestTimeout: h.cfg.ParamRequestTimeout,
		AcceptParamUpdates:  h.cfg.AcceptParamUpdates,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to set up peer")
		return
	}
	h.peers.Add(p)
	p.OnDisconnect.Register(func(uint8) { h.peers.Remove(id) })
	h.logger.WithFields(logrus.Fields{
		"conn": id,
		"peer": address.MAC,
		"role": payload.Role.String(),
	}).Info("Connected")

	if payload.Role == transport.RoleCentral {
		if w := h.connecting; w != nil {
			h.connecting = nil
			w.Resolve(p)
		}
	}
	h.OnPeerConnected.Notify(p)
}

// Close tears everything down: pending work fails, live links run their
// disconnect cascade, and the dispatch loop drains and stops.
func (h *Host) Close() {
	h.bus.Submit(func() {
		if h.closed {
			return
		}
		h.closed = true
		if w := h.connecting; w != nil {
			h.connecting = nil
			w.Fail(status.Aborted("host closed"))
		}
		for _, p := range h.peers.All() {
			p.Terminate(reasonLocalTermination)
			h.peers.Remove(p.ID())
		}
		h.bus.Unsubscribe(h.sub)
	})
	h.bus.Close()
	h.logger.Info("Host closed")
}
