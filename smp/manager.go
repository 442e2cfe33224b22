// Package smp drives the security side of a connection: pairing and
// bonding procedures, re-encryption from stored keys, passkey exchanges
// and LESC key agreement. One Manager exists per connection; all protocol
// state transitions happen on the dispatch goroutine.
package smp

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/bond"
	"github.com/srg/blehost/event"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
	"github.com/srg/blehost/waitable"
)

// State of the security procedure on a connection.
type State int32

const (
	StateIdle State = iota
	StateEncrypting // re-establishing encryption from a stored key
	StateFeatureExchange
	StatePasskeyPending
	StateLESCKeyExchange
	StateKeyGeneration
	StateAuthenticated
	StateBonded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEncrypting:
		return "encrypting"
	case StateFeatureExchange:
		return "feature_exchange"
	case StatePasskeyPending:
		return "passkey_pending"
	case StateLESCKeyExchange:
		return "lesc_key_exchange"
	case StateKeyGeneration:
		return "key_generation"
	case StateAuthenticated:
		return "authenticated"
	case StateBonded:
		return "bonded"
	default:
		return "unknown"
	}
}

// Policy decides how unsolicited pairing and security requests from the
// peer are answered when no consumer handler is registered.
type Policy int

const (
	// PolicyAllowAll accepts any peer-initiated security procedure.
	PolicyAllowAll Policy = iota
	// PolicyRejectAll refuses all peer-initiated security procedures.
	PolicyRejectAll
	// PolicyAllowBondedOnly accepts only peers we already have a bond for.
	PolicyAllowBondedOnly
)

// Result is the outcome of a completed security procedure.
type Result struct {
	Status transport.SecStatus
	Level  int
	Bonded bool
}

// PasskeyDisplay asks the consumer to show a passkey to the user. For
// numeric comparison (MatchRequest), Confirm must be called with the
// user's verdict; it is safe to call from any goroutine.
type PasskeyDisplay struct {
	Passkey      string
	MatchRequest bool
	Confirm      func(match bool)
}

// PasskeyRequest asks the consumer for a key entered by the user. Respond
// is safe to call from any goroutine.
type PasskeyRequest struct {
	KeyType transport.AuthKeyType
	Respond func(key []byte)
}

// SecurityRequest is a peripheral-initiated request for security, handed
// to the consumer when a handler is registered. Exactly one of Accept or
// Reject should be called; both are safe from any goroutine.
type SecurityRequest struct {
	Bond   bool
	MITM   bool
	LESC   bool
	Accept func(forceRepair bool)
	Reject func()
}

// Conn is the view of the owning connection the manager needs.
type Conn interface {
	ID() transport.ConnID
	Role() transport.Role
	PeerAddress() transport.Addr
}

// Manager runs security procedures for one connection.
type Manager struct {
	log    *logrus.Logger
	logger *logrus.Entry
	bus    *event.Bus
	sender transport.Sender
	conn   Conn
	store  bond.Store

	params transport.SecurityParams
	policy Policy
	keys   *keyPair

	state atomic.Int32
	level atomic.Int32

	// dispatch-goroutine state
	pairing    *waitable.Waitable[Result]
	encrypting bool
	bondRec    *bond.Record

	// OnPasskeyDisplay and OnPasskeyRequest route user interaction during
	// MITM pairing. OnSecurityRequest lets the consumer arbitrate
	// peripheral-initiated requests; without handlers the policy decides.
	OnPasskeyDisplay  *event.Source[PasskeyDisplay]
	OnPasskeyRequest  *event.Source[PasskeyRequest]
	OnSecurityRequest *event.Source[SecurityRequest]
	OnSecurityLevel   *event.Source[int]
	OnPairingComplete *event.Source[Result]
}

// NewManager creates the security manager for a connection. Generates the
// LESC key pair up front so a DH key request can always be answered.
func NewManager(log *logrus.Logger, bus *event.Bus, sender transport.Sender, conn Conn,
	store bond.Store, params transport.SecurityParams, policy Policy) (*Manager, error) {

	keys, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		log: log,
		logger: log.WithFields(logrus.Fields{
			"prefix": "smp",
			"conn":   conn.ID(),
		}),
		bus:    bus,
		sender: sender,
		conn:   conn,
		store:  store,
		params: params,
		policy: policy,
		keys:   keys,

		OnPasskeyDisplay:  event.NewSource[PasskeyDisplay](log, "smp.passkey_display"),
		OnPasskeyRequest:  event.NewSource[PasskeyRequest](log, "smp.passkey_request"),
		OnSecurityRequest: event.NewSource[SecurityRequest](log, "smp.security_request"),
		OnSecurityLevel:   event.NewSource[int](log, "smp.security_level"),
		OnPairingComplete: event.NewSource[Result](log, "smp.pairing_complete"),
	}
	m.level.Store(1)
	return m, nil
}

// State returns the current security state. Safe from any goroutine.
func (m *Manager) State() State { return State(m.state.Load()) }

// Level returns the current encryption level (1 = open link).
func (m *Manager) Level() int { return int(m.level.Load()) }

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.WithFields(logrus.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Debug("Security state changed")
	}
}

// SetParams replaces the local pairing feature set used for subsequent
// procedures.
func (m *Manager) SetParams(params transport.SecurityParams) {
	m.bus.Submit(func() { m.params = params })
}

// SetPolicy replaces the policy for peer-initiated procedures.
func (m *Manager) SetPolicy(policy Policy) {
	m.bus.Submit(func() { m.policy = policy })
}

// ----------------------------------------------------------------------------
// Consumer operations
// ----------------------------------------------------------------------------

// Pair secures the link. With a stored bond (and forceRepair false) it
// re-establishes encryption from the saved long-term key instead of
// running a fresh pairing. A call while a procedure is already running
// attaches to the outcome of the running one.
func (m *Manager) Pair(forceRepair bool) *waitable.Waitable[Result] {
	w := waitable.New[Result](m.log, "pair").WithGuard(m.bus)
	m.bus.Submit(func() {
		if m.pairing != nil {
			m.pairing.Then(func(r Result, err error) {
				if err != nil {
					w.Fail(err)
					return
				}
				w.Resolve(r)
			})
			return
		}
		m.pairing = w
		m.startPairing(forceRepair)
	})
	return w
}

// DeleteBond removes the stored bond for this peer. Fails busy while a
// security procedure is running so key material is never pulled out from
// under it.
func (m *Manager) DeleteBond() *waitable.Waitable[bool] {
	w := waitable.New[bool](m.log, "delete_bond").WithGuard(m.bus)
	m.bus.Submit(func() {
		if m.pairing != nil {
			w.Fail(status.Errorf(status.CodeBusy, "security procedure in progress"))
			return
		}
		rec := m.lookupBond()
		if rec == nil {
			w.Resolve(false)
			return
		}
		if err := m.store.Delete(rec.IdentityAddress); err != nil {
			w.Fail(err)
			return
		}
		m.bondRec = nil
		w.Resolve(true)
	})
	return w
}

// Bonded reports whether a stored bond exists for this peer. Safe from
// any goroutine (read-only store access).
func (m *Manager) Bonded() bool {
	if _, ok := m.store.Load(m.conn.PeerAddress()); ok {
		return true
	}
	_, ok := ResolveIdentity(m.store, m.conn.PeerAddress())
	return ok
}

// startPairing runs on the dispatch goroutine with m.pairing set.
func (m *Manager) startPairing(forceRepair bool) {
	rec := m.lookupBond()
	if rec != nil && !forceRepair && m.conn.Role() == transport.RoleCentral && len(rec.LTK()) > 0 {
		m.logger.WithField("identity", rec.IdentityAddress).
			Info("Re-establishing encryption from stored bond")
		m.encrypting = true
		m.setState(StateEncrypting)
		m.send(transport.EncryptCommand{
			Conn:     m.conn.ID(),
			MasterID: rec.MasterID,
			LTK:      rec.LTK(),
		})
		return
	}
	params := m.params
	m.logger.WithFields(logrus.Fields{
		"bond": params.Bond,
		"mitm": params.MITM,
		"lesc": params.LESC,
	}).Info("Starting pairing")
	if m.conn.Role() == transport.RoleCentral {
		m.setState(StateFeatureExchange)
	}
	// as peripheral this goes out as a security request; the state moves
	// once the central answers with its feature exchange
	m.send(transport.AuthenticateCommand{Conn: m.conn.ID(), Params: &params})
}

func (m *Manager) send(cmd transport.Command) {
	if err := m.sender.Send(cmd); err != nil {
		m.logger.WithError(err).WithField("cmd", cmd.CommandName()).
			Error("Failed to send security command")
		m.failPairing(err)
	}
}

// lookupBond finds the stored record for this peer, resolving private
// addresses through stored IRKs.
func (m *Manager) lookupBond() *bond.Record {
	if m.bondRec != nil {
		return m.bondRec
	}
	addr := m.conn.PeerAddress()
	if rec, ok := m.store.Load(addr); ok {
		m.bondRec = rec
		return rec
	}
	if rec, ok := ResolveIdentity(m.store, addr); ok {
		m.bondRec = rec
		return rec
	}
	return nil
}

// ----------------------------------------------------------------------------
// Event handling (dispatch goroutine)
// ----------------------------------------------------------------------------

// HandleEvent consumes the connection's security events. Called on the
// dispatch goroutine by the owning connection.
func (m *Manager) HandleEvent(ev transport.Event) {
	switch p := ev.Payload.(type) {
	case transport.SecurityRequestPayload:
		m.handleSecurityRequest(p)
	case transport.PairingRequestPayload:
		m.handlePairingRequest(p)
	case transport.PasskeyDisplayPayload:
		m.handlePasskeyDisplay(p)
	case transport.PasskeyRequestPayload:
		m.handlePasskeyRequest(p)
	case transport.DHKeyRequestPayload:
		m.handleDHKeyRequest(p)
	case transport.SecurityLevelPayload:
		m.handleSecurityLevel(p)
	case transport.AuthStatusPayload:
		m.handleAuthStatus(p)
	case transport.SecInfoRequestPayload:
		m.handleSecInfoRequest(p)
	}
}

func (m *Manager) handleSecurityRequest(p transport.SecurityRequestPayload) {
	if m.OnSecurityRequest.HasHandlers() {
		m.OnSecurityRequest.Notify(SecurityRequest{
			Bond: p.Bond,
			MITM: p.MITM,
			LESC: p.LESC,
			Accept: func(forceRepair bool) {
				m.bus.Submit(func() {
					if m.pairing == nil {
						m.pairing = waitable.New[Result](m.log, "pair").WithGuard(m.bus)
						m.startPairing(forceRepair)
					}
				})
			},
			Reject: func() {
				m.bus.Submit(func() { m.rejectPeer() })
			},
		})
		return
	}
	switch {
	case m.policy == PolicyRejectAll,
		m.policy == PolicyAllowBondedOnly && m.lookupBond() == nil:
		m.logger.Info("Rejecting peer security request per policy")
		m.rejectPeer()
	default:
		if m.pairing == nil {
			m.pairing = waitable.New[Result](m.log, "pair").WithGuard(m.bus)
			m.startPairing(false)
		}
	}
}

func (m *Manager) handlePairingRequest(p transport.PairingRequestPayload) {
	allowed := m.policy != PolicyRejectAll &&
		(m.policy != PolicyAllowBondedOnly || m.lookupBond() != nil)
	if !allowed {
		m.logger.WithFields(logrus.Fields{
			"bond": p.Params.Bond,
			"mitm": p.Params.MITM,
		}).Info("Rejecting peer pairing request per policy")
		m.send(transport.SecParamsReplyCommand{
			Conn:   m.conn.ID(),
			Status: transport.SecPairingNotSupported,
		})
		m.failPairing(&status.PairingFailedError{Reason: transport.SecPairingNotSupported.String()})
		return
	}
	params := m.params
	m.setState(StateFeatureExchange)
	m.send(transport.SecParamsReplyCommand{
		Conn:   m.conn.ID(),
		Status: transport.SecSuccess,
		Params: &params,
	})
}

func (m *Manager) handlePasskeyDisplay(p transport.PasskeyDisplayPayload) {
	m.setState(StatePasskeyPending)
	if !m.OnPasskeyDisplay.HasHandlers() {
		if p.MatchRequest {
			m.logger.Warn("Numeric comparison requested with no handler, rejecting")
			m.rejectPeer()
		} else {
			m.logger.WithField("passkey", p.Passkey).Info("Passkey display with no handler")
		}
		return
	}
	m.OnPasskeyDisplay.Notify(PasskeyDisplay{
		Passkey:      p.Passkey,
		MatchRequest: p.MatchRequest,
		Confirm: func(match bool) {
			m.bus.Submit(func() {
				if !p.MatchRequest {
					return
				}
				if match {
					m.send(transport.AuthKeyReplyCommand{
						Conn:    m.conn.ID(),
						KeyType: transport.AuthKeyNone,
					})
				} else {
					m.rejectPeer()
				}
			})
		},
	})
}

func (m *Manager) handlePasskeyRequest(p transport.PasskeyRequestPayload) {
	m.setState(StatePasskeyPending)
	if !m.OnPasskeyRequest.HasHandlers() {
		m.logger.Warn("Passkey entry requested with no handler, failing pairing")
		m.send(transport.AuthKeyReplyCommand{
			Conn:    m.conn.ID(),
			KeyType: transport.AuthKeyNone,
		})
		return
	}
	m.OnPasskeyRequest.Notify(PasskeyRequest{
		KeyType: p.KeyType,
		Respond: func(key []byte) {
			m.bus.Submit(func() {
				m.send(transport.AuthKeyReplyCommand{
					Conn:    m.conn.ID(),
					KeyType: p.KeyType,
					Key:     key,
				})
			})
		},
	})
}

func (m *Manager) handleDHKeyRequest(p transport.DHKeyRequestPayload) {
	m.setState(StateLESCKeyExchange)
	secret, err := m.keys.SharedSecret(p.PeerPublicKey)
	if err != nil {
		m.logger.WithError(err).Error("LESC key agreement failed")
		m.rejectPeer()
		return
	}
	m.send(transport.DHKeyReplyCommand{Conn: m.conn.ID(), DHKey: secret})
	m.setState(StateKeyGeneration)
}

func (m *Manager) handleSecurityLevel(p transport.SecurityLevelPayload) {
	m.level.Store(int32(p.Level))
	m.OnSecurityLevel.Notify(p.Level)
	if !m.encrypting {
		return
	}
	// outcome of re-encryption from a stored key
	m.encrypting = false
	if p.Level < 2 {
		m.logger.Warn("Peer rejected stored long-term key")
		m.failPairing(&status.PairingFailedError{Reason: "stored key rejected by peer"})
		return
	}
	m.setState(StateBonded)
	m.completePairing(Result{Status: transport.SecSuccess, Level: p.Level, Bonded: true})
}

func (m *Manager) handleAuthStatus(p transport.AuthStatusPayload) {
	if p.Status != transport.SecSuccess {
		m.logger.WithField("status", p.Status.String()).Warn("Pairing failed")
		m.setState(StateIdle)
		m.failPairing(&status.PairingFailedError{Reason: p.Status.String()})
		return
	}
	bonded := p.Bonded && p.Keys != nil
	if bonded {
		identity := p.Keys.IdentityAddress
		if identity.MAC == "" {
			identity = m.conn.PeerAddress()
		}
		rec := bond.FromKeys(p.Keys, m.conn.Role() == transport.RolePeripheral)
		rec.IdentityAddress = identity
		if err := m.store.Save(identity, rec); err != nil {
			m.logger.WithError(err).Error("Failed to persist bond")
		} else {
			m.logger.WithField("identity", identity).Info("Bond stored")
		}
		m.bondRec = rec
		m.setState(StateBonded)
	} else {
		m.setState(StateAuthenticated)
	}
	m.completePairing(Result{Status: p.Status, Level: m.Level(), Bonded: bonded})
}

func (m *Manager) handleSecInfoRequest(p transport.SecInfoRequestPayload) {
	rec := m.lookupBond()
	if rec == nil || rec.MasterID != p.MasterID || len(rec.OwnLTK) == 0 {
		m.logger.Info("Peer asked for keys we do not have")
		m.send(transport.SecInfoReplyCommand{Conn: m.conn.ID()})
		return
	}
	m.encrypting = true
	if m.pairing == nil {
		m.pairing = waitable.New[Result](m.log, "pair").WithGuard(m.bus)
	}
	m.send(transport.SecInfoReplyCommand{Conn: m.conn.ID(), LTK: rec.OwnLTK})
}

// rejectPeer refuses the procedure in progress.
func (m *Manager) rejectPeer() {
	m.send(transport.AuthenticateCommand{Conn: m.conn.ID()})
	m.setState(StateIdle)
	m.failPairing(&status.PairingFailedError{Reason: "rejected locally"})
}

// ----------------------------------------------------------------------------
// Completion
// ----------------------------------------------------------------------------

func (m *Manager) completePairing(r Result) {
	w := m.pairing
	m.pairing = nil
	if w != nil {
		w.Resolve(r)
	}
	m.OnPairingComplete.Notify(r)
}

func (m *Manager) failPairing(err error) {
	if err == nil {
		return
	}
	m.setState(StateIdle)
	w := m.pairing
	m.pairing = nil
	if w != nil {
		w.Fail(err)
	}
}

// Abort fails any pending procedure and resets to an open link. Called on
// the dispatch goroutine when the connection drops.
func (m *Manager) Abort(err error) {
	m.encrypting = false
	m.level.Store(1)
	m.failPairing(err)
	m.setState(StateIdle)
}
