// Package testutils provides a scripted controller and synthetic
// peripheral for exercising the host engine without hardware.
package testutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/event"
	"github.com/srg/blehost/transport"
)

// Controller is a scripted transport.Sender: commands sent by the host are
// recorded and answered with the events a real controller would produce
// for the configured peripheral.
type Controller struct {
	Logger *logrus.Logger

	// WindowSize caps how many results one discovery response carries.
	WindowSize int
	// ServerMTU is the peripheral's MTU for the exchange.
	ServerMTU uint16
	// AutoCredits releases a queue credit right after each acknowledged
	// operation completes. Disable to script credit timing by hand.
	AutoCredits bool
	// FailWriteAt NACKs the Nth acknowledged sub-write (1-based).
	FailWriteAt int
	// RejectEncrypt makes re-encryption from a stored key fail.
	RejectEncrypt bool
	// HoldDiscovery leaves discovery requests unanswered until
	// ReleaseDiscovery; used to keep the procedure pending.
	HoldDiscovery bool
	// HoldPairing leaves pairing requests unanswered.
	HoldPairing bool
	// HoldMTU leaves the MTU exchange unanswered.
	HoldMTU bool
	// PairingStatus is the outcome of pairing procedures.
	PairingStatus transport.SecStatus
	// Passkey, when set, is displayed during MITM pairing.
	Passkey string
	// BondKeys overrides the key material distributed on bonding.
	BondKeys *transport.KeyDistribution

	mu          sync.Mutex
	bus         *event.Bus
	peripheral  *Peripheral
	conn        transport.ConnID
	mtu         uint16
	sent        []transport.Command
	writeCount  int
	prepared    map[uint16][]byte
	holdConnect bool
	pendingAddr *transport.Addr
	heldDisc    *transport.DiscoverPrimaryServicesCommand
	lescKey     *ecdh.PrivateKey
	lastParams  *transport.SecurityParams
}

// NewController creates a controller with permissive defaults.
func NewController(logger *logrus.Logger) *Controller {
	return &Controller{
		Logger:        logger,
		WindowSize:    2,
		ServerMTU:     23,
		AutoCredits:   true,
		PairingStatus: transport.SecSuccess,
		conn:          1,
		mtu:           23,
		prepared:      make(map[uint16][]byte),
	}
}

// Attach points the controller at the bus it publishes into.
func (c *Controller) Attach(bus *event.Bus) { c.bus = bus }

// SetPeripheral installs the attribute database the controller serves.
func (c *Controller) SetPeripheral(p *Peripheral) { c.peripheral = p }

// Peripheral returns the installed attribute database.
func (c *Controller) Peripheral() *Peripheral { return c.peripheral }

// Conn returns the handle assigned to the simulated connection.
func (c *Controller) Conn() transport.ConnID { return c.conn }

// HoldConnect delays the connection outcome until CompleteConnect or a
// cancel command.
func (c *Controller) HoldConnect() { c.holdConnect = true }

// CompleteConnect finishes a held connection attempt.
func (c *Controller) CompleteConnect() {
	c.mu.Lock()
	addr := c.pendingAddr
	c.pendingAddr = nil
	c.mu.Unlock()
	if addr != nil {
		c.publishConnected(*addr)
	}
}

// ReleaseDiscovery answers a discovery request held by HoldDiscovery.
func (c *Controller) ReleaseDiscovery() {
	c.mu.Lock()
	held := c.heldDisc
	c.heldDisc = nil
	c.mu.Unlock()
	if held != nil {
		c.answerServiceWindow(*held)
	}
}

// Sent returns a snapshot of every command the host issued.
func (c *Controller) Sent() []transport.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Command(nil), c.sent...)
}

// SentNames returns the command names in issue order.
func (c *Controller) SentNames() []string {
	cmds := c.Sent()
	names := make([]string, len(cmds))
	for i, cmd := range cmds {
		names[i] = cmd.CommandName()
	}
	return names
}

// CountSent returns how many commands with the given name were issued.
func (c *Controller) CountSent(name string) int {
	n := 0
	for _, cmd := range c.Sent() {
		if cmd.CommandName() == name {
			n++
		}
	}
	return n
}

// Inject publishes an arbitrary event on the simulated connection.
func (c *Controller) Inject(kind transport.Kind, payload interface{}) {
	c.publish(kind, payload)
}

// FreeCredits releases queue credits for a direction class.
func (c *Controller) FreeCredits(class transport.DirectionClass, count int) {
	c.publish(transport.KindCreditFreed, transport.CreditFreedPayload{Class: class, Count: count})
}

// Notify delivers a notification or indication for a value handle.
func (c *Controller) Notify(handle uint16, data []byte, indication bool) {
	c.publish(transport.KindNotification, transport.NotificationPayload{
		Handle:     handle,
		Data:       data,
		Indication: indication,
	})
}

// DropLink simulates the peer (or the radio) dropping the connection.
func (c *Controller) DropLink(reason uint8) {
	c.publish(transport.KindDisconnected, transport.DisconnectedPayload{Reason: reason})
}

func (c *Controller) publish(kind transport.Kind, payload interface{}) {
	c.bus.Publish(transport.Event{Conn: c.conn, Kind: kind, Payload: payload})
}

func (c *Controller) publishConnected(addr transport.Addr) {
	c.publish(transport.KindConnected, transport.ConnectedPayload{
		Address: addr,
		Role:    transport.RoleCentral,
		Params: transport.ConnParams{
			MinIntervalMs: 30, MaxIntervalMs: 30,
			SupervisionTimeout: 4000,
		},
	})
}

// Send answers each host command with the events the scripted scenario
// calls for.
func (c *Controller) Send(cmd transport.Command) error {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()

	switch cmd := cmd.(type) {
	case transport.ConnectCommand:
		if c.holdConnect {
			c.mu.Lock()
			addr := cmd.Address
			c.pendingAddr = &addr
			c.mu.Unlock()
			return nil
		}
		c.publishConnected(cmd.Address)

	case transport.CancelConnectCommand:
		c.mu.Lock()
		pending := c.pendingAddr != nil
		c.pendingAddr = nil
		c.mu.Unlock()
		if pending {
			c.publish(transport.KindConnectTimeout, nil)
		}

	case transport.DisconnectCommand:
		c.publish(transport.KindDisconnected, transport.DisconnectedPayload{Reason: cmd.Reason})

	case transport.MTUExchangeCommand:
		if c.HoldMTU {
			return nil
		}
		mtu := cmd.ClientRxMTU
		if c.ServerMTU < mtu {
			mtu = c.ServerMTU
		}
		c.mu.Lock()
		c.mtu = mtu
		c.mu.Unlock()
		c.publish(transport.KindMTUExchanged, transport.MTUExchangedPayload{MTU: mtu})

	case transport.PHYUpdateCommand:
		c.publish(transport.KindPHYUpdated, transport.PHYUpdatedPayload{TxPhy: cmd.TxPhy, RxPhy: cmd.RxPhy})

	case transport.DataLengthUpdateCommand:
		c.publish(transport.KindDataLengthUpdated, transport.DataLengthUpdatedPayload{
			TxOctets: cmd.TxOctets, RxOctets: cmd.TxOctets,
		})

	case transport.ConnParamUpdateCommand:
		c.publish(transport.KindConnParamsUpdated, transport.ConnParamsUpdatedPayload{Params: cmd.Params})

	case transport.ConnParamReplyCommand:
		if cmd.Accept {
			c.publish(transport.KindConnParamsUpdated, transport.ConnParamsUpdatedPayload{Params: cmd.Params})
		}

	case transport.DiscoverPrimaryServicesCommand:
		if c.HoldDiscovery {
			c.mu.Lock()
			c.heldDisc = &cmd
			c.mu.Unlock()
			return nil
		}
		c.answerServiceWindow(cmd)
	case transport.DiscoverCharacteristicsCommand:
		c.answerCharWindow(cmd)
	case transport.DiscoverDescriptorsCommand:
		c.answerDescWindow(cmd)

	case transport.ReadCommand:
		c.answerRead(cmd)
	case transport.WriteCommand:
		c.answerWrite(cmd)

	case transport.HVConfirmCommand:
		if c.AutoCredits {
			c.FreeCredits(transport.ClassAck, 1)
		}

	case transport.AuthenticateCommand:
		if c.HoldPairing {
			return nil
		}
		c.answerAuthenticate(cmd)
	case transport.DHKeyReplyCommand:
		c.finishPairing()
	case transport.AuthKeyReplyCommand:
		c.finishPairing()
	case transport.EncryptCommand:
		if c.RejectEncrypt {
			c.publish(transport.KindSecurityLevel, transport.SecurityLevelPayload{Level: 1})
		} else {
			c.publish(transport.KindSecurityLevel, transport.SecurityLevelPayload{Level: 2})
		}
	case transport.SecParamsReplyCommand:
		if cmd.Status == transport.SecSuccess && cmd.Params != nil {
			c.mu.Lock()
			c.lastParams = cmd.Params
			c.mu.Unlock()
			c.finishPairing()
		}
	case transport.SecInfoReplyCommand:
		level := 2
		if cmd.LTK == nil {
			level = 1
		}
		c.publish(transport.KindSecurityLevel, transport.SecurityLevelPayload{Level: level})
	}
	return nil
}

// ----------------------------------------------------------------------------
// Discovery
// ----------------------------------------------------------------------------

func (c *Controller) answerServiceWindow(cmd transport.DiscoverPrimaryServicesCommand) {
	var out []transport.ServiceRange
	for _, svc := range c.peripheral.Services {
		if svc.StartHandle < cmd.StartHandle || svc.StartHandle > cmd.EndHandle {
			continue
		}
		out = append(out, transport.ServiceRange{
			UUID:        svc.UUID,
			StartHandle: svc.StartHandle,
			EndHandle:   svc.EndHandle,
		})
		if len(out) >= c.WindowSize {
			break
		}
	}
	if len(out) == 0 {
		c.publish(transport.KindServiceDiscovery, transport.ServiceDiscoveryPayload{
			Status: transport.AttAttributeNotFound,
		})
		return
	}
	c.publish(transport.KindServiceDiscovery, transport.ServiceDiscoveryPayload{
		Status:   transport.AttSuccess,
		Services: out,
	})
}

func (c *Controller) answerCharWindow(cmd transport.DiscoverCharacteristicsCommand) {
	var out []transport.CharacteristicDecl
	for _, svc := range c.peripheral.Services {
		for _, char := range svc.Characteristics {
			if char.DeclHandle < cmd.StartHandle || char.DeclHandle > cmd.EndHandle {
				continue
			}
			out = append(out, transport.CharacteristicDecl{
				UUID:        char.UUID,
				DeclHandle:  char.DeclHandle,
				ValueHandle: char.ValueHandle,
				Properties:  char.Properties,
			})
			if len(out) >= c.WindowSize {
				break
			}
		}
		if len(out) >= c.WindowSize {
			break
		}
	}
	if len(out) == 0 {
		c.publish(transport.KindCharacteristicDiscovery, transport.CharacteristicDiscoveryPayload{
			Status: transport.AttAttributeNotFound,
		})
		return
	}
	c.publish(transport.KindCharacteristicDiscovery, transport.CharacteristicDiscoveryPayload{
		Status:          transport.AttSuccess,
		Characteristics: out,
	})
}

func (c *Controller) answerDescWindow(cmd transport.DiscoverDescriptorsCommand) {
	var out []transport.DescriptorDecl
	for _, svc := range c.peripheral.Services {
		for _, char := range svc.Characteristics {
			for _, d := range char.Descriptors {
				if d.Handle < cmd.StartHandle || d.Handle > cmd.EndHandle {
					continue
				}
				out = append(out, transport.DescriptorDecl{UUID: d.UUID, Handle: d.Handle})
				if len(out) >= c.WindowSize {
					break
				}
			}
			if len(out) >= c.WindowSize {
				break
			}
		}
		if len(out) >= c.WindowSize {
			break
		}
	}
	if len(out) == 0 {
		c.publish(transport.KindDescriptorDiscovery, transport.DescriptorDiscoveryPayload{
			Status: transport.AttAttributeNotFound,
		})
		return
	}
	c.publish(transport.KindDescriptorDiscovery, transport.DescriptorDiscoveryPayload{
		Status:      transport.AttSuccess,
		Descriptors: out,
	})
}

// ----------------------------------------------------------------------------
// Attribute operations
// ----------------------------------------------------------------------------

func (c *Controller) answerRead(cmd transport.ReadCommand) {
	value, ok := c.peripheral.values[cmd.Handle]
	if !ok {
		c.publish(transport.KindReadResponse, transport.ReadResponsePayload{
			Handle: cmd.Handle,
			Status: transport.AttReadNotPermitted,
		})
		return
	}
	c.mu.Lock()
	chunkMax := int(c.mtu) - 1
	c.mu.Unlock()
	if int(cmd.Offset) > len(value) {
		c.publish(transport.KindReadResponse, transport.ReadResponsePayload{
			Handle: cmd.Handle,
			Status: transport.AttInvalidOffset,
		})
		return
	}
	chunk := value[cmd.Offset:]
	if len(chunk) > chunkMax {
		chunk = chunk[:chunkMax]
	}
	c.publish(transport.KindReadResponse, transport.ReadResponsePayload{
		Handle: cmd.Handle,
		Offset: cmd.Offset,
		Status: transport.AttSuccess,
		Data:   append([]byte(nil), chunk...),
	})
}

func (c *Controller) answerWrite(cmd transport.WriteCommand) {
	switch cmd.Op {
	case transport.WriteCmd:
		c.peripheral.SetValue(cmd.Handle, append([]byte(nil), cmd.Data...))
		if c.AutoCredits {
			c.FreeCredits(transport.ClassNoAck, 1)
		}
		return

	case transport.WriteRequest:
		if c.nackThisWrite() {
			c.respondWrite(cmd, transport.AttWriteNotPermitted)
			return
		}
		c.peripheral.SetValue(cmd.Handle, append([]byte(nil), cmd.Data...))
		c.respondWrite(cmd, transport.AttSuccess)

	case transport.WritePrepare:
		if c.nackThisWrite() {
			c.respondWrite(cmd, transport.AttPrepareQueueFull)
			return
		}
		c.mu.Lock()
		c.prepared[cmd.Handle] = append(c.prepared[cmd.Handle], cmd.Data...)
		c.mu.Unlock()
		c.respondWrite(cmd, transport.AttSuccess)

	case transport.WriteExecute:
		c.mu.Lock()
		buf := c.prepared[cmd.Handle]
		delete(c.prepared, cmd.Handle)
		c.mu.Unlock()
		c.peripheral.SetValue(cmd.Handle, buf)
		c.respondWrite(cmd, transport.AttSuccess)
	}
}

func (c *Controller) nackThisWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeCount++
	return c.FailWriteAt > 0 && c.writeCount == c.FailWriteAt
}

func (c *Controller) respondWrite(cmd transport.WriteCommand, st transport.AttStatus) {
	c.publish(transport.KindWriteResponse, transport.WriteResponsePayload{
		Handle: cmd.Handle,
		Op:     cmd.Op,
		Status: st,
	})
	if c.AutoCredits {
		c.FreeCredits(transport.ClassAck, 1)
	}
}

// ----------------------------------------------------------------------------
// Security
// ----------------------------------------------------------------------------

func (c *Controller) answerAuthenticate(cmd transport.AuthenticateCommand) {
	if cmd.Params == nil {
		// local rejection of a peer-initiated procedure
		return
	}
	c.mu.Lock()
	params := *cmd.Params
	c.lastParams = &params
	c.mu.Unlock()

	if params.MITM && c.Passkey != "" {
		c.publish(transport.KindPasskeyDisplay, transport.PasskeyDisplayPayload{Passkey: c.Passkey})
	}
	if params.LESC {
		key, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			c.Logger.WithError(err).Error("Failed to generate peer LESC key")
			return
		}
		c.mu.Lock()
		c.lescKey = key
		c.mu.Unlock()
		c.publish(transport.KindDHKeyRequest, transport.DHKeyRequestPayload{
			PeerPublicKey: key.PublicKey().Bytes(),
		})
		return
	}
	c.finishPairing()
}

func (c *Controller) finishPairing() {
	c.mu.Lock()
	params := c.lastParams
	c.lastParams = nil
	c.mu.Unlock()
	if params == nil {
		return
	}
	if c.PairingStatus != transport.SecSuccess {
		c.publish(transport.KindAuthStatus, transport.AuthStatusPayload{Status: c.PairingStatus})
		return
	}
	level := 2
	if params.MITM {
		level = 3
	}
	c.publish(transport.KindSecurityLevel, transport.SecurityLevelPayload{Level: level})
	payload := transport.AuthStatusPayload{
		Status: transport.SecSuccess,
		Bonded: params.Bond,
	}
	if params.Bond {
		payload.Keys = c.bondKeys(params.LESC)
	}
	c.publish(transport.KindAuthStatus, payload)
}

func (c *Controller) bondKeys(lesc bool) *transport.KeyDistribution {
	if c.BondKeys != nil {
		return c.BondKeys
	}
	keys := &transport.KeyDistribution{
		OwnLTK:   make([]byte, 16),
		PeerLTK:  make([]byte, 16),
		PeerIRK:  make([]byte, 16),
		MasterID: transport.MasterID{EDiv: 0x1234, Rand: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		LESC:     lesc,
		IdentityAddress: transport.Addr{
			MAC:  "aa:bb:cc:dd:ee:ff",
			Type: transport.AddrPublic,
		},
	}
	for i := range keys.OwnLTK {
		keys.OwnLTK[i] = 0x11
		keys.PeerLTK[i] = 0x22
		keys.PeerIRK[i] = 0x33
	}
	return keys
}
