// Package transport defines the boundary to the controller driver: the
// commands the engine sends and the typed events the driver delivers back.
// Frame encoding/decoding and the physical link are the driver's concern;
// by the time an event reaches this package it has already been decoded.
package transport

// ConnID identifies a connection owned by the controller. Events carrying
// InvalidConn belong to the global (connection-less) scope.
type ConnID uint16

// InvalidConn is the reserved connection ID for global-scope events.
const InvalidConn ConnID = 0xFFFF

// Role is the GAP role of the local device on a connection.
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// AddrType classifies a peer address.
type AddrType int

const (
	AddrPublic AddrType = iota
	AddrRandomStatic
	AddrRandomResolvable
	AddrRandomNonResolvable
)

// Addr is a peer Bluetooth address.
type Addr struct {
	Type AddrType
	MAC  string
}

func (a Addr) String() string { return a.MAC }

// IsResolvable reports whether the address is a resolvable private address
// that may be matched against stored identity-resolving keys.
func (a Addr) IsResolvable() bool { return a.Type == AddrRandomResolvable }

// ConnParams are the link-layer connection parameters, either preferred
// (interval as a min/max range) or active (min == max).
type ConnParams struct {
	MinIntervalMs      float64
	MaxIntervalMs      float64
	SlaveLatency       uint16
	SupervisionTimeout uint32 // milliseconds
}

// Phy is a bitmask of supported PHYs.
type Phy uint8

const (
	PhyAuto    Phy = 0
	Phy1Mbps   Phy = 1 << 0
	Phy2Mbps   Phy = 1 << 1
	PhyCoded   Phy = 1 << 2
	PhyInvalid Phy = 0xFF
)

// Sender is the outbound half of the transport: an ordered, reliable
// command stream to the controller. Implementations must be safe for use
// from the single dispatch goroutine only.
type Sender interface {
	Send(cmd Command) error
}

// Command is a typed command frame addressed to the controller.
type Command interface {
	// CommandName identifies the command for logging.
	CommandName() string
}

// ----------------------------
// GAP commands
// ----------------------------

type ConnectCommand struct {
	Address Addr
	Params  ConnParams
}

type CancelConnectCommand struct{}

type DisconnectCommand struct {
	Conn   ConnID
	Reason uint8
}

type ConnParamUpdateCommand struct {
	Conn   ConnID
	Params ConnParams
}

// ConnParamReplyCommand answers a peer-initiated parameter update request
// while acting as central.
type ConnParamReplyCommand struct {
	Conn   ConnID
	Accept bool
	Params ConnParams
}

type MTUExchangeCommand struct {
	Conn        ConnID
	ClientRxMTU uint16
}

type PHYUpdateCommand struct {
	Conn  ConnID
	TxPhy Phy
	RxPhy Phy
}

type DataLengthUpdateCommand struct {
	Conn     ConnID
	TxOctets uint16
}

// ----------------------------
// ATT / GATT client commands
// ----------------------------

type DiscoverPrimaryServicesCommand struct {
	Conn        ConnID
	StartHandle uint16
	EndHandle   uint16
}

type DiscoverCharacteristicsCommand struct {
	Conn        ConnID
	StartHandle uint16
	EndHandle   uint16
}

type DiscoverDescriptorsCommand struct {
	Conn        ConnID
	StartHandle uint16
	EndHandle   uint16
}

type ReadCommand struct {
	Conn   ConnID
	Handle uint16
	Offset uint16
}

// WriteOp selects the ATT write flavor.
type WriteOp int

const (
	WriteRequest WriteOp = iota // write request (ack'd)
	WriteCmd                    // write without response
	WritePrepare                // prepare write (long write chunk)
	WriteExecute                // execute prepared writes
)

func (op WriteOp) String() string {
	switch op {
	case WriteRequest:
		return "write_request"
	case WriteCmd:
		return "write_command"
	case WritePrepare:
		return "prepare_write"
	case WriteExecute:
		return "execute_write"
	default:
		return "unknown"
	}
}

type WriteCommand struct {
	Conn   ConnID
	Handle uint16
	Op     WriteOp
	Offset uint16
	Data   []byte
}

// HVConfirmCommand confirms a received indication.
type HVConfirmCommand struct {
	Conn   ConnID
	Handle uint16
}

// ----------------------------
// Security (SMP) commands
// ----------------------------

// IOCapabilities of the local device for the pairing feature exchange.
type IOCapabilities int

const (
	IODisplayOnly IOCapabilities = iota
	IODisplayYesNo
	IOKeyboardOnly
	IONoInputNoOutput
	IOKeyboardDisplay
)

// SecurityParams is the feature set exchanged at pairing start.
type SecurityParams struct {
	Bond       bool
	MITM       bool
	LESC       bool
	OOB        bool
	IOCaps     IOCapabilities
	MinKeySize uint8
	MaxKeySize uint8
}

// AuthenticateCommand starts (or, with nil Params, rejects) a pairing
// procedure. As peripheral it sends a security request to the central.
type AuthenticateCommand struct {
	Conn   ConnID
	Params *SecurityParams
}

// SecParamsReplyCommand answers a peer's pairing feature exchange.
type SecParamsReplyCommand struct {
	Conn   ConnID
	Status SecStatus
	Params *SecurityParams
}

// AuthKeyType selects the kind of key supplied in AuthKeyReplyCommand.
type AuthKeyType int

const (
	AuthKeyNone AuthKeyType = iota
	AuthKeyPasskey
	AuthKeyOOB
)

type AuthKeyReplyCommand struct {
	Conn    ConnID
	KeyType AuthKeyType
	Key     []byte
}

// DHKeyReplyCommand supplies the LESC Diffie-Hellman shared secret computed
// from the peer's public key.
type DHKeyReplyCommand struct {
	Conn  ConnID
	DHKey []byte
}

// EncryptCommand re-establishes encryption with a stored long-term key.
type EncryptCommand struct {
	Conn     ConnID
	MasterID MasterID
	LTK      []byte
}

// SecInfoReplyCommand answers a peer's request for stored keys. A nil LTK
// signals that no bond is available.
type SecInfoReplyCommand struct {
	Conn ConnID
	LTK  []byte
}

func (ConnectCommand) CommandName() string                 { return "connect" }
func (CancelConnectCommand) CommandName() string           { return "cancel_connect" }
func (DisconnectCommand) CommandName() string              { return "disconnect" }
func (ConnParamUpdateCommand) CommandName() string         { return "conn_param_update" }
func (ConnParamReplyCommand) CommandName() string          { return "conn_param_reply" }
func (MTUExchangeCommand) CommandName() string             { return "mtu_exchange" }
func (PHYUpdateCommand) CommandName() string               { return "phy_update" }
func (DataLengthUpdateCommand) CommandName() string        { return "data_length_update" }
func (DiscoverPrimaryServicesCommand) CommandName() string { return "discover_primary_services" }
func (DiscoverCharacteristicsCommand) CommandName() string { return "discover_characteristics" }
func (DiscoverDescriptorsCommand) CommandName() string     { return "discover_descriptors" }
func (ReadCommand) CommandName() string                    { return "read" }
func (WriteCommand) CommandName() string                   { return "write" }
func (HVConfirmCommand) CommandName() string               { return "hv_confirm" }
func (AuthenticateCommand) CommandName() string            { return "authenticate" }
func (SecParamsReplyCommand) CommandName() string          { return "sec_params_reply" }
func (AuthKeyReplyCommand) CommandName() string            { return "auth_key_reply" }
func (DHKeyReplyCommand) CommandName() string              { return "dh_key_reply" }
func (EncryptCommand) CommandName() string                 { return "encrypt" }
func (SecInfoReplyCommand) CommandName() string            { return "sec_info_reply" }
