package transport

// Kind discriminates the decoded controller events.
type Kind int

const (
	KindConnected Kind = iota
	KindDisconnected
	KindConnectTimeout
	KindConnParamsUpdated
	KindConnParamUpdateRequest
	KindMTUExchanged
	KindPHYUpdated
	KindDataLengthUpdated

	KindServiceDiscovery
	KindCharacteristicDiscovery
	KindDescriptorDiscovery
	KindReadResponse
	KindWriteResponse
	KindNotification
	KindCreditFreed

	KindSecurityRequest
	KindPairingRequest
	KindPasskeyDisplay
	KindPasskeyRequest
	KindDHKeyRequest
	KindSecurityLevel
	KindAuthStatus
	KindSecInfoRequest
)

var kindNames = map[Kind]string{
	KindConnected:               "connected",
	KindDisconnected:            "disconnected",
	KindConnectTimeout:          "connect_timeout",
	KindConnParamsUpdated:       "conn_params_updated",
	KindConnParamUpdateRequest:  "conn_param_update_request",
	KindMTUExchanged:            "mtu_exchanged",
	KindPHYUpdated:              "phy_updated",
	KindDataLengthUpdated:       "data_length_updated",
	KindServiceDiscovery:        "service_discovery",
	KindCharacteristicDiscovery: "characteristic_discovery",
	KindDescriptorDiscovery:     "descriptor_discovery",
	KindReadResponse:            "read_response",
	KindWriteResponse:           "write_response",
	KindNotification:            "notification",
	KindCreditFreed:             "credit_freed",
	KindSecurityRequest:         "security_request",
	KindPairingRequest:          "pairing_request",
	KindPasskeyDisplay:          "passkey_display",
	KindPasskeyRequest:          "passkey_request",
	KindDHKeyRequest:            "dh_key_request",
	KindSecurityLevel:           "security_level",
	KindAuthStatus:              "auth_status",
	KindSecInfoRequest:          "sec_info_request",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one decoded controller event. Events are immutable once
// dispatched. Seq is assigned by the event bus at publish time; events for
// the same Conn are delivered to subscribers in Seq order.
type Event struct {
	Conn    ConnID
	Kind    Kind
	Payload interface{}
	Seq     uint64
}

// AttStatus is the ATT protocol status carried by discovery and
// read/write responses.
type AttStatus int

const (
	AttSuccess AttStatus = iota
	AttAttributeNotFound
	AttReadNotPermitted
	AttWriteNotPermitted
	AttInsufficientAuthentication
	AttInsufficientAuthorization
	AttInvalidOffset
	AttPrepareQueueFull
	AttUnlikelyError
)

func (s AttStatus) String() string {
	switch s {
	case AttSuccess:
		return "success"
	case AttAttributeNotFound:
		return "attribute_not_found"
	case AttReadNotPermitted:
		return "read_not_permitted"
	case AttWriteNotPermitted:
		return "write_not_permitted"
	case AttInsufficientAuthentication:
		return "insufficient_authentication"
	case AttInsufficientAuthorization:
		return "insufficient_authorization"
	case AttInvalidOffset:
		return "invalid_offset"
	case AttPrepareQueueFull:
		return "prepare_queue_full"
	default:
		return "unlikely_error"
	}
}

// SecStatus is the SMP status reported at the end of a security procedure.
type SecStatus int

const (
	SecSuccess SecStatus = iota
	SecPairingNotSupported
	SecAuthenticationFailure
	SecConfirmValueFailed
	SecPasskeyEntryFailed
	SecTimeout
	SecUnspecified
)

func (s SecStatus) String() string {
	switch s {
	case SecSuccess:
		return "success"
	case SecPairingNotSupported:
		return "pairing_not_supported"
	case SecAuthenticationFailure:
		return "authentication_failure"
	case SecConfirmValueFailed:
		return "confirm_value_failed"
	case SecPasskeyEntryFailed:
		return "passkey_entry_failed"
	case SecTimeout:
		return "timeout"
	default:
		return "unspecified"
	}
}

// ----------------------------
// GAP event payloads
// ----------------------------

type ConnectedPayload struct {
	Address Addr
	Role    Role
	Params  ConnParams
}

type DisconnectedPayload struct {
	Reason uint8
}

type ConnParamsUpdatedPayload struct {
	Params ConnParams
}

type ConnParamUpdateRequestPayload struct {
	Params ConnParams
}

type MTUExchangedPayload struct {
	MTU uint16
}

type PHYUpdatedPayload struct {
	TxPhy Phy
	RxPhy Phy
}

type DataLengthUpdatedPayload struct {
	TxOctets uint16
	RxOctets uint16
}

// ----------------------------
// ATT event payloads
// ----------------------------

// ServiceRange is one primary service returned by a discovery window.
type ServiceRange struct {
	UUID        string
	StartHandle uint16
	EndHandle   uint16
}

type ServiceDiscoveryPayload struct {
	Status   AttStatus
	Services []ServiceRange
}

// CharProps is the characteristic properties bitmask.
type CharProps uint8

const (
	PropBroadcast CharProps = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtended
)

// CharacteristicDecl is one characteristic declaration returned by a
// discovery window.
type CharacteristicDecl struct {
	UUID        string
	DeclHandle  uint16
	ValueHandle uint16
	Properties  CharProps
}

type CharacteristicDiscoveryPayload struct {
	Status          AttStatus
	Characteristics []CharacteristicDecl
}

// DescriptorDecl is one descriptor returned by a discovery window.
type DescriptorDecl struct {
	UUID   string
	Handle uint16
}

type DescriptorDiscoveryPayload struct {
	Status      AttStatus
	Descriptors []DescriptorDecl
}

type ReadResponsePayload struct {
	Handle uint16
	Offset uint16
	Status AttStatus
	Data   []byte
}

type WriteResponsePayload struct {
	Handle uint16
	Op     WriteOp
	Status AttStatus
}

type NotificationPayload struct {
	Handle     uint16
	Data       []byte
	Indication bool
}

// DirectionClass partitions hardware queue credits: ack'd operations
// (write requests, indication confirms) and non-ack'd operations (write
// commands, notification hand-offs) are accounted independently.
type DirectionClass int

const (
	ClassAck DirectionClass = iota
	ClassNoAck
)

func (c DirectionClass) String() string {
	if c == ClassAck {
		return "ack"
	}
	return "noack"
}

// CreditFreedPayload reports hardware queue slots released by the
// controller for one direction class.
type CreditFreedPayload struct {
	Class DirectionClass
	Count int
}

// ----------------------------
// Security event payloads
// ----------------------------

// SecurityRequestPayload is a peripheral-initiated request for security.
type SecurityRequestPayload struct {
	Bond bool
	MITM bool
	LESC bool
}

// PairingRequestPayload is the peer's half of the feature exchange.
type PairingRequestPayload struct {
	Params SecurityParams
}

type PasskeyDisplayPayload struct {
	Passkey      string
	MatchRequest bool
}

type PasskeyRequestPayload struct {
	KeyType AuthKeyType
}

// DHKeyRequestPayload carries the peer's LESC public key (X9.62
// uncompressed point) for which a DH key reply is expected.
type DHKeyRequestPayload struct {
	PeerPublicKey []byte
}

// SecurityLevelPayload reports an encryption level change.
type SecurityLevelPayload struct {
	Level int // 1 = open, 2 = encrypted, 3 = encrypted MITM, 4 = LESC MITM
}

// MasterID identifies a long-term key during encryption re-establishment.
type MasterID struct {
	EDiv uint16
	Rand [8]byte
}

// KeyDistribution is the key material produced by a bonding procedure.
type KeyDistribution struct {
	OwnLTK          []byte
	PeerLTK         []byte
	PeerIRK         []byte
	PeerCSRK        []byte
	MasterID        MasterID
	LESC            bool
	IdentityAddress Addr
}

// AuthStatusPayload reports the end of a pairing/bonding procedure.
type AuthStatusPayload struct {
	Status SecStatus
	Bonded bool
	Keys   *KeyDistribution
}

// SecInfoRequestPayload is the peer asking for our stored encryption keys
// when re-establishing a bonded link.
type SecInfoRequestPayload struct {
	MasterID MasterID
}
