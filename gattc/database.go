// Package gattc implements the GATT client side of a connection: the
// discovery procedure that enumerates the peer's attribute database, and
// the queued operation engine that serializes reads, writes, subscriptions
// and long transfers against the hardware queue credits.
package gattc

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/srg/blehost/transport"
)

// NormalizeUUID converts a UUID string to the internal format (lowercase,
// no dashes). Handles both standard dashed format and already normalized
// strings.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Descriptor is one discovered attribute descriptor.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// CCCDUUID is the Client Characteristic Configuration descriptor UUID in
// normalized 16-bit form.
const CCCDUUID = "2902"

// Characteristic is one discovered characteristic. Immutable after
// discovery completes.
type Characteristic struct {
	UUID        string
	DeclHandle  uint16
	ValueHandle uint16
	Properties  transport.CharProps
	Descriptors []*Descriptor
}

// CCCDHandle returns the handle of the Client Characteristic Configuration
// descriptor, or 0 if the characteristic has none.
func (c *Characteristic) CCCDHandle() uint16 {
	for _, d := range c.Descriptors {
		if d.UUID == CCCDUUID {
			return d.Handle
		}
	}
	return 0
}

// Subscribable reports whether the characteristic supports notifications
// or indications.
func (c *Characteristic) Subscribable() bool {
	return c.Properties&(transport.PropNotify|transport.PropIndicate) != 0
}

func (c *Characteristic) String() string {
	return fmt.Sprintf("Characteristic(%s, decl=%d, value=%d)", c.UUID, c.DeclHandle, c.ValueHandle)
}

// Service is one discovered primary service with its characteristics in
// handle order.
type Service struct {
	UUID        string
	StartHandle uint16
	EndHandle   uint16

	chars *orderedmap.OrderedMap[uint16, *Characteristic] // keyed by value handle
}

func newService(r transport.ServiceRange) *Service {
	return &Service{
		UUID:        NormalizeUUID(r.UUID),
		StartHandle: r.StartHandle,
		EndHandle:   r.EndHandle,
		chars:       orderedmap.New[uint16, *Characteristic](),
	}
}

func (s *Service) addCharacteristic(c *Characteristic) {
	s.chars.Set(c.ValueHandle, c)
}

// Characteristics returns the service's characteristics in handle order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// FindCharacteristic returns the first characteristic with the given UUID
// (any format).
func (s *Service) FindCharacteristic(uuid string) (*Characteristic, bool) {
	want := NormalizeUUID(uuid)
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.UUID == want {
			return pair.Value, true
		}
	}
	return nil, false
}

func (s *Service) String() string {
	return fmt.Sprintf("Service(%s, %d..%d)", s.UUID, s.StartHandle, s.EndHandle)
}

// Database is the discovered attribute database of a peer. It is built
// incrementally during discovery, exposed only once discovery completes,
// immutable afterward, and discarded on disconnect.
type Database struct {
	services *orderedmap.OrderedMap[uint16, *Service] // keyed by start handle
}

func newDatabase() *Database {
	return &Database{services: orderedmap.New[uint16, *Service]()}
}

func (db *Database) addService(s *Service) {
	db.services.Set(s.StartHandle, s)
}

// Services returns all discovered primary services in handle order.
func (db *Database) Services() []*Service {
	out := make([]*Service, 0, db.services.Len())
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// FindService returns the first service with the given UUID (any format).
func (db *Database) FindService(uuid string) (*Service, bool) {
	want := NormalizeUUID(uuid)
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.UUID == want {
			return pair.Value, true
		}
	}
	return nil, false
}

// FindCharacteristic returns the first characteristic with the given UUID
// across all services.
func (db *Database) FindCharacteristic(uuid string) (*Characteristic, bool) {
	want := NormalizeUUID(uuid)
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		if c, ok := pair.Value.FindCharacteristic(want); ok {
			return c, true
		}
	}
	return nil, false
}

// CharacteristicByValueHandle returns the characteristic owning the given
// value handle.
func (db *Database) CharacteristicByValueHandle(handle uint16) (*Characteristic, bool) {
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		if c, ok := pair.Value.chars.Get(handle); ok {
			return c, true
		}
	}
	return nil, false
}
