package testutils

import (
	"fmt"
	"strings"

	"github.com/srg/blehost/transport"
)

const cccdUUID = "2902"

// CharSpec is one characteristic of a synthetic peripheral.
type CharSpec struct {
	UUID        string
	Properties  transport.CharProps
	Value       []byte
	DeclHandle  uint16
	ValueHandle uint16
	Descriptors []*DescSpec
}

// DescSpec is one descriptor of a synthetic peripheral.
type DescSpec struct {
	UUID   string
	Handle uint16
	Value  []byte
}

// ServiceSpec is one primary service of a synthetic peripheral.
type ServiceSpec struct {
	UUID            string
	StartHandle     uint16
	EndHandle       uint16
	Characteristics []*CharSpec
}

// Peripheral is the attribute database a Controller serves.
type Peripheral struct {
	Services []*ServiceSpec
	values   map[uint16][]byte
}

// ParseProps converts a comma-separated property list ("read,write,notify")
// into the wire bitmask. Panics on unknown names; tests own their specs.
func ParseProps(props string) transport.CharProps {
	var out transport.CharProps
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "":
		case "read":
			out |= transport.PropRead
		case "write":
			out |= transport.PropWrite
		case "write-no-response":
			out |= transport.PropWriteWithoutResponse
		case "notify":
			out |= transport.PropNotify
		case "indicate":
			out |= transport.PropIndicate
		case "broadcast":
			out |= transport.PropBroadcast
		default:
			panic(fmt.Sprintf("ParseProps: unknown property %q", p))
		}
	}
	return out
}

// PeripheralBuilder assembles a synthetic peripheral. Handles are assigned
// sequentially unless explicit ranges are given.
type PeripheralBuilder struct {
	services []*ServiceSpec
	next     uint16
}

// NewPeripheral creates an empty peripheral builder.
func NewPeripheral() *PeripheralBuilder {
	return &PeripheralBuilder{next: 1}
}

// WithService adds a primary service; its end handle is settled at Build.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.closeService(0)
	b.services = append(b.services, &ServiceSpec{
		UUID:        uuid,
		StartHandle: b.next,
	})
	b.next++
	return b
}

// WithServiceAt adds a primary service with an explicit handle range so
// tests can model gaps and exact windows.
func (b *PeripheralBuilder) WithServiceAt(uuid string, start, end uint16) *PeripheralBuilder {
	b.closeService(0)
	b.services = append(b.services, &ServiceSpec{
		UUID:        uuid,
		StartHandle: start,
		EndHandle:   end,
	})
	b.next = start + 1
	return b
}

// WithCharacteristic adds a characteristic to the last added service. A
// notify or indicate property gets a CCCD automatically.
func (b *PeripheralBuilder) WithCharacteristic(uuid, props string, value []byte) *PeripheralBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := b.services[len(b.services)-1]
	c := &CharSpec{
		UUID:        uuid,
		Properties:  ParseProps(props),
		Value:       value,
		DeclHandle:  b.next,
		ValueHandle: b.next + 1,
	}
	b.next += 2
	svc.Characteristics = append(svc.Characteristics, c)
	if c.Properties&(transport.PropNotify|transport.PropIndicate) != 0 {
		b.WithDescriptor(cccdUUID, []byte{0x00, 0x00})
	}
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *PeripheralBuilder) WithDescriptor(uuid string, value []byte) *PeripheralBuilder {
	if len(b.services) == 0 || len(b.services[len(b.services)-1].Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet")
	}
	svc := b.services[len(b.services)-1]
	c := svc.Characteristics[len(svc.Characteristics)-1]
	c.Descriptors = append(c.Descriptors, &DescSpec{
		UUID:   uuid,
		Handle: b.next,
		Value:  value,
	})
	b.next++
	return b
}

// closeService settles the end handle of the service under construction.
func (b *PeripheralBuilder) closeService(explicit uint16) {
	if len(b.services) == 0 {
		return
	}
	svc := b.services[len(b.services)-1]
	if svc.EndHandle != 0 {
		return
	}
	if explicit != 0 {
		svc.EndHandle = explicit
		return
	}
	svc.EndHandle = b.next - 1
}

// Build settles handle ranges and returns the peripheral.
func (b *PeripheralBuilder) Build() *Peripheral {
	b.closeService(0)
	p := &Peripheral{
		Services: b.services,
		values:   make(map[uint16][]byte),
	}
	for _, svc := range b.services {
		for _, c := range svc.Characteristics {
			p.values[c.ValueHandle] = append([]byte(nil), c.Value...)
			for _, d := range c.Descriptors {
				p.values[d.Handle] = append([]byte(nil), d.Value...)
			}
		}
	}
	return p
}

// Value returns the current stored value of a handle.
func (p *Peripheral) Value(handle uint16) []byte { return p.values[handle] }

// SetValue replaces the stored value of a handle.
func (p *Peripheral) SetValue(handle uint16, value []byte) { p.values[handle] = value }

// Char finds a characteristic spec by UUID.
func (p *Peripheral) Char(uuid string) *CharSpec {
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			if strings.EqualFold(c.UUID, uuid) {
				return c
			}
		}
	}
	return nil
}
