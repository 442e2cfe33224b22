//go:build test

package gattc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blehost/transport"
)

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "180d", NormalizeUUID("180D"))
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e",
		NormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Equal(t, "2a37", NormalizeUUID("2a37"))
}

func buildTestDatabase() *Database {
	db := newDatabase()

	hr := newService(transport.ServiceRange{UUID: "180D", StartHandle: 1, EndHandle: 10})
	hr.addCharacteristic(&Characteristic{
		UUID: "2a37", DeclHandle: 2, ValueHandle: 3,
		Properties:  transport.PropNotify,
		Descriptors: []*Descriptor{{UUID: CCCDUUID, Handle: 4}},
	})
	hr.addCharacteristic(&Characteristic{
		UUID: "2a38", DeclHandle: 5, ValueHandle: 6,
		Properties: transport.PropRead,
	})
	db.addService(hr)

	batt := newService(transport.ServiceRange{UUID: "180F", StartHandle: 11, EndHandle: 20})
	batt.addCharacteristic(&Characteristic{
		UUID: "2a19", DeclHandle: 12, ValueHandle: 13,
		Properties: transport.PropRead | transport.PropIndicate,
		Descriptors: []*Descriptor{
			{UUID: "2901", Handle: 14},
			{UUID: CCCDUUID, Handle: 15},
		},
	})
	db.addService(batt)
	return db
}

func TestDatabaseLookups(t *testing.T) {
	// GOAL: Verify handle-ordered iteration and UUID lookups in any input
	// format
	db := buildTestDatabase()

	services := db.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "180d", services[0].UUID, "services MUST iterate in handle order")
	assert.Equal(t, "180f", services[1].UUID)

	svc, ok := db.FindService("180D")
	require.True(t, ok, "lookup MUST accept uppercase input")
	assert.Equal(t, uint16(1), svc.StartHandle)

	char, ok := db.FindCharacteristic("2A19")
	require.True(t, ok)
	assert.Equal(t, uint16(13), char.ValueHandle)

	char, ok = db.CharacteristicByValueHandle(6)
	require.True(t, ok)
	assert.Equal(t, "2a38", char.UUID)

	_, ok = db.FindCharacteristic("ffff")
	assert.False(t, ok, "unknown UUID MUST NOT match")
}

func TestCharacteristicHelpers(t *testing.T) {
	db := buildTestDatabase()

	hrm, _ := db.FindCharacteristic("2a37")
	assert.True(t, hrm.Subscribable(), "notify property MUST be subscribable")
	assert.Equal(t, uint16(4), hrm.CCCDHandle(), "CCCD MUST be found among descriptors")

	loc, _ := db.FindCharacteristic("2a38")
	assert.False(t, loc.Subscribable(), "read-only characteristic MUST NOT be subscribable")
	assert.Zero(t, loc.CCCDHandle(), "characteristic without CCCD MUST report handle 0")

	batt, _ := db.FindCharacteristic("2a19")
	assert.Equal(t, uint16(15), batt.CCCDHandle(), "CCCD MUST be found after other descriptors")
}

func TestDescriptorRangeBounds(t *testing.T) {
	// GOAL: Verify descriptor windows are bounded by the next declaration
	// and by the service end
	svc := newService(transport.ServiceRange{UUID: "180d", StartHandle: 1, EndHandle: 10})
	chars := []*Characteristic{
		{UUID: "2a37", DeclHandle: 2, ValueHandle: 3},
		{UUID: "2a38", DeclHandle: 6, ValueHandle: 7},
	}

	start, end, ok := descriptorRange(svc, chars, 0)
	require.True(t, ok)
	assert.Equal(t, uint16(4), start, "range MUST start after the value handle")
	assert.Equal(t, uint16(5), end, "range MUST stop before the next declaration")

	start, end, ok = descriptorRange(svc, chars, 1)
	require.True(t, ok)
	assert.Equal(t, uint16(8), start)
	assert.Equal(t, uint16(10), end, "last characteristic MUST extend to the service end")

	tight := []*Characteristic{
		{UUID: "2a37", DeclHandle: 2, ValueHandle: 3},
		{UUID: "2a38", DeclHandle: 4, ValueHandle: 5},
	}
	_, _, ok = descriptorRange(svc, tight, 0)
	assert.False(t, ok, "adjacent declarations MUST yield an empty range")
}
