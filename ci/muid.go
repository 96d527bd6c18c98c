// Package ci holds the wire-agnostic domain types shared by the codec,
// initiator, responder, and discovery packages: MUIDs, manufacturer and
// device identity, category support bitsets, and the typed CI message
// envelope.
package ci

import "fmt"

// MUID is a 28-bit MIDI-CI node identifier, transmitted on the wire as
// four 7-bit bytes, LSB first.
type MUID uint32

// BroadcastMUID is the reserved destination MUID meaning "all nodes".
const BroadcastMUID MUID = 0x0FFFFFFF

// maxMUID is the largest value representable in 28 bits.
const maxMUID MUID = 0x0FFFFFFF

// Valid reports whether m fits in 28 bits.
func (m MUID) Valid() bool {
	return m <= maxMUID
}

func (m MUID) String() string {
	return fmt.Sprintf("%07X", uint32(m))
}

// ManufacturerID is either a single 7-bit standard ID (ID != 0x00) or a
// 3-byte extended ID: a leading 0x00 followed by two more 7-bit bytes
// held in Ext.
type ManufacturerID struct {
	ID  byte
	Ext [2]byte // meaningful only when ID == 0x00
}

// StandardManufacturerID builds a single-byte manufacturer ID. id must
// be non-zero and 7-bit.
func StandardManufacturerID(id byte) ManufacturerID {
	return ManufacturerID{ID: id & 0x7F}
}

// ExtendedManufacturerID builds a 3-byte manufacturer ID (wire-encoded
// as 0x00, b1, b2).
func ExtendedManufacturerID(b1, b2 byte) ManufacturerID {
	return ManufacturerID{ID: 0, Ext: [2]byte{b1 & 0x7F, b2 & 0x7F}}
}

// Extended reports whether m encodes to the 3-byte wire form.
func (m ManufacturerID) Extended() bool {
	return m.ID == 0x00
}

// DeviceIdentity is immutable once constructed.
type DeviceIdentity struct {
	Manufacturer ManufacturerID
	FamilyID     uint16 // 14-bit
	ModelID      uint16 // 14-bit
	VersionID    uint32 // 28-bit
}

// CategorySupport is a bitset of the CI categories a node implements.
type CategorySupport byte

const (
	CategoryProtocolNegotiation CategorySupport = 1 << 0
	CategoryProfileConfig       CategorySupport = 1 << 1
	CategoryPropertyExchange    CategorySupport = 1 << 2
	CategoryProcessInquiry      CategorySupport = 1 << 3
)

// Has reports whether the bitset contains cat.
func (c CategorySupport) Has(cat CategorySupport) bool {
	return c&cat != 0
}
