// Package rtr implements the RPKI-to-Router protocol serve engine:
// PDU framing (spec.md §4.3), the per-connection state machine, and the
// bounded diff history that lets reconnecting clients resync incrementally.
//
// This is hand-rolled rather than delegated to a library: spec.md §1 names
// the serve engine as part of this repository's own specified core, and the
// only RTR library available in the domain stack (github.com/bgp/stayrtr/lib)
// is used elsewhere in this repo purely as an RTR *client* (see
// internal/units/rtrclient), exactly as the teacher repo uses it.
//
// The codec encodes and decodes every PDU in both directions even though the
// server only ever needs to decode client PDUs (Reset Query, Serial Query,
// Error Report): a symmetric codec is what the test suite drives against,
// and it is what any future client-side user of this package would need.
package rtr

import "encoding/binary"

// Protocol versions understood by this implementation (spec.md §6).
const (
	Version0 = uint8(0)
	Version1 = uint8(1)
)

// PDU type codes (spec.md §4.3). Cache Reset is deliberately 8, not 7 --
// matching a historical quirk of deployed implementations that spec.md calls
// out by name.
const (
	TypeSerialNotify  = uint8(0)
	TypeSerialQuery   = uint8(1)
	TypeResetQuery    = uint8(2)
	TypeCacheResponse = uint8(3)
	TypeIPv4Prefix    = uint8(4)
	TypeIPv6Prefix    = uint8(6)
	TypeEndOfData     = uint8(7)
	TypeCacheReset    = uint8(8)
	TypeRouterKey     = uint8(9)
	TypeErrorReport   = uint8(10)
)

// Error Report codes (RFC 6810/8210 §5.10, the subset this engine emits).
const (
	ErrCorruptData        = uint16(0)
	ErrInternalError      = uint16(1)
	ErrNoDataAvailable    = uint16(2)
	ErrInvalidRequest     = uint16(3)
	ErrUnsupportedVersion = uint16(4)
	ErrUnsupportedPDU     = uint16(5)
)

// Flags on IPv4/IPv6 Prefix and Router Key PDUs.
const (
	FlagWithdraw = uint8(0)
	FlagAnnounce = uint8(1)
)

// headerLen is the size in bytes of the common RTR PDU header:
// version(1) + pdu_type(1) + field16(2) + length(4).
const headerLen = 8

func putHeader(buf []byte, version, pduType uint8, field16 uint16, length uint32) {
	buf[0] = version
	buf[1] = pduType
	binary.BigEndian.PutUint16(buf[2:4], field16)
	binary.BigEndian.PutUint32(buf[4:8], length)
}
