package rtr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// ResetQuery is sent by the client to request a full data dump.
type ResetQuery struct{}

// SerialQuery is sent by the client to request an incremental update from
// its last known serial.
type SerialQuery struct {
	SessionID uint16
	Serial    uint32
}

// CacheResponse precedes a full or incremental dump.
type CacheResponse struct {
	SessionID uint16
}

// IPv4Prefix carries one IPv4 VRP.
type IPv4Prefix struct {
	Flags     uint8
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

// IPv6Prefix carries one IPv6 VRP.
type IPv6Prefix struct {
	Flags     uint8
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

// RouterKey carries one router key record. Only emitted under protocol
// version 1 (spec.md §9 Open Question).
type RouterKey struct {
	Flags                uint8
	SubjectKeyID         [20]byte
	ASN                  uint32
	SubjectPublicKeyInfo []byte
}

// EndOfData closes a full or incremental dump.
type EndOfData struct {
	SessionID uint16
	Serial    uint32
	Refresh   uint32
	Retry     uint32
	Expire    uint32
}

// CacheReset tells the client to issue a Reset Query: either its serial is
// unknown to the server (session mismatch) or too old (history gap).
type CacheReset struct{}

// SerialNotify hints to the client that a new serial is available.
type SerialNotify struct {
	SessionID uint16
	Serial    uint32
}

// ErrorReport carries a protocol error, optionally echoing the offending PDU.
type ErrorReport struct {
	ErrorCode   uint16
	PDUCopy     []byte
	ErrorText   string
}

// Encode serializes a PDU for the given protocol version.
func Encode(version uint8, sessionID uint16, p any) ([]byte, error) {
	switch v := p.(type) {
	case ResetQuery:
		return encodeFixed(version, TypeResetQuery, 0, nil), nil
	case SerialQuery:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, v.Serial)
		return encodeFixed(version, TypeSerialQuery, v.SessionID, body), nil
	case CacheResponse:
		return encodeFixed(version, TypeCacheResponse, v.SessionID, nil), nil
	case IPv4Prefix:
		return encodeIPv4(version, v), nil
	case IPv6Prefix:
		return encodeIPv6(version, v), nil
	case RouterKey:
		return encodeRouterKey(version, v), nil
	case EndOfData:
		return encodeEndOfData(version, v), nil
	case CacheReset:
		return encodeFixed(version, TypeCacheReset, 0, nil), nil
	case SerialNotify:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, v.Serial)
		return encodeFixed(version, TypeSerialNotify, v.SessionID, body), nil
	case ErrorReport:
		return encodeErrorReport(version, v), nil
	default:
		return nil, fmt.Errorf("rtr: unknown PDU type %T", p)
	}
}

func encodeFixed(version, pduType uint8, field16 uint16, body []byte) []byte {
	length := uint32(headerLen + len(body))
	buf := make([]byte, length)
	putHeader(buf, version, pduType, field16, length)
	copy(buf[headerLen:], body)
	return buf
}

func encodeIPv4(version uint8, v IPv4Prefix) []byte {
	buf := make([]byte, headerLen+12)
	putHeader(buf, version, TypeIPv4Prefix, 0, uint32(len(buf)))
	buf[headerLen] = v.Flags
	buf[headerLen+1] = uint8(v.Prefix.Bits())
	buf[headerLen+2] = v.MaxLength
	buf[headerLen+3] = 0 // zero
	addr := v.Prefix.Addr().As4()
	copy(buf[headerLen+4:headerLen+8], addr[:])
	binary.BigEndian.PutUint32(buf[headerLen+8:headerLen+12], v.ASN)
	return buf
}

func encodeIPv6(version uint8, v IPv6Prefix) []byte {
	buf := make([]byte, headerLen+24)
	putHeader(buf, version, TypeIPv6Prefix, 0, uint32(len(buf)))
	buf[headerLen] = v.Flags
	buf[headerLen+1] = uint8(v.Prefix.Bits())
	buf[headerLen+2] = v.MaxLength
	buf[headerLen+3] = 0 // zero
	addr := v.Prefix.Addr().As16()
	copy(buf[headerLen+4:headerLen+20], addr[:])
	binary.BigEndian.PutUint32(buf[headerLen+20:headerLen+24], v.ASN)
	return buf
}

func encodeRouterKey(version uint8, v RouterKey) []byte {
	length := headerLen + 20 + 4 + 2 + len(v.SubjectPublicKeyInfo)
	buf := make([]byte, length)
	putHeader(buf, version, TypeRouterKey, uint16(v.Flags)<<8, uint32(length))
	copy(buf[headerLen:headerLen+20], v.SubjectKeyID[:])
	binary.BigEndian.PutUint32(buf[headerLen+20:headerLen+24], v.ASN)
	binary.BigEndian.PutUint16(buf[headerLen+24:headerLen+26], uint16(len(v.SubjectPublicKeyInfo)))
	copy(buf[headerLen+26:], v.SubjectPublicKeyInfo)
	return buf
}

func encodeEndOfData(version uint8, v EndOfData) []byte {
	if version == Version0 {
		buf := make([]byte, headerLen+4)
		putHeader(buf, version, TypeEndOfData, v.SessionID, uint32(len(buf)))
		binary.BigEndian.PutUint32(buf[headerLen:], v.Serial)
		return buf
	}
	buf := make([]byte, headerLen+16)
	putHeader(buf, version, TypeEndOfData, v.SessionID, uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[headerLen:headerLen+4], v.Serial)
	binary.BigEndian.PutUint32(buf[headerLen+4:headerLen+8], v.Refresh)
	binary.BigEndian.PutUint32(buf[headerLen+8:headerLen+12], v.Retry)
	binary.BigEndian.PutUint32(buf[headerLen+12:headerLen+16], v.Expire)
	return buf
}

func encodeErrorReport(version uint8, v ErrorReport) []byte {
	textBytes := []byte(v.ErrorText)
	length := headerLen + 4 + len(v.PDUCopy) + 4 + len(textBytes)
	buf := make([]byte, length)
	putHeader(buf, version, TypeErrorReport, v.ErrorCode, uint32(length))
	off := headerLen
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(v.PDUCopy)))
	off += 4
	copy(buf[off:], v.PDUCopy)
	off += len(v.PDUCopy)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(textBytes)))
	off += 4
	copy(buf[off:], textBytes)
	return buf
}

// Decode reads a single PDU from r, dispatching on the header's pdu_type.
// It returns the negotiated-version byte read from the header so callers can
// detect a version mismatch on subsequent PDUs (spec.md §4.3). It handles
// every PDU type in both directions: the server only ever needs to decode
// Reset Query, Serial Query and Error Report from a client, but a full
// decoder lets tests and any future client-side consumer of this codec read
// the server's responses too.
func Decode(r io.Reader) (version uint8, pdu any, err error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	version = hdr[0]
	pduType := hdr[1]
	field16 := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length < headerLen {
		return version, nil, fmt.Errorf("rtr: invalid PDU length %d", length)
	}
	body := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return version, nil, err
	}

	switch pduType {
	case TypeResetQuery:
		return version, ResetQuery{}, nil
	case TypeSerialQuery:
		if len(body) < 4 {
			return version, nil, fmt.Errorf("rtr: short Serial Query")
		}
		return version, SerialQuery{SessionID: field16, Serial: binary.BigEndian.Uint32(body[:4])}, nil
	case TypeCacheResponse:
		return version, CacheResponse{SessionID: field16}, nil
	case TypeIPv4Prefix:
		return version, decodeIPv4(body)
	case TypeIPv6Prefix:
		return version, decodeIPv6(body)
	case TypeRouterKey:
		return version, decodeRouterKey(field16, body)
	case TypeEndOfData:
		return version, decodeEndOfData(version, field16, body)
	case TypeCacheReset:
		return version, CacheReset{}, nil
	case TypeSerialNotify:
		if len(body) < 4 {
			return version, nil, fmt.Errorf("rtr: short Serial Notify")
		}
		return version, SerialNotify{SessionID: field16, Serial: binary.BigEndian.Uint32(body[:4])}, nil
	case TypeErrorReport:
		return version, decodeErrorReport(field16, body), nil
	default:
		return version, nil, fmt.Errorf("rtr: unsupported PDU type %d", pduType)
	}
}

func decodeIPv4(body []byte) (IPv4Prefix, error) {
	if len(body) < 12 {
		return IPv4Prefix{}, fmt.Errorf("rtr: short IPv4 Prefix")
	}
	addr := netip.AddrFrom4([4]byte(body[4:8]))
	return IPv4Prefix{
		Flags:     body[0],
		Prefix:    netip.PrefixFrom(addr, int(body[1])),
		MaxLength: body[2],
		ASN:       binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

func decodeIPv6(body []byte) (IPv6Prefix, error) {
	if len(body) < 24 {
		return IPv6Prefix{}, fmt.Errorf("rtr: short IPv6 Prefix")
	}
	addr := netip.AddrFrom16([16]byte(body[4:20]))
	return IPv6Prefix{
		Flags:     body[0],
		Prefix:    netip.PrefixFrom(addr, int(body[1])),
		MaxLength: body[2],
		ASN:       binary.BigEndian.Uint32(body[20:24]),
	}, nil
}

func decodeRouterKey(flags uint16, body []byte) (RouterKey, error) {
	if len(body) < 26 {
		return RouterKey{}, fmt.Errorf("rtr: short Router Key")
	}
	var ski [20]byte
	copy(ski[:], body[:20])
	asn := binary.BigEndian.Uint32(body[20:24])
	spkiLen := binary.BigEndian.Uint16(body[24:26])
	if len(body) < 26+int(spkiLen) {
		return RouterKey{}, fmt.Errorf("rtr: short Router Key SPKI")
	}
	spki := make([]byte, spkiLen)
	copy(spki, body[26:26+int(spkiLen)])
	return RouterKey{Flags: uint8(flags >> 8), SubjectKeyID: ski, ASN: asn, SubjectPublicKeyInfo: spki}, nil
}

func decodeEndOfData(version uint8, sessionID uint16, body []byte) (EndOfData, error) {
	if len(body) < 4 {
		return EndOfData{}, fmt.Errorf("rtr: short End of Data")
	}
	e := EndOfData{SessionID: sessionID, Serial: binary.BigEndian.Uint32(body[:4])}
	if version == Version0 {
		return e, nil
	}
	if len(body) < 16 {
		return EndOfData{}, fmt.Errorf("rtr: short End of Data")
	}
	e.Refresh = binary.BigEndian.Uint32(body[4:8])
	e.Retry = binary.BigEndian.Uint32(body[8:12])
	e.Expire = binary.BigEndian.Uint32(body[12:16])
	return e, nil
}

func decodeErrorReport(code uint16, body []byte) ErrorReport {
	if len(body) < 4 {
		return ErrorReport{ErrorCode: code}
	}
	pduLen := binary.BigEndian.Uint32(body[:4])
	off := 4 + int(pduLen)
	if off+4 > len(body) {
		return ErrorReport{ErrorCode: code, PDUCopy: body[4:]}
	}
	textLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	text := ""
	if off+int(textLen) <= len(body) {
		text = string(body[off : off+int(textLen)])
	}
	return ErrorReport{ErrorCode: code, PDUCopy: body[4 : 4+int(pduLen)], ErrorText: text}
}
