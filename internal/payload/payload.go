// Package payload implements the RTRTR data model: a single validated payload
// (route origin, router key, or ASPA record), ordered sets of payloads, and
// diffs between sets.
package payload

import (
	"cmp"
	"net/netip"
)

// Kind discriminates the payload variants. The numeric order is also the sort
// order used by Compare, so it must not be renumbered casually: changing it
// changes wire order in full syncs (spec.md §3, §4.3).
type Kind uint8

const (
	KindRouteOrigin Kind = iota
	KindRouterKey
	KindAspa
)

// RouteOrigin is a VRP: a validated (prefix, max-length, origin-ASN) triple.
type RouteOrigin struct {
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

// RouterKey is a BGPsec router key record.
type RouterKey struct {
	SubjectKeyID         [20]byte
	ASN                  uint32
	SubjectPublicKeyInfo []byte
}

// Aspa is an ASPA record: a customer AS and its set of allowed providers.
type Aspa struct {
	CustomerASN uint32
	Providers   []uint32
}

// Payload is a single record in a payload set. Exactly one of the typed
// fields is meaningful, selected by Kind. Payload is a value type compared by
// value through Compare; it holds slices, so it is not usable with == or as
// a map key.
type Payload struct {
	Kind        Kind
	RouteOrigin RouteOrigin
	RouterKey   RouterKey
	Aspa        Aspa
}

// NewRouteOrigin builds a Payload wrapping a RouteOrigin.
func NewRouteOrigin(prefix netip.Prefix, maxLength uint8, asn uint32) Payload {
	return Payload{
		Kind:        KindRouteOrigin,
		RouteOrigin: RouteOrigin{Prefix: prefix.Masked(), MaxLength: maxLength, ASN: asn},
	}
}

// NewRouterKey builds a Payload wrapping a RouterKey.
func NewRouterKey(ski [20]byte, asn uint32, spki []byte) Payload {
	return Payload{
		Kind:      KindRouterKey,
		RouterKey: RouterKey{SubjectKeyID: ski, ASN: asn, SubjectPublicKeyInfo: spki},
	}
}

// NewAspa builds a Payload wrapping an Aspa record. Providers are copied and
// sorted so equal ASPAs compare equal regardless of input order.
func NewAspa(customerASN uint32, providers []uint32) Payload {
	p := make([]uint32, len(providers))
	copy(p, providers)
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j-1] > p[j]; j-- {
			p[j-1], p[j] = p[j], p[j-1]
		}
	}
	return Payload{Kind: KindAspa, Aspa: Aspa{CustomerASN: customerASN, Providers: p}}
}

// Compare gives the total order over payloads defined in spec.md §3: by
// variant tag, then by fields in declared order. It is used for stable
// serialization and deterministic diffs.
func Compare(a, b Payload) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	switch a.Kind {
	case KindRouteOrigin:
		return compareRouteOrigin(a.RouteOrigin, b.RouteOrigin)
	case KindRouterKey:
		return compareRouterKey(a.RouterKey, b.RouterKey)
	case KindAspa:
		return compareAspa(a.Aspa, b.Aspa)
	default:
		return 0
	}
}

func compareRouteOrigin(a, b RouteOrigin) int {
	if c := comparePrefix(a.Prefix, b.Prefix); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MaxLength, b.MaxLength); c != 0 {
		return c
	}
	return cmp.Compare(a.ASN, b.ASN)
}

func compareRouterKey(a, b RouterKey) int {
	for i := range a.SubjectKeyID {
		if c := cmp.Compare(a.SubjectKeyID[i], b.SubjectKeyID[i]); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.ASN, b.ASN); c != 0 {
		return c
	}
	n := min(len(a.SubjectPublicKeyInfo), len(b.SubjectPublicKeyInfo))
	for i := 0; i < n; i++ {
		if c := cmp.Compare(a.SubjectPublicKeyInfo[i], b.SubjectPublicKeyInfo[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.SubjectPublicKeyInfo), len(b.SubjectPublicKeyInfo))
}

func compareAspa(a, b Aspa) int {
	if c := cmp.Compare(a.CustomerASN, b.CustomerASN); c != 0 {
		return c
	}
	n := min(len(a.Providers), len(b.Providers))
	for i := 0; i < n; i++ {
		if c := cmp.Compare(a.Providers[i], b.Providers[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.Providers), len(b.Providers))
}

func comparePrefix(a, b netip.Prefix) int {
	aa, ba := a.Addr(), b.Addr()
	if c := cmp.Compare(boolToInt(aa.Is6()), boolToInt(ba.Is6())); c != 0 {
		return c
	}
	abytes, bbytes := aa.AsSlice(), ba.AsSlice()
	for i := 0; i < len(abytes) && i < len(bbytes); i++ {
		if c := cmp.Compare(abytes[i], bbytes[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Equal reports whether two payloads are identical.
func Equal(a, b Payload) bool {
	return Compare(a, b) == 0
}
