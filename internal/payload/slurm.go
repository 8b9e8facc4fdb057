package payload

import "net/netip"

// PrefixFilter drops any RouteOrigin payload matching it (RFC 8416 §4.1).
// An invalid Prefix matches any prefix and HasASN false matches any ASN; a
// filter with neither a valid Prefix nor HasASN matches nothing.
type PrefixFilter struct {
	Prefix  netip.Prefix
	ASN     uint32 // only compared when HasASN is set
	HasASN  bool
}

// BGPsecFilter drops any RouterKey payload matching it.
type BGPsecFilter struct {
	ASN    uint32
	HasASN bool
	SKI    [20]byte
	HasSKI bool
}

// PrefixAssertion injects a RouteOrigin payload.
type PrefixAssertion struct {
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

// BGPsecAssertion injects a RouterKey payload.
type BGPsecAssertion struct {
	ASN                  uint32
	SKI                  [20]byte
	SubjectPublicKeyInfo []byte
}

// Slurm is a local-exception ("SLURM", RFC 8416) configuration: two lists of
// filters (drop matches) and two lists of assertions (inject).
type Slurm struct {
	PrefixFilters    []PrefixFilter
	BGPsecFilters    []BGPsecFilter
	PrefixAssertions []PrefixAssertion
	BGPsecAssertions []BGPsecAssertion
}

func (f PrefixFilter) matches(ro RouteOrigin) bool {
	if f.Prefix.IsValid() && !(f.Prefix.Contains(ro.Prefix.Addr()) && ro.Prefix.Bits() >= f.Prefix.Bits()) {
		return false
	}
	if f.HasASN && f.ASN != ro.ASN {
		return false
	}
	return f.Prefix.IsValid() || f.HasASN
}

func (f BGPsecFilter) matches(rk RouterKey) bool {
	matched := false
	if f.HasASN {
		if f.ASN != rk.ASN {
			return false
		}
		matched = true
	}
	if f.HasSKI {
		if f.SKI != rk.SubjectKeyID {
			return false
		}
		matched = true
	}
	return matched
}

// Apply filters out matches then unions in assertions, per spec.md §3 and
// the Open Question resolution in SPEC_FULL.md: assertions always win,
// because they are unioned in after filtering runs, so a filter can never
// remove a payload injected by an assertion for the same prefix+ASN.
func (s Slurm) Apply(in Set) Set {
	filtered := in.Without(func(p Payload) bool {
		switch p.Kind {
		case KindRouteOrigin:
			for _, f := range s.PrefixFilters {
				if f.matches(p.RouteOrigin) {
					return true
				}
			}
		case KindRouterKey:
			for _, f := range s.BGPsecFilters {
				if f.matches(p.RouterKey) {
					return true
				}
			}
		}
		return false
	})

	var inject []Payload
	for _, a := range s.PrefixAssertions {
		inject = append(inject, NewRouteOrigin(a.Prefix, a.MaxLength, a.ASN))
	}
	for _, a := range s.BGPsecAssertions {
		inject = append(inject, NewRouterKey(a.SKI, a.ASN, a.SubjectPublicKeyInfo))
	}

	return filtered.Union(NewSet(inject...))
}
