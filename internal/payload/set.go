package payload

import "slices"

// Set is an immutable, deduplicated, totally ordered collection of payloads.
// Once built, a Set is never mutated; every change produces a new Set value
// (spec.md §3: "Logically immutable once published; each new version is a
// distinct value"). The zero Set is a valid empty set.
type Set struct {
	items []Payload // sorted per Compare, deduplicated
}

// NewSet builds a Set from arbitrary (possibly duplicate, unordered) payloads.
func NewSet(items ...Payload) Set {
	cp := slices.Clone(items)
	slices.SortFunc(cp, Compare)
	cp = slices.CompactFunc(cp, Equal)
	return Set{items: cp}
}

// Len returns the number of payloads in the set.
func (s Set) Len() int { return len(s.items) }

// Items returns the set's payloads in their canonical order. The returned
// slice must not be mutated by the caller.
func (s Set) Items() []Payload { return s.items }

// Contains reports whether p is a member of s.
func (s Set) Contains(p Payload) bool {
	_, ok := slices.BinarySearchFunc(s.items, p, Compare)
	return ok
}

// Equal reports whether two sets contain the same payloads.
func (s Set) Equal(o Set) bool {
	return slices.EqualFunc(s.items, o.items, Equal)
}

// Union returns the set union of s and o.
func (s Set) Union(o Set) Set {
	merged := make([]Payload, 0, len(s.items)+len(o.items))
	merged = append(merged, s.items...)
	merged = append(merged, o.items...)
	return NewSet(merged...)
}

// Without returns s with every payload matching drop removed.
func (s Set) Without(drop func(Payload) bool) Set {
	out := make([]Payload, 0, len(s.items))
	for _, p := range s.items {
		if !drop(p) {
			out = append(out, p)
		}
	}
	return Set{items: out}
}

// Versioned pairs a Set with the opaque, monotonic-per-producer update token
// that accompanies every published version (spec.md §3).
type Versioned struct {
	Set   Set
	Token uint64
}
