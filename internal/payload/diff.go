package payload

// Diff is the disjoint (announce, withdraw) pair that transforms a
// predecessor Set into its successor (spec.md §3). Applying a Diff to its
// predecessor yields the successor; Diff never contains a payload in both
// halves.
type Diff struct {
	Announce Set
	Withdraw Set
}

// NewDiff computes the diff that transforms from into to.
func NewDiff(from, to Set) Diff {
	var announce, withdraw []Payload
	i, j := 0, 0
	for i < len(from.items) && j < len(to.items) {
		switch c := Compare(from.items[i], to.items[j]); {
		case c == 0:
			i++
			j++
		case c < 0:
			withdraw = append(withdraw, from.items[i])
			i++
		default:
			announce = append(announce, to.items[j])
			j++
		}
	}
	withdraw = append(withdraw, from.items[i:]...)
	announce = append(announce, to.items[j:]...)
	return Diff{Announce: NewSet(announce...), Withdraw: NewSet(withdraw...)}
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool {
	return d.Announce.Len() == 0 && d.Withdraw.Len() == 0
}

// Apply applies d to its predecessor set from, returning the successor.
// Apply(NewDiff(a, b), a) == b for all a, b.
func Apply(d Diff, from Set) Set {
	return from.Without(d.Withdraw.Contains).Union(d.Announce)
}

// Combine merges two adjacent diffs (from→mid, mid→to) into a single
// from→to diff, per spec.md §4.3: "combined-diff = (final ∖ start, start ∖
// final)". Combine(NewDiff(a,b), NewDiff(b,c)) == NewDiff(a,c) for all a,b,c;
// this is what lets the RTR server answer an incremental query spanning
// several history entries with one merged response instead of replaying each
// diff separately.
func Combine(first, second Diff) Diff {
	// A payload can only straddle both diffs in one of two ways: announced in
	// first and withdrawn again in second (net: never visible at the
	// endpoints, cancels), or withdrawn in first and re-announced in second
	// (net: present at both endpoints, also cancels). Anything else carries
	// through unchanged.
	announce := first.Announce.Without(second.Withdraw.Contains).
		Union(second.Announce.Without(first.Withdraw.Contains))
	withdraw := first.Withdraw.Without(second.Announce.Contains).
		Union(second.Withdraw.Without(first.Announce.Contains))
	return Diff{Announce: announce, Withdraw: withdraw}
}

// CombineAll folds a contiguous sequence of diffs (oldest first) into one
// diff describing the net transition from before the first to after the
// last.
func CombineAll(diffs []Diff) Diff {
	if len(diffs) == 0 {
		return Diff{}
	}
	out := diffs[0]
	for _, d := range diffs[1:] {
		out = Combine(out, d)
	}
	return out
}
