// Package anymerge implements the "any" and "merge" combinator units over N
// upstream sources (spec.md §4.4 "Any / merge unit").
package anymerge

import (
	"context"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

// Mode selects the combination strategy.
type Mode int

const (
	// ModeAny publishes whichever upstream most recently updated with a
	// non-empty set, falling back in configured order when all are empty.
	ModeAny Mode = iota
	// ModeMerge publishes the union of every upstream's current set.
	ModeMerge
)

// Unit combines N upstream links into a single republished set.
type Unit struct {
	*pipeline.Base
	mode    Mode
	sources []*gate.Link // in configured fallback order

	gate  *gate.Gate
	token uint64

	latest []payload.Set // per-source last-seen set, parallel to sources
	lastAt []uint64      // per-source monotonic observation counter, for "any"
	seq    uint64
}

// New creates an any/merge unit reading from sources in the given priority
// order (used by ModeAny as the fallback order when every source is empty).
func New(base *pipeline.Base, mode Mode, sources []*gate.Link) *Unit {
	return &Unit{
		Base:    base,
		mode:    mode,
		sources: sources,
		gate:    gate.New(),
		latest:  make([]payload.Set, len(sources)),
		lastAt:  make([]uint64, len(sources)),
	}
}

// Gate returns the unit's publishing gate.
func (u *Unit) Gate() *gate.Gate { return u.gate }

func (u *Unit) Attach() error {
	if len(u.sources) == 0 {
		return u.Errorf("any/merge unit: at least one source is required")
	}
	return nil
}

func (u *Unit) Prepare() error { return nil }

// Run fans in every source's Updated() concurrently and republishes on any
// change (spec.md §4.4 "Both republish on any upstream change").
func (u *Unit) Run() error {
	u.MarkStarting()
	defer u.MarkStopped()

	type update struct {
		idx int
		set payload.Set
		err error
	}
	updates := make(chan update, len(u.sources))
	for i, link := range u.sources {
		go func(i int, link *gate.Link) {
			for {
				v, state, err := link.Updated(u.Ctx)
				if err != nil {
					select {
					case updates <- update{idx: i, err: err}:
					case <-u.Ctx.Done():
					}
					return
				}
				if state != gate.StateActive {
					continue
				}
				select {
				case updates <- update{idx: i, set: v.Set}:
				case <-u.Ctx.Done():
					return
				}
			}
		}(i, link)
	}

	for {
		select {
		case <-u.Ctx.Done():
			return context.Cause(u.Ctx)
		case up := <-updates:
			if up.err != nil {
				continue // that source's link is done; others keep going
			}
			u.seq++
			u.latest[up.idx] = up.set
			u.lastAt[up.idx] = u.seq
			u.publish()
		}
	}
}

func (u *Unit) publish() {
	var out payload.Set
	switch u.mode {
	case ModeMerge:
		out = payload.NewSet()
		for _, s := range u.latest {
			out = out.Union(s)
		}
	default: // ModeAny
		best := -1
		for i, s := range u.latest {
			if s.Len() == 0 {
				continue
			}
			if best == -1 || u.lastAt[i] > u.lastAt[best] {
				best = i
			}
		}
		if best == -1 {
			// every source empty: fall back to configured order, i.e. the
			// first source, which is itself empty
			out = payload.NewSet()
		} else {
			out = u.latest[best]
		}
	}

	u.token++
	u.gate.Publish(out, u.token)
}

func (u *Unit) Stop() error {
	u.Cancel(nil)
	for _, s := range u.sources {
		s.Drop()
	}
	return nil
}
