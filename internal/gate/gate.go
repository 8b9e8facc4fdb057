// Package gate implements the pipeline's single-writer / multi-reader
// publication primitive (spec.md §4.1). A Gate is owned by a unit; Links are
// held by its consumers. Publishing never blocks on a slow consumer:
// state is kept behind an atomic.Pointer (the same discipline
// stages/rpki/rpki.go in the teacher repo uses for its ROA cache), and
// readers are woken through a per-link channel of capacity 1 -- a pending
// notification is just a boolean "something changed" (spec.md §5).
package gate

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sumkincpp/rtrtr/internal/payload"
)

// State is the gate's lifecycle state, observed by links (spec.md §4.1,
// §4.2).
type State int

const (
	StateActive State = iota
	StateReloading
	StateGone
)

type version struct {
	value payload.Versioned
	state State
}

// Gate is the publishing side of the primitive, owned by exactly one unit.
type Gate struct {
	cur   atomic.Pointer[version]
	links *xsync.Map[uint64, *Link]
	nextL atomic.Uint64
}

// New creates an empty, active Gate.
func New() *Gate {
	g := &Gate{links: xsync.NewMap[uint64, *Link]()}
	g.cur.Store(&version{state: StateActive})
	return g
}

// Publish atomically installs a new current value and wakes every subscribed
// link. It never blocks on a slow consumer (spec.md §4.1, §5).
func (g *Gate) Publish(set payload.Set, token uint64) {
	g.cur.Store(&version{value: payload.Versioned{Set: set, Token: token}, state: StateActive})
	g.links.Range(func(_ uint64, l *Link) bool {
		l.notify()
		return true
	})
}

// SetState transitions the gate's lifecycle state without changing its
// published value (used for "reloading" during unit replacement, and "gone"
// on fatal unit failure -- spec.md §4.1, §4.2).
func (g *Gate) SetState(s State) {
	old := g.cur.Load()
	g.cur.Store(&version{value: old.value, state: s})
	g.links.Range(func(_ uint64, l *Link) bool {
		l.notify()
		return true
	})
}

// Current returns the gate's current value and state without waiting.
func (g *Gate) Current() (payload.Versioned, State) {
	v := g.cur.Load()
	return v.value, v.state
}

// Subscribe registers a new Link. Registration is O(1) (spec.md §4.1).
func (g *Gate) Subscribe() *Link {
	id := g.nextL.Add(1)
	l := &Link{id: id, gate: g, signal: make(chan struct{}, 1)}
	l.lastSeen.Store(^uint64(0)) // sentinel: no version observed yet
	l.lastState.Store(-1)        // sentinel: no state observed yet
	g.links.Store(id, l)
	return l
}

// drop deregisters a Link. Deregistration must not block other consumers
// (spec.md §4.1); the underlying map's Delete is lock-free with respect to
// concurrent readers of other keys.
func (g *Gate) drop(id uint64) {
	g.links.Delete(id)
}

// Link is the subscribing side of the primitive, held by one consumer.
type Link struct {
	id        uint64
	gate      *Gate
	signal    chan struct{}
	lastSeen  atomic.Uint64
	lastState atomic.Int32

	closeOnce sync.Once
}

func (l *Link) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
		// a notification is already pending: coalescing (spec.md §4.1)
	}
}

// Current returns the linked gate's current value without waiting
// (spec.md §4.1).
func (l *Link) Current() (payload.Versioned, State) {
	return l.gate.Current()
}

// Drop deregisters the link. Safe to call more than once.
func (l *Link) Drop() {
	l.closeOnce.Do(func() {
		l.gate.drop(l.id)
	})
}
