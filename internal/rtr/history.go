package rtr

import (
	"sync"

	"github.com/sumkincpp/rtrtr/internal/payload"
)

// entry is one diff tagged with the serial number it produces.
type entry struct {
	serial uint32
	diff   payload.Diff
}

// History is the bounded, per-RTR-target sequence of the most recent k
// diffs (spec.md §3 "Diff history"). It always covers a contiguous serial
// range ending at the current serial; eviction is FIFO and is the only
// growth bound, so History never grows past its configured size regardless
// of update rate (spec.md §3 invariant, §8 scenario 5).
type History struct {
	mu      sync.RWMutex
	size    int
	entries []entry // oldest first; entries[i].diff transforms the serial
	// immediately before it into entries[i].serial
	base   uint32 // serial immediately preceding entries[0], if any
	serial uint32 // current serial (== entries[len-1].serial if non-empty)
}

// NewHistory creates an empty history bounded at size diffs, starting at the
// given initial serial.
func NewHistory(size int, initialSerial uint32) *History {
	if size < 1 {
		size = 1 // SPEC_FULL.md: history-size is clamped to a sane minimum
	}
	return &History{size: size, serial: initialSerial, base: initialSerial}
}

// Serial returns the current serial number.
func (h *History) Serial() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.serial
}

// Push records the diff that advances the history to newSerial, evicting the
// oldest entry if the history is at capacity.
func (h *History) Push(newSerial uint32, d payload.Diff) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry{serial: newSerial, diff: d})
	for len(h.entries) > h.size {
		h.base = h.entries[0].serial
		h.entries = h.entries[1:]
	}
	h.serial = newSerial
}

// Len returns the number of diffs currently retained.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Lookup returns the combined diff that takes a client from fromSerial to the
// current serial, per spec.md §4.3. ok is false if fromSerial is not covered
// by the retained history (a gap too large), in which case the caller must
// issue a Cache Reset.
func (h *History) Lookup(fromSerial uint32) (d payload.Diff, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if fromSerial == h.serial {
		return payload.Diff{}, true // already current: empty diff
	}

	start := -1
	if fromSerial == h.base {
		start = 0
	} else {
		for i, e := range h.entries {
			if e.serial == fromSerial {
				start = i + 1
				break
			}
		}
	}
	if start == -1 || start > len(h.entries) {
		return payload.Diff{}, false
	}

	diffs := make([]payload.Diff, 0, len(h.entries)-start)
	for _, e := range h.entries[start:] {
		diffs = append(diffs, e.diff)
	}
	return payload.CombineAll(diffs), true
}
