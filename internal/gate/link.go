package gate

import (
	"context"

	"github.com/sumkincpp/rtrtr/internal/payload"
)

// Updated blocks until the gate's token or state differs from the last
// observation made through Updated on this link, or ctx is done; the first
// call on a link returns the current value at once. It returns
// the latest value and state: if several versions were
// published since the last observation, intermediate ones are coalesced away
// and only the latest is returned (spec.md §4.1).
//
// Two links of the same gate that both call Updated observe the sequence of
// versions in the same relative order, though not necessarily every version
// (spec.md §4.1, §5 "Ordering").
func (l *Link) Updated(ctx context.Context) (payload.Versioned, State, error) {
	for {
		v, state := l.gate.Current()
		if v.Token != l.lastSeen.Load() || int32(state) != l.lastState.Load() {
			l.lastSeen.Store(v.Token)
			l.lastState.Store(int32(state))
			return v, state, nil
		}

		select {
		case <-l.signal:
			continue
		case <-ctx.Done():
			var zero payload.Versioned
			return zero, StateActive, ctx.Err()
		}
	}
}
