package rtr

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
)

// Session is the RTR target's server-side session: one session_id, one
// current payload set, one bounded diff history, shared by every accepted
// connection (spec.md §3, §4.3). It tracks its upstream source through a
// gate.Link and fans out a wake-up notification to every connection's own
// link whenever a new version is adopted.
type Session struct {
	sessionID uint16

	mu      sync.RWMutex
	current payload.Set

	history *History
	fanout  *gate.Gate

	log zerolog.Logger
}

// NewSession allocates a fresh session_id, serial and empty history
// (spec.md §4.3 "On startup").
func NewSession(sessionID uint16, historySize int, initialSerial uint32, log zerolog.Logger) *Session {
	return &Session{
		sessionID: sessionID,
		current:   payload.NewSet(),
		history:   NewHistory(historySize, initialSerial),
		fanout:    gate.New(),
		log:       log,
	}
}

// SessionID returns the session's fixed session_id.
func (s *Session) SessionID() uint16 {
	return s.sessionID
}

// Serial returns the current serial number.
func (s *Session) Serial() uint32 {
	return s.history.Serial()
}

// Current returns the currently published payload set and its serial.
func (s *Session) Current() (payload.Set, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.history.Serial()
}

// Lookup delegates to the underlying History.
func (s *Session) Lookup(fromSerial uint32) (payload.Diff, bool) {
	return s.history.Lookup(fromSerial)
}

// Subscribe registers a connection to be woken on every new version.
func (s *Session) Subscribe() *gate.Link {
	return s.fanout.Subscribe()
}

// Run adopts upstream versions from link until ctx is done, recomputing the
// diff against the previous set, advancing the serial (wrapping per RFC
// 1982), recording it in History, and waking all connections (spec.md §3,
// §4.3). Consecutive versions with an identical resulting set produce no new
// serial (spec.md "duplicate suppression").
func (s *Session) Run(ctx context.Context, link *gate.Link) error {
	for {
		v, state, err := link.Updated(ctx)
		if err != nil {
			return err
		}
		if state != gate.StateActive {
			continue
		}
		s.adopt(v.Set)
	}
}

func (s *Session) adopt(next payload.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Equal(next) {
		return
	}
	diff := payload.NewDiff(s.current, next)
	if diff.IsEmpty() {
		return
	}

	newSerial := s.history.Serial() + 1
	s.history.Push(newSerial, diff)
	s.current = next

	s.log.Debug().Uint32("serial", newSerial).Int("announce", diff.Announce.Len()).
		Int("withdraw", diff.Withdraw.Len()).Msg("rtr session advanced")

	s.fanout.Publish(payload.NewSet(), uint64(newSerial))
}
