package rtrserver

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
	"github.com/sumkincpp/rtrtr/internal/rtr"
)

func TestTargetServesResetQuery(t *testing.T) {
	const bind = "127.0.0.1:18324"
	g := gate.New()
	g.Publish(payload.NewSet(payload.NewRouteOrigin(netip.MustParsePrefix("192.0.2.0/24"), 24, 64500)), 1)

	base := pipeline.NewBase(t.Context(), "rtrserver-test", zerolog.Nop())
	target := New(base, Config{Bind: bind, HistorySize: 4}, g.Subscribe())
	require.NoError(t, target.Attach())
	require.NoError(t, target.Prepare())

	go target.Run()
	defer target.Stop()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", bind, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	buf, err := rtr.Encode(rtr.Version1, 0, rtr.ResetQuery{})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, pdu, err := rtr.Decode(conn)
	require.NoError(t, err)
	assert.IsType(t, rtr.CacheResponse{}, pdu)
}

func TestAttachRequiresBind(t *testing.T) {
	base := pipeline.NewBase(t.Context(), "rtrserver-test", zerolog.Nop())
	target := New(base, Config{}, gate.New().Subscribe())
	assert.Error(t, target.Attach())
}

// TestAttachHonorsConfiguredSessionID confirms an explicit session-id wins
// over the random default (spec.md §3 "chosen at target startup (random or
// configured)").
func TestAttachHonorsConfiguredSessionID(t *testing.T) {
	base := pipeline.NewBase(t.Context(), "rtrserver-test", zerolog.Nop())
	target := New(base, Config{Bind: "127.0.0.1:0", SessionID: 0x4242, HasSessionID: true}, gate.New().Subscribe())
	require.NoError(t, target.Attach())
	assert.Equal(t, uint16(0x4242), target.session.SessionID())
}

// TestAttachPicksRandomSessionIDByDefault confirms that without an explicit
// session-id, Attach doesn't just leave session_id at its zero value
// (spec.md §6 "process restart yields a fresh session_id"). A handful of
// independent attaches landing on zero together has negligible probability.
func TestAttachPicksRandomSessionIDByDefault(t *testing.T) {
	for i := 0; i < 8; i++ {
		base := pipeline.NewBase(t.Context(), "rtrserver-test", zerolog.Nop())
		target := New(base, Config{Bind: "127.0.0.1:0"}, gate.New().Subscribe())
		require.NoError(t, target.Attach())
		if target.session.SessionID() != 0 {
			return
		}
	}
	t.Fatal("Attach must not leave session_id at 0 on every run when unconfigured")
}
