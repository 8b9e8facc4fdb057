package rtr

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/payload"
)

func newTestConn(t *testing.T, s *Session) (client net.Conn, done chan error) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	conn := NewConn(serverSide, s, Timers{Refresh: 3600, Retry: 600, Expire: 7200}, zerolog.Nop())
	done = make(chan error, 1)
	go func() { done <- conn.Serve(t.Context()) }()
	return clientSide, done
}

func mustDecode(t *testing.T, r net.Conn) (uint8, any) {
	t.Helper()
	v, pdu, err := Decode(r)
	require.NoError(t, err)
	return v, pdu
}

// TestFullSync covers spec.md §8's literal full-sync scenario: a Reset
// Query gets a Cache Response, the full payload set, and an End of Data
// carrying the session's current serial.
func TestFullSync(t *testing.T) {
	s := NewSession(0x1234, 3, 0, zerolog.Nop())
	set := payload.NewSet(
		payload.NewRouteOrigin(netip.MustParsePrefix("192.0.2.0/24"), 24, 65001),
		payload.NewRouteOrigin(netip.MustParsePrefix("2001:db8::/32"), 32, 65002),
	)
	s.adopt(set)
	require.Equal(t, uint32(1), s.Serial())

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, ResetQuery{})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_, resp := mustDecode(t, client)
	require.IsType(t, CacheResponse{}, resp)
	assert.Equal(t, uint16(0x1234), resp.(CacheResponse).SessionID)

	seen := 0
	for seen < set.Len() {
		_, pdu := mustDecode(t, client)
		switch pdu.(type) {
		case IPv4Prefix, IPv6Prefix:
			seen++
		default:
			t.Fatalf("unexpected PDU %T mid-dump", pdu)
		}
	}

	_, eod := mustDecode(t, client)
	require.IsType(t, EndOfData{}, eod)
	assert.Equal(t, uint32(1), eod.(EndOfData).Serial)

	client.Close()
	<-done
}

// TestIncrementalInRange covers the incremental-update-in-range scenario:
// a Serial Query naming a serial still covered by history gets the combined
// diff to the current serial, not a full dump.
func TestIncrementalInRange(t *testing.T) {
	s := NewSession(0x1234, 5, 0, zerolog.Nop())
	prev := payload.NewSet()
	for i := 1; i <= 3; i++ {
		next := prev.Union(payload.NewSet(payload.NewRouteOrigin(
			netip.MustParsePrefix("192.0.2.0/24"), 24, uint32(65000+i))))
		s.adopt(next)
		prev = next
	}
	require.Equal(t, uint32(3), s.Serial())

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, SerialQuery{SessionID: 0x1234, Serial: 1})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_, resp := mustDecode(t, client)
	require.IsType(t, CacheResponse{}, resp)

	var announces int
	for {
		_, pdu := mustDecode(t, client)
		if eod, ok := pdu.(EndOfData); ok {
			assert.Equal(t, uint32(3), eod.Serial)
			break
		}
		announces++
	}
	assert.Equal(t, 2, announces) // serials 2 and 3 each added one prefix

	client.Close()
	<-done
}

// TestIncrementalGap covers the history-gap scenario: a Serial Query naming
// a serial older than the retained window gets a Cache Reset.
func TestIncrementalGap(t *testing.T) {
	s := NewSession(0x1234, 2, 0, zerolog.Nop())
	prev := payload.NewSet()
	for i := 1; i <= 5; i++ {
		next := prev.Union(payload.NewSet(payload.NewRouteOrigin(
			netip.MustParsePrefix("192.0.2.0/24"), 24, uint32(65000+i))))
		s.adopt(next)
		prev = next
	}

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, SerialQuery{SessionID: 0x1234, Serial: 1})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_, resp := mustDecode(t, client)
	assert.IsType(t, CacheReset{}, resp)

	client.Close()
	<-done
}

// TestSessionMismatch covers the session-id mismatch scenario: a Serial
// Query naming an unknown session id gets a Cache Reset so the client
// restarts with a Reset Query.
func TestSessionMismatch(t *testing.T) {
	s := NewSession(0x1234, 3, 0, zerolog.Nop())

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, SerialQuery{SessionID: 0xffff, Serial: 0})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_, resp := mustDecode(t, client)
	assert.IsType(t, CacheReset{}, resp)

	client.Close()
	<-done
}

// TestAlreadyCurrent covers the already-up-to-date scenario: a Serial Query
// naming the current serial gets an immediate End of Data with no diff.
func TestAlreadyCurrent(t *testing.T) {
	s := NewSession(0x1234, 3, 7, zerolog.Nop())

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, SerialQuery{SessionID: 0x1234, Serial: 7})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_, pdu := mustDecode(t, client)
	require.IsType(t, EndOfData{}, pdu)
	assert.Equal(t, uint32(7), pdu.(EndOfData).Serial)

	client.Close()
	<-done
}

// TestSerialNotifyOnIdle covers the Idle-state wake path: once a connection
// has settled into Idle, a new upstream version triggers a Serial Notify
// without the client having to poll.
func TestSerialNotifyOnIdle(t *testing.T) {
	s := NewSession(0x1234, 3, 0, zerolog.Nop())

	client, done := newTestConn(t, s)
	defer client.Close()

	buf, err := Encode(Version1, 0, ResetQuery{})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)
	mustDecode(t, client) // CacheResponse
	mustDecode(t, client) // EndOfData (empty set)

	s.adopt(payload.NewSet(payload.NewRouteOrigin(netip.MustParsePrefix("198.51.100.0/24"), 24, 65010)))

	notifyDone := make(chan any, 1)
	go func() {
		_, pdu := mustDecode(t, client)
		notifyDone <- pdu
	}()

	select {
	case pdu := <-notifyDone:
		require.IsType(t, SerialNotify{}, pdu)
		assert.Equal(t, uint32(1), pdu.(SerialNotify).Serial)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for serial notify")
	}

	client.Close()
	<-done
}

// TestMalformedPDUGetsErrorReport covers spec.md §4.3 "on any malformed
// PDU... send Error Report where appropriate, transition to Closing": a PDU
// whose header declares a length shorter than the header itself is a decode
// failure, not a clean disconnect, and must get an Error Report before the
// connection closes.
func TestMalformedPDUGetsErrorReport(t *testing.T) {
	s := NewSession(0x1234, 3, 0, zerolog.Nop())

	client, done := newTestConn(t, s)
	defer client.Close()

	hdr := make([]byte, headerLen)
	hdr[0] = Version1
	hdr[1] = TypeSerialQuery
	// leave length (bytes 4:8) at zero, which is less than headerLen
	_, err := client.Write(hdr)
	require.NoError(t, err)

	_, resp := mustDecode(t, client)
	require.IsType(t, ErrorReport{}, resp)
	assert.Equal(t, ErrCorruptData, resp.(ErrorReport).ErrorCode)

	<-done
}
