package rtrclient

import (
	"net/netip"
	"testing"

	rtrlib "github.com/bgp/stayrtr/lib"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

// These tests exercise the pure VRP-diffing logic (handlePrefix, nextReset,
// applyPendingChanges) without opening a connection, since that needs a live
// upstream cache server.

func newTestUnit(t *testing.T) *Unit {
	base := pipeline.NewBase(t.Context(), "rtr-client-test", zerolog.Nop())
	return New(base, Config{Addr: "rtr.example.net:323"})
}

func TestHandlePrefixAddThenApply(t *testing.T) {
	u := newTestUnit(t)
	out := u.Gate().Subscribe()

	prefix := netip.MustParsePrefix("192.0.2.0/24")
	u.handlePrefix(prefix, 24, 64500, rtrlib.FLAG_ADDED)
	u.applyPendingChanges()

	v, _, err := out.Updated(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 1, v.Set.Len())
}

func TestHandlePrefixAddThenWithdraw(t *testing.T) {
	u := newTestUnit(t)
	out := u.Gate().Subscribe()

	prefix := netip.MustParsePrefix("192.0.2.0/24")
	u.handlePrefix(prefix, 24, 64500, rtrlib.FLAG_ADDED)
	u.applyPendingChanges()

	v, _, err := out.Updated(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 1, v.Set.Len())

	u.handlePrefix(prefix, 24, 64500, rtrlib.FLAG_REMOVED)
	u.applyPendingChanges()

	v, _, err = out.Updated(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 0, v.Set.Len())
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	u := newTestUnit(t)
	prefix := netip.MustParsePrefix("192.0.2.0/24")
	u.handlePrefix(prefix, 24, 64500, rtrlib.FLAG_ADDED)
	u.handlePrefix(prefix, 24, 64500, rtrlib.FLAG_ADDED)
	assert.Len(t, u.pending, 1)
}

func TestAttachRequiresAddr(t *testing.T) {
	base := pipeline.NewBase(t.Context(), "rtr-client-test", zerolog.Nop())
	u := New(base, Config{})
	assert.Error(t, u.Attach())
}
