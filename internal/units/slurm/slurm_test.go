package slurm

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

func TestUnitAppliesFilterAndAssertion(t *testing.T) {
	upstream := gate.New()
	link := upstream.Subscribe()

	cfg := payload.Slurm{
		PrefixFilters: []payload.PrefixFilter{{Prefix: netip.MustParsePrefix("10.0.0.0/24"), HasASN: false}},
		PrefixAssertions: []payload.PrefixAssertion{
			{Prefix: netip.MustParsePrefix("192.0.2.0/24"), MaxLength: 24, ASN: 65099},
		},
	}

	base := pipeline.NewBase(t.Context(), "slurm-test", zerolog.Nop())
	u := New(base, cfg, link)
	require.NoError(t, u.Attach())
	out := u.Gate().Subscribe()

	go u.Run()

	upstream.Publish(payload.NewSet(
		payload.NewRouteOrigin(netip.MustParsePrefix("10.0.0.0/24"), 24, 65001),
		payload.NewRouteOrigin(netip.MustParsePrefix("10.1.0.0/24"), 24, 65002),
	), 1)

	v, _, err := out.Updated(t.Context())
	require.NoError(t, err)
	assert.False(t, v.Set.Contains(payload.NewRouteOrigin(netip.MustParsePrefix("10.0.0.0/24"), 24, 65001)))
	assert.True(t, v.Set.Contains(payload.NewRouteOrigin(netip.MustParsePrefix("10.1.0.0/24"), 24, 65002)))
	assert.True(t, v.Set.Contains(payload.NewRouteOrigin(netip.MustParsePrefix("192.0.2.0/24"), 24, 65099)))

	u.Stop()
}
