package httpjson

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

func TestServeJSONReflectsCurrentSet(t *testing.T) {
	g := gate.New()
	g.Publish(payload.NewSet(payload.NewRouteOrigin(netip.MustParsePrefix("192.0.2.0/24"), 24, 64500)), 1)

	const bind = "127.0.0.1:18323"
	base := pipeline.NewBase(t.Context(), "httpjson-test", zerolog.Nop())
	target := New(base, Config{Bind: bind}, g.Subscribe())
	require.NoError(t, target.Attach())
	require.NoError(t, target.Prepare())

	go target.Run()
	defer target.Stop()

	// Run's Listen happens inside the goroutine; poll until the server
	// responds rather than racing on listener setup.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + bind + "/json")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var doc struct {
			ROAs []json.RawMessage `json:"roas"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&doc)
		return len(doc.ROAs) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAttachRequiresBind(t *testing.T) {
	base := pipeline.NewBase(t.Context(), "httpjson-test", zerolog.Nop())
	target := New(base, Config{}, gate.New().Subscribe())
	assert.Error(t, target.Attach())
}
