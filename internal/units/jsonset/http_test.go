package jsonset

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

func TestHTTPUnitFetchesAndSuppressesDuplicates(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64500"}]}`))
	}))
	defer srv.Close()

	base := pipeline.NewBase(t.Context(), "http-test", zerolog.Nop())
	u := NewHTTP(base, HTTPConfig{URL: srv.URL, Interval: time.Hour})
	require.NoError(t, u.Attach())

	require.NoError(t, u.fetch())
	assert.Equal(t, 1, hits)
	v, _ := u.gate.Current()
	assert.Equal(t, 1, v.Set.Len())
	assert.Equal(t, uint64(1), v.Token)

	require.NoError(t, u.fetch())
	assert.Equal(t, 2, hits)
	v2, _ := u.gate.Current()
	assert.Equal(t, v.Token, v2.Token) // identical bytes: no republish
}

func TestHTTPUnitAttachRequiresURL(t *testing.T) {
	base := pipeline.NewBase(t.Context(), "http-test", zerolog.Nop())
	u := NewHTTP(base, HTTPConfig{})
	assert.Error(t, u.Attach())
}

func TestHTTPUnitRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base := pipeline.NewBase(t.Context(), "http-test", zerolog.Nop())
	u := NewHTTP(base, HTTPConfig{URL: srv.URL, Interval: time.Hour})
	require.Error(t, u.fetch())
}
