package jsonset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

func newTestBase(t *testing.T, name string) *pipeline.Base {
	t.Helper()
	return pipeline.NewBase(t.Context(), name, zerolog.Nop())
}

func TestFileUnitLoadAndDuplicateSuppression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roas.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"roas":[{"prefix":"10.0.0.0/24","maxLength":24,"asn":64500}]}`), 0o644))

	base := newTestBase(t, "file-test")
	u := NewFile(base, FileConfig{Path: path, Interval: time.Hour})
	link := u.Gate().Subscribe()

	require.NoError(t, u.Prepare())
	v, _, err := link.Updated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Set.Len())
	assert.Equal(t, uint64(1), v.Token)

	// re-loading identical bytes must not publish again
	require.NoError(t, u.load())
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, _, err = link.Updated(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// changed content publishes a new version; bump mtime explicitly so the
	// test does not depend on filesystem timestamp resolution
	require.NoError(t, os.WriteFile(path, []byte(`{"roas":[{"prefix":"10.0.0.0/24","maxLength":24,"asn":64500},{"prefix":"10.1.0.0/24","maxLength":24,"asn":64501}]}`), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	require.NoError(t, u.load())
	v, _, err = link.Updated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, v.Set.Len())
	assert.Equal(t, uint64(2), v.Token)
}

func TestFileUnitAttachRequiresPath(t *testing.T) {
	u := NewFile(newTestBase(t, "file-test"), FileConfig{})
	assert.Error(t, u.Attach())
}
