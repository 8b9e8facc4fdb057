package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresConfig(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
}

func TestParseDefaults(t *testing.T) {
	o, err := Parse([]string{"--config", "rtrtr.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "rtrtr.yaml", o.ConfigPath)
	assert.Equal(t, "info", o.LogLevel)
	assert.False(t, o.Explain)
}

func TestRunExplainPrintsGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtrtr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
units:
  cache:
    type: file
    path: roas.json
targets:
  web:
    type: http-json
    source: cache
    listen: "127.0.0.1:8080"
`), 0o644))

	var buf bytes.Buffer
	o := Options{ConfigPath: path, LogLevel: "error", Explain: true}
	require.NoError(t, Run(o, &buf))
	out := buf.String()
	assert.Contains(t, out, "cache")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "cache")
}
