package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/internal/config"
)

func writeRoas(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roas.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func loadDoc(t *testing.T, body string) *config.Document {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rtrtr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	doc, err := config.Load(path)
	require.NoError(t, err)
	return doc
}

// TestManagerWiresUnitChain builds a file unit feeding a slurm unit and
// confirms the slurm unit's published set reflects both the file's ROA and
// the configured filter (spec.md §4.2 unit graph construction, §4.4 "SLURM
// unit").
func TestManagerWiresUnitChain(t *testing.T) {
	roas := writeRoas(t, `{"roas":[
		{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64500"},
		{"prefix":"198.51.100.0/24","maxLength":24,"asn":"AS64501"}
	]}`)

	doc := loadDoc(t, `
units:
  cache:
    type: file
    path: `+roas+`
    interval: 1h
  local:
    type: slurm
    source: cache
    filters:
      - prefix: "198.51.100.0/24"
`)

	m := NewManager(zerolog.Nop())
	require.NoError(t, m.Apply(doc))
	defer m.Stop()

	slurmEntry := m.units["local"]
	require.NotNil(t, slurmEntry)
	link := slurmEntry.gate.Subscribe()
	defer link.Drop()

	v, _, err := link.Updated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Set.Len())
}

// TestManagerReconfigureAddsUnit applies an initial document, then a second
// one adding a unit, and confirms the new unit actually starts (spec.md
// §4.2 "Reconfiguration").
func TestManagerReconfigureAddsUnit(t *testing.T) {
	roas := writeRoas(t, `{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64500"}]}`)

	docA := loadDoc(t, `
units:
  cache:
    type: file
    path: `+roas+`
    interval: 1h
`)
	m := NewManager(zerolog.Nop())
	require.NoError(t, m.Apply(docA))
	defer m.Stop()
	assert.Len(t, m.units, 1)

	docB := loadDoc(t, `
units:
  cache:
    type: file
    path: `+roas+`
    interval: 1h
  extra:
    type: file
    path: `+roas+`
    interval: 1h
`)
	require.NoError(t, m.Apply(docB))
	assert.Len(t, m.units, 2)
}

// TestManagerReconfigureRelinksDownstream rebuilds a unit's upstream source
// and confirms the downstream unit is rebuilt too, re-subscribing to the new
// Gate instead of being left wired to the replaced one (spec.md §4.2
// "during replacement, consumers either wait... or observe the predecessor
// value").
func TestManagerReconfigureRelinksDownstream(t *testing.T) {
	roasA := writeRoas(t, `{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64500"}]}`)
	roasB := writeRoas(t, `{"roas":[
		{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64500"},
		{"prefix":"198.51.100.0/24","maxLength":24,"asn":"AS64501"}
	]}`)

	docA := loadDoc(t, `
units:
  cache:
    type: file
    path: `+roasA+`
    interval: 1h
  local:
    type: slurm
    source: cache
`)
	m := NewManager(zerolog.Nop())
	require.NoError(t, m.Apply(docA))
	defer m.Stop()

	oldSlurmGate := m.units["local"].gate

	docB := loadDoc(t, `
units:
  cache:
    type: file
    path: `+roasB+`
    interval: 1h
  local:
    type: slurm
    source: cache
`)
	require.NoError(t, m.Apply(docB))

	newSlurmGate := m.units["local"].gate
	assert.NotSame(t, oldSlurmGate, newSlurmGate, "rebuilding the source must rebuild its downstream consumer too")

	link := newSlurmGate.Subscribe()
	defer link.Drop()
	v, _, err := link.Updated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, v.Set.Len(), "rebuilt downstream unit must reflect the new source's data")
}
