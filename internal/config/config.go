// Package config loads the pipeline's declarative configuration document
// (spec.md §6 "Configuration file") using a layered koanf configuration,
// resolves relative paths against the config file's directory, and
// supports diffing two generations of the document for runtime
// reconfiguration (spec.md §4.2).
package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Spec is one unit or target entry: a type discriminator plus its
// type-specific options (spec.md §6). Targets and transforming units also
// name a "source" option referencing another component by name.
type Spec struct {
	Name    string
	Type    string
	Options map[string]any
}

// Source returns the "source" option as a string, or "" if absent.
func (s Spec) Source() string {
	v, _ := s.Options["source"].(string)
	return v
}

// Sources returns every component name this spec references, to support
// any/merge units naming multiple upstreams via a "sources" list option.
func (s Spec) Sources() []string {
	if v, ok := s.Options["sources"].([]any); ok {
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	if src := s.Source(); src != "" {
		return []string{src}
	}
	return nil
}

// Document is a fully parsed, validated configuration: the set of named
// units and targets, and the directory relative paths resolve against.
type Document struct {
	Dir     string
	Units   map[string]Spec
	Targets map[string]Spec
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	doc := &Document{
		Dir:     filepath.Dir(path),
		Units:   map[string]Spec{},
		Targets: map[string]Spec{},
	}

	for name, raw := range k.Get("units").(map[string]any) {
		spec, err := parseSpec(name, raw)
		if err != nil {
			return nil, err
		}
		doc.Units[name] = spec
	}
	if targets, ok := k.Get("targets").(map[string]any); ok {
		for name, raw := range targets {
			spec, err := parseSpec(name, raw)
			if err != nil {
				return nil, err
			}
			doc.Targets[name] = spec
		}
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseSpec(name string, raw any) (Spec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Spec{}, fmt.Errorf("config: %s: expected a mapping", name)
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return Spec{}, fmt.Errorf("config: %s: missing required \"type\"", name)
	}
	return Spec{Name: name, Type: typ, Options: m}, nil
}

// ResolvePath resolves p against the document's directory if p is relative
// (spec.md §4.2 "resolving relative paths against the config file's
// directory").
func (d *Document) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Dir, p)
}

// validate rejects unknown source references and cyclic source chains
// (spec.md §9 "Cycles").
func (d *Document) validate() error {
	all := map[string]Spec{}
	for n, s := range d.Units {
		all[n] = s
	}
	for n, s := range d.Targets {
		all[n] = s
	}

	for name, spec := range all {
		for _, src := range spec.Sources() {
			if _, ok := d.Units[src]; !ok {
				return fmt.Errorf("config: %s: unknown source %q", name, src)
			}
		}
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var walk func(name string) error
	walk = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("config: cycle detected at %q", name)
		}
		visiting[name] = true
		for _, src := range all[name].Sources() {
			if err := walk(src); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names) // deterministic error ordering
	for _, n := range names {
		if err := walk(n); err != nil {
			return err
		}
	}
	return nil
}

// Diff computes the names added, removed, and changed between old and d,
// for the manager's reconfiguration logic (spec.md §4.2). "Changed" covers
// any component present in both whose Spec differs.
func (d *Document) Diff(old *Document) (added, removed, changed []string) {
	oldAll, newAll := old.all(), d.all()
	for name, spec := range newAll {
		prev, existed := oldAll[name]
		if !existed {
			added = append(added, name)
		} else if !specEqual(prev, spec) {
			changed = append(changed, name)
		}
	}
	for name := range oldAll {
		if _, ok := newAll[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

func (d *Document) all() map[string]Spec {
	all := make(map[string]Spec, len(d.Units)+len(d.Targets))
	for n, s := range d.Units {
		all[n] = s
	}
	for n, s := range d.Targets {
		all[n] = s
	}
	return all
}

func specEqual(a, b Spec) bool {
	if a.Type != b.Type || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// HistorySize reads the "history-size" option, clamped to a minimum of 1
// (spec.md §6 default 10).
func (s Spec) HistorySize() int {
	const def = 10
	v, ok := s.Options["history-size"]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		if n < 1 {
			return 1
		}
		return n
	case float64:
		if n < 1 {
			return 1
		}
		return int(n)
	default:
		return def
	}
}
