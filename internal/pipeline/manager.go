package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sumkincpp/rtrtr/internal/config"
	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/targets/httpjson"
	"github.com/sumkincpp/rtrtr/internal/targets/rtrserver"
	"github.com/sumkincpp/rtrtr/internal/units/anymerge"
	"github.com/sumkincpp/rtrtr/internal/units/jsonset"
	"github.com/sumkincpp/rtrtr/internal/units/rtrclient"
	"github.com/sumkincpp/rtrtr/internal/units/slurm"
)

// gated is implemented by every unit: a Component that also exposes a Gate
// for downstream consumers to Subscribe to.
type gated interface {
	Component
	Gate() *gate.Gate
}

// entry is one running unit or target.
type entry struct {
	name string
	kind string // "unit" or "target"
	spec config.Spec
	comp Component
	gate *gate.Gate // nil for targets
	done chan struct{}
}

// restartBackoff is how long the Manager waits before rebuilding a
// component that failed on its own (spec.md §7 "manager may restart the
// task with backoff").
const restartBackoff = 5 * time.Second

// Manager owns the runtime graph of units and targets, builds it from a
// config.Document, spawns every component as an independent task, and tears
// it down in topological order on Stop (spec.md §4.2).
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	units   map[string]*entry
	targets map[string]*entry
	wg      sync.WaitGroup
	doc     *config.Document
}

// NewManager creates an empty Manager.
func NewManager(log zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		units:   map[string]*entry{},
		targets: map[string]*entry{},
	}
}

// Apply builds every unit and target named in doc and starts them. Calling
// Apply a second time reconfigures the running pipeline: components whose
// spec changed are stopped and rebuilt, removed components are stopped, and
// newly added components are built and started (spec.md §4.2
// "Reconfiguration").
func (m *Manager) Apply(doc *config.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	return m.reconcileLocked(doc, nil)
}

// reconcileLocked rebuilds the running graph against doc. m.mu must already
// be held. Names in force are rebuilt even though their own spec is
// unchanged (used to restart a component that failed on its own); the set
// of rebuilt names is then propagated to every entry whose Sources()
// transitively reference one of them, so a rebuilt unit's downstream
// consumers re-subscribe to its new Gate instead of being left wired to the
// Gate that was just torn down (spec.md §4.2 "during replacement, consumers
// either wait... or observe the predecessor value").
func (m *Manager) reconcileLocked(doc *config.Document, force map[string]bool) error {
	if m.ctx.Err() != nil {
		// shutting down: don't resurrect anything
		return nil
	}

	order, err := topoOrder(doc)
	if err != nil {
		return err
	}

	all := map[string]config.Spec{}
	for n, s := range doc.Units {
		all[n] = s
	}
	for n, s := range doc.Targets {
		all[n] = s
	}

	changed := map[string]bool{}
	for name := range force {
		changed[name] = true
	}
	for name, e := range m.units {
		if spec, ok := doc.Units[name]; !ok || specChanged(e.spec, spec) {
			changed[name] = true
		}
	}
	for name, e := range m.targets {
		if spec, ok := doc.Targets[name]; !ok || specChanged(e.spec, spec) {
			changed[name] = true
		}
	}
	for added := true; added; {
		added = false
		for name, spec := range all {
			if changed[name] {
				continue
			}
			for _, src := range spec.Sources() {
				if changed[src] {
					changed[name] = true
					added = true
					break
				}
			}
		}
	}

	// Tear down targets first (nothing reads from them), then units.
	for name := range changed {
		if e, ok := m.targets[name]; ok {
			m.stopEntry(e)
			delete(m.targets, name)
		}
	}
	for name := range changed {
		if e, ok := m.units[name]; ok {
			m.stopEntry(e)
			delete(m.units, name)
		}
	}

	for _, name := range order {
		if spec, ok := doc.Units[name]; ok {
			if _, exists := m.units[name]; exists {
				continue
			}
			u, err := m.buildUnit(doc, spec)
			if err != nil {
				return fmt.Errorf("pipeline: build unit %s: %w", name, err)
			}
			m.units[name] = u
			m.start(u)
			continue
		}
		if spec, ok := doc.Targets[name]; ok {
			if _, exists := m.targets[name]; exists {
				continue
			}
			t, err := m.buildTarget(doc, spec)
			if err != nil {
				return fmt.Errorf("pipeline: build target %s: %w", name, err)
			}
			m.targets[name] = t
			m.start(t)
		}
	}
	return nil
}

// scheduleRestart rebuilds the named component, and everything downstream of
// it, after restartBackoff -- a failing unit or target no longer takes the
// rest of the pipeline down with it (spec.md §4.1, §7).
func (m *Manager) scheduleRestart(name string) {
	go func() {
		select {
		case <-time.After(restartBackoff):
		case <-m.ctx.Done():
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		doc := m.doc
		if doc == nil {
			return
		}
		if err := m.reconcileLocked(doc, map[string]bool{name: true}); err != nil {
			m.log.Error().Err(err).Str("component", name).Msg("pipeline: restart failed")
		}
	}()
}

// Run blocks until the context is canceled, then shuts down the pipeline.
// Individual component failures no longer reach here: they are isolated and
// restarted in start (spec.md §7 "Recovery is local per component").
func (m *Manager) Run() error {
	<-m.ctx.Done()
	return m.Stop()
}

// Stop cancels every component in topological order: targets first, then
// units (spec.md §4.2 "Shutdown").
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancel()
	for _, e := range m.targets {
		m.stopEntry(e)
	}
	for _, e := range m.units {
		m.stopEntry(e)
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) stopEntry(e *entry) {
	if err := e.comp.Stop(); err != nil {
		m.log.Warn().Err(err).Str("component", e.name).Msg("error stopping component")
	}
	<-e.done
}

// start spawns a component's Run as an independent task (spec.md §4.2
// "Spawns each unit and target as an independent long-lived task"). A
// context-cancellation error is the expected return on shutdown and when
// the component itself is stopped for reconfiguration. Anything
// else -- including a recovered panic -- is contained at this task boundary
// (spec.md §7): the failing component's gate is marked gone, the entry is
// dropped, and a rebuild is scheduled, without touching any other
// component.
func (m *Manager) start(e *entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		err := m.runOnce(e)
		if err == nil || m.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		m.log.Error().Err(err).Str("component", e.name).Str("kind", e.kind).
			Msg("pipeline: component failed, isolating")
		if e.gate != nil {
			e.gate.SetState(gate.StateGone)
		}

		m.mu.Lock()
		switch e.kind {
		case "unit":
			if cur, ok := m.units[e.name]; ok && cur == e {
				delete(m.units, e.name)
			}
		default:
			if cur, ok := m.targets[e.name]; ok && cur == e {
				delete(m.targets, e.name)
			}
		}
		m.mu.Unlock()

		m.scheduleRestart(e.name)
	}()
}

// runOnce runs a component's Run, converting a panic into an error so one
// misbehaving unit or target never crashes the whole process (spec.md §7
// "Task panic -- contained at the task boundary").
func (m *Manager) runOnce(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", e.name, r)
		}
	}()
	return e.comp.Run()
}

// buildUnit constructs the runtime for one unit spec (spec.md §4.4).
func (m *Manager) buildUnit(doc *config.Document, spec config.Spec) (*entry, error) {
	base := NewBase(m.ctx, spec.Name, m.log)
	var g gated

	switch spec.Type {
	case "rtr-client":
		cfg := rtrclient.Config{
			Addr:     optString(spec, "addr"),
			TLS:      optBool(spec, "tls"),
			Insecure: optBool(spec, "insecure"),
			Refresh:  optDuration(spec, "refresh", 3600*time.Second),
			Retry:    optDuration(spec, "retry", 600*time.Second),
			Expire:   optDuration(spec, "expire", 7200*time.Second),
		}
		g = rtrclient.New(base, cfg)

	case "file":
		cfg := jsonset.FileConfig{
			Path:     doc.ResolvePath(optString(spec, "path")),
			Interval: optDuration(spec, "interval", 10*time.Second),
		}
		g = jsonset.NewFile(base, cfg)

	case "http":
		cfg := jsonset.HTTPConfig{
			URL:      optString(spec, "url"),
			Interval: optDuration(spec, "interval", time.Minute),
			Timeout:  optDuration(spec, "timeout", 30*time.Second),
		}
		g = jsonset.NewHTTP(base, cfg)

	case "slurm":
		src, err := m.link(spec.Source())
		if err != nil {
			return nil, err
		}
		cfg, err := buildSlurm(spec)
		if err != nil {
			return nil, err
		}
		g = slurm.New(base, cfg, src)

	case "any", "merge":
		mode := anymerge.ModeAny
		if spec.Type == "merge" {
			mode = anymerge.ModeMerge
		}
		var links []*gate.Link
		for _, srcName := range spec.Sources() {
			link, err := m.link(srcName)
			if err != nil {
				return nil, err
			}
			links = append(links, link)
		}
		g = anymerge.New(base, mode, links)

	default:
		return nil, fmt.Errorf("unknown unit type %q", spec.Type)
	}

	if err := g.Attach(); err != nil {
		return nil, err
	}
	if err := g.Prepare(); err != nil {
		return nil, err
	}
	return &entry{name: spec.Name, kind: "unit", spec: spec, comp: g, gate: g.Gate(), done: make(chan struct{})}, nil
}

// buildTarget constructs the runtime for one target spec (spec.md §2).
func (m *Manager) buildTarget(doc *config.Document, spec config.Spec) (*entry, error) {
	base := NewBase(m.ctx, spec.Name, m.log)
	src, err := m.link(spec.Source())
	if err != nil {
		return nil, err
	}

	var c Component
	switch spec.Type {
	case "rtr":
		cfg := rtrserver.Config{
			Bind:        optString(spec, "listen"),
			TLSCertFile: optString(spec, "tls-cert"),
			TLSKeyFile:  optString(spec, "tls-key"),
			HistorySize: spec.HistorySize(),
			Refresh:     optDuration(spec, "refresh", 3600*time.Second),
			Retry:       optDuration(spec, "retry", 600*time.Second),
			Expire:      optDuration(spec, "expire", 7200*time.Second),
		}
		if id, ok := optSessionID(spec, "session-id"); ok {
			cfg.SessionID, cfg.HasSessionID = id, true
		}
		c = rtrserver.New(base, cfg, src)

	case "http-json":
		cfg := httpjson.Config{
			Bind: optString(spec, "listen"),
			Path: optString(spec, "path"),
		}
		c = httpjson.New(base, cfg, src)

	default:
		return nil, fmt.Errorf("unknown target type %q", spec.Type)
	}

	if err := c.Attach(); err != nil {
		return nil, err
	}
	if err := c.Prepare(); err != nil {
		return nil, err
	}
	return &entry{name: spec.Name, kind: "target", spec: spec, comp: c, done: make(chan struct{})}, nil
}

// link resolves a source unit name to a fresh Link on its Gate.
func (m *Manager) link(name string) (*gate.Link, error) {
	u, ok := m.units[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown source %q", name)
	}
	return u.gate.Subscribe(), nil
}

func buildSlurm(spec config.Spec) (payload.Slurm, error) {
	var s payload.Slurm
	raw, _ := spec.Options["filters"].([]any)
	for _, f := range raw {
		m, _ := f.(map[string]any)
		if pfxStr, ok := m["prefix"].(string); ok {
			pfx, err := netip.ParsePrefix(pfxStr)
			if err != nil {
				return s, fmt.Errorf("slurm filter: %w", err)
			}
			filter := payload.PrefixFilter{Prefix: pfx}
			if asn, ok := asnOf(m["asn"]); ok {
				filter.ASN, filter.HasASN = asn, true
			}
			s.PrefixFilters = append(s.PrefixFilters, filter)
		}
	}
	raw, _ = spec.Options["assertions"].([]any)
	for _, a := range raw {
		m, _ := a.(map[string]any)
		pfxStr, _ := m["prefix"].(string)
		pfx, err := netip.ParsePrefix(pfxStr)
		if err != nil {
			return s, fmt.Errorf("slurm assertion: %w", err)
		}
		maxLen := uint8(pfx.Bits())
		if ml, ok := m["maxLength"].(float64); ok {
			maxLen = uint8(ml)
		}
		asn, _ := asnOf(m["asn"])
		s.PrefixAssertions = append(s.PrefixAssertions, payload.PrefixAssertion{
			Prefix: pfx, MaxLength: maxLen, ASN: asn,
		})
	}
	return s, nil
}

func asnOf(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case int:
		return uint32(n), true
	default:
		return 0, false
	}
}

func optString(s config.Spec, key string) string {
	v, _ := s.Options[key].(string)
	return v
}

func optBool(s config.Spec, key string) bool {
	v, _ := s.Options[key].(bool)
	return v
}

// optSessionID reads an explicitly configured RTR session_id, reporting
// whether one was present (spec.md §3 "chosen at target startup (random or
// configured)").
func optSessionID(s config.Spec, key string) (uint16, bool) {
	switch v := s.Options[key].(type) {
	case float64:
		return uint16(v), true
	case int:
		return uint16(v), true
	default:
		return 0, false
	}
}

func optDuration(s config.Spec, key string, def time.Duration) time.Duration {
	switch v := s.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v) * time.Second
	}
	return def
}

func specChanged(a, b config.Spec) bool {
	return fmt.Sprint(a.Options) != fmt.Sprint(b.Options) || a.Type != b.Type
}

// topoOrder returns every unit and target name in an order where a
// component always follows every name its Sources() names, so building in
// this order never needs a forward reference (spec.md §9 "dynamic graph
// representation"). Document.validate already rejected cycles.
func topoOrder(doc *config.Document) ([]string, error) {
	all := map[string]config.Spec{}
	for n, s := range doc.Units {
		all[n] = s
	}
	for n, s := range doc.Targets {
		all[n] = s
	}

	var order []string
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var walk func(name string) error
	walk = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("pipeline: cycle at %q", name)
		}
		visiting[name] = true
		for _, src := range all[name].Sources() {
			if err := walk(src); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := walk(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
