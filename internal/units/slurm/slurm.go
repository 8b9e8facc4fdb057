// Package slurm implements the SLURM unit: it wraps one upstream unit and
// applies local-exception filtering/assertion (RFC 8416) to every published
// version before republishing (spec.md §4.4 "SLURM unit").
package slurm

import (
	"context"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

// Unit applies a fixed SLURM configuration to its upstream's published set.
type Unit struct {
	*pipeline.Base
	slurm  payload.Slurm
	source *gate.Link
	gate   *gate.Gate
	token  uint64
}

// New creates a SLURM unit reading from source and applying cfg to every
// version it adopts.
func New(base *pipeline.Base, cfg payload.Slurm, source *gate.Link) *Unit {
	return &Unit{Base: base, slurm: cfg, source: source, gate: gate.New()}
}

// Gate returns the unit's publishing gate.
func (u *Unit) Gate() *gate.Gate { return u.gate }

func (u *Unit) Attach() error { return nil }

func (u *Unit) Prepare() error { return nil }

// Run applies the SLURM configuration to every upstream version until Ctx
// is done. Applying the same configuration to the same input is
// deterministic (spec.md §4.4 invariant), so republishing never introduces
// spurious updates beyond what the upstream itself produced.
func (u *Unit) Run() error {
	u.MarkStarting()
	defer u.MarkStopped()

	for {
		v, state, err := u.source.Updated(u.Ctx)
		if err != nil {
			return context.Cause(u.Ctx)
		}
		if state != gate.StateActive {
			continue
		}
		out := u.slurm.Apply(v.Set)
		u.token++
		u.gate.Publish(out, u.token)
	}
}

func (u *Unit) Stop() error {
	u.Cancel(nil)
	u.source.Drop()
	return nil
}
