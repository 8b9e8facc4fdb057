// Package pipeline implements the runtime manager that owns every unit and
// target, drives their lifecycle, and reconfigures the running pipeline when
// the configuration changes (spec.md §4, §7 "Runtime reconfiguration").
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Component is implemented by every unit and target (spec.md §4.1, §4.2).
// The lifecycle mirrors stages/{stage,bgpipe}.go in the teacher repo:
// Attach wires the component to its sources before anything runs, Prepare
// opens I/O, Run blocks until Base.Ctx is done or a fatal error occurs, and
// Stop asks a running component to return from Run.
type Component interface {
	Attach() error
	Prepare() error
	Run() error
	Stop() error
}

// Base is embedded by every unit/target implementation, providing the
// logger, lifecycle context, and run-state bookkeeping common to all of
// them (stages/stage.go StageBase in the teacher repo).
type Base struct {
	zerolog.Logger

	Ctx    context.Context
	Cancel context.CancelCauseFunc

	Name string

	started atomic.Bool
	stopped atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// NewBase creates a Base whose context is cancelable independently of its
// parent, named for logging.
func NewBase(parent context.Context, name string, log zerolog.Logger) *Base {
	ctx, cancel := context.WithCancelCause(parent)
	return &Base{
		Logger: log.With().Str("component", name).Logger(),
		Ctx:    ctx,
		Cancel: cancel,
		Name:   name,
		done:   make(chan struct{}),
	}
}

// Running reports whether the component is currently inside Run.
func (b *Base) Running() bool {
	return b.running.Load()
}

// Done returns a channel closed once Run has returned.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

// MarkStarting must be called by Run implementations before entering their
// main loop, and MarkStopped once Run returns (via defer).
func (b *Base) MarkStarting() {
	b.started.Store(true)
	b.running.Store(true)
}

func (b *Base) MarkStopped() {
	b.running.Store(false)
	if b.stopped.CompareAndSwap(false, true) {
		close(b.done)
	}
}

// Errorf wraps fmt.Errorf and prefixes the component name (StageBase.Errorf
// in the teacher repo).
func (b *Base) Errorf(format string, a ...any) error {
	return fmt.Errorf(b.Name+": "+format, a...)
}
