// Package cmd implements the command-line front end: flag parsing, the
// mandatory --config requirement, and the --explain dry-run graph print
// (spec.md §6 "CLI").
package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sumkincpp/rtrtr/internal/config"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
	"github.com/sumkincpp/rtrtr/pkg/logging"
)

// Options are the parsed CLI flags.
type Options struct {
	ConfigPath string
	LogLevel   string
	Explain    bool
	Pretty     bool
}

// Parse parses args (excluding the program name) into Options. --config is
// mandatory; its absence is a user-facing error, not a crash (spec.md §6).
func Parse(args []string) (Options, error) {
	var o Options
	fs := pflag.NewFlagSet("rtrtr", pflag.ContinueOnError)
	fs.StringVar(&o.ConfigPath, "config", "", "path to the configuration file (required)")
	fs.StringVar(&o.LogLevel, "log", "info", "log level: trace, debug, info, warn, error")
	fs.BoolVar(&o.Explain, "explain", false, "print the resolved pipeline graph and exit")
	fs.BoolVar(&o.Pretty, "pretty", false, "use human-readable console logging instead of JSON")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.ConfigPath == "" {
		return o, fmt.Errorf("rtrtr: --config is required")
	}
	return o, nil
}

// Run loads the configuration, builds the pipeline, and either prints the
// graph (--explain) or runs it to completion.
func Run(o Options, stdout io.Writer) error {
	level, err := zerolog.ParseLevel(o.LogLevel)
	if err != nil {
		return fmt.Errorf("rtrtr: invalid --log level %q: %w", o.LogLevel, err)
	}
	log := logging.New(level, o.Pretty)

	doc, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}

	if o.Explain {
		explain(doc, stdout)
		return nil
	}

	mgr := pipeline.NewManager(log)
	if err := mgr.Apply(doc); err != nil {
		return err
	}
	return mgr.Run()
}

// explain prints every unit and target and what it reads from, in
// deterministic name order, without starting anything.
func explain(doc *config.Document, w io.Writer) {
	names := func(m map[string]config.Spec) []string {
		ns := make([]string, 0, len(m))
		for n := range m {
			ns = append(ns, n)
		}
		sort.Strings(ns)
		return ns
	}

	fmt.Fprintln(w, "units:")
	for _, n := range names(doc.Units) {
		s := doc.Units[n]
		fmt.Fprintf(w, "  %s (%s)", n, s.Type)
		if srcs := s.Sources(); len(srcs) > 0 {
			fmt.Fprintf(w, " <- %v", srcs)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "targets:")
	for _, n := range names(doc.Targets) {
		s := doc.Targets[n]
		fmt.Fprintf(w, "  %s (%s)", n, s.Type)
		if srcs := s.Sources(); len(srcs) > 0 {
			fmt.Fprintf(w, " <- %v", srcs)
		}
		fmt.Fprintln(w)
	}
}
