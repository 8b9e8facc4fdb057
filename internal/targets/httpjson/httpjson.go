// Package httpjson implements the HTTP/JSON target: it exposes the source
// unit's current payload set as a JSON document over HTTP (spec.md §2
// "HTTP/JSON endpoint").
package httpjson

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

// Config configures one http-json target.
type Config struct {
	Bind string
	Path string // defaults to "/json" if empty
}

// Target serves the current set as JSON on Config.Path.
type Target struct {
	*pipeline.Base
	cfg    Config
	source *gate.Link

	server *http.Server
}

// New creates an http-json target reading its payload set from source.
func New(base *pipeline.Base, cfg Config, source *gate.Link) *Target {
	if cfg.Path == "" {
		cfg.Path = "/json"
	}
	return &Target{Base: base, cfg: cfg, source: source}
}

func (t *Target) Attach() error {
	if t.cfg.Bind == "" {
		return t.Errorf("http-json target: bind address is required")
	}
	return nil
}

func (t *Target) Prepare() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(t.cfg.Path, t.serveJSON)

	t.server = &http.Server{
		Addr:              t.cfg.Bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (t *Target) serveJSON(w http.ResponseWriter, r *http.Request) {
	v, _ := t.source.Current()
	body, err := payload.EncodeSet(v.Set)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (t *Target) Run() error {
	t.MarkStarting()
	defer t.MarkStopped()

	ln, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return err
	}
	t.Info().Str("addr", ln.Addr().String()).Str("path", t.cfg.Path).Msg("http-json target listening")

	errCh := make(chan error, 1)
	go func() { errCh <- t.server.Serve(ln) }()

	select {
	case <-t.Ctx.Done():
		return context.Cause(t.Ctx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (t *Target) Stop() error {
	t.Cancel(nil)
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}
