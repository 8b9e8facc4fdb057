// Package rtrserver implements the rtr target: it serves the RPKI-to-Router
// protocol over plain TCP or TLS, accepting any number of concurrent client
// connections and fanning out the pipeline's current payload set to each of
// them (spec.md §2 "rtr target", §4.3). The listener setup follows
// stages/listen.go and stages/websocket.go's TLS construction in the
// teacher repo; the protocol engine itself is internal/rtr.
package rtrserver

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"time"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
	"github.com/sumkincpp/rtrtr/internal/rtr"
)

// Config configures one rtr target. SessionID is only used when
// HasSessionID is set; otherwise Attach picks a random one, the same way
// stages/rv-live/rv-live.go and stages/websocket.go pick a random value in
// the teacher repo.
type Config struct {
	Bind         string
	TLSCertFile  string
	TLSKeyFile   string
	HistorySize  int
	Refresh      time.Duration
	Retry        time.Duration
	Expire       time.Duration
	SessionID    uint16
	HasSessionID bool
}

// Target is the rtr pipeline target.
type Target struct {
	*pipeline.Base
	cfg    Config
	source *gate.Link

	listener net.Listener
	session  *rtr.Session
}

// New creates an rtr target reading its payload set from source.
func New(base *pipeline.Base, cfg Config, source *gate.Link) *Target {
	return &Target{Base: base, cfg: cfg, source: source}
}

func (t *Target) Attach() error {
	if t.cfg.Bind == "" {
		return t.Errorf("rtr target: bind address is required")
	}
	if t.cfg.HistorySize < 1 {
		t.cfg.HistorySize = 1
	}
	sessionID := t.cfg.SessionID
	if !t.cfg.HasSessionID {
		// spec.md §3 "chosen at target startup (random or configured)";
		// §6 "process restart yields a fresh session_id".
		sessionID = uint16(rand.Intn(1 << 16))
	}
	t.session = rtr.NewSession(sessionID, t.cfg.HistorySize, 0, t.Logger)
	return nil
}

func (t *Target) Prepare() error {
	var lc net.ListenConfig
	l, err := lc.Listen(t.Ctx, "tcp", t.cfg.Bind)
	if err != nil {
		return err
	}

	if t.cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.cfg.TLSCertFile, t.cfg.TLSKeyFile)
		if err != nil {
			l.Close()
			return err
		}
		l = tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	t.Info().Str("addr", l.Addr().String()).Bool("tls", t.cfg.TLSCertFile != "").Msg("rtr target listening")
	t.listener = l
	return nil
}

// Run adopts upstream versions in one goroutine and serves accepted
// connections in another, both bound to Base.Ctx.
func (t *Target) Run() error {
	t.MarkStarting()
	defer t.MarkStopped()

	errCh := make(chan error, 2)
	go func() { errCh <- t.session.Run(t.Ctx, t.source) }()
	go func() { errCh <- t.acceptLoop() }()

	select {
	case <-t.Ctx.Done():
		return context.Cause(t.Ctx)
	case err := <-errCh:
		return err
	}
}

func (t *Target) acceptLoop() error {
	timers := rtr.Timers{
		Refresh: uint32(t.cfg.Refresh.Seconds()),
		Retry:   uint32(t.cfg.Retry.Seconds()),
		Expire:  uint32(t.cfg.Expire.Seconds()),
	}
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if t.Ctx.Err() != nil {
				return nil
			}
			return err
		}
		log := t.Logger.With().Str("peer", nc.RemoteAddr().String()).Logger()
		conn := rtr.NewConn(nc, t.session, timers, log)
		go func() {
			if err := conn.Serve(t.Ctx); err != nil {
				log.Debug().Err(err).Msg("rtr connection closed")
			}
		}()
	}
}

func (t *Target) Stop() error {
	t.Cancel(nil)
	if t.listener != nil {
		t.listener.Close()
	}
	return nil
}
