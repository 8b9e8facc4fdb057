// Package rtrclient implements the rtr-client unit: it connects upstream as
// an RTR client over plain TCP or TLS and republishes the received VRPs as a
// payload.Set (spec.md §2 "rtr-client unit"); router key PDUs are not
// republished. Unlike the
// hand-rolled server engine in internal/rtr, the client side reuses a real
// RTR client library, mirroring stages/rpki/rtr.go in the teacher repo.
package rtrclient

import (
	"context"
	"crypto/tls"
	"net/netip"
	"slices"
	"sync"
	"time"

	rtrlib "github.com/bgp/stayrtr/lib"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
	"github.com/sumkincpp/rtrtr/pkg/logging"
)

// Config configures one rtr-client unit.
type Config struct {
	Addr     string
	TLS      bool
	Insecure bool
	Refresh  time.Duration
	Retry    time.Duration
	Expire   time.Duration
}

// Unit is the rtr-client pipeline unit.
type Unit struct {
	*pipeline.Base
	cfg  Config
	gate *gate.Gate

	mu      sync.Mutex
	current []payload.Payload
	pending []payload.Payload
	token   uint64

	session *rtrlib.ClientSession
}

// New creates an rtr-client unit under base.
func New(base *pipeline.Base, cfg Config) *Unit {
	return &Unit{Base: base, cfg: cfg, gate: gate.New()}
}

// Gate returns the unit's publishing gate.
func (u *Unit) Gate() *gate.Gate { return u.gate }

func (u *Unit) Attach() error {
	if u.cfg.Addr == "" {
		return u.Errorf("rtr-client: addr is required")
	}
	return nil
}

func (u *Unit) Prepare() error { return nil }

// Run connects and reconnects with exponential backoff until Ctx is done,
// exactly as stages/rpki/rtr.go's rtrRun does.
func (u *Unit) Run() error {
	u.MarkStarting()
	defer u.MarkStopped()

	backoff := time.Second
	u.nextReset()

	config := rtrlib.ClientConfiguration{
		ProtocolVersion: rtrlib.PROTOCOL_VERSION_1,
		RefreshInterval: uint32(u.cfg.Refresh.Seconds()),
		RetryInterval:   uint32(u.cfg.Retry.Seconds()),
		ExpireInterval:  uint32(u.cfg.Expire.Seconds()),
		Log:             &logging.RTRLib{Logger: u.Logger},
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: u.cfg.Insecure}

	for u.Ctx.Err() == nil {
		start := time.Now()
		var err error
		u.session = rtrlib.NewClientSession(config, u)
		if u.cfg.TLS {
			err = u.session.StartTLS(u.cfg.Addr, tlsConfig)
		} else {
			err = u.session.StartPlain(u.cfg.Addr)
		}

		if time.Since(start) > time.Hour {
			backoff = time.Second
		}

		u.Err(err).Str("addr", u.cfg.Addr).Msg("rtr-client connection ended, retrying")
		select {
		case <-u.Ctx.Done():
			return context.Cause(u.Ctx)
		case <-time.After(backoff):
			backoff = min(backoff*2, 5*time.Minute)
		}
	}
	return context.Cause(u.Ctx)
}

func (u *Unit) Stop() error {
	u.Cancel(nil)
	if u.session != nil {
		u.session.Disconnect()
	}
	return nil
}

// HandlePDU implements rtrlib.RTRClientSessionEventHandler.
func (u *Unit) HandlePDU(session *rtrlib.ClientSession, pdu rtrlib.PDU) {
	switch p := pdu.(type) {
	case *rtrlib.PDUIPv4Prefix:
		u.handlePrefix(p.Prefix, p.MaxLen, p.ASN, p.Flags)
	case *rtrlib.PDUIPv6Prefix:
		u.handlePrefix(p.Prefix, p.MaxLen, p.ASN, p.Flags)
	case *rtrlib.PDUEndOfData:
		u.applyPendingChanges()
		u.Info().Uint32("serial", p.SerialNumber).Msg("rtr-client end of data")
	case *rtrlib.PDUCacheReset:
		u.Info().Msg("rtr-client cache reset requested")
		u.nextReset()
		session.SendResetQuery()
	case *rtrlib.PDUCacheResponse:
		u.Debug().Uint16("session", p.SessionId).Msg("rtr-client cache response")
	case *rtrlib.PDUSerialNotify:
		u.Debug().Uint32("serial", p.SerialNumber).Msg("rtr-client serial notify")
	case *rtrlib.PDUErrorReport:
		u.Warn().Uint16("code", p.ErrorCode).Str("text", p.ErrorMsg).Msg("rtr-client error")
	}
}

// ClientConnected implements rtrlib.RTRClientSessionEventHandler.
func (u *Unit) ClientConnected(session *rtrlib.ClientSession) {
	u.Info().Str("addr", u.cfg.Addr).Msg("rtr-client connected")
	u.nextReset()
	session.SendResetQuery()
}

// ClientDisconnected implements rtrlib.RTRClientSessionEventHandler.
func (u *Unit) ClientDisconnected(session *rtrlib.ClientSession) {
	u.Warn().Str("addr", u.cfg.Addr).Msg("rtr-client disconnected")
}

// handlePrefix processes a single VRP PDU from the upstream cache server.
// Router key PDUs are not handled here: the client library's event handler
// in this version only demultiplexes route origin prefixes, matching
// stages/rpki/rtr.go's usage in the teacher repo.
func (u *Unit) handlePrefix(prefix netip.Prefix, maxLen uint8, asn uint32, flags uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()

	p := payload.NewRouteOrigin(prefix.Masked(), maxLen, asn)
	i := slices.IndexFunc(u.pending, func(x payload.Payload) bool { return payload.Equal(x, p) })

	if flags == rtrlib.FLAG_ADDED {
		if i < 0 {
			u.pending = append(u.pending, p)
		}
	} else if i >= 0 {
		u.pending = slices.Delete(u.pending, i, i+1)
	}
}

// nextReset seeds pending from the currently published set, ready to accept
// this cycle's incremental or full PDU stream (stages/rpki/rtr.go nextReset).
func (u *Unit) nextReset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = slices.Clone(u.current)
}

func (u *Unit) applyPendingChanges() {
	u.mu.Lock()
	set := payload.NewSet(u.pending...)
	u.current = set.Items()
	u.token++
	token := u.token
	u.mu.Unlock()

	u.Info().Int("count", set.Len()).Msg("rtr-client cache updated")
	u.gate.Publish(set, token)
	u.nextReset()
}
