package rtr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
)

// connState is the per-connection state machine state (spec.md §4.3).
type connState int

const (
	stateAwaitQuery connState = iota
	stateIdle
	stateClosing
)

// Timers groups the refresh/retry/expire intervals returned in every End of
// Data PDU (spec.md §3, §4.3). The server does not enforce them; clients do.
type Timers struct {
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

// Conn drives one accepted RTR connection's bidirectional state machine,
// reacting to incoming PDUs and to new-version notifications from the
// target's link (spec.md §4.3).
type Conn struct {
	nc       net.Conn
	session  *Session
	link     *gate.Link
	timers   Timers
	log      zerolog.Logger
	version  uint8
	haveVers bool
	werr     error
}

// NewConn wraps an accepted connection for service by session.
func NewConn(nc net.Conn, session *Session, timers Timers, log zerolog.Logger) *Conn {
	return &Conn{nc: nc, session: session, timers: timers, log: log}
}

// Serve runs the connection until ctx is done, the peer disconnects, or a
// protocol error occurs. It always closes nc before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.nc.Close()
	c.link = c.session.Subscribe()
	defer c.link.Drop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pduResult struct {
		version uint8
		pdu     any
		err     error
	}
	pduCh := make(chan pduResult, 1)
	readNext := func() {
		go func() {
			v, p, err := Decode(c.nc)
			select {
			case pduCh <- pduResult{v, p, err}:
			case <-ctx.Done():
			}
		}()
	}
	readNext()

	notifyCh := make(chan struct{}, 1)
	go func() {
		for {
			_, _, err := c.link.Updated(ctx)
			if err != nil {
				return
			}
			select {
			case notifyCh <- struct{}{}:
			default:
			}
		}
	}()

	state := stateAwaitQuery
	for state != stateClosing {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-pduCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				if !errors.Is(r.err, io.ErrUnexpectedEOF) {
					c.sendError(ErrCorruptData, nil, r.err.Error())
				}
				return r.err
			}
			if !c.haveVers {
				c.version = r.version
				c.haveVers = true
			} else if r.version != c.version {
				c.sendError(ErrUnsupportedVersion, nil, "protocol version changed mid-session")
				return fmt.Errorf("rtr: version changed from %d to %d", c.version, r.version)
			}

			next, err := c.handlePDU(r.pdu)
			if err != nil {
				return err
			}
			state = next
			readNext()

		case <-notifyCh:
			if state == stateIdle {
				serial := c.session.Serial()
				c.write(SerialNotify{SessionID: c.session.SessionID(), Serial: serial})
			}
		}
	}
	return nil
}

// handlePDU processes one client PDU per spec.md §4.3 and returns the next
// state.
func (c *Conn) handlePDU(pdu any) (connState, error) {
	switch p := pdu.(type) {
	case ResetQuery:
		return c.handleResetQuery()
	case SerialQuery:
		return c.handleSerialQuery(p)
	case ErrorReport:
		c.log.Warn().Uint16("code", p.ErrorCode).Str("text", p.ErrorText).Msg("client sent error report")
		return stateClosing, fmt.Errorf("rtr: client error report: %s", p.ErrorText)
	default:
		c.sendError(ErrUnsupportedPDU, nil, "unsupported or malformed PDU")
		return stateClosing, fmt.Errorf("rtr: unsupported client PDU %T", pdu)
	}
}

func (c *Conn) handleResetQuery() (connState, error) {
	set, serial := c.session.Current()
	c.write(CacheResponse{SessionID: c.session.SessionID()})
	c.writeSet(set)
	c.write(EndOfData{
		SessionID: c.session.SessionID(),
		Serial:    serial,
		Refresh:   c.timers.Refresh,
		Retry:     c.timers.Retry,
		Expire:    c.timers.Expire,
	})
	return stateIdle, c.flushErr()
}

func (c *Conn) handleSerialQuery(q SerialQuery) (connState, error) {
	if q.SessionID != c.session.SessionID() {
		c.write(CacheReset{})
		return stateIdle, c.flushErr()
	}

	serial := c.session.Serial()
	if q.Serial == serial {
		c.write(EndOfData{
			SessionID: c.session.SessionID(),
			Serial:    serial,
			Refresh:   c.timers.Refresh,
			Retry:     c.timers.Retry,
			Expire:    c.timers.Expire,
		})
		return stateIdle, c.flushErr()
	}

	diff, ok := c.session.Lookup(q.Serial)
	if !ok {
		c.write(CacheReset{})
		return stateIdle, c.flushErr()
	}

	c.write(CacheResponse{SessionID: c.session.SessionID()})
	for _, p := range diff.Withdraw.Items() {
		c.writePayload(p, FlagWithdraw)
	}
	for _, p := range diff.Announce.Items() {
		c.writePayload(p, FlagAnnounce)
	}
	c.write(EndOfData{
		SessionID: c.session.SessionID(),
		Serial:    serial,
		Refresh:   c.timers.Refresh,
		Retry:     c.timers.Retry,
		Expire:    c.timers.Expire,
	})
	return stateIdle, c.flushErr()
}

func (c *Conn) writeSet(s payload.Set) {
	for _, p := range s.Items() {
		c.writePayload(p, FlagAnnounce)
	}
}

// writePayload emits one payload as the appropriate typed PDU, suppressing
// Router Key PDUs under protocol version 0 (spec.md §9 Open Question
// resolution recorded in SPEC_FULL.md / DESIGN.md). ASPA records have no
// assigned RTR PDU type in this protocol subset and are never emitted over
// the wire; they still flow through the payload-set pipeline for any
// non-RTR target.
func (c *Conn) writePayload(p payload.Payload, flags uint8) {
	switch p.Kind {
	case payload.KindRouteOrigin:
		ro := p.RouteOrigin
		if ro.Prefix.Addr().Is4() {
			c.write(IPv4Prefix{Flags: flags, Prefix: ro.Prefix, MaxLength: ro.MaxLength, ASN: ro.ASN})
		} else {
			c.write(IPv6Prefix{Flags: flags, Prefix: ro.Prefix, MaxLength: ro.MaxLength, ASN: ro.ASN})
		}
	case payload.KindRouterKey:
		if c.version >= Version1 {
			rk := p.RouterKey
			c.write(RouterKey{Flags: flags, SubjectKeyID: rk.SubjectKeyID, ASN: rk.ASN, SubjectPublicKeyInfo: rk.SubjectPublicKeyInfo})
		}
	case payload.KindAspa:
		// no wire representation in this PDU subset; intentionally dropped
	}
}

func (c *Conn) sendError(code uint16, pduCopy []byte, text string) {
	c.write(ErrorReport{ErrorCode: code, PDUCopy: pduCopy, ErrorText: text})
}

func (c *Conn) write(p any) {
	if c.werr != nil {
		return
	}
	buf, err := Encode(c.version, c.session.SessionID(), p)
	if err != nil {
		c.werr = err
		return
	}
	if _, err := c.nc.Write(buf); err != nil {
		c.werr = err
	}
}

func (c *Conn) flushErr() error {
	err := c.werr
	c.werr = nil
	return err
}
