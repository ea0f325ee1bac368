// Package wstransport implements the WebSocket sub-transport: handshake
// acceptance, per-peer connection binding, and send/receive plumbing on
// top of the hand-rolled codec in pkg/wsproto.
package wstransport

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/org-eventdance/webtransport/pkg/httpconn"
	"github.com/org-eventdance/webtransport/pkg/logging"
	"github.com/org-eventdance/webtransport/pkg/peer"
	"github.com/org-eventdance/webtransport/pkg/wsproto"
)

// ErrNotConnected is returned by Send when the peer has no bound,
// open WebSocket connection.
var ErrNotConnected = errors.New("wstransport: peer has no open connection")

// ReceiveHandler is invoked for each complete inbound message.
type ReceiveHandler func(p *peer.Peer, payload []byte, binary bool)

// Decision is the outcome of validate-peer, per §4.G's accumulator.
type Decision int

const (
	Accept Decision = iota
	Reject
	Pending
)

// Validator runs validate-peer for a newly created peer. Used only in
// standalone mode (see New's standalone option), where this
// sub-transport creates and validates peers itself rather than relying
// on the Web Transport Server orchestrator to have done so already.
type Validator func(p *peer.Peer) Decision

// Transport implements the WebSocket sub-transport against a shared
// Peer Registry.
type Transport struct {
	registry   *peer.Registry
	standalone bool
	validator  Validator
	onReceive  ReceiveHandler

	mu    sync.RWMutex
	conns map[string]*wsproto.Conn

	log *logging.Logger
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// Standalone enables this sub-transport to create and validate its own
// peers for requests that arrive without having gone through the Web
// Transport Server's `/handshake` first.
func Standalone(v Validator) Option {
	return func(t *Transport) {
		t.standalone = true
		t.validator = v
	}
}

// New creates a WebSocket transport bound to registry.
func New(registry *peer.Registry, opts ...Option) *Transport {
	t := &Transport{
		registry: registry,
		conns:    make(map[string]*wsproto.Conn),
		log:      logging.Global().WithComponent("wstransport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnReceive registers the handler invoked for each inbound message.
func (t *Transport) OnReceive(fn ReceiveHandler) { t.onReceive = fn }

// IsConnected reports whether p currently has a bound, open connection.
func (t *Transport) IsConnected(p *peer.Peer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[p.ID()]
	return ok
}

// PeerIDParam is the query parameter carrying the peer id on the
// WebSocket upgrade URL.
const PeerIDParam = "peer-id"

// Upgrade handles an inbound HTTP request targeting the WebSocket URL:
// it looks up (or, in standalone mode, creates) the peer, performs the
// RFC 6455 handshake, and on acceptance binds the resulting connection
// and drains any existing backlog onto it.
func (t *Transport) Upgrade(a httpconn.Adapter) {
	id := a.Query().Get(PeerIDParam)
	p, ok := t.registry.Lookup(id)
	if !ok {
		if !t.standalone {
			a.Respond(http.StatusNotFound, nil, nil)
			return
		}
		p = peer.New()
		if err := t.registry.Add(p); err != nil {
			a.Respond(http.StatusInternalServerError, nil, nil)
			return
		}
		if t.validator != nil {
			switch t.validator(p) {
			case Reject:
				a.Respond(http.StatusForbidden, nil, nil)
				return
			case Pending:
				// Standalone pending peers are not resumed asynchronously
				// here; a full implementation would stash the adapter and
				// resume on accept_peer/reject_peer, matching §4.G step 8.
				a.Respond(http.StatusServiceUnavailable, nil, nil)
				return
			}
		}
	}
	p.Touch()
	p.SetTransportRef("ws")

	conn, err := t.handshake(a)
	if err != nil {
		a.Respond(http.StatusBadRequest, nil, nil)
		return
	}

	wsConn := wsproto.NewConn(conn, wsproto.RoleServer)
	t.bind(p, wsConn)

	wsConn.OnMessage(func(payload []byte, binary bool) {
		p.Touch()
		if t.onReceive != nil {
			t.onReceive(p, payload, binary)
		}
	})
	wsConn.OnClose(func(graceful bool, code uint16, reason string) {
		t.unbind(p.ID())
	})

	go t.drainBacklog(p, wsConn)
	go wsConn.ReadLoop()
}

// handshake validates the upgrade request per §4.D, hijacks the
// connection, and writes the 101 response directly onto it. On success
// it returns the raw connection for the caller to wrap as a wsproto.Conn.
func (t *Transport) handshake(a httpconn.Adapter) (net.Conn, error) {
	if a.Header("Sec-WebSocket-Version") != "13" {
		return nil, errors.New("wstransport: unsupported Sec-WebSocket-Version")
	}
	if !strings.EqualFold(a.Header("Upgrade"), "websocket") {
		return nil, errors.New("wstransport: missing Upgrade: websocket")
	}
	if !headerContainsToken(a.Header("Connection"), "upgrade") {
		return nil, errors.New("wstransport: missing Connection: Upgrade")
	}
	key := a.Header("Sec-WebSocket-Key")
	if key == "" {
		return nil, errors.New("wstransport: missing Sec-WebSocket-Key")
	}

	conn, rw, err := a.Hijack()
	if err != nil {
		return nil, err
	}
	accept := wsproto.AcceptKey(key)
	rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	rw.WriteString("Upgrade: websocket\r\n")
	rw.WriteString("Connection: Upgrade\r\n")
	rw.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func (t *Transport) bind(p *peer.Peer, conn *wsproto.Conn) {
	t.mu.Lock()
	t.conns[p.ID()] = conn
	t.mu.Unlock()
}

func (t *Transport) unbind(peerID string) {
	t.mu.Lock()
	delete(t.conns, peerID)
	t.mu.Unlock()
}

func (t *Transport) drainBacklog(p *peer.Peer, conn *wsproto.Conn) {
	for {
		env, ok := p.Pop()
		if !ok {
			return
		}
		if err := conn.Send(env.Payload, env.Kind == peer.Binary); err != nil {
			p.Unshift(env.Payload, env.Kind)
			return
		}
	}
}

// Send implements the façade's send operation for this sub-transport.
func (t *Transport) Send(p *peer.Peer, payload []byte, kind peer.Kind) error {
	t.mu.RLock()
	conn, ok := t.conns[p.ID()]
	t.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return conn.Send(payload, kind == peer.Binary)
}

// PeerClosed implements the façade's peer-closed notification: if the
// peer still has an open connection, close it with the appropriate
// code.
func (t *Transport) PeerClosed(p *peer.Peer, graceful bool) {
	t.mu.RLock()
	conn, ok := t.conns[p.ID()]
	t.mu.RUnlock()
	if !ok {
		return
	}
	code := uint16(1006)
	if graceful {
		code = 1000
	}
	conn.Close(code, "")
}
