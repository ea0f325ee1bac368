// Package webtransport implements the Web Transport Server orchestrator
// (component G) and the Transport Façade (component H): mechanism
// negotiation, URL routing under a configurable base path, the
// validate-peer accumulator, and send/receive/close dispatch across
// whichever sub-transport currently carries a peer.
package webtransport

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/org-eventdance/webtransport/pkg/httpconn"
	"github.com/org-eventdance/webtransport/pkg/logging"
	"github.com/org-eventdance/webtransport/pkg/longpoll"
	"github.com/org-eventdance/webtransport/pkg/peer"
	"github.com/org-eventdance/webtransport/pkg/wstransport"
)

// Header names exchanged during the handshake, per §4.G/§6.
const (
	MechanismHeader = "X-Org-EventDance-WebTransport-Mechanism"
	PeerIDHeader    = "X-Org-EventDance-WebTransport-Peer-Id"
	URLHeader       = "X-Org-EventDance-WebTransport-Url"
)

// Mechanism names as exchanged on the wire.
const (
	MechanismWebSocket  = "web-socket"
	MechanismLongPoll   = "long-polling"
)

// Decision is the global outcome of validate-peer after folding every
// registered listener's vote.
type Decision int

const (
	Accept Decision = iota
	Reject
	Pending
)

// Validator is a validate-peer listener. Multiple may be registered;
// see foldDecisions for the accumulator semantics.
type Validator func(p *peer.Peer) Decision

// Config configures a Server.
type Config struct {
	BasePath          string
	EnableWebSocket   bool
	EnableLongPolling bool
	CORS              CORSConfig
}

// DefaultConfig returns the spec's defaults: base path /transport, both
// sub-transports enabled.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/transport",
		EnableWebSocket:   true,
		EnableLongPolling: true,
	}
}

type pendingHandshake struct {
	mechanism string
	decision  chan Decision
}

// Server is the Web Transport Server orchestrator and Transport Façade.
type Server struct {
	cfg      Config
	registry *peer.Registry
	lp       *longpoll.Transport
	ws       *wstransport.Transport

	validatorsMu sync.RWMutex
	validators   []Validator

	pendingMu sync.Mutex
	pending   map[string]*pendingHandshake

	log *logging.Logger
}

// New creates a Server around the caller-supplied Peer Registry and the
// two sub-transports built from it; both sub-transports share registry.
func New(cfg Config, registry *peer.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		pending:  make(map[string]*pendingHandshake),
		log:      logging.Global().WithComponent("webtransport"),
	}
	s.lp = longpoll.New(registry)
	s.ws = wstransport.New(registry)

	registry.OnPeerClosed(func(p *peer.Peer, graceful bool) {
		s.ws.PeerClosed(p, graceful)
	})

	return s
}

// LongPoll returns the underlying Long-Polling sub-transport.
func (s *Server) LongPoll() *longpoll.Transport { return s.lp }

// WebSocket returns the underlying WebSocket sub-transport.
func (s *Server) WebSocket() *wstransport.Transport { return s.ws }

// ReceiveHandler is invoked for each inbound message, regardless of
// which sub-transport carried it, implementing the façade's
// callback-driven receive(peer).
type ReceiveHandler func(p *peer.Peer, payload []byte, binary bool)

// OnReceive registers the handler invoked for every inbound message
// across both sub-transports.
func (s *Server) OnReceive(fn ReceiveHandler) {
	s.lp.OnReceive(func(p *peer.Peer, payload []byte) {
		fn(p, payload, false)
	})
	s.ws.OnReceive(func(p *peer.Peer, payload []byte, binary bool) {
		fn(p, payload, binary)
	})
}

// AddValidator registers a validate-peer listener. Order of
// registration does not affect the fold's outcome.
func (s *Server) AddValidator(v Validator) {
	s.validatorsMu.Lock()
	defer s.validatorsMu.Unlock()
	s.validators = append(s.validators, v)
}

// foldDecisions implements §4.G's accumulator: any REJECT short-
// circuits to REJECT; else any PENDING yields PENDING; else ACCEPT.
func (s *Server) foldDecisions(p *peer.Peer) Decision {
	s.validatorsMu.RLock()
	defer s.validatorsMu.RUnlock()

	result := Accept
	for _, v := range s.validators {
		switch v(p) {
		case Reject:
			return Reject
		case Pending:
			result = Pending
		}
	}
	return result
}

// Router builds a gin.Engine with CORS and the §4.G URL layout wired in.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(preflightMiddleware(s.cfg.CORS))
	r.Use(ginCORSMiddleware(s.cfg.CORS))

	base := strings.TrimRight(s.cfg.BasePath, "/")
	r.GET(base+"/handshake", s.handleHandshakeGin)
	r.POST(base+"/handshake", s.handleHandshakeGin)

	r.GET(base+"/lp/receive", s.delegateLP)
	r.POST(base+"/lp/send", s.delegateLP)
	r.GET(base+"/lp/close", s.delegateLP)

	r.GET(base+"/ws", s.delegateWS)

	return r
}

func (s *Server) delegateLP(c *gin.Context) {
	a := httpconn.New(c.Writer, c.Request)
	s.lp.ServeHTTP(a)
}

func (s *Server) delegateWS(c *gin.Context) {
	a := httpconn.New(c.Writer, c.Request)
	s.ws.Upgrade(a)
}

func (s *Server) handleHandshakeGin(c *gin.Context) {
	s.Handshake(httpconn.New(c.Writer, c.Request))
}

// Handshake implements §4.G's negotiation algorithm against any
// httpconn.Adapter, independent of the gin wiring above.
func (s *Server) Handshake(a httpconn.Adapter) {
	mechanisms := a.Header(MechanismHeader)
	if mechanisms == "" {
		a.Respond(http.StatusServiceUnavailable, nil, nil)
		return
	}

	mechanism, ok := s.negotiate(mechanisms)
	if !ok {
		a.Respond(http.StatusServiceUnavailable, nil, nil)
		return
	}

	p := peer.New()
	if err := s.registry.Add(p); err != nil {
		a.Respond(http.StatusInternalServerError, nil, nil)
		return
	}
	if mechanism == MechanismWebSocket {
		p.SetTransportRef("ws")
	} else {
		p.SetTransportRef("lp")
	}

	switch s.foldDecisions(p) {
	case Reject:
		s.registry.Close(p, true)
		a.Respond(http.StatusForbidden, nil, nil)
	case Pending:
		s.stashPending(a, p, mechanism)
	default:
		s.acceptHandshake(a, p, mechanism)
	}
}

func (s *Server) negotiate(requested string) (string, bool) {
	fields := strings.FieldsFunc(requested, func(r rune) bool {
		return r == ',' || r == ' '
	})
	has := func(name string) bool {
		for _, f := range fields {
			if strings.EqualFold(strings.TrimSpace(f), name) {
				return true
			}
		}
		return false
	}
	if s.cfg.EnableWebSocket && has(MechanismWebSocket) {
		return MechanismWebSocket, true
	}
	if s.cfg.EnableLongPolling && has(MechanismLongPoll) {
		return MechanismLongPoll, true
	}
	return "", false
}

func (s *Server) acceptHandshake(a httpconn.Adapter, p *peer.Peer, mechanism string) {
	headers := http.Header{}
	headers.Set(MechanismHeader, mechanism)
	headers.Set(PeerIDHeader, p.ID())
	headers.Set(URLHeader, s.transportURL(a, mechanism))
	a.Respond(http.StatusOK, headers, nil)
}

func (s *Server) transportURL(a httpconn.Adapter, mechanism string) string {
	base := strings.TrimRight(s.cfg.BasePath, "/")
	if mechanism == MechanismLongPoll {
		return base + "/lp"
	}

	scheme := "ws"
	if a.Header("X-Forwarded-Proto") == "https" || a.Header("Scheme") == "https" {
		scheme = "wss"
	}
	host := a.Header("Host")
	return scheme + "://" + host + base + "/ws"
}

// stashPending holds a handshake open while validate-peer listeners are
// pending, per §4.G step 8. AcceptPeer/RejectPeer resume it; the
// connection's context cancellation releases it without a decision.
func (s *Server) stashPending(a httpconn.Adapter, p *peer.Peer, mechanism string) {
	ph := &pendingHandshake{mechanism: mechanism, decision: make(chan Decision, 1)}

	s.pendingMu.Lock()
	s.pending[p.ID()] = ph
	s.pendingMu.Unlock()

	select {
	case d := <-ph.decision:
		s.pendingMu.Lock()
		delete(s.pending, p.ID())
		s.pendingMu.Unlock()
		if d == Reject {
			s.registry.Close(p, true)
			a.Respond(http.StatusForbidden, nil, nil)
			return
		}
		s.acceptHandshake(a, p, mechanism)
	case <-a.Context().Done():
		s.pendingMu.Lock()
		delete(s.pending, p.ID())
		s.pendingMu.Unlock()
		s.registry.Close(p, false)
	}
}

// AcceptPeer resumes a PENDING handshake with ACCEPT, per §4.G step 8.
func (s *Server) AcceptPeer(p *peer.Peer) {
	s.resolvePending(p, Accept)
}

// RejectPeer resumes a PENDING handshake with REJECT, per §4.G step 8.
func (s *Server) RejectPeer(p *peer.Peer) {
	s.resolvePending(p, Reject)
}

func (s *Server) resolvePending(p *peer.Peer, d Decision) {
	s.pendingMu.Lock()
	ph, ok := s.pending[p.ID()]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ph.decision <- d:
	default:
	}
}

// ErrUnknownPeer names the error for a peer id with no corresponding
// registered peer. No Server method returns it; LookupPeer reports a miss
// through its boolean result.
var ErrUnknownPeer = errors.New("webtransport: unknown peer")

// LookupPeer implements the façade's lookup_peer.
func (s *Server) LookupPeer(id string) (*peer.Peer, bool) {
	return s.registry.Lookup(id)
}

// Send implements the façade's send: dispatches to whichever sub-
// transport currently carries the peer, falling back to the backlog
// when the peer has no live connection.
func (s *Server) Send(p *peer.Peer, payload []byte, kind peer.Kind) error {
	switch p.TransportRef() {
	case "ws":
		err := s.ws.Send(p, payload, kind)
		if errors.Is(err, wstransport.ErrNotConnected) {
			return p.Push(payload, kind)
		}
		return err
	default:
		return s.lp.Send(p, payload, kind)
	}
}

// PeerIsConnected implements the façade's peer_is_connected.
func (s *Server) PeerIsConnected(p *peer.Peer) bool {
	switch p.TransportRef() {
	case "ws":
		return s.ws.IsConnected(p)
	case "lp":
		return s.lp.HasParkedGET(p.ID())
	default:
		return false
	}
}

// ClosePeer implements the façade's close_peer.
func (s *Server) ClosePeer(p *peer.Peer, graceful bool) {
	s.registry.Close(p, graceful)
}
