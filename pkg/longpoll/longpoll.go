// Package longpoll implements the Long-Polling sub-transport: two parked
// HTTP connections per peer (a GET that may park awaiting data, and a
// POST that delivers inbound data and never parks), framed with the
// envelope codec in pkg/envelope.
package longpoll

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/org-eventdance/webtransport/pkg/envelope"
	"github.com/org-eventdance/webtransport/pkg/httpconn"
	"github.com/org-eventdance/webtransport/pkg/logging"
	"github.com/org-eventdance/webtransport/pkg/peer"
)

// PeerIDParam is the query parameter carrying the peer id on every
// long-polling request.
const PeerIDParam = "peer-id"

// MaxEnvelopeSize bounds a single inbound envelope's payload, guarding
// against a malicious Content-Length-less POST body.
const MaxEnvelopeSize = 64 << 20 // 64 MiB

// ReceiveHandler is invoked once per inbound message parsed from a
// POST body, before the connection is drained/parked.
type ReceiveHandler func(p *peer.Peer, payload []byte)

// parkedGET is one GET connection currently parked awaiting backlog.
type parkedGET struct {
	seq     uint64
	adapter httpconn.Adapter
	done    chan struct{}
}

// Transport implements the Long-Polling sub-transport against a shared
// Peer Registry.
type Transport struct {
	registry *peer.Registry
	onReceive ReceiveHandler

	parkedMu sync.Mutex
	parked   map[string][]*parkedGET
	seq      atomic.Uint64

	log *logging.Logger
}

// New creates a Long-Polling transport bound to registry.
func New(registry *peer.Registry) *Transport {
	return &Transport{
		registry: registry,
		parked:   make(map[string][]*parkedGET),
		log:      logging.Global().WithComponent("longpoll"),
	}
}

// OnReceive registers the handler invoked for each inbound message.
func (t *Transport) OnReceive(fn ReceiveHandler) { t.onReceive = fn }

// HasParkedGET reports whether id currently holds a parked GET. Wired
// into peer.WithParkedCarrierCheck so the registry sweep does not reap a
// peer that is actively parked past its liveness timeout.
func (t *Transport) HasParkedGET(id string) bool {
	t.parkedMu.Lock()
	defer t.parkedMu.Unlock()
	return len(t.parked[id]) > 0
}

// ServeHTTP routes a request by its final path segment (receive, send,
// close) per the §4.E URL layout. Unrecognized actions are 404.
func (t *Transport) ServeHTTP(a httpconn.Adapter) {
	path := a.Path()
	switch {
	case strings.HasSuffix(path, "/receive"):
		t.handleReceive(a)
	case strings.HasSuffix(path, "/send"):
		t.handleSend(a)
	case strings.HasSuffix(path, "/close"):
		t.handleClose(a)
	default:
		a.Respond(http.StatusNotFound, nil, nil)
	}
}

func (t *Transport) lookupPeer(a httpconn.Adapter) (*peer.Peer, bool) {
	id := a.Query().Get(PeerIDParam)
	if id == "" {
		return nil, false
	}
	return t.registry.Lookup(id)
}

func (t *Transport) handleReceive(a httpconn.Adapter) {
	p, ok := t.lookupPeer(a)
	if !ok {
		a.Respond(http.StatusNotFound, nil, nil)
		return
	}
	p.Touch()
	p.SetTransportRef("lp")

	if p.BacklogLen() > 0 {
		t.drain(a, p, nil)
		return
	}
	t.park(a, p)
}

func (t *Transport) handleSend(a httpconn.Adapter) {
	p, ok := t.lookupPeer(a)
	if !ok {
		a.Respond(http.StatusNotFound, nil, nil)
		return
	}
	p.Touch()
	p.SetTransportRef("lp")

	body, err := a.ReadAllBody()
	if err != nil {
		a.Respond(http.StatusBadRequest, nil, nil)
		return
	}

	messages, err := envelope.DecodeAll(body, MaxEnvelopeSize)
	if err != nil {
		t.log.Debug("send: malformed envelope", logging.Fields{"peer_id": p.ID(), "err": err.Error()})
		a.Respond(http.StatusBadRequest, nil, nil)
		return
	}

	for _, msg := range messages {
		if t.onReceive != nil {
			t.onReceive(p, msg)
		}
	}

	t.drain(a, p, nil)
}

func (t *Transport) handleClose(a httpconn.Adapter) {
	p, ok := t.lookupPeer(a)
	if !ok {
		a.Respond(http.StatusNotFound, nil, nil)
		return
	}
	a.Respond(http.StatusOK, nil, nil)
	t.registry.Close(p, true)
}

// Send implements the façade's send operation for this sub-transport:
// if a GET is parked for peer, drain backlog plus payload onto it now;
// otherwise push onto the backlog for a future GET to pick up.
func (t *Transport) Send(p *peer.Peer, payload []byte, kind peer.Kind) error {
	if pg, ok := t.popParked(p.ID()); ok {
		t.drain(pg.adapter, p, &envelope.Fragment{Payload: payload})
		close(pg.done)
		return nil
	}
	return p.Push(payload, kind)
}

// drain writes response headers once, then every backlogged envelope
// (oldest first) plus an optional freshly-arrived fragment, as
// length-prefixed envelopes, then terminates the chunked body.
func (t *Transport) drain(a httpconn.Adapter, p *peer.Peer, extra *envelope.Fragment) {
	headers := http.Header{
		"Content-Type": []string{"text/plain; charset=utf-8"},
	}
	if a.KeepAlive() {
		headers.Set("Connection", "keep-alive")
	} else {
		headers.Set("Connection", "close")
	}
	if err := a.WriteResponseHeaders(http.StatusOK, headers); err != nil {
		return
	}

	envs := p.DrainAll()
	var wire []byte
	for _, env := range envs {
		wire = envelope.Encode(wire, env.Payload, false)
	}
	if extra != nil {
		wire = envelope.Encode(wire, extra.Payload, false)
	}

	if len(wire) > 0 {
		if err := a.WriteChunk(wire); err != nil {
			// Restore what we failed to deliver so the oldest ends up at
			// the head: the newest (extra) goes back first.
			if extra != nil {
				p.Unshift(extra.Payload, peer.Text)
			}
			for i := len(envs) - 1; i >= 0; i-- {
				p.Unshift(envs[i].Payload, envs[i].Kind)
			}
			return
		}
	}
	a.CloseChunkedBody()
}

func (t *Transport) park(a httpconn.Adapter, p *peer.Peer) {
	pg := &parkedGET{
		seq:     t.seq.Add(1),
		adapter: a,
		done:    make(chan struct{}),
	}

	t.parkedMu.Lock()
	t.parked[p.ID()] = append(t.parked[p.ID()], pg)
	t.parkedMu.Unlock()

	go func() {
		select {
		case <-a.Context().Done():
			t.removeParked(p.ID(), pg.seq)
		case <-pg.done:
		}
	}()
}

func (t *Transport) popParked(peerID string) (*parkedGET, bool) {
	t.parkedMu.Lock()
	defer t.parkedMu.Unlock()

	list := t.parked[peerID]
	if len(list) == 0 {
		return nil, false
	}
	pg := list[0]
	t.parked[peerID] = list[1:]
	return pg, true
}

func (t *Transport) removeParked(peerID string, seq uint64) {
	t.parkedMu.Lock()
	defer t.parkedMu.Unlock()

	list := t.parked[peerID]
	for i, pg := range list {
		if pg.seq == seq {
			t.parked[peerID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
