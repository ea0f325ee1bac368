// Package peer implements Peer identity, liveness, and the outbound
// message backlog shared by both transport sub-transports.
package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes text from binary backlog payloads.
type Kind int

const (
	Text Kind = iota
	Binary
)

// Errors returned by Peer operations.
var (
	ErrClosed      = errors.New("peer: closed")
	ErrBacklogFull = errors.New("peer: backlog full")
)

// Envelope is one queued outbound payload.
type Envelope struct {
	Payload []byte
	Kind    Kind
}

// BacklogPolicy controls behavior once a bounded backlog is full.
type BacklogPolicy int

const (
	// PolicyReject fails the push with ErrBacklogFull. Default.
	PolicyReject BacklogPolicy = iota
	// PolicyDropOldest evicts the head envelope to make room.
	PolicyDropOldest
	// PolicyDropNew silently discards the incoming push.
	PolicyDropNew
)

// Peer holds identity, liveness, and the backlog for one transport client.
// A Peer outlives individual HTTP connections: it is created at handshake
// time and reused across long-polling reconnects.
type Peer struct {
	id string

	mu        sync.Mutex
	lastTouch time.Time
	backlog   []Envelope
	closed    bool

	maxBacklog int
	policy     BacklogPolicy

	// transportRef names the sub-transport currently carrying this peer
	// ("ws" or "lp"), or empty if unbound. It is informational only;
	// the actual connection binding lives in the sub-transport packages.
	transportRef string
}

// New creates a Peer with a freshly generated id.
func New() *Peer {
	return NewWithID(uuid.New().String())
}

// NewWithID creates a Peer with an explicit id, for testing.
func NewWithID(id string) *Peer {
	return &Peer{
		id:         id,
		lastTouch:  time.Now(),
		maxBacklog: 1024,
		policy:     PolicyReject,
	}
}

// ID returns the peer's opaque identity string.
func (p *Peer) ID() string { return p.id }

// SetBacklogLimit configures the maximum queued envelope count and the
// policy applied once that limit is reached. limit <= 0 means unbounded.
func (p *Peer) SetBacklogLimit(limit int, policy BacklogPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBacklog = limit
	p.policy = policy
}

// TransportRef reports which sub-transport currently carries this peer.
func (p *Peer) TransportRef() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transportRef
}

// SetTransportRef records which sub-transport currently carries this peer.
func (p *Peer) SetTransportRef(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transportRef = name
}

// Touch updates last_touch to now.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTouch = time.Now()
}

// IsAlive reports whether the peer has been touched within timeout.
func (p *Peer) IsAlive(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastTouch) <= timeout
}

// Push appends a payload to the backlog tail and touches the peer.
func (p *Peer) Push(payload []byte, kind Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.maxBacklog > 0 && len(p.backlog) >= p.maxBacklog {
		switch p.policy {
		case PolicyDropOldest:
			p.backlog = p.backlog[1:]
		case PolicyDropNew:
			return nil
		default:
			return ErrBacklogFull
		}
	}
	p.backlog = append(p.backlog, Envelope{Payload: payload, Kind: kind})
	p.lastTouch = time.Now()
	return nil
}

// Unshift puts an envelope back at the backlog head. Used when a send
// attempt fails after the envelope was already popped.
func (p *Peer) Unshift(payload []byte, kind Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.backlog = append([]Envelope{{Payload: payload, Kind: kind}}, p.backlog...)
	return nil
}

// Pop removes and returns the backlog head, if any.
func (p *Peer) Pop() (Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return Envelope{}, false
	}
	env := p.backlog[0]
	p.backlog = p.backlog[1:]
	return env, true
}

// DrainAll removes and returns the entire backlog, in FIFO order.
func (p *Peer) DrainAll() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return nil
	}
	out := p.backlog
	p.backlog = nil
	return out
}

// BacklogLen reports the number of queued envelopes.
func (p *Peer) BacklogLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the peer closed. Subsequent Push/Unshift fail with
// ErrClosed. graceful is informational for callers emitting peer-closed.
func (p *Peer) Close(graceful bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
