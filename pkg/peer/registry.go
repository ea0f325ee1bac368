package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/org-eventdance/webtransport/pkg/logging"
)

// ErrExists is returned by Add when the id is already registered.
var ErrExists = errors.New("peer: id already registered")

// DefaultCleanupInterval is the minimum spacing between sweeps.
const DefaultCleanupInterval = 5 * time.Second

// DefaultPeerTimeout is the liveness threshold applied by IsAlive.
const DefaultPeerTimeout = 5 * time.Second

// NewPeerListener is invoked asynchronously after Add completes.
type NewPeerListener func(p *Peer)

// PeerClosedListener is invoked asynchronously after Close/sweep removes
// a peer.
type PeerClosedListener func(p *Peer, graceful bool)

// HasParkedCarrier reports whether a peer currently holds a parked
// long-polling GET. The registry asks the sub-transports this question
// at sweep time so a peer past its liveness window but still actively
// parked is not reaped; it is satisfied by wiring
// (*longpoll.Transport).HasParkedGET or an equivalent closure.
type HasParkedCarrier func(id string) bool

// Registry maps peer id to Peer and runs a rate-limited liveness sweep.
//
// Sweep is "piggybacked": Lookup may trigger it, but the
// internal last-sweep timestamp only advances once cleanup_interval has
// elapsed, so most calls are cheap map operations.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	cleanupInterval time.Duration
	peerTimeout     time.Duration
	lastSweep       time.Time

	hasParked HasParkedCarrier

	listenersMu   sync.Mutex
	newPeerFns    []NewPeerListener
	peerClosedFns []PeerClosedListener

	log *logging.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithTimeouts overrides the default cleanup interval and peer timeout.
func WithTimeouts(cleanupInterval, peerTimeout time.Duration) Option {
	return func(r *Registry) {
		r.cleanupInterval = cleanupInterval
		r.peerTimeout = peerTimeout
	}
}

// WithParkedCarrierCheck wires a callback the sweep consults before
// reaping a not-alive peer, so peers with a parked long-polling GET
// survive even past their liveness timeout.
func WithParkedCarrierCheck(fn HasParkedCarrier) Option {
	return func(r *Registry) { r.hasParked = fn }
}

// WithLogger attaches a component logger; defaults to a "peer"-tagged
// child of the global logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty process-wide (or per-transport, if the
// caller keeps a dedicated instance) Peer Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		peers:           make(map[string]*Peer),
		cleanupInterval: DefaultCleanupInterval,
		peerTimeout:     DefaultPeerTimeout,
		lastSweep:       time.Now(),
		log:             logging.Global().WithComponent("peer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnNewPeer registers a listener fired after a peer is added.
func (r *Registry) OnNewPeer(fn NewPeerListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.newPeerFns = append(r.newPeerFns, fn)
}

// OnPeerClosed registers a listener fired after a peer is removed.
func (r *Registry) OnPeerClosed(fn PeerClosedListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.peerClosedFns = append(r.peerClosedFns, fn)
}

// Add inserts peer into the registry, failing with ErrExists on a
// duplicate id. new-peer listeners fire asynchronously after Add
// returns, so a listener calling back into the registry cannot
// reenter Add.
func (r *Registry) Add(p *Peer) error {
	r.mu.Lock()
	if _, exists := r.peers[p.ID()]; exists {
		r.mu.Unlock()
		return ErrExists
	}
	r.peers[p.ID()] = p
	r.mu.Unlock()

	r.log.Debug("peer added", logging.Fields{"peer_id": p.ID()})
	r.emitNewPeer(p)
	return nil
}

// Lookup returns the peer for id, piggybacking a rate-limited sweep.
func (r *Registry) Lookup(id string) (*Peer, bool) {
	r.maybeSweep()
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Close removes peer from the registry, marks it closed, and fires
// peer-closed listeners asynchronously.
func (r *Registry) Close(p *Peer, graceful bool) {
	r.mu.Lock()
	_, existed := r.peers[p.ID()]
	delete(r.peers, p.ID())
	r.mu.Unlock()

	p.Close(graceful)
	if existed {
		r.log.Debug("peer closed", logging.Fields{"peer_id": p.ID(), "graceful": graceful})
		r.emitPeerClosed(p, graceful)
	}
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Sweep unconditionally scans for and reaps not-alive peers, ignoring
// the cleanup_interval rate limit. Exposed for tests and for callers
// that want a forced sweep (e.g. on shutdown).
func (r *Registry) Sweep() {
	now := time.Now()
	r.mu.Lock()
	r.lastSweep = now
	var dead []*Peer
	for id, p := range r.peers {
		if p.IsAlive(r.peerTimeout) {
			continue
		}
		if r.hasParked != nil && r.hasParked(id) {
			continue
		}
		dead = append(dead, p)
	}
	for _, p := range dead {
		delete(r.peers, p.ID())
	}
	r.mu.Unlock()

	for _, p := range dead {
		p.Close(false)
		r.log.Debug("peer reaped", logging.Fields{"peer_id": p.ID()})
		r.emitPeerClosed(p, false)
	}
}

// maybeSweep runs Sweep only if cleanup_interval has elapsed since the
// last sweep.
func (r *Registry) maybeSweep() {
	r.mu.RLock()
	due := time.Since(r.lastSweep) >= r.cleanupInterval
	r.mu.RUnlock()
	if due {
		r.Sweep()
	}
}

func (r *Registry) emitNewPeer(p *Peer) {
	r.listenersMu.Lock()
	fns := append([]NewPeerListener(nil), r.newPeerFns...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		go fn(p)
	}
}

func (r *Registry) emitPeerClosed(p *Peer, graceful bool) {
	r.listenersMu.Lock()
	fns := append([]PeerClosedListener(nil), r.peerClosedFns...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		go fn(p, graceful)
	}
}
