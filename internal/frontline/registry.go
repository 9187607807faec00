package frontline

import (
	"sync"

	"github.com/coriolis-dsc/dsc/internal/peer"
)

// registry is Frontline's live view of every peer Agent, indexed both by
// connection id (for delivering an answer back to its originating
// connection) and by Diameter Host (for the Core Router's peer-selection
// step).
//
// A passive Agent's host is not known until its CER resolves, so add()
// only ever registers the connection id; bindHost is the single place that
// later associates a connection with its Diameter Host and VR membership,
// called both right after creating an active Agent (host already known
// from configuration) and from the notification consumer once a passive
// Agent's first UP notification arrives.
type registry struct {
	mu        sync.RWMutex
	byConn    map[uint64]*peer.Agent
	byHost    map[string]*peer.Agent
	vrsByConn map[uint64][]string
}

func newRegistry() *registry {
	return &registry{
		byConn:    make(map[uint64]*peer.Agent),
		byHost:    make(map[string]*peer.Agent),
		vrsByConn: make(map[uint64][]string),
	}
}

func (r *registry) add(a *peer.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[a.ConnectionID] = a
}

// bindHost associates connID's Agent with host and its VR membership. Safe
// to call repeatedly (e.g. on every reconnect); it always overwrites with
// the latest values.
func (r *registry) bindHost(connID uint64, host string, vrIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byConn[connID]
	if !ok {
		return
	}
	r.byHost[host] = a
	r.vrsByConn[connID] = vrIDs
}

func (r *registry) byConnection(connID uint64) (*peer.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byConn[connID]
	return a, ok
}

func (r *registry) byPeerHost(host string) (*peer.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byHost[host]
	return a, ok
}

// isLive adapts the registry to router.LiveCheck: eligible only once the
// peer's FSM has actually reached Open, not merely once it has been seen.
func (r *registry) isLive(host string) bool {
	a, ok := r.byPeerHost(host)
	return ok && a.IsOpen()
}

func (r *registry) vrIDsForConn(connID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vrsByConn[connID]
}
