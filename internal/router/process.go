// Package router implements the Core Router: the pure process(msg, config)
// function that applies ingress manipulation, loop detection, route
// selection, peer selection, Route-Record maintenance, and egress
// manipulation / topology hiding.
//
// process contains no suspension points — no channel send/receive, no I/O —
// it is pure computation over a snapshot reference. The round-robin cursor
// is the only mutable router state touched: a short mutex-guarded lookup of
// the pool's cursor, then an atomic advance.
package router

import (
	"strings"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
)

// ActionKind is the disposition Process returns for one message.
type ActionKind int

const (
	ActionForward ActionKind = iota
	ActionReply
	ActionDiscard
)

// Action is the outcome of routing one message: either forward it to a
// peer host, reply with a locally built answer, or silently discard it.
type Action struct {
	Kind       ActionKind
	TargetHost string
	Answer     *codec.Message
}

// LiveCheck reports whether the named peer is currently eligible for
// routing (FSM state Open). Supplied by Frontline/the peer registry so the
// router stays decoupled from the peer actor package.
type LiveCheck func(peerHost string) bool

// OutstandingCounter returns a peer's current outstanding-request count,
// used by the LeastConnection strategy. Optional; nil means
// LeastConnection degrades to RoundRobin.
type OutstandingCounter func(peerHost string) int

// Router holds the pieces of mutable state the pure process() function
// still needs cross-call: each pool's round-robin cursor. Everything else
// (routes, rules, peers) comes from the *config.Snapshot passed per call.
type Router struct {
	cursors *cursorSet
	IsLive  LiveCheck
	Outstd  OutstandingCounter
}

// New builds a Router. isLive and outstanding may be nil in tests that only
// exercise manipulation/loop-detection. With a nil isLive, peer selection
// applies no liveness filter and treats every peer in the pool as eligible.
func New(isLive LiveCheck, outstanding OutstandingCounter) *Router {
	return &Router{cursors: newCursorSet(), IsLive: isLive, Outstd: outstanding}
}

// Process runs the full request pipeline (ingress manipulation, loop
// detection, route selection, peer selection, Route-Record, egress
// manipulation) for a request, or just egress manipulation (no routing, no
// loop detection) for an answer.
func (r *Router) Process(m *codec.Message, vrID string, snap *config.Snapshot) (*codec.Message, Action) {
	vr, ok := snap.VRs[vrID]
	if !ok {
		return m, Action{Kind: ActionDiscard}
	}

	if !m.IsRequest {
		applyManipulation(m, snap.ManipulationRulesFor(vrID, config.Egress), snap.Dictionary)
		return m, Action{Kind: ActionForward}
	}

	applyManipulation(m, snap.ManipulationRulesFor(vrID, config.Ingress), snap.Dictionary)

	if m.HasRouteRecord(vr.LocalIdentity) {
		return m, Action{Kind: ActionReply, Answer: codec.NewErrorAnswer(snap.Dictionary, m, codec.ResultLoopDetected, vr.LocalIdentity, vr.LocalRealm)}
	}

	poolID, found := r.selectPool(m, snap.RoutesFor(vrID))
	if !found {
		return m, Action{Kind: ActionReply, Answer: codec.NewErrorAnswer(snap.Dictionary, m, codec.ResultRealmNotServed, vr.LocalIdentity, vr.LocalRealm)}
	}

	pool, ok := snap.Pools[poolID]
	if !ok {
		return m, Action{Kind: ActionReply, Answer: codec.NewErrorAnswer(snap.Dictionary, m, codec.ResultRealmNotServed, vr.LocalIdentity, vr.LocalRealm)}
	}

	target, ok := r.selectPeer(pool)
	if !ok {
		return m, Action{Kind: ActionReply, Answer: codec.NewErrorAnswer(snap.Dictionary, m, codec.ResultUnableToDeliver, vr.LocalIdentity, vr.LocalRealm)}
	}

	m.AddAVP(snap.Dictionary, "Route-Record", vr.LocalIdentity)

	applyManipulation(m, snap.ManipulationRulesFor(vrID, config.Egress), snap.Dictionary)

	return m, Action{Kind: ActionForward, TargetHost: target}
}

// selectPool walks the VR's route table in ascending priority order
// (routes is assumed already sorted and tie-broken by config.Validate; this
// function does not re-sort on the hot path), using a fixed match-order
// within equal priority: DestinationHost (if the AVP is present) ->
// ApplicationCommand -> DestinationRealm -> Default.
func (r *Router) selectPool(m *codec.Message, routes []config.RouteRule) (string, bool) {
	destHost, hasDestHost := m.GetStringAVP(0, 293)
	destRealm, _ := m.GetStringAVP(0, 283)

	for _, rule := range routes {
		switch rule.Kind {
		case config.MatchDestinationHost:
			if hasDestHost && strings.EqualFold(destHost, rule.DestinationHost) {
				return rule.PoolID, true
			}
		case config.MatchApplicationCommand:
			if m.ApplicationID == rule.ApplicationID && m.CommandCode == rule.CommandCode {
				return rule.PoolID, true
			}
		case config.MatchDestinationRealm:
			if strings.EqualFold(destRealm, rule.DestinationRealm) {
				return rule.PoolID, true
			}
		case config.MatchDefault:
			return rule.PoolID, true
		}
	}
	return "", false
}

// selectPeer filters a pool for Open peers and applies its load-balance
// strategy.
func (r *Router) selectPeer(pool config.Pool) (string, bool) {
	eligible := pool.PeerHosts
	if r.IsLive != nil {
		eligible = eligible[:0:0]
		for _, h := range pool.PeerHosts {
			if r.IsLive(h) {
				eligible = append(eligible, h)
			}
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	switch pool.Strategy {
	case config.Random:
		return eligible[randIndex(len(eligible))], true
	case config.LeastConnection:
		if r.Outstd == nil {
			return r.roundRobin(pool.ID, eligible), true
		}
		best := eligible[0]
		bestCount := r.Outstd(best)
		for _, h := range eligible[1:] {
			if c := r.Outstd(h); c < bestCount {
				best, bestCount = h, c
			}
		}
		return best, true
	default: // RoundRobin
		return r.roundRobin(pool.ID, eligible), true
	}
}

func (r *Router) roundRobin(poolID string, eligible []string) string {
	n := r.cursors.next(poolID)
	return eligible[n%uint64(len(eligible))]
}
