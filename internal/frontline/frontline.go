// Package frontline implements Frontline: the transport and transaction
// manager component. It accepts/dials peer connections
// through internal/peer.Agent, manages the Hop-by-Hop transaction table
// (internal/txn + internal/timer), synthesizes DIAMETER_UNABLE_TO_DELIVER
// answers on timeout or downstream teardown, and dispatches every message
// through the Core Router (internal/router) for manipulation and peer
// selection.
package frontline

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"github.com/coriolis-dsc/dsc/internal/obs"
	"github.com/coriolis-dsc/dsc/internal/peer"
	"github.com/coriolis-dsc/dsc/internal/router"
	"github.com/coriolis-dsc/dsc/internal/timer"
	"github.com/coriolis-dsc/dsc/internal/txn"
	"go.uber.org/zap"
)

// defaultRequestTimeout is used when a VR's RequestTimeout is unset.
const defaultRequestTimeout = 4 * time.Second

// drainGrace bounds how long Close waits for outstanding transactions to
// finish on their own before forcing a synthesized 3002 on whatever
// remains. Kept comfortably under cmd/dscd's overall shutdownGrace so
// Close always has time to deliver the forced answers before the process
// gives up waiting on it.
const drainGrace = 5 * time.Second

// drainPollInterval is how often Close checks whether the transaction
// table has emptied during the grace period.
const drainPollInterval = 50 * time.Millisecond

// notifyQueueCapacity bounds the channel every peer.Agent posts UP/DOWN
// notifications to.
const notifyQueueCapacity = 1024

// Frontline owns every peer Agent, the transaction table and timer wheel,
// and wires both to the Core Router. One Frontline instance serves every
// configured VR; VR isolation is expressed in the data (config.Snapshot),
// not in separate component instances, matching the single-binary process
// model.
type Frontline struct {
	holder     *config.Holder
	dictionary *dict.Dictionary
	vendorID   uint32
	localHost  string
	localRealm string

	router  *router.Router
	txns    *txn.Table
	wheel   *timer.Wheel
	metrics *obs.Metrics
	logger  *zap.SugaredLogger

	reg      *registry
	notifyCh chan peer.Notification

	connSeq atomic.Uint64
	hbhSeq  atomic.Uint32

	listener net.Listener
}

// New builds a Frontline. localHost/localRealm is the Diameter Identity
// this process presents on every connection it initiates or accepts,
// independent of any VR's own LocalIdentity used for Route-Record loop
// detection.
func New(holder *config.Holder, d *dict.Dictionary, vendorID uint32, localHost, localRealm string, metrics *obs.Metrics, logger *zap.SugaredLogger) *Frontline {
	reg := newRegistry()
	f := &Frontline{
		holder:     holder,
		dictionary: d,
		vendorID:   vendorID,
		localHost:  localHost,
		localRealm: localRealm,
		txns:       txn.NewTable(),
		wheel:      timer.New(10*time.Millisecond, 4096),
		metrics:    metrics,
		logger:     logger,
		reg:        reg,
		notifyCh:   make(chan peer.Notification, notifyQueueCapacity),
	}
	f.router = router.New(reg.isLive, nil)
	return f
}

// Start begins the timer wheel and the notification consumer, then dials
// every configured client-role peer. Call once, after the first config
// snapshot is installed.
func (f *Frontline) Start(ctx context.Context) {
	f.wheel.Start()
	go f.consumeNotifications(ctx)
	f.connectConfiguredPeers()
}

// Close stops accepting new connections, waits up to drainGrace for
// outstanding transactions to complete on their own, force-fails whatever
// is still outstanding with a synthesized 3002, then tears down the timer
// wheel. Peer Agents themselves are not closed here, since an Agent
// closing can itself generate the teardown notifications
// drainAndFailOutstanding's answers race against; cmd/dscd's shutdown
// sequence does not close them either.
func (f *Frontline) Close() {
	if f.listener != nil {
		f.listener.Close()
	}
	f.drainAndFailOutstanding(drainGrace)
	f.wheel.Stop()
}

// drainAndFailOutstanding polls the transaction table until it empties or
// grace elapses, then synthesizes and delivers a 3002 for every
// transaction still outstanding at that point — the same answer onTimeout
// would have produced, just forced early instead of waiting out each
// transaction's own timer.
func (f *Frontline) drainAndFailOutstanding(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for f.txns.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	remaining := f.txns.RemoveAll()
	for _, rec := range remaining {
		rec.TimerHandle.Cancel()
		f.metrics.TimeoutsTotal.WithLabelValues(rec.VRID).Inc()
		f.deliverToSource(rec, f.synthesizeTimeoutAnswer(rec))
	}
	if len(remaining) > 0 {
		f.logger.Infow("shutdown grace period elapsed, forced answers for outstanding transactions", "count", len(remaining))
	}
}

// ListenAndServe accepts inbound peer connections on address and spawns a
// passive Agent for each, blocking until the listener is closed. Run it in
// its own goroutine.
func (f *Frontline) ListenAndServe(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("frontline: listen %s: %w", address, err)
	}
	f.listener = l
	f.logger.Infow("frontline listening", "address", address)

	for {
		conn, err := l.Accept()
		if err != nil {
			return nil // listener closed during shutdown
		}
		connID := f.connSeq.Add(1)
		a := peer.NewPassiveAgent(connID, conn, f.resolvePeer, f.dictionary, f.localHost, f.localRealm, f.vendorID, f.handleMessage, f.notifyCh, f.logger)
		f.reg.add(a)
	}
}

func (f *Frontline) connectConfiguredPeers() {
	snap := f.holder.Load()
	if snap == nil {
		return
	}
	for host, def := range snap.Peers {
		if def.Role != config.RoleClient {
			continue
		}
		vrIDs := vrIDsForPeer(snap, host)
		connID := f.connSeq.Add(1)
		a := peer.NewActiveAgent(connID, def, vrIDs, f.dictionary, f.localHost, f.localRealm, f.vendorID, peer.TCPTransport{}, f.handleMessage, f.notifyCh, f.logger)
		f.reg.add(a)
		f.reg.bindHost(connID, host, vrIDs)
	}
}

// resolvePeer is the passive-Agent callback that turns an inbound CER's
// Origin-Host into its configured PeerDef and VR membership.
func (f *Frontline) resolvePeer(originHost string) (config.PeerDef, []string, bool) {
	snap := f.holder.Load()
	if snap == nil {
		return config.PeerDef{}, nil, false
	}
	def, ok := snap.Peers[originHost]
	if !ok {
		return config.PeerDef{}, nil, false
	}
	return def, vrIDsForPeer(snap, originHost), true
}

// vrIDsForPeer returns every VR whose route table selects a pool that
// lists host as a candidate peer. A peer's VR membership is derived from
// the routing configuration rather than declared directly on PeerDef,
// since the same physical peer can legitimately serve more than one VR.
func vrIDsForPeer(snap *config.Snapshot, host string) []string {
	var out []string
	for vrID, rules := range snap.Routes {
		for _, rule := range rules {
			pool, ok := snap.Pools[rule.PoolID]
			if !ok {
				continue
			}
			if containsHost(pool.PeerHosts, host) {
				out = append(out, vrID)
				break
			}
		}
	}
	return out
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (f *Frontline) consumeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-f.notifyCh:
			f.onNotification(n)
		}
	}
}

func (f *Frontline) onNotification(n peer.Notification) {
	state := 0.0
	if n.Up {
		state = 1.0
		f.reg.bindHost(n.ConnectionID, n.PeerHost, n.VRIDs)
	} else {
		f.teardownConnection(n.ConnectionID)
	}
	f.metrics.PeerStateGauge.WithLabelValues(n.PeerHost).Set(state)
}

// teardownConnection handles a downstream connection dropping: every
// transaction sourced from the closed connection is dropped (there is no
// one left to answer); every transaction whose downstream leg was the
// closed connection is either dropped-with-counter or, for a VR opted into
// SynthesizeOnTeardown, answered with a synthesized 3002 instead of the
// default silent drop.
func (f *Frontline) teardownConnection(connID uint64) {
	snap := f.holder.Load()

	for _, rec := range f.txns.RemoveByConnection(connID) {
		rec.TimerHandle.Cancel()
		f.metrics.TeardownDiscardsTotal.WithLabelValues(rec.VRID).Inc()
	}

	for _, rec := range f.txns.RemoveByDownstreamConnection(connID) {
		rec.TimerHandle.Cancel()
		if snap != nil && snap.VRs[rec.VRID].SynthesizeOnTeardown {
			f.metrics.TimeoutsTotal.WithLabelValues(rec.VRID).Inc()
			f.deliverToSource(rec, f.synthesizeTimeoutAnswer(rec))
		} else {
			f.metrics.TeardownDiscardsTotal.WithLabelValues(rec.VRID).Inc()
		}
	}
}

// handleMessage is the peer.MessageHandler wired into every Agent. A nil,
// nil result tells the Agent that Frontline has taken ownership of
// answering asynchronously (the forward case); any other non-nil result is
// sent back immediately on the same connection.
func (f *Frontline) handleMessage(connID uint64, peerHost string, m *codec.Message) (*codec.Message, error) {
	snap := f.holder.Load()
	if snap == nil {
		return nil, fmt.Errorf("frontline: no configuration installed")
	}
	if !m.IsRequest {
		f.handleAnswer(connID, m, snap)
		return nil, nil
	}
	return f.handleRequest(connID, peerHost, m, snap), nil
}

func (f *Frontline) handleRequest(connID uint64, peerHost string, m *codec.Message, snap *config.Snapshot) *codec.Message {
	vrIDs := f.reg.vrIDsForConn(connID)
	if len(vrIDs) == 0 {
		return codec.NewErrorAnswer(snap.Dictionary, m, codec.ResultUnableToComply, f.localHost, f.localRealm)
	}
	vrID := vrIDs[0]
	vr := snap.VRs[vrID]
	f.metrics.RequestsTotal.WithLabelValues(vrID).Inc()

	out, action := f.router.Process(m, vrID, snap)
	switch action.Kind {
	case router.ActionReply:
		f.countAnswer(vrID, action.Answer)
		return action.Answer
	case router.ActionDiscard:
		return nil
	case router.ActionForward:
		target, ok := f.reg.byPeerHost(action.TargetHost)
		if !ok || !target.IsOpen() {
			ans := codec.NewErrorAnswer(snap.Dictionary, out, codec.ResultUnableToDeliver, vr.LocalIdentity, vr.LocalRealm)
			f.countAnswer(vrID, ans)
			return ans
		}
		f.forward(connID, peerHost, out, vrID, vr, target)
		return nil
	default:
		return nil
	}
}

func (f *Frontline) forward(sourceConnID uint64, sourcePeerHost string, m *codec.Message, vrID string, vr config.VRMeta, target *peer.Agent) {
	originalHopByHop := m.HopByHopID
	m.HopByHopID = f.nextHopByHop()

	sessionID, _ := m.GetStringAVP(0, 263)

	rec := &txn.Record{
		Key:                   txn.Key{ConnectionID: target.ConnectionID, HopByHopID: m.HopByHopID},
		IngressTime:           time.Now(),
		SourceConnectionID:    sourceConnID,
		SourcePeerHost:        sourcePeerHost,
		OriginalCommandCode:   m.CommandCode,
		OriginalApplicationID: m.ApplicationID,
		OriginalHopByHopID:    originalHopByHop,
		OriginalEndToEndID:    m.EndToEndID,
		SessionID:             sessionID,
		OriginHost:            vr.LocalIdentity,
		OriginRealm:           vr.LocalRealm,
		VRID:                  vrID,
	}

	if !f.txns.Insert(rec) {
		f.logger.Errorw("transaction table insert collision", "conn", target.ConnectionID, "hop_by_hop_id", rec.Key.HopByHopID)
		return
	}

	timeout := vr.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	rec.TimerHandle = f.wheel.Schedule(timeout, func() { f.onTimeout(rec) })

	target.SendRequest(m)
}

func (f *Frontline) onTimeout(rec *txn.Record) {
	if _, ok := f.txns.Remove(rec.Key); !ok {
		return // answer already won the race
	}
	f.metrics.TimeoutsTotal.WithLabelValues(rec.VRID).Inc()
	f.deliverToSource(rec, f.synthesizeTimeoutAnswer(rec))
}

// synthesizeTimeoutAnswer builds the 3002 answer from the transaction
// record alone, without the original request body.
func (f *Frontline) synthesizeTimeoutAnswer(rec *txn.Record) *codec.Message {
	avps := []codec.AVP{
		{Code: 268, Value: uint32(codec.ResultUnableToDeliver)},
		{Code: 264, Value: rec.OriginHost},
		{Code: 296, Value: rec.OriginRealm},
	}
	if rec.SessionID != "" {
		avps = append([]codec.AVP{{Code: 263, Value: rec.SessionID}}, avps...)
	}
	return &codec.Message{
		Version: 1, IsRequest: false, IsError: true,
		CommandCode: rec.OriginalCommandCode, ApplicationID: rec.OriginalApplicationID,
		HopByHopID: rec.OriginalHopByHopID, EndToEndID: rec.OriginalEndToEndID,
		AVPs: avps,
	}
}

func (f *Frontline) handleAnswer(connID uint64, m *codec.Message, snap *config.Snapshot) {
	key := txn.Key{ConnectionID: connID, HopByHopID: m.HopByHopID}
	rec, ok := f.txns.Remove(key)
	if !ok {
		f.metrics.LateAnswersDiscarded.WithLabelValues("unknown").Inc()
		return
	}
	rec.TimerHandle.Cancel()

	m.HopByHopID = rec.OriginalHopByHopID
	out, _ := f.router.Process(m, rec.VRID, snap)
	f.countAnswer(rec.VRID, out)
	f.deliverToSource(rec, out)
}

func (f *Frontline) countAnswer(vrID string, m *codec.Message) {
	rc, _ := m.GetResultCode()
	f.metrics.AnswersTotal.WithLabelValues(vrID, strconv.Itoa(int(rc))).Inc()
}

func (f *Frontline) deliverToSource(rec *txn.Record, m *codec.Message) {
	src, ok := f.reg.byConnection(rec.SourceConnectionID)
	if !ok {
		return
	}
	src.SendAnswer(m)
}

func (f *Frontline) nextHopByHop() uint32 { return f.hbhSeq.Add(1) }

// InjectPeerStatus feeds an out-of-process UP/DOWN notification (internal/admin's
// POST /peer-status) through the same channel and consumer path as a local
// Agent's own notify() calls, so a future split-process Peer Agent deployment
// behaves identically to the in-process one.
func (f *Frontline) InjectPeerStatus(n peer.Notification) {
	f.notifyCh <- n
}

// Ready reports the process's readiness signal: true once a configuration
// snapshot is installed and, for every VR, either at least one of its pools'
// peers is Open or the VR has no client-role peers to wait on (a pure
// Server-role VR is ready as soon as it can accept connections).
func (f *Frontline) Ready() bool {
	snap := f.holder.Load()
	if snap == nil {
		return false
	}
	for vrID, rules := range snap.Routes {
		if !f.vrHasLivePeer(snap, vrID, rules) {
			return false
		}
	}
	return true
}

func (f *Frontline) vrHasLivePeer(snap *config.Snapshot, vrID string, rules []config.RouteRule) bool {
	sawClientPeer := false
	for _, rule := range rules {
		pool, ok := snap.Pools[rule.PoolID]
		if !ok {
			continue
		}
		for _, host := range pool.PeerHosts {
			def, ok := snap.Peers[host]
			if !ok || def.Role != config.RoleClient {
				continue
			}
			sawClientPeer = true
			if f.reg.isLive(host) {
				return true
			}
		}
	}
	return !sawClientPeer
}
