package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"go.uber.org/zap"
)

// eventLoopCapacity bounds the actor's inbox; a slow peer backs up here
// rather than blocking the reader that feeds it.
const eventLoopCapacity = 256

// Transport abstracts the connection-oriented primitive an Agent rides on.
// The default implementation dials/accepts plain TCP; a real deployment
// substitutes an SCTP implementation behind the same interface for
// multi-homing and native heartbeat, without touching the FSM
// or the actor loop.
type Transport interface {
	DialContext(ctx context.Context, address string, port int) (net.Conn, error)
}

// TCPTransport is the default Transport, used until a real SCTP library is
// wired in.
type TCPTransport struct{}

func (TCPTransport) DialContext(ctx context.Context, address string, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", address, port))
}

// HeartbeatTransport is implemented by a Transport that can issue a
// transport-level, no-payload liveness probe (an SCTP heartbeat chunk, for
// instance) distinct from Diameter's own DWR/DWA exchange. TCPTransport does
// not implement it, so an Agent running over plain TCP falls back to a
// logged no-op while WaitICEA — there is no transport primitive to ride.
type HeartbeatTransport interface {
	Heartbeat(conn net.Conn) error
}

// Notification is the UP/DOWN contract Agent emits to Frontline on every
// transition to/from Open. Seq is monotonic per peer host so a consumer can
// discard stale, out-of-order deliveries from an at-least-once channel.
type Notification struct {
	PeerHost     string
	Up           bool
	VRIDs        []string
	Seq          uint64
	ConnectionID uint64
}

// MessageHandler processes a non-base-application request received from the
// peer and returns the answer to send back (or an error, in which case the
// Agent sends a locally built DIAMETER_UNABLE_TO_COMPLY answer). In the DSC
// topology this is Frontline's ingress entry point.
type MessageHandler func(conn uint64, peerHost string, m *codec.Message) (*codec.Message, error)

// internal actor-loop messages, modeled on a DiameterPeer-style message set.
type connUpMsg struct{ conn net.Conn }
type connFailedMsg struct{ err error }
type readMsg struct{ m *codec.Message }
type readErrMsg struct{ err error }
type sendMsg struct{ m *codec.Message }
type closeCommandMsg struct{}
type startMsg struct{}

// peerResolver maps an inbound CER's Origin-Host to the configured peer
// definition and the VRs it serves. Set only on passive agents.
type peerResolver func(originHost string) (config.PeerDef, []string, bool)

// Agent drives one peer's FSM and owns its transport connection. All
// mutable state is touched only from run(), the single-threaded actor loop;
// nothing reaches into Agent fields from another goroutine.
type Agent struct {
	ConnectionID uint64
	Def          config.PeerDef
	VRIDs        []string

	dictionary *dict.Dictionary
	localHost  string
	localRealm string
	vendorID   uint32
	transport  Transport
	handler    MessageHandler
	notifyCh   chan<- Notification
	logger     *zap.SugaredLogger

	fsm *FSM

	resolvePeer peerResolver

	inbox chan interface{}
	done  chan struct{}

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	watchdogTicker *time.Ticker

	seq atomic.Uint64

	wg sync.WaitGroup
}

// NewActiveAgent creates an Agent that dials out to def.Address:def.Port and
// drives the CER/CEA handshake as the initiator.
func NewActiveAgent(connID uint64, def config.PeerDef, vrIDs []string, d *dict.Dictionary, localHost, localRealm string, vendorID uint32, transport Transport, handler MessageHandler, notifyCh chan<- Notification, logger *zap.SugaredLogger) *Agent {
	a := newAgent(connID, def, vrIDs, d, localHost, localRealm, vendorID, transport, handler, notifyCh, logger, RoleClient)
	a.wg.Add(1)
	go a.run()
	a.inbox <- startMsg{}
	return a
}

// NewPassiveAgent creates an Agent for an already-accepted connection; def
// is resolved once the CER's Origin-Host is read and matched against
// configuration (handleCER), as in passive peer.
func NewPassiveAgent(connID uint64, conn net.Conn, resolver func(originHost string) (config.PeerDef, []string, bool), d *dict.Dictionary, localHost, localRealm string, vendorID uint32, handler MessageHandler, notifyCh chan<- Notification, logger *zap.SugaredLogger) *Agent {
	a := newAgent(connID, config.PeerDef{Role: config.RoleServer}, nil, d, localHost, localRealm, vendorID, TCPTransport{}, handler, notifyCh, logger, RoleServer)
	a.resolvePeer = resolver
	a.wg.Add(1)
	go a.run()
	a.inbox <- connUpMsg{conn: conn}
	return a
}

func newAgent(connID uint64, def config.PeerDef, vrIDs []string, d *dict.Dictionary, localHost, localRealm string, vendorID uint32, transport Transport, handler MessageHandler, notifyCh chan<- Notification, logger *zap.SugaredLogger, role Role) *Agent {
	maxFail := def.MaxWatchdogFailures
	if maxFail <= 0 {
		maxFail = 2
	}
	backoffInit := def.ReconnectBackoffInitial
	if backoffInit <= 0 {
		backoffInit = time.Second
	}
	backoffMax := def.ReconnectBackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Agent{
		ConnectionID: connID,
		Def:          def,
		VRIDs:        vrIDs,
		dictionary:   d,
		localHost:    localHost,
		localRealm:   localRealm,
		vendorID:     vendorID,
		transport:    transport,
		handler:      handler,
		notifyCh:     notifyCh,
		logger:       logger,
		fsm:          New(role, maxFail, backoffInit, backoffMax),
		inbox:        make(chan interface{}, eventLoopCapacity),
		done:         make(chan struct{}),
	}
}

// Close requests a graceful disconnect (DPR/DPA) and blocks until the actor
// loop has exited.
func (a *Agent) Close() {
	a.inbox <- closeCommandMsg{}
	<-a.done
	a.wg.Wait()
}

// IsOpen reports whether the peer is currently eligible for routing. Safe
// to call from any goroutine: State is only ever written from run(), and a
// torn read of a single-word field is not a concern on any supported
// platform.
func (a *Agent) IsOpen() bool { return a.fsm.State == Open }

// SendRequest enqueues a Diameter request for transmission to this peer.
// Used by the Core Router's Forward action.
func (a *Agent) SendRequest(m *codec.Message) { a.inbox <- sendMsg{m: m} }

// SendAnswer enqueues a Diameter answer for transmission to this peer.
func (a *Agent) SendAnswer(m *codec.Message) { a.inbox <- sendMsg{m: m} }

func (a *Agent) run() {
	defer a.wg.Done()
	defer close(a.done)
	defer func() {
		if a.watchdogTicker != nil {
			a.watchdogTicker.Stop()
		}
		if a.conn != nil {
			a.conn.Close()
		}
	}()

	a.watchdogTicker = time.NewTicker(24 * time.Hour) // reset once Open

	for {
		select {
		case <-a.watchdogTicker.C:
			a.dispatch(Event{Kind: EvWatchdogTimerExpiry})
		case in, ok := <-a.inbox:
			if !ok {
				return
			}
			if a.handleInbox(in) {
				return
			}
		}
	}
}

// handleInbox processes one actor-loop message and reports whether the
// actor should terminate.
func (a *Agent) handleInbox(in interface{}) bool {
	switch v := in.(type) {
	case startMsg:
		a.dispatch(Event{Kind: EvStart})
		if a.fsm.State == WaitConnAck {
			a.beginConnect()
		}

	case connUpMsg:
		a.conn = v.conn
		a.reader = bufio.NewReader(a.conn)
		a.writer = bufio.NewWriter(a.conn)
		a.wg.Add(1)
		go a.readLoop()
		a.dispatch(Event{Kind: EvConnectionUp})

	case connFailedMsg:
		a.dispatch(Event{Kind: EvConnectionFailed})
		return true

	case readMsg:
		a.handleReceived(v.m)

	case readErrMsg:
		a.logger.Debugw("peer read error", "peer", a.Def.Host, "error", v.err)
		a.dispatch(Event{Kind: EvConnectionFailed})
		return true

	case sendMsg:
		a.writeMessage(v.m)

	case closeCommandMsg:
		a.dispatch(Event{Kind: EvDisconnectRequest})
	}
	return false
}

func (a *Agent) beginConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		conn, err := a.transport.DialContext(ctx, a.Def.Address, a.Def.Port)
		if err != nil {
			a.inbox <- connFailedMsg{err: err}
			return
		}
		a.inbox <- connUpMsg{conn: conn}
	}()
}

// dispatch runs the FSM and interprets each returned action.
func (a *Agent) dispatch(ev Event) {
	before := a.fsm.State
	actions := a.fsm.Step(ev)
	for _, act := range actions {
		a.execute(act)
	}
	if before != a.fsm.State {
		a.logger.Debugw("peer state transition", "peer", a.Def.Host, "from", before, "to", a.fsm.State)
	}
}

func (a *Agent) execute(act Action) {
	switch act.Kind {
	case ActConnectToPeer:
		a.beginConnect()
	case ActDisconnectPeer:
		if a.conn != nil {
			a.conn.Close()
		}
	case ActSendCER:
		a.writeMessage(a.buildCER())
	case ActSendCEASuccess:
		a.writeMessage(a.buildCEA(codec.ResultSuccess))
	case ActSendCEAFailure:
		a.writeMessage(a.buildCEA(codec.ResultUnknownPeer))
	case ActSendDWR:
		a.writeMessage(a.buildBaseRequest(280)) // Device-Watchdog-Request command code
	case ActSendDWA:
		a.writeMessage(a.buildBaseAnswer(280, codec.ResultSuccess))
	case ActSendDPR:
		a.writeMessage(a.buildBaseRequest(282)) // Disconnect-Peer-Request command code
	case ActSendDPA:
		a.writeMessage(a.buildBaseAnswer(282, codec.ResultSuccess))
	case ActResetWatchdogTimer:
		a.watchdogTicker.Reset(a.watchdogInterval())
	case ActSendHeartbeat:
		a.sendHeartbeat()
	case ActNotifyUp:
		a.notify(true)
	case ActNotifyDown:
		a.notify(false)
	case ActScheduleReconnect:
		time.AfterFunc(a.fsm.Backoff, func() {
			a.inbox <- startMsg{}
		})
	case ActLog:
		a.logger.Debugw("peer fsm", "peer", a.Def.Host, "note", act.Note)
	}
}

// watchdogInterval picks the ticker period for the current FSM state: the
// configured DWR/DWA interval while Open, or the shorter heartbeat-probe
// interval otherwise, reusing a.watchdogTicker for both strategies.
func (a *Agent) watchdogInterval() time.Duration {
	if a.fsm.UsesWatchdog() {
		if a.Def.WatchdogInterval > 0 {
			return a.Def.WatchdogInterval
		}
		return 30 * time.Second
	}
	if a.Def.WatchdogTimeout > 0 {
		return a.Def.WatchdogTimeout
	}
	return 10 * time.Second
}

// sendHeartbeat issues a transport-level liveness probe while WaitICEA, in
// place of the DWR/DWA exchange that requires an already-Open peer. A
// Transport that doesn't implement HeartbeatTransport (plain TCP) has no
// such primitive, so this just logs and lets reconnect/backoff cover the
// case where the connection is actually dead.
func (a *Agent) sendHeartbeat() {
	hb, ok := a.transport.(HeartbeatTransport)
	if !ok || a.conn == nil {
		a.logger.Debugw("no transport-level heartbeat available, relying on CEA/connection-failure detection", "peer", a.Def.Host)
		return
	}
	if err := hb.Heartbeat(a.conn); err != nil {
		a.logger.Debugw("transport heartbeat failed", "peer", a.Def.Host, "error", err)
		a.dispatch(Event{Kind: EvConnectionFailed})
	}
}

func (a *Agent) notify(up bool) {
	if a.notifyCh == nil {
		return
	}
	seq := a.seq.Add(1)
	a.notifyCh <- Notification{PeerHost: a.Def.Host, Up: up, VRIDs: a.VRIDs, Seq: seq, ConnectionID: a.ConnectionID}
}

func (a *Agent) readLoop() {
	defer a.wg.Done()
	for {
		m, err := codec.ReadMessage(a.reader, a.dictionary)
		if err != nil {
			a.inbox <- readErrMsg{err: err}
			return
		}
		a.inbox <- readMsg{m: m}
	}
}

func (a *Agent) writeMessage(m *codec.Message) {
	if m == nil || a.writer == nil {
		return
	}
	if _, err := m.WriteTo(a.writer); err != nil {
		a.inbox <- readErrMsg{err: err}
		return
	}
	a.writer.Flush()
}

// handleReceived classifies the inbound message for the FSM and, for
// non-base-application requests, hands it to the MessageHandler (Frontline)
// rather than interpreting it itself — the Agent only terminates Diameter's
// connection-management applications.
func (a *Agent) handleReceived(m *codec.Message) {
	if m.CommandCode == 257 && m.IsRequest && a.fsm.State == WaitICEA {
		// Passive peer: resolve the peer identity/VR membership *before*
		// letting the FSM step, so a rejected CER never transitions to
		// Open.
		if !a.handleCER(m) {
			return
		}
	}
	if m.ApplicationID == 0 && isBaseCommand(m.CommandCode) {
		a.dispatch(Event{Kind: EvMessageReceived, Message: classifyBase(m)})
		return
	}

	if !m.IsRequest {
		// Answers for data-plane requests are matched by Frontline's
		// transaction table, not by the Agent; just pass through.
		if a.handler != nil {
			a.handler(a.ConnectionID, a.Def.Host, m)
		}
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		resp, err := a.handler(a.ConnectionID, a.Def.Host, m)
		if err != nil {
			resp = codec.NewErrorAnswer(a.dictionary, m, codec.ResultUnableToComply, a.localHost, a.localRealm)
		}
		// A nil, nil result means Frontline took ownership of answering this
		// request asynchronously (proxied downstream); nothing to send now.
		if resp == nil {
			return
		}
		a.inbox <- sendMsg{m: resp}
	}()
}

func isBaseCommand(cc uint32) bool {
	switch cc {
	case 257, 280, 282: // CER/CEA, DWR/DWA, DPR/DPA
		return true
	default:
		return false
	}
}

func classifyBase(m *codec.Message) MessageKind {
	switch m.CommandCode {
	case 257:
		if m.IsRequest {
			return MsgCER
		}
		if rc, ok := m.GetResultCode(); ok && rc == codec.ResultSuccess {
			return MsgCEA
		}
		return MsgCEAFailed
	case 280:
		if m.IsRequest {
			return MsgDWR
		}
		return MsgDWA
	case 282:
		if m.IsRequest {
			return MsgDPR
		}
		return MsgDPA
	default:
		return MsgOther
	}
}

// handleCER validates an inbound CER against configuration (passive agents
// only) and resolves this Agent's peer identity/VR membership from it. It
// reports false (and has already sent a rejecting CEA and closed the
// connection) when the Origin-Host is not a configured peer — the FSM never
// sees this as a successful handshake, so it cannot reach Open.
func (a *Agent) handleCER(m *codec.Message) bool {
	if a.resolvePeer == nil {
		return true
	}
	originHost, _ := m.GetStringAVP(0, 264)
	def, vrIDs, ok := a.resolvePeer(originHost)
	if !ok {
		a.logger.Errorw("rejecting CER from unconfigured peer", "originHost", originHost)
		a.writeMessage(a.buildCEA(codec.ResultUnknownPeer))
		if a.conn != nil {
			a.conn.Close()
		}
		return false
	}
	a.Def = def
	a.VRIDs = vrIDs
	return true
}

func (a *Agent) buildCER() *codec.Message {
	return &codec.Message{Version: 1, IsRequest: true, CommandCode: 257, ApplicationID: 0,
		HopByHopID: a.nextID(), EndToEndID: a.nextID(),
		AVPs: a.originAVPs()}
}

func (a *Agent) buildCEA(resultCode uint32) *codec.Message {
	avps := append(a.originAVPs(), codec.AVP{Code: 268, Value: resultCode})
	return &codec.Message{Version: 1, IsRequest: false, CommandCode: 257, ApplicationID: 0, AVPs: avps}
}

func (a *Agent) buildBaseRequest(cc uint32) *codec.Message {
	return &codec.Message{Version: 1, IsRequest: true, CommandCode: cc, ApplicationID: 0,
		HopByHopID: a.nextID(), EndToEndID: a.nextID(), AVPs: a.originAVPs()}
}

func (a *Agent) buildBaseAnswer(cc uint32, resultCode uint32) *codec.Message {
	avps := append(a.originAVPs(), codec.AVP{Code: 268, Value: resultCode})
	return &codec.Message{Version: 1, IsRequest: false, CommandCode: cc, ApplicationID: 0, AVPs: avps}
}

func (a *Agent) originAVPs() []codec.AVP {
	return []codec.AVP{
		{Code: 264, Value: a.localHost},
		{Code: 296, Value: a.localRealm},
		{Code: 266, Value: a.vendorID},
	}
}

var idCounter atomic.Uint32

func (a *Agent) nextID() uint32 { return idCounter.Add(1) }
