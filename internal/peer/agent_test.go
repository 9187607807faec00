package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"github.com/coriolis-dsc/dsc/internal/obs"
)

func TestAgentHandshakeEmitsUpNotification(t *testing.T) {
	d := dict.Base()
	client, server := net.Pipe()

	notifyCh := make(chan Notification, 4)
	def := config.PeerDef{Host: "peerB", Address: "ignored", Port: 0, MaxWatchdogFailures: 2,
		ReconnectBackoffInitial: 10 * time.Millisecond, ReconnectBackoffMax: time.Second}

	// Drive the server side by hand: read the CER, reply CEA.
	go func() {
		m, err := codec.ReadMessage(server, d)
		if err != nil || m.CommandCode != 257 {
			return
		}
		cea := &codec.Message{Version: 1, CommandCode: 257, AVPs: []codec.AVP{
			{Code: 264, Value: "peerB"},
			{Code: 296, Value: "realmB"},
			{Code: 268, Value: uint32(codec.ResultSuccess)},
		}}
		cea.WriteTo(server)
	}()

	a := newAgent(1, def, []string{"vr1"}, d, "dsc.local", "local.realm", 99, directTransport{client}, nil, notifyCh, obs.NewNop(), RoleClient)
	a.wg.Add(1)
	go a.run()
	a.inbox <- startMsg{}

	select {
	case n := <-notifyCh:
		if !n.Up || n.PeerHost != "peerB" || n.Seq != 1 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UP notification")
	}

	if !a.IsOpen() {
		t.Fatalf("expected agent to be Open after CEA")
	}
}

// directTransport hands back a pre-established connection instead of
// dialing, for tests driving both ends of a net.Pipe by hand.
type directTransport struct{ conn net.Conn }

func (d directTransport) DialContext(ctx context.Context, address string, port int) (net.Conn, error) {
	return d.conn, nil
}

// heartbeatTransport is a directTransport that also implements
// HeartbeatTransport, recording every probe it's asked to send.
type heartbeatTransport struct {
	directTransport
	calls chan net.Conn
	err   error
}

func (h heartbeatTransport) Heartbeat(conn net.Conn) error {
	h.calls <- conn
	return h.err
}

func TestSendHeartbeatUsesTransportWhenAvailable(t *testing.T) {
	d := dict.Base()
	client, server := net.Pipe()
	defer server.Close()
	hb := heartbeatTransport{directTransport: directTransport{client}, calls: make(chan net.Conn, 1)}

	def := config.PeerDef{Host: "peerB", MaxWatchdogFailures: 2,
		ReconnectBackoffInitial: 10 * time.Millisecond, ReconnectBackoffMax: time.Second}
	a := newAgent(1, def, nil, d, "dsc.local", "local.realm", 0, hb, nil, nil, obs.NewNop(), RoleClient)
	a.conn = client
	a.fsm.State = WaitICEA

	a.sendHeartbeat()

	select {
	case got := <-hb.calls:
		if got != client {
			t.Fatalf("expected heartbeat issued against the agent's own connection")
		}
	default:
		t.Fatal("expected Heartbeat to be called")
	}
}

func TestSendHeartbeatNoOpsWithoutHeartbeatTransport(t *testing.T) {
	d := dict.Base()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := config.PeerDef{Host: "peerB", MaxWatchdogFailures: 2,
		ReconnectBackoffInitial: 10 * time.Millisecond, ReconnectBackoffMax: time.Second}
	a := newAgent(1, def, nil, d, "dsc.local", "local.realm", 0, TCPTransport{}, nil, nil, obs.NewNop(), RoleClient)
	a.conn = client
	a.fsm.State = WaitICEA

	// TCPTransport doesn't implement HeartbeatTransport; this must be a
	// silent no-op, not a panic.
	a.sendHeartbeat()
}

func TestWatchdogIntervalPicksByState(t *testing.T) {
	d := dict.Base()
	def := config.PeerDef{Host: "peerB", WatchdogInterval: 30 * time.Second, WatchdogTimeout: 7 * time.Second,
		MaxWatchdogFailures: 2, ReconnectBackoffInitial: 10 * time.Millisecond, ReconnectBackoffMax: time.Second}
	a := newAgent(1, def, nil, d, "dsc.local", "local.realm", 0, TCPTransport{}, nil, nil, obs.NewNop(), RoleClient)

	a.fsm.State = Open
	if got := a.watchdogInterval(); got != 30*time.Second {
		t.Fatalf("expected the configured watchdog interval while Open, got %v", got)
	}

	a.fsm.State = WaitICEA
	if got := a.watchdogInterval(); got != 7*time.Second {
		t.Fatalf("expected the configured heartbeat-probe interval while WaitICEA, got %v", got)
	}
}
