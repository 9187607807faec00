package frontline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coriolis-dsc/dsc/internal/codec"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"github.com/coriolis-dsc/dsc/internal/obs"
	"github.com/coriolis-dsc/dsc/internal/peer"
)

// directTransport hands back a pre-established connection instead of
// dialing, for driving both ends of a net.Pipe by hand in tests.
type directTransport struct{ conn net.Conn }

func (d directTransport) DialContext(ctx context.Context, address string, port int) (net.Conn, error) {
	return d.conn, nil
}

// openAgent builds an Agent over a net.Pipe, drives a minimal CER/CEA
// handshake on the remote end so the Agent reaches Open, then registers it
// into f's registry exactly as the notification consumer would. Returns
// the Agent and the remote side of the pipe (for inspecting what it
// writes).
func openAgent(t *testing.T, f *Frontline, connID uint64, host string, vrIDs []string) (*peer.Agent, net.Conn) {
	t.Helper()
	d := dict.Base()
	client, remote := net.Pipe()

	go func() {
		m, err := codec.ReadMessage(remote, d)
		if err != nil || m.CommandCode != 257 {
			return
		}
		cea := &codec.Message{Version: 1, CommandCode: 257, AVPs: []codec.AVP{
			{Code: 264, Value: host},
			{Code: 296, Value: "realm." + host},
			{Code: 268, Value: uint32(codec.ResultSuccess)},
		}}
		cea.WriteTo(remote)
	}()

	def := config.PeerDef{Host: host, Address: "ignored", Port: 0, MaxWatchdogFailures: 2,
		ReconnectBackoffInitial: 10 * time.Millisecond, ReconnectBackoffMax: time.Second}
	a := peer.NewActiveAgent(connID, def, vrIDs, d, "dsc.local", "local.realm", 0,
		directTransport{client}, f.handleMessage, f.notifyCh, obs.NewNop())

	select {
	case n := <-f.notifyCh:
		if !n.Up {
			t.Fatalf("expected UP notification for %s", host)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to reach Open", host)
	}
	f.reg.add(a)
	f.reg.bindHost(connID, host, vrIDs)
	return a, remote
}

func testSnapshot(timeout time.Duration) *config.Snapshot {
	d := dict.Base()
	return &config.Snapshot{
		Dictionary: d,
		VRs: map[string]config.VRMeta{
			"vr1": {ID: "vr1", LocalIdentity: "dsc.local", LocalRealm: "local.realm", RequestTimeout: timeout},
		},
		Pools: map[string]config.Pool{
			"pool-A": {ID: "pool-A", PeerHosts: []string{"peerX"}, Strategy: config.RoundRobin},
		},
		Routes: map[string][]config.RouteRule{
			"vr1": {{Priority: 10, Kind: config.MatchDefault, PoolID: "pool-A"}},
		},
		Peers: map[string]config.PeerDef{
			"peerX": {Host: "peerX", Role: config.RoleClient},
		},
	}
}

func TestForwardThenTimeoutSynthesizes3002(t *testing.T) {
	d := dict.Base()
	holder := config.NewHolder(testSnapshot(30 * time.Millisecond))

	f := New(holder, d, 0, "dsc.local", "local.realm", obs.NewMetrics(), obs.NewNop())
	// Only the timer wheel is started: Start would also consume f.notifyCh,
	// which openAgent reads directly.
	f.wheel.Start()
	defer f.wheel.Stop()

	_, targetRemote := openAgent(t, f, 1, "peerX", []string{"vr1"})
	defer targetRemote.Close()

	_, sourceRemote := openAgent(t, f, 2, "sourceHost", []string{"vr1"})
	defer sourceRemote.Close()

	// Drain whatever the target Agent writes (the forwarded request) so its
	// write side never blocks; the point of this test is the timeout path,
	// not the target ever answering.
	go func() {
		for {
			if _, err := codec.ReadMessage(targetRemote, d); err != nil {
				return
			}
		}
	}()

	req := &codec.Message{Version: 1, IsRequest: true, CommandCode: 316, ApplicationID: 16777251,
		HopByHopID: 7, EndToEndID: 9, AVPs: []codec.AVP{{Code: 283, Value: "operator.net"}}}

	resp, err := f.handleMessage(2, "sourceHost", req)
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected async forward (nil response), got %+v", resp)
	}

	sourceRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	answer, err := codec.ReadMessage(sourceRemote, d)
	if err != nil {
		t.Fatalf("expected synthesized 3002 to reach source: %v", err)
	}
	rc, _ := answer.GetResultCode()
	if rc != codec.ResultUnableToDeliver {
		t.Fatalf("expected 3002, got %d", rc)
	}
	if answer.HopByHopID != 7 || answer.EndToEndID != 9 {
		t.Fatalf("expected original hop-by-hop/end-to-end ids preserved, got %d/%d", answer.HopByHopID, answer.EndToEndID)
	}
	if !answer.IsError || answer.IsRequest {
		t.Fatalf("expected R=0 E=1, got IsRequest=%v IsError=%v", answer.IsRequest, answer.IsError)
	}
}

func TestDrainForcesOutstandingTransactionsTo3002(t *testing.T) {
	d := dict.Base()
	// A long RequestTimeout so the transaction's own timer would never fire
	// during this test; only the forced drain should produce an answer.
	holder := config.NewHolder(testSnapshot(time.Minute))

	f := New(holder, d, 0, "dsc.local", "local.realm", obs.NewMetrics(), obs.NewNop())

	_, targetRemote := openAgent(t, f, 1, "peerX", []string{"vr1"})
	defer targetRemote.Close()

	_, sourceRemote := openAgent(t, f, 2, "sourceHost", []string{"vr1"})
	defer sourceRemote.Close()

	go func() {
		for {
			if _, err := codec.ReadMessage(targetRemote, d); err != nil {
				return
			}
		}
	}()

	req := &codec.Message{Version: 1, IsRequest: true, CommandCode: 316, ApplicationID: 16777251,
		HopByHopID: 11, EndToEndID: 13, AVPs: []codec.AVP{{Code: 283, Value: "operator.net"}}}

	if resp, err := f.handleMessage(2, "sourceHost", req); err != nil || resp != nil {
		t.Fatalf("expected async forward (nil, nil), got resp=%+v err=%v", resp, err)
	}

	if f.txns.Len() != 1 {
		t.Fatalf("expected one outstanding transaction before drain, got %d", f.txns.Len())
	}

	f.drainAndFailOutstanding(50 * time.Millisecond)

	if f.txns.Len() != 0 {
		t.Fatalf("expected drain to empty the transaction table, got %d remaining", f.txns.Len())
	}

	sourceRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	answer, err := codec.ReadMessage(sourceRemote, d)
	if err != nil {
		t.Fatalf("expected a forced 3002 to reach the source on drain, got error: %v", err)
	}
	rc, _ := answer.GetResultCode()
	if rc != codec.ResultUnableToDeliver {
		t.Fatalf("expected 3002, got %d", rc)
	}
	if answer.HopByHopID != 11 || answer.EndToEndID != 13 {
		t.Fatalf("expected original hop-by-hop/end-to-end ids preserved, got %d/%d", answer.HopByHopID, answer.EndToEndID)
	}
}

func TestVRIDsForPeerFindsAllMatchingVRs(t *testing.T) {
	snap := testSnapshot(time.Second)
	snap.Routes["vr2"] = []config.RouteRule{{Priority: 10, Kind: config.MatchDefault, PoolID: "pool-A"}}

	got := vrIDsForPeer(snap, "peerX")
	if len(got) != 2 {
		t.Fatalf("expected peerX to be a member of both VRs, got %v", got)
	}
}

func TestVRIDsForPeerEmptyForUnknownHost(t *testing.T) {
	snap := testSnapshot(time.Second)
	if got := vrIDsForPeer(snap, "nobody"); len(got) != 0 {
		t.Fatalf("expected no VR membership, got %v", got)
	}
}
