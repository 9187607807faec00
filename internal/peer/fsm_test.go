package peer

import (
	"testing"
	"time"

	"golang.org/x/exp/rand"
)

func TestClientHandshakeToOpen(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)

	acts := f.Step(Event{Kind: EvStart})
	if f.State != WaitConnAck || len(acts) != 1 || acts[0].Kind != ActConnectToPeer {
		t.Fatalf("got state %v actions %v", f.State, acts)
	}

	acts = f.Step(Event{Kind: EvConnectionUp})
	if f.State != WaitICEA || acts[0].Kind != ActSendCER {
		t.Fatalf("got state %v actions %v", f.State, acts)
	}

	acts = f.Step(Event{Kind: EvMessageReceived, Message: MsgCEA})
	if f.State != Open {
		t.Fatalf("expected Open, got %v", f.State)
	}
	foundUp := false
	for _, a := range acts {
		if a.Kind == ActNotifyUp {
			foundUp = true
		}
	}
	if !foundUp {
		t.Fatalf("expected ActNotifyUp, got %v", acts)
	}
}

func TestCEAFailureClosesPeer(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)
	f.Step(Event{Kind: EvStart})
	f.Step(Event{Kind: EvConnectionUp})

	acts := f.Step(Event{Kind: EvMessageReceived, Message: MsgCEAFailed})
	if f.State != Closed {
		t.Fatalf("expected Closed after failed CEA, got %v", f.State)
	}
	if len(acts) != 1 || acts[0].Kind != ActDisconnectPeer {
		t.Fatalf("expected disconnect action, got %v", acts)
	}
}

func TestDWRBeforeOpenDoesNotOpenPeer(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)
	f.Step(Event{Kind: EvStart})
	f.Step(Event{Kind: EvConnectionUp})

	f.Step(Event{Kind: EvMessageReceived, Message: MsgDWR})
	if f.State != WaitICEA {
		t.Fatalf("DWR before CEA must not open the peer, got %v", f.State)
	}
}

func TestWatchdogEscalatesThenCloses(t *testing.T) {
	f := New(RoleClient, 2, 10*time.Millisecond, time.Second)
	f.State = Open

	acts := f.Step(Event{Kind: EvWatchdogTimerExpiry})
	if f.State != Open || f.WatchdogFailures != 1 || acts[0].Kind != ActSendDWR {
		t.Fatalf("expected first failure to retry, got state=%v failures=%d acts=%v", f.State, f.WatchdogFailures, acts)
	}

	acts = f.Step(Event{Kind: EvWatchdogTimerExpiry})
	if f.State != Open || f.WatchdogFailures != 2 {
		t.Fatalf("expected second failure to still retry, got state=%v failures=%d", f.State, f.WatchdogFailures)
	}

	acts = f.Step(Event{Kind: EvWatchdogTimerExpiry})
	if f.State != Closed {
		t.Fatalf("expected Closed after exceeding max failures, got %v", f.State)
	}
	var sawDown, sawDisconnect bool
	for _, a := range acts {
		if a.Kind == ActNotifyDown {
			sawDown = true
		}
		if a.Kind == ActDisconnectPeer {
			sawDisconnect = true
		}
	}
	if !sawDown || !sawDisconnect {
		t.Fatalf("expected NotifyDown+Disconnect, got %v", acts)
	}
}

func TestDWAResetsFailureCount(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)
	f.State = Open
	f.WatchdogFailures = 2

	f.Step(Event{Kind: EvMessageReceived, Message: MsgDWA})
	if f.WatchdogFailures != 0 {
		t.Fatalf("expected DWA to reset failure count, got %d", f.WatchdogFailures)
	}
}

func TestDPRGracefulClose(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)
	f.State = Open

	acts := f.Step(Event{Kind: EvMessageReceived, Message: MsgDPR})
	if f.State != Closed {
		t.Fatalf("expected Closed after DPR, got %v", f.State)
	}
	if acts[0].Kind != ActSendDPA {
		t.Fatalf("expected DPA to be sent first, got %v", acts)
	}
}

func TestDisconnectRequestGoesThroughClosing(t *testing.T) {
	f := New(RoleClient, 3, 10*time.Millisecond, time.Second)
	f.State = Open

	acts := f.Step(Event{Kind: EvDisconnectRequest})
	if f.State != Closing || acts[0].Kind != ActSendDPR {
		t.Fatalf("expected Closing+SendDPR, got state=%v acts=%v", f.State, acts)
	}

	f.Step(Event{Kind: EvMessageReceived, Message: MsgDPA})
	if f.State != Closed {
		t.Fatalf("expected Closed after DPA, got %v", f.State)
	}
}

func TestServerRoleEntersWaitICEAOnConnection(t *testing.T) {
	f := New(RoleServer, 3, 10*time.Millisecond, time.Second)
	f.Step(Event{Kind: EvConnectionUp})
	if f.State != WaitICEA {
		t.Fatalf("expected server role to enter WaitICEA on accept, got %v", f.State)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	f := New(RoleClient, 3, 100*time.Millisecond, 500*time.Millisecond)
	f.Step(Event{Kind: EvStart})
	f.Step(Event{Kind: EvConnectionFailed})
	if f.Backoff != 100*time.Millisecond {
		t.Fatalf("expected first backoff to be initial, got %v", f.Backoff)
	}
	f.Step(Event{Kind: EvStart})
	f.Step(Event{Kind: EvConnectionFailed})
	if f.Backoff != 200*time.Millisecond {
		t.Fatalf("expected backoff to double, got %v", f.Backoff)
	}
	for i := 0; i < 5; i++ {
		f.Step(Event{Kind: EvStart})
		f.Step(Event{Kind: EvConnectionFailed})
	}
	if f.Backoff != 500*time.Millisecond {
		t.Fatalf("expected backoff capped at max, got %v", f.Backoff)
	}
}

// TestFSMNeverPanicsUnderRandomEvents exercises arbitrary event sequences,
// asserting only the invariant calls out: the FSM never panics
// and never transitions from Closed to Open without passing through a
// successful CEA/CER (i.e. never skips WaitICEA).
func TestFSMNeverPanicsUnderRandomEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	kinds := []EventKind{EvStart, EvConnectionUp, EvConnectionFailed, EvMessageReceived, EvWatchdogTimerExpiry, EvDisconnectRequest}
	msgs := []MessageKind{MsgCER, MsgCEA, MsgCEAFailed, MsgDWR, MsgDWA, MsgDPR, MsgDPA, MsgOther}

	for trial := 0; trial < 200; trial++ {
		f := New(RoleClient, 3, time.Millisecond, 10*time.Millisecond)
		prev := Closed
		for step := 0; step < 50; step++ {
			ev := Event{Kind: kinds[rng.Intn(len(kinds))], Message: msgs[rng.Intn(len(msgs))]}
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("FSM panicked on event %+v from state %v: %v", ev, prev, r)
					}
				}()
				f.Step(ev)
			}()
			if prev == Closed && f.State == Open {
				t.Fatalf("FSM jumped directly from Closed to Open on event %+v", ev)
			}
			prev = f.State
		}
	}
}
