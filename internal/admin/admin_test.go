package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/dict"
	"github.com/coriolis-dsc/dsc/internal/frontline"
	"github.com/coriolis-dsc/dsc/internal/obs"
)

func baseSnapshot() *config.Snapshot {
	d := dict.Base()
	return &config.Snapshot{
		Dictionary: d,
		VRs: map[string]config.VRMeta{
			"vr1": {ID: "vr1", LocalIdentity: "dsc.local", LocalRealm: "local.realm", RequestTimeout: time.Second},
		},
		Pools: map[string]config.Pool{
			"pool-A": {ID: "pool-A", PeerHosts: []string{"peerX"}, Strategy: config.RoundRobin},
		},
		Routes: map[string][]config.RouteRule{
			"vr1": {{Priority: 10, Kind: config.MatchDefault, PoolID: "pool-A"}},
		},
		Peers: map[string]config.PeerDef{
			"peerX": {Host: "peerX", Role: config.RoleClient, Address: "10.0.0.1", MaxWatchdogFailures: 3},
		},
	}
}

func newTestServer() (*Server, *config.Holder) {
	holder := config.NewHolder(baseSnapshot())
	d := dict.Base()
	fl := frontline.New(holder, d, 0, "dsc.local", "local.realm", obs.NewMetrics(), obs.NewNop())
	s := New(":0", holder, fl, obs.NewMetrics(), obs.NewNop())
	return s, holder
}

func TestHandleConfigRejectsInvalidSnapshot(t *testing.T) {
	s, holder := newTestServer()
	before := holder.Load()

	body := `{"pools":{"pool-A":{"ID":"pool-A","PeerHosts":[]}}}`
	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleConfig(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid config, got %d: %s", w.Code, w.Body.String())
	}
	if holder.Load() != before {
		t.Fatalf("expected previous snapshot to remain active after a rejected push")
	}
}

func TestHandleConfigInstallsValidSnapshot(t *testing.T) {
	s, holder := newTestServer()

	body := `{
		"Pools": {"pool-B": {"ID": "pool-B", "PeerHosts": ["peerY"], "Strategy": 0}},
		"Peers": {"peerY": {"Host": "peerY", "Address": "10.0.0.2", "MaxWatchdogFailures": 2}},
		"Routes": {"vr1": [{"Priority": 10, "Kind": 3, "PoolID": "pool-B"}]},
		"VRs": {"vr1": {"ID": "vr1", "LocalIdentity": "dsc.local", "LocalRealm": "local.realm"}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	newSnap := holder.Load()
	if _, ok := newSnap.Pools["pool-B"]; !ok {
		t.Fatalf("expected pool-B to be installed")
	}
	if newSnap.Dictionary == nil {
		t.Fatalf("expected dictionary to be carried over from the previous snapshot")
	}
}

func TestHandleHealthzReflectsReadiness(t *testing.T) {
	s, _ := newTestServer()

	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no live peers, got %d", w.Code)
	}
}

func TestHandlePeerStatusAccepted(t *testing.T) {
	s, _ := newTestServer()

	body := `{"peer_host":"peerX","up":true,"vr_ids":["vr1"],"connection_id":1}`
	req := httptest.NewRequest(http.MethodPost, "/peer-status", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handlePeerStatus(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleConfigRejectsWrongMethod(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
