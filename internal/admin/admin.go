// Package admin implements the process's HTTP surface: a small net/http
// server exposing config-push, peer-status, health and metrics endpoints
// (http.ServeMux + http.Server, optional TLS via internal/certs rather than
// a gRPC service) since a single DSC instance hosts Frontline and the Core
// Router in-process and has no need for a separate RPC transport.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coriolis-dsc/dsc/internal/certs"
	"github.com/coriolis-dsc/dsc/internal/config"
	"github.com/coriolis-dsc/dsc/internal/frontline"
	"github.com/coriolis-dsc/dsc/internal/obs"
	"github.com/coriolis-dsc/dsc/internal/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the admin HTTP surface. One instance per process.
type Server struct {
	holder    *config.Holder
	frontline *frontline.Frontline
	metrics   *obs.Metrics
	logger    *zap.SugaredLogger

	httpServer *http.Server
	doneCh     chan struct{}

	// UsePlainHTTP skips TLS entirely, a dev-mode escape hatch; production
	// deployments leave it false.
	UsePlainHTTP bool
	// CertDir is where EnsureCertificates looks for (or generates) the
	// admin surface's TLS material.
	CertDir string
}

// New builds a Server bound to addr. Call Start to begin serving.
func New(addr string, holder *config.Holder, fl *frontline.Frontline, metrics *obs.Metrics, logger *zap.SugaredLogger) *Server {
	s := &Server{
		holder:    holder,
		frontline: fl,
		metrics:   metrics,
		logger:    logger,
		doneCh:    make(chan struct{}),
		CertDir:   "./admin-certs",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/peer-status", s.handlePeerStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server, blocking until it is closed. Run it in its
// own goroutine, matching HttpRouter.Run contract.
func (s *Server) Start() {
	var err error
	if s.UsePlainHTTP {
		err = s.httpServer.ListenAndServe()
	} else {
		certFile, keyFile, certErr := certs.EnsureCertificates(s.CertDir)
		if certErr != nil {
			s.logger.Errorw("admin: could not prepare TLS material, falling back to plain HTTP", "error", certErr)
			err = s.httpServer.ListenAndServe()
		} else {
			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.httpServer.ListenAndServeTLS(certFile, keyFile)
		}
	}
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.Errorw("admin: server exited", "error", err)
	}
	close(s.doneCh)
}

// Close gracefully shuts the server down and waits for Start to return.
func (s *Server) Close() {
	s.httpServer.Shutdown(context.Background())
	<-s.doneCh
}

// handleConfig implements POST /config: decode, validate, and atomically
// install a new snapshot, rejecting with every aggregated problem and
// leaving the previous snapshot active on any failure.
func (s *Server) handleConfig(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.logger.Errorw("admin: reading config push body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, err.Error())
		return
	}

	snap := &config.Snapshot{}
	if err := json.Unmarshal(body, snap); err != nil {
		s.logger.Errorw("admin: unmarshalling config push", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, err.Error())
		return
	}

	// The dictionary is loaded once at startup from its own JSON document,
	// not pushed with every routing config change; carry the
	// currently-installed one forward unless the push is the very first
	// snapshot the process has ever seen.
	if snap.Dictionary == nil {
		if prev := s.holder.Load(); prev != nil {
			snap.Dictionary = prev.Dictionary
		}
	}

	if err := config.Validate(snap); err != nil {
		s.metrics.ConfigRejectedTotal.Inc()
		s.logger.Warnw("admin: rejected config push", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, err.Error())
		return
	}

	s.holder.Store(snap)
	s.metrics.ConfigSwapsTotal.Inc()
	w.WriteHeader(http.StatusOK)
}

// peerStatusRequest is the wire shape of POST /peer-status: the documented
// external seam for a Peer Agent running as a separate process. The in-process channel path (internal/peer.Agent -> Frontline) is
// primary for this single-process build.
type peerStatusRequest struct {
	PeerHost     string   `json:"peer_host"`
	Up           bool     `json:"up"`
	VRIDs        []string `json:"vr_ids"`
	ConnectionID uint64   `json:"connection_id"`
}

func (s *Server) handlePeerStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ps peerStatusRequest
	if err := json.NewDecoder(req.Body).Decode(&ps); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, err.Error())
		return
	}

	s.frontline.InjectPeerStatus(peer.Notification{
		PeerHost:     ps.PeerHost,
		Up:           ps.Up,
		VRIDs:        ps.VRIDs,
		ConnectionID: ps.ConnectionID,
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleHealthz reports whether Frontline considers every VR ready.
func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if s.frontline.Ready() {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ready")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "not ready")
}
