package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/pairing"
	"github.com/capydeploy/agent/transport/wsconn"
)

// ServerConfig configures the control-channel HTTP upgrade endpoint.
type ServerConfig struct {
	AllowedOrigins []string
	AllowNoOrigin  bool

	Observer observability.AgentObserver
}

// Server owns the single active control-channel session slot. Only one
// session is ever live at a time: every accepted connection replaces
// whatever was there before and tears the old connection down. The
// replacement happens as soon as the connection is upgraded, before its
// handshake runs; it does not wait for a valid token or a completed pairing.
type Server struct {
	cfg ServerConfig
	obs observability.AgentObserver

	pairingAuthority *pairing.Authority
	router           *Router
	lifecycle        Lifecycle
	status           StatusProvider
	artwork          BinaryHandler
	uploadChunk      BinaryHandler

	mu      sync.Mutex
	current *Session

	connCount atomic.Int64
}

func NewServer(cfg ServerConfig, pairingAuthority *pairing.Authority, router *Router, lifecycle Lifecycle, status StatusProvider, artwork, uploadChunk BinaryHandler) *Server {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.Noop
	}
	return &Server{
		cfg:              cfg,
		obs:              obs,
		pairingAuthority: pairingAuthority,
		router:           router,
		lifecycle:        lifecycle,
		status:           status,
		artwork:          artwork,
		uploadChunk:      uploadChunk,
	}
}

// Current returns the active session, if any.
func (srv *Server) Current() (*Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.current, srv.current != nil
}

func (srv *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return srv.cfg.AllowNoOrigin
	}
	for _, allowed := range srv.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request to a control channel connection and runs
// its session to completion on the calling goroutine. http.Server invokes
// handlers on their own goroutine per request, so this blocks only that
// connection's goroutine.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r, wsconn.UpgraderOptions{CheckOrigin: srv.checkOrigin})
	if err != nil {
		srv.obs.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	srv.serve(r.Context(), conn)
}

func (srv *Server) serve(ctx context.Context, conn Conn) {
	sess := New(conn, srv.pairingAuthority, srv.router, srv.lifecycle, srv.status, srv.obs)
	sess.SetBinaryHandlers(srv.artwork, srv.uploadChunk)

	srv.replace(sess)
	n := srv.connCount.Add(1)
	srv.obs.SessionCount(n)
	defer func() {
		srv.mu.Lock()
		if srv.current == sess {
			srv.current = nil
		}
		srv.mu.Unlock()
		n := srv.connCount.Add(-1)
		srv.obs.SessionCount(n)
	}()

	_ = sess.Run(ctx)
}

// replace installs sess as the new current session and then tears down the
// previously active one, if any. The previous session's Close forces its
// connection shut, which unblocks its read loop and drives its own Run
// call to tear it down on its own goroutine; replace waits up to 5 seconds
// for that teardown to finish.
func (srv *Server) replace(sess *Session) {
	srv.mu.Lock()
	prev := srv.current
	srv.current = sess
	srv.mu.Unlock()

	if prev == nil {
		return
	}
	srv.obs.Attach(observability.AttachResultOK, observability.AttachReasonReplaced)
	prev.Close()
	select {
	case <-prev.Done():
	case <-time.After(5 * time.Second):
	}
}
