// Package web exposes the coordinator over HTTP: an RPC surface for tool
// calls, a REST surface for plain clients, and an admin surface for key and
// agent management.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/auth"
	"github.com/c3po-dev/c3po/internal/blob"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/config"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/messaging"
	"github.com/c3po-dev/c3po/internal/ratelimit"
	"github.com/c3po-dev/c3po/internal/registry"
	"github.com/c3po-dev/c3po/internal/store"
)

// Dependencies defines what the HTTP server needs from the rest of the
// coordinator.
type Dependencies struct {
	Config   *config.Config
	Store    store.Store
	Auth     *auth.Authenticator
	Registry *registry.Registry
	Engine   *messaging.Engine
	Blobs    *blob.Service
	Limiter  *ratelimit.Limiter
	Audit    *audit.Logger
	Log      *logging.Logger
	Clock    clock.Clock
}

// Server is the coordinator HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return securityHeaders(s.mux)
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Long polls hold connections open; per-handler deadlines bound them.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("coordinator listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// --- Public routes ---
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// --- RPC surface, one endpoint per trust domain ---
	s.mux.Handle("POST /agent/mcp", s.authed(s.handleRPC))
	s.mux.Handle("POST /oauth/mcp", s.authed(s.handleRPC))

	// --- REST surface behind the trusted proxy ---
	s.mux.Handle("POST /agent/api/register", s.authed(s.restRegister))
	s.mux.Handle("POST /agent/api/unregister", s.authed(s.restUnregister))
	s.mux.Handle("POST /agent/api/heartbeat", s.authed(s.restHeartbeat))
	s.mux.Handle("GET /agent/api/validate", s.authed(s.restValidate))
	s.mux.Handle("GET /agent/api/agents", s.authed(s.restAgents))
	s.mux.Handle("GET /agent/api/pending", s.authed(s.restPending))
	s.mux.Handle("POST /agent/api/ack", s.authed(s.restAck))
	s.mux.Handle("GET /agent/api/wait", s.authed(s.restWait))
	s.mux.Handle("POST /agent/api/message", s.authed(s.restSend))
	s.mux.Handle("POST /agent/api/reply", s.authed(s.restReply))
	s.mux.Handle("POST /agent/api/blob", s.authed(s.restBlobUpload))
	s.mux.Handle("GET /agent/api/blob/{id}", s.authed(s.restBlobFetch))

	// --- Admin surface ---
	s.mux.Handle("GET /admin/api/agents", s.authed(s.adminListAgents))
	s.mux.Handle("DELETE /admin/api/agents", s.authed(s.adminRemoveAgents))
	s.mux.Handle("POST /admin/api/keys", s.authed(s.adminCreateKey))
	s.mux.Handle("GET /admin/api/keys", s.authed(s.adminListKeys))
	s.mux.Handle("DELETE /admin/api/keys/{id}", s.authed(s.adminRevokeKey))
	s.mux.Handle("GET /admin/api/audit", s.authed(s.adminAudit))
	s.mux.Handle("GET /admin/metrics", s.authed(promhttp.Handler().ServeHTTP))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		storeStatus = "unavailable"
	}
	online, _ := s.deps.Registry.CountOnline(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"store":         storeStatus,
		"agents_online": online,
	})
}
