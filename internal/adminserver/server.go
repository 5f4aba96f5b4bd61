// Package adminserver exposes the operator-facing HTTP surface on a
// separate address from the data plane, grounded on internal/api/server.go's
// chi router and middleware stack.
package adminserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/domain"
)

// MemberSnapshotter is satisfied by *gossip.MemberList; it is an interface
// here so the server does not depend on the gossip package and tests can
// supply a fake member list.
type MemberSnapshotter interface {
	Peers() []domain.Peer
}

// Server is the admin/introspection HTTP surface.
type Server struct {
	router  chi.Router
	members MemberSnapshotter
	pool    *backendpool.Pool
	ready   func() bool
}

// New builds the admin router. ready reports whether the gossip engine has
// finished binding its UDP socket, which gates /healthz.
func New(members MemberSnapshotter, pool *backendpool.Pool, ready func() bool) *Server {
	s := &Server{members: members, pool: pool, ready: ready}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/debug/members", s.handleDebugMembers)
	r.Get("/debug/backends", s.handleDebugBackends)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler so callers can mount Server directly on
// an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestIDHeader stamps a real v4 UUID on every response as
// X-Request-Id. The teacher's api.Server used an incrementing
// counter+timestamp scheme; google/uuid is already a pack dependency and a
// v4 UUID is collision-resistant across restarts and across the multiple
// processes an aggregated log pipeline sees, which a process-local counter
// is not.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "gossip engine not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDebugMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.members.Peers())
}

func (s *Server) handleDebugBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
