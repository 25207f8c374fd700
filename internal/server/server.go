// Package server exposes the downstream surface: the REST API for gateways,
// sessions, and federated sessions, and the two chat WebSocket endpoints.
//
// DESIGN: handlers are thin. Persistence goes through the store, upstream
// traffic through the connection manager; the server owns only HTTP concerns
// (routing, CORS, status codes, the {detail} error envelope).
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

// Server wires the REST handlers and chat routers onto one mux.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	manager *upstream.Manager
	metrics *monitoring.Metrics
	tracker *monitoring.Tracker
	finals  *finalSink
	handler http.Handler
}

// NewServer builds the HTTP surface over the given store and manager.
func NewServer(cfg *config.Config, st *store.Store, mgr *upstream.Manager, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Server {
	s := &Server{cfg: cfg, store: st, manager: mgr, metrics: metrics, tracker: tracker}
	s.finals = newFinalSink(s)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/gateways", s.handleListGateways)
	mux.HandleFunc("POST /api/gateways", s.handleAddGateway)
	mux.HandleFunc("DELETE /api/gateways/{gateway_id}", s.handleDeleteGateway)
	mux.HandleFunc("GET /api/gateways/{gateway_id}/status", s.handleGatewayStatus)
	mux.HandleFunc("POST /api/gateways/{gateway_id}/reconnect", s.handleReconnectGateway)

	mux.HandleFunc("GET /api/gateways/{gateway_id}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/gateways/{gateway_id}/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/gateways/{gateway_id}/sessions/{session_key}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/gateways/{gateway_id}/sessions/{session_key}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/gateways/{gateway_id}/sessions/{session_key}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/gateways/{gateway_id}/sessions/{session_key}/context", s.handleSessionContext)

	mux.HandleFunc("GET /api/federated-sessions", s.handleListFederated)
	mux.HandleFunc("POST /api/federated-sessions", s.handleCreateFederated)
	mux.HandleFunc("GET /api/federated-sessions/{id}", s.handleGetFederated)
	mux.HandleFunc("DELETE /api/federated-sessions/{id}", s.handleDeleteFederated)

	// The literal pattern is more specific than the wildcard, so the mux
	// routes /ws/chat/federated here and everything else to the single
	// gateway handler.
	mux.HandleFunc("GET /ws/chat/federated", s.handleFederatedChat)
	mux.HandleFunc("GET /ws/chat/{gateway_id}", s.handleGatewayChat)

	s.handler = s.corsMiddleware(mux)
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "openclaw-chat-proxy",
		"version": "1.0.0",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// MIDDLEWARE & HELPERS
// =============================================================================

// corsMiddleware allows the configured browser origins on the REST surface.
// WebSocket origin checks happen in the upgrade itself.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := s.cfg.CORSOriginList()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("writing response body failed")
	}
}

// writeError sends the {detail} error envelope used across the REST surface.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeBody parses a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
