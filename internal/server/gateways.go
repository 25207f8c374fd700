package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

// gatewayView is the public shape of a gateway: stored config plus live
// connection state, never credentials.
type gatewayView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
}

type gatewayCreateRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) gatewayView(g store.Gateway) gatewayView {
	connected := false
	if conn, ok := s.manager.Get(g.ID); ok {
		connected = conn.Connected()
	}
	return gatewayView{ID: g.ID, Name: g.Name, URL: g.URL, Connected: connected, CreatedAt: g.CreatedAt}
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := s.store.ListGateways(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing gateways failed")
		return
	}
	views := make([]gatewayView, 0, len(gateways))
	for _, g := range gateways {
		views = append(views, s.gatewayView(g))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "id, name, and url are required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		writeError(w, http.StatusBadRequest, "url must be a ws:// or wss:// address")
		return
	}

	saved, err := s.manager.Register(r.Context(), store.Gateway{
		ID: req.ID, Name: req.Name, URL: req.URL, Token: req.Token, Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, "gateway id already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "storing gateway failed")
		return
	}
	writeJSON(w, http.StatusOK, s.gatewayView(saved))
}

func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("gateway_id")
	if err := s.manager.Unregister(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gateway not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting gateway failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleReconnectGateway restarts dialing for a gateway whose connection went
// terminal after exhausting its retry budget. A connection that is still
// running is left untouched.
func (s *Server) handleReconnectGateway(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("gateway_id")
	conn, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "gateway not found")
		return
	}
	// The restarted connection outlives this request.
	restarted := conn.Reconnect(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "restarted": restarted})
}

type gatewayStatusView struct {
	ID string `json:"id"`
	upstream.Status
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("gateway_id")
	status, ok := s.manager.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "gateway not found")
		return
	}
	writeJSON(w, http.StatusOK, gatewayStatusView{ID: id, Status: status})
}
