package server

import (
	"errors"
	"net/http"

	"github.com/openclaw/chat-proxy/internal/store"
)

type federatedCreateRequest struct {
	Title   string         `json:"title"`
	Targets []store.Target `json:"gateways"`
}

func (s *Server) handleCreateFederated(w http.ResponseWriter, r *http.Request) {
	var req federatedCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, t := range req.Targets {
		if t.GatewayID == "" || t.SessionKey == "" {
			writeError(w, http.StatusBadRequest, "each target needs gateway_id and session_key")
			return
		}
	}

	fs, err := s.store.CreateFederatedSession(r.Context(), req.Title, req.Targets)
	if err != nil {
		if errors.Is(err, store.ErrNoTargets) {
			writeError(w, http.StatusBadRequest, "at least one target is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "creating federated session failed")
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleListFederated(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListFederatedSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing federated sessions failed")
		return
	}
	if sessions == nil {
		sessions = []store.FederatedSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetFederated(w http.ResponseWriter, r *http.Request) {
	fs, err := s.store.GetFederatedSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "federated session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading federated session failed")
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleDeleteFederated(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFederatedSession(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "federated session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting federated session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
