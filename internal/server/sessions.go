package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/tokencount"
	"github.com/openclaw/chat-proxy/internal/utils"
)

type sessionCreateRequest struct {
	SessionKey string `json:"session_key"`
	Title      string `json:"title"`
	AgentID    string `json:"agent_id"`
	Model      string `json:"model"`
}

// upstreamSession mirrors one entry of the gateway's sessions.list payload.
// Timestamps stay as the gateway reported them.
type upstreamSession struct {
	ID           int64  `json:"id"`
	GatewayID    string `json:"gateway_id"`
	SessionKey   string `json:"session_key"`
	Title        string `json:"title,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Model        string `json:"model,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

func (s *Server) requireGateway(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("gateway_id")
	if _, err := s.store.GetGateway(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gateway not found")
		} else {
			writeError(w, http.StatusInternalServerError, "loading gateway failed")
		}
		return "", false
	}
	return id, true
}

// handleListSessions prefers the gateway's own session listing; when the
// gateway is down or returns nothing, the local store answers instead.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := s.requireGateway(w, r)
	if !ok {
		return
	}

	if conn, ok := s.manager.Get(gatewayID); ok && conn.Connected() {
		if payload, err := conn.SessionsList(r.Context()); err == nil {
			if views := parseUpstreamSessions(gatewayID, payload); len(views) > 0 {
				writeJSON(w, http.StatusOK, views)
				return
			}
		} else {
			log.Debug().Str("gateway", gatewayID).Err(err).Msg("sessions.list failed, using store")
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), gatewayID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func parseUpstreamSessions(gatewayID string, payload json.RawMessage) []upstreamSession {
	var views []upstreamSession
	for _, entry := range gjson.GetBytes(payload, "sessions").Array() {
		key := utils.FirstNonEmpty(entry.Get("key").String(), entry.Get("sessionKey").String())
		created := entry.Get("createdAt").String()
		last := utils.FirstNonEmpty(entry.Get("lastActivity").String(), created)
		views = append(views, upstreamSession{
			GatewayID:    gatewayID,
			SessionKey:   key,
			Title:        entry.Get("title").String(),
			AgentID:      entry.Get("agentId").String(),
			Model:        entry.Get("model").String(),
			CreatedAt:    created,
			LastActivity: last,
		})
	}
	return views
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := s.requireGateway(w, r)
	if !ok {
		return
	}
	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}

	session, err := s.store.UpsertSession(r.Context(), gatewayID, req.SessionKey, req.Title, req.AgentID, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating session failed")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway_id")
	sessionKey := r.PathValue("session_key")

	session, err := s.store.GetSession(r.Context(), gatewayID, sessionKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading session failed")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway_id")
	sessionKey := r.PathValue("session_key")

	if err := s.store.DeleteSession(r.Context(), gatewayID, sessionKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// =============================================================================
// MESSAGES
// =============================================================================

// upstreamMessage mirrors one entry of the gateway's chat.history payload
// with content flattened to plain text.
type upstreamMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// handleListMessages tries the gateway's own transcript first and falls back
// to the local store. limit defaults to 50 (clamped to 500); before is an
// exclusive message-id cursor on the store path.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := s.requireGateway(w, r)
	if !ok {
		return
	}
	sessionKey := r.PathValue("session_key")

	limit := config.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = n
	}

	// The cursor only applies to locally stored ids, so a paging request
	// always reads from the store.
	if before == 0 {
		if conn, ok := s.manager.Get(gatewayID); ok && conn.Connected() {
			if payload, err := conn.History(r.Context(), sessionKey, limit); err == nil {
				if msgs := parseUpstreamHistory(payload); msgs != nil {
					writeJSON(w, http.StatusOK, msgs)
					return
				}
			} else {
				log.Debug().Str("gateway", gatewayID).Str("session", sessionKey).Err(err).
					Msg("chat.history failed, using store")
			}
		}
	}

	messages, err := s.store.ListMessages(r.Context(), gatewayID, sessionKey, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing messages failed")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func parseUpstreamHistory(payload json.RawMessage) []upstreamMessage {
	entries := gjson.GetBytes(payload, "messages")
	if !entries.Exists() {
		return nil
	}
	msgs := make([]upstreamMessage, 0)
	for _, m := range entries.Array() {
		role := m.Get("role").String()
		if role == "toolResult" {
			continue
		}
		text := flattenContent(m.Get("content"))
		if text == "" {
			continue
		}
		msgs = append(msgs, upstreamMessage{
			Role:      role,
			Content:   text,
			Timestamp: m.Get("timestamp").Int(),
		})
	}
	return msgs
}

// flattenContent reduces string-or-block-array content to displayable text.
// Tool results are elided; tool calls keep a short marker.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	text := ""
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			text += block.Get("text").String()
		case "toolCall":
			name := block.Get("name").String()
			if name == "" {
				name = "unknown"
			}
			text += fmt.Sprintf("[Tool: %s]", name)
		}
	}
	return text
}

// =============================================================================
// CONTEXT USAGE
// =============================================================================

type contextView struct {
	ContextTokens *int     `json:"contextTokens"`
	MaxTokens     *int     `json:"maxTokens"`
	Percentage    *float64 `json:"percentage"`
	Estimated     bool     `json:"estimated,omitempty"`
}

// handleSessionContext reports token usage for a session. The gateway's own
// accounting wins when it answers; otherwise the stored transcript is
// estimated locally.
func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway_id")
	sessionKey := r.PathValue("session_key")

	conn, ok := s.manager.Get(gatewayID)
	if !ok || !conn.Connected() {
		writeError(w, http.StatusNotFound, "gateway not connected")
		return
	}

	for _, method := range []string{"sessions.status", "session_status"} {
		payload, err := conn.Request(r.Context(), method, map[string]any{"sessionKey": sessionKey}, config.SessionsListTimeout)
		if err != nil {
			continue
		}
		if view, ok := parseContextPayload(payload); ok {
			writeJSON(w, http.StatusOK, view)
			return
		}
	}

	// Local estimate over the stored transcript.
	messages, err := s.store.ListMessages(r.Context(), gatewayID, sessionKey, config.MaxHistoryLimit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "estimating context failed")
		return
	}
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		texts = append(texts, flattenContent(gjson.ParseBytes(m.Content)))
	}
	total := tokencount.EstimateAll(texts)
	writeJSON(w, http.StatusOK, contextView{ContextTokens: &total, Estimated: true})
}

func parseContextPayload(payload json.RawMessage) (contextView, bool) {
	used := firstInt(payload, "contextTokens", "context_tokens", "context.used")
	max := firstInt(payload, "maxTokens", "max_tokens", "context.max")
	if used == nil && max == nil {
		return contextView{}, false
	}
	view := contextView{ContextTokens: used, MaxTokens: max}
	if used != nil && max != nil && *max > 0 {
		pct := math.Round(float64(*used)/float64(*max)*1000) / 10
		view.Percentage = &pct
	}
	return view, true
}

func firstInt(payload json.RawMessage, paths ...string) *int {
	for _, p := range paths {
		if v := gjson.GetBytes(payload, p); v.Exists() {
			n := int(v.Int())
			return &n
		}
	}
	return nil
}
