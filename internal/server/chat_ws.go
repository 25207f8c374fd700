// chat_ws.go - the single-gateway chat WebSocket.
//
// DESIGN: each downstream socket gets its own subscription to the gateway's
// chat events. A forwarder goroutine streams upstream events to the client
// while the handler goroutine reads client frames, so a slow upstream request
// never stalls the stream. All socket writes go through a mutex-guarded
// writer since both goroutines emit frames.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/protocol"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/thinking"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

// clientMessage is any frame a downstream client may send.
type clientMessage struct {
	Type              string         `json:"type"`
	SessionKey        string         `json:"sessionKey"`
	Message           string         `json:"message"`
	AdvancedReasoning *bool          `json:"advancedReasoning"`
	Enabled           bool           `json:"enabled"`
	Limit             int            `json:"limit"`
	Targets           []store.Target `json:"targets"`
	Broadcast         bool           `json:"broadcast"`
}

// wsWriter serializes writes to one downstream socket.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return w.conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) acceptWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// OriginPatterns match the Origin header's host, so the configured
	// origins are reduced to host[:port] patterns.
	patterns := []string{"localhost:*", "127.0.0.1:*"}
	for _, origin := range s.cfg.CORSOriginList() {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
}

func (s *Server) handleGatewayChat(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway_id")

	sock, err := s.acceptWebSocket(w, r)
	if err != nil {
		return
	}
	defer sock.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	ws := &wsWriter{conn: sock}

	conn, ok := s.manager.Get(gatewayID)
	if !ok {
		_ = ws.send(ctx, map[string]string{"type": "error", "error": "Gateway not found"})
		sock.Close(websocket.StatusPolicyViolation, "gateway not found")
		return
	}

	s.metrics.ClientConnected("chat")
	defer s.metrics.ClientDisconnected("chat")

	// The snapshot may be stale while the upstream is reconnecting; the
	// proxy itself is ready either way.
	snap := conn.Snapshot()
	if err := ws.send(ctx, map[string]any{
		"type": "connected", "agents": snap.Agents, "models": snap.Models, "defaultModel": snap.DefaultModel,
	}); err != nil {
		return
	}

	chatCh, cancelChat := conn.Subscribe(protocol.EventChat)
	defer cancelChat()
	upCh, cancelUp := conn.Subscribe(upstream.EventConnected)
	defer cancelUp()

	client := &chatClient{srv: s, conn: conn, ws: ws, active: make(map[string]bool)}

	forwardCtx, cancelForward := context.WithCancel(ctx)
	defer cancelForward()
	go client.forward(forwardCtx, chatCh, upCh)

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			log.Debug().Str("gateway", gatewayID).Err(err).Msg("chat client disconnected")
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.send(ctx, map[string]string{"type": "error", "error": "Invalid message"})
			continue
		}
		client.handle(ctx, msg)
	}
}

// chatClient is the per-downstream-socket state of the single-gateway router.
type chatClient struct {
	srv  *Server
	conn *upstream.Connection
	ws   *wsWriter

	mu     sync.Mutex
	active map[string]bool
}

func (c *chatClient) markActive(sessionKey string) {
	c.mu.Lock()
	c.active[sessionKey] = true
	c.mu.Unlock()
}

func (c *chatClient) isActive(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[sessionKey]
}

func (c *chatClient) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "ping":
		_ = c.ws.send(ctx, map[string]string{"type": "pong"})

	case "chat":
		if msg.SessionKey == "" || msg.Message == "" {
			_ = c.ws.send(ctx, map[string]string{"type": "error", "error": "Missing sessionKey or message"})
			return
		}
		c.markActive(msg.SessionKey)
		c.srv.finals.watch(c.conn, msg.SessionKey)

		if _, err := c.srv.store.AppendMessage(ctx, c.conn.GatewayID(), msg.SessionKey,
			store.RoleUser, protocol.TextContent(msg.Message), nil); err != nil {
			log.Error().Str("gateway", c.conn.GatewayID()).Err(err).Msg("persisting user message failed")
		} else {
			c.srv.metrics.MessagePersisted(store.RoleUser)
		}

		// Off the read loop so a slow ack doesn't block aborts.
		go func() {
			if err := c.conn.SendChat(ctx, msg.SessionKey, msg.Message, msg.AdvancedReasoning); err != nil {
				_ = c.ws.send(ctx, map[string]string{"type": "error", "error": err.Error()})
			}
		}()

	case "abort":
		if msg.SessionKey == "" {
			_ = c.ws.send(ctx, map[string]string{"type": "error", "error": "Missing sessionKey"})
			return
		}
		c.markActive(msg.SessionKey)
		go func() {
			if err := c.conn.Abort(ctx, msg.SessionKey); err != nil {
				log.Debug().Str("gateway", c.conn.GatewayID()).Err(err).Msg("abort failed")
			}
		}()

	case "set_reasoning":
		if msg.SessionKey == "" {
			_ = c.ws.send(ctx, map[string]string{"type": "error", "error": "Missing sessionKey"})
			return
		}
		c.markActive(msg.SessionKey)
		go func() {
			if err := c.conn.SetReasoning(ctx, msg.SessionKey, msg.Enabled); err != nil {
				log.Debug().Str("gateway", c.conn.GatewayID()).Err(err).Msg("set_reasoning failed")
			}
		}()

	case "history":
		if msg.SessionKey == "" {
			_ = c.ws.send(ctx, map[string]string{"type": "error", "error": "Missing sessionKey"})
			return
		}
		c.markActive(msg.SessionKey)
		limit := msg.Limit
		if limit <= 0 {
			limit = config.DefaultHistoryLimit
		}
		messages, err := c.srv.store.ListMessages(ctx, c.conn.GatewayID(), msg.SessionKey, limit, 0)
		if err != nil {
			_ = c.ws.send(ctx, map[string]string{"type": "error", "error": "History unavailable"})
			return
		}
		if messages == nil {
			messages = []store.Message{}
		}
		_ = c.ws.send(ctx, map[string]any{"type": "history", "messages": messages})
	}
}

// forward streams upstream chat events to the client until ctx is canceled.
// Events for session keys this client never touched are dropped.
func (c *chatClient) forward(ctx context.Context, chatCh <-chan upstream.Event, upCh <-chan upstream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-upCh:
			snap := c.conn.Snapshot()
			_ = c.ws.send(ctx, map[string]any{
				"type": "reconnected", "agents": snap.Agents, "models": snap.Models, "defaultModel": snap.DefaultModel,
			})
		case ev := <-chatCh:
			c.forwardChatEvent(ctx, protocol.ParseChatEvent(ev.Payload))
		}
	}
}

func (c *chatClient) forwardChatEvent(ctx context.Context, ev protocol.ChatEvent) {
	if !c.isActive(ev.SessionKey) {
		return
	}
	gatewayID := c.conn.GatewayID()
	c.srv.metrics.StreamEvent(gatewayID, ev.State)
	c.srv.tracker.RecordStream(monitoring.StreamEvent{
		Event: "stream", GatewayID: gatewayID, SessionKey: ev.SessionKey, State: ev.State, TextLen: len(ev.Text),
	})

	switch ev.State {
	case protocol.StateDelta:
		_ = c.ws.send(ctx, map[string]string{"type": "stream", "state": "delta", "text": ev.Text})

	case protocol.StateFinal:
		// The final sink persists this exactly once regardless of how many
		// clients are streaming the session; the router only forwards.
		_ = c.ws.send(ctx, map[string]string{"type": "stream", "state": "final", "text": thinking.Strip(ev.Text)})

	case protocol.StateError:
		errMsg := ev.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		_ = c.ws.send(ctx, map[string]string{"type": "stream", "state": "error", "error": errMsg})
	}
}
