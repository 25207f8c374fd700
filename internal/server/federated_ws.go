// federated_ws.go - the federated chat WebSocket.
//
// DESIGN: no per-socket gateway binding; every chat frame carries its own
// target list and the router fans it out. Gateway subscriptions are created
// lazily on first use and live for the life of the downstream socket, one
// forwarder goroutine per gateway, so per-source ordering is preserved while
// sources interleave freely on the wire.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"

	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/protocol"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/thinking"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

func (s *Server) handleFederatedChat(w http.ResponseWriter, r *http.Request) {
	sock, err := s.acceptWebSocket(w, r)
	if err != nil {
		return
	}
	defer sock.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsWriter{conn: sock}
	if err := ws.send(ctx, map[string]any{"type": "connected", "federated": true}); err != nil {
		return
	}

	s.metrics.ClientConnected("federated")
	defer s.metrics.ClientDisconnected("federated")

	client := &federatedClient{
		srv:        s,
		ws:         ws,
		ctx:        ctx,
		subscribed: make(map[string]bool),
		active:     make(map[string]map[string]bool),
		turn:       turnTracker{pending: make(map[string]bool)},
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("federated client disconnected")
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.send(ctx, map[string]string{"type": "error", "error": "Invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = ws.send(ctx, map[string]string{"type": "pong"})
		case "chat":
			client.fanOut(msg)
		case "abort":
			client.abortAll(msg.Targets)
		}
	}
}

// turnTracker bookkeeps which sources still owe a terminal event for the
// current user turn. The client decides overall completion on its own; this
// exists for logging and to make turn boundaries observable in tests.
type turnTracker struct {
	mu      sync.Mutex
	pending map[string]bool
}

func (t *turnTracker) expect(source string) {
	t.mu.Lock()
	t.pending[source] = true
	t.mu.Unlock()
}

// finalize clears a source and reports how many are still streaming.
func (t *turnTracker) finalize(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, source)
	return len(t.pending)
}

// federatedClient is the per-downstream-socket state of the federated router.
type federatedClient struct {
	srv *Server
	ws  *wsWriter
	ctx context.Context

	mu         sync.Mutex
	subscribed map[string]bool
	active     map[string]map[string]bool
	turn       turnTracker
}

// markActive records a (gateway, session) pair this client has targeted.
// Forwarded events are demultiplexed against it: a gateway subscription
// carries every session's events, not just ours.
func (c *federatedClient) markActive(gatewayID, sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[gatewayID] == nil {
		c.active[gatewayID] = make(map[string]bool)
	}
	c.active[gatewayID][sessionKey] = true
}

func (c *federatedClient) isActive(gatewayID, sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[gatewayID][sessionKey]
}

type sourceTag struct {
	GatewayID string `json:"gateway_id"`
	AgentName string `json:"agent_name"`
}

func (c *federatedClient) sendStream(source sourceTag, state, text, errMsg string) {
	frame := map[string]any{"type": "stream", "source": source, "state": state}
	switch state {
	case protocol.StateError:
		frame["error"] = errMsg
	default:
		frame["text"] = text
	}
	_ = c.ws.send(c.ctx, frame)
}

// fanOut sends one user turn to every target. Targets are authoritative:
// clients resolve @mentions into the list before sending, and broadcast is
// advisory. A failing target never cancels the others.
func (c *federatedClient) fanOut(msg clientMessage) {
	if msg.Message == "" {
		_ = c.ws.send(c.ctx, map[string]string{"type": "error", "error": "Missing message"})
		return
	}
	if len(msg.Targets) == 0 {
		_ = c.ws.send(c.ctx, map[string]string{"type": "error", "error": "No valid targets"})
		return
	}

	for _, target := range msg.Targets {
		systemSource := sourceTag{GatewayID: target.GatewayID, AgentName: "system"}

		conn, ok := c.srv.manager.Get(target.GatewayID)
		if !ok {
			c.sendStream(systemSource, protocol.StateError, "",
				fmt.Sprintf("Gateway %s not found", target.GatewayID))
			continue
		}
		if !conn.Connected() {
			c.sendStream(systemSource, protocol.StateError, "",
				fmt.Sprintf("Gateway %s not connected", target.GatewayID))
			continue
		}

		c.ensureSubscribed(conn)
		c.markActive(target.GatewayID, target.SessionKey)
		c.srv.finals.watch(conn, target.SessionKey)

		if _, err := c.srv.store.AppendMessage(c.ctx, target.GatewayID, target.SessionKey,
			store.RoleUser, protocol.TextContent(msg.Message), nil); err != nil {
			log.Error().Str("gateway", target.GatewayID).Err(err).Msg("persisting user message failed")
		} else {
			c.srv.metrics.MessagePersisted(store.RoleUser)
		}

		c.turn.expect(target.GatewayID)
		go func(target store.Target, conn *upstream.Connection) {
			if err := conn.SendChat(c.ctx, target.SessionKey, msg.Message, nil); err != nil {
				c.turn.finalize(target.GatewayID)
				c.sendStream(sourceTag{GatewayID: target.GatewayID, AgentName: "system"},
					protocol.StateError, "", err.Error())
			}
		}(target, conn)
	}
}

func (c *federatedClient) abortAll(targets []store.Target) {
	for _, target := range targets {
		conn, ok := c.srv.manager.Get(target.GatewayID)
		if !ok || !conn.Connected() {
			continue
		}
		go func(sessionKey string, conn *upstream.Connection) {
			if err := conn.Abort(c.ctx, sessionKey); err != nil {
				log.Debug().Str("gateway", conn.GatewayID()).Err(err).Msg("federated abort failed")
			}
		}(target.SessionKey, conn)
	}
}

// ensureSubscribed starts the forwarder for a gateway the first time a turn
// touches it. Subscriptions persist until the downstream socket closes.
func (c *federatedClient) ensureSubscribed(conn *upstream.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed[conn.GatewayID()] {
		return
	}
	c.subscribed[conn.GatewayID()] = true

	chatCh, cancelChat := conn.Subscribe(protocol.EventChat)
	upCh, cancelUp := conn.Subscribe(upstream.EventConnected)

	go func() {
		defer cancelChat()
		defer cancelUp()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-upCh:
				_ = c.ws.send(c.ctx, map[string]string{"type": "reconnected", "gateway_id": conn.GatewayID()})
			case ev := <-chatCh:
				c.forwardChatEvent(conn.GatewayID(), protocol.ParseChatEvent(ev.Payload))
			}
		}
	}()
}

func (c *federatedClient) forwardChatEvent(gatewayID string, ev protocol.ChatEvent) {
	if !c.isActive(gatewayID, ev.SessionKey) {
		return
	}
	agentName := ev.AgentName
	if agentName == "" {
		agentName = "unknown"
	}
	source := sourceTag{GatewayID: gatewayID, AgentName: agentName}

	c.srv.metrics.StreamEvent(gatewayID, ev.State)
	c.srv.tracker.RecordStream(monitoring.StreamEvent{
		Event: "stream", GatewayID: gatewayID, SessionKey: ev.SessionKey, State: ev.State, TextLen: len(ev.Text),
	})

	switch ev.State {
	case protocol.StateDelta:
		c.sendStream(source, protocol.StateDelta, ev.Text, "")

	case protocol.StateFinal:
		// Persisted once by the final sink; the router only forwards.
		c.sendStream(source, protocol.StateFinal, thinking.Strip(ev.Text), "")
		if remaining := c.turn.finalize(gatewayID); remaining == 0 {
			log.Debug().Msg("federated turn complete")
		}

	case protocol.StateError:
		errMsg := ev.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		c.sendStream(source, protocol.StateError, "", errMsg)
		c.turn.finalize(gatewayID)
	}
}
