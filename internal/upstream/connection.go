// Package upstream maintains the persistent WebSocket connections to the
// configured gateways.
//
// DESIGN: one Connection per gateway. Each Connection owns a reader goroutine
// that pumps frames off the socket and either completes a pending request or
// fans an event out to subscribers. Writes are serialized through a mutex to
// preserve frame boundaries. Reconnection follows an explicit state machine:
//
//	Idle → Dialing → AwaitingChallenge → Authenticating → Connected
//	                                   ↘ Backoff (min(1s·2^n, 30s), 10 attempts) → Terminal
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/protocol"
	"github.com/openclaw/chat-proxy/internal/store"
)

// Failure kinds surfaced to callers.
var (
	ErrNotConnected   = errors.New("gateway not connected")
	ErrTimeout        = errors.New("request timed out")
	ErrConnectionLost = errors.New("gateway connection lost")
	ErrUpstream       = errors.New("upstream error")
)

const writeTimeout = 10 * time.Second

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDialing
	StateAwaitingChallenge
	StateAuthenticating
	StateConnected
	StateBackoff
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Internal event names published alongside upstream events. Subscribers use
// them to observe reconnection.
const (
	EventConnected       = "connected"
	EventReconnectFailed = "reconnect_failed"
)

// Event is one dispatched gateway event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

type response struct {
	payload json.RawMessage
	err     error
}

// Connection manages one authenticated socket to one upstream gateway.
type Connection struct {
	gatewayID string
	url       string
	token     string
	password  string

	metrics *monitoring.Metrics
	tracker *monitoring.Tracker

	// Reconnect tuning. Defaults come from config; tests shrink them.
	handshakeTimeout time.Duration
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxAttempts      int

	// lifeMu guards ctx/cancel/done across Start, Stop, and Reconnect.
	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	epoch int64
	seq   atomic.Uint64

	pendMu  sync.Mutex
	pending map[string]chan response

	subMu  sync.RWMutex
	subs   map[string]map[uint64]chan Event
	subSeq uint64

	snapMu   sync.RWMutex
	snapshot protocol.Snapshot

	// Last chat.set_reasoning value per session key, re-applied after a
	// successful handshake since the gateway may not persist it.
	reasonMu  sync.Mutex
	reasoning map[string]bool
}

// NewConnection builds a connection for a stored gateway config. Call Start
// to begin dialing.
func NewConnection(cfg store.Gateway, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Connection {
	return &Connection{
		gatewayID:        cfg.ID,
		url:              cfg.URL,
		token:            cfg.Token,
		password:         cfg.Password,
		metrics:          metrics,
		tracker:          tracker,
		handshakeTimeout: config.HandshakeTimeout,
		baseDelay:        config.ReconnectBaseDelay,
		maxDelay:         config.ReconnectMaxDelay,
		maxAttempts:      config.MaxReconnectAttempts,
		epoch:            time.Now().UnixMilli(),
		done:             make(chan struct{}),
		pending:          make(map[string]chan response),
		subs:             make(map[string]map[uint64]chan Event),
		reasoning:        make(map[string]bool),
	}
}

// GatewayID returns the stable gateway identifier.
func (c *Connection) GatewayID() string { return c.gatewayID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Connected reports whether the handshake has completed and the socket is up.
func (c *Connection) Connected() bool { return c.State() == StateConnected }

// Snapshot returns the cached metadata snapshot from the last handshake.
func (c *Connection) Snapshot() protocol.Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

func (c *Connection) setSnapshot(mutate func(*protocol.Snapshot)) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	mutate(&c.snapshot)
}

// Start launches the connect/reconnect loop. The connection stops when ctx
// is canceled or Stop is called.
func (c *Connection) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.launch(ctx)
}

// launch starts the run loop. Caller holds lifeMu.
func (c *Connection) launch(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	done := c.done
	go func() {
		defer close(done)
		c.run()
	}()
}

// Stop disables reconnection, closes the socket, and fails all pending
// requests. It blocks until the run loop has exited.
func (c *Connection) Stop() {
	c.lifeMu.Lock()
	cancel, done := c.cancel, c.done
	c.lifeMu.Unlock()
	if cancel == nil {
		return // never started
	}
	cancel()
	c.closeSocket(websocket.StatusNormalClosure, "shutdown")
	<-done
}

// Reconnect restarts dialing after the run loop exited (terminal state or a
// prior Stop). It reports whether a new run loop was started; a connection
// that is still running is left alone.
func (c *Connection) Reconnect(ctx context.Context) bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	select {
	case <-c.done:
	default:
		return false
	}
	c.done = make(chan struct{})
	c.launch(ctx)
	return true
}

// Done is closed when the run loop exits, whether by Stop or by going
// terminal. Reconnect replaces the channel, so long-lived watchers must
// re-acquire it after a restart.
func (c *Connection) Done() <-chan struct{} {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.done
}

func (c *Connection) run() {
	attempt := 0
	for {
		err := c.session(&attempt)
		c.failPending(ErrConnectionLost)

		if c.ctx.Err() != nil {
			c.state.Store(int32(StateIdle))
			return
		}

		if attempt >= c.maxAttempts {
			c.state.Store(int32(StateTerminal))
			log.Error().Str("gateway", c.gatewayID).Int("attempts", attempt).
				Msg("gateway reconnect attempts exhausted")
			c.tracker.RecordConnect(monitoring.ConnectEvent{
				Event: "reconnect_failed", GatewayID: c.gatewayID, Attempt: attempt,
			})
			c.publish(EventReconnectFailed, nil)
			return
		}

		delay := backoffDelay(c.baseDelay, c.maxDelay, attempt)
		attempt++
		c.state.Store(int32(StateBackoff))
		log.Warn().Str("gateway", c.gatewayID).Err(err).
			Int("attempt", attempt).Dur("delay", delay).
			Msg("gateway connection lost, backing off")

		select {
		case <-c.ctx.Done():
			c.state.Store(int32(StateIdle))
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay is the ladder min(base·2^n, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << attempt
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// session runs one dial → handshake → read-loop cycle. It returns when the
// socket closes or any stage fails. On a successful handshake the caller's
// attempt counter is reset.
func (c *Connection) session(attempt *int) error {
	c.state.Store(int32(StateDialing))

	dialCtx, cancelDial := context.WithTimeout(c.ctx, config.DialTimeout)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{originFor(c.url)}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.metrics.UpstreamFailed(c.gatewayID)
		return fmt.Errorf("dialing %s: %w", c.gatewayID, err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.handshake(conn); err != nil {
		c.metrics.UpstreamFailed(c.gatewayID)
		c.closeSocket(websocket.StatusProtocolError, "handshake failed")
		return err
	}

	*attempt = 0
	c.state.Store(int32(StateConnected))
	c.metrics.UpstreamConnected(c.gatewayID)
	c.tracker.RecordConnect(monitoring.ConnectEvent{Event: "connected", GatewayID: c.gatewayID})
	log.Info().Str("gateway", c.gatewayID).Msg("gateway connected")

	// These issue requests, so they must not run before the read loop pumps
	// responses; goroutines block on the pending table until it does.
	go c.refreshMetadata()
	go c.reapplyReasoning()

	c.publish(EventConnected, nil)

	err = c.readLoop(conn)

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	return err
}

// handshake waits for connect.challenge, then sends the connect request and
// caches the snapshot from the response. The whole sequence is bounded by
// HandshakeTimeout; if the challenge never arrives, connect is never sent.
func (c *Connection) handshake(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout)
	defer cancel()

	c.state.Store(int32(StateAwaitingChallenge))
	frame, err := readFrame(ctx, conn)
	if err != nil {
		return fmt.Errorf("awaiting challenge from %s: %w", c.gatewayID, err)
	}
	if frame.Type != protocol.TypeEvent || frame.Event != protocol.EventChallenge {
		return fmt.Errorf("gateway %s sent %s/%s before challenge", c.gatewayID, frame.Type, frame.Event)
	}

	c.state.Store(int32(StateAuthenticating))
	params, err := protocol.ConnectParams(c.gatewayID, c.token, c.password)
	if err != nil {
		return err
	}
	id := c.nextRequestID()
	data, err := protocol.EncodeRequest(id, protocol.MethodConnect, params)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending connect to %s: %w", c.gatewayID, err)
	}

	res, err := readFrame(ctx, conn)
	if err != nil {
		return fmt.Errorf("awaiting connect response from %s: %w", c.gatewayID, err)
	}
	if res.Type != protocol.TypeResponse || res.ID != id {
		return fmt.Errorf("gateway %s replied out of order to connect", c.gatewayID)
	}
	if !res.OK {
		return fmt.Errorf("gateway %s rejected connect: %s: %w", c.gatewayID, res.ErrorMessage(), ErrUpstream)
	}

	snap := protocol.ParseSnapshot(res.Payload)
	c.setSnapshot(func(s *protocol.Snapshot) { *s = snap })
	return nil
}

// readLoop pumps frames until the socket closes or the connection stops.
func (c *Connection) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return fmt.Errorf("reading from %s: %w", c.gatewayID, err)
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Warn().Str("gateway", c.gatewayID).Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.TypeResponse:
			c.completePending(frame)
		case protocol.TypeEvent:
			c.publish(frame.Event, frame.Payload)
		}
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (*protocol.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(data)
}

func (c *Connection) closeSocket(code websocket.StatusCode, reason string) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// originFor derives an Origin header from the gateway URL so the dial passes
// same-host origin checks.
func originFor(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://localhost"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// =============================================================================
// REQUESTS
// =============================================================================

// nextRequestID combines the connection epoch with a monotonically increasing
// counter so ids never collide across reconnects.
func (c *Connection) nextRequestID() string {
	return fmt.Sprintf("r%d-%d", c.epoch, c.seq.Add(1))
}

// Request sends a request frame and waits for the matching response, the
// timeout (RequestTimeout when zero), or disconnection. The returned payload
// is the response's payload field.
func (c *Connection) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("gateway %s: %w", c.gatewayID, ErrNotConnected)
	}

	id := c.nextRequestID()
	ch := make(chan response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	data, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.write(data); err != nil {
		c.removePending(id)
		return nil, err
	}
	c.metrics.UpstreamRequest(c.gatewayID, method)

	if timeout <= 0 {
		timeout = config.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s to %s: %w", method, c.gatewayID, ErrTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("gateway %s: %w", c.gatewayID, ErrConnectionLost)
	}
}

// write serializes socket writes to preserve frame boundaries.
func (c *Connection) write(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway %s: %w", c.gatewayID, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing to %s: %w", c.gatewayID, err)
	}
	return nil
}

func (c *Connection) completePending(frame *protocol.Frame) {
	c.pendMu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendMu.Unlock()
	if !ok {
		// Late response after timeout; discard.
		return
	}

	if frame.OK {
		ch <- response{payload: frame.Payload}
	} else {
		ch <- response{err: fmt.Errorf("%s: %w", frame.ErrorMessage(), ErrUpstream)}
	}
}

func (c *Connection) removePending(id string) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

// failPending fails every in-flight request with kind.
func (c *Connection) failPending(kind error) {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.pendMu.Unlock()

	for _, ch := range pending {
		ch <- response{err: fmt.Errorf("gateway %s: %w", c.gatewayID, kind)}
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// Subscribe registers for events by name; the empty name receives every
// event. The returned cancel func must be called to release the channel.
// Events are dropped (with a warning) when a subscriber falls behind.
func (c *Connection) Subscribe(event string) (<-chan Event, func()) {
	ch := make(chan Event, config.EventBufferSize)

	c.subMu.Lock()
	c.subSeq++
	id := c.subSeq
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]chan Event)
	}
	c.subs[event][id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if set, ok := c.subs[event]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.subs, event)
			}
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// publish dispatches an event to name-keyed subscribers and to catch-all
// subscribers.
func (c *Connection) publish(name string, payload json.RawMessage) {
	ev := Event{Name: name, Payload: payload}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, set := range []map[uint64]chan Event{c.subs[name], c.subs[""]} {
		for _, ch := range set {
			select {
			case ch <- ev:
			default:
				log.Warn().Str("gateway", c.gatewayID).Str("event", name).
					Msg("subscriber lagging, dropping event")
			}
		}
	}
}

// =============================================================================
// TYPED OPERATIONS
// =============================================================================

// SendChat issues chat.send for a session. Output arrives as chat events;
// the ack payload is usually empty.
func (c *Connection) SendChat(ctx context.Context, sessionKey, message string, advancedReasoning *bool) error {
	params := map[string]any{
		"sessionKey":     sessionKey,
		"message":        message,
		"deliver":        false,
		"idempotencyKey": uuid.NewString(),
	}
	if advancedReasoning != nil {
		params["advancedReasoning"] = *advancedReasoning
	}
	_, err := c.Request(ctx, protocol.MethodChatSend, params, 0)
	return err
}

// Abort issues chat.abort; the upstream emits a terminal event for the
// affected stream.
func (c *Connection) Abort(ctx context.Context, sessionKey string) error {
	_, err := c.Request(ctx, protocol.MethodChatAbort, map[string]any{"sessionKey": sessionKey}, 0)
	return err
}

// SetReasoning issues chat.set_reasoning and caches the value so it can be
// re-applied after a reconnect.
func (c *Connection) SetReasoning(ctx context.Context, sessionKey string, enabled bool) error {
	c.reasonMu.Lock()
	c.reasoning[sessionKey] = enabled
	c.reasonMu.Unlock()

	_, err := c.Request(ctx, protocol.MethodSetReasoning,
		map[string]any{"sessionKey": sessionKey, "enabled": enabled}, 0)
	return err
}

// History fetches transcript history from the gateway itself. The local
// store remains authoritative for anything the proxy has observed.
func (c *Connection) History(ctx context.Context, sessionKey string, limit int) (json.RawMessage, error) {
	return c.Request(ctx, protocol.MethodChatHistory,
		map[string]any{"sessionKey": sessionKey, "limit": limit}, config.HistoryFetchTimeout)
}

// SessionsList fetches the gateway's own session listing.
func (c *Connection) SessionsList(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, protocol.MethodSessionsList, map[string]any{}, config.SessionsListTimeout)
}

// refreshMetadata merges agents.list / models.list results into the cached
// snapshot, mirroring what the handshake snapshot may have omitted.
func (c *Connection) refreshMetadata() {
	if payload, err := c.Request(c.ctx, protocol.MethodAgentsList, map[string]any{}, 0); err == nil {
		if agents := decodeRawList(payload, "agents"); agents != nil {
			c.setSnapshot(func(s *protocol.Snapshot) { s.Agents = agents })
		}
	} else {
		log.Debug().Str("gateway", c.gatewayID).Err(err).Msg("agents.list failed")
	}

	if payload, err := c.Request(c.ctx, protocol.MethodModelsList, map[string]any{}, 0); err == nil {
		if models := decodeRawList(payload, "models"); models != nil {
			c.setSnapshot(func(s *protocol.Snapshot) { s.Models = models })
		}
	} else {
		log.Debug().Str("gateway", c.gatewayID).Err(err).Msg("models.list failed")
	}
}

func (c *Connection) reapplyReasoning() {
	c.reasonMu.Lock()
	cached := make(map[string]bool, len(c.reasoning))
	for k, v := range c.reasoning {
		cached[k] = v
	}
	c.reasonMu.Unlock()

	for sessionKey, enabled := range cached {
		if _, err := c.Request(c.ctx, protocol.MethodSetReasoning,
			map[string]any{"sessionKey": sessionKey, "enabled": enabled}, 0); err != nil {
			log.Debug().Str("gateway", c.gatewayID).Str("session", sessionKey).Err(err).
				Msg("re-applying reasoning flag failed")
		}
	}
}

func decodeRawList(payload json.RawMessage, field string) []json.RawMessage {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return nil
	}
	raw, ok := wrapper[field]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
