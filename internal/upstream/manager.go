package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/store"
)

// Manager owns the set of live gateway connections and keeps it aligned with
// the gateways table. Registering a gateway persists it and starts dialing;
// unregistering deletes the row and tears the connection down.
type Manager struct {
	store   *store.Store
	metrics *monitoring.Metrics
	tracker *monitoring.Tracker

	mu    sync.RWMutex
	conns map[string]*Connection
}

// Status is the live view of one gateway exposed over the REST surface.
type Status struct {
	Connected    bool              `json:"connected"`
	State        string            `json:"state"`
	Agents       []json.RawMessage `json:"agents"`
	Models       []json.RawMessage `json:"models"`
	DefaultModel string            `json:"default_model,omitempty"`
}

// NewManager builds a manager over the stored gateway configs.
func NewManager(st *store.Store, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Manager {
	return &Manager{
		store:   st,
		metrics: metrics,
		tracker: tracker,
		conns:   make(map[string]*Connection),
	}
}

// StartStored launches a connection for every gateway already in the store.
// Individual gateways connect (or retry) independently; a gateway that is
// down at boot does not block startup.
func (m *Manager) StartStored(ctx context.Context) error {
	configs, err := m.store.ListGatewayConfigs(ctx)
	if err != nil {
		return fmt.Errorf("loading stored gateways: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range configs {
		conn := NewConnection(cfg, m.metrics, m.tracker)
		conn.Start(ctx)
		m.conns[cfg.ID] = conn
		log.Info().Str("gateway", cfg.ID).Str("url", cfg.URL).Msg("starting stored gateway")
	}
	return nil
}

// Register persists a new gateway and starts its connection. Registration
// succeeds even when the gateway is unreachable; the connection keeps
// retrying in the background.
func (m *Manager) Register(ctx context.Context, g store.Gateway) (store.Gateway, error) {
	saved, err := m.store.AddGateway(ctx, g)
	if err != nil {
		return store.Gateway{}, err
	}

	cfg := saved
	cfg.Token = g.Token
	cfg.Password = g.Password

	conn := NewConnection(cfg, m.metrics, m.tracker)
	// Registration often arrives over HTTP; the connection outlives that
	// request and is torn down by Unregister or StopAll.
	conn.Start(context.WithoutCancel(ctx))

	m.mu.Lock()
	if old, ok := m.conns[saved.ID]; ok {
		go old.Stop()
	}
	m.conns[saved.ID] = conn
	m.mu.Unlock()

	return saved, nil
}

// Unregister deletes the gateway row (store.ErrNotFound when absent) and
// stops its connection. Stored sessions and messages cascade away with it.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	if err := m.store.DeleteGateway(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	conn, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if ok {
		conn.Stop()
	}
	return nil
}

// Get returns the live connection for a gateway id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// Status reports the live state and cached metadata for a gateway. The
// second return is false when no connection exists for the id.
func (m *Manager) Status(id string) (Status, bool) {
	conn, ok := m.Get(id)
	if !ok {
		return Status{}, false
	}
	snap := conn.Snapshot()
	return Status{
		Connected:    conn.Connected(),
		State:        conn.State().String(),
		Agents:       snap.Agents,
		Models:       snap.Models,
		DefaultModel: snap.DefaultModel,
	}, true
}

// StopAll tears down every connection. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Stop()
		}(conn)
	}
	wg.Wait()
}
