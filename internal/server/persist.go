// persist.go - single-writer persistence of assistant finals.
//
// DESIGN: downstream routers only forward stream events. Persisting a final
// happens in exactly one subscription per upstream connection, keyed by the
// session keys the proxy itself has driven, so any number of clients can
// watch the same gateway (or the same session) without an upstream final
// being appended more than once.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/chat-proxy/internal/protocol"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/thinking"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

type finalSink struct {
	srv *Server

	mu    sync.Mutex
	conns map[*upstream.Connection]*sinkEntry
}

type sinkEntry struct {
	keys    map[string]bool
	running bool
}

func newFinalSink(srv *Server) *finalSink {
	return &finalSink{srv: srv, conns: make(map[*upstream.Connection]*sinkEntry)}
}

// watch marks a session key as proxy-driven on the connection and ensures the
// persister goroutine for that connection is running. Keys stay watched for
// the life of the process: a final that arrives after the requesting client
// disconnected is still recorded.
func (f *finalSink) watch(conn *upstream.Connection, sessionKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.conns[conn]
	if entry == nil {
		entry = &sinkEntry{keys: make(map[string]bool)}
		f.conns[conn] = entry
	}
	entry.keys[sessionKey] = true
	if !entry.running {
		entry.running = true
		ch, cancel := conn.Subscribe(protocol.EventChat)
		go f.run(conn, entry, ch, cancel)
	}
}

func (f *finalSink) watched(entry *sinkEntry, sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entry.keys[sessionKey]
}

// run persists finals until the connection's run loop exits; the next watch
// after a restart re-subscribes. Subscriptions survive reconnects of the
// underlying socket, so a brief drop does not lose the sink.
func (f *finalSink) run(conn *upstream.Connection, entry *sinkEntry, ch <-chan upstream.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-conn.Done():
			// Finals already buffered are still recorded.
			for {
				select {
				case ev := <-ch:
					f.persist(conn, entry, ev)
				default:
					f.mu.Lock()
					entry.running = false
					f.mu.Unlock()
					return
				}
			}
		case ev := <-ch:
			f.persist(conn, entry, ev)
		}
	}
}

func (f *finalSink) persist(conn *upstream.Connection, entry *sinkEntry, ev upstream.Event) {
	cev := protocol.ParseChatEvent(ev.Payload)
	if cev.State != protocol.StateFinal || !f.watched(entry, cev.SessionKey) {
		return
	}
	text := thinking.Strip(cev.Text)
	if _, err := f.srv.store.AppendMessage(context.Background(), conn.GatewayID(), cev.SessionKey,
		store.RoleAssistant, protocol.TextContent(text), nil); err != nil {
		log.Error().Str("gateway", conn.GatewayID()).Str("session", cev.SessionKey).
			Err(err).Msg("persisting assistant message failed")
	} else {
		f.srv.metrics.MessagePersisted(store.RoleAssistant)
	}
}
