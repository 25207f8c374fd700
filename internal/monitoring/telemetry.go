// Package monitoring - telemetry.go records events to a JSONL file.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per
// line), appended immediately after each event for real-time inspection.
// Disabled (nil path) trackers are no-ops.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tracker appends telemetry events to a JSONL file.
type Tracker struct {
	path string
	mu   sync.Mutex
}

// ConnectEvent records an upstream connection state change.
type ConnectEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	GatewayID string    `json:"gateway_id"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StreamEvent records one chat stream event forwarded downstream.
type StreamEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	GatewayID  string    `json:"gateway_id"`
	SessionKey string    `json:"session_key"`
	State      string    `json:"state"`
	TextLen    int       `json:"text_len,omitempty"`
}

// NewTracker creates a tracker writing to path. An empty path disables
// tracking. The parent directory is created if needed.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{path: path}
	if path == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if f, err := os.Create(path); err == nil {
			_ = f.Close()
		}
	}
	return t, nil
}

// Enabled reports whether events are being written.
func (t *Tracker) Enabled() bool {
	return t != nil && t.path != ""
}

// RecordConnect appends a connection event.
func (t *Tracker) RecordConnect(ev ConnectEvent) {
	if !t.Enabled() {
		return
	}
	ev.Timestamp = time.Now().UTC()
	t.append(ev)
}

// RecordStream appends a stream event.
func (t *Tracker) RecordStream(ev StreamEvent) {
	if !t.Enabled() {
		return
	}
	ev.Timestamp = time.Now().UTC()
	t.append(ev)
}

func (t *Tracker) append(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry marshal failed")
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("telemetry open failed")
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		log.Warn().Err(err).Msg("telemetry write failed")
	}
}
