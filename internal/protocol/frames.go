// Package protocol defines the gateway wire protocol: one JSON object per
// WebSocket text frame, in three shapes.
//
//	Request:  {type:"req",   id, method, params}
//	Response: {type:"res",   id, ok, payload?, error?{message}}
//	Event:    {type:"event", event, payload}
//
// Payloads are loosely typed on the wire; this package keeps them as raw JSON
// and offers gjson-backed accessors for the fields the proxy cares about.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openclaw/chat-proxy/internal/config"
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Known event names.
const (
	EventChallenge = "connect.challenge"
	EventChat      = "chat"
)

// Upstream request methods.
const (
	MethodConnect      = "connect"
	MethodChatSend     = "chat.send"
	MethodChatAbort    = "chat.abort"
	MethodChatHistory  = "chat.history"
	MethodSetReasoning = "chat.set_reasoning"
	MethodAgentsList   = "agents.list"
	MethodModelsList   = "models.list"
	MethodSessionsList = "sessions.list"
)

// Chat stream states.
const (
	StateDelta = "delta"
	StateFinal = "final"
	StateError = "error"
)

// FrameError is the error block of a response frame.
type FrameError struct {
	Message string `json:"message"`
}

// Frame is the decoded form of any gateway frame. Unused fields stay zero.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// DecodeFrame parses a single wire frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// EncodeRequest builds a request frame.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	data, err := json.Marshal(Frame{Type: TypeRequest, ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}
	return data, nil
}

// ErrorMessage returns the error string of a failed response, or a fallback.
func (f *Frame) ErrorMessage() string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	return "unknown upstream error"
}

// =============================================================================
// CONNECT
// =============================================================================

// ConnectParams builds the params block of the connect request. The auth
// field is dropped entirely when both credentials are empty: some gateways
// run with device auth disabled and reject an empty auth object.
func ConnectParams(gatewayID, token, password string) (json.RawMessage, error) {
	base := fmt.Sprintf(`{
		"role": "operator",
		"scopes": ["operator.read","operator.write","operator.admin","operator.approvals","operator.pairing"],
		"permissions": {"operator.admin":true,"operator.approvals":true,"operator.pairing":true},
		"client": {"id":"openclaw-chat-proxy","version":"1.0.0","platform":"web","mode":"webchat","instanceId":%q},
		"minProtocol": %d,
		"maxProtocol": %d
	}`, "backend_"+gatewayID, config.ProtocolVersion, config.ProtocolVersion)

	params := base
	var err error
	if token != "" {
		if params, err = sjson.Set(params, "auth.token", token); err != nil {
			return nil, fmt.Errorf("setting auth token: %w", err)
		}
	}
	if password != "" {
		if params, err = sjson.Set(params, "auth.password", password); err != nil {
			return nil, fmt.Errorf("setting auth password: %w", err)
		}
	}
	return json.RawMessage(params), nil
}

// Snapshot is the metadata block cached after a successful handshake.
// Agents and models are kept verbatim so downstream clients see exactly what
// the gateway reported.
type Snapshot struct {
	Agents       []json.RawMessage `json:"agents"`
	Models       []json.RawMessage `json:"models"`
	DefaultModel string            `json:"defaultModel"`
}

// ParseSnapshot extracts the snapshot from a connect response payload.
func ParseSnapshot(payload json.RawMessage) Snapshot {
	snap := Snapshot{}
	root := gjson.GetBytes(payload, "snapshot")
	if !root.Exists() {
		return snap
	}
	snap.DefaultModel = root.Get("sessionDefaults.model").String()
	for _, a := range root.Get("agents").Array() {
		snap.Agents = append(snap.Agents, json.RawMessage(a.Raw))
	}
	for _, m := range root.Get("models").Array() {
		snap.Models = append(snap.Models, json.RawMessage(m.Raw))
	}
	return snap
}

// =============================================================================
// CHAT EVENTS
// =============================================================================

// ChatEvent is the decoded payload of an upstream chat event.
type ChatEvent struct {
	SessionKey string
	State      string
	Text       string
	AgentName  string
	Error      string
}

// ParseChatEvent decodes a chat event payload. Text is the concatenation of
// all text content blocks; other block types are passed over.
func ParseChatEvent(payload json.RawMessage) ChatEvent {
	ev := ChatEvent{
		SessionKey: gjson.GetBytes(payload, "sessionKey").String(),
		State:      gjson.GetBytes(payload, "state").String(),
		AgentName:  gjson.GetBytes(payload, "message.agent.name").String(),
		Error:      gjson.GetBytes(payload, "error").String(),
	}
	for _, block := range gjson.GetBytes(payload, "message.content").Array() {
		if block.Get("type").String() == "text" {
			ev.Text += block.Get("text").String()
		}
	}
	return ev
}

// TextContent wraps a plain string as the canonical single-text-block content
// array used for persisted messages.
func TextContent(text string) json.RawMessage {
	data, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return data
}
