package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDecodeFrame_Shapes(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"event","event":"connect.challenge","payload":{"nonce":"n","ts":1}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, f.Type)
	assert.Equal(t, EventChallenge, f.Event)

	f, err = DecodeFrame([]byte(`{"type":"res","id":"r1","ok":true,"payload":{"protocol":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", f.ID)
	assert.True(t, f.OK)

	f, err = DecodeFrame([]byte(`{"type":"res","id":"r2","ok":false,"error":{"message":"denied"}}`))
	require.NoError(t, err)
	assert.Equal(t, "denied", f.ErrorMessage())
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"id":"r1"}`))
	assert.Error(t, err, "missing type should be rejected")
}

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest("r7", MethodChatSend, map[string]any{"sessionKey": "s1", "message": "hi"})
	require.NoError(t, err)

	assert.Equal(t, "req", gjson.GetBytes(data, "type").String())
	assert.Equal(t, "r7", gjson.GetBytes(data, "id").String())
	assert.Equal(t, "chat.send", gjson.GetBytes(data, "method").String())
	assert.Equal(t, "s1", gjson.GetBytes(data, "params.sessionKey").String())
}

func TestConnectParams_OmitsEmptyAuth(t *testing.T) {
	params, err := ConnectParams("g1", "", "")
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(params, "auth").Exists())
	assert.Equal(t, "operator", gjson.GetBytes(params, "role").String())
	assert.EqualValues(t, 3, gjson.GetBytes(params, "minProtocol").Int())
	assert.EqualValues(t, 3, gjson.GetBytes(params, "maxProtocol").Int())
	assert.Equal(t, "backend_g1", gjson.GetBytes(params, "client.instanceId").String())
	assert.Len(t, gjson.GetBytes(params, "scopes").Array(), 5)
}

func TestConnectParams_WithCredentials(t *testing.T) {
	params, err := ConnectParams("g1", "tok", "pw")
	require.NoError(t, err)

	assert.Equal(t, "tok", gjson.GetBytes(params, "auth.token").String())
	assert.Equal(t, "pw", gjson.GetBytes(params, "auth.password").String())
}

func TestParseSnapshot(t *testing.T) {
	payload := json.RawMessage(`{
		"protocol": 3,
		"snapshot": {
			"sessionDefaults": {"model": "m1"},
			"agents": [{"id":"a1","name":"Alpha"}],
			"models": [{"id":"m1"},{"id":"m2"}]
		}
	}`)
	snap := ParseSnapshot(payload)
	assert.Equal(t, "m1", snap.DefaultModel)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "a1", gjson.GetBytes(snap.Agents[0], "id").String())
	assert.Len(t, snap.Models, 2)
}

func TestParseSnapshot_Missing(t *testing.T) {
	snap := ParseSnapshot(json.RawMessage(`{"protocol":3}`))
	assert.Empty(t, snap.Agents)
	assert.Empty(t, snap.DefaultModel)
}

func TestParseChatEvent(t *testing.T) {
	payload := json.RawMessage(`{
		"sessionKey": "s1",
		"state": "final",
		"message": {
			"agent": {"name": "Alpha"},
			"content": [
				{"type":"text","text":"Hel"},
				{"type":"toolCall","name":"x"},
				{"type":"text","text":"lo"}
			]
		}
	}`)
	ev := ParseChatEvent(payload)
	assert.Equal(t, "s1", ev.SessionKey)
	assert.Equal(t, StateFinal, ev.State)
	assert.Equal(t, "Hello", ev.Text)
	assert.Equal(t, "Alpha", ev.AgentName)
}

func TestParseChatEvent_Error(t *testing.T) {
	ev := ParseChatEvent(json.RawMessage(`{"sessionKey":"s1","state":"error","error":"boom"}`))
	assert.Equal(t, StateError, ev.State)
	assert.Equal(t, "boom", ev.Error)
	assert.Empty(t, ev.Text)
}

func TestTextContent(t *testing.T) {
	raw := TextContent("Hi")
	assert.Equal(t, "text", gjson.GetBytes(raw, "0.type").String())
	assert.Equal(t, "Hi", gjson.GetBytes(raw, "0.text").String())
}
