package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addTestGateway(t *testing.T, s *Store, id string) Gateway {
	t.Helper()
	g, err := s.AddGateway(context.Background(), Gateway{
		ID: id, Name: "Gateway " + id, URL: "ws://host/" + id, Token: "SECRET-" + id,
	})
	require.NoError(t, err)
	return g
}

func TestGateway_AddListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestGateway(t, s, "g1")

	list, err := s.ListGateways(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "g1", list[0].ID)
	assert.Equal(t, "ws://host/g1", list[0].URL)
	assert.Empty(t, list[0].Token, "listing must not carry secrets")

	// Duplicate id fails and leaves the list unchanged.
	_, err = s.AddGateway(ctx, Gateway{ID: "g1", Name: "dup", URL: "ws://other"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	list, err = s.ListGateways(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteGateway(ctx, "g1"))
	assert.ErrorIs(t, s.DeleteGateway(ctx, "g1"), ErrNotFound)
}

func TestGateway_GetIncludesCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	g, err := s.GetGateway(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "SECRET-g1", g.Token)

	_, err = s.GetGateway(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSession_UpsertTouchesActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	first, err := s.UpsertSession(ctx, "g1", "s1", "Title", "a1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "Title", first.Title)
	assert.Equal(t, "a1", first.AgentID)

	// Second upsert with empty optionals keeps the stored values.
	second, err := s.UpsertSession(ctx, "g1", "s1", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Title", second.Title)
	assert.False(t, second.LastActivity.Before(first.LastActivity))
}

func TestSession_UniquePerGateway(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")
	addTestGateway(t, s, "g2")

	a, err := s.UpsertSession(ctx, "g1", "shared", "", "", "")
	require.NoError(t, err)
	b, err := s.UpsertSession(ctx, "g2", "shared", "", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "same key on different gateways is two sessions")

	sessions, err := s.ListSessions(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, a.ID, sessions[0].ID)
}

func TestMessages_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	_, err := s.AppendMessage(ctx, "g1", "s1", RoleUser, protocol.TextContent("Hi"), nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "g1", "s1", RoleAssistant, protocol.TextContent("Hello"), nil)
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "g1", "s1", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", gjson.GetBytes(msgs[0].Content, "0.text").String())
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", gjson.GetBytes(msgs[1].Content, "0.text").String())

	// Chronological ascending ids.
	assert.Less(t, msgs[0].ID, msgs[1].ID)

	// last_activity is at least the newest message's created_at.
	sess, err := s.GetSession(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.False(t, sess.LastActivity.Before(msgs[1].CreatedAt))
}

func TestMessages_LimitAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	for i := 0; i < 10; i++ {
		_, err := s.AppendMessage(ctx, "g1", "s1", RoleUser, protocol.TextContent("m"), nil)
		require.NoError(t, err)
	}

	// limit=0 returns an empty list.
	msgs, err := s.ListMessages(ctx, "g1", "s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Page of 3 returns the newest 3 in ascending order.
	msgs, err = s.ListMessages(ctx, "g1", "s1", 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Less(t, msgs[0].ID, msgs[2].ID)

	// before cursor pages strictly older messages.
	older, err := s.ListMessages(ctx, "g1", "s1", 3, msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Less(t, older[2].ID, msgs[0].ID)

	// Unknown session returns empty, not an error.
	msgs, err = s.ListMessages(ctx, "g1", "absent", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessages_LimitClampedToMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	total := config.MaxHistoryLimit + 5
	for i := 0; i < total; i++ {
		_, err := s.AppendMessage(ctx, "g1", "s1", RoleUser, protocol.TextContent("m"), nil)
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "g1", "s1", total*2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, config.MaxHistoryLimit)
	// The clamped page is the newest window, ascending.
	assert.Less(t, msgs[0].ID, msgs[len(msgs)-1].ID)
	assert.Equal(t, int64(total), msgs[len(msgs)-1].ID)
}

func TestMessages_AutoCreatesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	_, err := s.AppendMessage(ctx, "g1", "fresh", RoleUser, protocol.TextContent("x"), nil)
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, "g1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", sess.SessionKey)
}

func TestDeleteGateway_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	_, err := s.AppendMessage(ctx, "g1", "s1", RoleUser, protocol.TextContent("x"), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteGateway(ctx, "g1"))

	sessions, err := s.ListSessions(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	msgs, err := s.ListMessages(ctx, "g1", "s1", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteSession_RemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addTestGateway(t, s, "g1")

	_, err := s.AppendMessage(ctx, "g1", "s1", RoleUser, protocol.TextContent("x"), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "g1", "s1"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "g1", "s1"), ErrNotFound)

	msgs, err := s.ListMessages(ctx, "g1", "s1", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFederatedSession_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	targets := []Target{{GatewayID: "g1", SessionKey: "s1"}, {GatewayID: "g2", SessionKey: "s2"}}
	fs, err := s.CreateFederatedSession(ctx, "Pair", targets)
	require.NoError(t, err)
	require.NotEmpty(t, fs.ID)

	got, err := s.GetFederatedSession(ctx, fs.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pair", got.Title)
	assert.Equal(t, targets, got.Targets)

	list, err := s.ListFederatedSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteFederatedSession(ctx, fs.ID))
	_, err = s.GetFederatedSession(ctx, fs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFederatedSession(ctx, fs.ID), ErrNotFound)
}

func TestFederatedSession_RequiresTargets(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateFederatedSession(context.Background(), "empty", nil)
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestCountGateways(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountGateways(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	addTestGateway(t, s, "g1")
	n, err = s.CountGateways(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
