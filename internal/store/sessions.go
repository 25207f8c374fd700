package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/chat-proxy/internal/config"
)

// Session is a chat transcript scoped to one gateway. The (GatewayID,
// SessionKey) pair is unique.
type Session struct {
	ID           int64     `json:"id"`
	GatewayID    string    `json:"gateway_id"`
	SessionKey   string    `json:"session_key"`
	Title        string    `json:"title,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message is one append-only transcript entry. Content is a JSON array of
// typed blocks, e.g. [{"type":"text","text":"..."}].
type Message struct {
	ID        int64           `json:"id"`
	SessionID int64           `json:"session_id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// UpsertSession inserts the session if new, otherwise bumps last_activity and
// fills any newly provided optional fields. Returns the stored row.
func (s *Store) UpsertSession(ctx context.Context, gatewayID, sessionKey, title, agentID, model string) (Session, error) {
	now := time.Now().UTC().Truncate(time.Second)
	err := execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (gateway_id, session_key, title, agent_id, model, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (gateway_id, session_key) DO UPDATE SET
				last_activity = excluded.last_activity,
				title         = COALESCE(excluded.title, sessions.title),
				agent_id      = COALESCE(excluded.agent_id, sessions.agent_id),
				model         = COALESCE(excluded.model, sessions.model)`,
			gatewayID, sessionKey, nullString(title), nullString(agentID), nullString(model),
			now.Unix(), now.Unix())
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("upserting session: %w", err)
	}
	return s.GetSession(ctx, gatewayID, sessionKey)
}

// GetSession fetches one session by its compound key.
func (s *Store) GetSession(ctx context.Context, gatewayID, sessionKey string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		FROM sessions WHERE gateway_id = ? AND session_key = ?`,
		gatewayID, sessionKey)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns a gateway's sessions ordered by last activity, newest
// first.
func (s *Store) ListSessions(ctx context.Context, gatewayID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		FROM sessions WHERE gateway_id = ?
		ORDER BY last_activity DESC, id DESC`,
		gatewayID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, gatewayID, sessionKey string) error {
	var affected int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE gateway_id = ? AND session_key = ?`,
			gatewayID, sessionKey)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s/%s: %w", gatewayID, sessionKey, ErrNotFound)
	}
	return nil
}

// AppendMessage appends one message, auto-creating the session row when it
// does not exist yet and bumping its last_activity.
func (s *Store) AppendMessage(ctx context.Context, gatewayID, sessionKey, role string, content json.RawMessage, upstreamTS *int64) (Message, error) {
	sess, err := s.UpsertSession(ctx, gatewayID, sessionKey, "", "", "")
	if err != nil {
		return Message{}, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	msg := Message{
		SessionID: sess.ID,
		Role:      role,
		Content:   content,
		Timestamp: upstreamTS,
		CreatedAt: now,
	}

	var ts any
	if upstreamTS != nil {
		ts = *upstreamTS
	}
	err = execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp, created_at) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, role, string(content), ts, now.Unix())
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages for a session in chronological
// ascending order. before, when non-zero, is an exclusive message-id cursor.
// limit is clamped to [0, MaxHistoryLimit]; zero means an empty result.
func (s *Store) ListMessages(ctx context.Context, gatewayID, sessionKey string, limit int, before int64) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	if limit > config.MaxHistoryLimit {
		limit = config.MaxHistoryLimit
	}

	sess, err := s.GetSession(ctx, gatewayID, sessionKey)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	// Newest page first, then reversed for chronological output.
	query := `SELECT id, session_id, role, content, timestamp, created_at
		FROM messages WHERE session_id = ?`
	args := []any{sess.ID}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var content string
		var upstream sql.NullInt64
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &upstream, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Content = json.RawMessage(content)
		if upstream.Valid {
			ts := upstream.Int64
			m.Timestamp = &ts
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var title, agentID, model sql.NullString
	var created, activity int64
	if err := row.Scan(&sess.ID, &sess.GatewayID, &sess.SessionKey, &title, &agentID, &model, &created, &activity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scanning session: %w", err)
	}
	sess.Title = title.String
	sess.AgentID = agentID.String
	sess.Model = model.String
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.LastActivity = time.Unix(activity, 0).UTC()
	return sess, nil
}
