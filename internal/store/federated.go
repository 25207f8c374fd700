package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Target identifies one (gateway, session key) leg of a federated session.
type Target struct {
	GatewayID  string `json:"gateway_id"`
	SessionKey string `json:"session_key"`
}

// FederatedSession is a named collection of targets treated as one
// conversational surface. Targets are serialized as JSON in a single column.
type FederatedSession struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Targets      []Target  `json:"gateways"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateFederatedSession stores a new federated session with a generated id.
func (s *Store) CreateFederatedSession(ctx context.Context, title string, targets []Target) (FederatedSession, error) {
	if len(targets) == 0 {
		return FederatedSession{}, fmt.Errorf("federated session: %w", ErrNoTargets)
	}

	now := time.Now().UTC().Truncate(time.Second)
	fs := FederatedSession{
		ID:           uuid.NewString(),
		Title:        title,
		Targets:      targets,
		CreatedAt:    now,
		LastActivity: now,
	}

	raw, err := json.Marshal(targets)
	if err != nil {
		return FederatedSession{}, fmt.Errorf("marshaling targets: %w", err)
	}

	err = execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO federated_sessions (id, title, targets, created_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
			fs.ID, nullString(title), string(raw), now.Unix(), now.Unix())
		return err
	})
	if err != nil {
		return FederatedSession{}, fmt.Errorf("inserting federated session: %w", err)
	}
	return fs, nil
}

// GetFederatedSession fetches one federated session by id.
func (s *Store) GetFederatedSession(ctx context.Context, id string) (FederatedSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, targets, created_at, last_activity FROM federated_sessions WHERE id = ?`, id)
	fs, err := scanFederated(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FederatedSession{}, ErrNotFound
	}
	return fs, err
}

// ListFederatedSessions returns all federated sessions, most recently active
// first.
func (s *Store) ListFederatedSessions(ctx context.Context) ([]FederatedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, targets, created_at, last_activity FROM federated_sessions ORDER BY last_activity DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing federated sessions: %w", err)
	}
	defer rows.Close()

	sessions := []FederatedSession{}
	for rows.Next() {
		fs, err := scanFederated(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, fs)
	}
	return sessions, rows.Err()
}

// TouchFederatedSession bumps last_activity.
func (s *Store) TouchFederatedSession(ctx context.Context, id string) error {
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE federated_sessions SET last_activity = ? WHERE id = ?`,
			time.Now().UTC().Unix(), id)
		return err
	})
}

// DeleteFederatedSession removes a federated session. Standard sessions the
// targets point at are untouched; their lifecycle is independent.
func (s *Store) DeleteFederatedSession(ctx context.Context, id string) error {
	var affected int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM federated_sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting federated session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("federated session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanFederated(row rowScanner) (FederatedSession, error) {
	var fs FederatedSession
	var title sql.NullString
	var targets string
	var created, activity int64
	if err := row.Scan(&fs.ID, &title, &targets, &created, &activity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FederatedSession{}, err
		}
		return FederatedSession{}, fmt.Errorf("scanning federated session: %w", err)
	}
	fs.Title = title.String
	if err := json.Unmarshal([]byte(targets), &fs.Targets); err != nil {
		return FederatedSession{}, fmt.Errorf("decoding targets: %w", err)
	}
	fs.CreatedAt = time.Unix(created, 0).UTC()
	fs.LastActivity = time.Unix(activity, 0).UTC()
	return fs, nil
}
