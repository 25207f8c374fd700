package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Gateway is a stored gateway configuration. Token and Password are only
// populated by GetGateway and ListGatewayConfigs for the connection manager;
// listing for API consumers never selects them.
type Gateway struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Token     string    `json:"-"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// AddGateway inserts a new gateway config. Returns ErrAlreadyExists when the
// id is taken.
func (s *Store) AddGateway(ctx context.Context, g Gateway) (Gateway, error) {
	g.CreatedAt = time.Now().UTC().Truncate(time.Second)
	err := execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO gateways (id, name, url, token, password, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.Name, g.URL, nullString(g.Token), nullString(g.Password), g.CreatedAt.Unix())
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Gateway{}, fmt.Errorf("gateway %s: %w", g.ID, ErrAlreadyExists)
		}
		return Gateway{}, fmt.Errorf("inserting gateway: %w", err)
	}
	return g, nil
}

// GetGateway fetches one gateway including its credentials.
func (s *Store) GetGateway(ctx context.Context, id string) (Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, token, password, created_at FROM gateways WHERE id = ?`, id)
	return scanGateway(row)
}

// ListGateways returns all gateways without credentials, oldest first.
func (s *Store) ListGateways(ctx context.Context) ([]Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, created_at FROM gateways ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing gateways: %w", err)
	}
	defer rows.Close()

	gateways := []Gateway{}
	for rows.Next() {
		var g Gateway
		var created int64
		if err := rows.Scan(&g.ID, &g.Name, &g.URL, &created); err != nil {
			return nil, fmt.Errorf("scanning gateway: %w", err)
		}
		g.CreatedAt = time.Unix(created, 0).UTC()
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

// ListGatewayConfigs returns all gateways including credentials, for the
// connection manager at startup.
func (s *Store) ListGatewayConfigs(ctx context.Context) ([]Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, token, password, created_at FROM gateways ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing gateway configs: %w", err)
	}
	defer rows.Close()

	gateways := []Gateway{}
	for rows.Next() {
		g, err := scanGatewayRows(rows)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

// DeleteGateway removes a gateway; sessions and messages cascade.
func (s *Store) DeleteGateway(ctx context.Context, id string) error {
	var affected int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting gateway: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("gateway %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountGateways returns the number of stored gateways.
func (s *Store) CountGateways(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateways`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting gateways: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (Gateway, error) {
	g, err := scanGatewayRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Gateway{}, ErrNotFound
	}
	return g, err
}

func scanGatewayRows(row rowScanner) (Gateway, error) {
	var g Gateway
	var token, password sql.NullString
	var created int64
	if err := row.Scan(&g.ID, &g.Name, &g.URL, &token, &password, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Gateway{}, err
		}
		return Gateway{}, fmt.Errorf("scanning gateway: %w", err)
	}
	g.Token = token.String
	g.Password = password.String
	g.CreatedAt = time.Unix(created, 0).UTC()
	return g, nil
}
