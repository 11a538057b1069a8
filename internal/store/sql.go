package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shortontech/fingerprintd/internal/feature"
)

// dialect carries the engine-specific bits of the shared SQL store.
type dialect struct {
	name   string
	insert string
}

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db    *sql.DB
	table string
	d     dialect
}

func (s *sqlStore) Name() string { return s.d.name }

// Acquire checks out a dedicated pool connection for the request.
func (s *sqlStore) Acquire(ctx context.Context) (Handle, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, unavailable("acquire connection", err)
	}
	return &sqlHandle{conn: conn, table: s.table, d: s.d}, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlHandle struct {
	conn  *sql.Conn
	table string
	d     dialect
}

func (h *sqlHandle) LatestPerIdentity(ctx context.Context) ([]Latest, error) {
	q := fmt.Sprintf(`SELECT user_id, stable_fingerprint, noise_report FROM %[1]s
		WHERE id IN (SELECT MAX(id) FROM %[1]s GROUP BY user_id)
		ORDER BY id`, h.table)
	rows, err := h.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, unavailable("query latest observations", err)
	}
	defer rows.Close()

	var out []Latest
	for rows.Next() {
		var (
			identity string
			stable   []byte
			noise    sql.NullString
		)
		if err := rows.Scan(&identity, &stable, &noise); err != nil {
			return nil, unavailable("scan latest observation", err)
		}
		rec := Latest{Identity: identity, Stable: feature.Set{}, Noise: feature.NoiseReport{}}
		if err := json.Unmarshal(stable, &rec.Stable); err != nil {
			return nil, fmt.Errorf("decode stable features of %s: %w", identity, err)
		}
		if noise.Valid && noise.String != "" {
			if err := json.Unmarshal([]byte(noise.String), &rec.Noise); err != nil {
				return nil, fmt.Errorf("decode noise report of %s: %w", identity, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate latest observations", err)
	}
	return out, nil
}

func (h *sqlHandle) Append(ctx context.Context, obs Observation) error {
	stable, unstable, noise, err := encodeObservation(obs)
	if err != nil {
		return err
	}

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(h.d.insert, h.table),
		obs.Identity, stable, unstable, noise,
	); err != nil {
		return unavailable("insert observation", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit observation", err)
	}
	return nil
}

// Close returns the connection to the pool.
func (h *sqlHandle) Close() error {
	if err := h.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func encodeObservation(obs Observation) (string, string, string, error) {
	stable, err := marshalObject(obs.Stable)
	if err != nil {
		return "", "", "", fmt.Errorf("encode stable features: %w", err)
	}
	unstable, err := marshalObject(obs.Unstable)
	if err != nil {
		return "", "", "", fmt.Errorf("encode unstable features: %w", err)
	}
	noise, err := marshalObject(obs.Noise)
	if err != nil {
		return "", "", "", fmt.Errorf("encode noise report: %w", err)
	}
	return stable, unstable, noise, nil
}

// marshalObject encodes m as a JSON object, never as null.
func marshalObject[M ~map[string]any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
