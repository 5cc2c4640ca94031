package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autostudy/autostudy/internal/domain"
)

// ─── Session Repository ─────────────────────────────────────────────────────

const sessionColumns = `session_id, owner, kind, status, data, created_at, updated_at, expires_at`

// PutSession inserts or replaces a session. created_at is preserved on update.
func (r repo) PutSession(ctx context.Context, s *domain.Session) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			owner = excluded.owner, kind = excluded.kind, status = excluded.status,
			data = excluded.data, updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		s.ID, s.Owner, s.Kind, s.Status, s.Data,
		unixNano(s.CreatedAt), unixNano(s.UpdatedAt), unixNano(s.ExpiresAt),
	)
	return err
}

// GetSession retrieves a session by ID.
func (r repo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, err
}

// DeleteSession removes a session. Returns false if it did not exist.
func (r repo) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ActiveSessions lists active, unexpired sessions. An empty owner matches all.
func (r repo) ActiveSessions(ctx context.Context, owner string, now time.Time) ([]domain.Session, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND (? = '' OR owner = ?)
		   AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY updated_at DESC`,
		domain.SessionActive, owner, owner, now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteExpiredSessions removes every session whose expiry is at or before now.
func (r repo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSession(s scanner) (*domain.Session, error) {
	var (
		sess                      domain.Session
		created, updated, expires int64
	)
	err := s.Scan(&sess.ID, &sess.Owner, &sess.Kind, &sess.Status, &sess.Data,
		&created, &updated, &expires)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = fromUnixNano(created)
	sess.UpdatedAt = fromUnixNano(updated)
	sess.ExpiresAt = fromUnixNano(expires)
	return &sess, nil
}
