package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/autostudy/autostudy/internal/domain"
)

// ─── Recovery Log ───────────────────────────────────────────────────────────

// AppendRecoveryEvent adds an audit record and returns its id.
// CreatedAt defaults to now.
func (r repo) AppendRecoveryEvent(ctx context.Context, e *domain.RecoveryEvent) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO recovery_logs (recovery_type, task_id, session_id, status, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, nullStr(e.TaskID), nullStr(e.SessionID), string(e.Status),
		nullBytes(e.Details), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	e.ID, err = res.LastInsertId()
	return e.ID, err
}

// RecoveryEvents returns events created at or after since, newest first.
func (r repo) RecoveryEvents(ctx context.Context, since time.Time, limit int) ([]domain.RecoveryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, recovery_type, task_id, session_id, status, details, created_at
		 FROM recovery_logs WHERE created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		since.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RecoveryEvent
	for rows.Next() {
		var (
			e                       domain.RecoveryEvent
			taskID, sessID, details sql.NullString
			status                  string
			created                 int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &taskID, &sessID, &status, &details, &created); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.SessionID = sessID.String
		e.Status = domain.RecoveryEventStatus(status)
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		e.CreatedAt = fromUnixNano(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecoveryEventCounts groups events created at or after since by type and status.
func (r repo) RecoveryEventCounts(ctx context.Context, since time.Time) ([]domain.RecoveryEventCount, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT recovery_type, status, COUNT(*) FROM recovery_logs
		 WHERE created_at >= ? GROUP BY 1, 2 ORDER BY 1, 2`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.RecoveryEventCount
	for rows.Next() {
		var c domain.RecoveryEventCount
		var status string
		if err := rows.Scan(&c.Type, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = domain.RecoveryEventStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ─── Settings ───────────────────────────────────────────────────────────────

// PutSetting stores a key/value pair.
func (r repo) PutSetting(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	return err
}

// GetSetting retrieves a value. The bool is false when the key is unset.
func (r repo) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
