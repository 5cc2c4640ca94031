package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/autostudy/autostudy/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `task_id, task_type, status, progress, data, checkpoint_data,
	retry_count, last_error, result, terminal, created_at, updated_at`

// checkpointRecord is the on-disk form of a checkpoint. Data is kept as a
// string so the caller's bytes survive a round trip unchanged.
type checkpointRecord struct {
	Step      string `json:"step"`
	StepIndex int    `json:"step_index"`
	Data      string `json:"data,omitempty"`
	Timestamp int64  `json:"ts"`
}

func encodeCheckpoint(c *domain.Checkpoint) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(checkpointRecord{
		Step:      c.Step,
		StepIndex: c.StepIndex,
		Data:      string(c.Data),
		Timestamp: unixNano(c.Timestamp),
	})
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeCheckpoint(s string) (*domain.Checkpoint, error) {
	var rec checkpointRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, err
	}
	c := &domain.Checkpoint{
		Step:      rec.Step,
		StepIndex: rec.StepIndex,
		Timestamp: fromUnixNano(rec.Timestamp),
	}
	if rec.Data != "" {
		c.Data = json.RawMessage(rec.Data)
	}
	return c, nil
}

func payloadOrEmpty(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

// InsertTask creates a new task record.
func (r repo) InsertTask(ctx context.Context, t *domain.Task) error {
	cp, err := encodeCheckpoint(t.Checkpoint)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO task_states (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, string(t.Status), t.Progress, payloadOrEmpty(t.Payload), cp,
		t.RetryCount, nullStr(t.LastError), nullBytes(t.Result), t.Terminal,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, t.ID)
	}
	return err
}

// GetTask retrieves a task by ID.
func (r repo) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_states WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t, err
}

// UpdateTask overwrites every mutable column of an existing task.
func (r repo) UpdateTask(ctx context.Context, t *domain.Task) error {
	cp, err := encodeCheckpoint(t.Checkpoint)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE task_states SET task_type = ?, status = ?, progress = ?, data = ?,
			checkpoint_data = ?, retry_count = ?, last_error = ?, result = ?,
			terminal = ?, updated_at = ?
		 WHERE task_id = ?`,
		t.Type, string(t.Status), t.Progress, payloadOrEmpty(t.Payload),
		cp, t.RetryCount, nullStr(t.LastError), nullBytes(t.Result),
		t.Terminal, unixNano(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, t.ID)
	}
	return nil
}

// DeleteTask removes a task row. Returns false if it did not exist.
func (r repo) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM task_states WHERE task_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// QueryTasks returns tasks matching f, oldest update first. Rows that fail
// validation are skipped and returned separately so one bad record never
// fails the whole query.
func (r repo) QueryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, []*domain.IntegrityError, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.Type)
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}

	query := `SELECT ` + taskColumns + ` FROM task_states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, task_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		tasks []domain.Task
		bad   []*domain.IntegrityError
	)
	for rows.Next() {
		t, err := scanTask(rows)
		var ie *domain.IntegrityError
		switch {
		case errors.As(err, &ie):
			bad = append(bad, ie)
		case err != nil:
			return nil, nil, err
		default:
			tasks = append(tasks, *t)
		}
	}
	return tasks, bad, rows.Err()
}

// CountTasks groups the task table by type, status, terminal flag and
// checkpoint presence.
func (r repo) CountTasks(ctx context.Context) ([]domain.TaskCount, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT task_type, status, CAST(terminal AS INTEGER) != 0, checkpoint_data IS NOT NULL, COUNT(*)
		 FROM task_states GROUP BY 1, 2, 3, 4 ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.TaskCount
	for rows.Next() {
		var c domain.TaskCount
		var status string
		if err := rows.Scan(&c.Type, &status, &c.Terminal, &c.HasCheckpoint, &c.Count); err != nil {
			return nil, err
		}
		c.Status = domain.TaskStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PurgeTasks deletes completed and terminal-failed tasks not updated since
// before. Running, paused and other live tasks are never touched.
func (r repo) PurgeTasks(ctx context.Context, before time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM task_states
		 WHERE updated_at < ?
		   AND (status = ? OR (status = ? AND terminal = 1))`,
		before.UnixNano(), string(domain.TaskCompleted), string(domain.TaskFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// QuarantineTask copies the raw row into task_quarantine and rewrites the
// task as a terminal failure with every column forced back into shape.
func (r repo) QuarantineTask(ctx context.Context, id, reason string) error {
	now := time.Now().UnixNano()
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO task_quarantine (task_id, raw, reason, quarantined_at)
		 SELECT task_id, json_object(
			'task_type', task_type, 'status', status, 'progress', progress,
			'data', data, 'checkpoint_data', checkpoint_data,
			'retry_count', retry_count, 'last_error', last_error,
			'result', result, 'terminal', terminal,
			'created_at', created_at, 'updated_at', updated_at), ?, ?
		 FROM task_states WHERE task_id = ?`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("copy to quarantine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	_, err = r.q.ExecContext(ctx,
		`UPDATE task_states SET
			status = ?, terminal = 1, checkpoint_data = NULL,
			data = CASE WHEN json_valid(data) THEN data ELSE '{}' END,
			result = CASE WHEN result IS NULL OR json_valid(result) THEN result ELSE NULL END,
			progress = MIN(MAX(CAST(progress AS REAL), 0), 100),
			retry_count = MAX(CAST(retry_count AS INTEGER), 0),
			created_at = CAST(created_at AS INTEGER),
			last_error = ?, updated_at = ?
		 WHERE task_id = ?`,
		string(domain.TaskFailed), "quarantined: "+reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark quarantined task failed: %w", err)
	}
	return nil
}

// QuarantineEntry is a raw task row moved aside by QuarantineTask.
type QuarantineEntry struct {
	TaskID        string    `json:"task_id"`
	Raw           string    `json:"raw"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// QuarantinedTasks lists quarantined rows, newest first.
func (r repo) QuarantinedTasks(ctx context.Context, limit int) ([]QuarantineEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT task_id, raw, reason, quarantined_at FROM task_quarantine
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuarantineEntry
	for rows.Next() {
		var e QuarantineEntry
		var at int64
		if err := rows.Scan(&e.TaskID, &e.Raw, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.QuarantinedAt = fromUnixNano(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanTask decodes one row. Columns whose storage type may drift are scanned
// as any so that a corrupted value becomes an IntegrityError for that row
// rather than a scan failure for the whole result set.
func scanTask(s scanner) (*domain.Task, error) {
	var (
		t                                     domain.Task
		status                                string
		progress, retries, terminal           any
		created, updated                      any
		data, checkpoint, lastErr, resultJSON sql.NullString
	)
	err := s.Scan(&t.ID, &t.Type, &status, &progress, &data, &checkpoint,
		&retries, &lastErr, &resultJSON, &terminal, &created, &updated)
	if err != nil {
		return nil, err
	}

	var problems []error
	t.Status = domain.TaskStatus(status)
	if v, ok := asFloat(progress); ok {
		t.Progress = v
	} else {
		problems = append(problems, fmt.Errorf("progress %v is not numeric", progress))
	}
	if v, ok := asInt(retries); ok {
		t.RetryCount = int(v)
	} else {
		problems = append(problems, fmt.Errorf("retry_count %v is not an integer", retries))
	}
	if v, ok := asInt(terminal); ok {
		t.Terminal = v != 0
	}
	if v, ok := asInt(created); ok {
		t.CreatedAt = fromUnixNano(v)
	} else {
		problems = append(problems, fmt.Errorf("created_at %v is not a timestamp", created))
	}
	if v, ok := asInt(updated); ok {
		t.UpdatedAt = fromUnixNano(v)
	} else {
		problems = append(problems, fmt.Errorf("updated_at %v is not a timestamp", updated))
	}
	if data.Valid {
		t.Payload = json.RawMessage(data.String)
	}
	t.LastError = lastErr.String
	if resultJSON.Valid {
		t.Result = json.RawMessage(resultJSON.String)
	}
	if checkpoint.Valid {
		c, err := decodeCheckpoint(checkpoint.String)
		if err != nil {
			problems = append(problems, fmt.Errorf("checkpoint_data: %w", err))
		} else {
			t.Checkpoint = c
		}
	}
	if err := t.Validate(); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return &t, &domain.IntegrityError{
			TaskID: t.ID,
			Reason: "malformed task row",
			Err:    errors.Join(problems...),
		}
	}
	return &t, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// isConstraint reports a primary key or unique violation.
func isConstraint(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
