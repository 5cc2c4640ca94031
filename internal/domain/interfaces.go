package domain

import (
	"context"
	"time"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskRepository persists task rows.
type TaskRepository interface {
	InsertTask(ctx context.Context, t *Task) error
	// GetTask returns ErrTaskNotFound for a missing row and an *IntegrityError
	// for a row that fails Task.Validate.
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	// QueryTasks returns matching tasks ordered by updated_at, task_id.
	// Malformed rows are skipped and reported in the second slice.
	QueryTasks(ctx context.Context, f TaskFilter) ([]Task, []*IntegrityError, error)
	CountTasks(ctx context.Context) ([]TaskCount, error)
	// PurgeTasks deletes completed and terminal-failed tasks last updated
	// before the cutoff.
	PurgeTasks(ctx context.Context, before time.Time) (int, error)
	// QuarantineTask copies the raw row aside and rewrites it as a
	// terminal failure.
	QuarantineTask(ctx context.Context, id, reason string) error
}

// SessionRepository persists session rows.
type SessionRepository interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	ActiveSessions(ctx context.Context, owner string, now time.Time) ([]Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// RecoveryLogRepository appends and aggregates recovery audit events.
type RecoveryLogRepository interface {
	AppendRecoveryEvent(ctx context.Context, e *RecoveryEvent) (int64, error)
	RecoveryEvents(ctx context.Context, since time.Time, limit int) ([]RecoveryEvent, error)
	RecoveryEventCounts(ctx context.Context, since time.Time) ([]RecoveryEventCount, error)
}

// SettingsRepository is a small key/value table for run bookkeeping.
type SettingsRepository interface {
	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Repository is everything a transaction can touch.
type Repository interface {
	TaskRepository
	SessionRepository
	RecoveryLogRepository
	SettingsRepository
}

// Store is a Repository that can also run atomic units of work.
type Store interface {
	Repository
	// Transaction commits every write made through the passed Repository,
	// or none of them.
	Transaction(ctx context.Context, fn func(Repository) error) error
}
