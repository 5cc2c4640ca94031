// Package tasks implements the task lifecycle: the status state machine,
// progress and checkpoints, resumability and retention cleanup.
//
// Manager is the only writer of task rows. Each operation runs in exactly one
// store transaction; a sequence of operations is not atomic as a unit.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// Manager owns the validated view of tasks and checkpoints.
type Manager struct {
	store domain.Store
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	handlers map[string]RecoveryHandler
	hooks    map[string][]CheckpointHook
	schemas  map[string]Schema

	claimMu sync.Mutex
	claimed map[string]struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator replaces the UUID generator used when no id is supplied.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// NewManager creates a Manager on top of store.
func NewManager(store domain.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		log:      slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		handlers: make(map[string]RecoveryHandler),
		hooks:    make(map[string][]CheckpointHook),
		schemas:  make(map[string]Schema),
		claimed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "tasks")
	return m
}

// NewTask describes a task to create. An empty ID gets a generated UUID.
type NewTask struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// errUnchanged lets a mutation commit without writing the row.
var errUnchanged = errors.New("unchanged")

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// CreateTask inserts a pending task and returns its id.
func (m *Manager) CreateTask(ctx context.Context, n NewTask) (string, error) {
	if n.Type == "" {
		return "", fmt.Errorf("%w: empty task type", domain.ErrInvalidPayload)
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}
	if s := m.schema(n.Type); s != nil {
		if err := s.Validate(n.Payload); err != nil {
			return "", err
		}
	}

	id := n.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now()
	task := &domain.Task{
		ID:        id,
		Type:      n.Type,
		Status:    domain.TaskPending,
		Payload:   n.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.tx(ctx, "create", func(r domain.Repository) error {
		_, err := r.GetTask(ctx, id)
		switch {
		case err == nil, errors.Is(err, domain.ErrIntegrity):
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, id)
		case !errors.Is(err, domain.ErrTaskNotFound):
			return err
		}
		return r.InsertTask(ctx, task)
	})
	if err != nil {
		return "", err
	}

	metrics.TasksCreated.WithLabelValues(n.Type).Inc()
	m.log.Debug("task created", "task_id", id, "type", n.Type)
	return id, nil
}

// UpdateStatus moves a task along the state machine.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}
	_, err := m.mutate(ctx, "update_status", id, func(t *domain.Task) error {
		return m.transition(t, status)
	})
	return err
}

// ProgressOption modifies UpdateProgress.
type ProgressOption func(*progressOptions)

type progressOptions struct{ allowReset bool }

// AllowReset permits progress to decrease.
func AllowReset() ProgressOption { return func(o *progressOptions) { o.allowReset = true } }

// UpdateProgress sets the task's progress. Values must be within [0, 100]
// and may not decrease unless AllowReset is passed. Repeating the current
// value is a no-op.
func (m *Manager) UpdateProgress(ctx context.Context, id string, value float64, opts ...ProgressOption) error {
	var o progressOptions
	for _, opt := range opts {
		opt(&o)
	}
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("%w: %v", domain.ErrInvalidProgress, value)
	}
	_, err := m.mutate(ctx, "update_progress", id, func(t *domain.Task) error {
		if t.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidProgress, id, t.Status)
		}
		if value == t.Progress {
			return errUnchanged
		}
		if value < t.Progress && !o.allowReset {
			return fmt.Errorf("%w: %v is below current %v", domain.ErrInvalidProgress, value, t.Progress)
		}
		t.Progress = value
		return nil
	})
	return err
}

// CreateCheckpoint replaces the task's checkpoint. The task must be running
// or recovering. Checkpoint hooks for the task type run after commit.
func (m *Manager) CreateCheckpoint(ctx context.Context, id, step string, stepIndex int, data json.RawMessage) error {
	cp := &domain.Checkpoint{Step: step, StepIndex: stepIndex, Data: data}
	if err := cp.Validate(); err != nil {
		return err
	}
	task, err := m.mutate(ctx, "checkpoint", id, func(t *domain.Task) error {
		if t.Status != domain.TaskRunning && t.Status != domain.TaskRecovering {
			return &domain.TransitionError{
				TaskID: id, From: t.Status, To: t.Status,
				Reason: "checkpoint requires running or recovering",
			}
		}
		cp.Timestamp = m.now()
		t.Checkpoint = cp
		return nil
	})
	if err != nil {
		return err
	}
	for _, h := range m.checkpointHooks(task.Type) {
		h.OnCheckpoint(ctx, *task)
	}
	return nil
}

// CompleteTask marks a running task completed and stores its result.
func (m *Manager) CompleteTask(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("%w: result is not valid JSON", domain.ErrInvalidPayload)
	}
	_, err := m.mutate(ctx, "complete", id, func(t *domain.Task) error {
		if err := m.transition(t, domain.TaskCompleted); err != nil {
			return err
		}
		t.Progress = 100
		t.Result = result
		t.LastError = ""
		return nil
	})
	return err
}

// FailTask records a failure. FailAttempt increments retry_count and leaves
// the task eligible for recovery; FailTerminal ends it without touching
// retry_count. A non-terminal failed task may be failed terminally.
func (m *Manager) FailTask(ctx context.Context, id string, cause error, mode domain.FailMode) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	task, err := m.mutate(ctx, "fail", id, func(t *domain.Task) error {
		alreadyFailed := t.Status == domain.TaskFailed && !t.Terminal
		if !(mode == domain.FailTerminal && alreadyFailed) {
			if err := m.transition(t, domain.TaskFailed); err != nil {
				return err
			}
		}
		if mode == domain.FailAttempt {
			t.RetryCount++
		} else {
			t.Terminal = true
		}
		t.LastError = msg
		return nil
	})
	if err != nil {
		return err
	}
	metrics.TaskFailures.WithLabelValues(task.Type, mode.String()).Inc()
	m.log.Info("task failed", "task_id", id, "mode", mode.String(),
		"retry_count", task.RetryCount, "error", msg)
	return nil
}

// RecordAttempt records a failed attempt without changing status.
func (m *Manager) RecordAttempt(ctx context.Context, id string, cause error) error {
	task, err := m.mutate(ctx, "record_attempt", id, func(t *domain.Task) error {
		if t.IsTerminal() {
			return &domain.TransitionError{TaskID: id, From: t.Status, To: t.Status, Reason: "task is terminal"}
		}
		t.RetryCount++
		if cause != nil {
			t.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.TaskFailures.WithLabelValues(task.Type, domain.FailAttempt.String()).Inc()
	return nil
}

// PauseTask moves a running task to paused.
func (m *Manager) PauseTask(ctx context.Context, id string) error {
	return m.UpdateStatus(ctx, id, domain.TaskPaused)
}

// ResumeTask brings a task back into running. A paused task resumes
// directly. A failed or recovering task goes through its recovery handler:
// acceptance resumes it (retry_count is kept), while a missing or declining
// handler fails it terminally. The bool reports whether the task is running.
func (m *Manager) ResumeTask(ctx context.Context, id string) (bool, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	switch {
	case task.Status == domain.TaskPaused:
		if err := m.UpdateStatus(ctx, id, domain.TaskRunning); err != nil {
			return false, err
		}
		return true, nil
	case task.IsTerminal(), task.Status != domain.TaskFailed && task.Status != domain.TaskRecovering:
		return false, &domain.TransitionError{
			TaskID: id, From: task.Status, To: domain.TaskRunning, Reason: "task is not resumable",
		}
	}

	if !m.claim(id) {
		return false, &domain.TransitionError{
			TaskID: id, From: task.Status, To: domain.TaskRunning, Reason: "recovery already in progress",
		}
	}
	defer m.release(id)

	if task.Status == domain.TaskFailed {
		task, err = m.mutate(ctx, "resume", id, func(t *domain.Task) error {
			return m.transition(t, domain.TaskRecovering)
		})
	} else {
		// Reread under the claim: a resume that held it before may have
		// settled the task already.
		task, err = m.GetTask(ctx, id)
		if err == nil && task.Status != domain.TaskRecovering {
			err = &domain.TransitionError{
				TaskID: id, From: task.Status, To: domain.TaskRunning, Reason: "task is not resumable",
			}
		}
	}
	if err != nil {
		return false, err
	}

	accepted, reason := m.runHandler(ctx, *task)
	_, err = m.mutate(ctx, "resume", id, func(t *domain.Task) error {
		if accepted {
			return m.transition(t, domain.TaskRunning)
		}
		if err := m.transition(t, domain.TaskFailed); err != nil {
			return err
		}
		t.Terminal = true
		t.LastError = reason
		return nil
	}, m.resumeEvent(accepted, reason))
	if err != nil {
		return false, err
	}
	if !accepted {
		metrics.TaskFailures.WithLabelValues(task.Type, domain.FailTerminal.String()).Inc()
		m.log.Warn("task resume declined", "task_id", id, "reason", reason)
	}
	return accepted, nil
}

func (m *Manager) resumeEvent(accepted bool, reason string) afterWrite {
	return func(ctx context.Context, r domain.Repository, t *domain.Task) error {
		status := domain.EventCompleted
		details := map[string]any{"retry_count": t.RetryCount}
		if !accepted {
			status = domain.EventFailed
			details["reason"] = reason
		}
		b, _ := json.Marshal(details)
		_, err := r.AppendRecoveryEvent(ctx, &domain.RecoveryEvent{
			Type: domain.RecoveryTaskResume, TaskID: t.ID, Status: status,
			Details: b, CreatedAt: m.now(),
		})
		return err
	}
}

// claim marks id as being recovered by this process. Recovery handlers run
// outside any transaction, so the claim is what keeps two of them from
// running for the same task.
func (m *Manager) claim(id string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if _, busy := m.claimed[id]; busy {
		return false
	}
	m.claimed[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	delete(m.claimed, id)
}

// runHandler invokes the recovery handler for the task's type outside any
// transaction. The string explains a refusal.
func (m *Manager) runHandler(ctx context.Context, task domain.Task) (bool, string) {
	h := m.handler(task.Type)
	if h == nil {
		return false, fmt.Sprintf("no recovery handler for task type %q", task.Type)
	}
	ok, err := attempt(ctx, h, task)
	switch {
	case err != nil:
		return false, "recovery handler failed: " + err.Error()
	case !ok:
		return false, "recovery handler declined"
	}
	return true, ""
}

// DeleteTask removes a completed or terminally failed task. Live tasks may
// still be owned by a worker and are refused with domain.ErrInvalidTransition.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	return m.tx(ctx, "delete", func(r domain.Repository) error {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !t.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s, only finished tasks can be deleted",
				domain.ErrInvalidTransition, id, t.Status)
		}
		ok, err := r.DeleteTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil
	})
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetTask returns a validated task. A row that fails structural or schema
// validation surfaces as *domain.IntegrityError.
func (m *Manager) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkSchema(t); err != nil {
		return nil, err
	}
	return t, nil
}

// CanResume reports whether the task can be picked up again.
func (m *Manager) CanResume(ctx context.Context, id string) (bool, error) {
	t, err := m.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.CanResume(), nil
}

// GetResumableTasks returns every resumable task, longest-stalled first.
// Malformed rows are quarantined and skipped.
func (m *Manager) GetResumableTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := m.query(ctx, domain.TaskFilter{
		Statuses: []domain.TaskStatus{domain.TaskPaused, domain.TaskFailed, domain.TaskRecovering},
	})
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.CanResume() {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTasksByStatus lists tasks with the given status, oldest update first.
func (m *Manager) GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return m.query(ctx, domain.TaskFilter{Statuses: []domain.TaskStatus{status}})
}

// ListTasks lists tasks matching an arbitrary filter.
func (m *Manager) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return m.query(ctx, f)
}

// GetTaskStatistics aggregates the task table. It has no side effects.
func (m *Manager) GetTaskStatistics(ctx context.Context) (domain.TaskStats, error) {
	stats := domain.TaskStats{
		ByStatus: make(map[domain.TaskStatus]int),
		ByType:   make(map[string]int),
	}
	counts, err := m.store.CountTasks(ctx)
	if err != nil {
		return stats, err
	}
	for _, c := range counts {
		stats.Total += c.Count
		stats.ByStatus[c.Status] += c.Count
		stats.ByType[c.Type] += c.Count

		sample := domain.Task{Status: c.Status, Terminal: c.Terminal}
		if c.HasCheckpoint {
			sample.Checkpoint = &domain.Checkpoint{}
		}
		if sample.IsTerminal() {
			stats.Terminal += c.Count
		}
		if sample.CanResume() {
			stats.Resumable += c.Count
		}
	}
	return stats, nil
}

// CleanCompletedTasks purges completed and terminal-failed tasks last updated
// more than keepAge ago, returning the number removed. Live tasks are never
// purged.
func (m *Manager) CleanCompletedTasks(ctx context.Context, keepAge time.Duration) (int, error) {
	if keepAge < 0 {
		return 0, fmt.Errorf("keep age must not be negative, got %s", keepAge)
	}
	cutoff := m.now().Add(-keepAge)
	var n int
	err := m.tx(ctx, "purge", func(r domain.Repository) error {
		var err error
		n, err = r.PurgeTasks(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.TasksPurged.Add(float64(n))
	m.log.Info("purged terminal tasks", "count", n, "older_than", cutoff)
	return n, nil
}

// query runs a filtered read, quarantining rows that fail validation.
func (m *Manager) query(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tasks, bad, err := m.store.QueryTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for i := range tasks {
		if err := m.checkSchema(&tasks[i]); err != nil {
			var ie *domain.IntegrityError
			if errors.As(err, &ie) {
				bad = append(bad, ie)
			}
			continue
		}
		out = append(out, tasks[i])
	}
	for _, ie := range bad {
		m.quarantine(ctx, ie)
	}
	return out, nil
}

// quarantine moves a malformed record aside and logs an audit event. It
// never fails the caller: a record that cannot even be quarantined is logged
// and skipped.
func (m *Manager) quarantine(ctx context.Context, ie *domain.IntegrityError) {
	err := m.tx(ctx, "quarantine", func(r domain.Repository) error {
		if err := r.QuarantineTask(ctx, ie.TaskID, ie.Error()); err != nil {
			return err
		}
		details, _ := json.Marshal(map[string]string{"reason": ie.Error()})
		_, err := r.AppendRecoveryEvent(ctx, &domain.RecoveryEvent{
			Type: domain.RecoveryQuarantine, TaskID: ie.TaskID,
			Status: domain.EventCompleted, Details: details, CreatedAt: m.now(),
		})
		return err
	})
	if err != nil {
		m.log.Error("quarantine failed", "task_id", ie.TaskID, "error", err)
		return
	}
	metrics.TasksQuarantined.Inc()
	m.log.Warn("quarantined malformed task", "task_id", ie.TaskID, "reason", ie.Error())
}

// checkSchema validates the payload of a live task. Terminal tasks never run
// again, and a quarantined row keeps its rejected payload, so both are
// skipped.
func (m *Manager) checkSchema(t *domain.Task) error {
	s := m.schema(t.Type)
	if s == nil || t.IsTerminal() {
		return nil
	}
	if err := s.Validate(t.Payload); err != nil {
		return &domain.IntegrityError{TaskID: t.ID, Reason: "payload does not match schema", Err: err}
	}
	return nil
}

// ─── Transaction plumbing ───────────────────────────────────────────────────

// afterWrite runs inside the mutation's transaction after the row is written.
type afterWrite func(ctx context.Context, r domain.Repository, t *domain.Task) error

// mutate loads a task, applies fn and writes it back in one transaction.
// The returned task is the committed state.
func (m *Manager) mutate(ctx context.Context, op, id string, fn func(*domain.Task) error, after ...afterWrite) (*domain.Task, error) {
	var (
		out  *domain.Task
		from domain.TaskStatus
	)
	err := m.tx(ctx, op, func(r domain.Repository) error {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if err := m.checkSchema(t); err != nil {
			return err
		}
		from = t.Status
		if err := fn(t); err != nil {
			if errors.Is(err, errUnchanged) {
				out = t
				return nil
			}
			return err
		}
		t.UpdatedAt = m.now()
		if err := r.UpdateTask(ctx, t); err != nil {
			return err
		}
		for _, a := range after {
			if err := a(ctx, r, t); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status != from {
		metrics.TaskTransitions.WithLabelValues(out.Type, string(from), string(out.Status)).Inc()
	}
	return out, nil
}

func (m *Manager) tx(ctx context.Context, op string, fn func(domain.Repository) error) error {
	start := time.Now()
	defer func() {
		metrics.StoreTxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	return m.store.Transaction(ctx, fn)
}

func (m *Manager) transition(t *domain.Task, to domain.TaskStatus) error {
	if !t.CanTransition(to) {
		var reason string
		if t.IsTerminal() {
			reason = "task is terminal"
		}
		return &domain.TransitionError{TaskID: t.ID, From: t.Status, To: to, Reason: reason}
	}
	t.Status = to
	return nil
}
