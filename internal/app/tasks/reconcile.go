package tasks

import (
	"context"

	"go.uber.org/multierr"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// ─── Crash reconciliation ───────────────────────────────────────────────────

// ReconcileInterrupted repairs tasks left running by a process that did not
// shut down cleanly. Each running task moves to recovering and its handler
// runs: acceptance parks it as paused, while a missing or failing handler
// marks it failed without touching retry_count. The task stays eligible for
// a later ResumeTask. Failures are isolated per task; the returned error is
// non-nil only when the running set itself could not be read.
func (m *Manager) ReconcileInterrupted(ctx context.Context) ([]domain.RecoveryOutcome, error) {
	tasks, bad, err := m.store.QueryTasks(ctx, domain.TaskFilter{
		Statuses: []domain.TaskStatus{domain.TaskRunning},
	})
	if err != nil {
		return nil, err
	}

	outcomes := make([]domain.RecoveryOutcome, 0, len(tasks)+len(bad))
	for _, ie := range bad {
		m.quarantine(ctx, ie)
		outcomes = append(outcomes, domain.RecoveryOutcome{
			TaskID: ie.TaskID,
			Status: domain.TaskFailed,
			Error:  ie.Error(),
		})
	}

	for _, t := range tasks {
		o := m.reconcileOne(ctx, t)
		label := "failed"
		if o.Recovered {
			label = "recovered"
		}
		metrics.RecoveryOutcomes.WithLabelValues(label).Inc()
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (m *Manager) reconcileOne(ctx context.Context, t domain.Task) domain.RecoveryOutcome {
	out := domain.RecoveryOutcome{TaskID: t.ID, TaskType: t.Type, Status: t.Status}

	if err := m.checkSchema(&t); err != nil {
		ie := err.(*domain.IntegrityError)
		m.quarantine(ctx, ie)
		out.Status = domain.TaskFailed
		out.Error = ie.Error()
		return out
	}

	if !m.claim(t.ID) {
		out.Error = "recovery already in progress"
		return out
	}
	defer m.release(t.ID)

	task, err := m.mutate(ctx, "reconcile", t.ID, func(t *domain.Task) error {
		return m.transition(t, domain.TaskRecovering)
	})
	if err != nil {
		out.Error = err.Error()
		m.log.Error("reconcile: mark recovering", "task_id", t.ID, "error", err)
		return out
	}
	out.Status = task.Status

	accepted, reason := m.runHandler(ctx, *task)
	task, err = m.mutate(ctx, "reconcile", t.ID, func(t *domain.Task) error {
		if accepted {
			return m.transition(t, domain.TaskPaused)
		}
		if err := m.transition(t, domain.TaskFailed); err != nil {
			return err
		}
		t.LastError = "interrupted: " + reason
		return nil
	})
	if err != nil {
		out.Error = err.Error()
		m.log.Error("reconcile: settle task", "task_id", t.ID, "error", err)
		return out
	}

	out.Status = task.Status
	out.Recovered = accepted
	if !accepted {
		out.Error = reason
	}
	m.log.Info("reconciled interrupted task",
		"task_id", t.ID, "type", t.Type, "status", task.Status, "recovered", accepted)
	return out
}

// PauseRunning moves every running task to paused and returns their ids.
// Used on clean shutdown so that no task is left running.
func (m *Manager) PauseRunning(ctx context.Context) ([]string, error) {
	tasks, err := m.query(ctx, domain.TaskFilter{
		Statuses: []domain.TaskStatus{domain.TaskRunning},
	})
	if err != nil {
		return nil, err
	}
	var (
		paused []string
		errs   error
	)
	for _, t := range tasks {
		if _, err := m.mutate(ctx, "pause", t.ID, func(t *domain.Task) error {
			return m.transition(t, domain.TaskPaused)
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		paused = append(paused, t.ID)
	}
	return paused, errs
}
