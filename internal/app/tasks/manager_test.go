package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(db, opts...), db
}

func createRunning(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := m.CreateTask(ctx, NewTask{ID: id, Type: "video_watch", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, id, domain.TaskRunning))
}

func status(t *testing.T, m *Manager, id string) domain.TaskStatus {
	t.Helper()
	task, err := m.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// ─── Creation ───────────────────────────────────────────────────────────────

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, WithIDGenerator(func() string { return "generated-1" }))

	id, err := m.CreateTask(ctx, NewTask{Type: "video_watch", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "generated-1", id)

	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.JSONEq(t, `{"n":1}`, string(task.Payload))
}

func TestCreateTask_Duplicate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
	require.NoError(t, err)
	_, err = m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestCreateTask_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateTask(ctx, NewTask{ID: "t1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = m.CreateTask(ctx, NewTask{ID: "t1", Type: "x", Payload: json.RawMessage(`{nope`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

// ─── State machine ──────────────────────────────────────────────────────────

func TestUpdateStatus_ValidPath(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
	require.NoError(t, err)

	path := []domain.TaskStatus{
		domain.TaskRunning, domain.TaskPaused, domain.TaskRunning,
		domain.TaskFailed, domain.TaskRecovering, domain.TaskRunning, domain.TaskCompleted,
	}
	for _, s := range path {
		require.NoError(t, m.UpdateStatus(ctx, "t1", s), "transition to %s", s)
		assert.Equal(t, s, status(t, m, "t1"))
	}
}

func TestUpdateStatus_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	cases := []struct {
		name  string
		setup []domain.TaskStatus
		to    domain.TaskStatus
	}{
		{"pending to paused", nil, domain.TaskPaused},
		{"pending to completed", nil, domain.TaskCompleted},
		{"paused to completed", []domain.TaskStatus{domain.TaskRunning, domain.TaskPaused}, domain.TaskCompleted},
		{"failed to running", []domain.TaskStatus{domain.TaskRunning, domain.TaskFailed}, domain.TaskRunning},
		{"completed to running", []domain.TaskStatus{domain.TaskRunning, domain.TaskCompleted}, domain.TaskRunning},
		{"running to pending", []domain.TaskStatus{domain.TaskRunning}, domain.TaskPending},
		{"unknown status", nil, domain.TaskStatus("exploded")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestManager(t)
			_, err := m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
			require.NoError(t, err)
			for _, s := range tc.setup {
				require.NoError(t, m.UpdateStatus(ctx, "t1", s))
			}
			before, err := m.GetTask(ctx, "t1")
			require.NoError(t, err)

			err = m.UpdateStatus(ctx, "t1", tc.to)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			after, err := m.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
		})
	}
}

func TestTerminalFailedCannotRecover(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	require.NoError(t, m.FailTask(ctx, "t1", errors.New("fatal"), domain.FailTerminal))
	err := m.UpdateStatus(ctx, "t1", domain.TaskRecovering)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "task is terminal", te.Reason)
}

// ─── Progress ───────────────────────────────────────────────────────────────

func TestUpdateProgress_MonotonicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	for _, v := range []float64{0, 10, 10, 25.5, 50, 50, 99.9} {
		require.NoError(t, m.UpdateProgress(ctx, "t1", v))
	}
	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 99.9, task.Progress)

	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", 20), domain.ErrInvalidProgress)
	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", 100.1), domain.ErrInvalidProgress)
	assert.ErrorIs(t, m.UpdateProgress(ctx, "t1", -1), domain.ErrInvalidProgress)

	require.NoError(t, m.UpdateProgress(ctx, "t1", 5, AllowReset()))
	task, err = m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, task.Progress)
}

func TestUpdateProgress_ConcurrentWritersKeepMax(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			err := m.UpdateProgress(ctx, "t1", v)
			if err != nil && !errors.Is(err, domain.ErrInvalidProgress) {
				t.Errorf("UpdateProgress(%v): %v", v, err)
			}
		}(float64(i * 5))
	}
	wg.Wait()

	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, task.Progress)
}

// ─── Checkpoints ────────────────────────────────────────────────────────────

func TestCreateCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	data := json.RawMessage(`{"bytes":500000,"segments":[1,2,3]}`)
	require.NoError(t, m.CreateCheckpoint(ctx, "t1", "downloading", 1, data))

	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task.Checkpoint)
	assert.Equal(t, "downloading", task.Checkpoint.Step)
	assert.Equal(t, 1, task.Checkpoint.StepIndex)
	assert.Equal(t, string(data), string(task.Checkpoint.Data))

	// Replaced wholesale.
	require.NoError(t, m.CreateCheckpoint(ctx, "t1", "transcoding", 2, nil))
	task, err = m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "transcoding", task.Checkpoint.Step)
	assert.Empty(t, task.Checkpoint.Data)
}

func TestCreateCheckpoint_Rules(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.CreateCheckpoint(ctx, "t1", "s", 0, nil), domain.ErrInvalidTransition)

	require.NoError(t, m.UpdateStatus(ctx, "t1", domain.TaskRunning))
	assert.ErrorIs(t, m.CreateCheckpoint(ctx, "t1", "s", -1, nil), domain.ErrInvalidCheckpoint)
	assert.ErrorIs(t, m.CreateCheckpoint(ctx, "t1", "", 0, nil), domain.ErrInvalidCheckpoint)
	assert.ErrorIs(t, m.CreateCheckpoint(ctx, "t1", "s", 0, json.RawMessage(`{`)), domain.ErrInvalidCheckpoint)
	assert.ErrorIs(t, m.CreateCheckpoint(ctx, "missing", "s", 0, nil), domain.ErrTaskNotFound)
}

func TestCheckpointHooks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var seen []string
	m.RegisterCheckpointHook("video_watch", CheckpointHookFunc(func(_ context.Context, task domain.Task) {
		seen = append(seen, fmt.Sprintf("%s@%d", task.Checkpoint.Step, task.Checkpoint.StepIndex))
	}))
	createRunning(t, m, "t1")
	require.NoError(t, m.CreateCheckpoint(ctx, "t1", "intro", 0, nil))
	require.NoError(t, m.CreateCheckpoint(ctx, "t1", "lesson", 1, nil))

	assert.Equal(t, []string{"intro@0", "lesson@1"}, seen)
}

// ─── Completion & failure ───────────────────────────────────────────────────

func TestCompleteTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	require.NoError(t, m.CompleteTask(ctx, "t1", json.RawMessage(`{"watched":true}`)))
	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 100.0, task.Progress)
	assert.JSONEq(t, `{"watched":true}`, string(task.Result))
	assert.True(t, task.IsTerminal())

	assert.ErrorIs(t, m.CompleteTask(ctx, "t1", nil), domain.ErrInvalidTransition)
}

func TestFailTask_AttemptVersusTerminal(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	require.NoError(t, m.FailTask(ctx, "t1", errors.New("timeout"), domain.FailAttempt))
	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.False(t, task.Terminal)
	assert.Equal(t, "timeout", task.LastError)

	// A retryable failure may be made terminal; retry_count stays put.
	require.NoError(t, m.FailTask(ctx, "t1", errors.New("gave up"), domain.FailTerminal))
	task, err = m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, task.Terminal)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "gave up", task.LastError)

	assert.ErrorIs(t, m.FailTask(ctx, "t1", nil, domain.FailAttempt), domain.ErrInvalidTransition)
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "t1")

	require.NoError(t, m.RecordAttempt(ctx, "t1", errors.New("503")))
	require.NoError(t, m.RecordAttempt(ctx, "t1", errors.New("504")))
	task, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "504", task.LastError)
}

// ─── Resumability ───────────────────────────────────────────────────────────

func TestCanResume(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	createRunning(t, m, "paused-no-cp")
	require.NoError(t, m.PauseTask(ctx, "paused-no-cp"))

	createRunning(t, m, "failed-cp")
	require.NoError(t, m.CreateCheckpoint(ctx, "failed-cp", "s", 0, nil))
	require.NoError(t, m.FailTask(ctx, "failed-cp", nil, domain.FailAttempt))

	createRunning(t, m, "failed-no-cp")
	require.NoError(t, m.FailTask(ctx, "failed-no-cp", nil, domain.FailAttempt))

	createRunning(t, m, "terminal-cp")
	require.NoError(t, m.CreateCheckpoint(ctx, "terminal-cp", "s", 0, nil))
	require.NoError(t, m.FailTask(ctx, "terminal-cp", nil, domain.FailTerminal))

	createRunning(t, m, "running-cp")
	require.NoError(t, m.CreateCheckpoint(ctx, "running-cp", "s", 0, nil))

	want := map[string]bool{
		"paused-no-cp": true,
		"failed-cp":    true,
		"failed-no-cp": false,
		"terminal-cp":  false,
		"running-cp":   false,
	}
	for id, expected := range want {
		ok, err := m.CanResume(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, expected, ok, id)
	}
}

func TestGetResumableTasks_OldestFirst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _ := newTestManager(t, WithClock(clock.Now))

	for _, id := range []string{"b", "a", "c"} {
		createRunning(t, m, id)
	}
	// Pause in an order that differs from creation and from id order.
	for _, id := range []string{"c", "b", "a"} {
		clock.Advance(time.Minute)
		require.NoError(t, m.PauseTask(ctx, id))
	}

	tasks, err := m.GetResumableTasks(ctx)
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestResumeTask(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t)

	var attempted []string
	m.RegisterRecoveryHandler("video_watch", RecoveryHandlerFunc(func(_ context.Context, task domain.Task) (bool, error) {
		attempted = append(attempted, task.ID)
		return task.Checkpoint != nil, nil
	}))

	t.Run("paused resumes directly", func(t *testing.T) {
		createRunning(t, m, "p")
		require.NoError(t, m.PauseTask(ctx, "p"))
		ok, err := m.ResumeTask(ctx, "p")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.TaskRunning, status(t, m, "p"))
		assert.NotContains(t, attempted, "p")
	})

	t.Run("terminal setup", func(t *testing.T) {
		createRunning(t, m, "f")
		require.NoError(t, m.CreateCheckpoint(ctx, "f", "s", 3, nil))
		require.NoError(t, m.FailTask(ctx, "f", errors.New("x"), domain.FailAttempt))
		require.NoError(t, m.FailTask(ctx, "f", errors.New("y"), domain.FailTerminal))
	})

	t.Run("failed with accepting handler keeps retry count", func(t *testing.T) {
		createRunning(t, m, "g")
		require.NoError(t, m.CreateCheckpoint(ctx, "g", "s", 3, nil))
		require.NoError(t, m.FailTask(ctx, "g", errors.New("x"), domain.FailAttempt))

		ok, err := m.ResumeTask(ctx, "g")
		require.NoError(t, err)
		assert.True(t, ok)
		task, err := m.GetTask(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskRunning, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Contains(t, attempted, "g")
	})

	t.Run("declining handler fails terminally", func(t *testing.T) {
		createRunning(t, m, "d")
		require.NoError(t, m.UpdateStatus(ctx, "d", domain.TaskRecovering))

		ok, err := m.ResumeTask(ctx, "d")
		require.NoError(t, err)
		assert.False(t, ok)
		task, err := m.GetTask(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, task.Status)
		assert.True(t, task.Terminal)
		assert.Equal(t, "recovery handler declined", task.LastError)
	})

	t.Run("no handler fails terminally", func(t *testing.T) {
		_, err := m.CreateTask(ctx, NewTask{ID: "q", Type: "quiz"})
		require.NoError(t, err)
		require.NoError(t, m.UpdateStatus(ctx, "q", domain.TaskRunning))
		require.NoError(t, m.CreateCheckpoint(ctx, "q", "s", 0, nil))
		require.NoError(t, m.FailTask(ctx, "q", nil, domain.FailAttempt))

		ok, err := m.ResumeTask(ctx, "q")
		require.NoError(t, err)
		assert.False(t, ok)
		task, err := m.GetTask(ctx, "q")
		require.NoError(t, err)
		assert.True(t, task.IsTerminal())
		assert.Contains(t, task.LastError, "no recovery handler")
	})

	t.Run("terminal task is rejected", func(t *testing.T) {
		_, err := m.ResumeTask(ctx, "f")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	events, err := db.RecoveryEvents(ctx, time.Time{}, 0)
	require.NoError(t, err)
	resumeEvents := 0
	for _, e := range events {
		if e.Type == domain.RecoveryTaskResume {
			resumeEvents++
		}
	}
	assert.Equal(t, 3, resumeEvents)
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

func TestReconcileInterrupted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	m.RegisterRecoveryHandler("video_watch", RecoveryHandlerFunc(func(_ context.Context, task domain.Task) (bool, error) {
		switch task.ID {
		case "boom":
			panic("handler bug")
		case "err":
			return false, errors.New("browser gone")
		}
		return true, nil
	}))

	for _, id := range []string{"ok", "boom", "err"} {
		createRunning(t, m, id)
		require.NoError(t, m.RecordAttempt(ctx, id, errors.New("earlier")))
	}
	_, err := m.CreateTask(ctx, NewTask{ID: "orphan", Type: "quiz"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, "orphan", domain.TaskRunning))
	require.NoError(t, m.CreateCheckpoint(ctx, "orphan", "q1", 0, nil))

	outcomes, err := m.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	byID := make(map[string]domain.RecoveryOutcome)
	for _, o := range outcomes {
		byID[o.TaskID] = o
	}
	assert.True(t, byID["ok"].Recovered)
	assert.Equal(t, domain.TaskPaused, byID["ok"].Status)
	for _, id := range []string{"boom", "err", "orphan"} {
		assert.False(t, byID[id].Recovered, id)
		assert.Equal(t, domain.TaskFailed, byID[id].Status, id)
		assert.NotEmpty(t, byID[id].Error, id)
	}

	for _, id := range []string{"ok", "boom", "err", "orphan"} {
		task, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, domain.TaskRunning, task.Status, id)
		assert.False(t, task.Terminal, id)
	}
	// Reconciliation is not a retry attempt.
	task, err := m.GetTask(ctx, "err")
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)

	// The failed task with a checkpoint stays resumable.
	ok, err := m.CanResume(ctx, "orphan")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPauseRunning(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	createRunning(t, m, "r1")
	createRunning(t, m, "r2")
	_, err := m.CreateTask(ctx, NewTask{ID: "p", Type: "video_watch"})
	require.NoError(t, err)

	paused, err := m.PauseRunning(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2"}, paused)
	assert.Equal(t, domain.TaskPending, status(t, m, "p"))
}

// ─── Statistics & cleanup ───────────────────────────────────────────────────

func TestGetTaskStatistics(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	createRunning(t, m, "run")
	createRunning(t, m, "paused")
	require.NoError(t, m.PauseTask(ctx, "paused"))
	createRunning(t, m, "done")
	require.NoError(t, m.CompleteTask(ctx, "done", nil))
	createRunning(t, m, "failed-cp")
	require.NoError(t, m.CreateCheckpoint(ctx, "failed-cp", "s", 0, nil))
	require.NoError(t, m.FailTask(ctx, "failed-cp", nil, domain.FailAttempt))
	_, err := m.CreateTask(ctx, NewTask{ID: "quiz", Type: "quiz"})
	require.NoError(t, err)

	stats, err := m.GetTaskStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.ByType["video_watch"])
	assert.Equal(t, 1, stats.ByType["quiz"])
	assert.Equal(t, 1, stats.ByStatus[domain.TaskRunning])
	assert.Equal(t, 2, stats.Resumable)
	assert.Equal(t, 1, stats.Terminal)
}

func TestCleanCompletedTasks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _ := newTestManager(t, WithClock(clock.Now))

	createRunning(t, m, "old-done")
	require.NoError(t, m.CompleteTask(ctx, "old-done", nil))
	createRunning(t, m, "old-terminal")
	require.NoError(t, m.FailTask(ctx, "old-terminal", nil, domain.FailTerminal))
	createRunning(t, m, "old-paused")
	require.NoError(t, m.PauseTask(ctx, "old-paused"))
	createRunning(t, m, "old-running")

	clock.Advance(30 * time.Hour)
	createRunning(t, m, "new-done")
	require.NoError(t, m.CompleteTask(ctx, "new-done", nil))

	n, err := m.CleanCompletedTasks(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"old-paused", "old-running", "new-done"} {
		_, err := m.GetTask(ctx, id)
		assert.NoError(t, err, id)
	}
	for _, id := range []string{"old-done", "old-terminal"} {
		_, err := m.GetTask(ctx, id)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound, id)
	}

	_, err = m.CleanCompletedTasks(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, err := m.CreateTask(ctx, NewTask{ID: "t1", Type: "video_watch"})
	require.NoError(t, err)

	// Live tasks may be owned by a worker and stay put.
	assert.ErrorIs(t, m.DeleteTask(ctx, "t1"), domain.ErrInvalidTransition)
	require.NoError(t, m.UpdateStatus(ctx, "t1", domain.TaskRunning))
	assert.ErrorIs(t, m.DeleteTask(ctx, "t1"), domain.ErrInvalidTransition)
	require.NoError(t, m.PauseTask(ctx, "t1"))
	assert.ErrorIs(t, m.DeleteTask(ctx, "t1"), domain.ErrInvalidTransition)
	assert.Equal(t, domain.TaskPaused, status(t, m, "t1"))

	ok, err := m.ResumeTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.CompleteTask(ctx, "t1", nil))
	require.NoError(t, m.DeleteTask(ctx, "t1"))
	assert.ErrorIs(t, m.DeleteTask(ctx, "t1"), domain.ErrTaskNotFound)

	createRunning(t, m, "t2")
	require.NoError(t, m.FailTask(ctx, "t2", errors.New("gone"), domain.FailTerminal))
	assert.NoError(t, m.DeleteTask(ctx, "t2"))
}

// ─── Payload schemas & integrity ────────────────────────────────────────────

type videoPayload struct {
	URL      string `json:"url" validate:"required,url"`
	Duration int    `json:"duration_s" validate:"gte=0"`
}

func TestSchema_RejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.RegisterSchema("video_watch", NewSchema[videoPayload]())

	_, err := m.CreateTask(ctx, NewTask{
		ID: "ok", Type: "video_watch",
		Payload: json.RawMessage(`{"url":"https://example.com/v/1","duration_s":60}`),
	})
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, NewTask{ID: "bad", Type: "video_watch", Payload: json.RawMessage(`{"url":"not a url"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = m.CreateTask(ctx, NewTask{ID: "extra", Type: "video_watch", Payload: json.RawMessage(`{"url":"https://x.io","speed":2}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	v, err := NewSchema[videoPayload]().Decode(json.RawMessage(`{"url":"https://example.com/v/1","duration_s":60}`))
	require.NoError(t, err)
	assert.Equal(t, 60, v.Duration)
}

func rawExec(t *testing.T, db *sqlite.DB, query string, args ...any) {
	t.Helper()
	conn, err := sql.Open("sqlite", db.Path())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Exec(query, args...)
	require.NoError(t, err)
}

func TestMalformedRecords_QuarantinedNotFatal(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t)
	m.RegisterSchema("video_watch", NewSchema[videoPayload]())

	for _, id := range []string{"good", "bad-cp", "bad-payload"} {
		_, err := m.CreateTask(ctx, NewTask{
			ID: id, Type: "video_watch",
			Payload: json.RawMessage(`{"url":"https://example.com/v/1"}`),
		})
		require.NoError(t, err)
		require.NoError(t, m.UpdateStatus(ctx, id, domain.TaskRunning))
		require.NoError(t, m.PauseTask(ctx, id))
	}
	rawExec(t, db, `UPDATE task_states SET checkpoint_data = '{"step":' WHERE task_id = 'bad-cp'`)
	rawExec(t, db, `UPDATE task_states SET data = '{"url":42}' WHERE task_id = 'bad-payload'`)

	_, err := m.GetTask(ctx, "bad-cp")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	_, err = m.GetTask(ctx, "bad-payload")
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	tasks, err := m.GetResumableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "good", tasks[0].ID)

	entries, err := db.QuarantinedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Quarantined rows remain readable as terminal failures.
	raw, err := db.GetTask(ctx, "bad-cp")
	require.NoError(t, err)
	assert.True(t, raw.IsTerminal())
}

func TestQuarantine_OncePerRow(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t)
	m.RegisterSchema("video_watch", NewSchema[videoPayload]())

	_, err := m.CreateTask(ctx, NewTask{
		ID: "v1", Type: "video_watch",
		Payload: json.RawMessage(`{"url":"https://example.com/v/1"}`),
	})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, "v1", domain.TaskRunning))
	require.NoError(t, m.PauseTask(ctx, "v1"))
	rawExec(t, db, `UPDATE task_states SET data = '{"url":42}' WHERE task_id = 'v1'`)

	_, err = m.GetResumableTasks(ctx)
	require.NoError(t, err)
	first, err := db.GetTask(ctx, "v1")
	require.NoError(t, err)
	require.True(t, first.IsTerminal())

	for range 5 {
		_, err := m.GetResumableTasks(ctx)
		require.NoError(t, err)
		failed, err := m.GetTasksByStatus(ctx, domain.TaskFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		_, err = m.ListTasks(ctx, domain.TaskFilter{})
		require.NoError(t, err)
	}

	entries, err := db.QuarantinedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	events, err := db.RecoveryEvents(ctx, time.Time{}, 0)
	require.NoError(t, err)
	quarantines := 0
	for _, e := range events {
		if e.Type == domain.RecoveryQuarantine {
			quarantines++
		}
	}
	assert.Equal(t, 1, quarantines)

	again, err := m.GetTask(ctx, "v1")
	require.NoError(t, err, "a quarantined row reads as a terminal failure")
	assert.True(t, first.UpdatedAt.Equal(again.UpdatedAt), "reads must not move updated_at")
}

func TestResumeTask_ConcurrentResumesRunHandlerOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var calls atomic.Int32
	entered := make(chan struct{})
	proceed := make(chan struct{})
	m.RegisterRecoveryHandler("video_watch", RecoveryHandlerFunc(func(context.Context, domain.Task) (bool, error) {
		calls.Add(1)
		close(entered)
		<-proceed
		return true, nil
	}))

	createRunning(t, m, "r1")
	require.NoError(t, m.CreateCheckpoint(ctx, "r1", "watching", 2, nil))
	require.NoError(t, m.UpdateStatus(ctx, "r1", domain.TaskRecovering))

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := m.ResumeTask(ctx, "r1")
		done <- result{ok, err}
	}()
	<-entered

	ok, err := m.ResumeTask(ctx, "r1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	close(proceed)
	first := <-done
	require.NoError(t, first.err)
	assert.True(t, first.ok)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.TaskRunning, status(t, m, "r1"))

	// Once settled, a late resume sees a running task and is refused.
	_, err = m.ResumeTask(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, int32(1), calls.Load())
}
