// Package domain holds the task, session and recovery types shared by the
// store, the managers and the API. It has no infrastructure dependency.
//
// A Task is a unit of resumable work:
// create → run → (pause | checkpoint)* → complete | fail → recover → run.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRecovering TaskStatus = "recovering"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskPending, TaskRunning, TaskPaused, TaskCompleted, TaskFailed, TaskRecovering,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskPaused, TaskCompleted, TaskFailed, TaskRecovering:
		return true
	}
	return false
}

// ParseTaskStatus converts user input into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// transitions is the lifecycle state machine. failed -> recovering is further
// restricted to non-terminal failures by Task.CanTransition.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskRunning},
	TaskRunning:    {TaskPaused, TaskCompleted, TaskFailed, TaskRecovering},
	TaskPaused:     {TaskRunning},
	TaskFailed:     {TaskRecovering},
	TaskRecovering: {TaskRunning, TaskPaused, TaskFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Checkpoint is the latest durable snapshot of a task's progress.
type Checkpoint struct {
	Step      string          `json:"step"`
	StepIndex int             `json:"step_index"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the structural rules of a checkpoint.
func (c *Checkpoint) Validate() error {
	if c.Step == "" {
		return fmt.Errorf("%w: empty step", ErrInvalidCheckpoint)
	}
	if c.StepIndex < 0 {
		return fmt.Errorf("%w: negative step_index %d", ErrInvalidCheckpoint, c.StepIndex)
	}
	if len(c.Data) > 0 && !json.Valid(c.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidCheckpoint)
	}
	return nil
}

// Task is a unit of resumable, independently tracked work.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     TaskStatus      `json:"status"`
	Progress   float64         `json:"progress"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Checkpoint *Checkpoint     `json:"checkpoint,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	// Terminal marks a failed task that no recovery may pick up again.
	Terminal  bool      `json:"terminal"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || (t.Status == TaskFailed && t.Terminal)
}

// CanTransition reports whether the task may move to the given status.
func (t *Task) CanTransition(to TaskStatus) bool {
	if t.IsTerminal() {
		return false
	}
	return CanTransition(t.Status, to)
}

// CanResume is true for paused tasks, and for failed or recovering tasks that
// still have a checkpoint to resume from.
func (t *Task) CanResume() bool {
	if t.IsTerminal() {
		return false
	}
	switch t.Status {
	case TaskPaused:
		return true
	case TaskFailed, TaskRecovering:
		return t.Checkpoint != nil
	}
	return false
}

// Validate checks the structural rules a stored task must satisfy.
func (t *Task) Validate() error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("empty id"))
	}
	if t.Type == "" {
		errs = append(errs, errors.New("empty type"))
	}
	if !t.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", t.Status))
	}
	if t.Progress < 0 || t.Progress > 100 {
		errs = append(errs, fmt.Errorf("progress %v out of range", t.Progress))
	}
	if t.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("negative retry_count %d", t.RetryCount))
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		errs = append(errs, errors.New("payload is not valid JSON"))
	}
	if t.Checkpoint != nil {
		if err := t.Checkpoint.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FailMode distinguishes a retryable attempt failure from a terminal one.
type FailMode int

const (
	// FailAttempt records a failed attempt: retry_count increments and the
	// task stays eligible for recovery.
	FailAttempt FailMode = iota
	// FailTerminal ends the task; retry_count is left unchanged.
	FailTerminal
)

func (m FailMode) String() string {
	if m == FailTerminal {
		return "terminal"
	}
	return "attempt"
}

// TaskFilter narrows QueryTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Statuses      []TaskStatus
	Type          string
	UpdatedBefore time.Time
	Limit         int
}

// TaskCount is one row of the grouped task aggregation.
type TaskCount struct {
	Type          string
	Status        TaskStatus
	Terminal      bool
	HasCheckpoint bool
	Count         int
}

// TaskStats summarizes the task table.
type TaskStats struct {
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	ByType    map[string]int     `json:"by_type"`
	Resumable int                `json:"resumable"`
	Terminal  int                `json:"terminal"`
}

// RecoveryOutcome is the per-task result of a reconciliation pass.
type RecoveryOutcome struct {
	TaskID    string     `json:"task_id"`
	TaskType  string     `json:"task_type,omitempty"`
	Status    TaskStatus `json:"status"`
	Recovered bool       `json:"recovered"`
	Error     string     `json:"error,omitempty"`
}
