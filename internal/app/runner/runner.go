// Package runner executes tasks on a bounded worker pool. Each task runs
// under the retry controller; every failed attempt is recorded on the task,
// exhaustion fails it terminally and cancellation pauses it so it can be
// resumed later.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/autostudy/autostudy/internal/app/retry"
	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

var (
	// ErrNoWork is reported for a task whose type has no registered work.
	ErrNoWork = errors.New("no work registered for task type")
	// ErrBusy is reported for a task that is already executing, in this
	// runner or in a run that has not been recovered yet.
	ErrBusy = errors.New("task is already running")
)

// Work performs one attempt at a task. It receives the task as currently
// stored, so a retried attempt sees the latest checkpoint.
type Work func(ctx context.Context, task domain.Task) (json.RawMessage, error)

// Tasks is the task manager surface the runner drives.
type Tasks interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	ResumeTask(ctx context.Context, id string) (bool, error)
	RecordAttempt(ctx context.Context, id string, cause error) error
	CompleteTask(ctx context.Context, id string, result json.RawMessage) error
	FailTask(ctx context.Context, id string, cause error, mode domain.FailMode) error
	PauseTask(ctx context.Context, id string) error
	GetResumableTasks(ctx context.Context) ([]domain.Task, error)
	GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
}

// Outcome is the result of running one task.
type Outcome struct {
	TaskID   string            `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Attempts int               `json:"attempts"`
	Err      error             `json:"-"`
}

type registration struct {
	work Work
	opts []retry.Option
}

// Runner is a bounded pool of task workers.
type Runner struct {
	tasks   Tasks
	retry   *retry.Controller
	log     *slog.Logger
	workers int

	mu      sync.RWMutex
	work    map[string]registration
	claimed map[string]struct{}
}

// Option customizes a Runner.
type Option func(*Runner)

// WithWorkers sets the number of concurrent tasks.
func WithWorkers(n int) Option { return func(r *Runner) { r.workers = n } }

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// New creates a Runner.
func New(tasks Tasks, rc *retry.Controller, opts ...Option) *Runner {
	r := &Runner{
		tasks:   tasks,
		retry:   rc,
		log:     slog.Default(),
		workers: DefaultWorkers,
		work:    make(map[string]registration),
		claimed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	r.log = r.log.With("component", "runner")
	return r
}

// Register sets the work for a task type. Retry options, such as a fixed
// class or policy, apply to every run of that type.
func (r *Runner) Register(taskType string, w Work, opts ...retry.Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.work[taskType] = registration{work: w, opts: opts}
}

func (r *Runner) registration(taskType string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.work[taskType]
	return reg, ok
}

// Run executes the given tasks, at most the configured number at a time,
// and waits for all of them. Outcomes are returned in input order. Task
// failures are reported in the outcomes; the error is non-nil only when
// ctx was cancelled.
func (r *Runner) Run(ctx context.Context, ids ...string) ([]Outcome, error) {
	out := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, id := range ids {
		g.Go(func() error {
			out[i] = r.runOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	return out, nil
}

// RunPending runs every pending task.
func (r *Runner) RunPending(ctx context.Context) ([]Outcome, error) {
	pending, err := r.tasks.GetTasksByStatus(ctx, domain.TaskPending)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, ids(pending)...)
}

// ResumeAll runs every resumable task, longest-stalled first.
func (r *Runner) ResumeAll(ctx context.Context) ([]Outcome, error) {
	resumable, err := r.tasks.GetResumableTasks(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("resuming tasks", "count", len(resumable))
	return r.Run(ctx, ids(resumable)...)
}

// claim reserves id for one worker of this runner.
func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.claimed[id]; busy {
		return false
	}
	r.claimed[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, id)
}

func (r *Runner) runOne(ctx context.Context, id string) Outcome {
	out := Outcome{TaskID: id}
	if !r.claim(id) {
		out.Status = domain.TaskRunning
		out.Err = fmt.Errorf("%w: %s", ErrBusy, id)
		return out
	}
	defer r.release(id)

	metrics.TasksActive.Inc()
	defer metrics.TasksActive.Dec()

	task, reg, err := r.start(ctx, id)
	if err != nil {
		out.Err = err
		if task != nil {
			out.Status = task.Status
		}
		return out
	}
	out.Status = task.Status
	log := r.log.With("task_id", id, "type", task.Type)

	var trace retry.Trace
	opts := append(append([]retry.Option{}, reg.opts...), retry.WithTrace(&trace))
	result, err := retry.DoValue(ctx, r.retry, func(ctx context.Context) (json.RawMessage, error) {
		current, err := r.tasks.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		res, err := reg.work(ctx, *current)
		if err != nil && ctx.Err() == nil && !domain.IsCallerError(err) {
			if rerr := r.tasks.RecordAttempt(ctx, id, err); rerr != nil {
				log.Warn("record attempt", "error", rerr)
			}
		}
		return res, err
	}, opts...)
	out.Attempts = len(trace.Attempts)

	switch {
	case err == nil:
		if cerr := r.tasks.CompleteTask(ctx, id, result); cerr != nil {
			out.Err = cerr
			log.Error("complete task", "error", cerr)
			return out
		}
		out.Status = domain.TaskCompleted
		log.Info("task completed", "attempts", out.Attempts)
	case errors.Is(err, domain.ErrCancelled):
		out.Err = err
		r.settle(ctx, &out, domain.TaskPaused, err)
		log.Info("task paused on cancellation", "attempts", out.Attempts)
	default:
		out.Err = err
		r.settle(ctx, &out, domain.TaskFailed, err)
		log.Warn("task failed", "attempts", out.Attempts, "exhausted", trace.Exhausted, "error", err)
	}
	return out
}

// start moves the task into running. Pending tasks start directly; paused,
// failed and recovering tasks go through ResumeTask. A task whose type has no
// registered work is left as it is, and one already running belongs to
// another worker or to a crashed run awaiting recovery.
func (r *Runner) start(ctx context.Context, id string) (*domain.Task, registration, error) {
	task, err := r.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, registration{}, err
	}
	reg, ok := r.registration(task.Type)
	switch {
	case task.IsTerminal():
		return task, reg, fmt.Errorf("task %s is already %s", id, task.Status)
	case !ok:
		return task, reg, fmt.Errorf("%w: %q", ErrNoWork, task.Type)
	case task.Status == domain.TaskPending:
		err = r.tasks.UpdateStatus(ctx, id, domain.TaskRunning)
	case task.Status == domain.TaskRunning:
		return task, reg, fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		var resumed bool
		resumed, err = r.tasks.ResumeTask(ctx, id)
		if err == nil && !resumed {
			task.Status = domain.TaskFailed
			err = fmt.Errorf("task %s was not resumed", id)
		}
	}
	if err != nil {
		return task, reg, err
	}
	task.Status = domain.TaskRunning
	return task, reg, nil
}

// settle records the final state. It runs even after ctx is cancelled.
func (r *Runner) settle(ctx context.Context, out *Outcome, status domain.TaskStatus, cause error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if status == domain.TaskPaused {
		err = r.tasks.PauseTask(ctx, out.TaskID)
	} else {
		err = r.tasks.FailTask(ctx, out.TaskID, cause, domain.FailTerminal)
	}
	if err != nil {
		r.log.Error("settle task", "task_id", out.TaskID, "status", status, "error", err)
		return
	}
	out.Status = status
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
