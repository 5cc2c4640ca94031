// Package recovery decides at startup whether the previous run ended in a
// crash, repairs what it left behind and owns the process marker, resource
// locks and orderly shutdown of the current run.
//
// Markers are small JSON files on an afero.Fs. The process marker names the
// live run; each lock marker names the run holding one resource. A marker is
// only ever reclaimed after its owner has been confirmed dead on this host.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// Setting keys written by the coordinator.
const (
	SettingLastRecovery      = "last_recovery_at"
	SettingLastCleanShutdown = "last_clean_shutdown"
)

// DefaultStatsWindow is the trailing window used by GetRecoveryStatistics.
const DefaultStatsWindow = 7 * 24 * time.Hour

// DefaultTempPatterns are removed from the data dir during recovery.
var DefaultTempPatterns = []string{"*.tmp", "*.temp", "logs/*.tmp"}

// Store is the slice of persistence the coordinator needs.
type Store interface {
	domain.RecoveryLogRepository
	domain.SettingsRepository
	Close() error
}

// Tasks is the slice of the task manager the coordinator drives.
type Tasks interface {
	ReconcileInterrupted(ctx context.Context) ([]domain.RecoveryOutcome, error)
	PauseRunning(ctx context.Context) ([]string, error)
	GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	GetTaskStatistics(ctx context.Context) (domain.TaskStats, error)
}

// Config locates the coordinator's files.
type Config struct {
	DataDir      string
	PIDFile      string
	LockDir      string
	TempPatterns []string // globs relative to DataDir
	StatsWindow  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.DataDir, "autostudy.pid")
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.DataDir, "locks")
	}
	if c.TempPatterns == nil {
		c.TempPatterns = DefaultTempPatterns
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = DefaultStatsWindow
	}
}

// Coordinator runs crash detection, recovery and shutdown for one process.
type Coordinator struct {
	cfg   Config
	store Store
	tasks Tasks
	fs    afero.Fs
	log   *slog.Logger
	now   func() time.Time
	alive func(pid int) bool
	self  domain.ProcessIdentity

	takeOver atomic.Bool // reclaim markers written on other hosts

	runMu   sync.Mutex // serializes detect, recover, start and shutdown
	stateMu sync.Mutex
	state   domain.RunState
	reasons []string

	mu       sync.Mutex // guards held and the handler registries
	held     map[string]*Lock
	cleanup  []namedHandler
	shutdown []namedHandler

	shutdownOnce sync.Once
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithFs sets the filesystem holding markers. Defaults to the OS.
func WithFs(fsys afero.Fs) Option { return func(c *Coordinator) { c.fs = fsys } }

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLiveness replaces the process liveness check.
func WithLiveness(alive func(pid int) bool) Option { return func(c *Coordinator) { c.alive = alive } }

// WithIdentity overrides the identity of the current run.
func WithIdentity(id domain.ProcessIdentity) Option { return func(c *Coordinator) { c.self = id } }

// NewIdentity describes the current process with a fresh run id.
func NewIdentity() domain.ProcessIdentity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return domain.ProcessIdentity{
		PID:       os.Getpid(),
		Hostname:  host,
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

// New creates a Coordinator in the cold_start state.
func New(cfg Config, store Store, tasks Tasks, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:   cfg,
		store: store,
		tasks: tasks,
		fs:    afero.NewOsFs(),
		log:   slog.Default(),
		now:   time.Now,
		alive: processAlive,
		state: domain.RunColdStart,
		held:  make(map[string]*Lock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.self.RunID == "" {
		c.self = NewIdentity()
	}
	c.log = c.log.With("component", "recovery", "run_id", c.self.RunID)
	return c
}

// TakeOverForeign lets this run reclaim markers written under another
// hostname, as left behind when a container is replaced but its data dir is
// kept. Their owner cannot be checked from here, so the call is an operator
// decision. Markers from this host are still checked for a live pid. Call it
// before DetectCrashOnStartup.
func (c *Coordinator) TakeOverForeign() {
	c.takeOver.Store(true)
	c.log.Warn("markers from other hosts will be taken over")
}

// Identity returns the identity of the current run.
func (c *Coordinator) Identity() domain.ProcessIdentity { return c.self }

// State returns the current run state.
func (c *Coordinator) State() domain.RunState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) advance(next domain.RunState) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.state.CanAdvance(next) {
		return fmt.Errorf("run state %s cannot move to %s", c.state, next)
	}
	c.log.Debug("run state", "from", c.state, "to", next)
	c.state = next
	return nil
}

// ─── Startup ────────────────────────────────────────────────────────────────

// DetectCrashOnStartup reports whether the previous run ended without a
// clean shutdown: its marker outlived it, it left locks behind, or tasks are
// still marked running. A marker owned by another live run fails with
// domain.ErrAlreadyRunning.
func (c *Coordinator) DetectCrashOnStartup(ctx context.Context) (bool, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if s := c.State(); s != domain.RunColdStart {
		return s == domain.RunCrashDetected, nil
	}

	var reasons []string
	id, ok, err := c.readMarker()
	switch {
	case err != nil && ok:
		reasons = append(reasons, "unreadable process marker")
	case err != nil:
		return false, err
	case ok && c.ownerLive(id):
		return false, fmt.Errorf("%w: pid %d on %s (run %s)", domain.ErrAlreadyRunning, id.PID, id.Hostname, id.RunID)
	case ok && id.Hostname != c.self.Hostname:
		reasons = append(reasons, fmt.Sprintf("process marker of pid %d on %s taken over", id.PID, id.Hostname))
	case ok:
		reasons = append(reasons, fmt.Sprintf("process marker of pid %d outlived its run", id.PID))
	}

	stale, err := c.staleLocks()
	if err != nil {
		return false, err
	}
	if len(stale) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d unreleased lock(s)", len(stale)))
	}

	running, err := c.tasks.GetTasksByStatus(ctx, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	if len(running) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d task(s) left running", len(running)))
	}

	c.reasons = reasons
	if len(reasons) == 0 {
		c.log.Info("clean start")
		return false, c.advance(domain.RunCleanStart)
	}
	c.log.Warn("crash detected", "reasons", reasons)
	return true, c.advance(domain.RunCrashDetected)
}

// StartNormalOperation writes the process marker and enters operational.
// A live marker from another run fails with domain.ErrAlreadyRunning.
func (c *Coordinator) StartNormalOperation(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if s := c.State(); !s.CanAdvance(domain.RunOperational) {
		return fmt.Errorf("cannot start normal operation from %s", s)
	}
	id, ok, err := c.readMarker()
	if err == nil && ok && !id.Same(c.self) && c.ownerLive(id) {
		return fmt.Errorf("%w: pid %d on %s (run %s)", domain.ErrAlreadyRunning, id.PID, id.Hostname, id.RunID)
	}
	if err := c.writeMarker(); err != nil {
		return err
	}
	if err := c.advance(domain.RunOperational); err != nil {
		return err
	}
	c.log.Info("operational", "pid", c.self.PID, "marker", c.cfg.PIDFile)
	return nil
}

// ─── Recovery ───────────────────────────────────────────────────────────────

// RecoverySession is the outcome of one recovery pass.
type RecoverySession struct {
	ID            string                     `json:"id"`
	Kind          string                     `json:"kind"`
	Status        domain.RecoveryEventStatus `json:"status"`
	Reasons       []string                   `json:"reasons,omitempty"`
	StartedAt     time.Time                  `json:"started_at"`
	FinishedAt    time.Time                  `json:"finished_at"`
	Tasks         []domain.RecoveryOutcome   `json:"tasks"`
	Recovered     int                        `json:"recovered"`
	Failed        int                        `json:"failed"`
	ReleasedLocks []string                   `json:"released_locks,omitempty"`
	RemovedFiles  []string                   `json:"removed_files,omitempty"`
	HandlerErrors []string                   `json:"handler_errors,omitempty"`
	Errors        []string                   `json:"errors,omitempty"`
	Stats         *domain.TaskStats          `json:"stats,omitempty"`
}

// AffectedTaskIDs lists the ids of every reconciled task.
func (s RecoverySession) AffectedTaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// RecoverFromCrash repairs the state left by a crashed run. It never
// returns an error: problems are reported in the session and each task's
// outcome is recorded separately.
func (c *Coordinator) RecoverFromCrash(ctx context.Context) RecoverySession {
	return c.recover(ctx, domain.RecoveryCrash)
}

// ForceRecovery runs the same pass without requiring a detected crash.
func (c *Coordinator) ForceRecovery(ctx context.Context) RecoverySession {
	return c.recover(ctx, domain.RecoveryForced)
}

func (c *Coordinator) recover(ctx context.Context, kind string) RecoverySession {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	s := RecoverySession{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    domain.EventCompleted,
		Reasons:   c.reasons,
		StartedAt: c.now(),
		Tasks:     []domain.RecoveryOutcome{},
	}
	if err := c.advance(domain.RunRecovering); err != nil {
		s.Status = domain.EventFailed
		s.Errors = append(s.Errors, err.Error())
		s.FinishedAt = c.now()
		return s
	}
	log := c.log.With("session_id", s.ID, "kind", kind)
	log.Info("recovery started", "reasons", s.Reasons)
	metrics.RecoverySessions.WithLabelValues(kind).Inc()

	c.event(ctx, &s, kind, domain.EventStarted, map[string]any{
		"session_id": s.ID,
		"reasons":    s.Reasons,
	})

	c.releaseStale(&s)
	c.removeTempFiles(&s)

	outcomes, err := c.tasks.ReconcileInterrupted(ctx)
	if err != nil {
		s.Errors = append(s.Errors, "reconcile: "+err.Error())
		log.Error("reconcile interrupted tasks", "error", err)
	}
	for _, o := range outcomes {
		if o.Recovered {
			s.Recovered++
		} else {
			s.Failed++
		}
	}
	s.Tasks = append(s.Tasks, outcomes...)

	if err := c.runHandlers(ctx, "cleanup", c.handlers(false)); err != nil {
		for _, e := range multierr.Errors(err) {
			s.HandlerErrors = append(s.HandlerErrors, e.Error())
		}
	}

	if stats, err := c.tasks.GetTaskStatistics(ctx); err != nil {
		log.Warn("post-recovery statistics", "error", err)
	} else {
		s.Stats = &stats
	}

	s.FinishedAt = c.now()
	c.event(ctx, &s, kind, domain.EventCompleted, map[string]any{
		"session_id":     s.ID,
		"affected_tasks": s.AffectedTaskIDs(),
		"recovered":      s.Recovered,
		"failed":         s.Failed,
		"released_locks": s.ReleasedLocks,
		"removed_files":  s.RemovedFiles,
		"handler_errors": s.HandlerErrors,
	})
	if err := c.store.PutSetting(ctx, SettingLastRecovery, s.FinishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		s.Errors = append(s.Errors, "record last recovery: "+err.Error())
	}
	if err := c.advance(domain.RunRecovered); err != nil {
		s.Errors = append(s.Errors, err.Error())
	}

	log.Info("recovery completed",
		"recovered", s.Recovered, "failed", s.Failed,
		"released_locks", len(s.ReleasedLocks), "removed_files", len(s.RemovedFiles),
		"handler_errors", len(s.HandlerErrors), "took", s.FinishedAt.Sub(s.StartedAt))
	return s
}

func (c *Coordinator) event(ctx context.Context, s *RecoverySession, kind string, status domain.RecoveryEventStatus, details map[string]any) {
	b, err := json.Marshal(details)
	if err != nil {
		s.Errors = append(s.Errors, "encode event: "+err.Error())
		return
	}
	_, err = c.store.AppendRecoveryEvent(ctx, &domain.RecoveryEvent{
		Type: kind, Status: status, Details: b, CreatedAt: c.now(),
	})
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("append %s event: %v", status, err))
		c.log.Error("append recovery event", "status", status, "error", err)
	}
}

// releaseStale removes lock markers and a process marker whose owners are
// no longer live.
func (c *Coordinator) releaseStale(s *RecoverySession) {
	stale, err := c.staleLocks()
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
	for _, path := range stale {
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.Errors = append(s.Errors, fmt.Sprintf("remove stale lock %s: %v", path, err))
			continue
		}
		metrics.StaleLocksReclaimed.Inc()
		s.ReleasedLocks = append(s.ReleasedLocks, lockName(path))
	}

	id, ok, err := c.readMarker()
	if !ok || (err == nil && c.ownerLive(id)) {
		return
	}
	if err := c.fs.Remove(c.cfg.PIDFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.Errors = append(s.Errors, "remove stale process marker: "+err.Error())
		return
	}
	s.RemovedFiles = append(s.RemovedFiles, c.cfg.PIDFile)
}

func (c *Coordinator) removeTempFiles(s *RecoverySession) {
	for _, pattern := range c.cfg.TempPatterns {
		matches, err := afero.Glob(c.fs, filepath.Join(c.cfg.DataDir, pattern))
		if err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("glob %s: %v", pattern, err))
			continue
		}
		for _, path := range matches {
			info, err := c.fs.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if err := c.fs.Remove(path); err != nil {
				s.Errors = append(s.Errors, fmt.Sprintf("remove %s: %v", path, err))
				continue
			}
			s.RemovedFiles = append(s.RemovedFiles, path)
		}
	}
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Shutdown pauses running tasks, runs shutdown handlers, releases locks,
// records the clean shutdown, removes the process marker and closes the
// store. Only the first call does anything.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs error
	c.shutdownOnce.Do(func() {
		c.runMu.Lock()
		defer c.runMu.Unlock()

		if err := c.advance(domain.RunShuttingDown); err != nil {
			c.log.Warn("shutdown from unexpected state", "error", err)
		}
		c.log.Info("shutting down")

		paused, err := c.tasks.PauseRunning(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pause running tasks: %w", err))
		}
		if len(paused) > 0 {
			c.log.Info("paused running tasks", "count", len(paused))
		}

		errs = multierr.Append(errs, c.runHandlers(ctx, "shutdown", c.handlers(true)))
		errs = multierr.Append(errs, c.releaseAll())

		if err := c.store.PutSetting(ctx, SettingLastCleanShutdown, c.now().UTC().Format(time.RFC3339Nano)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("record clean shutdown: %w", err))
		}
		errs = multierr.Append(errs, c.removeMarker())
		errs = multierr.Append(errs, c.store.Close())

		c.stateMu.Lock()
		c.state = domain.RunStopped
		c.stateMu.Unlock()
		c.log.Info("shutdown complete")
	})
	return errs
}

// ─── Statistics ─────────────────────────────────────────────────────────────

// RecoveryStats summarizes recent recovery activity.
type RecoveryStats struct {
	State             domain.RunState             `json:"state"`
	Identity          domain.ProcessIdentity      `json:"identity"`
	Window            time.Duration               `json:"window"`
	Events            []domain.RecoveryEventCount `json:"events"`
	EventsByType      map[string]int              `json:"events_by_type"`
	TotalEvents       int                         `json:"total_events"`
	LockCount         int                         `json:"lock_count"`
	HeldLocks         []string                    `json:"held_locks"`
	CleanupHandlers   int                         `json:"cleanup_handlers"`
	ShutdownHandlers  int                         `json:"shutdown_handlers"`
	LastRecovery      time.Time                   `json:"last_recovery,omitzero"`
	LastCleanShutdown time.Time                   `json:"last_clean_shutdown,omitzero"`
}

// GetRecoveryStatistics reports event counts within the stats window, the
// number of lock markers on disk and the last recovery time. It is
// read-only.
func (c *Coordinator) GetRecoveryStatistics(ctx context.Context) (RecoveryStats, error) {
	st := RecoveryStats{
		State:        c.State(),
		Identity:     c.self,
		Window:       c.cfg.StatsWindow,
		EventsByType: make(map[string]int),
		HeldLocks:    c.HeldLocks(),
	}
	counts, err := c.store.RecoveryEventCounts(ctx, c.now().Add(-c.cfg.StatsWindow))
	if err != nil {
		return st, err
	}
	st.Events = counts
	for _, ec := range counts {
		st.EventsByType[ec.Type] += ec.Count
		st.TotalEvents += ec.Count
	}

	files, err := c.lockFiles()
	if err != nil {
		return st, err
	}
	st.LockCount = len(files)

	c.mu.Lock()
	st.CleanupHandlers, st.ShutdownHandlers = len(c.cleanup), len(c.shutdown)
	c.mu.Unlock()

	if st.LastRecovery, err = c.settingTime(ctx, SettingLastRecovery); err != nil {
		return st, err
	}
	if st.LastCleanShutdown, err = c.settingTime(ctx, SettingLastCleanShutdown); err != nil {
		return st, err
	}
	return st, nil
}

func (c *Coordinator) settingTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := c.store.GetSetting(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		c.log.Warn("malformed setting", "key", key, "value", v)
		return time.Time{}, nil
	}
	return t, nil
}
