// Package health runs periodic checks against the store, the data directory
// and the process marker, and tries a recovery action for each failing check.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// DefaultInterval is how often checks run.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Marker is satisfied by the recovery coordinator.
type Marker interface {
	CheckMarker(ctx context.Context) error
	RestoreMarker(ctx context.Context) error
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *slog.Logger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithInterval sets the check period.
func WithInterval(d time.Duration) Option { return func(c *Checker) { c.interval = d } }

// WithLogger sets the checker's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Checker) { c.log = l } }

// WithCheck appends a custom check.
func WithCheck(ch Check) Option { return func(c *Checker) { c.checks = append(c.checks, ch) } }

// NewChecker creates a checker with the standard checks: store, data_dir and
// run_marker.
func NewChecker(db Pinger, fsys afero.Fs, dataDir string, marker Marker, opts ...Option) *Checker {
	c := &Checker{
		interval: DefaultInterval,
		log:      slog.Default(),
		checks: []Check{
			{
				Name: "store",
				CheckFn: func(ctx context.Context) error {
					return db.Ping(ctx)
				},
			},
			{
				Name: "data_dir",
				CheckFn: func(ctx context.Context) error {
					return checkWritable(fsys, dataDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return fsys.MkdirAll(dataDir, 0o755)
				},
			},
			{
				Name:      "run_marker",
				CheckFn:   marker.CheckMarker,
				RecoverFn: marker.RestoreMarker,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "health")
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once. A failing check with a recovery action is
// recovered and checked again.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now()}
		err := check.CheckFn(ctx)
		if err != nil && check.RecoverFn != nil {
			if rerr := check.RecoverFn(ctx); rerr != nil {
				c.log.Warn("health recovery failed", "check", check.Name, "error", rerr)
			} else if err = check.CheckFn(ctx); err == nil {
				s.Recovered = true
				c.log.Info("health check recovered", "check", check.Name)
			}
		}
		if err != nil {
			s.Error = err.Error()
			c.log.Warn("health check failing", "check", check.Name, "error", err)
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkWritable(fsys afero.Fs, dir string) error {
	info, err := fsys.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := afero.TempFile(fsys, dir, ".health-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return fsys.Remove(name)
}
