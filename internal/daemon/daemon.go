package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/autostudy/autostudy/internal/api"
	"github.com/autostudy/autostudy/internal/app/recovery"
	"github.com/autostudy/autostudy/internal/app/retry"
	"github.com/autostudy/autostudy/internal/app/runner"
	"github.com/autostudy/autostudy/internal/app/sessions"
	"github.com/autostudy/autostudy/internal/app/tasks"
	"github.com/autostudy/autostudy/internal/health"
	"github.com/autostudy/autostudy/internal/infra/metrics"
	"github.com/autostudy/autostudy/internal/infra/sqlite"
	"github.com/autostudy/autostudy/internal/security"
)

// Daemon is the core runtime. It wires together all services.
type Daemon struct {
	Config   Config
	Log      *slog.Logger
	DB       *sqlite.DB
	Tasks    *tasks.Manager
	Retry    *retry.Controller
	Recovery *recovery.Coordinator
	Runner   *runner.Runner
	Sessions *sessions.Store
	Health   *health.Checker
	Server   *api.Server

	fs     afero.Fs
	cancel context.CancelFunc
	wg     sync.WaitGroup // background loops started by Serve
}

// Option customizes NewWithConfig.
type Option func(*options)

type options struct {
	fs    afero.Fs
	coord []recovery.Option
}

// WithFs sets the filesystem used for markers and health checks.
func WithFs(fsys afero.Fs) Option { return func(o *options) { o.fs = fsys } }

// WithRecoveryOptions passes options through to the recovery coordinator.
func WithRecoveryOptions(opts ...recovery.Option) Option {
	return func(o *options) { o.coord = append(o.coord, opts...) }
}

// New loads the config file and creates a Daemon.
func New(ctx context.Context, log *slog.Logger) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, log)
}

// NewWithConfig creates a Daemon with the given configuration. Nothing is
// started; call Start or Serve.
func NewWithConfig(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (*Daemon, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.Resolved()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policies, err := cfg.Retry.PolicyMap()
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(ctx, cfg.Store.Dir, sqlite.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, Log: log, DB: db, fs: o.fs}
	d.Tasks = tasks.NewManager(db, tasks.WithLogger(log))
	d.Retry = retry.NewController(retry.WithPolicies(policies), retry.WithLogger(log))

	coordOpts := append([]recovery.Option{recovery.WithFs(o.fs), recovery.WithLogger(log)}, o.coord...)
	d.Recovery = recovery.New(recovery.Config{
		DataDir:      cfg.Node.DataDir,
		PIDFile:      cfg.Recovery.PIDFile,
		LockDir:      cfg.Recovery.LockDir,
		TempPatterns: cfg.Recovery.TempPatterns,
		StatsWindow:  cfg.Recovery.StatsWindow,
	}, db, d.Tasks, coordOpts...)

	d.Runner = runner.New(d.Tasks, d.Retry, runner.WithWorkers(cfg.Tasks.Workers), runner.WithLogger(log))

	var passphrase []byte
	if cfg.Sessions.PassphraseEnv != "" {
		passphrase = []byte(os.Getenv(cfg.Sessions.PassphraseEnv))
	}
	sealer, err := security.LoadOrCreateSealer(cfg.Node.DataDir, passphrase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load session key: %w", err)
	}
	d.Sessions = sessions.New(db, sealer,
		sessions.WithLogger(log), sessions.WithDefaultTTL(cfg.Sessions.DefaultTTL))

	// Expired sessions are dropped during crash recovery as well as on the
	// maintenance tick.
	d.Recovery.RegisterCleanupHandler("expired_sessions", recovery.HandlerFunc(func(ctx context.Context) error {
		_, err := d.Sessions.CleanupExpired(ctx)
		return err
	}))

	healthOpts := []health.Option{health.WithLogger(log)}
	if cfg.Telemetry.HealthInterval > 0 {
		healthOpts = append(healthOpts, health.WithInterval(cfg.Telemetry.HealthInterval))
	}
	d.Health = health.NewChecker(db, o.fs, cfg.Node.DataDir, d.Recovery, healthOpts...)

	d.Server = api.NewServer(d.Tasks, d.Recovery, db)
	d.Server.SetHealth(d.Health)
	if cfg.Telemetry.Metrics {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// Start runs crash detection, recovers if needed and enters normal
// operation. The returned session is nil after a clean start.
func (d *Daemon) Start(ctx context.Context) (*recovery.RecoverySession, error) {
	crashed, err := d.Recovery.DetectCrashOnStartup(ctx)
	if err != nil {
		return nil, err
	}
	var session *recovery.RecoverySession
	if crashed {
		s := d.Recovery.RecoverFromCrash(ctx)
		session = &s
		d.Log.Info("recovery finished", "status", s.Status,
			"recovered", s.Recovered, "failed", s.Failed, "released_locks", len(s.ReleasedLocks))
	}
	if err := d.Recovery.StartNormalOperation(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// Serve starts the daemon, the HTTP server and background loops, and blocks
// until ctx is done or SIGINT/SIGTERM arrives. It always shuts down the
// coordinator before returning.
func (d *Daemon) Serve(ctx context.Context) (err error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, d.cancel = context.WithCancel(ctx)

	// A failed start leaves markers and tasks alone; they may belong to a
	// live instance.
	if _, err := d.Start(ctx); err != nil {
		return multierr.Append(err, d.DB.Close())
	}
	defer func() { err = multierr.Append(err, d.Close()) }()

	d.wg.Go(func() { d.Health.Run(ctx) })
	d.wg.Go(func() { d.maintain(ctx) })
	if d.Config.Recovery.ResumeOnStart {
		d.wg.Go(func() {
			if _, err := d.Runner.ResumeAll(ctx); err != nil && ctx.Err() == nil {
				d.Log.Warn("resume tasks", "error", err)
			}
		})
	}

	if !d.Config.API.Enabled {
		<-ctx.Done()
		return nil
	}

	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	d.Log.Info("serving", "addr", "http://"+addr, "metrics", d.Config.Telemetry.Metrics)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// maintain runs retention cleanup and compaction on their intervals.
func (d *Daemon) maintain(ctx context.Context) {
	cleanup := newTicker(d.Config.Tasks.CleanupInterval)
	defer cleanup.Stop()
	compact := newTicker(d.Config.Store.CompactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			d.Cleanup(ctx)
		case <-compact.C:
			if err := d.DB.Compact(ctx); err != nil {
				metrics.MaintenanceRuns.WithLabelValues("compact", "error").Inc()
				d.Log.Warn("compact store", "error", err)
				continue
			}
			metrics.MaintenanceRuns.WithLabelValues("compact", "ok").Inc()
		}
	}
}

// Cleanup purges old completed tasks and expired sessions.
func (d *Daemon) Cleanup(ctx context.Context) {
	if d.Config.Tasks.KeepCompleted > 0 {
		if n, err := d.Tasks.CleanCompletedTasks(ctx, d.Config.Tasks.KeepCompleted); err != nil {
			d.Log.Warn("clean completed tasks", "error", err)
		} else if n > 0 {
			d.Log.Info("completed tasks purged", "count", n)
		}
	}
	if _, err := d.Sessions.CleanupExpired(ctx); err != nil {
		d.Log.Warn("clean expired sessions", "error", err)
	}
}

// Close shuts down the coordinator, which pauses running tasks, releases
// locks, removes the process marker and closes the store. Safe to call more
// than once.
func (d *Daemon) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Recovery.Shutdown(ctx)
}

// ticker is a time.Ticker that never fires for a disabled interval.
type ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t ticker) Stop() { t.stop() }

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{C: nil, stop: func() {}}
	}
	t := time.NewTicker(d)
	return ticker{C: t.C, stop: t.Stop}
}
