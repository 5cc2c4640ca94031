// Package sqlite provides SQLite-based persistent storage for task state,
// sessions and recovery audit logs.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/autostudy/autostudy/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// FileName is the database file created inside the data directory.
const FileName = "state.db"

// DB wraps a SQLite connection pool with WAL mode and migrations.
// It implements domain.Store.
type DB struct {
	repo
	db   *sql.DB
	path string
	log  *slog.Logger

	// maint is held for writing by Compact so that no write transaction
	// can start while the file is being rebuilt.
	maint sync.RWMutex
}

var _ domain.Store = (*DB)(nil)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	busyTimeout time.Duration
	maxConns    int
}

// WithLogger sets the logger used for migrations and maintenance.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithBusyTimeout sets how long a writer waits for SQLite's file lock.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithMaxOpenConns bounds the connection pool. WAL allows readers to run on
// separate connections while one writer holds the lock.
func WithMaxOpenConns(n int) Option { return func(o *options) { o.maxConns = n } }

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and a busy timeout, then applies pending
// migrations. Every failure wraps domain.ErrStorageUnavailable.
func Open(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	o := options{
		logger:      slog.Default(),
		busyTimeout: 5 * time.Second,
		maxConns:    4,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, unavailable("create data dir", err)
	}

	dbPath := filepath.Join(dir, FileName)
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		dbPath, o.busyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping sqlite", err)
	}

	db.SetMaxOpenConns(max(1, o.maxConns))
	db.SetMaxIdleConns(max(1, o.maxConns))

	d := &DB{
		repo: repo{q: db},
		db:   db,
		path: dbPath,
		log:  o.logger.With("component", "sqlite"),
	}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, unavailable("migrate", err)
	}

	return d, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorageUnavailable, op, err)
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// migrate applies the embedded goose migrations.
func (d *DB) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, d.db, fsys,
		goose.WithDisableGlobalRegistry(true),
	)
	if err != nil {
		return err
	}
	// Provider.Close would close d.db, so it is intentionally not called.
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		d.log.Info("applied migration",
			"version", r.Source.Version,
			"file", filepath.Base(r.Source.Path),
			"duration", r.Duration)
	}
	return nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is a Repository bound to one open transaction.
type Tx struct {
	repo
	tx *sql.Tx
}

// Transaction executes fn within a database transaction.
// If fn returns an error or panics, the transaction is rolled back.
// Otherwise it is committed.
func (d *DB) Transaction(ctx context.Context, fn func(domain.Repository) error) (err error) {
	d.maint.RLock()
	defer d.maint.RUnlock()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{repo: repo{q: sqlTx}, tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				d.log.Error("rollback after panic failed", "error", rbErr, "panic", p)
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.log.Error("rollback failed", "error", rbErr, "cause", err)
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ─── Shared query plumbing ──────────────────────────────────────────────────

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements domain.Repository on top of a queryer, so the same
// methods serve both autocommit calls on DB and calls inside a Tx.
type repo struct {
	q queryer
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
