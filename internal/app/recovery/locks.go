package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/multierr"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// Lock is a held advisory resource lock backed by a marker file.
type Lock struct {
	c    *Coordinator
	name string
	path string
	info domain.ResourceLock
	once sync.Once
	err  error
}

// Name returns the lock's resource name.
func (l *Lock) Name() string { return l.name }

// Release removes the marker. Calling it more than once is safe.
func (l *Lock) Release() error {
	l.once.Do(func() { l.err = l.c.release(l) })
	return l.err
}

// AcquireLock takes the named lock without waiting. A lock held by another
// live run fails with *domain.LockHeldError; a lock left behind by a dead run
// is reclaimed.
func (c *Coordinator) AcquireLock(ctx context.Context, name string) (*Lock, error) {
	path, err := c.lockPath(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := domain.ResourceLock{Name: name, Owner: c.self, AcquiredAt: c.now()}
	// At most one reclaim: a second collision means a live racer won.
	for range 2 {
		err := c.createLock(path, info)
		if err == nil {
			l := &Lock{c: c, name: name, path: path, info: info}
			c.mu.Lock()
			c.held[name] = l
			c.mu.Unlock()
			metrics.LocksHeld.Inc()
			c.log.Debug("lock acquired", "lock", name)
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		existing, rerr := c.readLock(path)
		if rerr != nil {
			if errors.Is(rerr, fs.ErrNotExist) {
				continue
			}
			// Possibly mid-write by its creator.
			metrics.LockContention.Inc()
			return nil, &domain.LockHeldError{Name: name}
		}
		if c.ownerLive(existing.Owner) {
			metrics.LockContention.Inc()
			return nil, &domain.LockHeldError{Name: name, Owner: existing.Owner}
		}

		if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reclaim lock %s: %w", name, err)
		}
		metrics.StaleLocksReclaimed.Inc()
		c.log.Warn("reclaimed stale lock",
			"lock", name, "owner_pid", existing.Owner.PID, "owner_run", existing.Owner.RunID)
	}
	metrics.LockContention.Inc()
	return nil, &domain.LockHeldError{Name: name}
}

// WithResourceLock runs fn while holding the named lock. The lock is
// released on every exit path, panics included.
func (c *Coordinator) WithResourceLock(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	l, err := c.AcquireLock(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, l.Release())
	}()
	return fn(ctx)
}

// HeldLocks returns the names of locks this run holds.
func (c *Coordinator) HeldLocks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.held))
	for name := range c.held {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) release(l *Lock) error {
	c.mu.Lock()
	if c.held[l.name] == l {
		delete(c.held, l.name)
		metrics.LocksHeld.Dec()
	}
	c.mu.Unlock()

	current, err := c.readLock(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err == nil && !current.Owner.Same(c.self):
		c.log.Warn("lock marker now owned by another run", "lock", l.name, "owner_pid", current.Owner.PID)
		return nil
	}
	if err := c.fs.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	c.log.Debug("lock released", "lock", l.name)
	return nil
}

// releaseAll drops every lock this run holds.
func (c *Coordinator) releaseAll() error {
	c.mu.Lock()
	locks := make([]*Lock, 0, len(c.held))
	for _, l := range c.held {
		locks = append(locks, l)
	}
	c.mu.Unlock()

	var errs error
	for _, l := range locks {
		errs = multierr.Append(errs, l.Release())
	}
	return errs
}
