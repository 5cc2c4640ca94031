package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/autostudy/autostudy/internal/domain"
)

const lockSuffix = ".lock"

// readMarker loads the process marker. ok is false when no marker exists.
func (c *Coordinator) readMarker() (id domain.ProcessIdentity, ok bool, err error) {
	b, err := afero.ReadFile(c.fs, c.cfg.PIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		return id, false, nil
	}
	if err != nil {
		return id, false, fmt.Errorf("read process marker: %w", err)
	}
	if err := json.Unmarshal(b, &id); err != nil {
		return id, true, fmt.Errorf("decode process marker %s: %w", c.cfg.PIDFile, err)
	}
	return id, true, nil
}

// writeMarker replaces the process marker atomically through a rename.
func (c *Coordinator) writeMarker() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	b, err := json.Marshal(c.self)
	if err != nil {
		return err
	}
	tmp := c.cfg.PIDFile + "." + c.self.RunID + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("write process marker: %w", err)
	}
	if err := c.fs.Rename(tmp, c.cfg.PIDFile); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("install process marker: %w", err)
	}
	return nil
}

// removeMarker deletes the marker if this run owns it.
func (c *Coordinator) removeMarker() error {
	id, ok, err := c.readMarker()
	if err != nil || !ok {
		return err
	}
	if !id.Same(c.self) {
		c.log.Warn("process marker belongs to another run, leaving it", "owner_pid", id.PID, "owner_run", id.RunID)
		return nil
	}
	if err := c.fs.Remove(c.cfg.PIDFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove process marker: %w", err)
	}
	return nil
}

// CheckMarker verifies that an operational run still owns the process
// marker. Outside operational it has nothing to check.
func (c *Coordinator) CheckMarker(ctx context.Context) error {
	if c.State() != domain.RunOperational {
		return nil
	}
	id, ok, err := c.readMarker()
	switch {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("process marker %s is missing", c.cfg.PIDFile)
	case !id.Same(c.self):
		return fmt.Errorf("process marker owned by pid %d (run %s)", id.PID, id.RunID)
	}
	return nil
}

// RestoreMarker rewrites a missing or damaged process marker. It refuses to
// overwrite the marker of another live run.
func (c *Coordinator) RestoreMarker(ctx context.Context) error {
	if c.State() != domain.RunOperational {
		return nil
	}
	id, ok, err := c.readMarker()
	if err == nil && ok && !id.Same(c.self) && c.ownerLive(id) {
		return fmt.Errorf("%w: pid %d on %s (run %s)", domain.ErrAlreadyRunning, id.PID, id.Hostname, id.RunID)
	}
	c.log.Warn("restoring process marker", "marker", c.cfg.PIDFile)
	return c.writeMarker()
}

// ownerLive reports whether the run described by id may still be using its
// markers. Identities from another host cannot be checked and count as live
// unless TakeOverForeign was called. A different run that carries this
// process's pid is a leftover from before a pid was recycled.
func (c *Coordinator) ownerLive(id domain.ProcessIdentity) bool {
	switch {
	case id.Same(c.self):
		return true
	case id.Hostname != c.self.Hostname:
		return !c.takeOver.Load()
	case id.PID == c.self.PID:
		return false
	}
	return c.alive(id.PID)
}

// ─── Lock markers ───────────────────────────────────────────────────────────

func (c *Coordinator) lockPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\:`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid lock name %q", name)
	}
	return filepath.Join(c.cfg.LockDir, name+lockSuffix), nil
}

func (c *Coordinator) readLock(path string) (domain.ResourceLock, error) {
	var l domain.ResourceLock
	b, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(b, &l); err != nil {
		return l, fmt.Errorf("decode lock %s: %w", path, err)
	}
	return l, nil
}

// createLock writes a lock marker with O_EXCL. It fails with fs.ErrExist
// when any marker already exists at path.
func (c *Coordinator) createLock(path string, l domain.ResourceLock) error {
	if err := c.fs.MkdirAll(c.cfg.LockDir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(l); err != nil {
		f.Close()
		_ = c.fs.Remove(path)
		return fmt.Errorf("write lock %s: %w", path, err)
	}
	return f.Close()
}

// lockFiles lists the lock markers present on disk.
func (c *Coordinator) lockFiles() ([]string, error) {
	entries, err := afero.ReadDir(c.fs, c.cfg.LockDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		out = append(out, filepath.Join(c.cfg.LockDir, e.Name()))
	}
	return out, nil
}

// staleLocks returns the lock markers whose owner is gone. Unreadable markers
// count as stale.
func (c *Coordinator) staleLocks() ([]string, error) {
	files, err := c.lockFiles()
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, path := range files {
		l, err := c.readLock(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			c.log.Warn("unreadable lock marker", "path", path, "error", err)
			stale = append(stale, path)
			continue
		}
		if c.ownerLive(l.Owner) {
			continue
		}
		stale = append(stale, path)
	}
	return stale, nil
}

func lockName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), lockSuffix)
}
