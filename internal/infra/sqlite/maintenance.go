package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ─── Maintenance ────────────────────────────────────────────────────────────
// Backup, Compact and Stats are maintenance-window operations. Compact in
// particular blocks every new write transaction until it returns.

// Backup writes a consistent snapshot of the database to dest using
// VACUUM INTO. A ".zst" suffix compresses the snapshot with zstd.
// dest must not already exist.
func (d *DB) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	compress := strings.HasSuffix(dest, ".zst")
	snapshot := dest
	if compress {
		snapshot = strings.TrimSuffix(dest, ".zst") + fmt.Sprintf(".%d.tmp", time.Now().UnixNano())
		defer os.Remove(snapshot)
	}

	start := time.Now()
	if _, err := d.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	if compress {
		if err := compressFile(snapshot, dest); err != nil {
			os.Remove(dest)
			return fmt.Errorf("compress backup: %w", err)
		}
	}

	d.log.Info("backup written", "dest", dest, "compressed", compress, "duration", time.Since(start))
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// ExpandBackup decompresses a ".zst" backup into a plain database file.
func ExpandBackup(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := dec.WriteTo(out); err != nil {
		return err
	}
	return out.Sync()
}

// Compact rebuilds the database file and truncates the WAL.
// It blocks new write transactions for its duration; do not call it from a
// hot path.
func (d *DB) Compact(ctx context.Context) error {
	d.maint.Lock()
	defer d.maint.Unlock()

	start := time.Now()
	before, _ := fileSize(d.path)
	if _, err := d.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	after, _ := fileSize(d.path)

	d.log.Info("database compacted",
		"bytes_before", before, "bytes_after", after, "duration", time.Since(start))
	return nil
}

// Stats summarizes table sizes and on-disk footprint.
type Stats struct {
	Path      string           `json:"path"`
	Tables    map[string]int64 `json:"tables"`
	FileBytes int64            `json:"file_bytes"`
	WALBytes  int64            `json:"wal_bytes"`
	PageCount int64            `json:"page_count"`
	PageSize  int64            `json:"page_size"`
}

var statTables = []string{"task_states", "sessions", "recovery_logs", "settings", "task_quarantine"}

// Stats returns row counts per table and file sizes.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Path: d.path, Tables: make(map[string]int64, len(statTables))}
	for _, table := range statTables {
		var n int64
		if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return s, fmt.Errorf("count %s: %w", table, err)
		}
		s.Tables[table] = n
	}
	if err := d.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&s.PageCount); err != nil {
		return s, err
	}
	if err := d.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&s.PageSize); err != nil {
		return s, err
	}
	s.FileBytes, _ = fileSize(d.path)
	s.WALBytes, _ = fileSize(d.path + "-wal")
	return s, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
