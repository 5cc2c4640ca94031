package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/autostudy/autostudy/internal/daemon"
)

// buildDaemon loads the config and builds a daemon without starting it.
// The returned closer closes the log file, if any.
func buildDaemon(cmd *cobra.Command) (*daemon.Daemon, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, logCloser, err := daemon.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.NewWithConfig(cmd.Context(), cfg, log)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return d, logCloser, nil
}

// openDaemon is buildDaemon for commands that only read or maintain the
// store. Its close func only closes the store: markers and task states may
// belong to a running daemon.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, func() error, error) {
	d, logCloser, err := buildDaemon(cmd)
	if err != nil {
		return nil, nil, err
	}
	return d, func() error {
		return multierr.Append(d.DB.Close(), logCloser.Close())
	}, nil
}

// ago renders a timestamp relative to now, or "-" when unset.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func percent(p float64) string {
	return fmt.Sprintf("%.0f%%", p)
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
