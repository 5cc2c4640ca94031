package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/autostudy/autostudy/internal/app/recovery"
	"github.com/autostudy/autostudy/internal/domain"
)

func init() {
	recoverCmd.Flags().Bool("force", false, "Run recovery even when no crash is detected")
	recoverCmd.Flags().Bool("take-over", false, "Reclaim markers left by an instance on another host")
	recoverCmd.Flags().Bool("json", false, "Print the recovery session as JSON")
	rootCmd.AddCommand(recoverCmd)
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair the state left behind by a crashed run",
	Long: `Detect whether the previous run crashed and, if so, recover it without
starting the daemon: stale locks and temp files are removed and interrupted
tasks are reconciled. Refuses to run while another instance is live.

Markers written under a different hostname cannot be checked and block every
start. When that host is known to be gone, for example a replaced container
sharing this data dir, --take-over reclaims them.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) (err error) {
	force, _ := cmd.Flags().GetBool("force")
	takeOver, _ := cmd.Flags().GetBool("take-over")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	d, logCloser, err := buildDaemon(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := cmd.Context()
	if takeOver {
		d.Recovery.TakeOverForeign()
	}
	crashed, err := d.Recovery.DetectCrashOnStartup(ctx)
	if err != nil {
		d.DB.Close()
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return fmt.Errorf("%w; stop it before recovering, or use --take-over if its host is gone", err)
		}
		return err
	}
	if !crashed && !force {
		fmt.Fprintln(out, "No crash detected. Use --force to recover anyway.")
		return d.DB.Close()
	}

	var s recovery.RecoverySession
	if crashed {
		s = d.Recovery.RecoverFromCrash(ctx)
	} else {
		s = d.Recovery.ForceRecovery(ctx)
	}
	// Take the marker over so the shutdown below records a clean stop and
	// the next start does not see the crashed run again.
	if err := d.Recovery.StartNormalOperation(ctx); err != nil {
		d.Close()
		return err
	}
	if err := d.Close(); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return printSession(out, s)
}

func printSession(out io.Writer, s recovery.RecoverySession) error {
	printf(out, "Session:   %s (%s)\n", s.ID, s.Kind)
	printf(out, "Status:    %s\n", s.Status)
	if len(s.Reasons) > 0 {
		printf(out, "Reasons:   %s\n", strings.Join(s.Reasons, "; "))
	}
	printf(out, "Took:      %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	printf(out, "Recovered: %d\n", s.Recovered)
	printf(out, "Failed:    %d\n", s.Failed)
	printf(out, "Locks:     %d released\n", len(s.ReleasedLocks))
	printf(out, "Files:     %d removed\n", len(s.RemovedFiles))
	for _, e := range s.HandlerErrors {
		printf(out, "Handler:   %s\n", e)
	}
	for _, e := range s.Errors {
		printf(out, "Error:     %s\n", e)
	}

	if len(s.Tasks) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tSTATUS\tRECOVERED\tERROR")
	for _, t := range s.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.TaskID, t.TaskType, t.Status, t.Recovered, t.Error)
	}
	return w.Flush()
}
