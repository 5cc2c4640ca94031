package cli

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/autostudy/autostudy/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, task and store status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) (err error) {
	d, closeFn, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); err == nil {
			err = cerr
		}
	}()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	daemonState := "stopped"
	crashed, derr := d.Recovery.DetectCrashOnStartup(ctx)
	switch {
	case errors.Is(derr, domain.ErrAlreadyRunning):
		daemonState = "running"
	case derr != nil:
		return derr
	case crashed:
		daemonState = "crashed (run 'autostudy recover')"
	}

	rs, err := d.Recovery.GetRecoveryStatistics(ctx)
	if err != nil {
		return err
	}
	ts, err := d.Tasks.GetTaskStatistics(ctx)
	if err != nil {
		return err
	}
	ss, err := d.DB.Stats(ctx)
	if err != nil {
		return err
	}

	printf(out, "Daemon:         %s\n", daemonState)
	printf(out, "Data dir:       %s\n", d.Config.Node.DataDir)
	printf(out, "Store:          %s (%s, WAL %s)\n", ss.Path, humanBytes(ss.FileBytes), humanBytes(ss.WALBytes))
	printf(out, "Last recovery:  %s\n", ago(rs.LastRecovery))
	printf(out, "Last shutdown:  %s\n", ago(rs.LastCleanShutdown))
	printf(out, "Recent events:  %d in the last %s\n", rs.TotalEvents, rs.Window)
	printf(out, "Tasks:          %d total, %d resumable, %d terminal\n", ts.Total, ts.Resumable, ts.Terminal)

	if len(ts.ByStatus) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	statuses := make([]string, 0, len(ts.ByStatus))
	for s := range ts.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, ts.ByStatus[domain.TaskStatus(s)])
	}
	return w.Flush()
}
