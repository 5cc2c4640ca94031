package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cleanCmd.Flags().Duration("keep", 0, "Keep completed tasks younger than this (default from config)")
	rootCmd.AddCommand(cleanCmd)
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Purge old completed tasks and expired sessions",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

func runClean(cmd *cobra.Command, args []string) (err error) {
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

	keep := d.Config.Tasks.KeepCompleted
	if cmd.Flags().Changed("keep") {
		keep, _ = cmd.Flags().GetDuration("keep")
	}
	purged, err := d.Tasks.CleanCompletedTasks(ctx, keep)
	if err != nil {
		return err
	}
	expired, err := d.Sessions.CleanupExpired(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printf(out, "Purged %d completed task(s) older than %s\n", purged, keep.Round(time.Second))
	printf(out, "Removed %d expired session(s)\n", expired)
	return nil
}
