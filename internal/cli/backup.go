package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	backupCmd.Flags().Bool("plain", false, "Write an uncompressed database file")
	rootCmd.AddCommand(backupCmd, compactCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup [DEST]",
	Short: "Write a consistent snapshot of the store",
	Long: `Write a snapshot of the store. DEST defaults to a timestamped file in the
configured backup directory. A ".zst" suffix compresses the snapshot.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rebuild the store file and truncate its WAL",
	Long: `Rebuild the store file and truncate its WAL. Writers are blocked while
this runs; prefer a quiet moment when the daemon is serving.`,
	Args: cobra.NoArgs,
	RunE: runCompact,
}

func runBackup(cmd *cobra.Command, args []string) (err error) {
	d, closeFn, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); err == nil {
			err = cerr
		}
	}()

	dest := ""
	if len(args) == 1 {
		dest = args[0]
	} else {
		plain, _ := cmd.Flags().GetBool("plain")
		ext := ".db.zst"
		if plain {
			ext = ".db"
		}
		dest = filepath.Join(d.Config.Store.BackupDir, "autostudy-"+time.Now().UTC().Format("20060102-150405")+ext)
	}

	if err := d.DB.Backup(cmd.Context(), dest); err != nil {
		return err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Backup written to %s (%s)\n", dest, humanBytes(info.Size()))
	return nil
}

func runCompact(cmd *cobra.Command, args []string) (err error) {
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

	before, err := d.DB.Stats(ctx)
	if err != nil {
		return err
	}
	if err := d.DB.Compact(ctx); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	after, err := d.DB.Stats(ctx)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Compacted %s: %s -> %s\n", after.Path,
		humanBytes(before.FileBytes+before.WALBytes), humanBytes(after.FileBytes+after.WALBytes))
	return nil
}
