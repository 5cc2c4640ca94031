package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/autostudy/autostudy/internal/app/tasks"
	"github.com/autostudy/autostudy/internal/domain"
)

func init() {
	tasksListCmd.Flags().StringSlice("status", nil, "Only tasks in these statuses")
	tasksListCmd.Flags().String("type", "", "Only tasks of this type")
	tasksListCmd.Flags().Int("limit", 0, "Maximum number of tasks (0 for all)")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksResumableCmd, tasksStatsCmd, tasksPauseCmd, tasksRmCmd)
	rootCmd.AddCommand(tasksCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage persisted tasks",
}

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	RunE:    runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task with its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksResumableCmd = &cobra.Command{
	Use:   "resumable",
	Short: "List tasks that can be resumed",
	Args:  cobra.NoArgs,
	RunE:  runTasksResumable,
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status and type",
	Args:  cobra.NoArgs,
	RunE:  runTasksStats,
}

var tasksPauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksPause,
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a completed or terminally failed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRm,
}

// withStore runs fn against a store opened for the command.
func withStore(cmd *cobra.Command, fn func(*storeCtx) error) (err error) {
	d, closeFn, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); err == nil {
			err = cerr
		}
	}()
	return fn(&storeCtx{out: cmd.OutOrStdout(), tasks: d.Tasks})
}

type storeCtx struct {
	out   io.Writer
	tasks *tasks.Manager
}

func runTasksList(cmd *cobra.Command, args []string) error {
	f, err := taskFilter(cmd)
	if err != nil {
		return err
	}
	return withStore(cmd, func(s *storeCtx) error {
		list, err := s.tasks.ListTasks(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(s.out, "No tasks.")
			return nil
		}
		return printTasks(s.out, list)
	})
}

func taskFilter(cmd *cobra.Command) (domain.TaskFilter, error) {
	var f domain.TaskFilter
	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, raw := range statuses {
		st, err := domain.ParseTaskStatus(strings.TrimSpace(raw))
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Type, _ = cmd.Flags().GetString("type")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if f.Limit < 0 {
		return f, fmt.Errorf("--limit must not be negative")
	}
	return f, nil
}

func printTasks(out io.Writer, list []domain.Task) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tRETRIES\tCHECKPOINT\tUPDATED")
	for _, t := range list {
		status := string(t.Status)
		if t.Terminal {
			status += " (terminal)"
		}
		step := "-"
		if t.Checkpoint != nil {
			step = fmt.Sprintf("%s #%d", t.Checkpoint.Step, t.Checkpoint.StepIndex)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Type, status, percent(t.Progress), t.RetryCount, step, ago(t.UpdatedAt))
	}
	return w.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s *storeCtx) error {
		t, err := s.tasks.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printf(s.out, "ID:          %s\n", t.ID)
		printf(s.out, "Type:        %s\n", t.Type)
		printf(s.out, "Status:      %s\n", t.Status)
		printf(s.out, "Terminal:    %t\n", t.Terminal)
		printf(s.out, "Resumable:   %t\n", t.CanResume())
		printf(s.out, "Progress:    %s\n", percent(t.Progress))
		printf(s.out, "Retries:     %d\n", t.RetryCount)
		if t.LastError != "" {
			printf(s.out, "Last error:  %s\n", t.LastError)
		}
		printf(s.out, "Created:     %s (%s)\n", t.CreatedAt.Format("2006-01-02 15:04:05"), ago(t.CreatedAt))
		printf(s.out, "Updated:     %s (%s)\n", t.UpdatedAt.Format("2006-01-02 15:04:05"), ago(t.UpdatedAt))
		if t.Checkpoint != nil {
			printf(s.out, "Checkpoint:  %s #%d, %s\n", t.Checkpoint.Step, t.Checkpoint.StepIndex, ago(t.Checkpoint.Timestamp))
			printRaw(s.out, "  data", t.Checkpoint.Data)
		}
		printRaw(s.out, "Payload", t.Payload)
		printRaw(s.out, "Result", t.Result)
		return nil
	})
}

func printRaw(out io.Writer, label string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	printf(out, "%-12s %s\n", label+":", raw)
}

func runTasksResumable(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s *storeCtx) error {
		list, err := s.tasks.GetResumableTasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(s.out, "No resumable tasks.")
			return nil
		}
		return printTasks(s.out, list)
	})
}

func runTasksStats(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s *storeCtx) error {
		st, err := s.tasks.GetTaskStatistics(cmd.Context())
		if err != nil {
			return err
		}
		printf(s.out, "Total:      %d\n", st.Total)
		printf(s.out, "Resumable:  %d\n", st.Resumable)
		printf(s.out, "Terminal:   %d\n", st.Terminal)
		if len(st.ByType) == 0 {
			return nil
		}

		types := make([]string, 0, len(st.ByType))
		for t := range st.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprintln(s.out)
		w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tCOUNT")
		for _, t := range types {
			fmt.Fprintf(w, "%s\t%d\n", t, st.ByType[t])
		}
		return w.Flush()
	})
}

func runTasksPause(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s *storeCtx) error {
		if err := s.tasks.PauseTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		printf(s.out, "Paused %s\n", args[0])
		return nil
	})
}

func runTasksRm(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s *storeCtx) error {
		if err := s.tasks.DeleteTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		printf(s.out, "Deleted %s\n", args[0])
		return nil
	})
}
