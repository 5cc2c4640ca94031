package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().Int("workers", 0, "Concurrent task workers (overrides config)")
	for key, flag := range map[string]string{"api.host": "host", "api.port": "port", "tasks.workers": "workers"} {
		if err := settings.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon and its HTTP API",
	Long: `Run the daemon in the foreground. On start it checks for a crashed
previous run and recovers it, then resumes interrupted tasks and serves the
status API until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, logCloser, err := buildDaemon(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	return d.Serve(cmd.Context())
}
