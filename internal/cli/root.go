// Package cli implements the autostudy command-line interface using Cobra.
// Each subcommand opens the daemon's store directly; only serve runs the
// full lifecycle.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autostudy/autostudy/internal/api"
	"github.com/autostudy/autostudy/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "autostudy",
	Short: "autostudy keeps long-running study tasks alive across crashes",
	Long: `autostudy runs course automation tasks with persistent state.
Tasks checkpoint their progress, failed steps are retried per error class,
and a crashed run is detected and repaired on the next start.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// settings overlays flags and AUTOSTUDY_* environment variables on the
// TOML config file. Keys mirror the TOML layout, so AUTOSTUDY_API_PORT
// sets api.port.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AUTOSTUDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default $AUTOSTUDY_HOME/config.toml)")
	flags.String("data-dir", "", "data directory (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: auto, text or json")

	bindFlag("config", "config")
	bindFlag("node.data_dir", "data-dir")
	bindFlag("logging.level", "log-level")
	bindFlag("logging.format", "log-format")
}

func bindFlag(key, flag string) {
	if err := settings.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	api.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// configPath is the file named by --config or AUTOSTUDY_CONFIG.
func configPath() string {
	if p := settings.GetString("config"); p != "" {
		return p
	}
	return daemon.Path()
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfigFile(configPath())
	if err != nil {
		return cfg, err
	}
	applyOverrides(settings, &cfg)
	return cfg, cfg.Validate()
}

func applyOverrides(v *viper.Viper, cfg *daemon.Config) {
	if v.IsSet("node.data_dir") {
		cfg.Node.DataDir = v.GetString("node.data_dir")
	}
	if v.IsSet("api.host") {
		cfg.API.Host = v.GetString("api.host")
	}
	if v.IsSet("api.port") {
		cfg.API.Port = v.GetInt("api.port")
	}
	if v.IsSet("api.enabled") {
		cfg.API.Enabled = v.GetBool("api.enabled")
	}
	if v.IsSet("tasks.workers") {
		cfg.Tasks.Workers = v.GetInt("tasks.workers")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("logging.file") {
		cfg.Logging.File = v.GetString("logging.file")
	}
	if v.IsSet("telemetry.metrics") {
		cfg.Telemetry.Metrics = v.GetBool("telemetry.metrics")
	}
}
