// Command agentloop runs the heartbeat engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentloop/config"
	"github.com/vinayprograms/agentloop/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	logJSON    bool

	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentloop",
	Short: "Heartbeat scheduler and event orchestrator for autonomous agents",
	Long: `agentloop wakes each agent on its heartbeat interval, collects the events
that arrived since its last completed heartbeat, and dispatches them to the
tools subscribed to their event types.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opts := logging.Options{Level: logging.ParseLevel(logLevel)}
		if logJSON {
			opts.Format = "json"
		}
		logger = logging.NewWithOptions(opts)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agentloop.toml", "configuration file (.toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level for CLI output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(runCmd, validateCmd, seedCmd, mentionCmd, feedsCmd, versionCmd)
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
