package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidence-on-demand/backend/pkg/config"
	appLogger "github.com/evidence-on-demand/backend/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "evidence-api",
	Short: "Evidence-on-Demand compliance evidence service",
	Long: `Evidence-on-Demand answers natural-language compliance questions by
gathering evidence from connected tools (Jira, GitHub, Google Drive),
recording every question in an audit log, and exporting evidence as CSV
or PDF reports.

Running without a subcommand starts the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: ./config.yaml or ./config/config.yaml)")
}

// loadConfig reads configuration and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}
