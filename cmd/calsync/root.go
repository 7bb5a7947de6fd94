package main

import (
	"io"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	appLog "calsync/internal/log"
)

const version = "0.1.0-dev"

var (
	configPath string
	logLevel   string

	// logCloser releases the rotating log file, if any.
	logCloser io.Closer = io.NopCloser(nil)
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Calendar store with ICS import and a websocket bridge",
	Long: `calsync keeps events, busytimes and alarms in a local SQLite store.

Subcommands:
  serve    Open the store, sync subscriptions on a schedule and serve the bridge
  import   Import an .ics file into a calendar`,
	Version:       version,
	SilenceUsage:  true,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logCloser.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, error); overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig reads the config file and configures logging from it.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return nil, err
	}
	if logLevel != "" {
		conf.Log.Level = logLevel
	}
	logCloser = appLog.Configure(appLog.Options{
		Level:      conf.Log.Level,
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
	})
	return conf, nil
}
