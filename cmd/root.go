package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string // Path to the YAML configuration file
	logLevel   string // Log verbosity level
	listenAddr string // HTTP bind address, overrides the config file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Cost-aware model-request scheduler with a multi-tier response cache",
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging applies the --log flag before any subcommand runs.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "scheduler.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP bind address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}
