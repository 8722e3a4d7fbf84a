package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/tutornet/internal/config"
	"github.com/billm/tutornet/internal/logger"
)

// Version is the tutornet release
var Version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tutornet",
	Short: "Tutornet - messaging backbone for intelligent tutoring modules",
	Long: `Tutornet joins tutoring modules (UMS, LMS, Domain, Pedagogical, Learner,
Sensor, Tutor, Gateway and Monitor) to a message bus. Each module announces
itself on its discovery topic, allocates the modules it needs for a user
session and routes messages to the instances bound to that session.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// initLogger initializes the global logger from the loaded logging section
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file and environment, then applies the
// command line overrides (highest precedence)
func loadConfig(extra config.OverrideOptions) (*config.Config, error) {
	cfg, err := config.LoadPath(cfgFile)
	if err != nil {
		return nil, err
	}

	extra.LogLevel = logLevel
	extra.LogFormat = logFormat
	extra.LogOutput = logOutput
	cfg.ApplyOverrides(extra)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configPath returns the file the reloader watches
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if path, err := config.GetDefaultConfigPath(); err == nil {
		return path
	}
	return "~/.config/tutornet/config.yaml"
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/tutornet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.AddCommand(runCmd, architectureCmd, healthCmd, versionCmd)
}
