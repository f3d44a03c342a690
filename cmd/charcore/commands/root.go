package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/pkg/cli"
	"github.com/haivivi/charcore/pkg/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "charcore",
	Short: "Orchestration core of a virtual character",
	Long: `charcore - the orchestration core of a virtual character backend.

A character is driven by jobs: conversation and context updates, operation
loading, configuration changes and responses. Jobs run one at a time; their
progress is broadcast to every listener.

The configuration file defaults to ~/.charcore/config.yaml. A missing file
means the built-in defaults.

Examples:
  # Run the API on :8080 with the default Badger store
  charcore serve

  # List what can be loaded
  charcore capabilities

  # Inspect a remote operation server
  charcore probe http://localhost:9000

  # Query the effective configuration
  charcore config show --query '.operations'`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default ~/.charcore/config.yaml)")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// newLogger returns the process logger. Verbose mode enables debug logs.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the configuration file. Without --config a missing
// default file yields config.Default().
func loadConfig() (config.Config, string, error) {
	path := configPath
	explicit := path != ""
	if !explicit {
		paths, err := cli.NewPaths()
		if err != nil {
			return config.Config{}, "", fmt.Errorf("config not available: %w", err)
		}
		path = paths.ConfigFile()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
		return config.Config{}, path, err
	}
	return cfg, path, nil
}
