package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/logging"

	_ "github.com/hochfrequenz/ftrun/internal/builtin"
)

var (
	settingsPath string
	logLevel     string
	logFormat    string
	rootCmd      = &cobra.Command{
		Use:   "ftrun",
		Short: "ftrun - fine-tuning run orchestrator",
		Long: `ftrun resolves a fine-tuning run configuration and executes exactly one
run mode: dataset preparation, adapter merge, interactive inference,
re-sharding, or training with checkpoint resume and a safe save on
interruption.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	path := settingsPath
	if path == "" {
		path = config.DefaultSettingsPath()
	}
	return config.LoadSettings(path)
}

// setupLogging initializes slog from settings, with flags taking precedence.
func setupLogging(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	levelName, format := s.Log.Level, s.Log.Format
	if logLevel != "" {
		levelName = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logging.Init(level, format)
	return nil
}
