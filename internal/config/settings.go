package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Settings holds per-user tool settings. Run configuration lives in YAML
// files and is handled by Resolve.
type Settings struct {
	General       GeneralSettings       `toml:"general"`
	Log           LogSettings           `toml:"log"`
	Ledger        LedgerSettings        `toml:"ledger"`
	Notifications NotificationsSettings `toml:"notifications"`
}

// GeneralSettings holds general settings
type GeneralSettings struct {
	ConfigDir string `toml:"config_dir"`
}

// LogSettings selects the log level and handler format.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// LedgerSettings controls the SQLite run ledger.
type LedgerSettings struct {
	Enabled      bool   `toml:"enabled"`
	DatabasePath string `toml:"database_path"`
}

// NotificationsSettings holds notification settings
type NotificationsSettings struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// DefaultSettings returns Settings with sensible defaults
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		General: GeneralSettings{
			ConfigDir: "examples",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		Ledger: LedgerSettings{
			Enabled:      true,
			DatabasePath: filepath.Join(home, ".ftrun", "runs.db"),
		},
	}
}

// LoadSettings reads settings from a TOML file, falling back to defaults
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, s); err != nil {
		return nil, err
	}

	s.General.ConfigDir = ExpandPath(s.General.ConfigDir)
	s.Ledger.DatabasePath = ExpandPath(s.Ledger.DatabasePath)

	return s, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultSettingsPath returns the default settings file location
func DefaultSettingsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ftrun", "settings.toml")
}
