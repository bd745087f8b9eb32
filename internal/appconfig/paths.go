package appconfig

import (
	"os"
	"path/filepath"
)

const configFileName = "config.toml"

// DefaultConfigDir returns the XDG-compliant config directory, respecting
// XDG_CONFIG_HOME and falling back to ~/.config/restic-rest-gateway.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the XDG-compliant data directory, respecting
// XDG_DATA_HOME and falling back to ~/.local/share/restic-rest-gateway.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath is the fallback config file location when neither
// --config nor RESTIC115_CONFIG is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDBPath is the fallback persistence file location (spec.md §6.4).
func DefaultDBPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, dbFileName)
}
