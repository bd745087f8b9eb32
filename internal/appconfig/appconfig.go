// Package appconfig resolves the adapter's configuration (spec.md §6.3)
// through the same defaults -> file -> environment -> CLI override chain
// the upstream config package uses, trimmed to the adapter's flat option
// set (no per-drive sections — there is exactly one repository).
package appconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// appName names the XDG config/data directory (see paths.go).
const appName = "restic-rest-gateway"

// Config holds every option recognised by the adapter (spec.md §6.3).
type Config struct {
	AccessToken       string `toml:"access_token"`
	RefreshToken      string `toml:"refresh_token"`
	RepoPath          string `toml:"repo_path"`
	ListenAddr        string `toml:"listen_addr"`
	LogLevel          string `toml:"log_level"`
	APIBase           string `toml:"api_base"`
	UserAgent         string `toml:"user_agent"`
	CallbackServer    string `toml:"callback_server"`
	DBPath            string `toml:"db_path"`
	ForceCacheRebuild bool   `toml:"force_cache_rebuild"`
}

// Load reads and parses a TOML config file on top of DefaultConfig, so
// fields absent from the file keep their default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("appconfig: reading %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("appconfig: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, but returns DefaultConfig() unchanged
// when path does not exist — the zero-config first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies, in priority order, CLI overrides over environment
// overrides over a loaded (or default) file. Each layer only overwrites a
// field when it actually supplied a value, so a lower layer's setting
// survives untouched otherwise.
func Resolve(cli CLIOverrides, env EnvOverrides) (*Config, error) {
	path := cli.ConfigPath
	if path == "" {
		path = env.ConfigPath
	}

	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	env.applyTo(cfg)
	cli.applyTo(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("appconfig: %w", err)
	}

	return cfg, nil
}
