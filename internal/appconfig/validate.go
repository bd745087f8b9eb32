package appconfig

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks the fully-resolved config for the preconditions the
// rest of the adapter assumes.
func Validate(cfg *Config) error {
	if cfg.RefreshToken == "" && cfg.AccessToken == "" {
		return fmt.Errorf("at least one of access_token or refresh_token must be set")
	}

	if !strings.HasPrefix(cfg.RepoPath, "/") {
		return fmt.Errorf("repo_path %q must be an absolute remote path", cfg.RepoPath)
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", cfg.ListenAddr, err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug|info|warn|error", cfg.LogLevel)
	}

	if cfg.APIBase == "" {
		return fmt.Errorf("api_base must not be empty")
	}

	if cfg.DBPath == "" {
		return fmt.Errorf("db_path must not be empty (could not determine a default — set it explicitly)")
	}

	return nil
}
