package appconfig

import (
	"fmt"
	"io"
)

// redacted replaces a non-empty secret with a fixed placeholder so "config
// show" never prints a usable token to a terminal, log, or bug report.
const redacted = "<redacted>"

// Show writes the effective configuration to w, redacting both tokens.
func Show(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("access_token        = %s\n", maskedOrEmpty(cfg.AccessToken))
	ew.printf("refresh_token       = %s\n", maskedOrEmpty(cfg.RefreshToken))
	ew.printf("repo_path           = %q\n", cfg.RepoPath)
	ew.printf("listen_addr         = %q\n", cfg.ListenAddr)
	ew.printf("log_level           = %q\n", cfg.LogLevel)
	ew.printf("api_base            = %q\n", cfg.APIBase)
	ew.printf("user_agent          = %q\n", cfg.UserAgent)
	ew.printf("callback_server     = %q\n", cfg.CallbackServer)
	ew.printf("db_path             = %q\n", cfg.DBPath)
	ew.printf("force_cache_rebuild = %t\n", cfg.ForceCacheRebuild)

	return ew.err
}

func maskedOrEmpty(v string) string {
	if v == "" {
		return `""`
	}

	return redacted
}

// errWriter wraps an io.Writer and captures the first write error so
// callers can chain printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
