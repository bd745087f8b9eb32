package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open115/restic-rest-gateway/internal/appconfig"
)

func TestBuildLogger_DefaultIsInfo(t *testing.T) {
	logger := buildLogger(appconfig.DefaultConfig())

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_DebugLevel(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.LogLevel = "debug"

	logger := buildLogger(cfg)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ErrorLevelSuppressesWarn(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.LogLevel = "error"

	logger := buildLogger(cfg)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}

	assert.True(t, names["serve"])
	assert.True(t, names["config"])
	assert.True(t, names["reload"])
}

func TestLoadConfig_PopulatesCLIContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`refresh_token = "rt-1"`), 0o600))

	t.Cleanup(func() { flagConfigPath = "" })
	flagConfigPath = path

	cmd := newRootCmd()
	cmd.SetContext(context.Background())

	require.NoError(t, cmd.PersistentPreRunE(cmd, nil))

	cc := cliContextFrom(cmd.Context())
	require.NotNil(t, cc)
	assert.Equal(t, "rt-1", cc.Cfg.RefreshToken)
}
