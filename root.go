package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/open115/restic-rest-gateway/internal/appconfig"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath        string
	flagAccessToken       string
	flagRefreshToken      string
	flagRepoPath          string
	flagListenAddr        string
	flagLogLevel          string
	flagAPIBase           string
	flagUserAgent         string
	flagCallbackServer    string
	flagDBPath            string
	flagForceCacheRebuild bool
)

// skipConfigAnnotation marks commands that must not fail just because no
// token is configured yet (there are none today, but the hook mirrors the
// upstream CLI's shape for when one is added).
const skipConfigAnnotation = "skipConfig"

// cliContextKey is the context key CLIContext is stored under.
type cliContextKey struct{}

// CLIContext bundles the resolved config and logger, built once in
// PersistentPreRunE so RunE handlers never repeat config resolution.
type CLIContext struct {
	Cfg    *appconfig.Config
	Logger *slog.Logger
}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)

	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading and runs through PersistentPreRunE")
	}

	return cc
}

// newRootCmd builds the fully-assembled root command with all subcommands
// registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "restic-rest-gateway",
		Short:         "restic REST v2 gateway backed by 115 Open Platform storage",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccessToken, "access-token", "", "seed access token")
	cmd.PersistentFlags().StringVar(&flagRefreshToken, "refresh-token", "", "seed refresh token")
	cmd.PersistentFlags().StringVar(&flagRepoPath, "repo-path", "", "repository root on the remote")
	cmd.PersistentFlags().StringVar(&flagListenAddr, "listen-addr", "", "REST bind address")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "minimum log severity")
	cmd.PersistentFlags().StringVar(&flagAPIBase, "api-base", "", "provider API origin")
	cmd.PersistentFlags().StringVar(&flagUserAgent, "user-agent", "", "outbound User-Agent")
	cmd.PersistentFlags().StringVar(&flagCallbackServer, "callback-server", "", "documentation-only: where to obtain seed tokens")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db-path", "", "persistence file path")
	cmd.PersistentFlags().BoolVar(&flagForceCacheRebuild, "force-cache-rebuild", false, "replace cached subtrees even when rows exist")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the three-layer
// override chain and stores the result in the command's context.
func loadConfig(cmd *cobra.Command) error {
	cli := appconfig.CLIOverrides{
		ConfigPath:     flagConfigPath,
		AccessToken:    flagAccessToken,
		RefreshToken:   flagRefreshToken,
		RepoPath:       flagRepoPath,
		ListenAddr:     flagListenAddr,
		LogLevel:       flagLogLevel,
		APIBase:        flagAPIBase,
		UserAgent:      flagUserAgent,
		CallbackServer: flagCallbackServer,
		DBPath:         flagDBPath,
	}

	if cmd.Flags().Changed("force-cache-rebuild") {
		v := flagForceCacheRebuild
		cli.ForceCacheRebuild = &v
	}

	env := appconfig.ReadEnvOverrides()

	cfg, err := appconfig.Resolve(cli, env)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg)
	cc := &CLIContext{Cfg: cfg, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger builds an slog.Logger at cfg's configured level. Output goes
// to stderr as text when attached to a terminal, and as JSON otherwise —
// the common shape for a daemon whose stderr is captured by a log
// aggregator rather than read by a human.
func buildLogger(cfg *appconfig.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
