package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/open115/restic-rest-gateway/internal/appconfig"
	"github.com/open115/restic-rest-gateway/internal/cache"
	"github.com/open115/restic-rest-gateway/internal/oclient"
	"github.com/open115/restic-rest-gateway/internal/repo"
	"github.com/open115/restic-rest-gateway/internal/restserver"
	"github.com/open115/restic-rest-gateway/internal/store"
	"github.com/open115/restic-rest-gateway/internal/token"
	"github.com/open115/restic-rest-gateway/internal/upload"
	"github.com/open115/restic-rest-gateway/internal/urlcache"
)

// shutdownTimeout bounds how long the server waits for in-flight requests
// to drain on SIGINT/SIGTERM before the process exits.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the REST surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return runServe(cmd.Context(), cc)
		},
	}
}

func runServe(ctx context.Context, cc *CLIContext) error {
	logger := cc.Logger
	cfg := cc.Cfg

	cleanup, err := writePIDFile(pidFilePath(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	seed, err := s.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("loading seed token: %w", err)
	}

	if seed.AccessToken == "" {
		seed.AccessToken = cfg.AccessToken
	}

	if seed.RefreshToken == "" {
		seed.RefreshToken = cfg.RefreshToken
	}

	tokenMgr := token.New(seed, s, nil, cfg.UserAgent, logger)
	client := oclient.New(cfg.APIBase, nil, tokenMgr, cfg.UserAgent, logger)
	c := cache.New(s, client, logger)
	uploader := upload.New(client, nil, s, c, logger)
	r := repo.New(c, uploader, client, urlcache.New(0, 0))

	rootID, err := c.EnsurePath(ctx, cfg.RepoPath, true)
	if err != nil {
		return fmt.Errorf("resolving repository root %s: %w", cfg.RepoPath, err)
	}

	c.SetRoot(rootID)

	logger.Info("repository root resolved", slog.String("path", cfg.RepoPath), slog.String("file_id", rootID))

	if err := c.WarmCache(ctx, cfg.ForceCacheRebuild); err != nil {
		return fmt.Errorf("warming cache: %w", err)
	}

	nodes, err := s.AllNodes(ctx)
	if err != nil {
		return fmt.Errorf("summarizing cache: %w", err)
	}

	var totalSize uint64
	for _, n := range nodes {
		if !n.IsDir {
			totalSize += uint64(n.Size)
		}
	}

	logger.Info("cache warmed",
		slog.Int("entries", len(nodes)),
		slog.String("total_size", humanize.Bytes(totalSize)),
	)

	ignoreSIGHUP(logger)

	handler := restserver.New(r, nil, logger).Handler()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	shutdownCtx := shutdownContext(ctx, logger)

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-shutdownCtx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return httpServer.Shutdown(shutCtx)
}

// pidFilePath derives the daemon's pidfile path from the database file's
// directory, so the two always live alongside each other.
func pidFilePath(cfg *appconfig.Config) string {
	return filepath.Join(filepath.Dir(cfg.DBPath), "restic-rest-gateway.pid")
}
