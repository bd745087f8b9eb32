// Package store implements the Persistence Layer (C7): an embedded SQLite
// database holding the singleton token record and the file-node cache,
// opened with the WAL pragmas spec.md §4.7 requires. It also provides the
// two distinct write shapes §4.3/§4.4 depend on — a replace-subtree bulk
// write for directory listings, and a surgical per-row upsert for upload
// reconciliation — kept as separate methods per spec.md §9's warning that
// conflating them is a latent bug (wipes siblings).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database handle and is the only thing internal/cache,
// internal/token, and internal/upload talk to for durability.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path, applies pragmas and
// migrations, and returns a ready Store. Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening metadata database", slog.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// setPragmas configures SQLite per spec.md §4.7: WAL journal mode, NORMAL
// synchronous (restic's own blobs are content-addressed and re-fetchable,
// unlike a sync client's irreplaceable local edits, so NORMAL suffices
// here where the teacher's sync engine used FULL), in-memory temp storage,
// a generous page cache, and a large mmap window.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -256000",
		"PRAGMA mmap_size = 268435456",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: applying %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies embedded SQL migrations via goose's provider API,
// grounded on the same pattern the teacher uses for its own sync-state
// database (internal/sync/migrations.go).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
