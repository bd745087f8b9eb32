package store

import (
	"context"
	"fmt"
)

// FileNode mirrors the "File node" data model entry (spec.md §3), unique
// by remote FileID.
type FileNode struct {
	FileID   string
	ParentID string
	Name     string
	IsDir    bool
	Size     int64
	PickCode string
}

// ReplaceSubtree deletes every row with parent_id == dirID and inserts
// nodes in its place, atomically. This is the bulk write a directory
// listing uses (spec.md §4.3) — it must never be used for surgical
// single-row inserts, since it wipes unrelated siblings that simply
// weren't part of the listing result being applied.
func (s *Store) ReplaceSubtree(ctx context.Context, dirID string, nodes []FileNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: replace subtree: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_nodes WHERE parent_id = ?`, dirID); err != nil {
		return fmt.Errorf("store: replace subtree: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_nodes (file_id, parent_id, name, is_dir, size, pick_code)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: replace subtree: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, n.FileID, n.ParentID, n.Name, boolToInt(n.IsDir), n.Size, n.PickCode); err != nil {
			return fmt.Errorf("store: replace subtree: insert %s: %w", n.FileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: replace subtree: commit: %w", err)
	}

	return nil
}

// UpsertNode inserts or updates exactly one row by file_id, touching no
// other row in the same parent directory. This is the surgical write the
// upload state machine's reconciliation step uses (spec.md §4.4) — unlike
// ReplaceSubtree, it must never be used for a fresh directory listing.
func (s *Store) UpsertNode(ctx context.Context, n FileNode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_nodes (file_id, parent_id, name, is_dir, size, pick_code)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			is_dir = excluded.is_dir,
			size = excluded.size,
			pick_code = excluded.pick_code
	`, n.FileID, n.ParentID, n.Name, boolToInt(n.IsDir), n.Size, n.PickCode)
	if err != nil {
		return fmt.Errorf("store: upserting node %s: %w", n.FileID, err)
	}

	return nil
}

// DeleteNode removes a single row by file_id. Deleting an absent row is
// not an error — deletion is idempotent (spec.md §5).
func (s *Store) DeleteNode(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_nodes WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("store: deleting node %s: %w", fileID, err)
	}

	return nil
}

// ListChildren returns every cached row with the given parent_id, in no
// particular order — callers needing the D1 tie-break use FindChild.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]FileNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, parent_id, name, is_dir, size, pick_code FROM file_nodes WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: listing children of %s: %w", parentID, err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// FindChild returns the cached child of parentID with the given name. Per
// D1, when more than one row shares the name (a transient upstream
// duplicate), the one with the lexicographically greatest file_id wins.
func (s *Store) FindChild(ctx context.Context, parentID, name string) (*FileNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, parent_id, name, is_dir, size, pick_code
		FROM file_nodes WHERE parent_id = ? AND name = ?
		ORDER BY file_id DESC LIMIT 1
	`, parentID, name)

	var n FileNode

	var isDir int

	if err := row.Scan(&n.FileID, &n.ParentID, &n.Name, &isDir, &n.Size, &n.PickCode); err != nil {
		if isNoRows(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("store: finding child %s/%s: %w", parentID, name, err)
	}

	n.IsDir = isDir != 0

	return &n, nil
}

// SiblingsWithOlderID returns every cached row sharing (parentID, name)
// whose file_id differs from keepFileID — the candidates the upload
// state machine's reconciliation step asynchronously deletes (spec.md
// §4.4 S_RECONCILE).
func (s *Store) SiblingsWithOlderID(ctx context.Context, parentID, name, keepFileID string) ([]FileNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, parent_id, name, is_dir, size, pick_code
		FROM file_nodes WHERE parent_id = ? AND name = ? AND file_id != ?
	`, parentID, name, keepFileID)
	if err != nil {
		return nil, fmt.Errorf("store: listing stale siblings of %s/%s: %w", parentID, name, err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// AllNodes returns every cached row — used by cache.VerifyNoDanglingParents
// (spec.md P5) and by tests.
func (s *Store) AllNodes(ctx context.Context) ([]FileNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, parent_id, name, is_dir, size, pick_code FROM file_nodes`)
	if err != nil {
		return nil, fmt.Errorf("store: listing all nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

func scanNodes(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
},
) ([]FileNode, error) {
	var out []FileNode

	for rows.Next() {
		var n FileNode

		var isDir int

		if err := rows.Scan(&n.FileID, &n.ParentID, &n.Name, &isDir, &n.Size, &n.PickCode); err != nil {
			return nil, fmt.Errorf("store: scanning node row: %w", err)
		}

		n.IsDir = isDir != 0
		out = append(out, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating node rows: %w", err)
	}

	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}
