// Package cache implements the Metadata Cache & Path Resolver (C3): it
// translates slash-paths into remote file_ids, lists and finds children by
// name, and keeps a local read-through view of the remote tree backed by
// internal/store. Reads never silently hit the network; only warm_cache
// and ensure_path do, and only when the caller asks for it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/open115/restic-rest-gateway/internal/errs"
	"github.com/open115/restic-rest-gateway/internal/oclient"
	"github.com/open115/restic-rest-gateway/internal/store"
)

// RootID is the literal remote root id (D2). It is never stored as a row.
const RootID = "0"

const listPageLimit = 1150

// StandardSubdirs are the five flat top-level directories every restic
// repository lays out under its root.
var StandardSubdirs = []string{"keys", "locks", "snapshots", "index", "data"}

// NodeStore is the subset of store.Store the cache depends on, narrowed so
// tests can substitute an in-memory fake without pulling in SQLite.
type NodeStore interface {
	ReplaceSubtree(ctx context.Context, dirID string, nodes []store.FileNode) error
	UpsertNode(ctx context.Context, n store.FileNode) error
	DeleteNode(ctx context.Context, fileID string) error
	ListChildren(ctx context.Context, parentID string) ([]store.FileNode, error)
	FindChild(ctx context.Context, parentID, name string) (*store.FileNode, error)
	SiblingsWithOlderID(ctx context.Context, parentID, name, keepFileID string) ([]store.FileNode, error)
}

// Cache is the C3 component: a read-through path resolver over NodeStore,
// warmed and refreshed from the upstream listing API via an oclient.Client.
type Cache struct {
	store  NodeStore
	client *oclient.Client
	logger *slog.Logger

	// root is the file_id every relative path is resolved against. Empty
	// means "the literal remote root" (RootID) — the zero value is the
	// correct default for callers that haven't configured a repo_path
	// below the account root yet.
	root string
}

// New builds a Cache over the given store and authenticated client,
// resolving paths against the literal remote root. Callers that need
// paths resolved under a configured repository root call SetRoot once
// that root's file_id has been resolved (see EnsurePath).
func New(s NodeStore, client *oclient.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{store: s, client: client, logger: logger}
}

// SetRoot repurposes the cache to resolve every relative path (FindPathID,
// EnsurePath, WarmCache) under fileID instead of the literal remote root.
// Callers resolve the configured repo_path once against the unconfigured
// cache (root defaults to RootID) and then call SetRoot with the result,
// so every subsequent repository-relative operation — "keys", "locks",
// "data/ab" and so on — lands under that path instead of the account root.
func (c *Cache) SetRoot(fileID string) {
	c.root = fileID
}

// Root returns the file_id relative paths currently resolve against.
func (c *Cache) Root() string {
	return c.effectiveRoot()
}

func (c *Cache) effectiveRoot() string {
	if c.root == "" {
		return RootID
	}

	return c.root
}

// FindPathID walks path component-by-component from the cache's configured
// root, consulting only cached children. It never hits the network and
// returns ok=false as soon as any component is missing from the cache.
func (c *Cache) FindPathID(ctx context.Context, path string) (fileID string, ok bool, err error) {
	parts := splitPath(path)
	cur := c.effectiveRoot()

	for _, part := range parts {
		child, err := c.store.FindChild(ctx, cur, part)
		if err != nil {
			return "", false, err
		}

		if child == nil {
			return "", false, nil
		}

		cur = child.FileID
	}

	return cur, true, nil
}

// EnsurePath walks path, creating any missing directory component remotely.
// checkRemoteBeforeCreate controls whether a fresh listing of the parent is
// fetched before deciding a component is truly missing: true for the
// repository root at startup, false on the hot upload path where a
// create-then-reconcile is cheaper than an extra round trip.
func (c *Cache) EnsurePath(ctx context.Context, path string, checkRemoteBeforeCreate bool) (string, error) {
	parts := splitPath(path)
	cur := c.effectiveRoot()

	for _, part := range parts {
		child, err := c.store.FindChild(ctx, cur, part)
		if err != nil {
			return "", err
		}

		if child == nil && checkRemoteBeforeCreate {
			if err := c.refreshDir(ctx, cur); err != nil {
				return "", err
			}

			child, err = c.store.FindChild(ctx, cur, part)
			if err != nil {
				return "", err
			}
		}

		if child == nil {
			id, err := c.createDir(ctx, cur, part)
			if err != nil {
				return "", err
			}

			cur = id

			continue
		}

		cur = child.FileID
	}

	return cur, nil
}

// ListFiles returns the currently cached children of dirID. Pure local
// read; callers wanting a fresh listing use RefreshDir.
func (c *Cache) ListFiles(ctx context.Context, dirID string) ([]store.FileNode, error) {
	return c.store.ListChildren(ctx, dirID)
}

// FindFile performs a local exact-name lookup, applying the D1 tie-break
// (greatest file_id wins) when duplicate siblings are cached.
func (c *Cache) FindFile(ctx context.Context, dirID, name string) (*store.FileNode, error) {
	return c.store.FindChild(ctx, dirID, name)
}

// WarmCache performs a bounded BFS of the repository subtree: the root, the
// five standard subdirectories, and every two-hex-digit data shard. When
// forceRebuild is false and a directory already has cached children, the
// cache is left untouched for that directory; otherwise a fresh listing is
// fetched and saved.
func (c *Cache) WarmCache(ctx context.Context, forceRebuild bool) error {
	root := c.effectiveRoot()

	if err := c.warmDir(ctx, root, forceRebuild); err != nil {
		return fmt.Errorf("cache: warming root: %w", err)
	}

	for _, name := range StandardSubdirs {
		child, err := c.store.FindChild(ctx, root, name)
		if err != nil {
			return fmt.Errorf("cache: looking up %s: %w", name, err)
		}

		if child == nil {
			continue
		}

		if err := c.warmDir(ctx, child.FileID, forceRebuild); err != nil {
			return fmt.Errorf("cache: warming %s: %w", name, err)
		}

		if name != "data" {
			continue
		}

		shards, err := c.store.ListChildren(ctx, child.FileID)
		if err != nil {
			return fmt.Errorf("cache: listing data shards: %w", err)
		}

		for _, shard := range shards {
			if !shard.IsDir {
				continue
			}

			if err := c.warmDir(ctx, shard.FileID, forceRebuild); err != nil {
				return fmt.Errorf("cache: warming shard %s: %w", shard.Name, err)
			}
		}
	}

	return nil
}

func (c *Cache) warmDir(ctx context.Context, dirID string, forceRebuild bool) error {
	if !forceRebuild {
		children, err := c.store.ListChildren(ctx, dirID)
		if err != nil {
			return err
		}

		if len(children) > 0 {
			return nil
		}
	}

	return c.refreshDir(ctx, dirID)
}

// refreshDir fetches the full paginated remote listing of dirID and
// replaces the cached subtree with it (spec's replace-subtree write shape
// — never used for surgical single-row inserts).
func (c *Cache) refreshDir(ctx context.Context, dirID string) error {
	nodes, err := c.listRemote(ctx, dirID)
	if err != nil {
		return err
	}

	if err := c.store.ReplaceSubtree(ctx, dirID, nodes); err != nil {
		return fmt.Errorf("cache: persisting listing of %s: %w", dirID, err)
	}

	return nil
}

func (c *Cache) listRemote(ctx context.Context, dirID string) ([]store.FileNode, error) {
	var (
		nodes  []store.FileNode
		offset int
	)

	for {
		q := url.Values{
			"cid":      {dirID},
			"limit":    {strconv.Itoa(listPageLimit)},
			"offset":   {strconv.Itoa(offset)},
			"show_dir": {"1"},
			"stdir":    {"1"},
		}

		env, err := c.client.GetJSON(ctx, "/open/ufile/files", q)
		if err != nil {
			return nil, errs.New(errs.UpstreamTransport, "listing directory %s: %v", dirID, err)
		}

		if env.IsError() {
			return nil, errs.WithCode(errs.UpstreamApp, env.Code, "listing directory %s: %s", dirID, env.Message)
		}

		var entries []struct {
			FileID       string `json:"fid"`
			Name         string `json:"name"`
			Size         string `json:"size"`
			PickCode     string `json:"pick_code"`
			FileCategory string `json:"file_category"`
		}

		if err := env.DecodeData(&entries); err != nil {
			return nil, errs.New(errs.UpstreamDecode, "decoding directory listing of %s: %v", dirID, err)
		}

		for _, e := range entries {
			size, _ := strconv.ParseInt(e.Size, 10, 64)

			nodes = append(nodes, store.FileNode{
				FileID:   e.FileID,
				ParentID: dirID,
				Name:     e.Name,
				IsDir:    e.FileCategory == "0",
				Size:     size,
				PickCode: e.PickCode,
			})
		}

		offset += len(entries)
		if len(entries) == 0 || offset >= env.Count {
			break
		}
	}

	return nodes, nil
}

// createDir creates a child directory under parentID remotely, resolving
// "already exists" collisions by re-listing the parent and returning the
// existing id (spec's ensure_path contract).
func (c *Cache) createDir(ctx context.Context, parentID, name string) (string, error) {
	env, err := c.client.PostMultipartJSON(ctx, "/open/folder/add", oclient.BuildMultipart([]oclient.MultipartField{
		{Name: "pid", Value: parentID},
		{Name: "file_name", Value: name},
	}))
	if err != nil {
		return "", errs.New(errs.UpstreamTransport, "creating directory %s/%s: %v", parentID, name, err)
	}

	if env.IsError() {
		if err := c.refreshDir(ctx, parentID); err != nil {
			return "", err
		}

		existing, err := c.store.FindChild(ctx, parentID, name)
		if err != nil {
			return "", err
		}

		if existing != nil {
			return existing.FileID, nil
		}

		return "", errs.WithCode(errs.UpstreamApp, env.Code, "creating directory %s/%s: %s", parentID, name, env.Message)
	}

	var data struct {
		FileID string `json:"file_id"`
	}
	if err := env.DecodeData(&data); err != nil {
		return "", errs.New(errs.UpstreamDecode, "decoding create-directory response for %s/%s: %v", parentID, name, err)
	}

	node := store.FileNode{FileID: data.FileID, ParentID: parentID, Name: name, IsDir: true}
	if err := c.store.UpsertNode(ctx, node); err != nil {
		return "", err
	}

	return data.FileID, nil
}

// DeleteLocal evicts a single cached row by file_id, without touching the
// remote. Callers that must also delete remotely call DeleteRemoteFiles
// first.
func (c *Cache) DeleteLocal(ctx context.Context, fileID string) error {
	return c.store.DeleteNode(ctx, fileID)
}

// DeleteRemoteFiles issues a best-effort delete-file call for fileIDs under
// parentID, used by the upload state machine's reconciliation step to
// clean up stale same-name siblings. Failures are returned, not swallowed
// — callers that must not fail the caller's own operation log and ignore.
func (c *Cache) DeleteRemoteFiles(ctx context.Context, parentID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}

	env, err := c.client.PostMultipartJSON(ctx, "/open/ufile/delete", oclient.BuildMultipart([]oclient.MultipartField{
		{Name: "file_ids", Value: strings.Join(fileIDs, ",")},
		{Name: "parent_id", Value: parentID},
	}))
	if err != nil {
		return errs.New(errs.UpstreamTransport, "deleting files under %s: %v", parentID, err)
	}

	if env.IsError() {
		return errs.WithCode(errs.UpstreamApp, env.Code, "deleting files under %s: %s", parentID, env.Message)
	}

	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}
