// Package repo wires the Metadata Cache (C3), Upload State Machine (C4),
// and download-URL memoization (§5) into the single storage-translation
// engine the REST surface (C6) drives. It owns the mapping from a restic
// repository path to a remote (parent_id, name) pair, including the
// two-hex-digit data shard indirection (D3).
package repo

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/open115/restic-rest-gateway/internal/cache"
	"github.com/open115/restic-rest-gateway/internal/errs"
	"github.com/open115/restic-rest-gateway/internal/oclient"
	"github.com/open115/restic-rest-gateway/internal/store"
	"github.com/open115/restic-rest-gateway/internal/upload"
	"github.com/open115/restic-rest-gateway/internal/urlcache"
)

// ConfigType is the sentinel "type" value repo uses internally for the
// repository-root config file, which has no type/shard prefix of its own.
const ConfigType = ""

const configName = "config"

// ValidTypes are the restic object categories the REST surface accepts.
var ValidTypes = map[string]bool{
	"data":      true,
	"keys":      true,
	"locks":     true,
	"snapshots": true,
	"index":     true,
}

// Repo is the storage-translation engine.
type Repo struct {
	cache    *cache.Cache
	uploader *upload.Uploader
	client   *oclient.Client
	urls     *urlcache.Cache
}

// New builds a Repo over its three collaborators.
func New(c *cache.Cache, u *upload.Uploader, client *oclient.Client, urls *urlcache.Cache) *Repo {
	if urls == nil {
		urls = urlcache.New(0, 0)
	}

	return &Repo{cache: c, uploader: u, client: client, urls: urls}
}

// InitRepo creates the repository root's five standard subdirectories,
// per the "POST /?create=true" contract (spec.md §6.1). It is idempotent:
// ensure_path absorbs create-race and already-exists outcomes.
func (r *Repo) InitRepo(ctx context.Context) error {
	for _, name := range cache.StandardSubdirs {
		if _, err := r.cache.EnsurePath(ctx, name, true); err != nil {
			return err
		}
	}

	return nil
}

// dirPath returns the slash-path of the directory that holds typ/name,
// applying the data-shard indirection (D3) when typ == "data".
func dirPath(typ, name string) (string, error) {
	if typ == ConfigType {
		return "", nil
	}

	if !ValidTypes[typ] {
		return "", errs.New(errs.BadRequest, "unknown type %q", typ)
	}

	if typ != "data" {
		return typ, nil
	}

	if len(name) < 2 {
		return "", errs.New(errs.BadRequest, "data object name %q too short to shard", name)
	}

	return "data/" + name[:2], nil
}

// Resolve performs a local-only (no remote creation) lookup of typ/name,
// returning nil, nil when the directory or the file itself is absent in
// cache.
func (r *Repo) Resolve(ctx context.Context, typ, name string) (*store.FileNode, error) {
	if typ == ConfigType {
		name = configName
	}

	dp, err := dirPath(typ, name)
	if err != nil {
		return nil, err
	}

	parentID, ok, err := r.cache.FindPathID(ctx, dp)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return r.cache.FindFile(ctx, parentID, name)
}

// List returns every cached file of typ. For typ == "data" this walks
// every two-hex-digit shard directory and aggregates their children.
func (r *Repo) List(ctx context.Context, typ string) ([]store.FileNode, error) {
	if !ValidTypes[typ] {
		return nil, errs.New(errs.BadRequest, "unknown type %q", typ)
	}

	typeID, ok, err := r.cache.FindPathID(ctx, typ)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	if typ != "data" {
		return r.cache.ListFiles(ctx, typeID)
	}

	shards, err := r.cache.ListFiles(ctx, typeID)
	if err != nil {
		return nil, err
	}

	var out []store.FileNode

	for _, shard := range shards {
		if !shard.IsDir {
			continue
		}

		children, err := r.cache.ListFiles(ctx, shard.FileID)
		if err != nil {
			return nil, err
		}

		out = append(out, children...)
	}

	return out, nil
}

// Write uploads content as typ/name (or the config file when
// typ == ConfigType), ensuring the target directory exists first (writes
// always ensure; reads never do — spec.md §6.1).
func (r *Repo) Write(ctx context.Context, typ, name string, content []byte) error {
	if typ == ConfigType {
		name = configName
	}

	dp, err := dirPath(typ, name)
	if err != nil {
		return err
	}

	parentID, err := r.cache.EnsurePath(ctx, dp, false)
	if err != nil {
		return err
	}

	return r.uploader.Upload(ctx, parentID, name, content)
}

// Delete removes typ/name. Deletion is idempotent: an absent file is a
// successful no-op (spec.md §7).
func (r *Repo) Delete(ctx context.Context, typ, name string) error {
	node, err := r.Resolve(ctx, typ, name)
	if err != nil {
		return err
	}

	if node == nil {
		return nil
	}

	if err := r.cache.DeleteRemoteFiles(ctx, node.ParentID, []string{node.FileID}); err != nil {
		return err
	}

	return r.cache.DeleteLocal(ctx, node.FileID)
}

// DownloadURL returns a time-limited download URL for pickCode, serving
// from the memoization cache when a fresh entry exists (spec.md §5).
func (r *Repo) DownloadURL(ctx context.Context, pickCode string) (string, error) {
	if cached, ok := r.urls.Get(pickCode); ok {
		return cached, nil
	}

	env, err := r.client.PostMultipartJSON(ctx, "/open/ufile/downurl", oclient.BuildMultipart([]oclient.MultipartField{
		{Name: "pick_code", Value: pickCode},
	}))
	if err != nil {
		return "", errs.New(errs.UpstreamTransport, "fetching download url for %s: %v", pickCode, err)
	}

	if env.IsError() {
		return "", errs.WithCode(errs.UpstreamApp, env.Code, "fetching download url for %s: %s", pickCode, env.Message)
	}

	downloadURL, err := firstDownloadURL(env.Data)
	if err != nil {
		return "", err
	}

	r.urls.Put(pickCode, downloadURL)

	return downloadURL, nil
}

// firstDownloadURL unwraps /open/ufile/downurl's keyed-map response shape
// and deterministically returns the first valid URL by ascending sorted
// key, per spec.md §9's resolution of its own open question.
func firstDownloadURL(data []byte) (string, error) {
	var byKey map[string]struct {
		URL struct {
			URL string `json:"url"`
		} `json:"url"`
	}

	if err := json.Unmarshal(data, &byKey); err != nil {
		return "", errs.New(errs.UpstreamDecode, "decoding download url response: %v", err)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if byKey[k].URL.URL != "" {
			return byKey[k].URL.URL, nil
		}
	}

	return "", errs.New(errs.UpstreamDecode, "no valid download url in response")
}

// ParseRange parses the three Range header forms spec.md §6.1 requires
// ("bytes=a-b", "bytes=a-", "bytes=-n") against size, returning the
// inclusive [start, end] byte range to serve. ok is false when no Range
// header was sent at all (full-body response); err is non-nil for an
// unsatisfiable range.
func ParseRange(header string, size int64) (start, end int64, ok bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}

	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
	}

	spec := strings.TrimPrefix(header, prefix)

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr != "":
		// "bytes=-n": last n bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n < 0 {
			return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
		}

		if n > size {
			n = size
		}

		return size - n, size - 1, true, nil

	case startStr != "" && endStr == "":
		// "bytes=a-": from a to end.
		s, perr := strconv.ParseInt(startStr, 10, 64)
		if perr != nil || s < 0 {
			return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
		}

		if s >= size {
			return 0, 0, true, errs.New(errs.UnsatisfiableRange, "range start %d >= size %d", s, size)
		}

		return s, size - 1, true, nil

	case startStr != "" && endStr != "":
		// "bytes=a-b".
		s, perr1 := strconv.ParseInt(startStr, 10, 64)
		e, perr2 := strconv.ParseInt(endStr, 10, 64)

		if perr1 != nil || perr2 != nil || s < 0 || s > e {
			return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
		}

		if e > size-1 {
			e = size - 1
		}

		if s >= size {
			return 0, 0, true, errs.New(errs.UnsatisfiableRange, "range start %d >= size %d", s, size)
		}

		return s, e, true, nil

	default:
		return 0, 0, false, errs.New(errs.BadRequest, "malformed Range header %q", header)
	}
}
