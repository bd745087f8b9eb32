package cache_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open115/restic-rest-gateway/internal/cache"
	"github.com/open115/restic-rest-gateway/internal/oclient"
	"github.com/open115/restic-rest-gateway/internal/store"
)

type fakeTokens struct{}

func (fakeTokens) CurrentAccessToken(context.Context) (string, error) { return "access", nil }
func (fakeTokens) ForceRefresh(context.Context) (string, error)       { return "access", nil }

func newTestCache(t *testing.T, handler http.HandlerFunc) (*cache.Cache, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := oclient.New(srv.URL, srv.Client(), fakeTokens{}, "test-agent", nil)

	return cache.New(s, client, nil), s
}

func TestFindPathID_MissingComponentNeverHitsNetwork(t *testing.T) {
	called := false
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"state":true,"code":0,"data":[],"count":0}`))
	})

	_, ok, err := c.FindPathID(context.Background(), "snapshots/abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestFindPathID_WalksCachedChildren(t *testing.T) {
	c, s := newTestCache(t, nil)

	require.NoError(t, s.ReplaceSubtree(context.Background(), cache.RootID, []store.FileNode{
		{FileID: "10", ParentID: cache.RootID, Name: "snapshots", IsDir: true},
	}))
	require.NoError(t, s.ReplaceSubtree(context.Background(), "10", []store.FileNode{
		{FileID: "20", ParentID: "10", Name: "abc"},
	}))

	id, ok, err := c.FindPathID(context.Background(), "snapshots/abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20", id)
}

func TestEnsurePath_CreatesMissingDirectory(t *testing.T) {
	c, s := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, cache.RootID, r.FormValue("pid"))
		assert.Equal(t, "locks", r.FormValue("file_name"))
		w.Write([]byte(`{"state":true,"code":0,"data":{"file_id":"77"}}`))
	})

	id, err := c.EnsurePath(context.Background(), "locks", false)
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	child, err := s.FindChild(context.Background(), cache.RootID, "locks")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.True(t, child.IsDir)
}

func TestEnsurePath_ResolvesCollisionByRelisting(t *testing.T) {
	calls := 0
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/open/folder/add" {
			w.Write([]byte(`{"state":false,"code":20004,"message":"already exists"}`))

			return
		}

		w.Write([]byte(`{"state":true,"code":0,"data":[{"fid":"99","name":"keys","file_category":"0","size":"0","pick_code":""}],"count":1}`))
	})

	id, err := c.EnsurePath(context.Background(), "keys", false)
	require.NoError(t, err)
	assert.Equal(t, "99", id)
}

func TestWarmCache_SkipsAlreadyCachedDirUnlessForced(t *testing.T) {
	listCalls := 0
	c, s := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		listCalls++
		w.Write([]byte(`{"state":true,"code":0,"data":[],"count":0}`))
	})

	require.NoError(t, s.ReplaceSubtree(context.Background(), cache.RootID, []store.FileNode{
		{FileID: "5", ParentID: cache.RootID, Name: "keys", IsDir: true},
	}))
	require.NoError(t, s.UpsertNode(context.Background(), store.FileNode{FileID: "6", ParentID: "5", Name: "somekey"}))

	before := listCalls

	require.NoError(t, c.WarmCache(context.Background(), false))
	assert.Equal(t, before, listCalls, "already-populated dir should not be re-listed")

	require.NoError(t, c.WarmCache(context.Background(), true))
	assert.Greater(t, listCalls, before, "force_rebuild should re-list every visited dir")
}

func TestListRemote_FollowsPagination(t *testing.T) {
	page := 0
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		page++

		offset := r.URL.Query().Get("offset")
		if offset == "0" {
			w.Write([]byte(fmt.Sprintf(`{"state":true,"code":0,"count":2,"data":[{"fid":"1","name":"a","file_category":"1","size":"10","pick_code":"p1"}]}`)))

			return
		}

		w.Write([]byte(`{"state":true,"code":0,"count":2,"data":[{"fid":"2","name":"b","file_category":"1","size":"20","pick_code":"p2"}]}`))
	})

	require.NoError(t, c.WarmCache(context.Background(), true))

	children, err := c.ListFiles(context.Background(), cache.RootID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
	assert.Equal(t, 2, page)
}

func TestFindFile_D1TieBreak(t *testing.T) {
	c, s := newTestCache(t, nil)

	require.NoError(t, s.ReplaceSubtree(context.Background(), cache.RootID, []store.FileNode{
		{FileID: "100", ParentID: cache.RootID, Name: "dup"},
		{FileID: "300", ParentID: cache.RootID, Name: "dup"},
	}))

	found, err := c.FindFile(context.Background(), cache.RootID, "dup")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "300", found.FileID)
}

func TestSetRoot_ResolvesRelativePathsUnderConfiguredRoot(t *testing.T) {
	c, s := newTestCache(t, nil)

	// Two distinct repository roots under the account root, each with its
	// own "keys" subdirectory sharing the same name.
	require.NoError(t, s.ReplaceSubtree(context.Background(), cache.RootID, []store.FileNode{
		{FileID: "root-a", ParentID: cache.RootID, Name: "repo-a", IsDir: true},
		{FileID: "root-b", ParentID: cache.RootID, Name: "repo-b", IsDir: true},
	}))
	require.NoError(t, s.ReplaceSubtree(context.Background(), "root-a", []store.FileNode{
		{FileID: "keys-a", ParentID: "root-a", Name: "keys", IsDir: true},
	}))
	require.NoError(t, s.ReplaceSubtree(context.Background(), "root-b", []store.FileNode{
		{FileID: "keys-b", ParentID: "root-b", Name: "keys", IsDir: true},
	}))

	assert.Equal(t, cache.RootID, c.Root(), "defaults to the literal account root")

	c.SetRoot("root-a")
	assert.Equal(t, "root-a", c.Root())

	id, ok, err := c.FindPathID(context.Background(), "keys")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "keys-a", id, "resolves relative to repo-a, not the account root")

	c.SetRoot("root-b")

	id, ok, err = c.FindPathID(context.Background(), "keys")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "keys-b", id, "switching root re-targets every relative lookup")
}

func TestEnsurePath_CreatesUnderConfiguredRoot(t *testing.T) {
	c, s := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "repo-root", r.FormValue("pid"), "create must target the configured root, not RootID")
		w.Write([]byte(`{"state":true,"code":0,"data":{"file_id":"77"}}`))
	})

	c.SetRoot("repo-root")

	id, err := c.EnsurePath(context.Background(), "locks", false)
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	child, err := s.FindChild(context.Background(), "repo-root", "locks")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.True(t, child.IsDir)
}

func TestDeleteRemoteFiles_NoopOnEmptyList(t *testing.T) {
	called := false
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	require.NoError(t, c.DeleteRemoteFiles(context.Background(), cache.RootID, nil))
	assert.False(t, called)
}
