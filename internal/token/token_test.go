package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open115/restic-rest-gateway/internal/errs"
)

type memStore struct {
	saved *Token
}

func (m *memStore) LoadToken(context.Context) (*Token, error) { return m.saved, nil }
func (m *memStore) SaveToken(_ context.Context, t *Token) error {
	cp := *t
	m.saved = &cp

	return nil
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *memStore) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := &memStore{}
	mgr := New(&Token{AccessToken: "old-access", RefreshToken: "rt-1"}, store, srv.Client(), "test-agent", nil)
	mgr.sleep = func(context.Context, time.Duration) error { return nil }

	return mgr, store
}

func TestCurrentAccessToken_NoRefreshNeeded(t *testing.T) {
	mgr := &Manager{cur: &Token{AccessToken: "tok"}}

	got, err := mgr.CurrentAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestCurrentAccessToken_MissingEverything(t *testing.T) {
	mgr := &Manager{cur: &Token{}}

	_, err := mgr.CurrentAccessToken(context.Background())
	require.ErrorIs(t, err, errs.AuthMissing)
}

func TestForceRefresh_Success(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "rt-1", r.FormValue("refresh_token"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": true,
			"code":  0,
			"data": map[string]any{
				"access_token":  "new-access",
				"refresh_token": "new-refresh",
				"expires_in":    3600,
			},
		})
	})

	got, err := mgr.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", got)
	assert.Equal(t, "new-refresh", store.saved.RefreshToken)
	assert.NotNil(t, store.saved.ExpiresAt)
}

func TestForceRefresh_TerminalAppError(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":   false,
			"code":    40101,
			"message": "refresh token expired",
		})
	})

	_, err := mgr.ForceRefresh(context.Background())
	require.ErrorIs(t, err, errs.AuthRefreshFailed)
}

func TestForceRefresh_RetriesOnRateLimitThenSucceeds(t *testing.T) {
	var calls int32

	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"state": false,
				"code":  refreshRateLimitedCode,
			})

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": true,
			"code":  0,
			"data": map[string]any{
				"access_token":  "retried-access",
				"refresh_token": "rt-2",
			},
		})
	})

	got, err := mgr.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retried-access", got)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestForceRefresh_CoalescesConcurrentCallers(t *testing.T) {
	var calls int32

	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": true,
			"code":  0,
			"data":  map[string]any{"access_token": "a", "refresh_token": "b"},
		})
	})

	done := make(chan struct{}, 4)

	for i := 0; i < 4; i++ {
		go func() {
			_, _ = mgr.ForceRefresh(context.Background())
			done <- struct{}{}
		}()
	}

	for i := 0; i < 4; i++ {
		<-done
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNormalizeState(t *testing.T) {
	cases := []struct {
		in   any
		want triState
	}{
		{true, stateTrue},
		{false, stateFalse},
		{float64(1), stateTrue},
		{float64(0), stateFalse},
		{"true", stateTrue},
		{"FALSE", stateFalse},
		{"1", stateTrue},
		{"0", stateFalse},
		{nil, stateUnknown},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, normalizeState(c.in))
	}
}
