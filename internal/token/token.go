// Package token implements the adapter's Token Manager (C1): it owns the
// single access/refresh token pair for the 115 Open Platform account, the
// refresh-endpoint protocol, and the pre-expiry/force refresh lifecycle.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/open115/restic-rest-gateway/internal/errs"
)

// refreshURL is the fixed upstream token-refresh endpoint (spec.md §6.2).
// Unlike the file/upload API, it is never routed through api_base.
const refreshURL = "https://passportapi.115.com/open/refreshToken"

// preExpiryWindow is how far ahead of expires_at a token is treated as
// stale and proactively refreshed (spec.md §4.1).
const preExpiryWindow = 5 * time.Minute

// Retry schedule for the refresh protocol: up to six attempts, exponential
// backoff capped at 16s (1, 2, 4, 8, 16, 16 seconds between attempts).
const (
	maxRefreshAttempts = 6
	baseRefreshBackoff = 1 * time.Second
	maxRefreshBackoff  = 16 * time.Second
)

// refreshRateLimitedCode is the single application error code the refresh
// endpoint uses to signal "refresh too frequently" — the same family as the
// authenticated pipeline's rate-limit codes (406 / 40140117), reused here
// since the upstream API does not document a distinct value for this path.
const refreshRateLimitedCode = 40140117

// Token is the singleton token record (spec.md §3 "Token record").
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time // nil means "unknown, assume valid until a call proves otherwise"
	UpdatedAt    time.Time
}

// Store is the persistence contract the Manager needs. internal/store
// implements it against the tokens table (spec.md §4.7).
type Store interface {
	LoadToken(ctx context.Context) (*Token, error)
	SaveToken(ctx context.Context, t *Token) error
}

// sleepFunc abstracts time.Sleep for deterministic tests.
type sleepFunc func(ctx context.Context, d time.Duration) error

// Manager is the process-wide Token Manager (C1). A single instance is
// shared across every authenticated caller; refreshes coalesce onto one
// in-flight attempt via singleflight, matching the provider's intolerance
// of concurrent refreshes (code 40140117, "refresh too frequently").
type Manager struct {
	mu     sync.RWMutex
	cur    *Token
	flight singleflight.Group

	store      Store
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	sleep      sleepFunc
}

// New creates a Manager seeded with tok (which may be partially populated
// from boot-time configuration) and backed by store for persistence.
func New(tok *Token, store Store, httpClient *http.Client, userAgent string, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cur:        tok,
		store:      store,
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
		sleep:      timeSleep,
	}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot returns a copy of the current token under the read lock.
func (m *Manager) snapshot() *Token {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cur == nil {
		return nil
	}

	cp := *m.cur

	return &cp
}

// CurrentAccessToken returns the current access token if it is not within
// the pre-expiry window; otherwise it triggers a refresh and returns the
// new token. Fails with errs.AuthMissing when no refresh token is known.
func (m *Manager) CurrentAccessToken(ctx context.Context) (string, error) {
	tok := m.snapshot()

	if tok == nil || tok.RefreshToken == "" {
		if tok == nil || tok.AccessToken == "" {
			return "", errs.New(errs.AuthMissing, "no access or refresh token configured")
		}
	}

	if tok != nil && tok.AccessToken != "" && !needsRefresh(tok) {
		return tok.AccessToken, nil
	}

	return m.ForceRefresh(ctx)
}

func needsRefresh(tok *Token) bool {
	if tok.ExpiresAt == nil {
		return false
	}

	return time.Now().Add(preExpiryWindow).After(*tok.ExpiresAt)
}

// ForceRefresh performs an unconditional refresh, coalescing concurrent
// callers onto a single in-flight attempt.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.flight.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Replace atomically installs a new token pair and persists it. Per D1's
// token invariant, a refresh-in-progress never clears the stored pair —
// the new pair fully replaces the old one only once it is known good.
func (m *Manager) Replace(ctx context.Context, access, refresh string, expiresAt *time.Time) error {
	next := &Token{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		UpdatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.cur = next
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}

	return m.store.SaveToken(ctx, next)
}

type refreshResponse struct {
	State   any             `json:"state"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    refreshData     `json:"data"`
}

type refreshData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	tok := m.snapshot()
	if tok == nil || tok.RefreshToken == "" {
		return "", errs.New(errs.AuthMissing, "no refresh token configured")
	}

	var lastErr error

	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		if attempt > 0 {
			backoff := m.calcBackoff(attempt - 1)

			m.logger.Warn("retrying token refresh",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := m.sleep(ctx, backoff); err != nil {
				return "", fmt.Errorf("token: refresh canceled: %w", err)
			}
		}

		access, refresh, expiresAt, retry, err := m.refreshOnce(ctx, tok.RefreshToken)
		if err == nil {
			if replaceErr := m.Replace(ctx, access, refresh, expiresAt); replaceErr != nil {
				return "", fmt.Errorf("token: persisting refreshed token: %w", replaceErr)
			}

			m.logger.Info("token refreshed")

			return access, nil
		}

		lastErr = err

		if !retry {
			return "", err
		}
	}

	return "", fmt.Errorf("token: refresh failed after %d attempts: %w", maxRefreshAttempts, lastErr)
}

// refreshOnce performs a single refresh attempt. The retry bool reports
// whether the caller should retry: true for transport errors, JSON decode
// errors, and the designated rate-limit code; false for any other
// application error (terminal, per spec.md §4.1).
func (m *Manager) refreshOnce(ctx context.Context, refreshToken string) (access, refresh string, expiresAt *time.Time, retry bool, err error) {
	form := url.Values{"refresh_token": {refreshToken}}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, strings.NewReader(form.Encode()))
	if reqErr != nil {
		return "", "", nil, false, fmt.Errorf("token: building refresh request: %w", reqErr)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", m.userAgent)

	resp, doErr := m.httpClient.Do(req)
	if doErr != nil {
		return "", "", nil, true, errs.New(errs.UpstreamTransport, "refresh request failed: %v", doErr)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, readErr := body.ReadFrom(resp.Body); readErr != nil {
		return "", "", nil, true, errs.New(errs.UpstreamTransport, "reading refresh response: %v", readErr)
	}

	var parsed refreshResponse
	if decErr := json.Unmarshal(body.Bytes(), &parsed); decErr != nil {
		return "", "", nil, true, errs.New(errs.UpstreamDecode, "parsing refresh response: %v", decErr)
	}

	if isSuccess(parsed.State, parsed.Code) {
		var exp *time.Time
		if parsed.Data.ExpiresIn > 0 {
			t := time.Now().Add(time.Duration(parsed.Data.ExpiresIn) * time.Second)
			exp = &t
		}

		return parsed.Data.AccessToken, parsed.Data.RefreshToken, exp, false, nil
	}

	if parsed.Code == refreshRateLimitedCode {
		return "", "", nil, true, errs.WithCode(errs.UpstreamRateLimit, parsed.Code, "%s", parsed.Message)
	}

	return "", "", nil, false, errs.WithCode(errs.AuthRefreshFailed, parsed.Code, "%s", parsed.Message)
}

// isSuccess normalizes the provider's tri-state "state" field (bool, 0/1
// int, or "true"/"false"/"0"/"1" string in either case) and requires
// code == 0 for a successful refresh, per spec.md §4.1.
func isSuccess(state any, code int) bool {
	return normalizeState(state) == stateTrue && code == 0
}

type triState int

const (
	stateUnknown triState = iota
	stateTrue
	stateFalse
)

func normalizeState(v any) triState {
	switch t := v.(type) {
	case bool:
		if t {
			return stateTrue
		}

		return stateFalse
	case float64:
		if t != 0 {
			return stateTrue
		}

		return stateFalse
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return stateTrue
		case "false", "0":
			return stateFalse
		}
	}

	return stateUnknown
}

func (m *Manager) calcBackoff(attempt int) time.Duration {
	d := time.Duration(float64(baseRefreshBackoff) * math.Pow(2, float64(attempt)))
	if d > maxRefreshBackoff {
		d = maxRefreshBackoff
	}

	return d
}

// Source adapts the Manager to golang.org/x/oauth2.TokenSource so the
// authenticated pipeline can be wired through oauth2.Transport /
// oauth2.NewClient instead of hand-rolling header injection.
type Source struct {
	Mgr *Manager
	Ctx context.Context //nolint:containedctx // oauth2.TokenSource has no context parameter
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	access, err := s.Mgr.CurrentAccessToken(s.Ctx)
	if err != nil {
		return nil, err
	}

	tok := s.Mgr.snapshot()

	t := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if tok != nil && tok.ExpiresAt != nil {
		t.Expiry = *tok.ExpiresAt
	}

	return t, nil
}
