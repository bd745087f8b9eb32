// Package oclient implements the Authenticated Request Pipeline (C2): every
// call to the 115 Open Platform API goes through Client, which attaches the
// bearer token, classifies transport/HTTP/application-level failures, and
// retries per spec.md §4.2 without the caller having to know the upstream's
// quirks (errors signaled inside 2xx bodies, a tri-state "state" field,
// token-invalidation codes mixed in with rate-limit codes).
package oclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open115/restic-rest-gateway/internal/errs"
)

// Retry schedule shared by the 429/rate-limit paths (spec.md §4.1/§4.2):
// up to six attempts, exponential backoff capped at 16s.
const (
	MaxRateLimitRetries = 6
	baseBackoff         = 1 * time.Second
	maxBackoff          = 16 * time.Second
)

// Token-invalid application codes (spec.md §4.2): these trigger a
// force-refresh-then-retry-once, distinct from the rate-limit codes below.
var tokenInvalidCodes = map[int]bool{
	40140123: true,
	40140124: true,
	40140125: true,
	40140126: true,
}

// rateLimited reports whether code is one of the two application codes the
// provider uses to signal quota exhaustion / throttling.
func rateLimited(code int) bool {
	return code == 406 || code == 40140117
}

// TokenProvider is the subset of token.Manager the pipeline depends on.
// Defined at the consumer per "accept interfaces, return structs".
type TokenProvider interface {
	CurrentAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client is the authenticated HTTP client for the 115 Open Platform API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
	token      TokenProvider
	userAgent  string
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Client. baseURL is the provider API origin (e.g.
// "https://proapi.115.com").
func New(baseURL string, httpClient *http.Client, tok TokenProvider, userAgent string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      tok,
		userAgent:  userAgent,
		logger:     logger,
		sleep:      timeSleep,
	}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Envelope is the normalized shape of every provider JSON response
// (spec.md §6.2: "Envelope for every provider JSON response").
type Envelope struct {
	State   any             `json:"state"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errno   any             `json:"errno"`
	Error   string          `json:"error"`
	// Count rides alongside Data on paginated listing responses
	// (/open/ufile/files); it is simply absent/zero elsewhere.
	Count int `json:"count"`
}

// IsError reports whether the envelope represents an application-level
// error: an explicit false state, or a non-zero code.
func (e *Envelope) IsError() bool {
	return normalizeState(e.State) == stateFalse || e.Code != 0
}

// DecodeData unmarshals the envelope's data field into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return errs.New(errs.UpstreamDecode, "empty data field")
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return errs.New(errs.UpstreamDecode, "decoding data field: %v", err)
	}

	return nil
}

type triState int

const (
	stateUnknown triState = iota
	stateTrue
	stateFalse
)

// normalizeState normalizes the provider's tri-state "state" field: it may
// be boolean, integer 0/1, or the strings "true"/"false"/"0"/"1" in either
// case (spec.md §4.2).
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

// bodyFactory builds a fresh request body and its content type. It MUST be
// callable repeatedly — retries need fresh multipart bodies since the
// previous attempt's body has already been consumed by the transport
// (spec.md §4.2, §9 "retry-the-form-factory pattern").
type bodyFactory func() (io.Reader, string, error)

// GetJSON issues an authenticated GET and returns the parsed envelope.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (*Envelope, error) {
	full := c.BaseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	return c.doWithRetry(ctx, http.MethodGet, full, nil)
}

// PostMultipartJSON issues an authenticated multipart POST built fresh by
// form on every attempt and returns the parsed envelope.
func (c *Client) PostMultipartJSON(ctx context.Context, path string, form bodyFactory) (*Envelope, error) {
	full := c.BaseURL + path

	return c.doWithRetry(ctx, http.MethodPost, full, form)
}

// doWithRetry implements the classification table in spec.md §4.2.
func (c *Client) doWithRetry(ctx context.Context, method, url string, form bodyFactory) (*Envelope, error) {
	tokenRefreshedOnce := false

	for attempt := 0; ; attempt++ {
		env, status, err := c.attempt(ctx, method, url, form)

		if err != nil {
			// Transport error: fail immediately, caller may retry at a higher layer.
			return nil, err
		}

		if status == http.StatusUnauthorized {
			if tokenRefreshedOnce {
				// Already force-refreshed once this call and still rejected:
				// the refresh either produced a token the upstream still
				// doesn't accept, or the account itself needs reauthorizing.
				// Surface as an auth error rather than falling through with
				// a nil envelope (spec.md §4.2: "retry once, then surface").
				return nil, errs.New(errs.AuthRefreshFailed, "HTTP 401 persists after forced token refresh")
			}

			c.logger.Warn("got 401, forcing token refresh and retrying once", slog.String("url", url))

			if _, rerr := c.token.ForceRefresh(ctx); rerr != nil {
				return nil, rerr
			}

			tokenRefreshedOnce = true

			continue
		}

		if status == http.StatusTooManyRequests {
			if attempt >= MaxRateLimitRetries-1 {
				return nil, errs.New(errs.UpstreamRateLimit, "HTTP 429 after %d attempts", attempt+1)
			}

			if werr := c.wait(ctx, attempt); werr != nil {
				return nil, werr
			}

			continue
		}

		if env != nil && tokenInvalidCodes[env.Code] && !tokenRefreshedOnce {
			c.logger.Warn("upstream reports token invalid, refreshing", slog.Int("code", env.Code))

			if _, rerr := c.token.ForceRefresh(ctx); rerr != nil {
				return nil, rerr
			}

			tokenRefreshedOnce = true

			continue
		}

		if env != nil && rateLimited(env.Code) {
			if attempt >= MaxRateLimitRetries-1 {
				return nil, errs.WithCode(errs.UpstreamRateLimit, env.Code, "%s", env.Message)
			}

			if werr := c.wait(ctx, attempt); werr != nil {
				return nil, werr
			}

			continue
		}

		return env, nil
	}
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	backoff := c.calcBackoff(attempt)

	c.logger.Warn("backing off before retry", slog.Int("attempt", attempt+1), slog.Duration("backoff", backoff))

	return c.sleep(ctx, backoff)
}

func (c *Client) calcBackoff(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}

	return d
}

// attempt performs a single HTTP round trip: acquire token, dispatch,
// and either return (nil, 401/429, nil) for the retry loop to act on, or
// a parsed envelope for any other status.
func (c *Client) attempt(ctx context.Context, method, url string, form bodyFactory) (*Envelope, int, error) {
	accessToken, err := c.token.CurrentAccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	var (
		body        io.Reader
		contentType string
	)

	if form != nil {
		body, contentType, err = form()
		if err != nil {
			return nil, 0, errs.New(errs.Internal, "building request body: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, errs.New(errs.Internal, "building request: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errs.New(errs.UpstreamTransport, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse

		return nil, resp.StatusCode, nil
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, 0, errs.New(errs.UpstreamTransport, "reading response body: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		return nil, 0, errs.New(errs.UpstreamDecode, "%s %s: %v", method, url, err)
	}

	return &env, resp.StatusCode, nil
}

// MultipartField describes one form field or file for BuildMultipart.
type MultipartField struct {
	Name     string
	Value    string
	FileName string // non-empty marks this as a file part
	Content  []byte
}

// BuildMultipart constructs a multipart/form-data body from fields. It
// returns a bodyFactory closure so callers can pass it directly to
// PostMultipartJSON — each invocation builds a fresh *bytes.Reader, safe to
// call repeatedly across retries (spec.md §9, "retry-the-form-factory
// pattern").
func BuildMultipart(fields []MultipartField) bodyFactory {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer

		w := multipart.NewWriter(&buf)

		for _, f := range fields {
			if f.FileName != "" {
				part, err := w.CreateFormFile(f.Name, f.FileName)
				if err != nil {
					return nil, "", fmt.Errorf("oclient: creating file part %q: %w", f.Name, err)
				}

				if _, err := part.Write(f.Content); err != nil {
					return nil, "", fmt.Errorf("oclient: writing file part %q: %w", f.Name, err)
				}

				continue
			}

			if err := w.WriteField(f.Name, f.Value); err != nil {
				return nil, "", fmt.Errorf("oclient: writing field %q: %w", f.Name, err)
			}
		}

		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("oclient: closing multipart writer: %w", err)
		}

		return bytes.NewReader(buf.Bytes()), w.FormDataContentType(), nil
	}
}
