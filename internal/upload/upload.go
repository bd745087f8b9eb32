// Package upload implements the Upload State Machine (C4): it negotiates
// the provider's instant-dedup / partial-hash-challenge / signed-PUT
// upload protocol and reconciles the resulting metadata into the cache.
package upload

import (
	"context"
	"crypto/sha1" //nolint:gosec // upstream protocol mandates SHA-1 content hashes, not our choice
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/open115/restic-rest-gateway/internal/errs"
	"github.com/open115/restic-rest-gateway/internal/oclient"
	"github.com/open115/restic-rest-gateway/internal/oss"
	"github.com/open115/restic-rest-gateway/internal/store"
)

const preHashSize = 128 * 1024

// challengeStatusLow and challengeStatusHigh bound the inclusive status
// range the provider uses to ask for a partial-range SHA-1 proof
// (spec.md §4.4: "status 6..=8").
const (
	challengeStatusLow  = 6
	challengeStatusHigh = 8
	fastUploadStatus    = 2
)

// NodeStore is the subset of store.Store the upload state machine depends
// on for reconciliation.
type NodeStore interface {
	UpsertNode(ctx context.Context, n store.FileNode) error
	SiblingsWithOlderID(ctx context.Context, parentID, name, keepFileID string) ([]store.FileNode, error)
	DeleteNode(ctx context.Context, fileID string) error
}

// RemoteDeleter issues the best-effort delete-file call the reconciliation
// step uses to clean up stale same-name siblings.
type RemoteDeleter interface {
	DeleteRemoteFiles(ctx context.Context, parentID string, fileIDs []string) error
}

// Uploader is the C4 component.
type Uploader struct {
	client     *oclient.Client
	httpClient *http.Client
	store      NodeStore
	remote     RemoteDeleter
	logger     *slog.Logger
}

// New builds an Uploader.
func New(client *oclient.Client, httpClient *http.Client, s NodeStore, remote RemoteDeleter, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Uploader{client: client, httpClient: httpClient, store: s, remote: remote, logger: logger}
}

// Upload uploads bytes as (parentID, name), safe to retry end-to-end. On
// success, a reconciled cache entry exists for (parentID, name).
func (u *Uploader) Upload(ctx context.Context, parentID, name string, content []byte) error {
	fullSHA1 := hexSHA1(content)
	preSHA1 := hexSHA1(content[:min(len(content), preHashSize)])

	init, err := u.initUpload(ctx, parentID, name, int64(len(content)), fullSHA1, preSHA1, "", "")
	if err != nil {
		return err
	}

	for isChallenge(init.Status) {
		signVal, err := computeRangeSHA1(content, init.SignCheck)
		if err != nil {
			return err
		}

		init, err = u.initUpload(ctx, parentID, name, int64(len(content)), fullSHA1, preSHA1, init.SignKey, signVal)
		if err != nil {
			return err
		}
	}

	if init.Status == fastUploadStatus {
		return u.handleFastUpload(ctx, parentID, name, init)
	}

	return u.handleOSSUpload(ctx, parentID, name, int64(len(content)), content, init)
}

type initResult struct {
	Status      int
	FileID      string
	PickCode    string
	SignCheck   string
	SignKey     string
	Bucket      string
	Object      string
	Callback    string
	CallbackVar string
}

func (u *Uploader) initUpload(ctx context.Context, parentID, name string, size int64, fullSHA1, preSHA1, signKey, signVal string) (*initResult, error) {
	fields := []oclient.MultipartField{
		{Name: "file_name", Value: name},
		{Name: "file_size", Value: strconv.FormatInt(size, 10)},
		{Name: "target", Value: "U_1_" + parentID},
		{Name: "fileid", Value: fullSHA1},
		{Name: "preid", Value: preSHA1},
	}

	if signKey != "" {
		fields = append(fields, oclient.MultipartField{Name: "sign_key", Value: signKey})
		fields = append(fields, oclient.MultipartField{Name: "sign_val", Value: signVal})
	}

	env, err := u.client.PostMultipartJSON(ctx, "/open/upload/init", oclient.BuildMultipart(fields))
	if err != nil {
		return nil, errs.New(errs.UpstreamTransport, "upload-init %s/%s: %v", parentID, name, err)
	}

	if env.IsError() {
		return nil, errs.WithCode(errs.UpstreamApp, env.Code, "upload-init %s/%s: %s", parentID, name, env.Message)
	}

	var data struct {
		Status    int             `json:"status"`
		FileID    string          `json:"file_id"`
		PickCode  string          `json:"pick_code"`
		SignCheck string          `json:"sign_check"`
		SignKey   string          `json:"sign_key"`
		Bucket    string          `json:"bucket"`
		Object    string          `json:"object"`
		Callback  json.RawMessage `json:"callback"`
	}

	if err := env.DecodeData(&data); err != nil {
		return nil, errs.New(errs.UpstreamDecode, "decoding upload-init response for %s/%s: %v", parentID, name, err)
	}

	callback, callbackVar := unwrapCallback(data.Callback)

	return &initResult{
		Status:      data.Status,
		FileID:      data.FileID,
		PickCode:    data.PickCode,
		SignCheck:   data.SignCheck,
		SignKey:     data.SignKey,
		Bucket:      data.Bucket,
		Object:      data.Object,
		Callback:    callback,
		CallbackVar: callbackVar,
	}, nil
}

func isChallenge(status int) bool {
	return status >= challengeStatusLow && status <= challengeStatusHigh
}

// handleFastUpload implements S2: the remote already holds this blob.
func (u *Uploader) handleFastUpload(ctx context.Context, parentID, name string, init *initResult) error {
	if init.FileID == "" || init.PickCode == "" {
		u.logger.Warn("fast-upload succeeded without file metadata; cache left stale",
			slog.String("parent_id", parentID), slog.String("name", name))

		return nil
	}

	return u.reconcile(ctx, parentID, name, init.FileID, init.PickCode, 0)
}

// handleOSSUpload implements S_OSS: fetch signing credentials, perform the
// signed PUT, and reconcile the callback metadata.
func (u *Uploader) handleOSSUpload(ctx context.Context, parentID, name string, size int64, content []byte, init *initResult) error {
	creds, err := u.getUploadToken(ctx)
	if err != nil {
		return err
	}

	cb, err := oss.Put(u.httpClient, oss.PutRequest{
		Creds:       creds,
		Bucket:      init.Bucket,
		Object:      init.Object,
		Callback:    init.Callback,
		CallbackVar: init.CallbackVar,
		Body:        content,
	})
	if err != nil {
		if errors.Is(err, errs.UpstreamDecode) {
			// The PUT itself succeeded (2xx) but OSS's callback body was
			// empty, malformed, or missing the fields we need — the only
			// case spec.md §4.4 reserves this message for.
			return errs.New(errs.Internal, "OSS upload completed but server failed to return file metadata via callback")
		}

		// Transport failure or a non-2xx OSS response: propagate as-is
		// (UpstreamTransport/UpstreamApp, mapping to a retryable 502)
		// rather than misreporting it as a completed-but-lost upload.
		return err
	}

	return u.reconcile(ctx, parentID, name, cb.FileID, cb.PickCode, cb.FileSize)
}

// reconcile is S_RECONCILE: delete stale same-name siblings (best-effort),
// then surgically upsert the new row. Must never use the replace-subtree
// write shape — other siblings in parentID must not be touched.
func (u *Uploader) reconcile(ctx context.Context, parentID, name, fileID, pickCode string, size int64) error {
	stale, err := u.store.SiblingsWithOlderID(ctx, parentID, name, fileID)
	if err != nil {
		return err
	}

	if len(stale) > 0 {
		ids := make([]string, len(stale))
		for i, n := range stale {
			ids[i] = n.FileID
		}

		if err := u.remote.DeleteRemoteFiles(ctx, parentID, ids); err != nil {
			u.logger.Warn("failed to delete stale sibling on remote", slog.String("parent_id", parentID), slog.String("name", name), slog.Any("error", err))
		}

		for _, id := range ids {
			if err := u.store.DeleteNode(ctx, id); err != nil {
				u.logger.Warn("failed to evict stale sibling from cache", slog.String("file_id", id), slog.Any("error", err))
			}
		}
	}

	return u.store.UpsertNode(ctx, store.FileNode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     name,
		Size:     size,
		PickCode: pickCode,
	})
}

func (u *Uploader) getUploadToken(ctx context.Context) (oss.Credentials, error) {
	env, err := u.client.GetJSON(ctx, "/open/upload/get_token", url.Values{})
	if err != nil {
		return oss.Credentials{}, errs.New(errs.UpstreamTransport, "get_upload_token: %v", err)
	}

	if env.IsError() {
		return oss.Credentials{}, errs.WithCode(errs.UpstreamApp, env.Code, "get_upload_token: %s", env.Message)
	}

	return oss.ParseCredentials(env.Data)
}

// computeRangeSHA1 computes upper-hex SHA-1 over content[start..=end] as
// described by the "start-end" sign_check string, clamping end to
// size-1 and erroring on an unsatisfiable range.
func computeRangeSHA1(content []byte, signCheck string) (string, error) {
	start, end, err := parseRange(signCheck, int64(len(content)))
	if err != nil {
		return "", err
	}

	h := sha1.Sum(content[start : end+1])

	return strings.ToUpper(hex.EncodeToString(h[:])), nil
}

func parseRange(signCheck string, size int64) (start, end int64, err error) {
	parts := strings.SplitN(signCheck, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errs.New(errs.BadRequest, "malformed sign_check %q", signCheck)
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errs.New(errs.BadRequest, "malformed sign_check start %q", signCheck)
	}

	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, errs.New(errs.BadRequest, "malformed sign_check end %q", signCheck)
	}

	if end > size-1 {
		end = size - 1
	}

	if start >= size || start > end {
		return 0, 0, errs.New(errs.UnsatisfiableRange, "sign_check range %q unsatisfiable for size %d", signCheck, size)
	}

	return start, end, nil
}

func hexSHA1(b []byte) string {
	h := sha1.Sum(b)

	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// unwrapCallback extracts the raw callback string and callback_var from
// the init response's "callback" field, which may be a bare string, or
// live nested at callback.callback / callback.value / callback.Value
// (spec.md §4.4/§4.5).
func unwrapCallback(raw json.RawMessage) (callback, callbackVar string) {
	if len(raw) == 0 {
		return "", ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, ""
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return "", ""
	}

	var wrapper struct {
		Callback    string `json:"callback"`
		CallbackVar string `json:"callback_var"`
	}

	for _, key := range []string{"", "value", "Value"} {
		candidate := raw
		if key != "" {
			inner, ok := asObject[key]
			if !ok {
				continue
			}

			candidate = inner
		}

		if err := json.Unmarshal(candidate, &wrapper); err == nil && wrapper.Callback != "" {
			return wrapper.Callback, wrapper.CallbackVar
		}
	}

	return "", ""
}

