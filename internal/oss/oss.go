// Package oss implements the OSS Signed PUT (C5): byte-exact OSS v1
// request signing and the callback-carrying object upload the upload
// state machine hands off to once it has negotiated a signed write.
package oss

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // OSS v1 signing mandates SHA-1, not a content hash choice
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/open115/restic-rest-gateway/internal/errs"
)

const contentType = "application/octet-stream"

// Credentials are the short-lived signing material returned by
// get_upload_token (spec.md §4.6), fetched fresh per upload.
type Credentials struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
	Expiration      string
}

// PutRequest describes one signed object upload.
type PutRequest struct {
	Creds       Credentials
	Bucket      string
	Object      string
	Callback    string // already base64-able raw callback string
	CallbackVar string
	Body        []byte
}

// Callback is the parsed body OSS returns after invoking the provider's
// upload callback, carrying the newly-created file's metadata.
type Callback struct {
	FileID    string `json:"file_id"`
	PickCode  string `json:"pick_code"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	SHA1      string `json:"sha1"`
	CID       string `json:"cid"`
}

// Put performs the signed PUT against OSS and returns the callback
// metadata. An HTTP failure returns the response body as diagnostic text;
// a success with no usable callback body returns ErrNoCallbackData so the
// upload state machine can translate it into the spec's required
// Internal failure mode.
func Put(client *http.Client, req PutRequest) (*Callback, error) {
	url := objectURL(req.Creds.Endpoint, req.Bucket, req.Object)

	date := time.Now().UTC().Format(time.RFC1123)
	date = strings.Replace(date, "UTC", "GMT", 1)

	headers := signingHeaders(req)
	canonResource := "/" + req.Bucket + "/" + strings.TrimPrefix(req.Object, "/")
	stringToSign := "PUT\n\n" + contentType + "\n" + date + "\n" + canonicalHeaders(headers) + canonResource
	signature := sign(req.Creds.AccessKeySecret, stringToSign)

	httpReq, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errs.New(errs.Internal, "building OSS PUT request: %v", err)
	}

	httpReq.Header.Set("Date", date)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "OSS "+req.Creds.AccessKeyID+":"+signature)

	for name, value := range headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.UpstreamTransport, "OSS PUT %s: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.UpstreamTransport, "reading OSS response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.UpstreamApp, "OSS PUT failed with status %d: %s", resp.StatusCode, string(body))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errs.New(errs.UpstreamDecode, "no callback data")
	}

	var env struct {
		State bool            `json:"state"`
		Code  int             `json:"code"`
		Data  json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.New(errs.UpstreamDecode, "no callback data")
	}

	if !env.State || env.Code != 0 {
		return nil, errs.New(errs.UpstreamDecode, "no callback data")
	}

	var cb Callback
	if err := json.Unmarshal(env.Data, &cb); err != nil || cb.FileID == "" || cb.PickCode == "" {
		return nil, errs.New(errs.UpstreamDecode, "no callback data")
	}

	return &cb, nil
}

// objectURL builds the request URL per spec.md §4.5: prefer virtual-hosted
// style, falling back to endpoint-as-is when it already carries the
// bucket as a host prefix.
func objectURL(endpoint, bucket, object string) string {
	object = strings.TrimPrefix(object, "/")

	scheme, host := splitScheme(endpoint)
	if strings.HasPrefix(host, bucket+".") {
		return scheme + "://" + host + "/" + object
	}

	return scheme + "://" + bucket + "." + host + "/" + object
}

func splitScheme(endpoint string) (scheme, host string) {
	if idx := strings.Index(endpoint, "://"); idx >= 0 {
		return endpoint[:idx], endpoint[idx+3:]
	}

	return "https", endpoint
}

func signingHeaders(req PutRequest) map[string]string {
	h := map[string]string{
		"x-oss-callback":     base64.StdEncoding.EncodeToString([]byte(req.Callback)),
		"x-oss-callback-var": base64.StdEncoding.EncodeToString([]byte(req.CallbackVar)),
	}

	if req.Creds.SecurityToken != "" {
		h["x-oss-security-token"] = req.Creds.SecurityToken
	}

	return h
}

// canonicalHeaders renders the x-oss-* headers sorted lexicographically by
// (lowercase) name, each as "name:trimmed-value\n".
func canonicalHeaders(headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder

	for _, name := range names {
		b.WriteString(strings.ToLower(name))
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(headers[name]))
		b.WriteByte('\n')
	}

	return b.String()
}

func sign(secret, stringToSign string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseCredentials normalizes the three envelope shapes get_upload_token
// may return for its "data" field (spec.md §4.6): an array (take the
// first element), an object already carrying AccessKeyId/SecurityToken,
// or an object with a nested handle that must be unwrapped once.
func ParseCredentials(raw []byte) (Credentials, error) {
	unwrapped, err := unwrapCredentialData(raw)
	if err != nil {
		return Credentials{}, err
	}

	var fields struct {
		Endpoint        string `json:"endpoint"`
		AccessKeyID     string `json:"AccessKeyId"`
		AccessKeySecret string `json:"AccessKeySecret"`
		// AccessKeySecrett is a known upstream typo variant.
		AccessKeySecretTypo string `json:"AccessKeySecrett"`
		SecurityToken       string `json:"SecurityToken"`
		Expiration          string `json:"Expiration"`
	}

	if err := json.Unmarshal(unwrapped, &fields); err != nil {
		return Credentials{}, errs.New(errs.UpstreamDecode, "decoding upload credentials: %v", err)
	}

	secret := fields.AccessKeySecret
	if secret == "" {
		secret = fields.AccessKeySecretTypo
	}

	endpoint := fields.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	return Credentials{
		Endpoint:        endpoint,
		AccessKeyID:     fields.AccessKeyID,
		AccessKeySecret: secret,
		SecurityToken:   fields.SecurityToken,
		Expiration:      fields.Expiration,
	}, nil
}

func unwrapCredentialData(raw []byte) (json.RawMessage, error) {
	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		if len(asArray) == 0 {
			return nil, errs.New(errs.UpstreamDecode, "empty upload credentials array")
		}

		return asArray[0], nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, errs.New(errs.UpstreamDecode, "decoding upload credentials envelope: %v", err)
	}

	if _, ok := asObject["AccessKeyId"]; ok {
		return raw, nil
	}

	if _, ok := asObject["SecurityToken"]; ok {
		return raw, nil
	}

	for _, key := range []string{"token", "data"} {
		if inner, ok := asObject[key]; ok {
			return inner, nil
		}
	}

	if len(asObject) == 1 {
		for _, inner := range asObject {
			return inner, nil
		}
	}

	return raw, nil
}
