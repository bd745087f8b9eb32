package oss_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open115/restic-rest-gateway/internal/oss"
)

func TestPut_SignsAndParsesCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), "OSS ak-id:")
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("x-oss-callback"))
		assert.Equal(t, "tok", r.Header.Get("x-oss-security-token"))

		w.Write([]byte(`{"state":true,"code":0,"data":{"file_id":"1","pick_code":"p","file_name":"n","file_size":5,"sha1":"x","cid":"0"}}`))
	}))
	defer srv.Close()

	cb, err := oss.Put(srv.Client(), oss.PutRequest{
		Creds: oss.Credentials{
			Endpoint:        srv.URL,
			AccessKeyID:     "ak-id",
			AccessKeySecret: "secret",
			SecurityToken:   "tok",
		},
		Bucket:      "mybucket",
		Object:      "data/ab/abcdef",
		Callback:    "cbstring",
		CallbackVar: "varstring",
		Body:        []byte("hello"),
	})
	require.NoError(t, err)
	require.NotNil(t, cb)
	assert.Equal(t, "1", cb.FileID)
	assert.Equal(t, "p", cb.PickCode)
}

func TestPut_EmptyBodyReturnsNoCallbackData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := oss.Put(srv.Client(), oss.PutRequest{
		Creds:  oss.Credentials{Endpoint: srv.URL, AccessKeyID: "a", AccessKeySecret: "b"},
		Bucket: "bucket",
		Object: "o",
		Body:   []byte("x"),
	})
	require.Error(t, err)
}

func TestPut_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "access denied", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := oss.Put(srv.Client(), oss.PutRequest{
		Creds:  oss.Credentials{Endpoint: srv.URL, AccessKeyID: "a", AccessKeySecret: "b"},
		Bucket: "bucket",
		Object: "o",
		Body:   []byte("x"),
	})
	require.Error(t, err)
}

func TestPut_UnparseableCallbackReturnsNoCallbackData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := oss.Put(srv.Client(), oss.PutRequest{
		Creds:  oss.Credentials{Endpoint: srv.URL, AccessKeyID: "a", AccessKeySecret: "b"},
		Bucket: "bucket",
		Object: "o",
		Body:   []byte("x"),
	})
	require.Error(t, err)
}

func TestParseCredentials_ArrayShape(t *testing.T) {
	raw, _ := json.Marshal([]map[string]any{
		{"endpoint": "oss-cn-shenzhen.aliyuncs.com", "AccessKeyId": "ak", "AccessKeySecret": "sk", "SecurityToken": "st"},
	})

	creds, err := oss.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
	assert.Equal(t, "https://oss-cn-shenzhen.aliyuncs.com", creds.Endpoint)
}

func TestParseCredentials_ObjectShape(t *testing.T) {
	raw := []byte(`{"endpoint":"https://oss.example.com","AccessKeyId":"ak","AccessKeySecret":"sk","SecurityToken":"st"}`)

	creds, err := oss.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
	assert.Equal(t, "https://oss.example.com", creds.Endpoint)
}

func TestParseCredentials_NestedUnwrap(t *testing.T) {
	raw := []byte(`{"token":{"endpoint":"oss.example.com","AccessKeyId":"ak","AccessKeySecret":"sk","SecurityToken":"st"}}`)

	creds, err := oss.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
}

func TestParseCredentials_TypoVariant(t *testing.T) {
	raw := []byte(`{"endpoint":"oss.example.com","AccessKeyId":"ak","AccessKeySecrett":"sk","SecurityToken":"st"}`)

	creds, err := oss.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "sk", creds.AccessKeySecret)
}

func TestParseCredentials_SingleEntryObjectUnwrap(t *testing.T) {
	raw := []byte(`{"data":{"endpoint":"oss.example.com","AccessKeyId":"ak","AccessKeySecret":"sk","SecurityToken":"st"}}`)

	creds, err := oss.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
}
