package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
)

func newTestServer(t *testing.T, config Config) (*httptest.Server, *remote.Memory, *Server) {
	t.Helper()
	config.Logger = log.New(io.Discard, "", 0)
	mem := remote.NewMemory(remote.MemoryConfig{})
	srv := New(mem, config)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, mem, srv
}

func doRequest(t *testing.T, method, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{Token: "secret"})

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health must not require auth")
}

func TestRecordRoutes(t *testing.T) {
	ts, mem, _ := newTestServer(t, Config{})

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/surveys", "application/json", []byte(`{"city":"Recife"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	resp = doRequest(t, http.MethodPatch, ts.URL+"/v1/surveys/"+id, "application/json", []byte(`{"status":"finalized"}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	rec, ok := mem.Get(schema.KindSurvey, id)
	require.True(t, ok)
	assert.Equal(t, "Recife", rec["city"])
	assert.Equal(t, "finalized", rec["status"])

	resp = doRequest(t, http.MethodPut, ts.URL+"/v1/surveys/"+id, "application/json", []byte(`{"city":"Olinda"}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/v1/surveys/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/v1/surveys/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectsBadInput(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/widgets", "application/json", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, ts.URL+"/v1/media_jobs", "application/json", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "media jobs are local only")

	resp = doRequest(t, http.MethodPost, ts.URL+"/v1/forms", "application/json", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBlobRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{PublicURL: "https://sync.test"})

	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/blobs/media/surveys/abc/1-x.webm", "audio/webm", []byte("payload"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "https://sync.test/v1/blobs/media/surveys/abc/1-x.webm", out["url"])

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/blobs/media/surveys/abc/1-x.webm", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "audio/webm", resp.Header.Get("Content-Type"))

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/blobs/media/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBlobTooLarge(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{MaxBlobBytes: 4})

	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/blobs/media/big", "audio/webm", []byte(strings.Repeat("x", 10)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAuthAndEnrich(t *testing.T) {
	ts, _, srv := newTestServer(t, Config{Token: "secret"})

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/enrich/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/enrich/pending", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, srv.EnrichKicks())
}
