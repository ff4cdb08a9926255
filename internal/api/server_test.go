package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/config"
	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/versioning"
)

const (
	refundsV1 = "Vendor,Amount\nMicrosoft,100\nDell,200\n"
	refundsV2 = "Vendor,Amount\nMICROSOFT_FIXED,100\nDell,999\nNew,50\n"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	meta, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	locks := lock.NewManager(meta, time.Minute, lock.WithLogger(logger))
	vm, err := versioning.New(versioning.Config{
		Blobs:          blob.NewMemoryStore(),
		Meta:           meta,
		Locks:          locks,
		Logger:         logger,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, vm, locks, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, method, url string, body *bytes.Buffer, contentType, actor string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func uploadDoc(t *testing.T, ts *httptest.Server) store.Document {
	t.Helper()
	body, ct := multipartBody(t, "refunds.csv", refundsV1, map[string]string{"project": "proj-1"})
	resp := do(t, http.MethodPost, ts.URL+"/api/documents", body, ct, "alice")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc store.Document
	decode(t, resp, &doc)
	return doc
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/api/health", nil, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	doc := uploadDoc(t, ts)
	assert.Equal(t, 1, doc.CurrentVersion)
	assert.Equal(t, "proj-1", doc.ProjectID)

	resp := do(t, http.MethodGet, ts.URL+"/api/documents?project=proj-1", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []store.Document
	decode(t, resp, &docs)
	require.Len(t, docs, 1)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents?project=other", nil, "", "")
	var none []store.Document
	decode(t, resp, &none)
	assert.Empty(t, none)

	body, ct := multipartBody(t, "refunds.csv", refundsV2, map[string]string{"summary": "fixed vendor"})
	resp = do(t, http.MethodPost, ts.URL+"/api/documents/"+doc.ID+"/versions", body, ct, "bob")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created versioning.CreateVersionResult
	decode(t, resp, &created)
	assert.Equal(t, 2, created.Version.Number)
	assert.Equal(t, "fixed vendor", created.Version.ChangeSummary)
	assert.Equal(t, 1, created.RowsAdded)
	assert.Equal(t, 2, created.RowsModified)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/"+doc.ID+"/versions", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var versions []store.Version
	decode(t, resp, &versions)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Number)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/"+doc.ID+"/versions/1/download", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, refundsV1, buf.String())

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/"+doc.ID+"/versions/2/changes?column=Amount", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var changes []store.CellChange
	decode(t, resp, &changes)
	require.Len(t, changes, 1)
	assert.Equal(t, "bob", changes[0].Actor)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/"+doc.ID+"/diff/1/2?critical=Amount", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result diff.Result
	decode(t, resp, &result)
	assert.Len(t, result.AllChanges, 2)
	require.Len(t, result.CriticalChanges, 1)
	assert.Equal(t, "Amount", result.CriticalChanges[0].Column)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/"+doc.ID+"/diff/1/2?format=unified", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var text diff.TextDiff
	decode(t, resp, &text)
	assert.True(t, text.HasChanges)
	assert.Contains(t, text.UnifiedDiff, "+Dell,999")

	resp = do(t, http.MethodPost, ts.URL+"/api/documents/"+doc.ID+"/restore/1", nil, "", "carol")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var restored versioning.CreateVersionResult
	decode(t, resp, &restored)
	assert.Equal(t, 3, restored.Version.Number)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	doc := uploadDoc(t, ts)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"unknown document", http.MethodGet, "/api/documents/missing", http.StatusNotFound},
		{"unknown history", http.MethodGet, "/api/documents/missing/versions", http.StatusNotFound},
		{"unknown version", http.MethodGet, "/api/documents/" + doc.ID + "/versions/9/download", http.StatusNotFound},
		{"bad version", http.MethodGet, "/api/documents/" + doc.ID + "/versions/abc", http.StatusBadRequest},
		{"bad diff version", http.MethodGet, "/api/documents/" + doc.ID + "/diff/0/1", http.StatusBadRequest},
		{"bad change type", http.MethodGet, "/api/documents/" + doc.ID + "/versions/1/changes?type=renamed", http.StatusBadRequest},
		{"bad row", http.MethodGet, "/api/documents/" + doc.ID + "/versions/1/changes?row=-1", http.StatusBadRequest},
		{"upload without file", http.MethodPost, "/api/documents", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, ts.URL+tt.path, nil, "", "")
			assert.Equal(t, tt.status, resp.StatusCode)
			var apiErr APIError
			decode(t, resp, &apiErr)
			assert.NotEmpty(t, apiErr.Error)
		})
	}
}

func TestUploadInvalidFormat(t *testing.T) {
	ts := newTestServer(t)
	body, ct := multipartBody(t, "broken.xlsx", "not a workbook", map[string]string{"project": "p"})
	resp := do(t, http.MethodPost, ts.URL+"/api/documents", body, ct, "alice")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLockEndpoints(t *testing.T) {
	ts := newTestServer(t)
	doc := uploadDoc(t, ts)
	lockURL := ts.URL + "/api/documents/" + doc.ID + "/lock"

	resp := do(t, http.MethodPost, lockURL, nil, "", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got lockResponse
	decode(t, resp, &got)
	require.NotNil(t, got.Granted)
	assert.True(t, *got.Granted)
	assert.True(t, got.Locked)
	assert.Equal(t, "alice", got.Lock.Holder)

	resp = do(t, http.MethodPost, lockURL, nil, "", "bob")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, lockURL, nil, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// bob cannot commit while alice holds the lock
	body, ct := multipartBody(t, "refunds.csv", refundsV2, nil)
	resp = do(t, http.MethodPost, ts.URL+"/api/documents/"+doc.ID+"/versions", body, ct, "bob")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, lockURL+"/renew", nil, "", "alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, lockURL, nil, "", "bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = lockResponse{}
	decode(t, resp, &got)
	require.NotNil(t, got.Released)
	assert.False(t, *got.Released)

	resp = do(t, http.MethodDelete, lockURL, nil, "", "alice")
	got = lockResponse{}
	decode(t, resp, &got)
	assert.True(t, *got.Released)
	assert.False(t, got.Locked)

	resp = do(t, http.MethodGet, lockURL, nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = lockResponse{}
	decode(t, resp, &got)
	assert.False(t, got.Locked)

	resp = do(t, http.MethodGet, ts.URL+"/api/documents/missing/lock", nil, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
