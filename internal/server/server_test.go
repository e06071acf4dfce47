package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/logging"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/storage/memory"
)

func newTestServer(t *testing.T, mutate ...func(*driver.Config)) (*Server, *driver.Driver, *s3client.MockClient) {
	t.Helper()
	mock := s3client.NewMockClient("test-bucket")
	store := memory.New(1000, 0)
	m := metrics.New()
	cfg := driver.Config{
		Bucket:        "test-bucket",
		PublicBaseURL: "cdn.example.com",
		TempDir:       t.TempDir(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	client := s3client.NewFromAPI(mock, "test-bucket").WithLogger(logging.Discard())
	d := driver.New(cfg, client, store, driver.WithMetrics(m), driver.WithLogger(logging.Discard()))
	t.Cleanup(func() {
		d.Close()
		store.Close()
	})
	s := New(d, m, Options{Listen: ":0", MetricsPath: "/metrics"}, logging.Discard())
	return s, d, mock
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDownload(t *testing.T) {
	s, d, _ := newTestServer(t, func(c *driver.Config) { c.CacheHeaderDuration = 3600e9 })
	_, err := d.SetFileContents(context.Background(), "docs/readme.txt", []byte("hello"))
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/files/docs/readme.txt?download=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "attachment; filename=readme.txt", rec.Header().Get("Content-Disposition"))

	rec = do(t, s, http.MethodHead, "/files/docs/readme.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/files/docs/missing.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadRefinesMissingContentType(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("docs/report.pdf", []byte("%PDF-1.4"))

	rec := do(t, s, http.MethodGet, "/files/docs/report.pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
}

func TestDownloadBackendFailure(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("a.txt", []byte("a"))
	mock.FailOperation(s3client.OpGetObject, 1, assert.AnError)

	rec := do(t, s, http.MethodGet, "/files/a.txt")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestFileInfo(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("images/logo.png", []byte("png"))

	rec := do(t, s, http.MethodGet, "/api/v1/info/images/logo.png?props=name,size,identifier_hash")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	decode(t, rec, &info)
	assert.Equal(t, map[string]interface{}{
		"name":            "logo.png",
		"size":            float64(3),
		"identifier_hash": identifier.Hash("images/logo.png"),
	}, info)

	rec = do(t, s, http.MethodGet, "/api/v1/info/images/none.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFolder(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("docs/", nil)
	mock.Seed("docs/b.txt", []byte("b"))
	mock.Seed("docs/a.txt", []byte("a"))
	mock.Seed("docs/sub/c.txt", []byte("c"))

	rec := do(t, s, http.MethodGet, "/api/v1/folders/docs?sort=name&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing folderListing
	decode(t, rec, &listing)
	assert.Equal(t, "docs/", listing.Folder)
	assert.Equal(t, []string{"docs/sub/"}, listing.Folders)
	assert.Equal(t, []string{"docs/a.txt"}, listing.Files)

	rec = do(t, s, http.MethodGet, "/api/v1/folders")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listing)
	assert.Equal(t, "/", listing.Folder)
	assert.Equal(t, []string{"docs/"}, listing.Folders)

	rec = do(t, s, http.MethodGet, "/api/v1/folders/docs?start=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/folders/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicURL(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("a b/c.txt", []byte("c"))

	rec := do(t, s, http.MethodGet, "/api/v1/url/a%20b/c.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "https://cdn.example.com/a%20b/c.txt", body["url"])

	rec = do(t, s, http.MethodGet, "/api/v1/url/missing.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHash(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/hash/images/bytes-1009.png")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "8b6249ec878b12d3f014e616336fefaac0b4d0dd", body["hash"])

	s, _, mock := newTestServer(t, func(c *driver.Config) { c.HashMode = driver.HashMetadata })
	mock.Seed("a.txt", []byte("a"))
	rec = do(t, s, http.MethodGet, "/api/v1/hash/a.txt?algorithm=crc32")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/hash/a.txt")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	s, _, mock := newTestServer(t)
	mock.Seed("a.txt", []byte("a"))
	do(t, s, http.MethodGet, "/files/a.txt")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3driver_")
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.httpServer.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Start(ctx))
}
