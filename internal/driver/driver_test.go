package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/s3driver/internal/logging"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/storage/memory"
)

func newTestDriver(t *testing.T, mutate ...func(*Config)) (*Driver, *s3client.MockClient) {
	t.Helper()
	mock := s3client.NewMockClient("test-bucket")
	store := memory.New(10000, 0)
	cfg := Config{
		StorageID: 7,
		Bucket:    "test-bucket",
		TempDir:   t.TempDir(),
		Multipart: s3client.UploaderOptions{PartSize: s3client.MinPartSize, MaxAttempts: 3},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	client := s3client.NewFromAPI(mock, "test-bucket").WithLogger(logging.Discard())
	d := New(cfg, client, store, WithMetrics(metrics.New()), WithLogger(logging.Discard()))
	t.Cleanup(func() {
		d.Close()
		store.Close()
	})
	return d, mock
}

func TestNewAppliesDefaults(t *testing.T) {
	d, _ := newTestDriver(t)
	cfg := d.Config()

	assert.Equal(t, DefaultProtocol, cfg.Protocol)
	assert.Equal(t, HashIdentifier, cfg.HashMode)
	assert.Equal(t, DefaultProcessingFolder, cfg.ProcessingFolder)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, 7, d.StorageID())
	assert.Equal(t, "/", d.GetRootLevelFolder())
}

func TestCacheControlHeader(t *testing.T) {
	d, mock := newTestDriver(t, func(c *Config) { c.CacheHeaderDuration = time.Hour })
	ctx := context.Background()

	_, err := d.SetFileContents(ctx, "a.txt", []byte("x"))
	require.NoError(t, err)
	obj, ok := mock.Object("a.txt")
	require.True(t, ok)
	assert.Equal(t, "max-age=3600", obj.CacheControl)

	plain, plainMock := newTestDriver(t)
	_, err = plain.SetFileContents(ctx, "a.txt", []byte("x"))
	require.NoError(t, err)
	obj, _ = plainMock.Object("a.txt")
	assert.Empty(t, obj.CacheControl)
}

func TestGetDefaultFolderIsRoot(t *testing.T) {
	d, mock := newTestDriver(t)

	assert.Equal(t, "/", d.GetDefaultFolder())
	assert.Equal(t, d.GetRootLevelFolder(), d.GetDefaultFolder())
	assert.Equal(t, 0, mock.Calls(s3client.OpPutObject))
	assert.Equal(t, 0, mock.Calls(s3client.OpHeadObject)+mock.Calls(s3client.OpListObjectsV2))
	assert.Empty(t, mock.Keys())
}

func TestCloseIsIdempotent(t *testing.T) {
	d, _ := newTestDriver(t)
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
