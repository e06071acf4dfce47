// Package driver exposes folder and file semantics on top of a flat object
// store. Folders are zero byte marker objects whose keys end in "/", or
// prefixes implied by the keys below them.
//
// Identifiers accepted by the driver may carry a leading slash; identifiers
// returned by it are normalized (no leading slash, folders end in "/", the
// root folder is "/").
//
// Recursive folder operations are not transactional. A failure part way
// through a rename, copy or delete leaves the bucket partially migrated.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/cache"
	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/staging"
	"github.com/s3fs-fuse/s3driver/internal/storage"
)

// HashMode selects how Hash computes file hashes
type HashMode string

const (
	// HashIdentifier hashes the identifier string, not the content
	HashIdentifier HashMode = "identifier"
	// HashMetadata reads the digest stored in object metadata at upload time
	HashMetadata HashMode = "metadata"
	// HashContent uses the stored digest, streaming the object when absent
	HashContent HashMode = "content"
)

const (
	DefaultProcessingFolder = "_processed_"
	DefaultProtocol         = "https://"
	DefaultConcurrency      = 4
)

// Config is the per storage configuration of a driver instance
type Config struct {
	StorageID              int
	Bucket                 string
	Endpoint               string
	PublicBaseURL          string
	Protocol               string
	CacheHeaderDuration    time.Duration
	EnablePermissionsCheck bool
	HashMode               HashMode
	ProcessingFolder       string
	Concurrency            int
	TempDir                string
	Multipart              s3client.UploaderOptions
}

func (c *Config) setDefaults() {
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.HashMode == "" {
		c.HashMode = HashIdentifier
	}
	if c.ProcessingFolder == "" {
		c.ProcessingFolder = DefaultProcessingFolder
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// LocalProcessingObserver is notified when a remote file was copied to a
// local temp path. The returned path is handed to the caller instead, which
// lets the observer substitute a processed copy.
type LocalProcessingObserver interface {
	OnLocalProcessingMaterialized(id, path string) string
}

// Option customizes a Driver
type Option func(*Driver)

// WithObserver installs a local processing observer
func WithObserver(o LocalProcessingObserver) Option {
	return func(d *Driver) {
		d.observer = o
	}
}

// WithMetrics attaches a metrics sink to the driver and its cache
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithLogger replaces the driver logger
func WithLogger(log *logrus.Entry) Option {
	return func(d *Driver) {
		d.log = log
	}
}

// Driver implements hierarchical storage operations on one bucket
type Driver struct {
	cfg         Config
	client      *s3client.Client
	cache       *cache.MetadataCache
	uploader    *s3client.Uploader
	staging     *staging.Registry
	permissions *PermissionResolver
	observer    LocalProcessingObserver
	log         *logrus.Entry
	metrics     *metrics.Metrics
	closeOnce   sync.Once
	closeErr    error
}

// New creates a driver. The store backs the metadata cache and stays owned
// by the caller.
func New(cfg Config, client *s3client.Client, store storage.Store, opts ...Option) *Driver {
	cfg.setDefaults()
	if cfg.Bucket == "" {
		cfg.Bucket = client.Bucket()
	}

	d := &Driver{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"component": "driver",
			"bucket":    cfg.Bucket,
			"storage":   cfg.StorageID,
		}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.client = client
	if d.metrics != nil {
		d.client.WithMetrics(d.metrics)
	}
	d.cache = cache.NewMetadataCache(store, d.client, cache.Namespace(cfg.Endpoint, cfg.Bucket), d.metrics).
		WithLogger(d.log.WithField("component", "cache"))
	d.uploader = d.client.NewUploader(cfg.Multipart)
	d.staging = staging.NewRegistry(cfg.TempDir, d.metrics).WithLogger(d.log.WithField("component", "staging"))
	d.permissions = NewPermissionResolver(d.client, cfg.EnablePermissionsCheck, d.log)
	return d
}

// Config returns the effective configuration
func (d *Driver) Config() Config {
	return d.cfg
}

// StorageID returns the configured storage id
func (d *Driver) StorageID() int {
	return d.cfg.StorageID
}

// Close removes every temp file staged by this driver
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.staging.Close()
	})
	return d.closeErr
}

// GetRootLevelFolder returns the identifier of the root folder
func (d *Driver) GetRootLevelFolder() string {
	return identifier.Root
}

// GetDefaultFolder returns the folder new uploads land in, the root folder
func (d *Driver) GetDefaultFolder() string {
	return d.GetRootLevelFolder()
}

// cacheControl returns the Cache-Control header value for new objects
func (d *Driver) cacheControl() string {
	if d.cfg.CacheHeaderDuration <= 0 {
		return ""
	}
	return "max-age=" + strconv.FormatInt(int64(d.cfg.CacheHeaderDuration/time.Second), 10)
}

// changed drops cached state for keys touched by a mutation
func (d *Driver) changed(ctx context.Context, keys ...string) {
	for _, key := range keys {
		d.cache.Invalidate(ctx, key)
	}
	d.cache.FlushListings(ctx)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}
