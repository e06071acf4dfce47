// Package cache implements the metadata and listing cache that sits between
// the driver and the object store gateway.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/storage"
)

const (
	tierMetadata = "metadata"
	tierListing  = "listing"
)

// Gateway is the subset of the object store client the cache reads through
type Gateway interface {
	Head(ctx context.Context, key string) (*s3client.ObjectInfo, error)
	List(ctx context.Context, prefix string, opts s3client.ListOptions) (*s3client.ListResult, error)
}

// entry is a cached head result. Exists=false records a confirmed absence.
type entry struct {
	Exists bool                 `json:"exists"`
	Info   *s3client.ObjectInfo `json:"info,omitempty"`
}

// MetadataCache caches head results (including absences) and listing
// results. Keys are namespaced by endpoint and bucket, so several caches can
// share one store.
type MetadataCache struct {
	store     storage.Store
	gateway   Gateway
	namespace string
	group     singleflight.Group
	epoch     atomic.Uint64
	log       *logrus.Entry
	metrics   *metrics.Metrics
}

// Namespace derives the key namespace for an endpoint and bucket
func Namespace(endpoint, bucket string) string {
	sum := sha1.Sum([]byte(endpoint + "|" + bucket))
	return hex.EncodeToString(sum[:])
}

// NewMetadataCache creates a cache reading through gateway
func NewMetadataCache(store storage.Store, gateway Gateway, namespace string, m *metrics.Metrics) *MetadataCache {
	return &MetadataCache{
		store:     store,
		gateway:   gateway,
		namespace: namespace,
		log:       logrus.WithFields(logrus.Fields{"component": "cache", "namespace": namespace[:min(8, len(namespace))]}),
		metrics:   m,
	}
}

// WithLogger replaces the logger
func (c *MetadataCache) WithLogger(log *logrus.Entry) *MetadataCache {
	c.log = log
	return c
}

func (c *MetadataCache) metaKey(key string) string {
	return c.namespace + ":meta:" + key
}

func (c *MetadataCache) listPrefix() string {
	return c.namespace + ":list:"
}

func (c *MetadataCache) listKey(prefix string, opts s3client.ListOptions) string {
	shape := prefix + "|" + opts.Delimiter + "|" + strconv.Itoa(int(opts.MaxKeys)) + "|" + opts.ContinuationToken
	sum := sha1.Sum([]byte(shape))
	return c.listPrefix() + hex.EncodeToString(sum[:])
}

// GetMetadata returns the metadata of key. A missing object, cached or not,
// yields an error matching s3client.ErrNotFound. Head failures other than
// absence are logged and reported as not found without being cached.
func (c *MetadataCache) GetMetadata(ctx context.Context, key string) (*s3client.ObjectInfo, error) {
	storeKey := c.metaKey(key)
	if e, ok := c.load(ctx, storeKey); ok {
		c.metrics.CacheLookup(tierMetadata, true)
		return e.result(key)
	}
	c.metrics.CacheLookup(tierMetadata, false)

	v, _, _ := c.group.Do(storeKey, func() (interface{}, error) {
		epoch := c.epoch.Load()
		info, err := c.gateway.Head(ctx, key)
		switch {
		case err == nil:
			e := &entry{Exists: true, Info: info}
			c.save(ctx, epoch, storeKey, e)
			return e, nil
		case s3client.IsNotFound(err):
			e := &entry{Exists: false}
			c.save(ctx, epoch, storeKey, e)
			return e, nil
		default:
			c.log.WithError(err).WithField("key", key).Warn("Head probe failed, treating object as absent")
			return &entry{Exists: false}, nil
		}
	})
	return v.(*entry).result(key)
}

// List returns a listing for the exact request shape, served from cache when
// possible. Fresh listings prime the metadata tier with every listed object.
func (c *MetadataCache) List(ctx context.Context, prefix string, opts s3client.ListOptions) (*s3client.ListResult, error) {
	storeKey := c.listKey(prefix, opts)
	if raw, ok, err := c.store.Get(ctx, storeKey); err == nil && ok {
		var result s3client.ListResult
		if err := json.Unmarshal(raw, &result); err == nil {
			c.metrics.CacheLookup(tierListing, true)
			return &result, nil
		}
	}
	c.metrics.CacheLookup(tierListing, false)

	v, err, _ := c.group.Do(storeKey, func() (interface{}, error) {
		epoch := c.epoch.Load()
		result, err := c.gateway.List(ctx, prefix, opts)
		if err != nil {
			return nil, err
		}
		for i := range result.Objects {
			info := result.Objects[i]
			c.save(ctx, epoch, c.metaKey(info.Key), &entry{Exists: true, Info: &info})
		}
		c.save(ctx, epoch, storeKey, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*s3client.ListResult), nil
}

// Invalidate drops the cached metadata of key
func (c *MetadataCache) Invalidate(ctx context.Context, key string) {
	storeKey := c.metaKey(key)
	c.epoch.Add(1)
	c.group.Forget(storeKey)
	if err := c.store.Delete(ctx, storeKey); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Failed to invalidate cache entry")
	}
}

// FlushListings drops every cached listing of this namespace
func (c *MetadataCache) FlushListings(ctx context.Context) {
	c.epoch.Add(1)
	if err := c.store.DeletePrefix(ctx, c.listPrefix()); err != nil {
		c.log.WithError(err).Warn("Failed to flush listing cache")
	}
}

// Flush drops every cached entry of this namespace
func (c *MetadataCache) Flush(ctx context.Context) {
	c.epoch.Add(1)
	if err := c.store.DeletePrefix(ctx, c.namespace+":"); err != nil {
		c.log.WithError(err).Warn("Failed to flush cache")
	}
}

func (c *MetadataCache) load(ctx context.Context, storeKey string) (*entry, bool) {
	raw, ok, err := c.store.Get(ctx, storeKey)
	if err != nil {
		c.log.WithError(err).Debug("Cache store read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// save stores v unless an invalidation happened since epoch was read
func (c *MetadataCache) save(ctx context.Context, epoch uint64, storeKey string, v interface{}) {
	if c.epoch.Load() != epoch {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, storeKey, raw); err != nil {
		c.log.WithError(err).Debug("Cache store write failed")
	}
}

func (e *entry) result(key string) (*s3client.ObjectInfo, error) {
	if !e.Exists || e.Info == nil {
		return nil, fmt.Errorf("%w: %s", s3client.ErrNotFound, key)
	}
	info := *e.Info
	return &info, nil
}
