package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/s3fs-fuse/s3driver/internal/storage/memory"
	"github.com/s3fs-fuse/s3driver/internal/storage/mongodb"
	"github.com/s3fs-fuse/s3driver/internal/storage/postgres"
)

// BackendType represents the type of cache store
type BackendType string

const (
	BackendTypeMemory   BackendType = "memory"
	BackendTypePostgres BackendType = "postgres"
	BackendTypeMongoDB  BackendType = "mongodb"
)

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*mongodb.Store)(nil)
)

// Config holds configuration for creating a store
type Config struct {
	Type BackendType

	// Memory config
	MaxEntries int
	TTL        time.Duration

	// Postgres config
	PostgresDSN   string
	PostgresTable string

	// MongoDB config
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// NewStore creates a new store based on the config
func NewStore(ctx context.Context, config Config) (Store, error) {
	switch config.Type {
	case BackendTypeMemory, "":
		maxEntries := config.MaxEntries
		if maxEntries <= 0 {
			maxEntries = 10000
		}
		return memory.New(maxEntries, config.TTL), nil

	case BackendTypePostgres:
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("PostgreSQL connection string is required")
		}
		table := config.PostgresTable
		if table == "" {
			table = "s3driver_cache"
		}
		return postgres.New(ctx, config.PostgresDSN, table)

	case BackendTypeMongoDB:
		if config.MongoURI == "" {
			return nil, fmt.Errorf("MongoDB URI is required")
		}
		database := config.MongoDatabase
		if database == "" {
			database = "s3driver"
		}
		collection := config.MongoCollection
		if collection == "" {
			collection = "cache"
		}
		return mongodb.New(ctx, config.MongoURI, database, collection)

	default:
		return nil, fmt.Errorf("unknown cache backend type: %s", config.Type)
	}
}
