package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/s3fs-fuse/s3driver/internal/credentials"
	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/storage"
)

// Config holds the process configuration. It is built once at startup and
// handed to every component explicitly.
type Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	SessionToken  string `mapstructure:"session_token"`
	PasswdFile    string `mapstructure:"passwd_file"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	Protocol      string `mapstructure:"protocol"`
	Endpoint      string `mapstructure:"endpoint"`
	PathStyle     bool   `mapstructure:"path_style"`

	CacheHeaderDuration    int    `mapstructure:"cache_header_duration"` // seconds, 0 disables the header
	EnablePermissionsCheck bool   `mapstructure:"enable_permissions_check"`
	HashMode               string `mapstructure:"hash_mode"` // identifier, metadata, content
	ProcessingFolder       string `mapstructure:"processing_folder"`
	StorageID              int    `mapstructure:"storage_id"`
	Concurrency            int    `mapstructure:"concurrency"`
	TempDir                string `mapstructure:"temp_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Multipart MultipartConfig `mapstructure:"multipart"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
}

// MultipartConfig tunes the multipart uploader
type MultipartConfig struct {
	PartSize    int64 `mapstructure:"part_size"`
	MaxAttempts int   `mapstructure:"max_attempts"`
}

// CacheConfig selects and configures the metadata cache store
type CacheConfig struct {
	Backend    string `mapstructure:"backend"` // memory, postgres, mongodb
	MaxEntries int    `mapstructure:"max_entries"`
	TTL        int    `mapstructure:"ttl"` // seconds, 0 keeps entries until evicted

	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`

	MongoURI        string `mapstructure:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection"`
}

// ServerConfig configures the HTTP delivery server
type ServerConfig struct {
	Listen      string `mapstructure:"listen"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// RegisterFlags declares the persistent flags Load binds to
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String("bucket", "", "bucket name")
	f.String("region", "", "bucket region")
	f.String("endpoint", "", "custom S3 endpoint URL")
	f.Bool("path-style", false, "use path style addressing")
	f.String("passwd-file", "", "credentials file (ACCESS_KEY:SECRET_KEY or BUCKET:ACCESS_KEY:SECRET_KEY)")
	f.String("public-base-url", "", "host used for public URLs")
	f.String("protocol", "", "protocol prefix used for public URLs")
	f.String("hash-mode", "", "file hash mode: identifier, metadata or content")
	f.Int("storage-id", 0, "storage id reported in file info")
	f.Int("concurrency", 0, "parallel operations per folder level")
	f.String("temp-dir", "", "directory for staged temp files")
	f.String("cache-backend", "", "metadata cache store: memory, postgres or mongodb")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (text, json)")
	f.String("listen", "", "HTTP listen address")
}

// Load builds the configuration from defaults, an optional config file,
// S3DRIVER_ environment variables and flags, in increasing precedence
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Value.String() != "" {
		v.SetConfigFile(flag.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("S3DRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bucket", "")
	v.SetDefault("region", "eu-central-1")
	v.SetDefault("access_key", "")
	v.SetDefault("secret_key", "")
	v.SetDefault("session_token", "")
	v.SetDefault("passwd_file", "")
	v.SetDefault("public_base_url", "")
	v.SetDefault("protocol", driver.DefaultProtocol)
	v.SetDefault("endpoint", "")
	v.SetDefault("path_style", false)

	v.SetDefault("cache_header_duration", 0)
	v.SetDefault("enable_permissions_check", false)
	v.SetDefault("hash_mode", string(driver.HashIdentifier))
	v.SetDefault("processing_folder", driver.DefaultProcessingFolder)
	v.SetDefault("storage_id", 0)
	v.SetDefault("concurrency", driver.DefaultConcurrency)
	v.SetDefault("temp_dir", os.TempDir())

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("multipart.part_size", s3client.DefaultPartSize)
	v.SetDefault("multipart.max_attempts", s3client.DefaultMaxAttempts)

	v.SetDefault("cache.backend", string(storage.BackendTypeMemory))
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl", 0)
	v.SetDefault("cache.postgres_dsn", "")
	v.SetDefault("cache.postgres_table", "s3driver_cache")
	v.SetDefault("cache.mongo_uri", "")
	v.SetDefault("cache.mongo_database", "s3driver")
	v.SetDefault("cache.mongo_collection", "cache")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.metrics_path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"bucket":          "bucket",
		"region":          "region",
		"endpoint":        "endpoint",
		"path-style":      "path_style",
		"passwd-file":     "passwd_file",
		"public-base-url": "public_base_url",
		"protocol":        "protocol",
		"hash-mode":       "hash_mode",
		"storage-id":      "storage_id",
		"concurrency":     "concurrency",
		"temp-dir":        "temp_dir",
		"cache-backend":   "cache.backend",
		"log-level":       "log_level",
		"log-format":      "log_format",
		"listen":          "server.listen",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("bucket is required: specify via --bucket flag, config file, or S3DRIVER_BUCKET environment variable")
	}

	if !strings.HasSuffix(cfg.Protocol, "://") {
		return fmt.Errorf("protocol must end with \"://\", got %q", cfg.Protocol)
	}

	switch driver.HashMode(cfg.HashMode) {
	case driver.HashIdentifier, driver.HashMetadata, driver.HashContent:
	default:
		return fmt.Errorf("unknown hash_mode %q", cfg.HashMode)
	}

	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if cfg.CacheHeaderDuration < 0 {
		return fmt.Errorf("cache_header_duration must not be negative")
	}

	if cfg.Multipart.PartSize < s3client.MinPartSize {
		return fmt.Errorf("multipart.part_size must be at least %d bytes", s3client.MinPartSize)
	}
	if cfg.Multipart.MaxAttempts < 1 {
		return fmt.Errorf("multipart.max_attempts must be at least 1")
	}

	switch storage.BackendType(cfg.Cache.Backend) {
	case storage.BackendTypeMemory:
	case storage.BackendTypePostgres:
		if cfg.Cache.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn is required for the postgres cache backend")
		}
	case storage.BackendTypeMongoDB:
		if cfg.Cache.MongoURI == "" {
			return fmt.Errorf("cache.mongo_uri is required for the mongodb cache backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", cfg.Cache.Backend)
	}

	return nil
}

// Credentials resolves credentials from the config, the passwd file and
// the environment, in that order. Nil means the SDK default chain applies.
func (c *Config) Credentials() (*credentials.Credentials, error) {
	return credentials.Resolve(c.AccessKey, c.SecretKey, c.SessionToken, c.PasswdFile, c.Bucket)
}

// ClientOptions returns the object store connection options
func (c *Config) ClientOptions(creds *credentials.Credentials) s3client.Options {
	return s3client.Options{
		Bucket:      c.Bucket,
		Region:      c.Region,
		Endpoint:    c.Endpoint,
		PathStyle:   c.PathStyle,
		Credentials: creds,
	}
}

// DriverConfig returns the per storage driver configuration
func (c *Config) DriverConfig() driver.Config {
	return driver.Config{
		StorageID:              c.StorageID,
		Bucket:                 c.Bucket,
		Endpoint:               c.Endpoint,
		PublicBaseURL:          c.PublicBaseURL,
		Protocol:               c.Protocol,
		CacheHeaderDuration:    time.Duration(c.CacheHeaderDuration) * time.Second,
		EnablePermissionsCheck: c.EnablePermissionsCheck,
		HashMode:               driver.HashMode(c.HashMode),
		ProcessingFolder:       c.ProcessingFolder,
		Concurrency:            c.Concurrency,
		TempDir:                c.TempDir,
		Multipart: s3client.UploaderOptions{
			PartSize:    c.Multipart.PartSize,
			MaxAttempts: c.Multipart.MaxAttempts,
		},
	}
}

// StoreConfig returns the metadata cache store configuration
func (c *Config) StoreConfig() storage.Config {
	return storage.Config{
		Type:            storage.BackendType(c.Cache.Backend),
		MaxEntries:      c.Cache.MaxEntries,
		TTL:             time.Duration(c.Cache.TTL) * time.Second,
		PostgresDSN:     c.Cache.PostgresDSN,
		PostgresTable:   c.Cache.PostgresTable,
		MongoURI:        c.Cache.MongoURI,
		MongoDatabase:   c.Cache.MongoDatabase,
		MongoCollection: c.Cache.MongoCollection,
	}
}
