package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s3fs-fuse/s3driver/internal/config"
	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/logging"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
	"github.com/s3fs-fuse/s3driver/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// newClient is replaced in tests
var newClient = func(ctx context.Context, cfg *config.Config) (*s3client.Client, error) {
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}
	return s3client.NewClient(ctx, cfg.ClientOptions(creds))
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "s3driver",
		Short: "Hierarchical file storage on S3 compatible object stores",
		Long: `s3driver exposes folders and files on top of a flat S3 bucket. Folders are
zero byte marker objects, recursive operations are emulated per object.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)

	root.AddCommand(
		newLsCmd(),
		newCountCmd(),
		newMkdirCmd(),
		newRmCmd(),
		newRenameCmd(),
		newTransferCmd("mv", "Move a file or folder into another folder", true),
		newTransferCmd("cp", "Copy a file or folder into another folder", false),
		newPutCmd(),
		newGetCmd(),
		newStatCmd(),
		newURLCmd(),
		newHashCmd(),
		newMountCmd(),
		newServeCmd(),
	)
	return root
}

// app holds the components shared by every command
type app struct {
	cfg     *config.Config
	driver  *driver.Driver
	store   storage.Store
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("cli")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m := metrics.New()
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store, err := storage.NewStore(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	d := driver.New(cfg.DriverConfig(), client, store,
		driver.WithMetrics(m),
		driver.WithLogger(logging.Component("driver")),
	)

	log.WithFields(logrus.Fields{
		"bucket":   cfg.Bucket,
		"endpoint": cfg.Endpoint,
		"cache":    cfg.Cache.Backend,
	}).Debug("Driver ready")

	return &app{cfg: cfg, driver: d, store: store, metrics: m, log: log}, nil
}

func (a *app) Close() error {
	derr := a.driver.Close()
	serr := a.store.Close()
	if derr != nil {
		return derr
	}
	return serr
}

// withApp runs fn with an opened app and closes it afterwards
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.log.WithError(err).Warn("Failed to close driver")
			}
		}()
		return fn(cmd, a, args)
	}
}
