package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/livestate/internal/config"
	"github.com/vango-dev/livestate/internal/demo"
	"github.com/vango-dev/livestate/internal/errors"
	"github.com/vango-dev/livestate/pkg/server"
	"github.com/vango-dev/livestate/pkg/upload"
)

type serveFlags struct {
	addr            string
	path            string
	uploadDir       string
	s3Bucket        string
	clock           time.Duration
	allowAllOrigins bool
	statsInterval   time.Duration
}

func serveCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the livestate server",
		Long: `Run the WebSocket server with the demo Clock and Counter components.

Uploads are enabled when an upload directory or S3 bucket is configured.
The snapshot signing key comes from the config file or the
LIVESTATE_SNAPSHOT_KEY environment variable.

Examples:
  LIVESTATE_SNAPSHOT_KEY=dev livestate serve
  livestate serve --addr :9000 --upload-dir ./uploads
  livestate serve --s3-bucket assets --clock 1s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireSnapshotKey(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, flags.statsInterval)
		},
	}

	cmd.Flags().StringVarP(&flags.addr, "addr", "a", "", "Address to listen on (default from config, \":8080\")")
	cmd.Flags().StringVar(&flags.path, "path", "", "WebSocket path (default \"/ws\")")
	cmd.Flags().StringVar(&flags.uploadDir, "upload-dir", "", "Store completed uploads in this directory")
	cmd.Flags().StringVar(&flags.s3Bucket, "s3-bucket", "", "Store completed uploads in this S3 bucket")
	cmd.Flags().DurationVar(&flags.clock, "clock", 0, "Make Clock components tick at this interval")
	cmd.Flags().BoolVar(&flags.allowAllOrigins, "allow-all-origins", false, "Accept WebSocket handshakes from any origin")
	cmd.Flags().DurationVar(&flags.statsInterval, "stats", 0, "Log session statistics at this interval")

	return cmd
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.addr != "" {
		cfg.Server.Address = f.addr
	}
	if f.path != "" {
		cfg.Server.Path = f.path
	}
	if f.uploadDir != "" {
		cfg.Upload.Dir = f.uploadDir
		cfg.Upload.S3.Bucket = ""
	}
	if f.s3Bucket != "" {
		cfg.Upload.S3.Bucket = f.s3Bucket
		cfg.Upload.Dir = ""
	}
	if cmd.Flags().Changed("clock") {
		cfg.Server.ClockInterval = config.Duration(f.clock)
	}
	if f.allowAllOrigins {
		cfg.Server.AllowAllOrigins = true
	}
}

func runServe(ctx context.Context, cfg *config.Config, statsInterval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg)

	reg := server.NewRegistry()
	if err := demo.Register(reg, demo.Options{ClockInterval: cfg.Server.ClockInterval.Std()}); err != nil {
		return err
	}

	srvCfg := cfg.ServerConfig(logger)
	store, err := newUploadStore(cfg)
	if err != nil {
		return err
	}
	srvCfg.UploadStore = store

	srv, err := server.New(srvCfg, reg)
	if err != nil {
		return errors.New("L200").Wrap(err)
	}

	if cfg.Path() != "" {
		info("Config: %s", cfg.Path())
	}
	success("Listening on %s%s", cfg.Server.Address, cfg.Server.Path)
	info("Components: %v", reg.Names())
	switch {
	case cfg.Upload.Dir != "":
		info("Uploads: %s", cfg.Upload.Dir)
	case cfg.Upload.S3.Bucket != "":
		info("Uploads: s3://%s/%s", cfg.Upload.S3.Bucket, cfg.Upload.S3.Prefix)
	default:
		warn("Uploads disabled (set --upload-dir or --s3-bucket)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if statsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, srv, logger, statsInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if stderrors.Is(err, syscall.EADDRINUSE) {
			return errors.New("L201").
				WithDetail(fmt.Sprintf("Could not listen on %s.", cfg.Server.Address)).
				Wrap(err)
		}
		return errors.New("L200").Wrap(err)
	}
	success("Server stopped")
	return nil
}

func logStats(ctx context.Context, srv *server.Server, logger *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := srv.Sessions().Stats()
			logger.Info("sessions",
				"connections", srv.ConnCount(),
				"active", stats.Active,
				"detached", stats.Detached,
				"created", stats.TotalCreated,
				"rebound", stats.TotalRebound,
				"uploads", srv.Uploads().Count())
		}
	}
}

// newUploadStore builds the configured store, or returns nil when uploads
// are disabled.
func newUploadStore(cfg *config.Config) (upload.Store, error) {
	switch {
	case cfg.Upload.Dir != "":
		store, err := upload.NewDiskStore(cfg.Upload.Dir)
		if err != nil {
			return nil, errors.New("L500").Wrap(err)
		}
		return store, nil

	case cfg.Upload.S3.Bucket != "":
		s3cfg := cfg.Upload.S3
		region := s3cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			return nil, errors.New("L500").
				WithDetail("An S3 bucket is configured without a region.").
				WithSuggestion("Set upload.s3.region or AWS_REGION")
		}
		client := s3.New(s3.Options{
			Region:       region,
			Credentials:  aws.NewCredentialsCache(envCredentials()),
			UsePathStyle: s3cfg.PathStyle,
		}, func(o *s3.Options) {
			if s3cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			}
		})
		return upload.NewS3Store(client, s3cfg.Bucket, s3cfg.Prefix), nil
	}
	return nil, nil
}

// envCredentials reads the standard AWS_* variables on every retrieval.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		creds := aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "livestate-env",
		}
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return aws.Credentials{}, stderrors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return creds, nil
	})
}
