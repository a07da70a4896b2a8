package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livestate/internal/config"
	"github.com/vango-dev/livestate/internal/errors"
	"github.com/vango-dev/livestate/pkg/client"
	"github.com/vango-dev/livestate/pkg/protocol"
)

type clientFlags struct {
	url       string
	snapshots string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "Server WebSocket URL (default from config, \"ws://localhost:8080/ws\")")
	cmd.Flags().StringVar(&f.snapshots, "snapshots", "", "SQLite file for component snapshots (default: in memory)")
}

func (f *clientFlags) apply(cfg *config.Config) {
	if f.url != "" {
		cfg.Client.URL = f.url
	}
	if f.snapshots != "" {
		cfg.Client.SnapshotDB = f.snapshots
	}
}

// openClient connects a client built from cfg. The returned func closes the
// client and its snapshot store.
func openClient(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	ccfg := cfg.ClientConfig(newLogger(cfg))
	ccfg.OnError = func(err error, fatal bool) {
		if fatal {
			errorMsg("%v", errors.New("L301").Wrap(err))
			return
		}
		warn("%v", err)
	}

	var store *client.SQLiteStore
	if cfg.Client.SnapshotDB != "" {
		var err error
		store, err = client.NewSQLiteStore(cfg.Client.SnapshotDB, "")
		if err != nil {
			return nil, nil, errors.New("L501").Wrap(err)
		}
		ccfg.Store = store
	}
	closeStore := func() {
		if store != nil {
			store.Close()
		}
	}

	c, err := client.New(ccfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if err := c.Open(ctx); err != nil {
		c.Close()
		closeStore()
		return nil, nil, errors.New("L300").
			WithDetail("Dialing " + cfg.Client.URL + " failed.").
			Wrap(err)
	}
	return c, func() {
		c.Close()
		closeStore()
	}, nil
}

func uploadCmd(global *globalFlags) *cobra.Command {
	var (
		flags   clientFlags
		maxSize int64
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to a livestate server",
		Long: `Upload files over the WebSocket connection in adaptively sized chunks.

Chunk size follows the measured round-trip latency. Failed chunks are
resent; Ctrl-C cancels the transfer and tells the server to drop it.

Examples:
  livestate upload ./video.mp4
  livestate upload --url ws://media.example.com/ws a.png b.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if maxSize > 0 {
				cfg.Client.MaxUploadSize = maxSize
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, closeClient, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			for _, path := range args {
				if err := uploadOne(ctx, c, path, quiet); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "Refuse files larger than this many bytes")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}

func uploadOne(ctx context.Context, c *client.Client, path string, quiet bool) error {
	var onProgress func(protocol.UploadProgress)
	if !quiet {
		onProgress = func(p protocol.UploadProgress) {
			fmt.Printf("\r  %s %s %5.1f%% %s", progressBar(p.Progress, 30), path, p.Progress,
				faint(fmt.Sprintf("%d/%d bytes", p.BytesReceived, p.TotalBytes)))
		}
	}

	res, err := c.UploadFile(ctx, path, onProgress)
	if !quiet {
		fmt.Println()
	}
	if err != nil {
		return uploadError(path, err)
	}

	success("%s uploaded in %s", path, res.Elapsed.Round(time.Millisecond))
	info("Location: %s", res.Location)
	if res.Retries > 0 {
		info("%d chunks, %d retried", res.Chunks, res.Retries)
	}
	return nil
}

// uploadError maps client failures onto CLI error codes.
func uploadError(path string, err error) error {
	detail := "Uploading " + path + " failed."
	switch {
	case stderrors.Is(err, client.ErrUploadTooLarge):
		return errors.New("L401").WithDetail(detail).Wrap(err)
	case stderrors.Is(err, os.ErrNotExist), stderrors.Is(err, os.ErrPermission):
		return errors.New("L402").WithDetail(detail).Wrap(err)
	case client.IsCode(err, protocol.ErrUploadRejected):
		return errors.New("L403").Wrap(err)
	case stderrors.Is(err, context.Canceled):
		return errors.New("L400").WithDetail("Upload of " + path + " cancelled.")
	}
	return errors.New("L400").WithDetail(detail).Wrap(err)
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + green(strings.Repeat("=", filled)) + strings.Repeat(" ", width-filled) + "]"
}
