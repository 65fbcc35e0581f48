package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/engine"
	"github.com/italolelis/direct_downloader/internal/fetch"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

var getOpts struct {
	workers      int
	chunkUnit    int64
	probeRetries int
	verbose      bool
}

var getCmd = &cobra.Command{
	Use:   "get <url> <destination>",
	Short: "Download a single file in the foreground",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if getOpts.verbose {
			level = slog.LevelDebug
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return get(logctx.WithLogger(ctx, logger), args[0], args[1])
	},
}

func init() {
	defaults := engine.DefaultOptions()

	getCmd.Flags().IntVarP(&getOpts.workers, "workers", "w", defaults.Workers, "Number of parallel connections")
	getCmd.Flags().Int64Var(&getOpts.chunkUnit, "chunk-unit", defaults.ChunkUnit, "Minimum size in bytes for a parallel download")
	getCmd.Flags().IntVar(&getOpts.probeRetries, "probe-retries", 2, "Extra attempts for the size probe")
	getCmd.Flags().BoolVarP(&getOpts.verbose, "verbose", "v", false, "Log engine activity to stderr")
}

func get(ctx context.Context, url, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	registry := download.NewRegistry(nil)
	req := download.Request{ID: filepath.Base(dest), SourceURL: url, DestinationPath: dest}

	if _, err := registry.Add(ctx, req); err != nil {
		return err
	}

	bar := newProgressBar(filepath.Base(dest))

	client := fetch.NewClient(fetch.Options{ProbeRetries: getOpts.probeRetries})
	eng := engine.New(client, registry, download.NewControlPlane(), bar, nil, engine.Options{
		Workers:   getOpts.workers,
		ChunkUnit: getOpts.chunkUnit,
	})

	if err := eng.Run(ctx, req); err != nil {
		return err
	}

	rec, err := registry.Get(req.ID)
	if err != nil {
		return err
	}

	if rec.Status == download.StatusCancelled {
		return fmt.Errorf("download of %s cancelled", url)
	}

	fmt.Fprintf(os.Stderr, "saved %s (%s)\n", rec.DestinationPath, humanize.IBytes(uint64(rec.TotalBytes)))

	return nil
}

// progressBar renders engine events on the terminal.
type progressBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressBar(description string) *progressBar {
	return &progressBar{bar: progressbar.DefaultBytes(-1, description)}
}

func (p *progressBar) Publish(_ context.Context, event download.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Type {
	case download.EventProgress:
		if event.Total > 0 && p.bar.GetMax64() != event.Total {
			p.bar.ChangeMax64(event.Total)
		}

		_ = p.bar.Set64(event.Downloaded)
	case download.EventCompleted:
		_ = p.bar.Finish()
	case download.EventError, download.EventCancelled:
		_ = p.bar.Exit()
	}
}
