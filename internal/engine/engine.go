package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/fetch"
	"github.com/italolelis/direct_downloader/internal/logctx"
	"github.com/italolelis/direct_downloader/internal/telemetry"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Fetcher is the HTTP surface the engine needs from its source.
type Fetcher interface {
	Probe(ctx context.Context, url string) (fetch.FileInfo, error)
	GetRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, error)
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options tunes the engine. None of them affect correctness.
type Options struct {
	// ChunkUnit is the size above which a range-capable download is split across workers.
	ChunkUnit int64

	// Workers is the number of parallel ranged connections.
	Workers int

	// BufferSize is the read size per write; pause and cancel are checked once per buffer.
	BufferSize int

	// PausePollInterval bounds how quickly paused workers notice resume or cancel.
	PausePollInterval time.Duration

	// ProgressInterval is the minimum time between two progress events.
	ProgressInterval time.Duration
}

// DefaultOptions returns options tuned for datacenter links.
func DefaultOptions() Options {
	return Options{
		ChunkUnit:         32 * 1024 * 1024,
		Workers:           8,
		BufferSize:        1024 * 1024,
		PausePollInterval: 500 * time.Millisecond,
		ProgressInterval:  100 * time.Millisecond,
	}
}

// Engine runs one download from probe to finalized file.
type Engine struct {
	client    Fetcher
	registry  *download.Registry
	controls  *download.ControlPlane
	publisher download.Publisher
	telemetry *telemetry.Telemetry
	opts      Options
}

// New creates an engine. publisher and tel may be nil.
func New(
	client Fetcher,
	registry *download.Registry,
	controls *download.ControlPlane,
	publisher download.Publisher,
	tel *telemetry.Telemetry,
	opts Options,
) *Engine {
	defaults := DefaultOptions()

	if opts.ChunkUnit <= 0 {
		opts.ChunkUnit = defaults.ChunkUnit
	}

	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}

	if opts.PausePollInterval <= 0 {
		opts.PausePollInterval = defaults.PausePollInterval
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaults.ProgressInterval
	}

	return &Engine{
		client:    client,
		registry:  registry,
		controls:  controls,
		publisher: publisher,
		telemetry: tel,
		opts:      opts,
	}
}

// Run downloads req.SourceURL to req.DestinationPath. The outcome is recorded in
// the registry and published; the returned error is the failure cause, if any.
// A cancelled run returns nil.
func (e *Engine) Run(ctx context.Context, req download.Request) error {
	ctx = logctx.WithDownloadID(ctx, req.ID)
	logger := logctx.LoggerFromContext(ctx)

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	sig := e.controls.Attach(req.ID, abort)
	defer e.controls.Detach(req.ID)

	// Shutting down the parent context cancels the run like a user would.
	stop := context.AfterFunc(ctx, sig.Cancel)
	defer stop()

	if _, err := e.registry.Transition(ctx, req.ID, download.StatusDownloading, ""); err != nil {
		if rec, getErr := e.registry.Get(req.ID); getErr == nil && rec.Status == download.StatusCancelled {
			logger.InfoContext(ctx, "download cancelled before start")

			return nil
		}

		return fmt.Errorf("failed to start download: %w", err)
	}

	e.publish(ctx, download.Event{Type: download.EventProgress, DownloadID: req.ID})

	start := time.Now()

	var (
		total   int64
		created bool
	)

	err := e.telemetry.InstrumentOperation(runCtx, "download", "engine", func(ctx context.Context) error {
		var err error
		total, created, err = e.transfer(ctx, req, sig)

		return err
	})

	return e.finish(ctx, req, sig, total, created, err, time.Since(start))
}

// transfer performs the I/O of a run. created reports whether the destination
// file was created, so that only a file of ours is ever removed.
func (e *Engine) transfer(ctx context.Context, req download.Request, sig *download.Signal) (total int64, created bool, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := ensureDestination(req.DestinationPath); err != nil {
		return 0, false, err
	}

	info, err := e.client.Probe(ctx, req.SourceURL)
	if err != nil || info.Size <= 0 {
		return 0, false, &download.SizeUnknownError{URL: req.SourceURL, Err: err}
	}

	total = info.Size
	e.registry.SetTotal(req.ID, total)

	logger.InfoContext(ctx, "probed source",
		"size", humanize.IBytes(uint64(total)),
		"total_bytes", total,
		"accepts_ranges", info.AcceptsRanges,
	)

	f, err := os.OpenFile(req.DestinationPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return total, false, &download.IOError{Op: "create", Path: req.DestinationPath, Err: err}
	}

	e.registry.MarkFileCreated(ctx, req.ID)

	// Every worker writes at its own offsets; extending the file first means none of them grows it.
	if err := f.Truncate(total); err != nil {
		f.Close()

		return total, true, &download.IOError{Op: "preallocate", Path: req.DestinationPath, Err: err}
	}

	reporter := newProgressReporter(req.ID, total, e.opts.ProgressInterval, e.registry, e.publisher)

	if info.AcceptsRanges && total > e.opts.ChunkUnit {
		logger.InfoContext(ctx, "using parallel connections", "workers", e.opts.Workers)

		err = e.runParallel(ctx, req, f, total, sig, reporter)
	} else {
		logger.InfoContext(ctx, "using single connection")

		err = e.runSingle(ctx, req.SourceURL, f, total, sig, reporter.observe)
	}

	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = &download.IOError{Op: "close", Path: req.DestinationPath, Err: closeErr}
	}

	return total, true, err
}

func (e *Engine) runParallel(ctx context.Context, req download.Request, dst io.WriterAt, total int64, sig *download.Signal, reporter *progressReporter) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, rng := range Partition(total, e.opts.Workers) {
		w := chunkWorker{
			index: i,
			url:   req.SourceURL,
			rng:   rng,
			dst:   dst,
			sig:   sig,

			onProgress: reporter.observe,
		}

		g.Go(func() error {
			return e.runChunk(gctx, w)
		})
	}

	return g.Wait()
}

// finish classifies the outcome of a run, cleans up and publishes the terminal event.
func (e *Engine) finish(ctx context.Context, req download.Request, sig *download.Signal, total int64, created bool, err error, elapsed time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	failure := sig.Failure()
	if failure == nil && err != nil && !sig.Cancelled() {
		failure = err
	}

	switch {
	case failure != nil:
		if created {
			e.removePartial(ctx, req.DestinationPath)
		}

		e.transition(ctx, req.ID, download.StatusError, failure.Error())
		e.publish(ctx, download.Event{Type: download.EventError, DownloadID: req.ID, Message: failure.Error()})
		e.telemetry.RecordDownload("error", elapsed)

		logger.ErrorContext(ctx, "download failed", "url", req.SourceURL, "err", failure)

		return failure
	case sig.Cancelled():
		if created {
			e.removePartial(ctx, req.DestinationPath)
		}

		e.transition(ctx, req.ID, download.StatusCancelled, "")
		e.publish(ctx, download.Event{Type: download.EventCancelled, DownloadID: req.ID})
		e.telemetry.RecordDownload("cancelled", elapsed)

		logger.InfoContext(ctx, "download cancelled", "downloaded_bytes", sig.Downloaded())

		return nil
	default:
		e.registry.UpdateProgress(req.ID, total)
		e.publish(ctx, download.Event{
			Type:       download.EventProgress,
			DownloadID: req.ID,
			Progress:   100,
			Downloaded: total,
			Total:      total,
		})
		e.transition(ctx, req.ID, download.StatusCompleted, "")
		e.publish(ctx, download.Event{Type: download.EventCompleted, DownloadID: req.ID, Path: req.DestinationPath, Total: total})
		e.telemetry.RecordDownload("completed", elapsed)

		logger.InfoContext(ctx, "download completed",
			"path", req.DestinationPath,
			"size", humanize.IBytes(uint64(total)),
			"duration", elapsed.String(),
		)

		return nil
	}
}

func (e *Engine) transition(ctx context.Context, id string, status download.Status, message string) {
	if _, err := e.registry.Transition(ctx, id, status, message); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record download outcome", "status", status, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, event download.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, event)
	}
}

// removePartial deletes a file left incomplete by a cancelled or failed run.
// Failing to delete it is logged and otherwise ignored.
func (e *Engine) removePartial(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to remove partial file", "path", path, "err", err)
	}
}

// ensureDestination creates the parent directories of path and checks that path does not exist yet.
func ensureDestination(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &download.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	if _, err := os.Lstat(path); err == nil {
		return &download.IOError{Op: "create", Path: path, Err: os.ErrExist}
	} else if !errors.Is(err, os.ErrNotExist) {
		return &download.IOError{Op: "stat", Path: path, Err: err}
	}

	return nil
}
