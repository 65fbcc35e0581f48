package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
	"github.com/italolelis/direct_downloader/internal/queue"
	"github.com/italolelis/direct_downloader/internal/telemetry"
)

// Downloader is the command surface of the service: it validates submissions,
// queues them and routes control commands to live runs.
type Downloader struct {
	registry  *download.Registry
	controls  *download.ControlPlane
	scheduler *queue.Scheduler
	runner    queue.Runner
	publisher download.Publisher
}

// New creates a downloader executing admitted downloads with runner.
// Runs inherit ctx; publisher and tel may be nil.
func New(
	ctx context.Context,
	runner queue.Runner,
	registry *download.Registry,
	controls *download.ControlPlane,
	publisher download.Publisher,
	tel *telemetry.Telemetry,
) *Downloader {
	d := &Downloader{
		registry:  registry,
		controls:  controls,
		runner:    runner,
		publisher: publisher,
	}

	d.scheduler = queue.NewScheduler(ctx, queue.RunnerFunc(d.run), tel)

	return d
}

// Submit registers req as queued and hands it to the scheduler. An empty id is
// replaced with a generated one. It returns the id of the download.
func (d *Downloader) Submit(ctx context.Context, req download.Request) (string, error) {
	if req.SourceURL == "" {
		return "", &download.ValidationError{Field: "url", Reason: "missing"}
	}

	if req.DestinationPath == "" {
		return "", &download.ValidationError{Field: "output_path", Reason: "missing"}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if _, err := d.registry.Add(ctx, req); err != nil {
		return "", err
	}

	if err := d.scheduler.Submit(req); err != nil {
		d.registry.Remove(ctx, req.ID)

		return "", fmt.Errorf("failed to queue download: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download queued",
		"download_id", req.ID,
		"url", req.SourceURL,
		"path", req.DestinationPath,
		"queue_depth", len(d.scheduler.Pending()),
	)

	return req.ID, nil
}

// Pause suspends the live run of id. Workers block at their next buffer boundary.
func (d *Downloader) Pause(ctx context.Context, id string) error {
	sig, ok := d.controls.Lookup(id)
	if !ok || !sig.Pause() {
		return download.ErrNotActive
	}

	if _, err := d.registry.Transition(ctx, id, download.StatusPaused, ""); err != nil {
		sig.Resume()

		return download.ErrNotActive
	}

	d.publish(ctx, download.Event{Type: download.EventPaused, DownloadID: id})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "download_id", id)

	return nil
}

// Resume lets the paused run of id continue.
func (d *Downloader) Resume(ctx context.Context, id string) error {
	sig, ok := d.controls.Lookup(id)
	if !ok || !sig.Resume() {
		return download.ErrNotActive
	}

	if _, err := d.registry.Transition(ctx, id, download.StatusDownloading, ""); err != nil {
		sig.Pause()

		return download.ErrNotActive
	}

	d.publish(ctx, download.Event{Type: download.EventResumed, DownloadID: id})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download resumed", "download_id", id)

	return nil
}

// Cancel stops id. A queued download is dropped from the queue; a running one
// stops at its next buffer boundary and the engine removes the partial file.
func (d *Downloader) Cancel(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx)

	if d.scheduler.CancelQueued(id) {
		return d.cancelQueued(ctx, id)
	}

	if sig, ok := d.controls.Lookup(id); ok {
		if sig.Cancelled() {
			return download.ErrNotActive
		}

		sig.Cancel()

		logger.InfoContext(ctx, "download cancellation requested", "download_id", id)

		return nil
	}

	// Admitted but not yet attached by the engine.
	if rec, err := d.registry.Get(id); err == nil && rec.Status == download.StatusQueued {
		return d.cancelAdmitted(ctx, id)
	}

	return download.ErrNotActive
}

// cancelAdmitted cancels an admitted download that may be starting concurrently.
// If the engine started it first, its signal is cancelled instead.
func (d *Downloader) cancelAdmitted(ctx context.Context, id string) error {
	if err := d.cancelQueued(ctx, id); err == nil {
		return nil
	}

	sig, ok := d.controls.Lookup(id)
	if !ok || sig.Cancelled() {
		return download.ErrNotActive
	}

	sig.Cancel()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download cancellation requested", "download_id", id)

	return nil
}

func (d *Downloader) cancelQueued(ctx context.Context, id string) error {
	if _, err := d.registry.TransitionFrom(ctx, id, download.StatusQueued, download.StatusCancelled, ""); err != nil {
		return download.ErrNotActive
	}

	d.publish(ctx, download.Event{Type: download.EventCancelled, DownloadID: id})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "queued download cancelled", "download_id", id)

	return nil
}

// Status returns the record of id.
func (d *Downloader) Status(id string) (download.Record, error) {
	return d.registry.Get(id)
}

// Statuses returns every known record keyed by id.
func (d *Downloader) Statuses() map[string]download.Record {
	return d.registry.All()
}

// Shutdown cancels the active run and waits for it to clean up.
func (d *Downloader) Shutdown(ctx context.Context) error {
	return d.scheduler.Shutdown(ctx)
}

// run executes an admitted download, turning a panic into an error outcome.
func (d *Downloader) run(ctx context.Context, req download.Request) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err = fmt.Errorf("download run panicked: %v", r)

		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "recovered from panic in download run",
			"download_id", req.ID,
			"panic", r,
			"stack", string(debug.Stack()),
		)

		if _, transitionErr := d.registry.Transition(ctx, req.ID, download.StatusError, err.Error()); transitionErr == nil {
			d.publish(ctx, download.Event{Type: download.EventError, DownloadID: req.ID, Message: err.Error()})
		}
	}()

	err = d.runner.Run(ctx, req)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (d *Downloader) publish(ctx context.Context, event download.Event) {
	if d.publisher != nil {
		d.publisher.Publish(ctx, event)
	}
}
