package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/fetch"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

// errStopped reports that a stream ended early because the run was cancelled.
var errStopped = errors.New("stream stopped by cancellation")

// chunkWorker fetches one byte range of the source into the same offsets of dst.
type chunkWorker struct {
	index int
	url   string
	rng   Range
	dst   io.WriterAt
	sig   *download.Signal

	// onProgress receives the run's shared byte count after every write.
	onProgress func(ctx context.Context, downloaded int64)
}

func (e *Engine) runChunk(ctx context.Context, w chunkWorker) error {
	logger := logctx.LoggerFromContext(ctx).With("chunk", w.index, "start", w.rng.Start, "end", w.rng.End)

	e.telemetry.IncrementChunkWorkers()
	defer e.telemetry.DecrementChunkWorkers()

	body, err := e.client.GetRange(ctx, w.url, w.rng.Start, w.rng.End)
	if err != nil {
		return e.workerFailed(ctx, w.sig, chunkError(w.index, err))
	}
	defer body.Close()

	err = e.stream(ctx, w.sig, io.NewOffsetWriter(w.dst, w.rng.Start), io.LimitReader(body, w.rng.Len()), w.rng.Len(), w.onProgress)
	if errors.Is(err, errStopped) {
		logger.DebugContext(ctx, "chunk worker stopped")

		return nil
	}

	if err != nil {
		return e.workerFailed(ctx, w.sig, chunkError(w.index, err))
	}

	logger.DebugContext(ctx, "chunk finished")

	return nil
}

// runSingle fetches the whole source sequentially into dst. It serves servers
// without range support and files below one chunk unit.
func (e *Engine) runSingle(ctx context.Context, url string, dst io.WriterAt, total int64, sig *download.Signal, onProgress func(context.Context, int64)) error {
	e.telemetry.IncrementChunkWorkers()
	defer e.telemetry.DecrementChunkWorkers()

	body, err := e.client.Get(ctx, url)
	if err != nil {
		return e.workerFailed(ctx, sig, singleError(err))
	}
	defer body.Close()

	err = e.stream(ctx, sig, io.NewOffsetWriter(dst, 0), io.LimitReader(body, total), total, onProgress)
	if errors.Is(err, errStopped) {
		return nil
	}

	if err != nil {
		return e.workerFailed(ctx, sig, singleError(err))
	}

	return nil
}

// stream copies src into dst one buffer at a time, honoring pause and cancel
// before every write and adding each write to the shared counter. It fails with
// io.ErrUnexpectedEOF if src yields fewer than want bytes.
func (e *Engine) stream(ctx context.Context, sig *download.Signal, dst io.Writer, src io.Reader, want int64, onProgress func(context.Context, int64)) error {
	buf := make([]byte, e.opts.BufferSize)

	var written int64

	for {
		n, readErr := src.Read(buf)

		if n > 0 {
			if !sig.WaitWhilePaused(ctx, e.opts.PausePollInterval) {
				return errStopped
			}

			if _, err := dst.Write(buf[:n]); err != nil {
				return &download.IOError{Op: "write", Err: err}
			}

			written += int64(n)
			downloaded := sig.Add(int64(n))
			e.telemetry.AddDownloadedBytes(int64(n))

			if onProgress != nil {
				onProgress(ctx, downloaded)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			if sig.Cancelled() {
				return errStopped
			}

			return readErr
		}
	}

	if written < want {
		return io.ErrUnexpectedEOF
	}

	return nil
}

// workerFailed records err as the run's failure, stopping sibling workers, and returns it.
func (e *Engine) workerFailed(ctx context.Context, sig *download.Signal, err error) error {
	if sig.Fail(err) {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "worker failed, cancelling siblings", "err", err)
	}

	return err
}

func chunkError(index int, err error) error {
	return classify(fmt.Sprintf("chunk %d", index), err)
}

func singleError(err error) error {
	return classify("single connection download", err)
}

// classify maps transport errors onto the download error taxonomy.
func classify(operation string, err error) error {
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		return &download.HTTPStatusError{Operation: operation, StatusCode: statusErr.StatusCode}
	}

	if errors.Is(err, fetch.ErrRangeIgnored) {
		return &download.HTTPStatusError{Operation: operation, StatusCode: 200}
	}

	var ioErr *download.IOError
	if errors.As(err, &ioErr) {
		return err
	}

	return fmt.Errorf("%s: %w", operation, err)
}
