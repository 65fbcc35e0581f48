package notifier

import (
	"context"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

// Multi fans an event out to several publishers in order.
type Multi []download.Publisher

func (m Multi) Publish(ctx context.Context, event download.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// Log writes every non-progress event to the context logger. Progress is logged
// at debug level only since it fires ten times a second.
type Log struct{}

func (Log) Publish(ctx context.Context, event download.Event) {
	logger := logctx.LoggerFromContext(ctx)

	switch event.Type {
	case download.EventProgress:
		logger.DebugContext(ctx, "download progress",
			"download_id", event.DownloadID,
			"progress", event.Progress,
			"downloaded_bytes", event.Downloaded,
			"total_bytes", event.Total,
		)
	case download.EventError:
		logger.WarnContext(ctx, "download event", "event", event.Type, "download_id", event.DownloadID, "error", event.Message)
	default:
		logger.InfoContext(ctx, "download event", "event", event.Type, "download_id", event.DownloadID)
	}
}
