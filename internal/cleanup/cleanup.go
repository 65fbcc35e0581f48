package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

// PruneExpiredRecords forgets finished downloads last updated more than keepDuration
// ago. Downloaded files are left where they are. It returns the number of records removed.
func PruneExpiredRecords(ctx context.Context, registry *download.Registry, keepDuration time.Duration) int {
	if keepDuration <= 0 {
		return 0
	}

	logger := logctx.LoggerFromContext(ctx)
	expired := registry.FinishedBefore(time.Now().Add(-keepDuration))

	for _, rec := range expired {
		registry.Remove(ctx, rec.ID)

		logger.Debug("Pruned expired download record", "download_id", rec.ID, "status", rec.Status)
	}

	if len(expired) > 0 {
		logger.Info("Pruned expired download records", "count", len(expired))
	}

	return len(expired)
}

// RemoveInterruptedFiles deletes the partial destination files of downloads that
// were in flight when the process last stopped. A file the engine did not create
// is left alone.
func RemoveInterruptedFiles(ctx context.Context, interrupted []download.Record) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for _, rec := range interrupted {
		if !rec.FileCreated {
			logger.Debug("Keeping file of interrupted download", "file", rec.DestinationPath, "download_id", rec.ID)

			continue
		}

		if err := os.Remove(rec.DestinationPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // never created
			}

			logger.Error("Failed to delete interrupted file", "file", rec.DestinationPath, "download_id", rec.ID, "err", err)

			errs = append(errs, err)

			continue
		}

		logger.Info("Deleted interrupted file", "file", rec.DestinationPath, "download_id", rec.ID)
	}

	return errors.Join(errs...)
}

// Run prunes expired records every interval until ctx is done.
func Run(ctx context.Context, registry *download.Registry, keepDuration, interval time.Duration) {
	if keepDuration <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PruneExpiredRecords(ctx, registry, keepDuration)
		}
	}
}
