package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/italolelis/direct_downloader/internal/download"
)

// progressReporter turns the shared byte counter of a run into throttled
// progress events. Every worker drives it; reported values never decrease.
type progressReporter struct {
	id        string
	total     int64
	registry  *download.Registry
	publisher download.Publisher
	throttle  rate.Sometimes

	// last is only touched inside throttle.Do, which serializes callers.
	last int64
}

func newProgressReporter(id string, total int64, interval time.Duration, registry *download.Registry, publisher download.Publisher) *progressReporter {
	return &progressReporter{
		id:        id,
		total:     total,
		registry:  registry,
		publisher: publisher,
		throttle:  rate.Sometimes{Interval: interval},
	}
}

// observe reports downloaded unless a report went out less than one interval ago.
func (p *progressReporter) observe(ctx context.Context, downloaded int64) {
	p.throttle.Do(func() {
		if downloaded < p.last {
			return
		}

		p.last = downloaded
		p.report(ctx, downloaded)
	})
}

// report updates the record and publishes a progress event unconditionally.
func (p *progressReporter) report(ctx context.Context, downloaded int64) {
	p.registry.UpdateProgress(p.id, downloaded)

	if p.publisher == nil {
		return
	}

	p.publisher.Publish(ctx, download.Event{
		Type:       download.EventProgress,
		DownloadID: p.id,
		Progress:   download.Percent(downloaded, p.total),
		Downloaded: downloaded,
		Total:      p.total,
	})
}
