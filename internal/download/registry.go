package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/direct_downloader/internal/logctx"
)

// RecordStore persists records outside the process.
type RecordStore interface {
	SaveRecord(ctx context.Context, record Record) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context) ([]Record, error)
}

// Registry owns the status record of every known download.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	store   RecordStore
	now     func() time.Time
}

// NewRegistry creates a registry. store may be nil for a purely in-memory registry.
func NewRegistry(store RecordStore) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		store:   store,
		now:     time.Now,
	}
}

// Add registers a new queued record for req. A finished record with the same id
// is replaced; one that is still queued or running is not. Two live downloads
// never share a destination.
func (r *Registry) Add(ctx context.Context, req Request) (Record, error) {
	r.mu.Lock()

	if existing, ok := r.records[req.ID]; ok && !existing.Status.IsTerminal() {
		r.mu.Unlock()

		return Record{}, &ValidationError{Field: "download_id", Reason: fmt.Sprintf("%q is already %s", req.ID, existing.Status)}
	}

	if req.DestinationPath != "" {
		for _, rec := range r.records {
			if rec.ID != req.ID && !rec.Status.IsTerminal() && rec.DestinationPath == req.DestinationPath {
				r.mu.Unlock()

				return Record{}, &ValidationError{
					Field:  "output_path",
					Reason: fmt.Sprintf("already targeted by download %s", rec.ID),
				}
			}
		}
	}

	now := r.now()
	rec := &Record{
		ID:              req.ID,
		SourceURL:       req.SourceURL,
		DestinationPath: req.DestinationPath,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.records[req.ID] = rec
	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, snapshot)

	return snapshot, nil
}

// Get returns the record of id.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}

	return *rec, nil
}

// All returns a snapshot of every record keyed by id.
func (r *Registry) All() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make(map[string]Record, len(r.records))
	for id, rec := range r.records {
		all[id] = *rec
	}

	return all
}

// Transition moves id to status. Transitions outside the status graph are rejected.
// message is stored as the error message when status is StatusError.
func (r *Registry) Transition(ctx context.Context, id string, status Status, message string) (Record, error) {
	return r.transition(ctx, id, "", status, message)
}

// TransitionFrom moves id to status only if it is currently in from.
func (r *Registry) TransitionFrom(ctx context.Context, id string, from, status Status, message string) (Record, error) {
	return r.transition(ctx, id, from, status, message)
}

func (r *Registry) transition(ctx context.Context, id string, from, status Status, message string) (Record, error) {
	r.mu.Lock()

	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()

		return Record{}, ErrNotFound
	}

	if from != "" && rec.Status != from {
		current := rec.Status
		r.mu.Unlock()

		return Record{}, fmt.Errorf("download %s: is %s, not %s", id, current, from)
	}

	if !rec.Status.CanTransition(status) {
		current := rec.Status
		r.mu.Unlock()

		return Record{}, fmt.Errorf("download %s: transition %s -> %s not allowed", id, current, status)
	}

	rec.Status = status
	rec.UpdatedAt = r.now()

	switch status {
	case StatusError:
		rec.ErrorMessage = message
	case StatusCompleted:
		rec.DownloadedBytes = rec.TotalBytes
		rec.Progress = 100
	}

	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, snapshot)

	return snapshot, nil
}

// MarkFileCreated records that the destination file of id now exists and belongs to it.
func (r *Registry) MarkFileCreated(ctx context.Context, id string) {
	r.mu.Lock()

	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()

		return
	}

	rec.FileCreated = true
	rec.UpdatedAt = r.now()
	snapshot := *rec
	r.mu.Unlock()

	r.persist(ctx, snapshot)
}

// SetTotal records the size of id once the probe determined it, resetting progress.
func (r *Registry) SetTotal(id string, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.TotalBytes = total
		rec.DownloadedBytes = 0
		rec.Progress = 0
		rec.UpdatedAt = r.now()
	}
}

// UpdateProgress records the downloaded byte count of id. It never changes status.
func (r *Registry) UpdateProgress(id string, downloaded int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.Status.IsTerminal() {
		return
	}

	if rec.TotalBytes > 0 && downloaded > rec.TotalBytes {
		downloaded = rec.TotalBytes
	}

	rec.DownloadedBytes = downloaded
	rec.Progress = Percent(downloaded, rec.TotalBytes)
	rec.UpdatedAt = r.now()
}

// FinishedBefore returns the terminal records last updated before cutoff.
func (r *Registry) FinishedBefore(cutoff time.Time) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var finished []Record

	for _, rec := range r.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			finished = append(finished, *rec)
		}
	}

	return finished
}

// Remove forgets the record of id.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()

	if r.store == nil {
		return
	}

	if err := r.store.DeleteRecord(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete download record", "download_id", id, "err", err)
	}
}

// Restore loads persisted records. Records that were still in flight when the
// process stopped are returned so the caller can clean up after them; they are
// marked as errors since downloads are not resumed across restarts. Only those
// with FileCreated set own a file on disk.
func (r *Registry) Restore(ctx context.Context) ([]Record, error) {
	if r.store == nil {
		return nil, nil
	}

	records, err := r.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list download records: %w", err)
	}

	var interrupted []Record

	r.mu.Lock()
	for i := range records {
		rec := records[i]

		if !rec.Status.IsTerminal() {
			rec.Status = StatusError
			rec.ErrorMessage = "interrupted by restart"
			rec.UpdatedAt = r.now()
			interrupted = append(interrupted, rec)
		}

		r.records[rec.ID] = &rec
	}
	r.mu.Unlock()

	for _, rec := range interrupted {
		r.persist(ctx, rec)
	}

	return interrupted, nil
}

func (r *Registry) persist(ctx context.Context, rec Record) {
	if r.store == nil {
		return
	}

	if err := r.store.SaveRecord(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist download record", "download_id", rec.ID, "status", rec.Status, "err", err)
	}
}
