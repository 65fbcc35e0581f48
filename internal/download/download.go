package download

import (
	"context"
	"time"
)

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// transitions lists the allowed next states for each status.
// Only downloading and paused may flip back and forth.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusCancelled},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusCancelled, StatusError},
	StatusPaused:      {StatusDownloading, StatusCompleted, StatusCancelled, StatusError},
}

// CanTransition reports whether a record in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Request is a validated download submission. It is never mutated after creation.
type Request struct {
	ID              string
	SourceURL       string
	DestinationPath string
}

// Record is the public status of a download.
type Record struct {
	ID              string    `json:"id"`
	SourceURL       string    `json:"url"`
	DestinationPath string    `json:"output_path"`
	Status          Status    `json:"status"`
	TotalBytes      int64     `json:"total"`
	DownloadedBytes int64     `json:"downloaded"`
	Progress        float64   `json:"progress"`
	ErrorMessage    string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// FileCreated is set once the engine created the destination file, which
	// makes the file ours to remove.
	FileCreated bool `json:"-"`
}

// EventType names an outbound notification.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCancelled EventType = "cancelled"
)

// Event is a notification about one download. Fields irrelevant to Type are left zero.
type Event struct {
	Type       EventType
	DownloadID string
	Progress   float64
	Downloaded int64
	Total      int64
	Path       string
	Message    string
}

// Payload renders the event body the way UI clients consume it.
func (e Event) Payload() map[string]any {
	payload := map[string]any{"download_id": e.DownloadID}

	switch e.Type {
	case EventProgress:
		payload["progress"] = e.Progress
		payload["downloaded"] = e.Downloaded
		payload["total"] = e.Total
	case EventCompleted:
		payload["path"] = e.Path
		payload["size"] = e.Total
	case EventError:
		payload["error"] = e.Message
	}

	return payload
}

// Publisher delivers events to observers. Delivery is best effort; implementations
// must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Percent returns downloaded as a percentage of total, or 0 when total is unknown.
func Percent(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(downloaded) * 100 / float64(total)
}
