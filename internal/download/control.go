package download

import (
	"context"
	"sync"
	"time"
)

// Signal is the control state shared by an engine run and all of its workers.
// Workers poll it cooperatively; the byte counter is the only value they write.
type Signal struct {
	mu         sync.Mutex
	paused     bool
	cancelled  bool
	downloaded int64
	failure    error
	abort      context.CancelFunc
}

// NewSignal returns a signal whose cancellation also invokes abort, so blocked
// network reads return promptly. abort may be nil.
func NewSignal(abort context.CancelFunc) *Signal {
	return &Signal{abort: abort}
}

// Pause sets the paused flag. It reports false if the run is already paused or cancelled.
func (s *Signal) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || s.cancelled {
		return false
	}

	s.paused = true

	return true
}

// Resume clears the paused flag. It reports false if the run was not paused.
func (s *Signal) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused || s.cancelled {
		return false
	}

	s.paused = false

	return true
}

// Cancel requests the run to stop.
func (s *Signal) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	abort := s.abort
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
}

// Fail records err as the cause of the run's failure and cancels sibling workers.
// Only the first failure is kept, and none once the run is cancelled, since errors
// after cancellation are consequences of it. It reports whether err was recorded.
func (s *Signal) Fail(err error) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()

		return false
	}

	s.failure = err
	s.cancelled = true
	abort := s.abort
	s.mu.Unlock()

	if abort != nil {
		abort()
	}

	return true
}

// Paused reports whether the run is paused.
func (s *Signal) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

// Cancelled reports whether the run must stop, either by user request or failure.
func (s *Signal) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelled
}

// Failure returns the first recorded worker failure.
func (s *Signal) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failure
}

// Add increments the shared byte counter and returns the new total.
func (s *Signal) Add(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloaded += n

	return s.downloaded
}

// Downloaded returns the shared byte counter.
func (s *Signal) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.downloaded
}

// WaitWhilePaused blocks, polling every interval, until the run is resumed.
// It returns false if the run is cancelled or ctx is done in the meantime.
func (s *Signal) WaitWhilePaused(ctx context.Context, interval time.Duration) bool {
	for {
		s.mu.Lock()
		paused, cancelled := s.paused, s.cancelled
		s.mu.Unlock()

		if cancelled {
			return false
		}

		if !paused {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// ControlPlane maps download ids to the signal of their live run.
type ControlPlane struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

func NewControlPlane() *ControlPlane {
	return &ControlPlane{signals: make(map[string]*Signal)}
}

// Attach creates the signal for a new run of id.
func (c *ControlPlane) Attach(id string, abort context.CancelFunc) *Signal {
	sig := NewSignal(abort)

	c.mu.Lock()
	c.signals[id] = sig
	c.mu.Unlock()

	return sig
}

// Detach discards the signal of id.
func (c *ControlPlane) Detach(id string) {
	c.mu.Lock()
	delete(c.signals, id)
	c.mu.Unlock()
}

// Lookup returns the live signal of id, if any.
func (c *ControlPlane) Lookup(id string) (*Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sig, ok := c.signals[id]

	return sig, ok
}
