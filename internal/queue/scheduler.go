package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
	"github.com/italolelis/direct_downloader/internal/telemetry"
)

// Runner executes one admitted download to completion.
type Runner interface {
	Run(ctx context.Context, req download.Request) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req download.Request) error

func (f RunnerFunc) Run(ctx context.Context, req download.Request) error {
	return f(ctx, req)
}

// Scheduler admits queued downloads one at a time in submission order.
type Scheduler struct {
	mu      sync.Mutex
	pending []download.Request
	active  string
	running bool
	closed  bool

	runner    Runner
	telemetry *telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler whose runs inherit ctx. tel may be nil.
func NewScheduler(ctx context.Context, runner Runner, tel *telemetry.Telemetry) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		runner:    runner,
		telemetry: tel,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit appends req to the queue and admits it right away if nothing is running.
// It never waits for the active run.
func (s *Scheduler) Submit(req download.Request) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return fmt.Errorf("scheduler is shut down")
	}

	s.pending = append(s.pending, req)
	s.mu.Unlock()

	s.telemetry.AddQueuedDownloads(1)

	s.tryAdmitNext()

	return nil
}

// CancelQueued removes id from the queue. It reports false if id is not waiting,
// including when it has already been admitted.
func (s *Scheduler) CancelQueued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, req := range s.pending {
		if req.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.telemetry.AddQueuedDownloads(-1)

			return true
		}
	}

	return false
}

// Active returns the id of the running download, if any.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active, s.running
}

// Pending returns the ids waiting for admission, head first.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for _, req := range s.pending {
		ids = append(ids, req.ID)
	}

	return ids
}

// Shutdown stops admitting work, cancels the active run and waits for it to finish
// its cleanup or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// tryAdmitNext starts the head of the queue when no run is active. Concurrent
// callers race on the mutex and at most one of them admits.
func (s *Scheduler) tryAdmitNext() {
	s.mu.Lock()

	if s.running || s.closed || len(s.pending) == 0 {
		s.mu.Unlock()

		return
	}

	req := s.pending[0]
	s.pending = s.pending[1:]
	s.active = req.ID
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.telemetry.AddQueuedDownloads(-1)

	go s.run(req)
}

func (s *Scheduler) run(req download.Request) {
	defer s.wg.Done()

	ctx := logctx.WithDownloadID(s.ctx, req.ID)
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download run panicked", "panic", r, "stack", string(debug.Stack()))
			s.telemetry.RecordSystemError("queue", "panic")
		}

		s.mu.Lock()
		s.active = ""
		s.running = false
		s.mu.Unlock()

		s.tryAdmitNext()
	}()

	logger.InfoContext(ctx, "download admitted", "url", req.SourceURL, "path", req.DestinationPath)

	err := s.telemetry.InstrumentAdmission(ctx, func(ctx context.Context) error {
		return s.runner.Run(ctx, req)
	})
	if err != nil {
		logger.WarnContext(ctx, "download run ended with error", "err", err)
	}
}
