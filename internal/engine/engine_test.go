package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/fetch"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []download.Event
}

func (r *eventRecorder) Publish(_ context.Context, event download.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(typ download.EventType) []download.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []download.Event

	for _, e := range r.events {
		if e.Type == typ {
			matched = append(matched, e)
		}
	}

	return matched
}

// slowReader trickles its content so that a run stays in flight long enough to be controlled.
type slowReader struct {
	*bytes.Reader
}

func (r slowReader) Read(p []byte) (int, error) {
	time.Sleep(2 * time.Millisecond)

	if len(p) > 1024 {
		p = p[:1024]
	}

	return r.Reader.Read(p)
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

type testEnv struct {
	engine   *Engine
	registry *download.Registry
	controls *download.ControlPlane
	events   *eventRecorder
}

func newTestEnv(opts Options) *testEnv {
	env := &testEnv{
		registry: download.NewRegistry(nil),
		controls: download.NewControlPlane(),
		events:   &eventRecorder{},
	}

	client := fetch.NewClient(fetch.Options{ProbeTimeout: 5 * time.Second})
	env.engine = New(client, env.registry, env.controls, env.events, nil, opts)

	return env
}

func (env *testEnv) submit(t *testing.T, url, dest string) download.Request {
	t.Helper()

	req := download.Request{ID: filepath.Base(dest), SourceURL: url, DestinationPath: dest}

	_, err := env.registry.Add(context.Background(), req)
	require.NoError(t, err)

	return req
}

func (env *testEnv) waitForProgress(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, e := range env.events.ofType(download.EventProgress) {
			if e.Downloaded > 0 {
				return true
			}
		}

		return false
	}, 5*time.Second, time.Millisecond)
}

func smallOptions() Options {
	return Options{
		ChunkUnit:         64 * 1024,
		Workers:           8,
		BufferSize:        4 * 1024,
		PausePollInterval: 10 * time.Millisecond,
		ProgressInterval:  time.Millisecond,
	}
}

func TestRunParallelDownload(t *testing.T) {
	data := testPayload(1<<20 + 123)

	var ranged atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			ranged.Add(1)
		}

		http.ServeContent(w, r, "model.safetensors", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "checkpoints", "nested", "model.safetensors")
	req := env.submit(t, srv.URL, dest)

	require.NoError(t, env.engine.Run(context.Background(), req))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "downloaded file differs from source")
	assert.Equal(t, int32(8), ranged.Load())

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, rec.Status)
	assert.Equal(t, int64(len(data)), rec.TotalBytes)
	assert.Equal(t, int64(len(data)), rec.DownloadedBytes)
	assert.InDelta(t, 100.0, rec.Progress, 0.001)

	progress := env.events.ofType(download.EventProgress)
	require.GreaterOrEqual(t, len(progress), 2)
	assert.Equal(t, int64(0), progress[0].Downloaded)

	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Downloaded, progress[i-1].Downloaded, "progress must never decrease")
	}

	last := progress[len(progress)-1]
	assert.Equal(t, int64(len(data)), last.Downloaded)
	assert.Equal(t, int64(len(data)), last.Total)
	assert.InDelta(t, 100.0, last.Progress, 0.001)

	completed := env.events.ofType(download.EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, dest, completed[0].Path)
	assert.Equal(t, int64(len(data)), completed[0].Total)

	_, ok := env.controls.Lookup(req.ID)
	assert.False(t, ok, "the control signal is released after the run")
}

func TestRunReportsProgressAfterFirstChunkFinishes(t *testing.T) {
	data := testPayload(1 << 20)

	// The first range is served at once, the others trickle in.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			http.ServeContent(w, r, "unet.bin", time.Time{}, bytes.NewReader(data))

			return
		}

		http.ServeContent(w, r, "unet.bin", time.Time{}, slowReader{bytes.NewReader(data)})
	}))
	defer srv.Close()

	opts := smallOptions()
	opts.Workers = 4

	env := newTestEnv(opts)
	dest := filepath.Join(t.TempDir(), "unet.bin")
	req := env.submit(t, srv.URL, dest)

	require.NoError(t, env.engine.Run(context.Background(), req))

	progress := env.events.ofType(download.EventProgress)
	require.Greater(t, len(progress), 2)

	var (
		mid       int64
		firstPart = int64(len(data) / opts.Workers)
	)

	// The last event is the final 100% report published after the join.
	for _, e := range progress[:len(progress)-1] {
		mid = max(mid, e.Downloaded)
	}

	assert.Greater(t, mid, 2*firstPart, "progress keeps moving once the first range is done")

	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Downloaded, progress[i-1].Downloaded, "progress must never decrease")
	}
}

func TestRunFallsBackToSingleConnection(t *testing.T) {
	data := testPayload(300 * 1024)

	var ranged atomic.Int32

	// A server without range support that always streams the whole file.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranged.Add(1)
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "vae.bin")
	req := env.submit(t, srv.URL, dest)

	require.NoError(t, env.engine.Run(context.Background(), req))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Zero(t, ranged.Load())

	progress := env.events.ofType(download.EventProgress)
	assert.Equal(t, int64(len(data)), progress[len(progress)-1].Downloaded)
	assert.Len(t, env.events.ofType(download.EventCompleted), 1)
}

func TestRunSmallFileUsesSingleConnection(t *testing.T) {
	data := testPayload(10 * 1024)

	var ranged atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			ranged.Add(1)
		}

		http.ServeContent(w, r, "small.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "small.bin")
	req := env.submit(t, srv.URL, dest)

	require.NoError(t, env.engine.Run(context.Background(), req))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Zero(t, ranged.Load())
}

func TestRunPauseAndResume(t *testing.T) {
	data := testPayload(1 << 20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "lora.bin", time.Time{}, slowReader{bytes.NewReader(data)})
	}))
	defer srv.Close()

	opts := smallOptions()
	opts.Workers = 4

	env := newTestEnv(opts)
	dest := filepath.Join(t.TempDir(), "lora.bin")
	req := env.submit(t, srv.URL, dest)

	done := make(chan error, 1)

	go func() {
		done <- env.engine.Run(context.Background(), req)
	}()

	env.waitForProgress(t)

	sig, ok := env.controls.Lookup(req.ID)
	require.True(t, ok)
	require.True(t, sig.Pause())

	// Buffers already read when the pause landed may still be written.
	time.Sleep(50 * time.Millisecond)
	paused := sig.Downloaded()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused, sig.Downloaded(), "no bytes may be written while paused")
	assert.Less(t, paused, int64(len(data)))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size(), "the file is preallocated to its full size")

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.True(t, rec.FileCreated)

	require.True(t, sig.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish after resume")
	}

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestRunCancelRemovesFile(t *testing.T) {
	data := testPayload(1 << 20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "unet.bin", time.Time{}, slowReader{bytes.NewReader(data)})
	}))
	defer srv.Close()

	opts := smallOptions()
	opts.Workers = 4

	env := newTestEnv(opts)
	dest := filepath.Join(t.TempDir(), "unet.bin")
	req := env.submit(t, srv.URL, dest)

	done := make(chan error, 1)

	go func() {
		done <- env.engine.Run(context.Background(), req)
	}()

	env.waitForProgress(t)

	sig, ok := env.controls.Lookup(req.ID)
	require.True(t, ok)
	sig.Cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a cancelled run is not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}

	assert.NoFileExists(t, dest)

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCancelled, rec.Status)

	assert.Len(t, env.events.ofType(download.EventCancelled), 1)
	assert.Empty(t, env.events.ofType(download.EventError))
	assert.Empty(t, env.events.ofType(download.EventCompleted))
}

func TestRunShutdownCancels(t *testing.T) {
	data := testPayload(1 << 20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.bin", time.Time{}, slowReader{bytes.NewReader(data)})
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "clip.bin")
	req := env.submit(t, srv.URL, dest)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- env.engine.Run(ctx, req)
	}()

	env.waitForProgress(t)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop on shutdown")
	}

	assert.NoFileExists(t, dest)
	assert.Len(t, env.events.ofType(download.EventCancelled), 1)
}

func TestRunHTTPErrorRemovesFile(t *testing.T) {
	data := testPayload(512 * 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && !strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		http.ServeContent(w, r, "broken.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "broken.bin")
	req := env.submit(t, srv.URL, dest)

	err := env.engine.Run(context.Background(), req)
	require.Error(t, err)

	var statusErr *download.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Operation, "chunk")

	assert.NoFileExists(t, dest)

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "HTTP 503")

	failures := env.events.ofType(download.EventError)
	require.Len(t, failures, 1)
	assert.Equal(t, rec.ErrorMessage, failures[0].Message)
	assert.Empty(t, env.events.ofType(download.EventCompleted))
}

func TestRunTruncatedBodyFails(t *testing.T) {
	data := testPayload(8 * 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(2*len(data)))

			return
		}

		_, _ = w.Write(data)
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "short.bin")
	req := env.submit(t, srv.URL, dest)

	err := env.engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
	assert.Len(t, env.events.ofType(download.EventError), 1)
}

func TestRunSizeUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		// Streamed without a length.
		_, _ = w.Write(testPayload(8 * 1024))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "unknown.bin")
	req := env.submit(t, srv.URL, dest)

	err := env.engine.Run(context.Background(), req)

	var sizeErr *download.SizeUnknownError
	require.ErrorAs(t, err, &sizeErr)
	assert.NoFileExists(t, dest)

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusError, rec.Status)
	assert.Equal(t, "could not determine file size from server", rec.ErrorMessage)
}

func TestRunDestinationExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "x.bin", time.Time{}, bytes.NewReader(testPayload(1024)))
	}))
	defer srv.Close()

	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "existing.bin")
	require.NoError(t, os.WriteFile(dest, []byte("keep me"), 0o644))

	req := env.submit(t, srv.URL, dest)

	err := env.engine.Run(context.Background(), req)

	var ioErr *download.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, os.ErrExist)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got), "an existing file is never touched")

	rec, err := env.registry.Get(req.ID)
	require.NoError(t, err)
	assert.False(t, rec.FileCreated)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	env := newTestEnv(smallOptions())
	dest := filepath.Join(t.TempDir(), "never.bin")
	req := env.submit(t, "http://127.0.0.1:0/never", dest)

	_, err := env.registry.Transition(context.Background(), req.ID, download.StatusCancelled, "")
	require.NoError(t, err)

	require.NoError(t, env.engine.Run(context.Background(), req))
	assert.NoFileExists(t, dest)
	assert.Empty(t, env.events.ofType(download.EventProgress))
}
