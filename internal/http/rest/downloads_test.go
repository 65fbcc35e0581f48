package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/direct_downloader/internal/config"
	"github.com/italolelis/direct_downloader/internal/download"
)

type fakeService struct {
	submitted []download.Request
	submitErr error
	records   map[string]download.Record
	commands  []string
	cmdErr    error
}

func (f *fakeService) Submit(_ context.Context, req download.Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}

	f.submitted = append(f.submitted, req)

	return req.ID, nil
}

func (f *fakeService) command(name string) func(context.Context, string) error {
	return func(_ context.Context, id string) error {
		if f.cmdErr != nil {
			return f.cmdErr
		}

		f.commands = append(f.commands, name+":"+id)

		return nil
	}
}

func (f *fakeService) Pause(ctx context.Context, id string) error  { return f.command("pause")(ctx, id) }
func (f *fakeService) Resume(ctx context.Context, id string) error { return f.command("resume")(ctx, id) }
func (f *fakeService) Cancel(ctx context.Context, id string) error { return f.command("cancel")(ctx, id) }

func (f *fakeService) Status(id string) (download.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return download.Record{}, download.ErrNotFound
	}

	return rec, nil
}

func (f *fakeService) Statuses() map[string]download.Record {
	return f.records
}

func newTestRouter(t *testing.T, svc *fakeService) (http.Handler, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		TargetDir: dir,
		Folders:   map[string]string{"checkpoints": "checkpoints", "loras": "loras"},
	}

	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r := chi.NewRouter()
	r.Mount("/server_download", NewDownloadHandler(svc, cfg, events).Routes())

	return r, dir
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	return resp.Error
}

func TestHandleStart(t *testing.T) {
	svc := &fakeService{}
	h, dir := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/server_download/start",
		`{"url":"https://example.com/model.safetensors","save_path":"loras","filename":"model.safetensors"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp CommandResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "loras/model.safetensors", resp.DownloadID)
	assert.Equal(t, "Download queued", resp.Message)

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "https://example.com/model.safetensors", svc.submitted[0].SourceURL)
	assert.Equal(t, filepath.Join(dir, "loras", "model.safetensors"), svc.submitted[0].DestinationPath)
}

func TestHandleStartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "invalid json",
			body: `{"url":`,
			want: "invalid JSON body",
		},
		{
			name: "missing filename",
			body: `{"url":"https://example.com/a","save_path":"loras"}`,
			want: "Missing required parameters: url, save_path, filename",
		},
		{
			name: "unknown folder",
			body: `{"url":"https://example.com/a","save_path":"music","filename":"a.bin"}`,
			want: "Invalid save_path: music. Must be one of: checkpoints, loras",
		},
		{
			name: "path separator",
			body: `{"url":"https://example.com/a","save_path":"loras","filename":"sub/a.bin"}`,
			want: "Invalid filename: must not contain path separators",
		},
		{
			name: "backslash",
			body: `{"url":"https://example.com/a","save_path":"loras","filename":"sub\\a.bin"}`,
			want: "Invalid filename: must not contain path separators",
		},
		{
			name: "parent reference",
			body: `{"url":"https://example.com/a","save_path":"loras","filename":"..a.bin"}`,
			want: "Invalid filename: path traversal patterns detected",
		},
		{
			name: "home reference",
			body: `{"url":"https://example.com/a","save_path":"loras","filename":"~a.bin"}`,
			want: "Invalid filename: path traversal patterns detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			h, _ := newTestRouter(t, svc)

			rec := do(t, h, http.MethodPost, "/server_download/start", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec), tt.want)
			assert.Empty(t, svc.submitted)
		})
	}
}

func TestHandleStartExistingFile(t *testing.T) {
	svc := &fakeService{}
	h, dir := newTestRouter(t, svc)

	existing := filepath.Join(dir, "checkpoints", "sd.ckpt")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	rec := do(t, h, http.MethodPost, "/server_download/start",
		`{"url":"https://example.com/sd.ckpt","save_path":"checkpoints","filename":"sd.ckpt"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File already exists: "+existing, decodeError(t, rec))
}

func TestHandleStartServiceErrors(t *testing.T) {
	body := `{"url":"https://example.com/a","save_path":"loras","filename":"a.bin"}`

	t.Run("validation", func(t *testing.T) {
		svc := &fakeService{submitErr: &download.ValidationError{Field: "output_path", Reason: "already targeted by download x"}}
		h, _ := newTestRouter(t, svc)

		rec := do(t, h, http.MethodPost, "/server_download/start", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid output_path: already targeted by download x", decodeError(t, rec))
	})

	t.Run("internal", func(t *testing.T) {
		svc := &fakeService{submitErr: errors.New("scheduler is shut down")}
		h, _ := newTestRouter(t, svc)

		rec := do(t, h, http.MethodPost, "/server_download/start", body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	svc := &fakeService{records: map[string]download.Record{
		"loras/a.bin": {ID: "loras/a.bin", Status: download.StatusDownloading, TotalBytes: 100, DownloadedBytes: 40, Progress: 40},
	}}
	h, _ := newTestRouter(t, svc)

	rec := do(t, h, http.MethodGet, "/server_download/status/loras/a.bin", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got download.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, download.StatusDownloading, got.Status)
	assert.Equal(t, int64(40), got.DownloadedBytes)

	rec = do(t, h, http.MethodGet, "/server_download/status/loras/missing.bin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/server_download/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var all map[string]download.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	assert.Contains(t, all, "loras/a.bin")
}

func TestHandleControl(t *testing.T) {
	for _, command := range []string{"pause", "resume", "cancel"} {
		t.Run(command, func(t *testing.T) {
			svc := &fakeService{}
			h, _ := newTestRouter(t, svc)

			rec := do(t, h, http.MethodPost, "/server_download/"+command, `{"download_id":"loras/a.bin"}`)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp CommandResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.True(t, resp.Success)
			assert.Equal(t, []string{command + ":loras/a.bin"}, svc.commands)
		})
	}
}

func TestHandleControlErrors(t *testing.T) {
	svc := &fakeService{cmdErr: download.ErrNotActive}
	h, _ := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/server_download/pause", `{"download_id":"loras/a.bin"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Download not found or already completed", decodeError(t, rec))

	rec = do(t, h, http.MethodPost, "/server_download/cancel", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing download_id", decodeError(t, rec))

	svc.cmdErr = errors.New("registry unavailable")
	rec = do(t, h, http.MethodPost, "/server_download/resume", `{"download_id":"loras/a.bin"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventsRoute(t *testing.T) {
	h, _ := newTestRouter(t, &fakeService{})

	rec := do(t, h, http.MethodGet, "/server_download/events", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
