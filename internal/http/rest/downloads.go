package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

const maxBodySize = 64 * 1024

// DownloadService is the command surface the handler drives.
type DownloadService interface {
	Submit(ctx context.Context, req download.Request) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(id string) (download.Record, error)
	Statuses() map[string]download.Record
}

// FolderResolver maps save_path names to destination directories.
type FolderResolver interface {
	FolderPath(name string) (string, bool)
	FolderNames() []string
}

type StartRequest struct {
	URL      string `json:"url"`
	SavePath string `json:"save_path"`
	Filename string `json:"filename"`
}

type ControlRequest struct {
	DownloadID string `json:"download_id"`
}

type CommandResponse struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"download_id,omitempty"`
	Message    string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DownloadHandler struct {
	service DownloadService
	folders FolderResolver
	events  http.Handler
}

// NewDownloadHandler creates the /server_download handler. events serves the
// websocket event stream and may be nil.
func NewDownloadHandler(service DownloadService, folders FolderResolver, events http.Handler) *DownloadHandler {
	return &DownloadHandler{
		service: service,
		folders: folders,
		events:  events,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/start", h.HandleStart)
	r.Get("/status", h.HandleStatuses)
	r.Get("/status/*", h.HandleStatus)
	r.Post("/pause", h.HandlePause)
	r.Post("/resume", h.HandleResume)
	r.Post("/cancel", h.HandleCancel)

	if h.events != nil {
		r.Get("/events", h.events.ServeHTTP)
	}

	return r
}

// HandleStart validates a download request and queues it.
func (h *DownloadHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if req.URL == "" || req.SavePath == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameters: url, save_path, filename")

		return
	}

	outputPath, err := h.resolveOutputPath(req.SavePath, req.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	id, err := h.service.Submit(ctx, download.Request{
		ID:              req.SavePath + "/" + req.Filename,
		SourceURL:       req.URL,
		DestinationPath: outputPath,
	})
	if err != nil {
		var validationErr *download.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}

		logger.Error("failed to queue download", "url", req.URL, "err", err)

		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{Success: true, DownloadID: id, Message: "Download queued"})
}

// resolveOutputPath turns save_path and filename into a destination inside the
// configured folder, rejecting anything that could escape it.
func (h *DownloadHandler) resolveOutputPath(savePath, filename string) (string, error) {
	dir, ok := h.folders.FolderPath(savePath)
	if !ok {
		return "", fmt.Errorf("Invalid save_path: %s. Must be one of: %s", savePath, strings.Join(h.folders.FolderNames(), ", "))
	}

	if strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, os.PathSeparator) {
		return "", errors.New("Invalid filename: must not contain path separators")
	}

	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "~") {
		return "", errors.New("Invalid filename: path traversal patterns detected")
	}

	if filepath.Base(filename) != filename {
		return "", errors.New("Invalid filename: must be a simple filename without path components")
	}

	outputPath, err := filepath.Abs(filepath.Join(dir, filename))
	if err != nil {
		return "", fmt.Errorf("Invalid filename: %w", err)
	}

	if !strings.HasPrefix(outputPath, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", errors.New("Security error: attempted directory escape")
	}

	if _, err := os.Stat(outputPath); err == nil {
		return "", fmt.Errorf("File already exists: %s", outputPath)
	}

	return outputPath, nil
}

// HandleStatuses returns every known download keyed by id.
func (h *DownloadHandler) HandleStatuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Statuses())
}

// HandleStatus returns one download. Ids contain a slash, so the whole tail of the path is the id.
func (h *DownloadHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Status(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Download not found")

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Pause, "Download paused")
}

func (h *DownloadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Resume, "Download resumed")
}

func (h *DownloadHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Cancel, "Download cancelled")
}

func (h *DownloadHandler) control(w http.ResponseWriter, r *http.Request, command func(context.Context, string) error, message string) {
	ctx := r.Context()

	var req ControlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if req.DownloadID == "" {
		writeError(w, http.StatusBadRequest, "Missing download_id")

		return
	}

	if err := command(ctx, req.DownloadID); err != nil {
		if errors.Is(err, download.ErrNotActive) {
			writeError(w, http.StatusNotFound, "Download not found or already completed")

			return
		}

		logctx.LoggerFromContext(ctx).Error("download command failed", "download_id", req.DownloadID, "err", err)

		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{Success: true, Message: message})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
