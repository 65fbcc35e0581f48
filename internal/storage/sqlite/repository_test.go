package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/direct_downloader/internal/download"
)

func TestRecordRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewInstrumentedRecordRepository(db, nil)

	created := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	first := download.Record{
		ID:              "loras/a.bin",
		SourceURL:       "https://example.com/a.bin",
		DestinationPath: "/models/loras/a.bin",
		Status:          download.StatusDownloading,
		TotalBytes:      1000,
		DownloadedBytes: 250,
		Progress:        25,
		FileCreated:     true,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	second := download.Record{
		ID:              "vae/b.pt",
		SourceURL:       "https://example.com/b.pt",
		DestinationPath: "/models/vae/b.pt",
		Status:          download.StatusQueued,
		CreatedAt:       created.Add(time.Minute),
		UpdatedAt:       created.Add(time.Minute),
	}

	require.NoError(t, repo.SaveRecord(ctx, second))
	require.NoError(t, repo.SaveRecord(ctx, first))

	records, err := repo.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0], "records are listed oldest first")
	assert.Equal(t, second, records[1])

	first.Status = download.StatusError
	first.ErrorMessage = "HTTP 503 during chunk 2"
	first.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, repo.SaveRecord(ctx, first))

	records, err = repo.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0], "saving an existing id overwrites it")

	require.NoError(t, repo.DeleteRecord(ctx, first.ID))
	require.NoError(t, repo.DeleteRecord(ctx, "unknown"))

	records, err = repo.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].ID)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "downloads.db")

	db, err := InitDB(path)
	require.NoError(t, err)

	registry := download.NewRegistry(NewInstrumentedRecordRepository(db, nil))

	for _, id := range []string{"done", "running"} {
		_, err := registry.Add(ctx, download.Request{ID: id, SourceURL: "https://example.com/" + id, DestinationPath: "/models/" + id})
		require.NoError(t, err)
		_, err = registry.Transition(ctx, id, download.StatusDownloading, "")
		require.NoError(t, err)
	}

	registry.SetTotal("done", 10)
	_, err = registry.Transition(ctx, "done", download.StatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	restored := download.NewRegistry(NewInstrumentedRecordRepository(db, nil))

	interrupted, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "running", interrupted[0].ID)

	done, err := restored.Get("done")
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, done.Status)
	assert.Equal(t, int64(10), done.DownloadedBytes)

	running, err := restored.Get("running")
	require.NoError(t, err)
	assert.Equal(t, download.StatusError, running.Status)
}
